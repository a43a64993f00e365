package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DeploymentWatcher monitors the deployment file and invokes the supplied
// callback whenever it parses to a new deployment. Stop must be called to
// release filesystem resources.
type DeploymentWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *DeploymentWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchDeployment wires fsnotify around agent.deploymentFile. The parent
// directory is watched so editors that replace the file atomically still
// trigger a reload. Parse failures go to onError and the previous deployment
// stays in force.
func (l *Loader) WatchDeployment(ctx context.Context, cfg Config, onChange func(Deployment), onError func(error)) (*DeploymentWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch deployment requires a change callback")
	}
	path := strings.TrimSpace(cfg.Agent.DeploymentFile)
	if path == "" {
		return nil, errors.New("config: no deployment file configured for watching")
	}
	if _, err := parserFor(path); err != nil {
		return nil, err
	}
	if resolved, err := filepath.Abs(path); err == nil {
		path = resolved
	}
	target := filepath.Clean(path)
	base := cfg.Agent.Deployment()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch deployment: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		if closeErr := watcher.Close(); closeErr != nil && onError != nil {
			onError(fmt.Errorf("config: watch deployment close: %w", closeErr))
		}
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	watch := &DeploymentWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch deployment close: %w", err))
			}
		}()

		reload := func() {
			deployment, err := LoadDeployment(target, base)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(deployment)
		}

		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}
		flushTimer := func() {
			if reloadTimer == nil {
				return
			}
			if !reloadTimer.Stop() {
				select {
				case <-reloadTimer.C:
				default:
				}
			}
			reloadSignal = nil
		}
		defer flushTimer()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				flushTimer()
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if onError != nil {
						onError(fmt.Errorf("config: deployment file %s removed", target))
					}
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Chmod) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch error: %w", err))
				}
			}
		}
	}()

	return watch, nil
}
