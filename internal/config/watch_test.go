package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchDeploymentReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	deploymentFile := filepath.Join(dir, "deployment.yaml")
	if err := os.WriteFile(deploymentFile, []byte("version: biskra-cs-v4\n"), 0o600); err != nil {
		t.Fatalf("failed to write deployment file: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Agent.DeploymentFile = deploymentFile
	cfg.Agent.Watch = true

	changeCh := make(chan Deployment, 4)
	errCh := make(chan error, 4)

	watcher, err := NewLoader("OFFLINECTL").WatchDeployment(ctx, cfg, func(d Deployment) {
		changeCh <- d
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	if err := os.WriteFile(deploymentFile, []byte("version: biskra-cs-v5\n"), 0o600); err != nil {
		t.Fatalf("failed to update deployment file: %v", err)
	}

	select {
	case d := <-changeCh:
		if d.Version != "biskra-cs-v5" {
			t.Fatalf("expected updated version, got %v", d.Version)
		}
		if d.Shell != "/index.html" {
			t.Fatalf("expected inherited shell, got %v", d.Shell)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload event")
	}
}

func TestWatchDeploymentReportsParseErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	deploymentFile := filepath.Join(dir, "deployment.yaml")
	if err := os.WriteFile(deploymentFile, []byte("version: biskra-cs-v4\n"), 0o600); err != nil {
		t.Fatalf("failed to write deployment file: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Agent.DeploymentFile = deploymentFile

	changeCh := make(chan Deployment, 4)
	errCh := make(chan error, 4)
	watcher, err := NewLoader("OFFLINECTL").WatchDeployment(ctx, cfg, func(d Deployment) {
		changeCh <- d
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	if err := os.WriteFile(deploymentFile, []byte("shell: relative\n"), 0o600); err != nil {
		t.Fatalf("failed to update deployment file: %v", err)
	}

	select {
	case d := <-changeCh:
		t.Fatalf("unexpected deployment %v", d)
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for parse error")
	}
}

func TestWatchDeploymentRequiresFile(t *testing.T) {
	loader := NewLoader("OFFLINECTL")
	if _, err := loader.WatchDeployment(context.Background(), DefaultConfig(), func(Deployment) {}, nil); err == nil {
		t.Fatal("expected error without deployment file")
	}
	cfg := DefaultConfig()
	cfg.Agent.DeploymentFile = "deployment.yaml"
	if _, err := loader.WatchDeployment(context.Background(), cfg, nil, nil); err == nil {
		t.Fatal("expected error without callback")
	}
}
