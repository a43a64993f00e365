package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/offlinectl/internal/metrics"
	"github.com/l0p7/offlinectl/internal/runtime/cache"
)

// Kind classifies an intercepted request.
type Kind string

const (
	KindNavigation  Kind = "navigation"
	KindSubresource Kind = "subresource"
	// KindPassthrough marks traffic the host sent to the network because no
	// agent was in control.
	KindPassthrough Kind = "passthrough"
)

// Fetcher is the network side of the agent.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (cache.Snapshot, error)
	Get(ctx context.Context, path string) (cache.Snapshot, error)
}

// Classifier decides whether a request is a full-page navigation.
type Classifier interface {
	IsNavigation(*http.Request) (bool, error)
}

// Config wires an Agent to its collaborators.
type Config struct {
	Version    string
	Shell      string
	Manifest   []string
	Storage    cache.Storage
	Network    Fetcher
	Classifier Classifier
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// InstallResult is returned by a successful Install.
type InstallResult struct {
	// SkipWaiting asks the host to activate without waiting for the
	// previous agent's traffic to drain.
	SkipWaiting bool
}

// ActivateResult is returned by Activate.
type ActivateResult struct {
	Deleted []string
	// Claim asks the host to route traffic to this agent immediately.
	Claim bool
}

// Outcome is the agent's answer to one intercepted request. A nil Response
// means the request resolved to nothing and the caller sees a failed load.
type Outcome struct {
	Kind     Kind
	Source   metrics.FetchSource
	Response *cache.Snapshot
}

// Responded reports whether the outcome carries a response.
func (o Outcome) Responded() bool { return o.Response != nil }

// Agent owns one versioned cache store and mediates traffic through it.
type Agent struct {
	version    string
	shell      string
	manifest   []string
	storage    cache.Storage
	network    Fetcher
	classifier Classifier
	logger     *slog.Logger
	metrics    *metrics.Recorder

	mu    sync.RWMutex
	phase Phase
	store cache.Store

	pending tracker
}

func New(cfg Config) (*Agent, error) {
	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		return nil, errors.New("agent: version required")
	}
	if cfg.Storage == nil {
		return nil, errors.New("agent: storage required")
	}
	if cfg.Network == nil {
		return nil, errors.New("agent: network required")
	}
	shell := strings.TrimSpace(cfg.Shell)
	if shell == "" {
		shell = "/index.html"
	}
	shell, err := cache.CanonicalKey(shell)
	if err != nil {
		return nil, fmt.Errorf("agent: shell: %w", err)
	}
	manifest := make([]string, 0, len(cfg.Manifest))
	seen := make(map[string]bool, len(cfg.Manifest))
	for _, path := range cfg.Manifest {
		key, err := cache.CanonicalKey(path)
		if err != nil {
			return nil, fmt.Errorf("agent: manifest: %w", err)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		manifest = append(manifest, key)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		version:    version,
		shell:      shell,
		manifest:   manifest,
		storage:    cfg.Storage,
		network:    cfg.Network,
		classifier: cfg.Classifier,
		logger:     logger.With(slog.String("agent", "offline_cache"), slog.String("version", version)),
		metrics:    cfg.Metrics,
	}, nil
}

func (a *Agent) Version() string { return a.version }

func (a *Agent) Phase() Phase {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.phase
}

// Keys lists the keys in the agent's store once it has been installed.
func (a *Agent) Keys(ctx context.Context) ([]string, error) {
	a.mu.RLock()
	store := a.store
	a.mu.RUnlock()
	if store == nil {
		return nil, nil
	}
	return store.Keys(ctx)
}

// Install opens the versioned store and populates it with the manifest. The
// population is all-or-nothing; a failure leaves the agent redundant.
func (a *Agent) Install(ctx context.Context) (InstallResult, error) {
	if err := a.advance(PhaseNew, PhaseInstalling); err != nil {
		return InstallResult{}, err
	}
	a.logger.Info("installing", slog.Int("assets", len(a.manifest)))

	start := time.Now()
	store, err := a.storage.Open(ctx, a.version)
	if err == nil {
		err = cache.AddAll(ctx, store, a.network.Get, a.manifest)
	}
	result := metrics.CacheResultStored
	if err != nil {
		result = metrics.CacheResultError
	}
	a.metrics.ObserveCache(metrics.CacheOperationPopulate, result, time.Since(start))
	a.metrics.ObserveLifecycle("install", err)

	if err != nil {
		a.setPhase(PhaseRedundant)
		a.logger.Error("cache population failed", slog.Any("error", err))
		return InstallResult{}, fmt.Errorf("agent: install %s: %w", a.version, err)
	}

	a.mu.Lock()
	a.store = store
	a.phase = PhaseInstalled
	a.mu.Unlock()
	a.logger.Info("all assets cached")
	return InstallResult{SkipWaiting: true}, nil
}

// Activate deletes every store other than the agent's own. The agent ends up
// activated even when a deletion fails; those failures are joined into the
// returned error.
func (a *Agent) Activate(ctx context.Context) (ActivateResult, error) {
	if err := a.advance(PhaseInstalled, PhaseActivating); err != nil {
		return ActivateResult{}, err
	}
	a.logger.Info("activating")

	var (
		deleted []string
		errs    []error
	)
	names, err := a.storage.Names(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("agent: list stores: %w", err))
	}
	for _, name := range names {
		if name == a.version {
			continue
		}
		a.logger.Info("deleting old cache", slog.String("store", name))
		if _, err := a.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("agent: delete store %s: %w", name, err))
			continue
		}
		deleted = append(deleted, name)
	}
	a.metrics.ObserveStoresDeleted(len(deleted))

	a.setPhase(PhaseActivated)
	err = errors.Join(errs...)
	a.metrics.ObserveLifecycle("activate", err)
	if err != nil {
		a.logger.Error("stale store cleanup failed", slog.Any("error", err))
	}
	a.logger.Info("activated", slog.Int("deleted", len(deleted)))
	return ActivateResult{Deleted: deleted, Claim: true}, err
}

// Retire marks the agent redundant once a newer version has taken over.
// In-flight fetches finish; new ones are refused.
func (a *Agent) Retire() {
	a.setPhase(PhaseRedundant)
}

// Wait blocks until background store writes started by Fetch have finished.
func (a *Agent) Wait(ctx context.Context) error {
	return a.pending.wait(ctx)
}

// Fetch classifies r and answers it. The error is reserved for lifecycle
// misuse; network and store failures are folded into the Outcome.
func (a *Agent) Fetch(ctx context.Context, r *http.Request) (Outcome, error) {
	return a.FetchKind(ctx, r, a.Kind(r))
}

// FetchKind answers r as the already classified kind. Anything other than
// KindNavigation is handled as a sub-resource.
func (a *Agent) FetchKind(ctx context.Context, r *http.Request, kind Kind) (Outcome, error) {
	a.mu.RLock()
	phase, store := a.phase, a.store
	a.mu.RUnlock()
	if phase != PhaseActivated {
		return Outcome{}, fmt.Errorf("%w: fetch while %s", ErrPhase, phase)
	}
	if kind == KindNavigation {
		return a.navigate(ctx, store, r), nil
	}
	return a.subresource(ctx, store, r), nil
}

// Kind classifies r. Classifier errors are logged and the request is treated
// as a sub-resource.
func (a *Agent) Kind(r *http.Request) Kind {
	if a.classifier == nil {
		return KindSubresource
	}
	nav, err := a.classifier.IsNavigation(r)
	if err != nil {
		a.logger.Warn("request classification failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		return KindSubresource
	}
	if nav {
		return KindNavigation
	}
	return KindSubresource
}

// navigate serves the shell document for every navigation, falling back to the
// live request when the shell is missing. Any failure gets one more shell
// lookup before giving up.
func (a *Agent) navigate(ctx context.Context, store cache.Store, r *http.Request) Outcome {
	out := Outcome{Kind: KindNavigation, Source: metrics.FetchSourceNone}

	snap, ok, err := a.match(ctx, store, a.shell)
	if err == nil {
		if ok {
			a.logger.Debug("serving shell from cache", slog.String("path", r.URL.Path))
			out.Source, out.Response = metrics.FetchSourceCache, &snap
			return out
		}
		a.logger.Debug("shell missing, fetching from network", slog.String("path", r.URL.Path))
		live, ferr := a.network.Fetch(ctx, r)
		if ferr == nil {
			out.Source, out.Response = metrics.FetchSourceNetwork, &live
			return out
		}
		err = ferr
	}

	a.logger.Error("navigation failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	snap, ok, err = a.match(ctx, store, a.shell)
	if err != nil {
		a.logger.Error("shell fallback failed", slog.Any("error", err))
		return out
	}
	if ok {
		out.Source, out.Response = metrics.FetchSourceCache, &snap
	}
	return out
}

// subresource answers from the store when it can, otherwise from the network,
// keeping a copy of every 200 response for next time.
func (a *Agent) subresource(ctx context.Context, store cache.Store, r *http.Request) Outcome {
	out := Outcome{Kind: KindSubresource, Source: metrics.FetchSourceNone}

	key, storable := cache.KeyFor(r)
	if storable {
		snap, ok, err := a.match(ctx, store, key)
		switch {
		case err != nil:
			a.logger.Warn("cache lookup failed, using network", slog.String("key", key), slog.Any("error", err))
		case ok:
			a.logger.Debug("serving from cache", slog.String("key", key))
			out.Source, out.Response = metrics.FetchSourceCache, &snap
			return out
		}
	}

	a.logger.Debug("fetching from network", slog.String("path", r.URL.RequestURI()))
	live, err := a.network.Fetch(ctx, r)
	if err != nil {
		a.logger.Error("fetch failed", slog.String("path", r.URL.RequestURI()), slog.Any("error", err))
		return out
	}
	if storable && live.Cacheable() {
		a.storeAsync(ctx, store, key, live)
	}
	out.Source, out.Response = metrics.FetchSourceNetwork, &live
	return out
}

// storeAsync writes snap without holding up the response. The snapshot body
// is shared with the caller and must not be mutated by either side.
func (a *Agent) storeAsync(ctx context.Context, store cache.Store, key string, snap cache.Snapshot) {
	a.pending.add()
	go func() {
		defer a.pending.done()
		start := time.Now()
		err := store.Put(context.WithoutCancel(ctx), key, snap)
		result := metrics.CacheResultStored
		if err != nil {
			result = metrics.CacheResultError
			a.logger.Warn("cache write failed", slog.String("key", key), slog.Any("error", err))
		}
		a.metrics.ObserveCache(metrics.CacheOperationStore, result, time.Since(start))
	}()
}

func (a *Agent) match(ctx context.Context, store cache.Store, key string) (cache.Snapshot, bool, error) {
	start := time.Now()
	snap, ok, err := store.Match(ctx, key)
	result := metrics.CacheResultMiss
	switch {
	case err != nil:
		result = metrics.CacheResultError
	case ok:
		result = metrics.CacheResultHit
	}
	a.metrics.ObserveCache(metrics.CacheOperationLookup, result, time.Since(start))
	return snap, ok, err
}

func (a *Agent) advance(from, to Phase) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != from {
		return fmt.Errorf("%w: want %s, have %s", ErrPhase, from, a.phase)
	}
	a.phase = to
	return nil
}

func (a *Agent) setPhase(p Phase) {
	a.mu.Lock()
	a.phase = p
	a.mu.Unlock()
}
