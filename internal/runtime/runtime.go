package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/offlinectl/internal/config"
	"github.com/l0p7/offlinectl/internal/metrics"
	"github.com/l0p7/offlinectl/internal/runtime/agent"
	"github.com/l0p7/offlinectl/internal/runtime/cache"
)

// worker is the lifecycle surface the controller drives. *agent.Agent
// satisfies it.
type worker interface {
	Version() string
	Phase() agent.Phase
	Install(ctx context.Context) (agent.InstallResult, error)
	Activate(ctx context.Context) (agent.ActivateResult, error)
	Retire()
	Wait(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
	Kind(r *http.Request) agent.Kind
	FetchKind(ctx context.Context, r *http.Request, kind agent.Kind) (agent.Outcome, error)
}

type Options struct {
	Storage           cache.Storage
	Network           agent.Fetcher
	Classifier        agent.Classifier
	Metrics           *metrics.Recorder
	CorrelationHeader string
}

// Controller hosts the offline cache agents. It installs each deployment,
// decides when the new agent takes over, and routes intercepted traffic to
// whichever agent is in control.
type Controller struct {
	logger            *slog.Logger
	storage           cache.Storage
	network           agent.Fetcher
	classifier        agent.Classifier
	metrics           *metrics.Recorder
	correlationHeader string

	newWorker func(config.Deployment) (worker, error)

	// deployMu serialises Deploy and promotion.
	deployMu sync.Mutex

	mu         sync.RWMutex
	active     worker
	waiting    worker
	claimable  worker
	lastError  string
	deployedAt time.Time

	inflight   atomic.Int64
	background sync.WaitGroup
}

func NewController(logger *slog.Logger, opts Options) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	storage := opts.Storage
	if storage == nil {
		storage = cache.NewMemory()
	}
	c := &Controller{
		logger:            logger.With(slog.String("agent", "controller")),
		storage:           storage,
		network:           opts.Network,
		classifier:        opts.Classifier,
		metrics:           opts.Metrics,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
	}
	c.newWorker = c.buildAgent
	return c
}

func (c *Controller) buildAgent(d config.Deployment) (worker, error) {
	return agent.New(agent.Config{
		Version:    d.Version,
		Shell:      d.Shell,
		Manifest:   d.Manifest,
		Storage:    c.storage,
		Network:    c.network,
		Classifier: c.classifier,
		Logger:     c.logger,
		Metrics:    c.metrics,
	})
}

// Deploy installs d as a new agent. A failed install leaves the current agent
// in control. Deploying the version already in control, or already waiting,
// does nothing.
func (c *Controller) Deploy(ctx context.Context, d config.Deployment) error {
	d = d.Normalize()
	if err := d.Validate(); err != nil {
		return err
	}
	c.deployMu.Lock()
	defer c.deployMu.Unlock()

	c.mu.RLock()
	active, waiting := c.active, c.waiting
	c.mu.RUnlock()
	if active != nil && active.Version() == d.Version {
		c.logger.Debug("deployment already active", slog.String("version", d.Version))
		return nil
	}
	if waiting != nil && waiting.Version() == d.Version {
		c.logger.Debug("deployment already waiting", slog.String("version", d.Version))
		return nil
	}

	w, err := c.newWorker(d)
	if err != nil {
		c.recordError(err)
		return fmt.Errorf("runtime: build agent: %w", err)
	}
	c.logger.Info("deploying", slog.String("version", d.Version), slog.Int("assets", len(d.Manifest)))

	res, err := w.Install(ctx)
	if err != nil {
		c.recordError(err)
		c.logger.Warn("install failed, keeping current agent", slog.String("version", d.Version), slog.Any("error", err))
		return err
	}

	if waiting != nil {
		waiting.Retire()
	}
	if !res.SkipWaiting {
		c.mu.Lock()
		c.waiting = w
		c.mu.Unlock()
		c.logger.Info("agent waiting for in-flight requests", slog.String("version", d.Version))
		if c.inflight.Load() == 0 {
			c.promoteLocked(ctx)
		}
		return nil
	}

	c.mu.Lock()
	c.waiting = nil
	c.mu.Unlock()
	c.activateLocked(ctx, w)
	return nil
}

// promote activates the waiting agent once traffic has drained.
func (c *Controller) promote(ctx context.Context) {
	c.deployMu.Lock()
	defer c.deployMu.Unlock()
	c.promoteLocked(ctx)
}

func (c *Controller) promoteLocked(ctx context.Context) {
	c.mu.Lock()
	w := c.waiting
	if w == nil || c.inflight.Load() != 0 {
		c.mu.Unlock()
		return
	}
	c.waiting = nil
	c.mu.Unlock()
	c.activateLocked(ctx, w)
}

func (c *Controller) activateLocked(ctx context.Context, w worker) {
	res, err := w.Activate(ctx)
	if err != nil {
		c.recordError(err)
		c.logger.Warn("activation finished with errors", slog.String("version", w.Version()), slog.Any("error", err))
	}

	c.mu.Lock()
	c.deployedAt = time.Now().UTC()
	if err == nil {
		c.lastError = ""
	}
	if !res.Claim && c.active != nil {
		if c.claimable != nil {
			c.claimable.Retire()
		}
		c.claimable = w
		c.mu.Unlock()
		c.logger.Info("agent activated, control passes at next navigation", slog.String("version", w.Version()))
		return
	}
	previous := c.active
	c.active = w
	if c.claimable != nil {
		c.claimable.Retire()
		c.claimable = nil
	}
	c.mu.Unlock()

	if previous != nil {
		previous.Retire()
	}
	c.logger.Info("agent in control", slog.String("version", w.Version()), slog.Int("deleted_stores", len(res.Deleted)))
}

// takeControl hands control to candidate if it is still the
// activated-but-unclaimed agent. Called for navigation requests only.
func (c *Controller) takeControl(candidate worker) {
	if candidate == nil {
		return
	}
	c.mu.Lock()
	if c.claimable != candidate {
		c.mu.Unlock()
		return
	}
	previous := c.active
	c.active = candidate
	c.claimable = nil
	c.mu.Unlock()
	if previous != nil {
		previous.Retire()
	}
	c.logger.Info("agent in control", slog.String("version", candidate.Version()), slog.String("trigger", "navigation"))
}

// ServeFetch answers intercepted traffic through the controlling agent, or
// straight from the network when no agent is installed. An outcome without
// a response aborts the connection so the client observes a failed load.
func (c *Controller) ServeFetch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := c.requestCorrelationID(r)
	if c.correlationHeader != "" {
		w.Header().Set(c.correlationHeader, correlationID)
	}
	reqLogger := c.logger.With(slog.String("correlation_id", correlationID))

	c.inflight.Add(1)
	defer func() {
		if c.inflight.Add(-1) == 0 && c.hasWaiting() {
			c.background.Add(1)
			go func() {
				defer c.background.Done()
				c.promote(context.Background())
			}()
		}
	}()

	c.mu.RLock()
	active, claimable := c.active, c.claimable
	c.mu.RUnlock()

	// Classified once; the claimable agent decides when one is pending.
	kind := agent.KindPassthrough
	switch {
	case claimable != nil:
		kind = claimable.Kind(r)
	case active != nil:
		kind = active.Kind(r)
	}
	if kind == agent.KindNavigation && claimable != nil {
		c.takeControl(claimable)
		c.mu.RLock()
		active = c.active
		c.mu.RUnlock()
	}

	var (
		out agent.Outcome
		err error
	)
	if active != nil {
		out, err = active.FetchKind(r.Context(), r, kind)
		if errors.Is(err, agent.ErrPhase) {
			// Superseded between the read and the call; the network still answers.
			reqLogger.Debug("agent retired mid-request", slog.String("version", active.Version()))
			active = nil
		}
	}
	if active == nil {
		out = c.passThrough(r, reqLogger)
	}

	c.observe(reqLogger, r, out, time.Since(start))
	if !out.Responded() {
		panic(http.ErrAbortHandler)
	}
	if _, err := out.Response.Serve(w, r); err != nil {
		reqLogger.Debug("response write failed", slog.Any("error", err))
	}
}

func (c *Controller) passThrough(r *http.Request, logger *slog.Logger) agent.Outcome {
	out := agent.Outcome{Kind: agent.KindPassthrough, Source: metrics.FetchSourceNone}
	if c.network == nil {
		return out
	}
	snap, err := c.network.Fetch(r.Context(), r)
	if err != nil {
		logger.Warn("pass-through fetch failed", slog.String("path", r.URL.RequestURI()), slog.Any("error", err))
		return out
	}
	out.Source, out.Response = metrics.FetchSourceNetwork, &snap
	return out
}

func (c *Controller) hasWaiting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.waiting != nil
}

func (c *Controller) recordError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

// Active returns the version in control, or "" before the first deployment.
func (c *Controller) Active() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return ""
	}
	return c.active.Version()
}

// ServeHealth reports which agent is in control and how the last deployment went.
func (c *Controller) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	c.mu.RLock()
	payload := struct {
		Status     string    `json:"status"`
		Version    string    `json:"version,omitempty"`
		Phase      string    `json:"phase,omitempty"`
		Waiting    string    `json:"waiting,omitempty"`
		Claimable  string    `json:"claimable,omitempty"`
		LastError  string    `json:"lastError,omitempty"`
		DeployedAt time.Time `json:"deployedAt,omitzero"`
		ObservedAt time.Time `json:"observedAt"`
	}{
		Status:     "ok",
		LastError:  c.lastError,
		DeployedAt: c.deployedAt,
		ObservedAt: time.Now().UTC(),
	}
	if c.active != nil {
		payload.Version = c.active.Version()
		payload.Phase = c.active.Phase().String()
	} else {
		payload.Status = "passthrough"
	}
	if c.waiting != nil {
		payload.Waiting = c.waiting.Version()
	}
	if c.claimable != nil {
		payload.Claimable = c.claimable.Version()
	}
	if payload.LastError != "" && payload.Status == "ok" {
		payload.Status = "degraded"
	}
	c.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		c.logger.Error("health encode failed", slog.Any("error", err))
	}
}

// ServeStores lists every store and the keys held by the current one.
func (c *Controller) ServeStores(w http.ResponseWriter, r *http.Request) {
	names, err := c.storage.Names(r.Context())
	if err != nil {
		c.WriteError(w, http.StatusServiceUnavailable, "store listing failed")
		c.logger.Error("store listing failed", slog.Any("error", err))
		return
	}
	payload := struct {
		Stores  []string `json:"stores"`
		Current string   `json:"current,omitempty"`
		Keys    []string `json:"keys,omitempty"`
	}{Stores: names}

	c.mu.RLock()
	active := c.active
	c.mu.RUnlock()
	if active != nil {
		payload.Current = active.Version()
		keys, err := active.Keys(r.Context())
		if err != nil {
			c.WriteError(w, http.StatusServiceUnavailable, "store keys unavailable")
			c.logger.Error("store keys failed", slog.String("store", payload.Current), slog.Any("error", err))
			return
		}
		payload.Keys = keys
	}
	if payload.Stores == nil {
		payload.Stores = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		c.logger.Error("stores encode failed", slog.Any("error", err))
	}
}

// WriteError emits a JSON error payload for the admin routes.
func (c *Controller) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	payload := map[string]any{"error": message}
	if version := c.Active(); version != "" {
		payload["version"] = version
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		c.logger.Error("error response encode failed", slog.Any("error", err))
	}
}

// Close waits for background store writes and releases the storage.
func (c *Controller) Close(ctx context.Context) error {
	c.background.Wait()
	c.mu.RLock()
	workers := []worker{c.active, c.claimable}
	c.mu.RUnlock()
	var errs []error
	for _, w := range workers {
		if w == nil {
			continue
		}
		if err := w.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("runtime: wait %s: %w", w.Version(), err))
		}
	}
	if err := c.storage.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Controller) requestCorrelationID(r *http.Request) string {
	if r != nil && c.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(c.correlationHeader)); candidate != "" {
			return candidate
		}
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
