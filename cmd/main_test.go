package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/l0p7/offlinectl/internal/config"
	"github.com/l0p7/offlinectl/internal/runtime/cache"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildStorage(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(t *testing.T) config.ServerCacheConfig
		verify func(t *testing.T, storage cache.Storage)
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{}
			},
			verify: func(t *testing.T, storage cache.Storage) {
				require.NotNil(t, storage, "expected storage to be constructed")
			},
		},
		{
			name: "constructs redis storage",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.ServerCacheConfig{
					Backend:   "redis",
					Namespace: "cmdtest",
					Redis: config.ServerRedisCacheConfig{
						Address: server.Addr(),
					},
				}
			},
			verify: func(t *testing.T, storage cache.Storage) {
				ctx := context.Background()
				store, err := storage.Open(ctx, "biskra-cs-v4")
				require.NoError(t, err)
				require.NoError(t, store.Put(ctx, "/index.html", snapshot("shell")))
				snap, ok, err := store.Match(ctx, "/index.html")
				require.NoError(t, err)
				require.True(t, ok, "expected match to succeed")
				require.Equal(t, "shell", string(snap.Body))
			},
		},
		{
			name: "redis without address falls back to memory",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{Backend: "redis"}
			},
			verify: func(t *testing.T, storage cache.Storage) {
				names, err := storage.Names(context.Background())
				require.NoError(t, err)
				require.Empty(t, names)
			},
		},
		{
			name: "unknown backend falls back to memory",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{Backend: "indexeddb"}
			},
			verify: func(t *testing.T, storage cache.Storage) {
				ok, err := storage.Has(context.Background(), "anything")
				require.NoError(t, err)
				require.False(t, ok)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg(t)
			storage := buildStorage(newTestLogger(), cfg)
			t.Cleanup(func() {
				require.NoError(t, storage.Close(context.Background()))
			})

			tc.verify(t, storage)
		})
	}
}

func snapshot(body string) cache.Snapshot {
	return cache.Snapshot{
		URL:      "http://origin/index.html",
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/html"}},
		Body:     []byte(body),
		StoredAt: time.Now().UTC(),
	}
}

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "OFFLINECTL", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunLoggerError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Logging.Level = "loud"

	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})

	err := run(context.Background(), "OFFLINECTL", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "configure logger")
}

func TestRunNavigationExpressionError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.Navigation = "request.method +"

	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})

	err := run(context.Background(), "OFFLINECTL", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "navigation expression")
}

func TestRunServerConstructorError(t *testing.T) {
	cfg := quietConfig(t)

	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})

	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "OFFLINECTL", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunError(t *testing.T) {
	cfg := quietConfig(t)

	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})

	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: errors.New("run failed")}, nil
	})

	err := run(context.Background(), "OFFLINECTL", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
}

func TestRunDeploysBeforeServing(t *testing.T) {
	cfg := quietConfig(t)

	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})

	var shell, health *httptest.ResponseRecorder
	overrideHTTPServer(t, func(_ config.Config, _ *slog.Logger, handler http.Handler) (runnableServer, error) {
		return &stubServer{run: func(context.Context) error {
			req := httptest.NewRequest(http.MethodGet, "/any/route", http.NoBody)
			req.Header.Set("Sec-Fetch-Mode", "navigate")
			shell = httptest.NewRecorder()
			handler.ServeHTTP(shell, req)

			health = httptest.NewRecorder()
			handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/_offlinectl/healthz", http.NoBody))
			return context.Canceled
		}}, nil
	})

	require.NoError(t, run(context.Background(), "OFFLINECTL", ""))
	require.Equal(t, http.StatusOK, shell.Code)
	require.Equal(t, "<html>shell</html>", shell.Body.String())
	require.Contains(t, health.Body.String(), `"version":"v-test"`)
}

func TestRunStartsAndStopsDeploymentWatcher(t *testing.T) {
	cfg := quietConfig(t)
	cfg.Agent.Watch = true
	cfg.Agent.DeploymentFile = "deployment.yaml"

	stopped := false
	loader := &fakeLoader{cfg: cfg, stopped: &stopped}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{}, nil
	})

	require.NoError(t, run(context.Background(), "OFFLINECTL", ""))
	require.True(t, loader.watchSeen, "expected deployment watcher to be requested")
	require.True(t, stopped, "expected deployment watcher to be stopped on exit")
}

func TestRunDeploysWatchedChanges(t *testing.T) {
	cfg := quietConfig(t)
	cfg.Agent.Watch = true
	cfg.Agent.DeploymentFile = "deployment.yaml"

	loader := &fakeLoader{cfg: cfg}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })

	var version string
	overrideHTTPServer(t, func(_ config.Config, _ *slog.Logger, handler http.Handler) (runnableServer, error) {
		return &stubServer{run: func(context.Context) error {
			next := cfg.Agent.Deployment()
			next.Version = "v-next"
			loader.onChange(next)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_offlinectl/stores", http.NoBody))
			version = rec.Body.String()
			return nil
		}}, nil
	})

	require.NoError(t, run(context.Background(), "OFFLINECTL", ""))
	require.Contains(t, version, `"current":"v-next"`)
	require.NotContains(t, version, `"v-test"`)
}

func TestRunWatcherSetupErrorIsNotFatal(t *testing.T) {
	cfg := quietConfig(t)
	cfg.Agent.Watch = true
	cfg.Agent.DeploymentFile = "deployment.yaml"

	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg, watchErr: errors.New("no inotify")}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{}, nil
	})

	require.NoError(t, run(context.Background(), "OFFLINECTL", ""))
}

// quietConfig returns a valid configuration pointed at a local origin that
// serves a minimal shell.
func quietConfig(t *testing.T) config.Config {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>shell</html>")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)

	cfg := config.DefaultConfig()
	cfg.Server.Logging.Level = "error"
	cfg.Agent.Origin = origin.URL
	cfg.Agent.Version = "v-test"
	cfg.Agent.Shell = "/index.html"
	cfg.Agent.Manifest = []string{"/", "/index.html"}
	return cfg
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(config.Config, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

type fakeLoader struct {
	cfg       config.Config
	loadErr   error
	watchErr  error
	stopped   *bool
	watchSeen bool
	onChange  func(config.Deployment)
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
}

func (f *fakeLoader) WatchDeployment(_ context.Context, _ config.Config, onChange func(config.Deployment), _ func(error)) (deploymentWatcher, error) {
	f.watchSeen = true
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	f.onChange = onChange
	return &noOpWatcher{stopped: f.stopped}, nil
}

type noOpWatcher struct {
	stopped *bool
}

func (n *noOpWatcher) Stop() {
	if n.stopped != nil {
		*n.stopped = true
	}
}

type stubServer struct {
	err error
	run func(context.Context) error
}

func (s *stubServer) Run(ctx context.Context) error {
	if s.run != nil {
		return s.run(ctx)
	}
	return s.err
}
