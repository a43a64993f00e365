package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/l0p7/offlinectl/internal/config"
	"github.com/l0p7/offlinectl/internal/expr"
	"github.com/l0p7/offlinectl/internal/logging"
	"github.com/l0p7/offlinectl/internal/metrics"
	"github.com/l0p7/offlinectl/internal/runtime"
	"github.com/l0p7/offlinectl/internal/runtime/cache"
	"github.com/l0p7/offlinectl/internal/runtime/network"
	"github.com/l0p7/offlinectl/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

const shutdownGrace = 3 * time.Second

type deploymentWatcher interface {
	Stop()
}

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	WatchDeployment(ctx context.Context, cfg config.Config, onChange func(config.Deployment), onError func(error)) (deploymentWatcher, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return fileLoader{config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) WatchDeployment(ctx context.Context, cfg config.Config, onChange func(config.Deployment), onError func(error)) (deploymentWatcher, error) {
	return l.Loader.WatchDeployment(ctx, cfg, onChange, onError)
}

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "OFFLINECTL", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}

	a, err := newApp(logger, cfg)
	if err != nil {
		return err
	}
	defer a.close(logger)

	a.deploy(ctx, logger, cfg.Agent.Deployment())

	if cfg.Agent.Watch {
		watcher, err := loader.WatchDeployment(ctx, cfg, func(d config.Deployment) {
			a.deploy(ctx, logger, d)
		}, func(err error) {
			if err != nil {
				logger.Error("deployment watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("deployment watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := newHTTPServer(cfg, logger, a.handler)
	if err != nil {
		return fmt.Errorf("unable to construct server: %w", err)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// app is the wired controller plus the handler that fronts it.
type app struct {
	controller *runtime.Controller
	recorder   *metrics.Recorder
	handler    http.Handler
}

func newApp(logger *slog.Logger, cfg config.Config) (*app, error) {
	fetcher, err := network.New(network.Options{
		Origin:  cfg.Agent.Origin,
		Timeout: time.Duration(cfg.Agent.FetchTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure origin: %w", err)
	}
	classifier, err := expr.NewClassifier(cfg.Agent.Navigation)
	if err != nil {
		return nil, fmt.Errorf("failed to compile navigation expression: %w", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	storage := buildStorage(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)

	controller := runtime.NewController(logger, runtime.Options{
		Storage:           storage,
		Network:           fetcher,
		Classifier:        classifier,
		Metrics:           recorder,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})

	return &app{
		controller: controller,
		recorder:   recorder,
		handler:    server.NewHandler(cfg.Server.Admin.Prefix, controller, recorder.Handler()),
	}, nil
}

// deploy installs d and logs the outcome. A failed deployment leaves the
// previous agent, or pass-through, in place.
func (a *app) deploy(ctx context.Context, logger *slog.Logger, d config.Deployment) {
	if err := a.controller.Deploy(ctx, d); err != nil {
		logger.Error("deployment failed", slog.String("version", d.Version), slog.Any("error", err))
		return
	}
	logger.Info("deployment applied", slog.String("version", d.Version), slog.String("active", a.controller.Active()))
}

func (a *app) close(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.controller.Close(ctx); err != nil {
		logger.Error("cache shutdown failed", slog.Any("error", err))
	}
}

func buildStorage(logger *slog.Logger, cfg config.ServerCacheConfig) cache.Storage {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory cache storage")
		}
		return cache.NewMemory()
	case "redis":
		redisStorage, err := cache.NewRedis(cache.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Namespace,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis cache initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory cache")
			}
			return cache.NewMemory()
		}
		if logger != nil {
			logger.Info("using redis cache storage", slog.String("address", cfg.Redis.Address), slog.String("namespace", cfg.Namespace))
		}
		return redisStorage
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory()
	}
}
