package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/heliolab/querysync/internal/config"
	"github.com/heliolab/querysync/internal/invalidation"
	"github.com/heliolab/querysync/internal/logging"
	"github.com/heliolab/querysync/internal/metrics"
	"github.com/heliolab/querysync/internal/poller"
	"github.com/heliolab/querysync/internal/polling"
	"github.com/heliolab/querysync/internal/querycache"
	"github.com/heliolab/querysync/internal/realtime"
	"github.com/heliolab/querysync/internal/server"
	"github.com/heliolab/querysync/internal/templates"
	"github.com/heliolab/querysync/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
)

// realtimeInvalidateDelay debounces the bursts of row-change events a single
// mutation produces upstream before touching the cache.
const realtimeInvalidateDelay = 250 * time.Millisecond

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "QUERYSYNC", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	cacheLogger := logger.With(slog.String("agent", "cache_factory"))
	queryCache := buildQueryCache(cacheLogger, cfg.Server.Cache)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := queryCache.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()
	keys := querycache.NewKeyBuilder(cfg.Server.Cache.Epoch, cfg.Server.Cache.KeySalt)

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	selector, err := polling.NewSelector(polling.Config{
		Fast:           time.Duration(cfg.Server.Polling.FastMs) * time.Millisecond,
		Resurrection:   time.Duration(cfg.Server.Polling.ResurrectionMs) * time.Millisecond,
		Initial:        time.Duration(cfg.Server.Polling.InitialMs) * time.Millisecond,
		StaleThreshold: time.Duration(cfg.Server.Polling.StaleThresholdMs) * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("invalid polling configuration: %v", err)
	}

	attention := realtime.NewAttention(time.Duration(cfg.Server.Polling.WatchWindowSeconds) * time.Second)

	router := invalidation.NewRouter(queryCache, keys, logger, metricsRecorder)
	defer router.Close()

	var rtClient *realtime.Client
	if cfg.Server.Realtime.URL != "" {
		rtClient = realtime.NewClient(realtime.ClientConfig{
			URL:       cfg.Server.Realtime.URL,
			APIKey:    os.Getenv(cfg.Server.Realtime.APIKeyEnv),
			Topics:    cfg.Server.Realtime.Topics,
			Heartbeat: time.Duration(cfg.Server.Realtime.HeartbeatSeconds) * time.Second,
		}, logger, func(ev realtime.Event) {
			routeEvent(router, ev)
		})
		go rtClient.Run(ctx)
	} else {
		logger.Warn("realtime channel disabled, polling runs without health estimation")
	}

	var conn realtime.ConnState
	if rtClient != nil {
		conn = rtClient
	}
	estimator := realtime.NewEstimator(selector, conn, attention,
		time.Duration(cfg.Server.Realtime.EventWindowSeconds)*time.Second, logger)

	renderer := templates.NewRenderer(cfg.Server.Upstream.AllowedEnv)
	fetcher := upstream.NewFetcher(cfg.Server.Upstream, nil, logger)

	scheduler := poller.NewScheduler(poller.Options{
		Cache:       queryCache,
		Fetcher:     fetcher,
		Estimator:   estimator,
		Attention:   attention,
		Keys:        keys,
		Renderer:    renderer,
		Metrics:     metricsRecorder,
		DefaultTTL:  time.Duration(cfg.Server.Cache.TTLSeconds) * time.Second,
		IdleRecheck: time.Duration(cfg.Server.Polling.IdleRecheckMs) * time.Millisecond,
	}, logger)
	defer scheduler.Close()
	scheduler.Start(ctx)

	bundle := config.QueryBundle{
		Queries: cfg.Queries,
		Sources: cfg.QuerySources,
		Skipped: cfg.SkippedDefinitions,
	}
	if err := scheduler.ReloadCatalog(bundle, keys); err != nil {
		log.Fatalf("failed to load query catalog: %v", err)
	}

	var catalogWatcher *config.CatalogWatcher
	if cfg.Server.Catalog.CatalogFile != "" || cfg.Server.Catalog.CatalogFolder != "" {
		epoch := cfg.Server.Cache.Epoch
		watcher, err := loader.WatchCatalog(ctx, cfg, func(bundle config.QueryBundle) {
			// Each reload bumps the key epoch so entries written by the old
			// definitions can never be served against the new ones.
			epoch++
			next := querycache.NewKeyBuilder(epoch, cfg.Server.Cache.KeySalt)
			if err := scheduler.ReloadCatalog(bundle, next); err != nil {
				logger.Error("catalog reload failed", slog.Any("error", err))
				return
			}
			router.UpdateKeyBuilder(next)
		}, func(err error) {
			if err != nil {
				logger.Error("catalog watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("catalog watcher setup failed", slog.Any("error", err))
		} else {
			catalogWatcher = watcher
			defer catalogWatcher.Stop()
		}
	}

	handler := server.NewHandler(scheduler, router, estimator, queryCache, metricsRecorder,
		cfg.SkippedDefinitions, cfg.Server.Logging.CorrelationHeader, logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRecorder.Handler())
	mux.Handle("/", handler)

	srv, err := server.New(cfg, logger, mux)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// routeEvent maps one row-change notification onto the invalidation table.
// Over-invalidation is the safe direction: an event that names no shot still
// touches the project rollups when a project id is present.
func routeEvent(router *invalidation.Router, ev realtime.Event) {
	shotID := ev.ShotID()
	projectID := ev.ProjectID()
	if shotID == "" && projectID == "" {
		return
	}
	reason := strings.TrimSpace(ev.Table + " " + strings.ToLower(ev.Type))
	router.Invalidate(shotID, invalidation.Options{
		Scope:                 scopeForTable(ev.Table),
		Reason:                reason,
		Delay:                 realtimeInvalidateDelay,
		ProjectID:             projectID,
		IncludeShots:          projectID != "",
		IncludeProjectUnified: projectID != "",
	})
}

// scopeForTable narrows the invalidation to the families a table feeds.
// Unknown tables fall back to everything.
func scopeForTable(table string) invalidation.Scope {
	switch table {
	case "generations", "variants":
		return invalidation.ScopeImages
	case "tasks":
		return invalidation.ScopeUnified
	case "shots", "projects":
		return invalidation.ScopeMetadata
	default:
		return invalidation.ScopeAll
	}
}

func buildQueryCache(logger *slog.Logger, cfg config.CacheConfig) querycache.QueryCache {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory query cache", slog.Duration("ttl", ttl))
		}
		return querycache.NewMemory(ttl)
	case "valkey":
		valkeyCache, err := querycache.NewValkey(querycache.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TLS: querycache.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Warn("valkey cache unavailable, falling back to memory",
					slog.String("address", cfg.Valkey.Address),
					slog.Any("error", err))
			}
			return querycache.NewMemory(ttl)
		}
		if logger != nil {
			logger.Info("using valkey query cache", slog.String("address", cfg.Valkey.Address))
		}
		return valkeyCache
	default:
		if logger != nil {
			logger.Warn("unknown cache backend, using memory",
				slog.String("backend", cfg.Backend))
		}
		return querycache.NewMemory(ttl)
	}
}
