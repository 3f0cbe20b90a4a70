package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/esglens/esglens/pkg/activity"
	"github.com/esglens/esglens/pkg/analysis"
	"github.com/esglens/esglens/pkg/api"
	"github.com/esglens/esglens/pkg/auth"
	"github.com/esglens/esglens/pkg/cache"
	"github.com/esglens/esglens/pkg/catalog"
	"github.com/esglens/esglens/pkg/config"
	"github.com/esglens/esglens/pkg/export"
	"github.com/esglens/esglens/pkg/export/archive"
	"github.com/esglens/esglens/pkg/fetch"
	"github.com/esglens/esglens/pkg/governor"
	"github.com/esglens/esglens/pkg/observability"
	"github.com/esglens/esglens/pkg/sentiment"
	"github.com/esglens/esglens/pkg/store"
)

// memoryCacheEntries bounds the lite-mode cache.
const memoryCacheEntries = 4096

// runServe wires the full stack from the environment and serves until
// SIGINT or SIGTERM.
func runServe(stderr io.Writer) int {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "configuration: %v\n", err)
		return 2
	}

	log := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DBURI == "" {
		log.Info("DB_URI not set, lite mode: sqlite store", "data_dir", cfg.DataDir)
	}
	st, err := store.Open(ctx, store.Config{
		URI:     cfg.DBURI,
		DataDir: cfg.DataDir,
		PoolMin: cfg.DBPoolMin,
		PoolMax: cfg.DBPoolMax,
		Logger:  log,
	})
	if err != nil {
		fmt.Fprintf(stderr, "store: %v\n", err)
		return 1
	}
	defer st.Close()

	cat, err := catalog.Load()
	if err != nil {
		fmt.Fprintf(stderr, "catalog: %v\n", err)
		return 1
	}
	log.Info("catalog loaded", "version", cat.Version(), "requirements", cat.TotalRequirements())

	// Every activity event also feeds the Prometheus counters.
	recorder := observability.MeteredRecorder{
		Next: activity.NewRecorder(st.DB(), st.Dialect(), log),
	}

	cacheBackend, rates, err := buildCache(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "cache: %v\n", err)
		return 1
	}

	gov := governor.New(governor.Config{
		Rates:     rates,
		Credits:   st,
		Recorder:  recorder,
		Overrides: cfg.RateLimitOverrides,
		Logger:    log,
	})

	fetcher := fetch.NewFetcher(fetch.Config{
		Timeout:      cfg.FetchTimeout,
		MaxBodyBytes: cfg.FetchMaxBytes,
	}, log)

	analyzer := analysis.New(analysis.Config{
		Catalog:   cat,
		Repo:      st,
		Governor:  gov,
		Fetcher:   fetcher,
		Loader:    cache.NewLoader(cacheBackend, cfg.CacheTTL, log),
		Sentiment: buildSentiment(ctx, cfg, log),
		Recorder:  recorder,
		Logger:    log,
	})

	var blobs archive.Store
	if cfg.ExportArchiveURL != "" {
		blobs, err = archive.Open(ctx, cfg.ExportArchiveURL)
		if err != nil {
			fmt.Fprintf(stderr, "export archive: %v\n", err)
			return 1
		}
		log.Info("export archive enabled", "url", cfg.ExportArchiveURL)
	}
	exporter := export.NewExporter(export.ExporterConfig{
		Store:    st,
		Governor: gov,
		Archive:  blobs,
		Recorder: recorder,
		Logger:   log,
	})
	queries := export.NewQueries(export.QueriesConfig{
		Store:    st,
		Governor: gov,
		Recorder: recorder,
		Logger:   log,
	})

	key, err := auth.SigningKey(cfg.JWTSecret)
	if err != nil {
		fmt.Fprintf(stderr, "auth: %v\n", err)
		return 2
	}

	tracing := buildTracing(ctx, cfg, log)
	if tracing != nil {
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracing.Shutdown(shutCtx); err != nil {
				log.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	srv := api.New(api.Config{
		Addr:            ":" + cfg.Port,
		Analyzer:        analyzer,
		Exporter:        exporter,
		Queries:         queries,
		Governor:        gov,
		Store:           st,
		Cache:           cacheBackend,
		Catalog:         cat,
		Issuer:          auth.NewIssuer(key, cfg.TokenTTL),
		Validator:       auth.NewValidator(key),
		Recorder:        recorder,
		Tracing:         tracing,
		Logger:          log,
		CORSOrigins:     cfg.CORSOrigins,
		UpgradeURL:      cfg.UpgradeURL,
		FreeTierCredits: cfg.FreeTierCredits,
		Version:         version,
	})

	if err := srv.ListenAndServe(ctx); err != nil {
		fmt.Fprintf(stderr, "server: %v\n", err)
		return 1
	}
	return 0
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// buildCache selects the snapshot cache and rate-window backend. With
// CACHE_URL both live in Redis and are shared across instances; without
// it both are process local, which only suits a single instance.
func buildCache(ctx context.Context, cfg *config.Config, log *slog.Logger) (cache.Cache, governor.RateStore, error) {
	if cfg.CacheURL == "" {
		log.Info("CACHE_URL not set, lite mode: in-memory cache and rate windows")
		return cache.NewMemoryCache(memoryCacheEntries), governor.NewMemoryRateStore(), nil
	}

	opts, err := redis.ParseURL(cfg.CacheURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CACHE_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Info("redis connected", "addr", opts.Addr)
	return cache.NewRedisCache(client), governor.NewRedisRateStore(client), nil
}

// buildSentiment wires the optional sentiment collaborator. A broken
// provider degrades to disabled rather than blocking startup.
func buildSentiment(ctx context.Context, cfg *config.Config, log *slog.Logger) sentiment.Provider {
	p, err := sentiment.FromConfig(ctx, cfg.SentimentURL, cfg.SentimentWASMPath)
	if err != nil {
		log.Warn("sentiment provider unavailable", "error", err)
		return sentiment.Disabled{}
	}
	if p.Name() != "disabled" {
		log.Info("sentiment provider ready", "kind", p.Name())
	}
	return p
}

// buildTracing starts the OTLP pipeline when enabled. Telemetry outages
// must not stop the service, so failures log and return nil.
func buildTracing(ctx context.Context, cfg *config.Config, log *slog.Logger) *observability.Provider {
	if !cfg.OTelEnabled {
		return nil
	}
	oc := observability.DefaultConfig()
	oc.ServiceVersion = version
	oc.OTLPEndpoint = cfg.OTelEndpoint
	oc.SampleRate = cfg.OTelSampleRate
	oc.Insecure = true

	p, err := observability.New(ctx, oc)
	if err != nil {
		log.Warn("tracing disabled", "endpoint", cfg.OTelEndpoint, "error", err)
		return nil
	}
	log.Info("tracing enabled", "endpoint", cfg.OTelEndpoint)
	return p
}
