// Package api is the HTTP surface of the service: routing, the wire
// error envelope, per-IP admission, idempotent replay and the health
// and metrics endpoints. Domain behavior lives in the packages it
// composes; handlers translate between HTTP and those packages.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/esglens/esglens/pkg/activity"
	"github.com/esglens/esglens/pkg/analysis"
	"github.com/esglens/esglens/pkg/auth"
	"github.com/esglens/esglens/pkg/cache"
	"github.com/esglens/esglens/pkg/catalog"
	"github.com/esglens/esglens/pkg/export"
	"github.com/esglens/esglens/pkg/governor"
	"github.com/esglens/esglens/pkg/observability"
	"github.com/esglens/esglens/pkg/store"
)

// Config wires a Server. Analyzer, Exporter, Queries, Governor, Store,
// Catalog, Issuer and Validator are required; the rest defaults.
type Config struct {
	Addr string

	Analyzer  *analysis.Analyzer
	Exporter  *export.Exporter
	Queries   *export.Queries
	Governor  *governor.Governor
	Store     *store.Store
	Cache     cache.Cache // health probe only, may be nil
	Catalog   *catalog.Catalog
	Issuer    *auth.Issuer
	Validator *auth.Validator

	Payments PaymentProvider
	Recorder activity.Recorder
	Tracing  *observability.Provider
	Logger   *slog.Logger

	CORSOrigins     string
	UpgradeURL      string
	FreeTierCredits int64
	Version         string

	// Per-IP outer gate. Zero takes the defaults.
	GlobalRPS   float64
	GlobalBurst int

	// ReplayTTL is the Idempotency-Key replay window.
	ReplayTTL time.Duration
}

// Server serves the public API.
type Server struct {
	analyzer  *analysis.Analyzer
	exporter  *export.Exporter
	queries   *export.Queries
	governor  *governor.Governor
	store     *store.Store
	cache     cache.Cache
	catalog   *catalog.Catalog
	issuer    *auth.Issuer
	validator *auth.Validator
	payments  PaymentProvider
	recorder  activity.Recorder
	tracing   *observability.Provider
	log       *slog.Logger

	addr        string
	corsOrigins string
	upgradeURL  string
	freeCredits int64
	version     string
	started     time.Time

	handler http.Handler
}

// New builds the server and its middleware chain.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = activity.NopRecorder{}
	}
	if cfg.Payments == nil {
		cfg.Payments = URLTemplateProvider{Base: cfg.UpgradeURL}
	}
	if cfg.FreeTierCredits <= 0 {
		cfg.FreeTierCredits = 100
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.GlobalRPS <= 0 {
		cfg.GlobalRPS = 50
	}
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = 100
	}

	s := &Server{
		analyzer:    cfg.Analyzer,
		exporter:    cfg.Exporter,
		queries:     cfg.Queries,
		governor:    cfg.Governor,
		store:       cfg.Store,
		cache:       cfg.Cache,
		catalog:     cfg.Catalog,
		issuer:      cfg.Issuer,
		validator:   cfg.Validator,
		payments:    cfg.Payments,
		recorder:    cfg.Recorder,
		tracing:     cfg.Tracing,
		log:         cfg.Logger,
		addr:        cfg.Addr,
		corsOrigins: cfg.CORSOrigins,
		upgradeURL:  cfg.UpgradeURL,
		freeCredits: cfg.FreeTierCredits,
		version:     cfg.Version,
		started:     time.Now(),
	}

	limiter := NewGlobalRateLimiter(cfg.GlobalRPS, cfg.GlobalBurst)
	replays := NewReplayCache(cfg.ReplayTTL)

	// Outermost first: correlation id, CORS, access log, the blunt
	// per-IP gate, then authentication; replay needs the principal so
	// it sits inside auth.
	var h http.Handler = replays.Middleware(s.routes())
	h = auth.Middleware(s.validator)(h)
	h = limiter.Middleware(h)
	h = AccessLog(s.log)(h)
	h = auth.CORSMiddleware(s.corsOrigins)(h)
	h = auth.RequestIDMiddleware(h)
	s.handler = h
	return s
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, method, endpoint string, h http.HandlerFunc) {
		mux.Handle(pattern, instrument(endpoint, requireMethod(method, h)))
	}

	handle("/auth/register", http.MethodPost, "/auth/register", s.handleRegister)
	handle("/analyze", http.MethodPost, "/analyze", s.handleAnalyze)
	handle("/compare", http.MethodPost, "/compare", s.handleCompare)
	handle("/benchmark", http.MethodPost, "/benchmark", s.handleBenchmark)
	handle("/frameworks", http.MethodGet, "/frameworks", s.handleFrameworks)
	handle("/company/{name}/history", http.MethodGet, "/company/{name}/history", s.handleHistory)
	handle("/analysis/{id}/gaps", http.MethodGet, "/analysis/{id}/gaps", s.handleGaps)
	handle("/export", http.MethodPost, "/export", s.handleExport)
	handle("/usage", http.MethodGet, "/usage", s.handleUsage)
	handle("/subscribe", http.MethodPost, "/subscribe", s.handleSubscribe)
	handle("/health", http.MethodGet, "/health", s.handleHealth)
	handle("/health/detailed", http.MethodGet, "/health/detailed", s.handleHealthDetailed)
	mux.Handle("/metrics", requireMethod(http.MethodGet, observability.MetricsHandler().ServeHTTP))

	// Everything else gets the envelope, not the stdlib 404 page.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "no such endpoint")
	})
	return mux
}

// requireMethod keeps method errors in the wire envelope; the handlers
// themselves never see a mismatched verb.
func requireMethod(method string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed,
				"method not allowed, use "+method)
			return
		}
		next(w, r)
	})
}

// ListenAndServe serves until ctx is canceled, then drains in-flight
// requests before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("api listening", "addr", s.addr, "version", s.version)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("api stopped")
	return nil
}
