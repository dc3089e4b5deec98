// Package httpapi serves the platform's REST and WebSocket surface: auth,
// symbol catalog, chart data, features, quality reports, alert CRUD, health
// and metrics. Handlers read from the Redis hot cache first and fall back to
// storage; all mutation flows through the store with the owning user checked.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/mytechsonamy/crypto-stock-platform/internal/auth"
	"github.com/mytechsonamy/crypto-stock-platform/internal/cache"
	"github.com/mytechsonamy/crypto-stock-platform/internal/catalog"
	"github.com/mytechsonamy/crypto-stock-platform/internal/health"
	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
	"github.com/mytechsonamy/crypto-stock-platform/internal/ratelimit"
	"github.com/mytechsonamy/crypto-stock-platform/internal/store"
	"github.com/mytechsonamy/crypto-stock-platform/internal/ws"
)

// Config holds the listener settings.
type Config struct {
	Host            string
	Port            int
	CORSOrigins     []string
	ReadTimeout     time.Duration
	HandlerTimeout  time.Duration
	ShutdownTimeout time.Duration
	// SnapshotBars bounds the initial WebSocket frame.
	SnapshotBars int
}

func (c Config) normalize() Config {
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.SnapshotBars <= 0 {
		c.SnapshotBars = 100
	}
	return c
}

// RuleInvalidator drops a symbol's cached alert rules after a mutation.
// Nil when the alert engine runs in another process; its TTL bounds the
// staleness there.
type RuleInvalidator interface {
	Invalidate(symbol string)
}

// Deps wires the server to the rest of the platform.
type Deps struct {
	Auth    *auth.Manager
	Catalog *catalog.Catalog
	Store   *store.Manager
	Cache   *cache.Cache
	Hub     *ws.Hub
	Limiter *ratelimit.Limiter
	Health  *health.Reporter
	Metrics *metrics.Registry
	Rules   RuleInvalidator
}

// Server is the REST/WS listener.
type Server struct {
	cfg    Config
	deps   Deps
	router *mux.Router
	server *http.Server
}

// NewServer builds the router and the underlying http.Server.
func NewServer(cfg Config, deps Deps) *Server {
	cfg = cfg.normalize()
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: mux.NewRouter(),
	}
	s.routes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.HandlerTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// routes wires middleware and endpoints. The WebSocket endpoint sits outside
// the JSON subrouter: it negotiates its own protocol and carries auth in the
// query string.
func (s *Server) routes() {
	s.router.Use(s.recoverMiddleware)
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)

	s.router.HandleFunc("/ws/{symbol}", s.handleWebSocket).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	public := s.router.PathPrefix("/").Subrouter()
	public.Use(jsonContentTypeMiddleware)
	public.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	public.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	public.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(jsonContentTypeMiddleware)
	api.Use(s.authMiddleware)
	api.Use(s.rateLimitMiddleware)

	api.HandleFunc("/symbols", s.handleSymbols).Methods(http.MethodGet)
	api.HandleFunc("/charts/{symbol}", s.handleCharts).Methods(http.MethodGet)
	api.HandleFunc("/features/{symbol}", s.handleFeatures).Methods(http.MethodGet)
	api.HandleFunc("/quality/{symbol}", s.handleQuality).Methods(http.MethodGet)

	api.HandleFunc("/alerts", s.handleCreateAlert).Methods(http.MethodPost)
	api.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}", s.handleGetAlert).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}", s.handleUpdateAlert).Methods(http.MethodPut)
	api.HandleFunc("/alerts/{id}", s.handleDeleteAlert).Methods(http.MethodDelete)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Start serves until ctx is canceled, then shuts down gracefully within the
// configured deadline.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("API server listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	log.Info().Msg("API server shutting down")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
