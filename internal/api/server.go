// Package api is a local in-memory stand-in for the remote query and
// download service. It serves canned result pages and walks download jobs
// through their lifecycle so the CLI can be exercised end to end.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"insight-cli/internal/config"
	"insight-cli/internal/monitor"
)

// Server is the HTTP server of the stub service.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	jobs       *JobStore
	tokens     *TokenIssuer
	metrics    *monitor.Metrics
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, metrics *monitor.Metrics) *Server {
	jobs := NewJobStore("http://"+cfg.Address(), metrics)
	tokens := NewTokenIssuer(cfg.Stub.JWTSecret)
	dataset := Dataset{PageSize: cfg.Stub.PageSize, Pages: cfg.Stub.Pages, Base: time.Now().Add(-time.Hour).Truncate(time.Minute)}
	handlers := NewHandlers(dataset, jobs, tokens, cfg.Stub.APIKeys)

	s := &Server{
		handlers:  handlers,
		jobs:      jobs,
		tokens:    tokens,
		metrics:   metrics,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Stub.APIKeys) == 0 {
		log.Warn().Msg("no API keys configured, all requests will be accepted")
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Stub.ReadTimeout,
		WriteTimeout: cfg.Stub.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler builds the route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	h := s.handlers

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /query", h.HandleQuery)
	apiMux.HandleFunc("GET /query/schema", h.HandleSchema)
	apiMux.HandleFunc("GET /schema", h.HandleSchema)
	apiMux.HandleFunc("POST /download", h.HandleStartDownload)
	apiMux.HandleFunc("GET /download", h.HandleListDownloads)
	apiMux.HandleFunc("GET /download/{id}", h.HandleGetDownload)
	apiMux.HandleFunc("DELETE /download/{id}", h.HandleCancelDownload)

	authedAPI := AuthMiddleware(s.cfg.Stub.APIKeys, s.tokens.Valid)(apiMux)

	// health, metrics and token issuance bypass auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /jwt", h.HandleJWT)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/", authedAPI)

	// Wrapped innermost first; the request id is attached before anything logs.
	var handler http.Handler = mux
	handler = MetricsMiddleware(s.metrics)(handler)
	handler = RateLimitMiddleware(s.cfg.Stub.RateLimitRPS, s.cfg.Stub.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(s.cfg.Stub.MaxRequestBody)(handler)
	handler = RecoveryMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	return handler
}

// Start begins listening for requests.
func (s *Server) Start() error {
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting stub HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		ActiveJobs: s.jobs.Active(),
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
	})
}
