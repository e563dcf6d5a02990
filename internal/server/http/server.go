// Package httpserver provides the HTTP REST API of the literature monitoring service.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/literature-monitor-service/internal/broker"
	"github.com/helixir/literature-monitor-service/internal/repository"
	"github.com/helixir/literature-monitor-service/internal/scheduler"
)

// DefaultKeepaliveInterval is the SSE keepalive comment interval used when none is configured.
const DefaultKeepaliveInterval = 15 * time.Second

// Scheduler is the part of the scheduler loop used by the HTTP API.
type Scheduler interface {
	Wake()
	Healthy() bool
	CancelExecution(ctx context.Context, id uuid.UUID) (scheduler.CancelOutcome, error)
}

// Broker is the subscription side of the status broker.
type Broker interface {
	Subscribe(executionID uuid.UUID) *broker.Subscription
	Unsubscribe(sub *broker.Subscription)
}

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CircuitReporter lists LLM providers whose circuit breaker is open.
type CircuitReporter interface {
	OpenCircuits() []string
}

// Server is the HTTP REST API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server

	executions repository.ExecutionRepository
	streams    repository.StreamRepository
	candidates repository.CandidateRepository
	scheduler  Scheduler
	broker     Broker
	db         Pinger
	circuits   CircuitReporter

	keepalive time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	// baseCancel ends the request contexts of open SSE streams on shutdown.
	baseCancel context.CancelFunc
}

// Config holds HTTP server configuration.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// KeepaliveInterval is the SSE keepalive comment interval (default 15s).
	KeepaliveInterval time.Duration
}

// Deps holds the collaborators of the HTTP server.
type Deps struct {
	Executions repository.ExecutionRepository
	Streams    repository.StreamRepository
	Candidates repository.CandidateRepository
	Scheduler  Scheduler
	Broker     Broker
	DB         Pinger
	Circuits   CircuitReporter
	Logger     zerolog.Logger
}

// NewServer creates a new HTTP server with all dependencies.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}

	s := &Server{
		executions: deps.Executions,
		streams:    deps.Streams,
		candidates: deps.Candidates,
		scheduler:  deps.Scheduler,
		broker:     deps.Broker,
		db:         deps.DB,
		circuits:   deps.Circuits,
		keepalive:  cfg.KeepaliveInterval,
		logger:     deps.Logger.With().Str("component", "http").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}

	s.router = s.buildRouter()

	baseCtx, cancel := context.WithCancel(context.Background())
	s.baseCancel = cancel
	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}

	return s
}

// buildRouter creates the chi router with all middleware and routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlationIDMiddleware)

	r.Get("/health", s.healthHandler)

	r.Route("/runs", func(r chi.Router) {
		r.With(jsonContentTypeMiddleware).Post("/", s.createRun)
		r.With(jsonContentTypeMiddleware).Get("/", s.listRuns)

		r.Route("/{executionID}", func(r chi.Router) {
			r.With(jsonContentTypeMiddleware).Get("/", s.getRun)
			r.With(jsonContentTypeMiddleware).Delete("/", s.cancelRun)
			r.Get("/stream", s.streamRun)
			r.With(jsonContentTypeMiddleware).Post("/candidates/{candidateID}/curation", s.curateCandidate)
		})
	})

	return r
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("HTTP server starting")
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on HTTP address: %w", err)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown cancels every request context, which ends open status streams,
// then waits for handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.baseCancel()
	return s.httpServer.Shutdown(ctx)
}

// healthHandler reports degraded when the scheduler loop is unhealthy, the
// database is unreachable or an LLM provider's circuit is open.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"scheduler": "healthy", "database": "healthy", "llm": "healthy"}
	status := http.StatusOK

	if s.scheduler != nil && !s.scheduler.Healthy() {
		checks["scheduler"] = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("health check: database ping failed")
			checks["database"] = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}
	if s.circuits != nil {
		if open := s.circuits.OpenCircuits(); len(open) > 0 {
			checks["llm"] = "circuit_open: " + strings.Join(open, ",")
			status = http.StatusServiceUnavailable
		}
	}

	resp := healthResponse{Status: "healthy", Timestamp: s.now(), Checks: checks}
	if status != http.StatusOK {
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers already sent.
		_ = err
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
