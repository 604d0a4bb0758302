package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/dispatch/internal/config"
	"github.com/me/dispatch/internal/dispatch"
	"github.com/me/dispatch/internal/metrics"
	"github.com/me/dispatch/internal/notify"
	"github.com/me/dispatch/internal/scheduler"
	"github.com/me/dispatch/pkg/model"
)

// ResponseReader reads delivered outcomes.
type ResponseReader interface {
	Get(ctx context.Context, waitID string) (*model.Response, error)
	Wait(ctx context.Context, waitID string) (*model.Response, error)
}

// OfferLister lists the pending offers of an agent.
type OfferLister interface {
	Offers(agentID string) []notify.Offer
}

// Snapshotter exposes dispatcher counters.
type Snapshotter interface {
	Snapshot() metrics.Snapshot
}

// Server is the Dispatch REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	service   *dispatch.Service
	responses ResponseReader
	offers    OfferLister
	metrics   Snapshotter         // optional; /metrics returns 404 without it
	scheduler scheduler.Scheduler // optional
	running   atomic.Bool
	schedDone chan struct{} // closed when the scheduler's Start returns
	agentKeys *AgentKeyConfig
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithMetrics exposes the given counters on /api/v1/metrics.
func WithMetrics(m Snapshotter) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithScheduler sets the scheduler started by StartScheduler.
func WithScheduler(sched scheduler.Scheduler) Option {
	return func(s *Server) {
		s.scheduler = sched
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, svc *dispatch.Service, responses ResponseReader, offers OfferLister, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		service:   svc,
		responses: responses,
		offers:    offers,
		agentKeys: NewAgentKeyConfig(cfg.AgentKeys),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// StartScheduler runs the scheduler in a background goroutine.
func (s *Server) StartScheduler(ctx context.Context) {
	if s.scheduler == nil {
		return
	}
	done := make(chan struct{})
	s.schedDone = done
	s.running.Store(true)
	go func() {
		defer close(done)
		defer s.running.Store(false)
		if err := s.scheduler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("scheduler stopped", "error", err)
		}
	}()
}

// StopScheduler stops the scheduler and, if StartScheduler ran, waits for
// its Start to return even when the goroutine had not been scheduled yet.
// It must be called from the goroutine that called StartScheduler.
func (s *Server) StopScheduler() error {
	if s.scheduler == nil {
		return nil
	}
	err := s.scheduler.Stop()
	if s.schedDone != nil {
		<-s.schedDone
	}
	return err
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		// Tasks
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleSubmitTask)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Get("/eligibility", s.handleExplainTask)
				r.Put("/abort", s.handleAbortTask)
			})
		})

		// Responses
		r.Get("/responses/{waitID}", s.handleGetResponse)

		// Agents
		r.Route("/agents", func(r chi.Router) {
			r.Use(agentAuthMiddleware(s.agentKeys, s.logger))
			r.Get("/", s.handleListAgents)
			r.Post("/", s.handleRegisterAgent)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetAgent)
				r.Put("/heartbeat", s.handleAgentHeartbeat)
				r.Put("/status", s.handleSetAgentStatus)
				r.Put("/group-expiry", s.handleSetGroupExpiry)
				r.Post("/capabilities", s.handleRecordCapabilities)
				r.Get("/offers", s.handleListOffers)
				r.Route("/tasks/{tid}", func(r chi.Router) {
					r.Post("/claim", s.handleClaimTask)
					r.Post("/validation", s.handleStartValidation)
					r.Put("/validation", s.handleCompleteValidation)
					r.Put("/complete", s.handleCompleteTask)
				})
			})
		})
	})
}
