// Package server implements the execution control plane: an HTTP API over
// the session registry, a websocket event stream, a Prometheus endpoint, and
// a scheduled sweep of orphaned sandbox containers.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/dawnyawn/internal/config"
	"github.com/jkaninda/dawnyawn/internal/observability"
	"github.com/jkaninda/dawnyawn/internal/sandbox"
	"github.com/jkaninda/dawnyawn/internal/session"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Server is the execution control plane.
type Server struct {
	cfg      *config.Config
	registry *session.Registry
	manager  *sandbox.Manager
	metrics  *observability.MetricsCollector
	tracing  *observability.Tracing
	hub      *EventHub
	logger   *slog.Logger

	okapi  *okapi.Okapi
	server *http.Server
	cron   *cron.Cron
}

// New creates a control-plane server.
func New(cfg *config.Config, registry *session.Registry, manager *sandbox.Manager, metrics *observability.MetricsCollector, tracing *observability.Tracing, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		manager:  manager,
		metrics:  metrics,
		tracing:  tracing,
		hub:      NewEventHub(logger),
		logger:   logger,
		okapi:    okapi.New(),
		cron:     cron.New(),
	}
}

// Run starts the HTTP server and the orphan sweep, blocking until ctx is
// canceled or a component fails. On the way out every live session is
// destroyed so no sandbox outlives the control plane.
func (s *Server) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.Server.ReapCronSpec(), s.sweepOrphans); err != nil {
		return err
	}
	s.cron.Start()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return s.stop()
	})
	return g.Wait()
}

func (s *Server) start(ctx context.Context) error {
	s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return observability.HTTPMetricsMiddleware(s.metrics, s.tracing.Tracer(), next)
	})

	s.okapi.Post("/session/start", s.handleSessionStart,
		okapi.DocSummary("Provision a sandbox and open a session"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse(StartResponse{}),
		okapi.DocResponse(http.StatusInternalServerError, ErrorBody{}),
	)
	s.okapi.Post("/session/execute", s.handleSessionExecute,
		okapi.DocSummary("Execute a command in a session's sandbox"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(session.Observation{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	s.okapi.Post("/session/end", s.handleSessionEnd,
		okapi.DocSummary("Destroy a session's sandbox"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(EndRequest{}),
		okapi.DocResponse(EndResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	s.okapi.Post("/execute", s.handleExecuteOnce,
		okapi.DocSummary("Run one command in a throwaway sandbox"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteOnceRequest{}),
		okapi.DocResponse(session.FileResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusInternalServerError, ErrorBody{}),
	)
	s.okapi.Get("/healthz", s.handleHealth)
	s.okapi.HandleStd("GET", "/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	s.okapi.HandleStd("GET", "/ws/events", s.hub.Handler().ServeHTTP)

	if s.cfg.Server.EnableDocs {
		s.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "DawnYawn",
			Version: "v0.1.0",
		})
	}

	s.server = &http.Server{
		Addr:              s.cfg.Server.Addr(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Session commands can legitimately run for many minutes.
		WriteTimeout: s.cfg.Sandbox.CommandTimeout() + time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("control plane starting", slog.String("addr", s.cfg.Server.Addr()))
	err := s.okapi.StartServer(s.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) stop() error {
	s.logger.Info("control plane stopping")
	s.cron.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.registry.Close(shutdownCtx)

	if s.server == nil {
		return nil
	}
	return s.okapi.Shutdown(s.server)
}

// sweepOrphans removes sandbox containers left behind by crashed processes.
func (s *Server) sweepOrphans() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if reaped := s.manager.ReapOrphans(ctx); reaped > 0 {
		s.metrics.OrphansReapedTotal.Add(float64(reaped))
		s.hub.Publish("sandbox.reaped", "", "orphaned containers removed")
	}
}

// --- Handlers ---

// StartResponse is the JSON response for POST /session/start.
type StartResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleSessionStart(c *okapi.Context) error {
	id, err := s.registry.Start(c.Context())
	if err != nil {
		s.metrics.SandboxCreationsTotal.WithLabelValues("error").Inc()
		s.logger.Error("session start failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("sandbox provisioning failed")
	}

	s.metrics.SandboxCreationsTotal.WithLabelValues("success").Inc()
	s.syncGauges()
	s.hub.Publish("session.started", id, "")

	return c.OK(StartResponse{SessionID: id})
}

// ExecuteRequest is the JSON body for POST /session/execute.
type ExecuteRequest struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
}

func (s *Server) handleSessionExecute(c *okapi.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.SessionID == "" || req.Command == "" {
		return c.AbortBadRequest("session_id and command are required")
	}

	start := time.Now()
	obs, err := s.registry.Execute(c.Context(), req.SessionID, req.Command)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "session not found"})
		}
		return c.AbortInternalServerError("execution failed")
	}

	s.metrics.CommandExecutionsTotal.WithLabelValues("session", string(obs.Status)).Inc()
	s.metrics.CommandDurationSeconds.WithLabelValues("session").Observe(time.Since(start).Seconds())
	s.syncGauges()
	s.hub.Publish("command.executed", req.SessionID, string(obs.Status))

	return c.OK(obs)
}

// EndRequest is the JSON body for POST /session/end.
type EndRequest struct {
	SessionID string `json:"session_id"`
}

// EndResponse is the JSON response for POST /session/end.
type EndResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleSessionEnd(c *okapi.Context) error {
	var req EndRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.SessionID == "" {
		return c.AbortBadRequest("session_id is required")
	}

	if err := s.registry.End(c.Context(), req.SessionID); err != nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "session not found"})
	}

	s.metrics.SandboxDestructionsTotal.Inc()
	s.syncGauges()
	s.hub.Publish("session.ended", req.SessionID, "")

	return c.OK(EndResponse{Status: "terminated"})
}

// ExecuteOnceRequest is the JSON body for POST /execute.
type ExecuteOnceRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleExecuteOnce(c *okapi.Context) error {
	var req ExecuteOnceRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Command == "" {
		return c.AbortBadRequest("command is required")
	}

	start := time.Now()
	result, err := s.registry.ExecuteOnce(c.Context(), req.Command)
	if err != nil {
		s.metrics.CommandExecutionsTotal.WithLabelValues("ephemeral", "error").Inc()
		s.logger.Error("one-shot execution failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError(err.Error())
	}

	s.metrics.CommandExecutionsTotal.WithLabelValues("ephemeral", "success").Inc()
	s.metrics.CommandDurationSeconds.WithLabelValues("ephemeral").Observe(time.Since(start).Seconds())
	s.hub.Publish("command.executed", "", "ephemeral")

	return c.OK(result)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

func (s *Server) syncGauges() {
	s.metrics.SandboxesActive.Set(float64(s.manager.LiveCount()))
	s.metrics.SessionsActive.Set(float64(s.registry.Count()))
}
