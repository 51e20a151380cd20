// Package api exposes the HTTP interface for the browserless service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/enterstudio/browserless/internal/config"
	"github.com/enterstudio/browserless/internal/export"
	"github.com/enterstudio/browserless/internal/metrics"
	"github.com/enterstudio/browserless/internal/pressure"
	"github.com/enterstudio/browserless/internal/sandbox"
	"github.com/enterstudio/browserless/internal/session"
	"github.com/enterstudio/browserless/internal/swarm"
)

// Server wires HTTP handlers to the admission controller and swarm.
type Server struct {
	router     chi.Router
	controller *session.Controller
	queue      *session.Queue
	swarm      *swarm.Swarm
	monitor    pressure.Monitor
	stats      *session.Stats
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	controller *session.Controller,
	queue *session.Queue,
	sw *swarm.Swarm,
	monitor pressure.Monitor,
	stats *session.Stats,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		controller: controller,
		queue:      queue,
		swarm:      sw,
		monitor:    monitor,
		stats:      stats,
		cfg:        cfg,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/pressure", s.pressure)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/function", s.runFunction)
	r.Post("/screenshot", s.artifactHandler(export.Screenshot()))
	r.Post("/content", s.artifactHandler(export.Content()))
	r.Post("/pdf", s.artifactHandler(export.PDF()))

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

// pressure reports a point-in-time snapshot of queue, pool, and host state.
func (s *Server) pressure(w http.ResponseWriter, _ *http.Request) {
	constrained := false
	if s.monitor != nil {
		constrained = s.monitor.IsConstrained()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pressure": map[string]any{
			"date":          time.Now().UTC().Format(time.RFC3339),
			"running":       s.queue.Running(),
			"waiting":       s.queue.WaitingLen(),
			"ceiling":       s.queue.Ceiling(),
			"maxConcurrent": s.cfg.Session.MaxConcurrent,
			"maxQueued":     s.cfg.Session.MaxQueueLength,
			"idleBrowsers":  s.swarm.IdleLen(),
			"isConstrained": constrained,
			"counters":      s.stats.Snapshot(),
		},
	}, s.logger)
}

type functionRequest struct {
	Code    string         `json:"code"`
	Context map[string]any `json:"context"`
	Flags   []string       `json:"flags"`
}

type urlRequest struct {
	URL     string         `json:"url"`
	Context map[string]any `json:"context"`
	Flags   []string       `json:"flags"`
}

// runFunction executes submitted automation code against a pooled browser.
func (s *Server) runFunction(w http.ResponseWriter, r *http.Request) {
	var req functionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	s.execute(w, r, session.Request{
		Payload: session.CodeContext{
			Code:    req.Code,
			Context: orEmpty(req.Context),
			Flags:   req.Flags,
		},
	})
}

// artifactHandler runs one of the prebuilt export handlers for a URL.
func (s *Server) artifactHandler(handler sandbox.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req urlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
			writeError(w, http.StatusBadRequest, "url is required", s.logger)
			return
		}
		env := orEmpty(req.Context)
		env["url"] = req.URL
		s.execute(w, r, session.Request{
			Payload: session.CodeContext{Context: env, Flags: req.Flags},
			Handler: handler,
		})
	}
}

// execute pushes the request through admission and blocks until the job is
// fully settled or the client goes away.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, req session.Request) {
	responder := newResponder(w, s.logger)
	req.Responder = responder

	job, err := s.controller.Admit(req)
	if err != nil {
		if errors.Is(err, session.ErrQueueFull) {
			writeError(w, http.StatusTooManyRequests, err.Error(), s.logger)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	select {
	case <-job.Done():
	case <-r.Context().Done():
		job.Cancel()
		<-job.Done()
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			duration := time.Since(start)
			metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, duration)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", duration.Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error", logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				http.Error(w, "unauthorized", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
