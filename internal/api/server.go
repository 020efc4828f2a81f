// Package api exposes the admin HTTP surface for the collector service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bjpl/open-learn-co-sub001/internal/collection"
	"github.com/bjpl/open-learn-co-sub001/internal/metrics"
	"github.com/bjpl/open-learn-co-sub001/internal/scheduler"
)

const defaultListLimit = 50

// SchedulerControl is the scheduler surface the admin API drives.
type SchedulerControl interface {
	TriggerNow(key string) error
	Pause(key string) error
	Resume(key string) error
	Status(key string) (collection.SourceStatus, error)
	ListSources() []collection.SourceStatus
	Halted() (bool, error)
}

// Options carries optional server settings.
type Options struct {
	// APIKey, when set, is required on every /v1 request.
	APIKey string
	// RequestTimeout bounds handler execution. Defaults to 60s.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the scheduler and stores.
type Server struct {
	router  chi.Router
	control SchedulerControl
	jobs    collection.JobStore
	records collection.RecordStore
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	control SchedulerControl,
	jobs collection.JobStore,
	records collection.RecordStore,
	logger *zap.Logger,
	opts Options,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		control: control,
		jobs:    jobs,
		records: records,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/sources", s.listSources)
		r.Route("/sources/{key}", func(r chi.Router) {
			r.Get("/status", s.sourceStatus)
			r.Post("/trigger", s.triggerNow)
			r.Post("/pause", s.pauseSource)
			r.Post("/resume", s.resumeSource)
		})
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{job_id}", s.getJob)
		r.Get("/alerts", s.listAlerts)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if halted, err := s.control.Halted(); halted {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "halted",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.control.ListSources()})
}

func (s *Server) sourceStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.control.Status(chi.URLParam(r, "key"))
	if err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": status})
}

func (s *Server) triggerNow(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.control.TriggerNow(key); err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"source_key": key, "triggered": "true"})
}

func (s *Server) pauseSource(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.control.Pause(key); err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source_key": key, "paused": "true"})
}

func (s *Server) resumeSource(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.control.Resume(key); err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source_key": key, "paused": "false"})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := collection.JobFilter{
		SourceKey: r.URL.Query().Get("source"),
		Status:    collection.JobStatus(r.URL.Query().Get("status")),
		Limit:     queryLimit(r),
	}
	jobs, err := s.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	filter := collection.AlertFilter{
		SourceKey: r.URL.Query().Get("source"),
		Kind:      r.URL.Query().Get("kind"),
		Limit:     queryLimit(r),
	}
	alerts, err := s.records.ListAlerts(r.Context(), filter)
	if err != nil {
		s.logger.Error("list alerts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return n
}

func writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrHalted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
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
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
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
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
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
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
