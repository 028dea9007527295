package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/metrics"
	"github.com/JakeFAU/topic-crawler/internal/orchestrator"
)

// Runner is the slice of the orchestrator the API drives.
type Runner interface {
	Start(ctx context.Context, req orchestrator.RunRequest) (<-chan orchestrator.Outcome, error)
	RequestStop()
	Status() orchestrator.Status
}

// Pinger is a readiness check against a downstream dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config controls server middleware.
type Config struct {
	// APIKey, when set, is required on every /v1 request via X-API-Key.
	APIKey         string
	RequestTimeout time.Duration
	ReadyTimeout   time.Duration
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router chi.Router
	runner Runner
	checks map[string]Pinger
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	last *orchestrator.RunResult
}

// NewServer constructs a Server with middleware and routes. checks maps a
// dependency name to its readiness probe.
func NewServer(runner Runner, checks map[string]Pinger, cfg Config, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runner: runner,
		checks: checks,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Post("/stop", s.stopRun)
			r.Get("/current", s.currentRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ReadyTimeout)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type runRequest struct {
	Topic             string   `json:"topic"`
	DurationSeconds   int      `json:"duration_seconds"`
	MaxPages          int      `json:"max_pages"`
	HighSignalDomains []string `json:"high_signal_domains"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.DurationSeconds < 0 || req.MaxPages < 0 {
		writeError(w, http.StatusBadRequest, "duration_seconds and max_pages must be >= 0")
		return
	}
	runReq := orchestrator.RunRequest{
		Topic:             req.Topic,
		Duration:          time.Duration(req.DurationSeconds) * time.Second,
		MaxPages:          req.MaxPages,
		HighSignalDomains: req.HighSignalDomains,
	}

	// The run outlives the request.
	done, err := s.runner.Start(context.WithoutCancel(r.Context()), runReq)
	switch {
	case errors.Is(err, orchestrator.ErrTopicRequired):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, crawler.ErrRunActive):
		writeError(w, http.StatusConflict, "a run is already active")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	go s.await(done)

	status := s.runner.Status()
	writeJSON(w, http.StatusAccepted, map[string]any{"topic": status.Topic, "state": status.State})
}

func (s *Server) await(done <-chan orchestrator.Outcome) {
	out, ok := <-done
	if !ok {
		return
	}
	if out.Err != nil {
		s.logger.Warn("background run failed to start", zap.Error(out.Err))
		return
	}
	s.mu.Lock()
	s.last = &out.Result
	s.mu.Unlock()
	s.logger.Info("background run finished",
		zap.String("topic", out.Result.Topic),
		zap.String("stop_reason", out.Result.StopReason),
		zap.Int("extracted", out.Result.Stats.Extracted),
	)
}

func (s *Server) stopRun(w http.ResponseWriter, _ *http.Request) {
	s.runner.RequestStop()
	status := s.runner.Status()
	writeJSON(w, http.StatusAccepted, map[string]any{"state": status.State, "stop_requested": true})
}

func (s *Server) currentRun(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": s.runner.Status(), "last_result": last})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
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
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
