package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/warc-tiering/internal/evidence"
	"github.com/JakeFAU/warc-tiering/internal/metrics"
	"github.com/JakeFAU/warc-tiering/internal/state"
	"github.com/JakeFAU/warc-tiering/internal/watchdog"
)

// StateReader loads the persisted watchdog state without taking the run lock.
type StateReader func() (*state.WatchdogState, error)

// OutcomeSource exposes the most recent in-process cycle.
type OutcomeSource interface {
	LastOutcome() (watchdog.RunOutcome, bool)
}

// Capturer takes a read-only evidence snapshot.
type Capturer interface {
	Capture(ctx context.Context, req evidence.Request) (evidence.Snapshot, string, error)
}

// Deps wires the server to the watchdog. Metrics and State are required.
type Deps struct {
	Metrics  *metrics.Exporter
	State    StateReader
	Outcomes OutcomeSource
	Evidence Capturer
	// EvidenceRequest is the base request POST /v1/evidence fills in.
	EvidenceRequest evidence.Request
	// APIKey, when set, guards the mutating routes.
	APIKey string
	Logger *zap.Logger
}

// Server wires HTTP handlers to the watchdog state and evidence capture.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) (*Server, error) {
	if deps.Metrics == nil {
		return nil, errors.New("api: metrics exporter is required")
	}
	if deps.State == nil {
		return nil, errors.New("api: state reader is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: deps.Logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(deps.Metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/state", s.getState)
		r.Group(func(r chi.Router) {
			if deps.APIKey != "" {
				r.Use(apiKeyMiddleware(deps.APIKey))
			}
			r.Post("/evidence", s.captureEvidence)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready once the state file is readable.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if _, err := s.deps.State(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type stateResponse struct {
	State           *state.WatchdogState `json:"state"`
	RecoveriesToday map[string]int       `json:"recoveries_today"`
	LastRun         *watchdog.RunOutcome `json:"last_run,omitempty"`
}

func (s *Server) getState(w http.ResponseWriter, _ *http.Request) {
	st, err := s.deps.State()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := stateResponse{State: st, RecoveriesToday: st.RecoveriesToday(time.Now())}
	if s.deps.Outcomes != nil {
		if out, ok := s.deps.Outcomes.LastOutcome(); ok {
			resp.LastRun = &out
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type evidenceRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) captureEvidence(w http.ResponseWriter, r *http.Request) {
	if s.deps.Evidence == nil {
		writeError(w, http.StatusNotImplemented, "evidence capture is not configured")
		return
	}
	var body evidenceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req := s.deps.EvidenceRequest
	if body.Reason != "" {
		req.Reason = body.Reason
	}
	snap, uri, err := s.deps.Evidence.Capture(r.Context(), req)
	if err != nil {
		s.logger.Error("evidence capture failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"snapshot_id": snap.ID, "uri": uri})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
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
			if r.Header.Get("X-API-Key") != expected {
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
		// Headers are already sent; nothing more to tell the client.
		return
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
