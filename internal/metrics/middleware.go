package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// EnableHTTP registers the request collectors recorded by Middleware. The
// textfile exporter leaves them unregistered.
func (e *Exporter) EnableHTTP() error {
	if err := e.registry.Register(e.httpRequests); err != nil {
		return fmt.Errorf("register http collector: %w", err)
	}
	if err := e.registry.Register(e.httpDuration); err != nil {
		return fmt.Errorf("register http collector: %w", err)
	}
	return nil
}

// Middleware is a chi middleware that records HTTP request metrics.
func (e *Exporter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		e.httpRequests.WithLabelValues(r.Method, strconv.Itoa(ww.status)).Inc()
		e.httpDuration.WithLabelValues(r.Method, routePattern).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
