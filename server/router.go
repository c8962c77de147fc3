// Package server exposes the diagnostics HTTP endpoints of a process using
// named locks: health, Prometheus metrics and the lock table.
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ebogdum/artilock/metrics"
	"github.com/ebogdum/artilock/server/handlers"
	artilockMiddleware "github.com/ebogdum/artilock/server/middleware"
	"github.com/ebogdum/artilock/synccontext"
)

// NewRouter creates and configures the diagnostics router. localRepo is the
// default local repository for key mapping.
func NewRouter(adapter *synccontext.Adapter, localRepo string, logger *zap.Logger) chi.Router {
	logger = logger.Named("server")
	r := chi.NewRouter()

	r.Use(artilockMiddleware.V1RequestIDMiddleware())
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Logging and metrics middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())

			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", duration),
				zap.String("request_id", artilockMiddleware.RequestID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr))
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
			logger.Error("Failed to write health check response", zap.Error(err))
		}
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(artilockMiddleware.V1RateLimitMiddleware(rate.NewLimiter(50, 10), logger))
		r.Get("/locks", handlers.V1ListLocks(adapter, logger))
		r.Get("/keys", handlers.V1MapKeys(adapter, localRepo, logger))
	})

	logger.Info("HTTP router configured successfully")
	return r
}
