// Package adminserver serves the scheduler's operational HTTP surface:
// liveness, readiness, and Prometheus metrics, via a chi router with
// recover and logging middleware.
package adminserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rasterfleet/scheduler-core/internal/logger"
	"github.com/rasterfleet/scheduler-core/internal/readiness"
)

// Run starts the admin HTTP server and blocks until ctx is cancelled or the
// server fails, shutting down gracefully within a bounded timeout.
func Run(ctx context.Context, addr string, tracker *readiness.Tracker, log *zerolog.Logger) error {
	r := chi.NewRouter()
	r.Use(recoverMiddleware(log))
	r.Use(loggingMiddleware(log))

	r.Get("/healthz", liveness())
	r.Get("/readyz", readinessHandler(tracker))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if log != nil {
			log.Info().Str("addr", addr).Msg("admin server listening")
		}
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}

func readinessHandler(tracker *readiness.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			Status             string `json:"status"`
			ConsecutiveFailures int   `json:"consecutive_failures,omitempty"`
		}
		out := resp{Status: "ready"}
		ready := true
		if tracker != nil {
			ready = tracker.Ready()
			out.ConsecutiveFailures = tracker.Failures()
		}
		if !ready {
			out.Status = "not_ready"
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}

func recoverMiddleware(log *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if log != nil {
						log.Error().Interface("panic", rec).Msg("admin server panic recovered")
					}
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs each request through a *slog.Logger bridged onto
// the admin server's zerolog sink, the same slog.Handler shape the
// teacher's internal/core/middleware.Logging expects.
func loggingMiddleware(log *zerolog.Logger) func(http.Handler) http.Handler {
	sl := logger.NewSlog(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := logger.WithComponent(r.Context(), "admin_http")
			sl.LogAttrs(ctx, slog.LevelDebug, "admin http request",
				slog.String("method", r.Method), slog.String("path", r.URL.Path))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
