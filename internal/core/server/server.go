package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/config"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/health"
	middleware "github.com/mohammed-shakir/pyramid-catalog/internal/core/middleware"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/router"
)

type Options struct {
	Routes router.Deps
	Checks []health.Check
	// Metrics defaults to the global prometheus handler.
	Metrics http.Handler
}

// Handler builds the chi router with middleware, probes, metrics and the
// coverage routes.
func Handler(logger *slog.Logger, opts Options) http.Handler {
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}
	if opts.Routes.Logger == nil {
		opts.Routes.Logger = logger
	}

	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(opts.Checks...))
	r.Method(http.MethodGet, "/metrics", opts.Metrics)
	router.Mount(r, opts.Routes)
	return r
}

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           Handler(logger, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
