// Package main is the entry point for the flaggate server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply migrations.
//  3. Connect to Redis for the shared result cache, when configured.
//  4. Create the repository, audit recorder, and service (eagerly loading
//     flag definitions).
//  5. Start the HTTP server and wait for SIGINT/SIGTERM, then gracefully
//     shut down and flush pending audit records.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/openparl/flaggate/internal/audit"
	"github.com/openparl/flaggate/internal/cache"
	"github.com/openparl/flaggate/internal/config"
	"github.com/openparl/flaggate/internal/logging"
	"github.com/openparl/flaggate/internal/metrics"
	"github.com/openparl/flaggate/internal/middleware"
	"github.com/openparl/flaggate/internal/repository"
	"github.com/openparl/flaggate/internal/server"
	"github.com/openparl/flaggate/internal/service"
	"github.com/openparl/flaggate/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool)
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	recorder := audit.NewRecorder(ctx, repo,
		audit.WithLogger(logging.ForComponent(log, "audit")),
		audit.WithBufferSize(cfg.AuditBufferSize),
		audit.WithOnDrop(m.IncAuditDropped),
	)
	defer recorder.Close()

	serviceOpts := []service.Option{
		service.WithLogger(log),
		service.WithRecorder(recorder),
		service.WithStaticOverrides(cfg.StaticOverrides),
		service.WithEvalTimeout(cfg.EvalTimeout),
		service.WithCacheResyncInterval(cfg.CacheResyncInterval),
		service.WithEvaluationMetrics(m.RecordEvaluation, m.IncResultCacheHit, m.IncResultCacheMiss),
		service.WithDefinitionMetrics(m.IncDefinitionReloads, m.IncCacheInvalidations),
	}

	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		serviceOpts = append(serviceOpts, service.WithResultCache(cache.New(client, cfg.ResultCacheTTL)))
		log.Info("result cache enabled", "ttl", cfg.ResultCacheTTL)
	} else {
		log.Info("result cache disabled, REDIS_URL not set")
	}

	svc, err := service.New(ctx, repo, serviceOpts...)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	apiHandler := server.NewHTTPHandler(svc,
		server.WithEnvironment(cfg.Environment),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithMetricsHandler(m.Handler()),
	)
	httpHandler := middleware.HTTPRequestLogging(log)(middleware.HTTPMetrics(m)(apiHandler))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "flaggate-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr, "environment", cfg.Environment)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}
