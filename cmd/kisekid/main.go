// Command kisekid is the kiseki trace collector: it ingests finalized traces
// from clients over HTTP, buffers them, and persists them to PostgreSQL or
// embedded SQLite, optionally mirroring them to an OTLP backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kiseki-ai/kiseki/internal/config"
	"github.com/kiseki-ai/kiseki/internal/ratelimit"
	"github.com/kiseki-ai/kiseki/internal/server"
	"github.com/kiseki-ai/kiseki/internal/sink"
	"github.com/kiseki-ai/kiseki/internal/storage"
	"github.com/kiseki-ai/kiseki/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KISEKI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("kisekid starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry before anything registers instruments.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the trace store; the URL scheme picks the backend.
	store, err := storage.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() { _ = store.Close(context.Background()) }()

	switch store.(type) {
	case *storage.Postgres:
		logger.Info("storage: postgres")
	case *storage.SQLite:
		logger.Info("storage: sqlite", "path", cfg.DatabaseURL)
	}

	// Export fan-out: durable store always; OTLP mirror when configured.
	exporters := sink.Multi{store}
	if cfg.OTELEndpoint != "" {
		exporters = append(exporters, sink.NewOTLPExporter(telemetry.TracerProvider()))
		logger.Info("otlp mirror: enabled", "endpoint", cfg.OTELEndpoint)
	}

	buf := sink.NewBuffer(exporters, logger, cfg.BufferSize, cfg.FlushInterval)
	buf.Start(ctx)

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("ingest rate limit: enabled", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.ServerConfig{
		Store:               store,
		Buffer:              buf,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		APIKey:              cfg.APIKey,
		Limiter:             limiter,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight ones (they may still append to the
	// buffer), (2) flush the buffer to the store.
	slog.Info("kisekid shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	bufCtx, bufCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	buf.Drain(bufCtx)
	bufCancel()

	if dropped := buf.DroppedTraces(); dropped > 0 {
		slog.Warn("traces dropped during run", "count", dropped)
	}

	slog.Info("kisekid stopped")
	return nil
}
