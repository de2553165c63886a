package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/muriel-platform/stream-core/internal/broker"
	"github.com/muriel-platform/stream-core/internal/config"
	"github.com/muriel-platform/stream-core/internal/dispatch"
	"github.com/muriel-platform/stream-core/internal/store"
	"github.com/muriel-platform/stream-core/pkg/infra"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Fatal configuration error", "error", err)
		os.Exit(1)
	}

	logger := infra.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := infra.SystemClock{}

	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Fatal error connecting to Postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	outbox := store.NewOutboxStore(pool, clock)

	publisher, err := broker.NewPublisher(ctx, cfg.KafkaBrokers, cfg.TopicPrefix, cfg.PublishTimeout, logger)
	if err != nil {
		slog.Error("Fatal error connecting to Kafka", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	// Dead-letter topic is shared across entity types; per-entity topics are
	// created lazily by the broker or provisioned out of band
	if err := broker.EnsureTopics(ctx, cfg.KafkaBrokers, broker.DeadLetterTopic(cfg.TopicPrefix)); err != nil {
		slog.Warn("Could not ensure dead-letter topic", "error", err)
	}

	d := dispatch.New(outbox, publisher, dispatch.Options{
		BatchSize:    cfg.DispatcherBatchSize,
		PollInterval: cfg.DispatcherPollInterval,
		MaxRetries:   cfg.DispatchRetries,
	}, logger)

	slog.Info("🚀 Outbox dispatcher started", "pid", os.Getpid())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Dispatcher terminated with error", "error", err)
		os.Exit(1)
	}

	slog.Info("✅ Shutdown complete")
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
