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
	"github.com/muriel-platform/stream-core/internal/store"
	"github.com/muriel-platform/stream-core/internal/worker"
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

	commands := store.NewCommandStore(pool, clock, cfg.DefaultMaxRetries)
	locks := store.NewLockStore(pool, clock)
	outbox := store.NewOutboxStore(pool, clock)
	applier := store.NewApplier(pool, commands, outbox, clock)

	notifier := broker.NewInflightPublisher(cfg.KafkaBrokers, cfg.TopicPrefix, cfg.PublishTimeout, clock, logger)
	defer notifier.Close()

	w := worker.New(commands, locks, applier, worker.PayloadExecutor{}, notifier, worker.Options{
		BatchSize:    cfg.WorkerBatchSize,
		PollInterval: cfg.WorkerPollInterval,
		LockTTL:      cfg.LockTTL,
		Retry: worker.RetryPolicy{
			Initial:    cfg.InitialBackoff,
			Multiplier: cfg.BackoffMultiplier,
			Max:        cfg.MaxBackoff,
		},
	}, clock, logger)

	if cfg.AlertsEnabled {
		alerter, err := broker.NewAlertPublisher(cfg.RabbitMQURL, logger)
		if err != nil {
			slog.Error("Fatal error connecting to RabbitMQ", "error", err)
			os.Exit(1)
		}
		defer alerter.Close()
		w = w.WithAlerter(alerter)
	}

	reaper := worker.NewReaper(locks, commands, cfg.LockTTL, cfg.ReaperInterval, logger)
	monitor := store.NewMonitor(commands, outbox, locks, cfg.MetricsSweepInterval, logger)

	slog.Info("🚀 Stream worker started", "pid", os.Getpid(), "worker_id", w.ID())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return reaper.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Worker terminated with error", "error", err)
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
