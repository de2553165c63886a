package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/muriel-platform/stream-core/internal/models"
	"github.com/muriel-platform/stream-core/pkg/infra"
	"github.com/muriel-platform/stream-core/pkg/metrics"
)

// CommandQueue is the contract for claiming and settling queued commands.
type CommandQueue interface {
	FetchAndClaim(ctx context.Context, batchSize int) ([]models.Command, error)
	ReturnToPending(ctx context.Context, id uuid.UUID) error
	Reschedule(ctx context.Context, id uuid.UUID, errMsg string, retryCount int, availableAt time.Time) error
	MoveToDLQ(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error
}

// LockTable is the contract for per-entity mutual exclusion.
type LockTable interface {
	Acquire(ctx context.Context, entityType, entityID, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, entityType, entityID, workerID string) error
	MarkError(ctx context.Context, entityType, entityID, workerID, errMsg string) error
}

// Applier runs the atomic section: business mutation, outbox write and
// command completion in one transaction.
type Applier interface {
	Apply(ctx context.Context, cmd models.Command,
		exec func(context.Context, pgx.Tx, models.Command) (models.Mutation, error)) (models.OutboxEvent, error)
}

// Notifier emits best-effort inflight notices around command execution.
type Notifier interface {
	NotifyUpdating(ctx context.Context, cmd models.Command)
	NotifyCompleted(ctx context.Context, cmd models.Command)
	NotifyFailed(ctx context.Context, cmd models.Command, errMsg string)
}

// NopNotifier disables inflight notices without touching the worker.
type NopNotifier struct{}

func (NopNotifier) NotifyUpdating(context.Context, models.Command) {}
func (NopNotifier) NotifyCompleted(context.Context, models.Command) {}
func (NopNotifier) NotifyFailed(context.Context, models.Command, string) {}

// Alerter pushes an operator alert when a command is dead-lettered.
type Alerter interface {
	CommandDeadLettered(ctx context.Context, cmd models.Command, errMsg string) error
}

// Options bundle the worker's tunables.
type Options struct {
	BatchSize    int
	PollInterval time.Duration
	LockTTL      time.Duration
	Retry        RetryPolicy
}

// Worker drains the command queue: it claims batches, serializes execution
// per entity through the lock table, runs each command's mutation atomically
// with its outbox write, and owns the retry/backoff/DLQ policy.
type Worker struct {
	id       string
	queue    CommandQueue
	locks    LockTable
	applier  Applier
	executor Executor
	notifier Notifier
	alerter  Alerter
	opts     Options
	clock    infra.Clock
	logger   *slog.Logger
}

func New(queue CommandQueue, locks LockTable, applier Applier, executor Executor, notifier Notifier, opts Options, clock infra.Clock, logger *slog.Logger) *Worker {
	if notifier == nil {
		notifier = NopNotifier{}
	}

	id := "worker-" + uuid.NewString()[:8]
	return &Worker{
		id:       id,
		queue:    queue,
		locks:    locks,
		applier:  applier,
		executor: executor,
		notifier: notifier,
		opts:     opts,
		clock:    clock,
		logger:   logger.With("worker_id", id),
	}
}

// WithAlerter attaches an optional dead-letter alert channel.
func (w *Worker) WithAlerter(a Alerter) *Worker {
	w.alerter = a
	return w
}

// ID returns the worker's lock-holder identity.
func (w *Worker) ID() string {
	return w.id
}

// Run polls on the configured interval until ctx is canceled. Cycle errors
// never crash the loop; they pace it down with jittered backoff instead.
func (w *Worker) Run(ctx context.Context) error {
	loopBackoff := infra.NewBackoff(w.opts.PollInterval, 30*time.Second, 2.0)

	for {
		wait := w.opts.PollInterval

		if err := w.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait = loopBackoff.Next()
			w.logger.Error("Worker cycle error",
				"consecutive_failures", loopBackoff.Attempts(),
				"retry_in", wait,
				"error", err,
			)
		} else {
			loopBackoff.Reset()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Cycle claims one batch and processes it. A single command's failure is
// settled on its own row and never aborts the rest of the batch.
func (w *Worker) Cycle(ctx context.Context) error {
	commands, err := w.queue.FetchAndClaim(ctx, w.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("claim failure: %w", err)
	}
	if len(commands) == 0 {
		return nil
	}

	metrics.WorkerBatchSize.Observe(float64(len(commands)))
	w.logger.Debug("Processing claimed batch", "count", len(commands))

	for _, cmd := range commands {
		if ctx.Err() != nil {
			// Shutting down mid-batch: hand unprocessed claims back. The
			// loop context is already canceled, so the hand-back runs on a
			// detached deadline of its own.
			handbackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := w.queue.ReturnToPending(handbackCtx, cmd.ID); err != nil {
				w.logger.Error("Failed to return command during shutdown", "command_id", cmd.ID, "error", err)
			}
			cancel()
			continue
		}
		w.process(ctx, cmd)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (w *Worker) process(ctx context.Context, cmd models.Command) {
	start := time.Now()

	l := w.logger.With(
		"command_id", cmd.ID,
		"correlation_id", cmd.CorrelationID,
		"entity", cmd.EntityType,
		"entity_id", cmd.EntityID,
	)

	acquired, err := w.locks.Acquire(ctx, cmd.EntityType, cmd.EntityID, w.id, w.opts.LockTTL)
	if err != nil {
		w.fail(ctx, cmd, fmt.Errorf("lock acquisition failed: %w", err), l)
		return
	}
	if !acquired {
		// Live lock held elsewhere: not an error, retry next cycle with no
		// backoff penalty
		metrics.LockContention.WithLabelValues(cmd.EntityType).Inc()
		l.Debug("Entity is locked, skipping this cycle")

		if err := w.queue.ReturnToPending(ctx, cmd.ID); err != nil {
			l.Error("Failed to return contended command to queue", "error", err)
		}
		return
	}

	w.notifier.NotifyUpdating(ctx, cmd)

	if _, err := w.applier.Apply(ctx, cmd, w.executor.Execute); err != nil {
		w.fail(ctx, cmd, err, l)
		return
	}

	if err := w.locks.Release(ctx, cmd.EntityType, cmd.EntityID, w.id); err != nil {
		// The mutation committed; a failed release only delays the next
		// command for this entity until TTL reclamation
		l.Error("Failed to release entity lock after commit", "error", err)
	}

	w.notifier.NotifyCompleted(ctx, cmd)

	metrics.CommandsProcessed.WithLabelValues("completed", cmd.EntityType, string(cmd.Priority)).Inc()
	metrics.CommandLatency.WithLabelValues(cmd.EntityType).Observe(time.Since(start).Seconds())

	l.Info("Command completed", "duration_ms", time.Since(start).Milliseconds())
}

// fail settles a failed command: retry with exponential backoff until the
// budget is spent, then DLQ. The entity lock is parked in ERROR with the
// failure message so operators can see it; its TTL-free ERROR state never
// blocks a future attempt.
func (w *Worker) fail(ctx context.Context, cmd models.Command, cause error, l *slog.Logger) {
	retryCount := cmd.RetryCount + 1
	errMsg := cause.Error()

	if retryCount >= cmd.MaxRetries {
		if err := w.queue.MoveToDLQ(ctx, cmd.ID, errMsg, retryCount); err != nil {
			l.Error("CRITICAL: Failed to move command to DLQ", "error", err)
		} else {
			l.Warn("Command moved to DLQ", "retries", retryCount, "error", errMsg)
		}
		metrics.DeadLettered.WithLabelValues("worker", cmd.EntityType).Inc()

		if w.alerter != nil {
			cmd.RetryCount = retryCount
			if err := w.alerter.CommandDeadLettered(ctx, cmd, errMsg); err != nil {
				l.Warn("Failed to publish dead-letter alert", "error", err)
			}
		}
	} else {
		delay := w.opts.Retry.Delay(retryCount)
		availableAt := w.clock.Now().Add(delay)

		if err := w.queue.Reschedule(ctx, cmd.ID, errMsg, retryCount, availableAt); err != nil {
			l.Error("CRITICAL: Failed to reschedule command", "error", err)
		} else {
			l.Info("Command scheduled for retry",
				"attempt", retryCount,
				"max_retries", cmd.MaxRetries,
				"backoff", delay,
			)
		}
	}

	if err := w.locks.MarkError(ctx, cmd.EntityType, cmd.EntityID, w.id, errMsg); err != nil {
		l.Error("Failed to mark entity lock error", "error", err)
	}

	w.notifier.NotifyFailed(ctx, cmd, errMsg)
	metrics.CommandsProcessed.WithLabelValues("error", cmd.EntityType, string(cmd.Priority)).Inc()
}
