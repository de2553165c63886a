package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/muriel-platform/stream-core/internal/models"
	"github.com/muriel-platform/stream-core/pkg/infra"
	"github.com/muriel-platform/stream-core/pkg/metrics"
)

// OutboxSource is the contract for reading and settling outbox rows.
type OutboxSource interface {
	FetchUnsent(ctx context.Context, batchSize int) ([]models.OutboxEvent, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error
	MarkDead(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error
}

// Publisher delivers events to the downstream log.
type Publisher interface {
	PublishEvent(ctx context.Context, ev models.OutboxEvent) error
	PublishDeadLetter(ctx context.Context, ev models.OutboxEvent, cause string) error
}

// Options bundle the dispatcher's tunables.
type Options struct {
	BatchSize    int
	PollInterval time.Duration
	MaxRetries   int
}

// Dispatcher drains the outbox: unsent rows are published to the partitioned
// log oldest first and marked sent on confirmed delivery. A slow or dead
// broker therefore never blocks entity mutations; the outbox table is the
// durability boundary between the two.
type Dispatcher struct {
	source    OutboxSource
	publisher Publisher
	opts      Options
	logger    *slog.Logger
}

func New(source OutboxSource, publisher Publisher, opts Options, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		source:    source,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
	}
}

// Run polls on the configured interval until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	loopBackoff := infra.NewBackoff(d.opts.PollInterval, 30*time.Second, 2.0)

	for {
		wait := d.opts.PollInterval

		if err := d.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait = loopBackoff.Next()
			d.logger.Error("Dispatch cycle error",
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

// Cycle publishes one batch. Failures are settled row by row; a poison event
// cannot stall the rest of the backlog.
func (d *Dispatcher) Cycle(ctx context.Context) error {
	start := time.Now()

	events, err := d.source.FetchUnsent(ctx, d.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("outbox fetch failure: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	defer func() {
		metrics.DispatchBatchDuration.Observe(time.Since(start).Seconds())
	}()

	for _, ev := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.publish(ctx, ev)
	}

	d.logger.Debug("Dispatch cycle telemetry",
		"count", len(events),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, ev models.OutboxEvent) {
	l := d.logger.With(
		"event_id", ev.ID,
		"correlation_id", ev.CorrelationID,
		"entity", ev.EntityType,
		"entity_id", ev.EntityID,
	)

	if err := d.publisher.PublishEvent(ctx, ev); err != nil {
		d.handlePublishError(ctx, ev, err, l)
		return
	}

	if err := d.source.MarkSent(ctx, ev.ID); err != nil {
		// The event is out but unmarked; the next cycle republishes it.
		// Consumers dedupe by event id, so this stays at-least-once.
		l.Error("Event published but failed to mark as sent", "error", err)
		return
	}

	metrics.EventsDispatched.WithLabelValues("sent", ev.EntityType).Inc()
	l.Debug("Event published")
}

func (d *Dispatcher) handlePublishError(ctx context.Context, ev models.OutboxEvent, cause error, l *slog.Logger) {
	retryCount := ev.RetryCount + 1
	errMsg := cause.Error()

	metrics.EventsDispatched.WithLabelValues("error", ev.EntityType).Inc()

	if retryCount < d.opts.MaxRetries {
		l.Warn("Publish failed, will retry", "attempt", retryCount, "error", errMsg)
		if err := d.source.MarkFailed(ctx, ev.ID, errMsg, retryCount); err != nil {
			l.Error("Failed to record publish failure", "error", err)
		}
		return
	}

	// Retry budget spent: copy to the dead-letter topic first, park the row
	// only once the copy is confirmed
	ev.RetryCount = retryCount
	if err := d.publisher.PublishDeadLetter(ctx, ev, errMsg); err != nil {
		l.Error("Failed to publish dead-letter copy, keeping event eligible", "error", err)
		if err := d.source.MarkFailed(ctx, ev.ID, errMsg, retryCount); err != nil {
			l.Error("Failed to record publish failure", "error", err)
		}
		return
	}

	if err := d.source.MarkDead(ctx, ev.ID, errMsg, retryCount); err != nil {
		l.Error("CRITICAL: Failed to mark event as dead", "error", err)
		return
	}

	metrics.DeadLettered.WithLabelValues("dispatcher", ev.EntityType).Inc()
	l.Warn("Event moved to dead-letter", "retries", retryCount, "error", errMsg)
}
