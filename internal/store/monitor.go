package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/muriel-platform/stream-core/pkg/metrics"
)

// Monitor periodically refreshes the queue depth, outbox backlog and lock
// state gauges from the stores.
type Monitor struct {
	commands *CommandStore
	outbox   *OutboxStore
	locks    *LockStore
	interval time.Duration
	logger   *slog.Logger
}

func NewMonitor(commands *CommandStore, outbox *OutboxStore, locks *LockStore, interval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		commands: commands,
		outbox:   outbox,
		locks:    locks,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps the gauges on the configured interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep refreshes every gauge once. Failures are logged and skipped; stale
// gauges are preferable to a crashed poll loop.
func (m *Monitor) Sweep(ctx context.Context) {
	if depths, err := m.commands.CountPendingByPriority(ctx); err != nil {
		m.logger.Warn("Failed to refresh queue depth gauges", "error", err)
	} else {
		for priority, count := range depths {
			metrics.QueueDepth.WithLabelValues(string(priority)).Set(float64(count))
		}
	}

	if unsent, err := m.outbox.CountUnsent(ctx); err != nil {
		m.logger.Warn("Failed to refresh outbox backlog gauge", "error", err)
	} else {
		metrics.OutboxUnsent.Set(float64(unsent))
	}

	if states, err := m.locks.CountByStatus(ctx); err != nil {
		m.logger.Warn("Failed to refresh lock state gauges", "error", err)
	} else {
		for status, count := range states {
			metrics.LockStates.WithLabelValues(string(status)).Set(float64(count))
		}
	}
}
