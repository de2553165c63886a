package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/muriel-platform/stream-core/pkg/metrics"
)

// LockJanitor releases provably expired locks.
type LockJanitor interface {
	ReleaseExpired(ctx context.Context) (int64, error)
}

// QueueJanitor returns stale PROCESSING claims to the queue.
type QueueJanitor interface {
	RescueStale(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// Reaper sweeps the durable stores on a long interval: UPDATING locks whose
// TTL elapsed go back to IDLE, and PROCESSING commands whose claim outlived
// the TTL go back to PENDING. Both cover the same failure (a worker died
// mid-command); without the second sweep a crashed worker's claims would
// stay PROCESSING forever. The sweep is idempotent and safe to run from
// multiple instances at once.
type Reaper struct {
	locks      LockJanitor
	queue      QueueJanitor
	staleAfter time.Duration
	interval   time.Duration
	logger     *slog.Logger
}

func NewReaper(locks LockJanitor, queue QueueJanitor, staleAfter, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		locks:      locks,
		queue:      queue,
		staleAfter: staleAfter,
		interval:   interval,
		logger:     logger,
	}
}

// Run sweeps until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep releases expired locks and rescues stale claims once. The two
// updates are independent; one failing never skips the other.
func (r *Reaper) Sweep(ctx context.Context) {
	released, err := r.locks.ReleaseExpired(ctx)
	if err != nil {
		r.logger.Error("Reaper lock sweep failed", "error", err)
	} else if released > 0 {
		r.logger.Warn("Released expired entity locks", "count", released)
		metrics.ReapedLocks.Add(float64(released))
	}

	rescued, err := r.queue.RescueStale(ctx, r.staleAfter)
	if err != nil {
		r.logger.Error("Reaper claim sweep failed", "error", err)
	} else if rescued > 0 {
		r.logger.Warn("Rescued stale command claims", "count", rescued)
		metrics.RescuedClaims.Add(float64(rescued))
	}
}
