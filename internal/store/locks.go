package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/muriel-platform/stream-core/internal/models"
	"github.com/muriel-platform/stream-core/pkg/infra"
)

// LockStore persists per-entity mutual-exclusion state. A single upserted row
// per (entity_type, entity_id) is the sole arbiter of "is this entity being
// mutated"; acquisition is a compare-and-set guarded by status and TTL.
type LockStore struct {
	pool  *pgxpool.Pool
	clock infra.Clock
}

func NewLockStore(pool *pgxpool.Pool, clock infra.Clock) *LockStore {
	return &LockStore{pool: pool, clock: clock}
}

// Acquire tries to take the lock for one entity instance. It returns false
// without error when another holder owns a live lock. An UPDATING row whose
// TTL elapsed is treated as abandoned and reclaimed.
func (s *LockStore) Acquire(ctx context.Context, entityType, entityID, workerID string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()

	query := `
		INSERT INTO entity_locks
			(entity_type, entity_id, status, locked_by, started_at, ttl_expires_at, error_message)
		VALUES ($1, $2, 'UPDATING', $3, $4, $5, '')
		ON CONFLICT (entity_type, entity_id) DO UPDATE
		SET status = 'UPDATING',
		    locked_by = $3,
		    started_at = $4,
		    ttl_expires_at = $5,
		    error_message = ''
		WHERE entity_locks.status <> 'UPDATING'
		   OR entity_locks.ttl_expires_at IS NULL
		   OR entity_locks.ttl_expires_at <= $4
	`

	tag, err := s.pool.Exec(ctx, query, entityType, entityID, workerID, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to acquire entity lock: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// Release returns the lock to IDLE. It only touches the row while workerID is
// still the holder, so a reclaimed lock is never clobbered by its previous
// owner.
func (s *LockStore) Release(ctx context.Context, entityType, entityID, workerID string) error {
	query := `
		UPDATE entity_locks
		SET status = 'IDLE',
		    locked_by = NULL,
		    started_at = NULL,
		    ttl_expires_at = NULL,
		    error_message = ''
		WHERE entity_type = $1 AND entity_id = $2 AND locked_by = $3
	`
	_, err := s.pool.Exec(ctx, query, entityType, entityID, workerID)
	if err != nil {
		return fmt.Errorf("failed to release entity lock: %w", err)
	}
	return nil
}

// MarkError releases the lock into ERROR, keeping the last failure visible to
// operators without blocking future attempts.
func (s *LockStore) MarkError(ctx context.Context, entityType, entityID, workerID, errMsg string) error {
	query := `
		UPDATE entity_locks
		SET status = 'ERROR',
		    locked_by = NULL,
		    ttl_expires_at = NULL,
		    error_message = $4
		WHERE entity_type = $1 AND entity_id = $2 AND locked_by = $3
	`
	_, err := s.pool.Exec(ctx, query, entityType, entityID, workerID, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark entity lock as error: %w", err)
	}
	return nil
}

// ReleaseExpired frees UPDATING locks whose TTL elapsed, leaving a diagnostic
// note about the presumed-dead holder. Safe to run concurrently from multiple
// instances: the predicate only matches provably expired rows.
func (s *LockStore) ReleaseExpired(ctx context.Context) (int64, error) {
	query := `
		UPDATE entity_locks
		SET status = 'IDLE',
		    error_message = 'lock expired, released (was held by ' || COALESCE(locked_by, 'unknown') || ')',
		    locked_by = NULL,
		    started_at = NULL,
		    ttl_expires_at = NULL
		WHERE status = 'UPDATING' AND ttl_expires_at <= $1
	`
	tag, err := s.pool.Exec(ctx, query, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to release expired locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Get returns the lock row for an entity instance, for the strict-read check.
func (s *LockStore) Get(ctx context.Context, entityType, entityID string) (models.EntityLock, error) {
	query := `
		SELECT entity_type, entity_id, status, COALESCE(locked_by, ''),
		       started_at, ttl_expires_at, error_message
		FROM entity_locks
		WHERE entity_type = $1 AND entity_id = $2
	`

	var lock models.EntityLock
	err := s.pool.QueryRow(ctx, query, entityType, entityID).Scan(
		&lock.EntityType,
		&lock.EntityID,
		&lock.Status,
		&lock.LockedBy,
		&lock.StartedAt,
		&lock.TTLExpiresAt,
		&lock.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EntityLock{}, ErrNotFound
		}
		return models.EntityLock{}, fmt.Errorf("failed to fetch entity lock: %w", err)
	}
	return lock, nil
}

// CountByStatus feeds the lock state gauges.
func (s *LockStore) CountByStatus(ctx context.Context) (map[models.LockStatus]int64, error) {
	query := `SELECT status, COUNT(*) FROM entity_locks GROUP BY status`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count lock states: %w", err)
	}
	defer rows.Close()

	counts := map[models.LockStatus]int64{
		models.LockIdle:     0,
		models.LockUpdating: 0,
		models.LockError:    0,
	}
	for rows.Next() {
		var status models.LockStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan lock state count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
