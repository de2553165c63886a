package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/muriel-platform/stream-core/internal/models"
	"github.com/muriel-platform/stream-core/pkg/infra"
)

const outboxColumns = `id, tenant_id, entity_type, entity_id, operation, correlation_id,
		diff, snapshot, headers, status, sent_at, retry_count, error_message, created_at`

// OutboxStore persists committed-but-unpublished domain events. Rows are
// written by the worker inside the command transaction and afterwards touched
// only by the dispatcher for delivery bookkeeping. They are retained, never
// deleted, for audit and replay.
type OutboxStore struct {
	pool  *pgxpool.Pool
	clock infra.Clock
}

func NewOutboxStore(pool *pgxpool.Pool, clock infra.Clock) *OutboxStore {
	return &OutboxStore{pool: pool, clock: clock}
}

// InsertTx writes the event inside the caller's transaction. This is the
// transactional-outbox guarantee: the row commits if and only if the business
// mutation and the command completion commit.
func (s *OutboxStore) InsertTx(ctx context.Context, tx pgx.Tx, ev models.OutboxEvent) error {
	query := `
		INSERT INTO outbox_events
			(id, tenant_id, entity_type, entity_id, operation, correlation_id,
			 diff, snapshot, headers, status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11)
	`
	_, err := tx.Exec(ctx, query,
		ev.ID, ev.TenantID, ev.EntityType, ev.EntityID, ev.Operation,
		ev.CorrelationID, ev.Diff, ev.Snapshot, ev.Headers, ev.Status, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// FetchUnsent returns up to batchSize unpublished events, oldest first.
func (s *OutboxStore) FetchUnsent(ctx context.Context, batchSize int) ([]models.OutboxEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin outbox fetch: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE status = 'UNSENT'
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, query, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent events: %w", err)
	}
	defer rows.Close()

	events, err := scanOutboxEvents(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit outbox fetch: %w", err)
	}

	return events, nil
}

// MarkSent records confirmed publication. Republishing an already-sent row is
// harmless downstream, so this is a plain idempotent update.
func (s *OutboxStore) MarkSent(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE outbox_events
		SET status = 'SENT',
		    sent_at = $2,
		    error_message = ''
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query, id, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to mark event as sent: %w", err)
	}
	return nil
}

// MarkFailed records a failed publish attempt; the row stays eligible.
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error {
	query := `
		UPDATE outbox_events
		SET retry_count = $2,
		    error_message = $3
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query, id, retryCount, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark event as failed: %w", err)
	}
	return nil
}

// MarkDead parks an event terminally after its copy reached the dead-letter
// topic, so the poll loop stops retrying it.
func (s *OutboxStore) MarkDead(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error {
	query := `
		UPDATE outbox_events
		SET status = 'DEAD',
		    retry_count = $2,
		    error_message = $3
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query, id, retryCount, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark event as dead: %w", err)
	}
	return nil
}

// CountUnsent feeds the outbox backlog gauge.
func (s *OutboxStore) CountUnsent(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events WHERE status = 'UNSENT'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsent events: %w", err)
	}
	return count, nil
}

func scanOutboxEvents(rows pgx.Rows) ([]models.OutboxEvent, error) {
	var events []models.OutboxEvent
	for rows.Next() {
		var ev models.OutboxEvent
		err := rows.Scan(
			&ev.ID,
			&ev.TenantID,
			&ev.EntityType,
			&ev.EntityID,
			&ev.Operation,
			&ev.CorrelationID,
			&ev.Diff,
			&ev.Snapshot,
			&ev.Headers,
			&ev.Status,
			&ev.SentAt,
			&ev.RetryCount,
			&ev.ErrorMessage,
			&ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
