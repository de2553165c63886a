package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/muriel-platform/stream-core/internal/models"
	"github.com/muriel-platform/stream-core/pkg/infra"
)

const commandColumns = `id, operation_id, tenant_id, entity_type, entity_id, operation,
		payload, priority, status, retry_count, max_retries, available_at,
		correlation_id, error_message, created_at, claimed_at, processed_at`

// CommandStore persists the durable command queue.
type CommandStore struct {
	pool       *pgxpool.Pool
	clock      infra.Clock
	maxRetries int
}

func NewCommandStore(pool *pgxpool.Pool, clock infra.Clock, defaultMaxRetries int) *CommandStore {
	return &CommandStore{pool: pool, clock: clock, maxRetries: defaultMaxRetries}
}

// Enqueue inserts a new command. Submission is idempotent on operation_id: a
// duplicate is silently absorbed and the previously stored command comes back
// with inserted=false.
func (s *CommandStore) Enqueue(ctx context.Context, cmd models.Command) (models.Command, bool, error) {
	now := s.clock.Now()

	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	if cmd.Status == "" {
		cmd.Status = models.CommandPending
	}
	if cmd.Priority == "" {
		cmd.Priority = models.PriorityNormal
	}
	if cmd.MaxRetries <= 0 {
		cmd.MaxRetries = s.maxRetries
	}
	if cmd.AvailableAt.IsZero() {
		cmd.AvailableAt = now
	}
	if len(cmd.Payload) == 0 {
		cmd.Payload = []byte(`{}`)
	}
	cmd.CreatedAt = now

	query := `
		INSERT INTO command_queue
			(id, operation_id, tenant_id, entity_type, entity_id, operation,
			 payload, priority, status, retry_count, max_retries, available_at,
			 correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $12, $13)
		ON CONFLICT (operation_id) DO NOTHING
	`

	tag, err := s.pool.Exec(ctx, query,
		cmd.ID, cmd.OperationID, cmd.TenantID, cmd.EntityType, cmd.EntityID,
		cmd.Operation, cmd.Payload, cmd.Priority, cmd.Status, cmd.MaxRetries,
		cmd.AvailableAt, cmd.CorrelationID, cmd.CreatedAt,
	)
	if err != nil {
		return models.Command{}, false, fmt.Errorf("failed to enqueue command: %w", err)
	}

	if tag.RowsAffected() == 0 {
		existing, err := s.GetByOperationID(ctx, cmd.OperationID)
		if err != nil {
			return models.Command{}, false, err
		}
		return existing, false, nil
	}

	return cmd, true, nil
}

// FetchAndClaim atomically claims up to batchSize eligible commands for this
// poller. The SKIP LOCKED read lets concurrent workers grab disjoint rows,
// and the same statement flips them to PROCESSING so a claim survives the
// statement's own row locks.
func (s *CommandStore) FetchAndClaim(ctx context.Context, batchSize int) ([]models.Command, error) {
	query := `
		WITH picked AS (
			SELECT id AS picked_id
			FROM command_queue
			WHERE status = 'PENDING' AND available_at <= $1
			ORDER BY
				CASE priority
					WHEN 'HIGH' THEN 1
					WHEN 'NORMAL' THEN 2
					ELSE 3
				END,
				created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE command_queue c
		SET status = 'PROCESSING',
		    claimed_at = $1
		FROM picked
		WHERE c.id = picked.picked_id
		RETURNING ` + commandColumns

	rows, err := s.pool.Query(ctx, query, s.clock.Now(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending commands: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

// ReturnToPending puts a claimed command back in the queue without any retry
// penalty. Used when the entity lock is held by someone else this cycle.
func (s *CommandStore) ReturnToPending(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE command_queue
		SET status = 'PENDING',
		    claimed_at = NULL
		WHERE id = $1 AND status = 'PROCESSING'
	`
	_, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to return command to pending: %w", err)
	}
	return nil
}

// RescueStale returns PROCESSING commands whose claim is older than
// staleAfter to PENDING. A claim only goes stale when its worker died
// between FetchAndClaim and settlement, so the sweep interval should be at
// least the lock TTL.
func (s *CommandStore) RescueStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	query := `
		UPDATE command_queue
		SET status = 'PENDING',
		    claimed_at = NULL
		WHERE status = 'PROCESSING' AND claimed_at <= $1
	`
	tag, err := s.pool.Exec(ctx, query, s.clock.Now().Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("failed to rescue stale commands: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Reschedule records a failed attempt and makes the command eligible again
// at availableAt.
func (s *CommandStore) Reschedule(ctx context.Context, id uuid.UUID, errMsg string, retryCount int, availableAt time.Time) error {
	query := `
		UPDATE command_queue
		SET status = 'PENDING',
		    claimed_at = NULL,
		    retry_count = $2,
		    error_message = $3,
		    available_at = $4
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query, id, retryCount, errMsg, availableAt)
	if err != nil {
		return fmt.Errorf("failed to reschedule command: %w", err)
	}
	return nil
}

// MoveToDLQ parks a command terminally after its retry budget is exhausted.
func (s *CommandStore) MoveToDLQ(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error {
	query := `
		UPDATE command_queue
		SET status = 'DLQ',
		    retry_count = $2,
		    error_message = $3,
		    processed_at = $4
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query, id, retryCount, errMsg, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to move command to DLQ: %w", err)
	}
	return nil
}

// CompleteTx marks the command COMPLETED inside the caller's transaction so
// completion commits atomically with the business mutation and outbox write.
func (s *CommandStore) CompleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	query := `
		UPDATE command_queue
		SET status = 'COMPLETED',
		    error_message = '',
		    processed_at = $2
		WHERE id = $1
	`
	_, err := tx.Exec(ctx, query, id, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to complete command: %w", err)
	}
	return nil
}

// Get returns one command by id for lifecycle visibility.
func (s *CommandStore) Get(ctx context.Context, id uuid.UUID) (models.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM command_queue WHERE id = $1`
	return s.getOne(ctx, query, id)
}

// GetByOperationID returns the command stored for an idempotency key.
func (s *CommandStore) GetByOperationID(ctx context.Context, operationID string) (models.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM command_queue WHERE operation_id = $1`
	return s.getOne(ctx, query, operationID)
}

func (s *CommandStore) getOne(ctx context.Context, query string, arg any) (models.Command, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return models.Command{}, fmt.Errorf("failed to fetch command: %w", err)
	}
	defer rows.Close()

	cmds, err := scanCommands(rows)
	if err != nil {
		return models.Command{}, err
	}
	if len(cmds) == 0 {
		return models.Command{}, ErrNotFound
	}
	return cmds[0], nil
}

// List runs a filtered admin query over the queue.
func (s *CommandStore) List(ctx context.Context, filter models.CommandFilter) ([]models.Command, error) {
	builder := sq.Select(commandColumns).
		From("command_queue").
		OrderBy("created_at DESC").
		PlaceholderFormat(sq.Dollar)

	if filter.TenantID != "" {
		builder = builder.Where(sq.Eq{"tenant_id": filter.TenantID})
	}
	if filter.EntityType != "" {
		builder = builder.Where(sq.Eq{"entity_type": filter.EntityType})
	}
	if filter.EntityID != "" {
		builder = builder.Where(sq.Eq{"entity_id": filter.EntityID})
	}
	if filter.Status != "" {
		builder = builder.Where(sq.Eq{"status": filter.Status})
	}
	if filter.Priority != "" {
		builder = builder.Where(sq.Eq{"priority": filter.Priority})
	}
	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build command list query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

// CountPendingByPriority feeds the queue depth gauges.
func (s *CommandStore) CountPendingByPriority(ctx context.Context) (map[models.Priority]int64, error) {
	query := `
		SELECT priority, COUNT(*)
		FROM command_queue
		WHERE status = 'PENDING'
		GROUP BY priority
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending commands: %w", err)
	}
	defer rows.Close()

	counts := map[models.Priority]int64{
		models.PriorityHigh:   0,
		models.PriorityNormal: 0,
		models.PriorityBulk:   0,
	}
	for rows.Next() {
		var priority models.Priority
		var count int64
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue depth: %w", err)
		}
		counts[priority] = count
	}
	return counts, rows.Err()
}

func scanCommands(rows pgx.Rows) ([]models.Command, error) {
	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		err := rows.Scan(
			&cmd.ID,
			&cmd.OperationID,
			&cmd.TenantID,
			&cmd.EntityType,
			&cmd.EntityID,
			&cmd.Operation,
			&cmd.Payload,
			&cmd.Priority,
			&cmd.Status,
			&cmd.RetryCount,
			&cmd.MaxRetries,
			&cmd.AvailableAt,
			&cmd.CorrelationID,
			&cmd.ErrorMessage,
			&cmd.CreatedAt,
			&cmd.ClaimedAt,
			&cmd.ProcessedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command row: %w", err)
		}
		cmds = append(cmds, cmd)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return cmds, nil
}
