package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/muriel-platform/stream-core/internal/models"
	"github.com/muriel-platform/stream-core/pkg/infra"
)

// Applier runs the atomic section of command processing: the delegated
// business mutation, the outbox write and the command completion commit or
// roll back together. A failure at any point leaves neither artifact behind.
type Applier struct {
	pool     *pgxpool.Pool
	commands *CommandStore
	outbox   *OutboxStore
	clock    infra.Clock
}

func NewApplier(pool *pgxpool.Pool, commands *CommandStore, outbox *OutboxStore, clock infra.Clock) *Applier {
	return &Applier{pool: pool, commands: commands, outbox: outbox, clock: clock}
}

// Apply executes exec inside one transaction together with the outbox insert
// and the COMPLETED status update, and returns the committed event.
func (a *Applier) Apply(
	ctx context.Context,
	cmd models.Command,
	exec func(context.Context, pgx.Tx, models.Command) (models.Mutation, error),
) (models.OutboxEvent, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("failed to begin command transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	mut, err := exec(ctx, tx, cmd)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("business mutation failed: %w", err)
	}

	ev := models.NewOutboxEvent(cmd, mut, a.clock.Now())

	if err := a.outbox.InsertTx(ctx, tx, ev); err != nil {
		return models.OutboxEvent{}, err
	}

	if err := a.commands.CompleteTx(ctx, tx, cmd.ID); err != nil {
		return models.OutboxEvent{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.OutboxEvent{}, fmt.Errorf("failed to commit command transaction: %w", err)
	}

	return ev, nil
}
