package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/muriel-platform/stream-core/internal/models"
)

// Executor runs the business mutation for one command inside the worker's
// transaction. Domain-specific entity services implement this; the mutation
// they return becomes the published event body.
type Executor interface {
	Execute(ctx context.Context, tx pgx.Tx, cmd models.Command) (models.Mutation, error)
}

// PayloadExecutor is the default executor: it validates the command and
// derives the diff/snapshot pair straight from the payload. Used when no
// entity-specific service is registered for the target type.
type PayloadExecutor struct{}

func (PayloadExecutor) Execute(_ context.Context, _ pgx.Tx, cmd models.Command) (models.Mutation, error) {
	if !cmd.Operation.Valid() {
		return models.Mutation{}, fmt.Errorf("unsupported operation: %s", cmd.Operation)
	}
	if len(cmd.Payload) > 0 && !json.Valid(cmd.Payload) {
		return models.Mutation{}, fmt.Errorf("payload is not valid JSON")
	}

	return models.MutationFor(cmd), nil
}
