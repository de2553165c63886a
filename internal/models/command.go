package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of mutation a command requests against an entity.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of the supported operations.
func (op Operation) Valid() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// Priority selects the scheduling lane of a command. HIGH drains first.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityBulk   Priority = "BULK"
)

// Rank returns the sort weight of the lane, lower is processed first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

// CommandStatus is the lifecycle state of a queued command.
// COMPLETED and DLQ are terminal.
type CommandStatus string

const (
	CommandPending    CommandStatus = "PENDING"
	CommandProcessing CommandStatus = "PROCESSING"
	CommandCompleted  CommandStatus = "COMPLETED"
	CommandDLQ        CommandStatus = "DLQ"
)

// Command is one requested mutation against one entity instance, queued for
// asynchronous execution by a worker.
type Command struct {
	ID            uuid.UUID       `db:"id"`
	OperationID   string          `db:"operation_id"`
	TenantID      string          `db:"tenant_id"`
	EntityType    string          `db:"entity_type"`
	EntityID      string          `db:"entity_id"`
	Operation     Operation       `db:"operation"`
	Payload       json.RawMessage `db:"payload"`
	Priority      Priority        `db:"priority"`
	Status        CommandStatus   `db:"status"`
	RetryCount    int             `db:"retry_count"`
	MaxRetries    int             `db:"max_retries"`
	AvailableAt   time.Time       `db:"available_at"`
	CorrelationID string          `db:"correlation_id"`
	ErrorMessage  string          `db:"error_message"`
	CreatedAt     time.Time       `db:"created_at"`
	ClaimedAt     *time.Time      `db:"claimed_at"`
	ProcessedAt   *time.Time      `db:"processed_at"`
}

// PartitionKey routes every event of one entity instance to the same
// ordered downstream partition.
func (c Command) PartitionKey() string {
	return c.EntityType + "#" + c.EntityID
}

// Terminal reports whether the command reached a final state.
func (c Command) Terminal() bool {
	return c.Status == CommandCompleted || c.Status == CommandDLQ
}

// CommandFilter narrows admin and status queries over the command queue.
// Zero-valued fields are ignored.
type CommandFilter struct {
	TenantID   string
	EntityType string
	EntityID   string
	Status     CommandStatus
	Priority   Priority
	Limit      int
}
