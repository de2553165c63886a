package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DispatchStatus is the delivery bookkeeping state of an outbox row.
// Rows stay UNSENT until the dispatcher confirms publication; DEAD rows
// exhausted the dispatch retry budget and were copied to the dead-letter
// topic.
type DispatchStatus string

const (
	DispatchUnsent DispatchStatus = "UNSENT"
	DispatchSent   DispatchStatus = "SENT"
	DispatchDead   DispatchStatus = "DEAD"
)

// OutboxEvent is one committed, publishable fact. It is written in the same
// transaction as the business mutation and the command's completion, and is
// mutated afterwards only by the dispatcher.
type OutboxEvent struct {
	ID            uuid.UUID       `db:"id"`
	TenantID      string          `db:"tenant_id"`
	EntityType    string          `db:"entity_type"`
	EntityID      string          `db:"entity_id"`
	Operation     Operation       `db:"operation"`
	CorrelationID string          `db:"correlation_id"`
	Diff          json.RawMessage `db:"diff"`
	Snapshot      json.RawMessage `db:"snapshot"`
	Headers       json.RawMessage `db:"headers"`
	Status        DispatchStatus  `db:"status"`
	SentAt        *time.Time      `db:"sent_at"`
	RetryCount    int             `db:"retry_count"`
	ErrorMessage  string          `db:"error_message"`
	CreatedAt     time.Time       `db:"created_at"`
}

// PartitionKey orders all events of one entity instance on one partition.
func (e OutboxEvent) PartitionKey() string {
	return e.EntityType + "#" + e.EntityID
}

// Mutation is the result of executing a command's business logic: the change
// set to publish downstream and an optional full snapshot of the entity.
type Mutation struct {
	Diff     json.RawMessage
	Snapshot json.RawMessage
}

// MutationFor derives the default diff/snapshot pair for a command.
// CREATE carries the payload as both diff and full snapshot, UPDATE carries
// the payload as diff only, DELETE carries a tombstone.
func MutationFor(cmd Command) Mutation {
	payload := cmd.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	switch cmd.Operation {
	case OpCreate:
		return Mutation{Diff: payload, Snapshot: payload}
	case OpDelete:
		tombstone := fmt.Appendf(nil, `{"deleted":true,"entityId":%q}`, cmd.EntityID)
		return Mutation{Diff: tombstone}
	default:
		return Mutation{Diff: payload}
	}
}

// NewOutboxEvent builds the outbox row for a completed command.
func NewOutboxEvent(cmd Command, mut Mutation, now time.Time) OutboxEvent {
	headers, _ := json.Marshal(map[string]string{
		"correlation_id": cmd.CorrelationID,
		"timestamp":      now.UTC().Format(time.RFC3339Nano),
	})

	return OutboxEvent{
		ID:            uuid.New(),
		TenantID:      cmd.TenantID,
		EntityType:    cmd.EntityType,
		EntityID:      cmd.EntityID,
		Operation:     cmd.Operation,
		CorrelationID: cmd.CorrelationID,
		Diff:          mut.Diff,
		Snapshot:      mut.Snapshot,
		Headers:       headers,
		Status:        DispatchUnsent,
		CreatedAt:     now,
	}
}
