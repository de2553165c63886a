package models

import "time"

// NoticeKind is the phase an inflight notice reports.
type NoticeKind string

const (
	NoticeUpdating  NoticeKind = "updating"
	NoticeCompleted NoticeKind = "completed"
	NoticeFailed    NoticeKind = "failed"
)

// InflightNotice is a short-lived, best-effort signal that an entity is being
// mutated right now. Delivery is never guaranteed and correctness never
// depends on it; readers use it to avoid acting on stale data mid-update.
type InflightNotice struct {
	EntityType    string     `json:"entity"`
	EntityID      string     `json:"entity_id"`
	CorrelationID string     `json:"correlation_id"`
	Operation     Operation  `json:"operation"`
	Status        NoticeKind `json:"status"`
	Timestamp     time.Time  `json:"timestamp"`
	Error         string     `json:"error,omitempty"`
}

// PartitionKey matches the dispatcher's key scheme so inflight notices for
// one entity land on the same partition as its durable events.
func (n InflightNotice) PartitionKey() string {
	return n.EntityType + "#" + n.EntityID
}
