package models

import "time"

// LockStatus is the state of a per-entity mutual-exclusion row.
type LockStatus string

const (
	LockIdle     LockStatus = "IDLE"
	LockUpdating LockStatus = "UPDATING"
	LockError    LockStatus = "ERROR"
)

// EntityLock is a TTL-bounded mutual-exclusion marker on exactly one
// (entityType, entityId) pair. An UPDATING lock whose TTL elapsed is
// logically free and may be reclaimed by any worker or the reaper.
type EntityLock struct {
	EntityType   string     `db:"entity_type"`
	EntityID     string     `db:"entity_id"`
	Status       LockStatus `db:"status"`
	LockedBy     string     `db:"locked_by"`
	StartedAt    *time.Time `db:"started_at"`
	TTLExpiresAt *time.Time `db:"ttl_expires_at"`
	ErrorMessage string     `db:"error_message"`
}

// HeldAt reports whether the lock is live at the given instant. This is the
// strict-read signal: a read layer seeing a held lock should reject with a
// "locked" response instead of returning possibly mid-update data.
func (l EntityLock) HeldAt(now time.Time) bool {
	return l.Status == LockUpdating && l.TTLExpiresAt != nil && l.TTLExpiresAt.After(now)
}
