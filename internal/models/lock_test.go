package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEntityLockHeldAt(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	tests := []struct {
		name string
		lock EntityLock
		held bool
	}{
		{
			name: "updating with live ttl",
			lock: EntityLock{Status: LockUpdating, TTLExpiresAt: &future},
			held: true,
		},
		{
			name: "updating but ttl expired",
			lock: EntityLock{Status: LockUpdating, TTLExpiresAt: &past},
			held: false,
		},
		{
			name: "updating with no ttl",
			lock: EntityLock{Status: LockUpdating},
			held: false,
		},
		{
			name: "idle",
			lock: EntityLock{Status: LockIdle, TTLExpiresAt: &future},
			held: false,
		},
		{
			name: "error",
			lock: EntityLock{Status: LockError},
			held: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.held, tt.lock.HeldAt(now))
		})
	}
}

func TestPriorityRankOrdersLanes(t *testing.T) {
	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Less(t, PriorityNormal.Rank(), PriorityBulk.Rank())
}

func TestCommandTerminal(t *testing.T) {
	assert.False(t, Command{Status: CommandPending}.Terminal())
	assert.False(t, Command{Status: CommandProcessing}.Terminal())
	assert.True(t, Command{Status: CommandCompleted}.Terminal())
	assert.True(t, Command{Status: CommandDLQ}.Terminal())
}

func TestOperationValid(t *testing.T) {
	assert.True(t, OpCreate.Valid())
	assert.True(t, OpUpdate.Valid())
	assert.True(t, OpDelete.Valid())
	assert.False(t, Operation("UPSERT").Valid())
	assert.False(t, Operation("").Valid())
}
