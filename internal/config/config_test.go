package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 100*time.Millisecond, cfg.WorkerPollInterval)
	assert.Equal(t, 5*time.Minute, cfg.LockTTL)
	assert.Equal(t, 2*time.Second, cfg.InitialBackoff)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
	assert.Equal(t, 3, cfg.DefaultMaxRetries)
	assert.Equal(t, 50, cfg.WorkerBatchSize)
	assert.False(t, cfg.AlertsEnabled)
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "broker-1:9092,broker-2:9092")
	t.Setenv("WORKER_BATCH_SIZE", "200")
	t.Setenv("LOCK_TTL", "90s")
	t.Setenv("ALERTS_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 200, cfg.WorkerBatchSize)
	assert.Equal(t, 90*time.Second, cfg.LockTTL)
	assert.True(t, cfg.AlertsEnabled)
}

func TestLoadClampsBatchSizes(t *testing.T) {
	t.Setenv("WORKER_BATCH_SIZE", "100000")
	t.Setenv("DISPATCHER_BATCH_SIZE", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, MaxBatchSize, cfg.WorkerBatchSize)
	assert.Equal(t, MinBatchSize, cfg.DispatcherBatchSize)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("LOCK_TTL", "five minutes")

	_, err := Load()
	assert.Error(t, err)
}
