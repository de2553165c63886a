package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsProcessed tracks worker throughput by outcome, entity type and
	// priority lane
	CommandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_worker_commands_total",
		Help: "Total number of commands processed by workers",
	}, []string{"status", "entity", "priority"})

	// CommandLatency measures end-to-end execution time of a single command
	CommandLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stream_worker_command_duration_seconds",
		Help:    "Duration of single command execution in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"entity"})

	// WorkerBatchSize tracks the number of commands claimed per poll cycle
	WorkerBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stream_worker_batch_size",
		Help:    "Number of commands claimed per worker cycle",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 500, 1000},
	})

	// LockContention counts commands skipped because their entity was locked
	LockContention = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_worker_lock_contention_total",
		Help: "Commands skipped due to a live entity lock",
	}, []string{"entity"})

	// EventsDispatched tracks dispatcher throughput by outcome and entity type
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_dispatch_events_total",
		Help: "Total number of outbox events processed by the dispatcher",
	}, []string{"status", "entity"})

	// DispatchBatchDuration measures how long one dispatch cycle takes
	DispatchBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stream_dispatch_batch_duration_seconds",
		Help:    "Duration of dispatch batch processing in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DeadLettered counts items that exhausted their retry budget
	// The source label separates worker DLQ rows from dispatcher dead-letters
	DeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_dead_letter_total",
		Help: "Total number of commands and events dead-lettered",
	}, []string{"source", "entity"})

	// InflightFailures counts swallowed best-effort notification failures
	InflightFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_inflight_publish_failures_total",
		Help: "Total number of swallowed inflight notice publish failures",
	})

	// ReapedLocks counts expired locks released by the reaper
	ReapedLocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_reaper_released_locks_total",
		Help: "Total number of expired entity locks released by the reaper",
	})

	// RescuedClaims counts stale PROCESSING claims returned to the queue
	RescuedClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_reaper_rescued_claims_total",
		Help: "Total number of stale command claims returned to pending by the reaper",
	})

	// QueueDepth is the primary lag indicator of the command queue
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stream_command_queue_depth",
		Help: "Current number of pending commands per priority lane",
	}, []string{"priority"})

	// OutboxUnsent tracks committed events awaiting publication
	OutboxUnsent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stream_outbox_unsent",
		Help: "Current number of unsent outbox events",
	})

	// LockStates exposes how many entities are currently updating or faulted
	LockStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stream_entity_lock_states",
		Help: "Current number of entity locks per status",
	}, []string{"status"})

	// BrokerHealth provides a binary 0/1 signal for broker connectivity
	BrokerHealth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stream_broker_healthy",
		Help: "Current broker connectivity (1 for healthy, 0 for unhealthy)",
	})
)
