package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/muriel-platform/stream-core/internal/models"
	"github.com/muriel-platform/stream-core/pkg/infra"
	"github.com/muriel-platform/stream-core/pkg/metrics"
)

// InflightPublisher emits best-effort "updating"/"completed"/"failed" notices
// to the short-retention inflight topics. Publish failures are counted,
// logged and swallowed; nothing here may ever affect command state.
type InflightPublisher struct {
	writer  *kafka.Writer
	prefix  string
	timeout time.Duration
	clock   infra.Clock
	logger  *slog.Logger
}

func NewInflightPublisher(brokers []string, prefix string, timeout time.Duration, clock infra.Clock, logger *slog.Logger) *InflightPublisher {
	return &InflightPublisher{
		// Fire-and-forget: one leader ack keeps notices cheap
		writer:  newWriter(brokers, kafka.RequireOne),
		prefix:  prefix,
		timeout: timeout,
		clock:   clock,
		logger:  logger,
	}
}

func (p *InflightPublisher) NotifyUpdating(ctx context.Context, cmd models.Command) {
	p.publish(ctx, cmd, models.NoticeUpdating, "")
}

func (p *InflightPublisher) NotifyCompleted(ctx context.Context, cmd models.Command) {
	p.publish(ctx, cmd, models.NoticeCompleted, "")
}

func (p *InflightPublisher) NotifyFailed(ctx context.Context, cmd models.Command, errMsg string) {
	p.publish(ctx, cmd, models.NoticeFailed, errMsg)
}

func (p *InflightPublisher) publish(ctx context.Context, cmd models.Command, kind models.NoticeKind, errMsg string) {
	notice := models.InflightNotice{
		EntityType:    cmd.EntityType,
		EntityID:      cmd.EntityID,
		CorrelationID: cmd.CorrelationID,
		Operation:     cmd.Operation,
		Status:        kind,
		Timestamp:     p.clock.Now(),
		Error:         errMsg,
	}

	body, err := json.Marshal(notice)
	if err != nil {
		p.logger.Warn("Failed to serialize inflight notice", "error", err)
		metrics.InflightFailures.Inc()
		return
	}

	publishCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.writer.WriteMessages(publishCtx, kafka.Message{
		Topic: InflightTopic(p.prefix, cmd.EntityType),
		Key:   []byte(notice.PartitionKey()),
		Value: body,
	})
	if err != nil {
		p.logger.Warn("Failed to publish inflight notice",
			"entity", cmd.EntityType,
			"entity_id", cmd.EntityID,
			"status", kind,
			"error", err,
		)
		metrics.InflightFailures.Inc()
	}
}

func (p *InflightPublisher) Close() error {
	return p.writer.Close()
}
