package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/muriel-platform/stream-core/internal/models"
)

const (
	defaultConnAttempts = 10
	defaultConnTimeout  = time.Second
)

// Publisher delivers outbox events to the partitioned downstream log. The
// hash balancer keys every message by {entityType}#{entityId}, so all events
// of one entity instance land on the same ordered partition.
type Publisher struct {
	writer  *kafka.Writer
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

func NewPublisher(ctx context.Context, brokers []string, prefix string, timeout time.Duration, logger *slog.Logger) (*Publisher, error) {
	if err := waitForBroker(ctx, brokers, logger); err != nil {
		return nil, err
	}

	return &Publisher{
		writer:  newWriter(brokers, kafka.RequireAll),
		prefix:  prefix,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// eventEnvelope is the wire shape of one published domain event. Consumers
// dedupe by eventId; delivery is at-least-once.
type eventEnvelope struct {
	EventID       string           `json:"eventId"`
	TenantID      string           `json:"tenantId,omitempty"`
	EntityType    string           `json:"entityType"`
	EntityID      string           `json:"entityId"`
	Operation     models.Operation `json:"operation"`
	CorrelationID string           `json:"correlationId,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
	Diff          json.RawMessage  `json:"diff,omitempty"`
	Snapshot      json.RawMessage  `json:"snapshot,omitempty"`
}

// PublishEvent writes one event to its entity topic and blocks until the
// cluster acknowledges it.
func (p *Publisher) PublishEvent(ctx context.Context, ev models.OutboxEvent) error {
	body, err := json.Marshal(eventEnvelope{
		EventID:       ev.ID.String(),
		TenantID:      ev.TenantID,
		EntityType:    ev.EntityType,
		EntityID:      ev.EntityID,
		Operation:     ev.Operation,
		CorrelationID: ev.CorrelationID,
		Timestamp:     ev.CreatedAt,
		Diff:          ev.Diff,
		Snapshot:      ev.Snapshot,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize event envelope: %w", err)
	}

	msg := kafka.Message{
		Topic:   EventsTopic(p.prefix, ev.EntityType),
		Key:     []byte(ev.PartitionKey()),
		Value:   body,
		Headers: headersFromJSON(ev.Headers),
	}

	publishCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.writer.WriteMessages(publishCtx, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// PublishDeadLetter copies an undeliverable event to the dead-letter topic
// with the original payload, the last error and the retry count.
func (p *Publisher) PublishDeadLetter(ctx context.Context, ev models.OutboxEvent, cause string) error {
	diff := ev.Diff
	if len(diff) == 0 {
		diff = json.RawMessage(`{}`)
	}

	body, err := json.Marshal(map[string]any{
		"original_payload": diff,
		"error":            cause,
		"retry_count":      ev.RetryCount,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize dead-letter envelope: %w", err)
	}

	msg := kafka.Message{
		Topic: DeadLetterTopic(p.prefix),
		Key:   []byte(ev.ID.String()),
		Value: body,
	}

	publishCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.writer.WriteMessages(publishCtx, msg); err != nil {
		return fmt.Errorf("failed to publish dead-letter: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// newWriter builds a hash-balanced writer keyed by the message Key. Topic
// auto-creation is on so per-entity topics work without out-of-band
// provisioning on clusters with broker auto-create disabled; EnsureTopics
// still pre-creates the shared topics with explicit configs where it can.
func newWriter(brokers []string, acks kafka.RequiredAcks) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           acks,
		AllowAutoTopicCreation: true,
	}
}

func headersFromJSON(raw json.RawMessage) []kafka.Header {
	if len(raw) == 0 {
		return nil
	}

	var fields map[string]string
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}

	headers := make([]kafka.Header, 0, len(fields))
	for key, value := range fields {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	return headers
}

func waitForBroker(ctx context.Context, brokers []string, logger *slog.Logger) error {
	var err error
	for attempt := defaultConnAttempts; attempt > 0; attempt-- {
		err = pingBroker(ctx, brokers[0])
		if err == nil {
			return nil
		}

		logger.Warn("Kafka not reachable yet, retrying", "attempts_left", attempt-1, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(defaultConnTimeout):
		}
	}
	return fmt.Errorf("kafka unreachable after %d attempts: %w", defaultConnAttempts, err)
}

func pingBroker(ctx context.Context, addr string) error {
	conn, err := kafka.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Brokers()
	return err
}
