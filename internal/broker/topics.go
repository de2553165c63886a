package broker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"
)

// EventsTopic names the durable per-entity event log.
func EventsTopic(prefix, entityType string) string {
	return fmt.Sprintf("%s.entity.events.%s", prefix, strings.ToLower(entityType))
}

// InflightTopic names the short-retention best-effort notice channel.
func InflightTopic(prefix, entityType string) string {
	return fmt.Sprintf("%s.entity.inflight.%s", prefix, strings.ToLower(entityType))
}

// DeadLetterTopic names the operator-facing dead-letter log.
func DeadLetterTopic(prefix string) string {
	return prefix + ".dlq.entity.events"
}

// EnsureTopics best-effort creates the given topics through the cluster
// controller. Existing topics are left untouched; callers treat a failure as
// non-fatal since brokers may also auto-create.
func EnsureTopics(ctx context.Context, brokers []string, topics ...string) error {
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to resolve kafka controller: %w", err)
	}

	controllerConn, err := kafka.DialContext(ctx, "tcp",
		net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to dial kafka controller: %w", err)
	}
	defer controllerConn.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     -1,
			ReplicationFactor: -1,
		})
	}

	if err := controllerConn.CreateTopics(configs...); err != nil {
		return fmt.Errorf("failed to create kafka topics: %w", err)
	}
	return nil
}
