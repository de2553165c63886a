package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/muriel-platform/stream-core/internal/models"
	"github.com/muriel-platform/stream-core/pkg/metrics"
)

const alertExchange = "stream.alerts"

// AlertPublisher pushes operator alerts to a RabbitMQ topic exchange when a
// command is dead-lettered. Alerts are advisory: a publish failure is
// reported to the caller for logging but never alters command state.
type AlertPublisher struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *slog.Logger
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	closeOnce  sync.Once
	healthy    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewAlertPublisher connects, declares the alert exchange and enables
// publisher confirms so a dead-letter alert is only reported delivered once
// the broker persisted it.
func NewAlertPublisher(url string, l *slog.Logger) (*AlertPublisher, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		alertExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to declare alert exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate publisher confirms: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pub := &AlertPublisher{
		conn:       c,
		channel:    ch,
		logger:     l,
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	pub.healthy.Store(true)
	metrics.BrokerHealth.Set(1)

	pub.conn.NotifyClose(pub.connClosed)
	pub.channel.NotifyClose(pub.chanClosed)

	go func() {
		select {
		case err := <-pub.connClosed:
			pub.healthy.Store(false)
			metrics.BrokerHealth.Set(0)
			l.Warn("RabbitMQ connection closed", "error", err)
		case err := <-pub.chanClosed:
			pub.healthy.Store(false)
			metrics.BrokerHealth.Set(0)
			l.Warn("RabbitMQ channel closed", "error", err)
		case <-pub.ctx.Done():
			return
		}
	}()

	l.Info("Alert channel established", "exchange", alertExchange)
	return pub, nil
}

// alertBody mirrors the dead-letter envelope operators see on the Kafka side.
type alertBody struct {
	CommandID     string           `json:"command_id"`
	TenantID      string           `json:"tenant_id"`
	EntityType    string           `json:"entity_type"`
	EntityID      string           `json:"entity_id"`
	Operation     models.Operation `json:"operation"`
	CorrelationID string           `json:"correlation_id"`
	Payload       json.RawMessage  `json:"original_payload"`
	Error         string           `json:"error"`
	RetryCount    int              `json:"retry_count"`
}

// CommandDeadLettered publishes an alert for a command that exhausted its
// retry budget and blocks until the broker confirms it.
func (p *AlertPublisher) CommandDeadLettered(ctx context.Context, cmd models.Command, errMsg string) error {
	if !p.healthy.Load() {
		return fmt.Errorf("alert channel is closed")
	}

	body, err := json.Marshal(alertBody{
		CommandID:     cmd.ID.String(),
		TenantID:      cmd.TenantID,
		EntityType:    cmd.EntityType,
		EntityID:      cmd.EntityID,
		Operation:     cmd.Operation,
		CorrelationID: cmd.CorrelationID,
		Payload:       cmd.Payload,
		Error:         errMsg,
		RetryCount:    cmd.RetryCount,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize alert: %w", err)
	}

	routingKey := fmt.Sprintf("dlq.command.%s", strings.ToLower(cmd.EntityType))

	deferred, err := p.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		alertExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			Headers: amqp.Table{
				"correlation_id": cmd.CorrelationID,
			},
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("alert publish call failed: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("RabbitMQ NACK received: alert not persisted")
		}
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("publisher confirm timeout")
	}
}

// Close gracefully shuts down the alert channel.
func (p *AlertPublisher) Close() error {
	p.closeOnce.Do(func() {
		p.logger.Info("Terminating alert publisher")
		p.cancel()
		if p.channel != nil {
			p.channel.Close()
		}
		if p.conn != nil {
			p.conn.Close()
		}
	})
	return nil
}

// IsHealthy reports whether the connection and channel are active.
func (p *AlertPublisher) IsHealthy() bool {
	return p.healthy.Load()
}
