package broker

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

func TestTopicNamingLowercasesEntityType(t *testing.T) {
	assert.Equal(t, "muriel.entity.events.invoice", EventsTopic("muriel", "Invoice"))
	assert.Equal(t, "muriel.entity.inflight.invoice", InflightTopic("muriel", "Invoice"))
	assert.Equal(t, "muriel.dlq.entity.events", DeadLetterTopic("muriel"))
}

func TestTopicNamingIsPrefixScoped(t *testing.T) {
	assert.Equal(t, "staging.entity.events.account", EventsTopic("staging", "ACCOUNT"))
	assert.Equal(t, "prod.entity.events.account", EventsTopic("prod", "account"))
}

func TestWriterAllowsAutoTopicCreation(t *testing.T) {
	// Per-entity topics must be publishable without out-of-band provisioning
	// even on clusters with broker-side auto-create disabled
	w := newWriter([]string{"localhost:9092"}, kafka.RequireAll)
	defer w.Close()

	assert.True(t, w.AllowAutoTopicCreation)
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
}
