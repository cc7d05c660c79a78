package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingInvalidator struct {
	calls int
	err   error
}

func (c *countingInvalidator) Invalidate(context.Context) error {
	c.calls++
	return c.err
}

func catalogMessage(t *testing.T, eventType EventType) *sarama.ConsumerMessage {
	t.Helper()
	return &sarama.ConsumerMessage{
		Topic: TopicCatalogEvents,
		Value: []byte(`{"event_type":"` + string(eventType) + `","product_ids":["p1"]}`),
	}
}

func TestCatalogEventHandler_InvalidatesOnChange(t *testing.T) {
	for _, eventType := range []EventType{EventTypeProductsChanged, EventTypeDiscountsChanged} {
		invalidator := &countingInvalidator{}
		handler := NewCatalogEventHandler(invalidator, nil)

		require.NoError(t, handler(context.Background(), catalogMessage(t, eventType)))
		assert.Equal(t, 1, invalidator.calls, string(eventType))
	}
}

func TestCatalogEventHandler_SkipsUnknownEvents(t *testing.T) {
	invalidator := &countingInvalidator{}
	handler := NewCatalogEventHandler(invalidator, nil)

	require.NoError(t, handler(context.Background(), catalogMessage(t, EventTypeOrderPlaced)))
	assert.Zero(t, invalidator.calls)
}

func TestCatalogEventHandler_Errors(t *testing.T) {
	invalidator := &countingInvalidator{err: errors.New("redis down")}
	handler := NewCatalogEventHandler(invalidator, nil)

	assert.Error(t, handler(context.Background(), catalogMessage(t, EventTypeProductsChanged)))
	assert.Error(t, handler(context.Background(), &sarama.ConsumerMessage{Value: []byte("not json")}))
}

func TestCatalogEventHandler_RetriedByConsumer(t *testing.T) {
	invalidator := &countingInvalidator{err: errors.New("redis down")}
	consumer := &Consumer{
		handler:    NewCatalogEventHandler(invalidator, nil),
		logger:     log.WithField("test", "catalog-retry"),
		maxRetries: 3,
	}

	err := consumer.handleMessageWithRetry(context.Background(), catalogMessage(t, EventTypeProductsChanged))
	require.Error(t, err)
	assert.Equal(t, 3, invalidator.calls)
}
