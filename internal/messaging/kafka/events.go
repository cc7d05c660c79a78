package kafka

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType определяет тип события
type EventType string

const (
	// События оформления заказа (публикуются из outbox)
	EventTypeOrderPlaced EventType = "order.placed"

	// События каталога (читаются consumer-ом для сброса кеша)
	EventTypeProductsChanged  EventType = "catalog.products_changed"
	EventTypeDiscountsChanged EventType = "catalog.discounts_changed"
)

// Topics для Kafka
const (
	TopicCheckoutEvents  = "storefront.checkout.events"
	TopicCatalogEvents   = "storefront.catalog.events"
	TopicDeadLetterQueue = "storefront.dlq"
)

// Kafka headers
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
)

// OutboxEnvelope — конверт, в котором событие из outbox уходит в Kafka.
type OutboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// CatalogEvent сообщает об изменении справочников на стороне backend.
type CatalogEvent struct {
	EventType  EventType `json:"event_type"`
	ProductIDs []string  `json:"product_ids,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewCatalogEvent создает событие каталога
func NewCatalogEvent(eventType EventType, productIDs ...string) *CatalogEvent {
	return &CatalogEvent{
		EventType:  eventType,
		ProductIDs: productIDs,
		Timestamp:  time.Now().UTC(),
	}
}

// ParseCatalogEvent разбирает событие каталога из тела сообщения
func ParseCatalogEvent(value []byte) (*CatalogEvent, error) {
	var event CatalogEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal catalog event: %w", err)
	}
	if event.EventType == "" {
		return nil, fmt.Errorf("catalog event without event_type")
	}
	return &event, nil
}

// ParseOutboxEnvelope разбирает конверт outbox-события
func ParseOutboxEnvelope(value []byte) (*OutboxEnvelope, error) {
	var envelope OutboxEnvelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outbox envelope: %w", err)
	}
	return &envelope, nil
}
