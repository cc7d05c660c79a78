package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// CatalogInvalidator сбрасывает закешированные справочники каталога.
type CatalogInvalidator interface {
	Invalidate(ctx context.Context) error
}

// NewCatalogEventHandler возвращает обработчик TopicCatalogEvents: любое
// изменение товаров или скидок сбрасывает кеш каталога целиком.
// Неизвестные типы событий пропускаются без ошибки.
func NewCatalogEventHandler(invalidator CatalogInvalidator, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "catalog-events")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, err := ParseCatalogEvent(message.Value)
		if err != nil {
			return err
		}

		switch event.EventType {
		case EventTypeProductsChanged, EventTypeDiscountsChanged:
		default:
			logger.WithField("event_type", event.EventType).Debug("skip unknown catalog event")
			return nil
		}

		if err := invalidator.Invalidate(ctx); err != nil {
			return fmt.Errorf("invalidate catalog cache: %w", err)
		}
		logger.WithFields(log.Fields{
			"event_type":  event.EventType,
			"product_ids": event.ProductIDs,
		}).Info("catalog cache invalidated")
		return nil
	}
}
