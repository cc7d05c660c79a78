package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/storage/redis"
)

// kafkaWiring — producer для outbox и consumer событий каталога.
// Все поля nil, если брокеры не заданы или недоступны.
type kafkaWiring struct {
	producer  *kafka.Producer
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	consumer  *kafka.Consumer
}

// initKafka поднимает producer и, если есть кеш каталога, consumer его инвалидации.
// Ошибки не фатальны: storefront работает без брокера, события копятся в outbox.
func initKafka(ctx context.Context, cfg Config, cache *redis.CatalogCache, logger *log.Entry) kafkaWiring {
	var wiring kafkaWiring
	if len(cfg.KafkaBrokers) == 0 {
		return wiring
	}

	producer, err := kafka.NewProducer(cfg.KafkaBrokers,
		kafka.WithClientID("storefront"),
		kafka.WithProducerLogger(logger.WithField("layer", "kafka-producer")),
	)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return wiring
	}
	logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")

	wiring.producer = producer
	wiring.publisher = kafka.NewOutboxPublisher(producer, cfg.EventsTopic)
	wiring.dlq = kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)

	if cache == nil {
		return wiring
	}

	handler := kafka.NewCatalogEventHandler(cache, logger.WithField("layer", "catalog-events"))
	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup, []string{cfg.CatalogEventsTopic}, handler,
		kafka.WithDLQ(producer),
		kafka.WithConsumerLogger(logger.WithField("layer", "kafka-consumer")),
	)
	if err != nil {
		logger.WithError(err).Warn("failed to create catalog events consumer, cache relies on ttl only")
		return wiring
	}
	if err := consumer.Start(ctx); err != nil {
		logger.WithError(err).Warn("failed to start catalog events consumer")
		_ = consumer.Stop()
		return wiring
	}
	wiring.consumer = consumer
	return wiring
}

// close останавливает consumer раньше producer: DLQ пишет через producer.
func (w kafkaWiring) close(logger *log.Entry) {
	if w.consumer != nil {
		if err := w.consumer.Stop(); err != nil {
			logger.WithError(err).Warn("failed to stop kafka consumer")
		}
	}
	if w.producer == nil {
		return
	}
	if err := w.producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
