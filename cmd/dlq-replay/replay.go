package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

var errNotReplayable = errors.New("message is not replayable")

// replayMessage — готовое к отправке сообщение.
type replayMessage struct {
	topic   string
	key     string
	value   []byte
	headers []sarama.RecordHeader
}

// outboxFailure повторяет тело, которое outbox worker кладет в DLQ.
type outboxFailure struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
}

type replayStats struct {
	scanned  int
	replayed int
	skipped  int
}

func (s *replayStats) add(other replayStats) {
	s.scanned += other.scanned
	s.replayed += other.replayed
	s.skipped += other.skipped
}

func replay(ctx context.Context, cfg config, deps replayDeps, logger *log.Entry) (replayStats, error) {
	var total replayStats
	if deps.client == nil || deps.source == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if cfg.execute && deps.producer == nil {
		return total, errors.New("producer is required in execute mode")
	}

	partitions, err := deps.client.Partitions(cfg.dlqTopic)
	if err != nil {
		return total, fmt.Errorf("list partitions of %s: %w", cfg.dlqTopic, err)
	}
	if len(partitions) == 0 {
		logger.Warn("dlq topic has no partitions")
		return total, nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		left := cfg.limit - total.scanned
		if left <= 0 {
			break
		}
		stats, err := replayPartition(ctx, cfg, deps, partition, left, logger.WithField("partition", partition))
		total.add(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// replayPartition читает партицию до зафиксированного на старте конца,
// лимита или паузы длиннее idleTimeout.
func replayPartition(ctx context.Context, cfg config, deps replayDeps, partition int32, limit int, logger *log.Entry) (replayStats, error) {
	var stats replayStats

	oldest, err := deps.client.GetOffset(cfg.dlqTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	end, err := deps.client.GetOffset(cfg.dlqTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if end <= oldest {
		return stats, nil
	}

	start := oldest
	if cfg.fromNewest && end-int64(limit) > oldest {
		start = end - int64(limit)
	}

	pc, err := deps.source.ConsumePartition(cfg.dlqTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(cfg.idleTimeout)
	defer idle.Stop()

	for stats.scanned < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case consumerErr := <-pc.Errors():
			if consumerErr != nil {
				return stats, fmt.Errorf("partition %d: %w", partition, consumerErr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= end {
				return stats, nil
			}
			resetTimer(idle, cfg.idleTimeout)
			stats.scanned++

			out, err := buildReplay(msg, cfg.outboxTopic)
			if err != nil {
				stats.skipped++
				logger.WithError(err).WithField("offset", msg.Offset).Warn("skip dlq message")
				continue
			}

			entry := logger.WithFields(log.Fields{
				"offset": msg.Offset,
				"topic":  out.topic,
				"key":    out.key,
			})
			if cfg.execute {
				if err := send(deps.producer, out); err != nil {
					return stats, fmt.Errorf("replay offset %d: %w", msg.Offset, err)
				}
				entry.Debug("dlq message replayed")
			} else {
				entry.Info("dlq replay candidate")
			}
			stats.replayed++

			if msg.Offset+1 >= end {
				return stats, nil
			}
		}
	}
	return stats, nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// buildReplay восстанавливает исходное сообщение.
// Consumer кладет в DLQ тело как есть и topic в заголовке x-original-topic;
// outbox worker кладет конверт, в payload которого лежит outboxFailure.
func buildReplay(msg *sarama.ConsumerMessage, outboxTopic string) (replayMessage, error) {
	if topic := headerValue(msg, kafka.HeaderOriginalTopic); topic != "" {
		if len(msg.Value) == 0 {
			return replayMessage{}, fmt.Errorf("%w: empty body", errNotReplayable)
		}
		return replayMessage{topic: topic, key: string(msg.Key), value: msg.Value}, nil
	}

	envelope, err := kafka.ParseOutboxEnvelope(msg.Value)
	if err != nil {
		return replayMessage{}, fmt.Errorf("%w: %v", errNotReplayable, err)
	}
	var failure outboxFailure
	if err := json.Unmarshal(envelope.Payload, &failure); err != nil {
		return replayMessage{}, fmt.Errorf("%w: decode outbox failure: %v", errNotReplayable, err)
	}
	if len(failure.Payload) == 0 {
		return replayMessage{}, fmt.Errorf("%w: outbox failure without payload", errNotReplayable)
	}

	original := kafka.OutboxEnvelope{
		ID:            firstNonEmpty(failure.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(failure.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(failure.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(failure.EventType, envelope.EventType),
		Payload:       failure.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	if original.EventType == "" {
		return replayMessage{}, fmt.Errorf("%w: outbox failure without event type", errNotReplayable)
	}
	body, err := json.Marshal(original)
	if err != nil {
		return replayMessage{}, fmt.Errorf("encode outbox envelope: %w", err)
	}

	return replayMessage{
		topic: outboxTopic,
		key:   firstNonEmpty(original.AggregateID, original.ID),
		value: body,
		headers: []sarama.RecordHeader{{
			Key:   []byte(kafka.HeaderEventType),
			Value: []byte(original.EventType),
		}},
	}, nil
}

func headerValue(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return strings.TrimSpace(string(h.Value))
		}
	}
	return ""
}

func send(producer replayProducer, msg replayMessage) error {
	if producer == nil {
		return errors.New("producer is nil")
	}
	_, _, err := producer.SendMessage(&sarama.ProducerMessage{
		Topic:     msg.topic,
		Key:       sarama.StringEncoder(msg.key),
		Value:     sarama.ByteEncoder(msg.value),
		Headers:   msg.headers,
		Timestamp: time.Now().UTC(),
	})
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
