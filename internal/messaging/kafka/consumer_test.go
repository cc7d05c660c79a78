package kafka

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingProducer перехватывает сообщения, отправленные в DLQ.
type recordingProducer struct {
	sarama.SyncProducer

	mu   sync.Mutex
	sent []*sarama.ProducerMessage
	err  error
}

func (p *recordingProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, 0, p.err
	}
	p.sent = append(p.sent, msg)
	return 0, int64(len(p.sent)), nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) messages() []*sarama.ProducerMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*sarama.ProducerMessage(nil), p.sent...)
}

func headerOf(msg *sarama.ProducerMessage, key string) string {
	for _, h := range msg.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

type fakeGroup struct {
	consume func(context.Context, []string, sarama.ConsumerGroupHandler) error
	errs    chan error
	closeFn func() error
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	return g.consume(ctx, topics, handler)
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	if g.closeFn != nil {
		return g.closeFn()
	}
	close(g.errs)
	return nil
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

type fakeSession struct {
	ctx    context.Context
	offset []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "storefront-1" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.offset = append(s.offset, msg.Offset)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return TopicCatalogEvents }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return sarama.OffsetNewest }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func claimOf(messages ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(messages))
	for _, m := range messages {
		ch <- m
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func catalogRecord(offset int64, value string, retries int) *sarama.ConsumerMessage {
	msg := &sarama.ConsumerMessage{
		Topic:  TopicCatalogEvents,
		Offset: offset,
		Key:    []byte("catalog"),
		Value:  []byte(value),
	}
	if retries > 0 {
		msg.Headers = []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte(strconv.Itoa(retries))}}
	}
	return msg
}

func catalogConsumer(handler MessageHandler, dlq *recordingProducer) *Consumer {
	c := &Consumer{
		handler:    handler,
		logger:     log.WithField("test", "catalog-consumer"),
		maxRetries: 3,
	}
	if dlq != nil {
		c.dlqProducer = newProducer(dlq, log.WithField("test", "catalog-dlq"))
	}
	return c
}

func TestNewConsumer_UnreachableBroker(t *testing.T) {
	noop := func(context.Context, *sarama.ConsumerMessage) error { return nil }

	_, err := NewConsumer([]string{"127.0.0.1:1"}, "storefront-catalog", []string{TopicCatalogEvents}, noop,
		WithRetries(2, 0),
		WithConsumerLogger(log.WithField("test", "new-consumer")),
	)
	require.Error(t, err)
}

func TestConsumer_StartConsumesUntilCanceledAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rounds int
	var gotTopics []string
	group := &fakeGroup{errs: make(chan error, 1)}
	group.consume = func(_ context.Context, topics []string, _ sarama.ConsumerGroupHandler) error {
		rounds++
		gotTopics = topics
		if rounds == 2 {
			cancel()
		}
		return errors.New("rebalance in progress")
	}
	group.errs <- errors.New("broker hiccup")

	consumer := &Consumer{
		consumer: group,
		topics:   []string{TopicCatalogEvents},
		logger:   log.WithField("test", "consumer-start"),
	}
	require.NoError(t, consumer.Start(ctx))
	require.Eventually(t, func() bool { return ctx.Err() != nil }, time.Second, 5*time.Millisecond)
	require.NoError(t, consumer.Stop())

	assert.Equal(t, 2, rounds, "Consume is called again after a rebalance")
	assert.Equal(t, []string{TopicCatalogEvents}, gotTopics)
}

func TestConsumer_StopReportsCloseError(t *testing.T) {
	group := &fakeGroup{errs: make(chan error), closeFn: func() error { return errors.New("coordinator gone") }}
	consumer := &Consumer{consumer: group, logger: log.WithField("test", "consumer-stop")}

	assert.ErrorContains(t, consumer.Stop(), "coordinator gone")
}

func TestConsumer_ClaimInvalidatesCatalogAndMarks(t *testing.T) {
	invalidator := &countingInvalidator{}
	consumer := catalogConsumer(NewCatalogEventHandler(invalidator, nil), nil)
	require.NoError(t, consumer.Setup(nil))

	session := &fakeSession{ctx: context.Background()}
	claim := claimOf(
		catalogRecord(10, `{"event_type":"catalog.products_changed","product_ids":["p1"]}`, 0),
		catalogRecord(11, `{"event_type":"catalog.discounts_changed"}`, 0),
	)

	require.NoError(t, consumer.ConsumeClaim(session, claim))
	require.NoError(t, consumer.Cleanup(nil))
	assert.Equal(t, []int64{10, 11}, session.offset)
	assert.Equal(t, 2, invalidator.calls)
}

func TestConsumer_ClaimLeavesFailedEventUnmarkedWithoutDLQ(t *testing.T) {
	invalidator := &countingInvalidator{err: errors.New("redis down")}
	consumer := catalogConsumer(NewCatalogEventHandler(invalidator, nil), nil)

	session := &fakeSession{ctx: context.Background()}
	claim := claimOf(
		catalogRecord(20, `{"event_type":"catalog.products_changed"}`, 0),
	)

	require.NoError(t, consumer.ConsumeClaim(session, claim))
	assert.Empty(t, session.offset, "redelivery after rebalance must see the event again")
	assert.Equal(t, 3, invalidator.calls)
}

func TestConsumer_MalformedEventGoesToDLQ(t *testing.T) {
	dlq := &recordingProducer{}
	consumer := catalogConsumer(NewCatalogEventHandler(&countingInvalidator{}, nil), dlq)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, consumer.ConsumeClaim(session, claimOf(catalogRecord(30, "not json", 0))))

	assert.Equal(t, []int64{30}, session.offset, "a message parked in the DLQ counts as handled")
	sent := dlq.messages()
	require.Len(t, sent, 1)

	msg := sent[0]
	assert.Equal(t, TopicDeadLetterQueue, msg.Topic)
	key, err := msg.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "catalog", string(key))
	value, err := msg.Value.Encode()
	require.NoError(t, err)
	assert.Equal(t, "not json", string(value))

	assert.Equal(t, TopicCatalogEvents, headerOf(msg, HeaderOriginalTopic))
	assert.Contains(t, headerOf(msg, HeaderErrorMessage), "unmarshal catalog event")
	assert.Equal(t, "3", headerOf(msg, HeaderRetryCount))
	_, err = time.Parse(time.RFC3339, headerOf(msg, HeaderFailedAt))
	assert.NoError(t, err)
}

func TestConsumer_RetryBudgetCountsPreviousAttempts(t *testing.T) {
	cases := []struct {
		name     string
		retries  int
		attempts int
	}{
		{name: "fresh event", retries: 0, attempts: 3},
		{name: "one earlier failure", retries: 1, attempts: 2},
		{name: "budget spent still tries once", retries: 7, attempts: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			invalidator := &countingInvalidator{err: errors.New("redis down")}
			consumer := catalogConsumer(NewCatalogEventHandler(invalidator, nil), nil)

			err := consumer.handleMessageWithRetry(context.Background(),
				catalogRecord(1, `{"event_type":"catalog.products_changed"}`, tc.retries))
			require.Error(t, err)
			assert.Equal(t, tc.attempts, invalidator.calls)
		})
	}
}

func TestConsumer_RecoversOnRetry(t *testing.T) {
	invalidator := &flakyInvalidator{failures: 2}
	consumer := catalogConsumer(NewCatalogEventHandler(invalidator, nil), &recordingProducer{})

	require.NoError(t, consumer.handleMessageWithRetry(context.Background(),
		catalogRecord(1, `{"event_type":"catalog.discounts_changed"}`, 0)))
	assert.Equal(t, 3, invalidator.calls)
}

func TestConsumer_DLQFailureKeepsMessageUnhandled(t *testing.T) {
	dlq := &recordingProducer{err: sarama.ErrOutOfBrokers}
	consumer := catalogConsumer(NewCatalogEventHandler(&countingInvalidator{}, nil), dlq)

	err := consumer.handleMessageWithRetry(context.Background(), catalogRecord(1, `{}`, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestConsumer_RetryWaitStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	invalidator := &countingInvalidator{err: errors.New("redis down")}
	consumer := catalogConsumer(NewCatalogEventHandler(invalidator, nil), nil)
	consumer.retryDelay = time.Hour

	cancel()
	err := consumer.handleMessageWithRetry(ctx, catalogRecord(1, `{"event_type":"catalog.products_changed"}`, 0))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, invalidator.calls)
}

func TestConsumer_RetryCountHeader(t *testing.T) {
	consumer := &Consumer{}

	assert.Zero(t, consumer.getRetryCount(catalogRecord(1, "{}", 0)))
	assert.Equal(t, 2, consumer.getRetryCount(catalogRecord(1, "{}", 2)))

	broken := catalogRecord(1, "{}", 0)
	broken.Headers = []*sarama.RecordHeader{nil, {Key: []byte(HeaderRetryCount), Value: []byte("two")}}
	assert.Zero(t, consumer.getRetryCount(broken))
}

func TestConsumer_ClaimReturnsOnSessionEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := catalogConsumer(NewCatalogEventHandler(&countingInvalidator{}, nil), nil)
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan error, 1)
	go func() { done <- consumer.ConsumeClaim(&fakeSession{ctx: ctx}, claim) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim kept running after the session ended")
	}
}

type flakyInvalidator struct {
	failures int
	calls    int
}

func (f *flakyInvalidator) Invalidate(context.Context) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("redis timeout")
	}
	return nil
}
