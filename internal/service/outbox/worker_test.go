package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func orderPlaced(cartID string) domain.OutboxMessage {
	return domain.OutboxMessage{
		AggregateType: domain.AggregateTypeCart,
		AggregateID:   cartID,
		EventType:     domain.EventTypeOrderPlaced,
		Payload:       []byte(`{"cart_id":"` + cartID + `"}`),
	}
}

func newTestWorker(t *testing.T, repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) (*Worker, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	options = append([]Option{WithMetrics(metrics), WithRetryBaseDelay(0)}, options...)
	return NewWorker(repo, publisher, options...), metrics
}

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	msg, err := repo.Enqueue(orderPlaced("abc"))
	require.NoError(t, err)

	publisher := &stubPublisher{}
	worker, metrics := newTestWorker(t, repo, publisher, WithMaxAttempts(3))

	assert.Equal(t, 1, worker.ProcessOnce(context.Background()))
	assert.Equal(t, 1, publisher.calls())
	assert.Equal(t, msg.ID, publisher.last().ID)

	pending, err := repo.PullPending(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.publishAttempts.WithLabelValues(resultSent)))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.pendingRecords))
}

func TestWorker_ProcessOnce_MarkFailedAndDLQAfterRetries(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	msg, err := repo.Enqueue(orderPlaced("def"))
	require.NoError(t, err)

	publisher := &stubPublisher{err: errors.New("broker unavailable")}
	dlqPublisher := &stubPublisher{}
	worker, metrics := newTestWorker(t, repo, publisher, WithDLQPublisher(dlqPublisher), WithMaxAttempts(3))

	assert.Zero(t, worker.ProcessOnce(context.Background()))
	assert.Equal(t, 3, publisher.calls())
	require.Equal(t, 1, dlqPublisher.calls())

	var record dlqRecord
	require.NoError(t, json.Unmarshal(dlqPublisher.last().Payload, &record))
	assert.Equal(t, msg.ID, record.OutboxID)
	assert.Equal(t, "def", record.AggregateID)
	assert.Contains(t, record.PublishError, "broker unavailable")
	assert.JSONEq(t, `{"cart_id":"def"}`, string(record.Payload))

	pending, err := repo.PullPending(10)
	require.NoError(t, err)
	assert.Empty(t, pending, "failed message must leave pending state")
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.publishAttempts.WithLabelValues(resultRetryError)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.publishAttempts.WithLabelValues(resultFailed)))
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	_, err := repo.Enqueue(orderPlaced("ghi"))
	require.NoError(t, err)

	publisher := &stubPublisher{
		sequenceErrors: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil},
	}
	worker, _ := newTestWorker(t, repo, publisher, WithMaxAttempts(3))

	assert.Equal(t, 1, worker.ProcessOnce(context.Background()))
	assert.Equal(t, 3, publisher.calls())
}

func TestWorker_ProcessOnce_KeepsOrder(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	for _, cartID := range []string{"c1", "c2", "c3"} {
		_, err := repo.Enqueue(orderPlaced(cartID))
		require.NoError(t, err)
	}

	publisher := &stubPublisher{}
	worker, _ := newTestWorker(t, repo, publisher, WithBatchSize(2))

	assert.Equal(t, 2, worker.ProcessOnce(context.Background()))
	assert.Equal(t, 1, worker.ProcessOnce(context.Background()))
	assert.Equal(t, []string{"c1", "c2", "c3"}, publisher.aggregateIDs())
}

func TestWorker_ProcessOnce_PullError(t *testing.T) {
	t.Parallel()

	publisher := &stubPublisher{}
	worker, _ := newTestWorker(t, failingRepo{}, publisher)

	assert.Zero(t, worker.ProcessOnce(context.Background()))
	assert.Zero(t, publisher.calls())
}

func TestWorker_RetryBackoff(t *testing.T) {
	t.Parallel()

	worker := &Worker{retryBaseDelay: 10 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, worker.retryBackoff(1))
	assert.Equal(t, 20*time.Millisecond, worker.retryBackoff(2))
	assert.Equal(t, 40*time.Millisecond, worker.retryBackoff(3))
	assert.Equal(t, maxRetryDelay, worker.retryBackoff(64))

	worker.retryBaseDelay = 0
	assert.Zero(t, worker.retryBackoff(5))
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	_, err := repo.Enqueue(orderPlaced("run"))
	require.NoError(t, err)

	publisher := &stubPublisher{}
	worker, _ := newTestWorker(t, repo, publisher, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	require.Eventually(t, func() bool { return publisher.calls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

func TestWorker_Run_DisabledWithoutPublisher(t *testing.T) {
	t.Parallel()

	worker, _ := newTestWorker(t, memory.NewOutboxRepository(), nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker without publisher must return immediately")
	}
}

func TestMetrics_ReuseRegistered(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	first := NewMetrics(registry)
	second := NewMetrics(registry)

	first.publishAttempts.WithLabelValues(resultSent).Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(second.publishAttempts.WithLabelValues(resultSent)))
}

func TestMetrics_ObserveBacklog(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics(prometheus.NewRegistry())
	now := time.Now()
	metrics.observeBacklog(domain.OutboxStats{PendingCount: 2, OldestPendingAt: now.Add(-3 * time.Second)}, now)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.pendingRecords))
	assert.InDelta(t, 3, testutil.ToFloat64(metrics.oldestPending), 0.001)

	metrics.observeBacklog(domain.OutboxStats{}, now)
	assert.Zero(t, testutil.ToFloat64(metrics.oldestPending))
}

type failingRepo struct {
	domain.OutboxRepository
}

func (failingRepo) PullPending(int) ([]domain.OutboxMessage, error) {
	return nil, errors.New("db down")
}

func (failingRepo) Stats() (domain.OutboxStats, error) {
	return domain.OutboxStats{}, errors.New("db down")
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	published      []domain.OutboxMessage
}

func (s *stubPublisher) Publish(event domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.published = append(s.published, event)
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		return err
	}
	return s.err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

func (s *stubPublisher) last() domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published[len(s.published)-1]
}

func (s *stubPublisher) aggregateIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.published))
	for _, event := range s.published {
		ids = append(ids, event.AggregateID)
	}
	return ids
}

var _ domain.OutboxPublisher = (*stubPublisher)(nil)
