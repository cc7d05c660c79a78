package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты синхронизации корзины с backend.
const (
	SyncResultOK      = "ok"
	SyncResultFailed  = "failed"
	SyncResultStale   = "stale"
	SyncResultNoop    = "noop"
	SyncResultSkipped = "skipped"
)

// CartMetrics содержит метрики движка корзины.
type CartMetrics struct {
	// Счётчики мутаций и синхронизации
	mutations     *prometheus.CounterVec
	syncAttempts  *prometheus.CounterVec
	syncCoalesced prometheus.Counter
	cartCreations *prometheus.CounterVec
	checkouts     *prometheus.CounterVec

	syncDuration prometheus.Histogram

	activeSessions prometheus.Gauge
}

// NewCartMetrics создаёт метрики, зарегистрированные в DefaultRegisterer.
func NewCartMetrics() *CartMetrics {
	return NewCartMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCartMetricsWithRegisterer создаёт метрики в заданном registerer.
// Повторная регистрация переиспользует уже зарегистрированные коллекторы.
func NewCartMetricsWithRegisterer(registerer prometheus.Registerer) *CartMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CartMetrics{
		mutations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_cart_mutations_total",
			Help: "Total number of cart mutations grouped by operation.",
		}, []string{"op"}),
		syncAttempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_cart_sync_total",
			Help: "Total number of cart synchronization attempts grouped by result.",
		}, []string{"result"}),
		syncCoalesced: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_cart_sync_coalesced_total",
			Help: "Total number of sync intents superseded before being sent.",
		}),
		cartCreations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_cart_creations_total",
			Help: "Total number of server cart creations grouped by result.",
		}, []string{"result"}),
		checkouts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_checkouts_total",
			Help: "Total number of checkout attempts grouped by result.",
		}, []string{"result"}),
		syncDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "storefront_cart_sync_duration_seconds",
			Help:    "Duration of cart line replacement requests in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		activeSessions: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "storefront_active_sessions",
			Help: "Number of cart sessions held in memory.",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// RecordMutation учитывает мутацию корзины (add, remove, update, discount, empty).
func (m *CartMetrics) RecordMutation(op string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op).Inc()
}

// RecordSync учитывает попытку синхронизации и её длительность.
func (m *CartMetrics) RecordSync(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.syncAttempts.WithLabelValues(result).Inc()
	if duration > 0 {
		m.syncDuration.Observe(duration.Seconds())
	}
}

// RecordSyncCoalesced учитывает intent, который был перекрыт более новым.
func (m *CartMetrics) RecordSyncCoalesced() {
	if m == nil {
		return
	}
	m.syncCoalesced.Inc()
}

// RecordCartCreation учитывает создание корзины на backend.
func (m *CartMetrics) RecordCartCreation(success bool) {
	if m == nil {
		return
	}
	m.cartCreations.WithLabelValues(resultLabel(success)).Inc()
}

// RecordCheckout учитывает попытку оформления заказа.
func (m *CartMetrics) RecordCheckout(success bool) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(resultLabel(success)).Inc()
}

// SessionOpened увеличивает число активных сессий.
func (m *CartMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionClosed уменьшает число активных сессий.
func (m *CartMetrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failed"
}
