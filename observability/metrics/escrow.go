package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"blockbatch/core/events"
)

// EscrowMetrics tracks engine operations and lifecycle events.
type EscrowMetrics struct {
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	events      *prometheus.CounterVec
	transfers   *prometheus.CounterVec
	subscribers prometheus.Gauge
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the lazily-initialised escrow metrics registered on the
// default Prometheus registry.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = newEscrowMetrics()
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.latency,
			escrowRegistry.events,
			escrowRegistry.transfers,
			escrowRegistry.subscribers,
		)
	})
	return escrowRegistry
}

func newEscrowMetrics() *EscrowMetrics {
	return &EscrowMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Escrow operations segmented by operation and outcome code.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "escrow",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Latency of escrow operations including storage and payment.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Events emitted by the escrow service segmented by type.",
		}, []string{"type"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "bank",
			Name:      "transfers_total",
			Help:      "Committed ledger transfer legs segmented by token.",
		}, []string{"token"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "escrow",
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Open event stream connections.",
		}),
	}
}

// ObserveOperation records an operation outcome. An empty outcome means
// success.
func (m *EscrowMetrics) ObserveOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// StreamOpened and StreamClosed track websocket subscribers.
func (m *EscrowMetrics) StreamOpened() {
	if m != nil {
		m.subscribers.Inc()
	}
}

func (m *EscrowMetrics) StreamClosed() {
	if m != nil {
		m.subscribers.Dec()
	}
}

// Emit counts events by type so the metrics registry can sit on the event
// fan-out next to the audit log.
func (m *EscrowMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.events.WithLabelValues(evt.EventType()).Inc()
	if transfer, ok := evt.(events.Transfer); ok {
		m.transfers.WithLabelValues(strings.ToUpper(strings.TrimSpace(transfer.Token))).Inc()
	}
}

// DropReporter exposes a running count of events skipped for slow stream
// subscribers.
type DropReporter interface {
	Dropped() uint64
}

// NewStreamDropCounter reports the broker's skipped deliveries as a
// Prometheus counter read at scrape time.
func NewStreamDropCounter(source DropReporter) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "stream",
		Name:      "dropped_events_total",
		Help:      "Events not delivered to stream subscribers whose buffer was full.",
	}, func() float64 { return float64(source.Dropped()) })
}
