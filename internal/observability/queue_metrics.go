package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// QueueMetrics tracks outbound channel health: enqueue/deliver volume, the
// coalescing machinery, and backpressure stalls. These sit on the hottest
// path in the server, so they are plain promauto instruments rather than
// otel ones.
type QueueMetrics struct {
	enqueued      prometheus.CounterVec
	delivered     prometheus.Counter
	coalesced     prometheus.CounterVec
	flushes       prometheus.Counter
	dropped       prometheus.Counter
	queued        prometheus.Gauge
	enqueueStalls prometheus.Counter
}

var (
	defaultQueueMetrics     *QueueMetrics
	defaultQueueMetricsOnce sync.Once
)

// NewQueueMetrics returns the process-wide queue metrics recorder bound to
// the default registry.
func NewQueueMetrics() *QueueMetrics {
	defaultQueueMetricsOnce.Do(func() {
		defaultQueueMetrics = newQueueMetrics(prometheus.DefaultRegisterer)
	})
	return defaultQueueMetrics
}

// NewQueueMetricsWithRegisterer allows tests to provide a dedicated registry.
func NewQueueMetricsWithRegisterer(reg prometheus.Registerer) *QueueMetrics {
	return newQueueMetrics(reg)
}

func newQueueMetrics(reg prometheus.Registerer) *QueueMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &QueueMetrics{
		enqueued: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "myagent",
			Subsystem: "outbound",
			Name:      "enqueued_total",
			Help:      "Events accepted into outbound queues, by event name",
		}, []string{"event"}),
		delivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "myagent",
			Subsystem: "outbound",
			Name:      "delivered_total",
			Help:      "Events handed to the transport writer",
		}),
		coalesced: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "myagent",
			Subsystem: "outbound",
			Name:      "coalesced_total",
			Help:      "Events superseded inside a coalescing window, by event name",
		}, []string{"event"}),
		flushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "myagent",
			Subsystem: "outbound",
			Name:      "coalesce_flush_total",
			Help:      "Coalescing buffer flushes (window expiry or ordering barrier)",
		}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "myagent",
			Subsystem: "outbound",
			Name:      "dropped_total",
			Help:      "Events discarded because the channel closed before delivery",
		}),
		queued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "myagent",
			Subsystem: "outbound",
			Name:      "queued",
			Help:      "Events currently sitting in outbound queues",
		}),
		enqueueStalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "myagent",
			Subsystem: "outbound",
			Name:      "enqueue_stall_total",
			Help:      "Enqueue attempts that found the queue full and had to wait",
		}),
	}
}

// RecordEnqueued counts an accepted event and bumps the depth gauge.
func (m *QueueMetrics) RecordEnqueued(eventName string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(eventName).Inc()
	m.queued.Inc()
}

// RecordDelivered counts a delivered event and drops the depth gauge.
func (m *QueueMetrics) RecordDelivered() {
	if m == nil {
		return
	}
	m.delivered.Inc()
	m.queued.Dec()
}

// RecordCoalesced counts an event replaced inside its coalescing window.
func (m *QueueMetrics) RecordCoalesced(eventName string) {
	if m == nil {
		return
	}
	m.coalesced.WithLabelValues(eventName).Inc()
}

// RecordFlush counts one coalescing buffer flush.
func (m *QueueMetrics) RecordFlush() {
	if m == nil {
		return
	}
	m.flushes.Inc()
}

// RecordDropped counts an event lost to channel close and drops the gauge.
func (m *QueueMetrics) RecordDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
	m.queued.Dec()
}

// RecordEnqueueStall counts an enqueue that had to wait for space.
func (m *QueueMetrics) RecordEnqueueStall() {
	if m == nil {
		return
	}
	m.enqueueStalls.Inc()
}
