package auditlog

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Delivery routes, used as the "route" label.
const (
	routeImmediate = "immediate"
	routeBatch     = "batch"
	routeRetry     = "retry"
	routeLocal     = "local"
)

// Metrics instruments the pipeline. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	created   *prometheus.CounterVec
	delivered *prometheus.CounterVec
	failures  *prometheus.CounterVec
	evicted   *prometheus.CounterVec
	abandoned prometheus.Counter
	depth     *prometheus.GaugeVec
	latency   *prometheus.HistogramVec
}

// NewMetrics creates the pipeline collectors and registers them with reg
// when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_entries_created_total",
			Help: "Audit entries created, by sensitivity.",
		}, []string{"sensitive"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_entries_delivered_total",
			Help: "Audit entries delivered to the remote sink.",
		}, []string{"route"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_delivery_failures_total",
			Help: "Failed delivery attempts.",
		}, []string{"route"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_entries_evicted_total",
			Help: "Entries dropped from a full queue.",
		}, []string{"queue"}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_entries_abandoned_total",
			Help: "Entries that exceeded the retry ceiling.",
		}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "audit_queue_depth",
			Help: "Current queue length in the local buffer.",
		}, []string{"queue"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_delivery_duration_seconds",
			Help:    "Delivery attempt latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(m.created, m.delivered, m.failures, m.evicted, m.abandoned, m.depth, m.latency)
	}
	return m
}

func (m *Metrics) entryCreated(sensitive bool) {
	if m == nil {
		return
	}
	label := "false"
	if sensitive {
		label = "true"
	}
	m.created.WithLabelValues(label).Inc()
}

func (m *Metrics) attempt(route string, n int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(route).Observe(d.Seconds())
	if err != nil {
		m.failures.WithLabelValues(route).Inc()
		return
	}
	m.delivered.WithLabelValues(route).Add(float64(n))
}

func (m *Metrics) entriesEvicted(queue string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.evicted.WithLabelValues(queue).Add(float64(n))
}

func (m *Metrics) entriesAbandoned(n int) {
	if m == nil || n == 0 {
		return
	}
	m.abandoned.Add(float64(n))
}

func (m *Metrics) queueDepths(q Queues) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues("batch").Set(float64(q.Batch))
	m.depth.WithLabelValues("retry").Set(float64(q.Retry))
	m.depth.WithLabelValues("local").Set(float64(q.Local))
	m.depth.WithLabelValues("abandoned").Set(float64(q.Abandoned))
}
