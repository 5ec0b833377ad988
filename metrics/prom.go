package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics exposes the pipeline counters through a Prometheus registry.
type PromMetrics struct {
	appended      *prometheus.CounterVec
	claimed       prometheus.Counter
	acked         prometheus.Counter
	released      prometheus.Counter
	reclaimed     prometheus.Counter
	allocOK       prometheus.Counter
	allocFailed   prometheus.Counter
	approved      prometheus.Counter
	rejected      prometheus.Counter
	escalated     prometheus.Counter
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	handleLatency prometheus.Histogram
}

// NewPromMetrics registers the pipeline collectors on reg.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		appended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_events_appended_total",
			Help: "Number of events appended to tenant streams",
		}, []string{"kind"}),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_events_claimed_total",
			Help: "Number of events claimed by consumers",
		}),
		acked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_events_acked_total",
			Help: "Number of events acknowledged",
		}),
		released: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_events_released_total",
			Help: "Number of claimed events released back to the group",
		}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_events_reclaimed_total",
			Help: "Number of events reclaimed past the visibility timeout",
		}),
		allocOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_allocations_total",
			Help: "Number of successful task allocations",
		}),
		allocFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_allocation_failures_total",
			Help: "Number of allocation attempts with no eligible worker",
		}),
		approved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_verdicts_approved_total",
			Help: "Number of approved review verdicts",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_verdicts_rejected_total",
			Help: "Number of rejected review verdicts",
		}),
		escalated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_tasks_escalated_total",
			Help: "Number of tasks escalated for manual intervention",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_metadata_cache_hits_total",
			Help: "Number of metadata cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_metadata_cache_misses_total",
			Help: "Number of metadata cache misses",
		}),
		handleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_handle_latency_seconds",
			Help:    "Latency of event handling",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.appended, m.claimed, m.acked, m.released, m.reclaimed,
		m.allocOK, m.allocFailed, m.approved, m.rejected, m.escalated,
		m.cacheHits, m.cacheMisses, m.handleLatency)
	return m
}

func (m *PromMetrics) EventAppended(kind string) {
	m.appended.WithLabelValues(kind).Inc()
}
func (m *PromMetrics) EventsClaimed(n int) {
	m.claimed.Add(float64(n))
}
func (m *PromMetrics) EventAcked() {
	m.acked.Inc()
}
func (m *PromMetrics) EventsReleased(n int) {
	m.released.Add(float64(n))
}
func (m *PromMetrics) EventsReclaimed(n int) {
	m.reclaimed.Add(float64(n))
}
func (m *PromMetrics) AllocationSucceeded() {
	m.allocOK.Inc()
}
func (m *PromMetrics) AllocationFailed() {
	m.allocFailed.Inc()
}
func (m *PromMetrics) VerdictApproved() {
	m.approved.Inc()
}
func (m *PromMetrics) VerdictRejected() {
	m.rejected.Inc()
}
func (m *PromMetrics) TaskEscalated() {
	m.escalated.Inc()
}
func (m *PromMetrics) CacheHit() {
	m.cacheHits.Inc()
}
func (m *PromMetrics) CacheMiss() {
	m.cacheMisses.Inc()
}
func (m *PromMetrics) HandleLatency(d time.Duration) {
	m.handleLatency.Observe(d.Seconds())
}
