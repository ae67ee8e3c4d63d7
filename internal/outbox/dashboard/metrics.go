package dashboard

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/daemon"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/dispatch"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
)

const namespace = "goatleta_outbox"

// Metrics records orchestrator activity as Prometheus metrics. It implements
// daemon.Recorder.
type Metrics struct {
	dispatches  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	passes      *prometheus.CounterVec
	pending     prometheus.Gauge
	escalations prometheus.Gauge
	paused      *prometheus.GaugeVec
	syncing     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Dispatch attempts by outcome and failure class.",
		}, []string{"outcome", "class"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of one dispatch, backend call included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_passes_total",
			Help:      "Drain passes by how they ended.",
		}, []string{"result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_writes",
			Help:      "Writes in the queue, failed ones included.",
		}),
		escalations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backoff_escalations",
			Help:      "Current session backoff attempt number.",
		}),
		paused: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "paused",
			Help:      "1 while the queue is paused for the given reason.",
		}, []string{"reason"}),
		syncing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "syncing",
			Help:      "1 while a drain pass runs.",
		}),
	}
	reg.MustRegister(m.dispatches, m.duration, m.passes, m.pending, m.escalations, m.paused, m.syncing)
	return m
}

// ObserveDispatch implements daemon.Recorder.
func (m *Metrics) ObserveDispatch(out dispatch.Outcome) {
	class := string(out.Class)
	if class == "" {
		class = "none"
	}
	m.dispatches.WithLabelValues(string(out.Kind), class).Inc()
	m.duration.WithLabelValues(string(out.Kind)).Observe(out.Duration.Seconds())
}

// ObservePass implements daemon.Recorder.
func (m *Metrics) ObservePass(res daemon.DrainResult) {
	result := "drained"
	switch {
	case res.Skipped:
		result = "skipped"
	case res.Paused != schema.PauseNone:
		result = "paused"
	case res.StoreErrors > 0:
		result = "store_error"
	case res.Remaining > 0:
		result = "partial"
	}
	m.passes.WithLabelValues(result).Inc()
}

// ObserveStatus implements daemon.Recorder.
func (m *Metrics) ObserveStatus(s daemon.SyncStatus) {
	m.pending.Set(float64(s.PendingCount))
	m.escalations.Set(float64(s.Escalations))
	m.syncing.Set(boolGauge(s.Syncing))
	for _, r := range []schema.PauseReason{schema.PauseAuth, schema.PausePermission, schema.PauseOrgSwitch} {
		m.paused.WithLabelValues(string(r)).Set(boolGauge(s.PausedReason == r))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
