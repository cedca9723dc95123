package replica

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Reconciliation outcomes recorded in metrics.
const (
	reconcileOK      = "ok"
	reconcileTimeout = "timeout"
	reconcileError   = "error"
)

// Metrics holds Prometheus metrics for the replica store.
// A nil *Metrics disables recording.
type Metrics struct {
	deltasApplied   *prometheus.CounterVec // Applied deltas by topic
	deltasStale     *prometheus.CounterVec // Discarded as older than the topic's time
	deltasDropped   prometheus.Counter     // Gave up waiting for the replica
	reconciliations *prometheus.CounterVec // By topic and result
	mergePanics     prometheus.Counter
	sources         *prometheus.GaugeVec // Replicas by state (active/inactive)
}

// NewMetrics creates the store metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		deltasApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmirror",
			Subsystem: "replica",
			Name:      "deltas_applied_total",
			Help:      "Total deltas merged into replicas",
		}, []string{"topic"}),

		deltasStale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmirror",
			Subsystem: "replica",
			Name:      "deltas_stale_total",
			Help:      "Total deltas discarded as older than the last applied delta",
		}, []string{"topic"}),

		deltasDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmirror",
			Subsystem: "replica",
			Name:      "deltas_dropped_total",
			Help:      "Total deltas dropped because the replica did not exist in time",
		}),

		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmirror",
			Subsystem: "replica",
			Name:      "reconciliations_total",
			Help:      "Total checksum mismatch reconciliations by result",
		}, []string{"topic", "result"}),

		mergePanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmirror",
			Subsystem: "replica",
			Name:      "merge_panics_total",
			Help:      "Total deltas whose merge panicked",
		}),

		sources: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowmirror",
			Subsystem: "replica",
			Name:      "sources",
			Help:      "Current number of replicas by state",
		}, []string{"state"}),
	}

	collectors := []prometheus.Collector{
		m.deltasApplied,
		m.deltasStale,
		m.deltasDropped,
		m.reconciliations,
		m.mergePanics,
		m.sources,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register replica metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) applied(topic string) {
	if m != nil {
		m.deltasApplied.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) stale(topic string) {
	if m != nil {
		m.deltasStale.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.deltasDropped.Inc()
	}
}

func (m *Metrics) reconciled(topic, result string) {
	if m != nil {
		m.reconciliations.WithLabelValues(topic, result).Inc()
	}
}

func (m *Metrics) panicked() {
	if m != nil {
		m.mergePanics.Inc()
	}
}

func (m *Metrics) setSources(active, inactive int) {
	if m != nil {
		m.sources.WithLabelValues("active").Set(float64(active))
		m.sources.WithLabelValues("inactive").Set(float64(inactive))
	}
}
