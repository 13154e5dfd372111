package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RulesMetrics is the domain instrumentation shared by engines and the
// dispatcher. A nil *RulesMetrics is valid and records nothing, which keeps
// tests free of registry setup.
type RulesMetrics struct {
	factCount        *prometheus.GaugeVec
	firingDuration   *prometheus.HistogramVec
	rulesTriggered   *prometheus.CounterVec
	deploymentStatus *prometheus.GaugeVec
	geofenceBatches  prometheus.Counter
	engineCount      prometheus.Gauge
}

// NewRulesMetrics creates and registers the rules metrics.
func NewRulesMetrics(r *Registry) *RulesMetrics {
	m := &RulesMetrics{
		factCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rules_engine_facts",
			Help: "State facts currently held per engine scope.",
		}, []string{"scope"}),
		firingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rules_engine_fire_duration_seconds",
			Help:    "Duration of one fire cycle.",
			Buckets: prometheus.DefBuckets,
		}, []string{"scope"}),
		rulesTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rules_engine_rules_triggered_total",
			Help: "Rule firings per engine scope.",
		}, []string{"scope"}),
		deploymentStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rules_engine_deployments",
			Help: "Deployments per scope and status.",
		}, []string{"scope", "status"}),
		geofenceBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rules_geofence_batches_total",
			Help: "Geofence change batches handed to adapters.",
		}),
		engineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rules_engines",
			Help: "Engines currently known to the dispatcher.",
		}),
	}
	r.MustRegister(
		m.factCount,
		m.firingDuration,
		m.rulesTriggered,
		m.deploymentStatus,
		m.geofenceBatches,
		m.engineCount,
	)
	return m
}

// ObserveFire records the outcome of one fire cycle.
func (m *RulesMetrics) ObserveFire(scope string, d time.Duration, triggered int, factCount int) {
	if m == nil {
		return
	}
	m.firingDuration.WithLabelValues(scope).Observe(d.Seconds())
	m.rulesTriggered.WithLabelValues(scope).Add(float64(triggered))
	m.factCount.WithLabelValues(scope).Set(float64(factCount))
}

// SetDeploymentStatus tracks how many deployments a scope holds per status.
func (m *RulesMetrics) SetDeploymentStatus(scope, status string, n int) {
	if m == nil {
		return
	}
	m.deploymentStatus.WithLabelValues(scope, status).Set(float64(n))
}

// DropScope removes the series of a destroyed engine.
func (m *RulesMetrics) DropScope(scope string) {
	if m == nil {
		return
	}
	m.factCount.DeleteLabelValues(scope)
	m.firingDuration.DeleteLabelValues(scope)
	m.rulesTriggered.DeleteLabelValues(scope)
	m.deploymentStatus.DeletePartialMatch(prometheus.Labels{"scope": scope})
}

// GeofenceBatch counts one geofence batch.
func (m *RulesMetrics) GeofenceBatch() {
	if m == nil {
		return
	}
	m.geofenceBatches.Inc()
}

// SetEngineCount records the dispatcher's engine count.
func (m *RulesMetrics) SetEngineCount(n int) {
	if m == nil {
		return
	}
	m.engineCount.Set(float64(n))
}
