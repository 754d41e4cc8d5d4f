package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Operating mode
	OperatingMode   *prometheus.GaugeVec // 1 for the current mode, 0 otherwise
	ModeTransitions *prometheus.CounterVec

	// Region health
	RegionHealth *prometheus.GaugeVec // 0 healthy, 1 degraded, 2 unhealthy
	ProbeSamples *prometheus.CounterVec

	// Replication lag
	ReplicationLag *prometheus.GaugeVec
	LagStale       *prometheus.GaugeVec
	WorstLag       prometheus.Gauge

	// Cutover plans
	PlansTotal     *prometheus.CounterVec
	PlanStepsTotal *prometheus.CounterVec
	PlanDuration   *prometheus.HistogramVec

	// Workflow reconciliation
	ReconciledWorkflows *prometheus.CounterVec
	ManualQueueSize     prometheus.Gauge

	// Alerting
	AlertsTotal *prometheus.CounterVec
}

// New creates and registers Prometheus metrics
func New() *Metrics {
	return &Metrics{
		OperatingMode: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_operating_mode",
				Help: "Current operating mode (1 for the active mode)",
			},
			[]string{"mode"},
		),

		ModeTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_mode_transitions_total",
				Help: "Total number of operating mode transitions",
			},
			[]string{"from", "to"},
		),

		RegionHealth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_region_health",
				Help: "Aggregated region health (0 healthy, 1 degraded, 2 unhealthy)",
			},
			[]string{"region"},
		),

		ProbeSamples: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_probe_samples_total",
				Help: "Total number of health probe samples",
			},
			[]string{"region", "probe", "result"},
		),

		ReplicationLag: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_replication_lag_seconds",
				Help: "Current replication lag per store",
			},
			[]string{"store"},
		),

		LagStale: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_replication_lag_stale",
				Help: "Whether the lag estimate for a store is stale (1 stale)",
			},
			[]string{"store"},
		),

		WorstLag: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_worst_replication_lag_seconds",
				Help: "Worst replication lag across all tracked stores",
			},
		),

		PlansTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_cutover_plans_total",
				Help: "Total number of cutover plans by outcome",
			},
			[]string{"outcome"},
		),

		PlanStepsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_cutover_plan_steps_total",
				Help: "Total number of executed cutover plan steps",
			},
			[]string{"step", "status"},
		),

		PlanDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_cutover_plan_duration_seconds",
				Help:    "Duration of cutover plan execution",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"outcome"},
		),

		ReconciledWorkflows: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_reconciled_workflows_total",
				Help: "Total number of workflows processed during reconciliation",
			},
			[]string{"result"},
		),

		ManualQueueSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_manual_reconciliation_queue_size",
				Help: "Number of workflows awaiting manual reconciliation",
			},
		),

		AlertsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_alerts_total",
				Help: "Total number of alerts emitted",
			},
			[]string{"severity"},
		),
	}
}

// SetMode marks the given mode as current and clears all others
func (m *Metrics) SetMode(mode string, all []string) {
	for _, candidate := range all {
		value := 0.0
		if candidate == mode {
			value = 1.0
		}
		m.OperatingMode.WithLabelValues(candidate).Set(value)
	}
}

// RecordTransition records a mode transition
func (m *Metrics) RecordTransition(from, to string) {
	m.ModeTransitions.WithLabelValues(from, to).Inc()
}

// RecordProbeSample records a probe sample result
func (m *Metrics) RecordProbeSample(region, probe string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.ProbeSamples.WithLabelValues(region, probe, result).Inc()
}

// SetRegionHealth records the aggregated health of a region
func (m *Metrics) SetRegionHealth(region string, level float64) {
	m.RegionHealth.WithLabelValues(region).Set(level)
}

// RecordLag records the current lag estimate for a store
func (m *Metrics) RecordLag(store string, lag time.Duration, stale bool) {
	m.ReplicationLag.WithLabelValues(store).Set(lag.Seconds())
	staleValue := 0.0
	if stale {
		staleValue = 1.0
	}
	m.LagStale.WithLabelValues(store).Set(staleValue)
}

// RecordPlan records a finished cutover plan
func (m *Metrics) RecordPlan(outcome string, duration time.Duration) {
	m.PlansTotal.WithLabelValues(outcome).Inc()
	m.PlanDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordPlanStep records an executed plan step
func (m *Metrics) RecordPlanStep(step, status string) {
	m.PlanStepsTotal.WithLabelValues(step, status).Inc()
}

// RecordReconciledWorkflow records a workflow reconciliation result
func (m *Metrics) RecordReconciledWorkflow(result string) {
	m.ReconciledWorkflows.WithLabelValues(result).Inc()
}

// RecordAlert records an emitted alert
func (m *Metrics) RecordAlert(severity string) {
	m.AlertsTotal.WithLabelValues(severity).Inc()
}
