// Package metrics exposes orchestrator counters and histograms through a
// per-instance Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ir-orchestrator/internal/model"
)

const namespace = "ir"

// Metrics holds the orchestrator's collectors.
type Metrics struct {
	registry *prometheus.Registry

	incidents       *prometheus.CounterVec
	contained       *prometheus.CounterVec
	containmentTime prometheus.Histogram
	slaViolations   prometheus.Counter
	escalations     *prometheus.CounterVec
	executions      *prometheus.CounterVec
	execDuration    *prometheus.HistogramVec
	effectiveness   prometheus.Histogram
	activeResponses prometheus.Gauge
	queueDepth      prometheus.Gauge
	intakeRejected  *prometheus.CounterVec
}

// New creates the collectors on a fresh registry. Go runtime and process
// collectors are included when withRuntime is set.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		registry: reg,
		incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_total",
			Help:      "Incidents accepted for response.",
		}, []string{"severity"}),
		contained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contained_total",
			Help:      "Incidents that reached containment, by whether the SLA budget was met.",
		}, []string{"within_sla"}),
		containmentTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "containment_seconds",
			Help:      "Detection to containment time.",
			Buckets:   []float64{1, 5, 10, 20, 30, 45, 60, 90, 120, 300, 900},
		}),
		slaViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sla_violations_total",
			Help:      "Incidents not contained within the containment budget.",
		}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation rounds started.",
		}, []string{"reason"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Action executions by tool, action and final status.",
		}, []string{"tool", "action", "status"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of action executions including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"action"}),
		effectiveness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "effectiveness_score",
			Help:      "Effectiveness scores of closed responses.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		activeResponses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_responses",
			Help:      "Responses not yet closed.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "intake_queue_depth",
			Help:      "Incidents waiting for a response worker.",
		}),
		intakeRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intake_rejected_total",
			Help:      "Incidents rejected at intake.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.incidents,
		m.contained,
		m.containmentTime,
		m.slaViolations,
		m.escalations,
		m.executions,
		m.execDuration,
		m.effectiveness,
		m.activeResponses,
		m.queueDepth,
		m.intakeRejected,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (m *Metrics) IncidentAccepted(sev model.Severity) {
	m.incidents.WithLabelValues(string(sev)).Inc()
	m.activeResponses.Inc()
}

func (m *Metrics) IncidentClosed() { m.activeResponses.Dec() }

// Contained records one containment and whether it met budget.
func (m *Metrics) Contained(elapsed, budget time.Duration) {
	within := "true"
	if elapsed > budget {
		within = "false"
	}
	m.contained.WithLabelValues(within).Inc()
	m.containmentTime.Observe(elapsed.Seconds())
}

func (m *Metrics) SLAViolated() { m.slaViolations.Inc() }

func (m *Metrics) Escalated(reason model.EscalationReason) {
	m.escalations.WithLabelValues(string(reason)).Inc()
}

// Executions records the final status and duration of each execution.
func (m *Metrics) Executions(execs []model.ResponseExecution) {
	for i := range execs {
		ex := &execs[i]
		tool := ex.Action.ToolID
		if tool == "" {
			tool = "none"
		}
		m.executions.WithLabelValues(tool, string(ex.Action.Kind), string(ex.Status)).Inc()
		if ex.Status != model.ExecutionSkipped {
			m.execDuration.WithLabelValues(string(ex.Action.Kind)).Observe(ex.Elapsed.Seconds())
		}
	}
}

func (m *Metrics) Effectiveness(score float64) { m.effectiveness.Observe(score) }

func (m *Metrics) QueueDepth(n int) { m.queueDepth.Set(float64(n)) }

func (m *Metrics) IntakeRejected(reason string) {
	m.intakeRejected.WithLabelValues(reason).Inc()
}
