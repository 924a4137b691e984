// Package observability exposes Prometheus instruments for the core loop,
// tool pipeline, and guard decisions.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument the core records. A nil *Metrics is safe
// to call; all methods no-op.
type Metrics struct {
	turnsTotal        *prometheus.CounterVec
	turnDuration      prometheus.Histogram
	toolCallsTotal    *prometheus.CounterVec
	toolDuration      *prometheus.HistogramVec
	guardDenialsTotal *prometheus.CounterVec
	approvalsTotal    *prometheus.CounterVec
	secretFindings    *prometheus.CounterVec
	scoutRunsTotal    *prometheus.CounterVec
	queueDepth        prometheus.Gauge
}

// New registers all instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "turns_total",
			Help:      "Completed conversation turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "warden",
			Name:      "turn_duration_seconds",
			Help:      "End-to-end turn latency.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Name:      "tool_duration_seconds",
			Help:      "Tool execution latency by tool.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"tool"}),
		guardDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "guard_denials_total",
			Help:      "Network guard denials by reason class.",
		}, []string{"reason"}),
		approvalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "approvals_total",
			Help:      "Approval outcomes.",
		}, []string{"outcome"}),
		secretFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "secret_findings_total",
			Help:      "Secret detector findings by confidence.",
		}, []string{"confidence"}),
		scoutRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "scout_runs_total",
			Help:      "Scout executions by scout and outcome.",
		}, []string{"scout", "outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "message_queue_depth",
			Help:      "Messages waiting behind the active turn.",
		}),
	}
	reg.MustRegister(
		m.turnsTotal, m.turnDuration, m.toolCallsTotal, m.toolDuration,
		m.guardDenialsTotal, m.approvalsTotal, m.secretFindings,
		m.scoutRunsTotal, m.queueDepth,
	)
	return m
}

// ObserveTurn records one finished turn.
func (m *Metrics) ObserveTurn(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(seconds)
}

// ObserveToolCall records one tool invocation.
func (m *Metrics) ObserveToolCall(tool, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(seconds)
}

// ObserveGuardDenial records a blocked outbound request.
func (m *Metrics) ObserveGuardDenial(reason string) {
	if m == nil {
		return
	}
	m.guardDenialsTotal.WithLabelValues(reason).Inc()
}

// ObserveApproval records an approval outcome.
func (m *Metrics) ObserveApproval(outcome string) {
	if m == nil {
		return
	}
	m.approvalsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSecretFindings records detector hits by confidence tier.
func (m *Metrics) ObserveSecretFindings(confidence string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.secretFindings.WithLabelValues(confidence).Add(float64(n))
}

// ObserveScoutRun records one scout execution.
func (m *Metrics) ObserveScoutRun(scout, outcome string) {
	if m == nil {
		return
	}
	m.scoutRunsTotal.WithLabelValues(scout, outcome).Inc()
}

// SetQueueDepth tracks the orchestrator's pending queue.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
