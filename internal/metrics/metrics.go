// Package metrics exposes Prometheus collectors for pipeline runs.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucasnoah/redgreen/internal/events"
)

// Metrics holds the collectors. Each instance owns its registry so tests
// and multiple servers never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal           *prometheus.CounterVec
	RunActive           prometheus.Gauge
	StageExecutions     *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	VerificationsTotal  *prometheus.CounterVec
	VerificationSeconds prometheus.Histogram
	GuardDenials        *prometheus.CounterVec
	AgentTestRuns       *prometheus.CounterVec
	AgentCostUSD        prometheus.Counter
}

// New creates and registers the collectors.
//
// Metrics:
//   - redgreen_runs_total{status}
//   - redgreen_run_active
//   - redgreen_stage_executions_total{stage}
//   - redgreen_stage_duration_seconds{stage}
//   - redgreen_verifications_total{outcome}
//   - redgreen_verification_duration_seconds
//   - redgreen_guard_denials_total{guard}
//   - redgreen_agent_test_runs_total{outcome}
//   - redgreen_agent_cost_usd_total
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "redgreen_runs_total",
			Help: "Pipeline runs by final status",
		}, []string{"status"}),
		RunActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "redgreen_run_active",
			Help: "1 while a pipeline run is in progress",
		}),
		StageExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "redgreen_stage_executions_total",
			Help: "Agent stage executions by stage",
		}, []string{"stage"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redgreen_stage_duration_seconds",
			Help:    "Agent stage execution time",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"stage"}),
		VerificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "redgreen_verifications_total",
			Help: "Independent test verifications by outcome",
		}, []string{"outcome"}),
		VerificationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "redgreen_verification_duration_seconds",
			Help:    "Independent test verification time",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		GuardDenials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "redgreen_guard_denials_total",
			Help: "Agent actions denied by guardrails",
		}, []string{"guard"}),
		AgentTestRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "redgreen_agent_test_runs_total",
			Help: "Test runs the agent performed, by outcome",
		}, []string{"outcome"}),
		AgentCostUSD: f.NewCounter(prometheus.CounterOpts{
			Name: "redgreen_agent_cost_usd_total",
			Help: "Agent cost reported by the CLI",
		}),
	}
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunStarted marks a run as active.
func (m *Metrics) RunStarted() {
	m.RunActive.Set(1)
}

// RunFinished records a run's final status: done, stopped or failed.
func (m *Metrics) RunFinished(status string) {
	m.RunActive.Set(0)
	m.RunsTotal.WithLabelValues(status).Inc()
}

// GuardDenied counts one denial.
func (m *Metrics) GuardDenied(guard string) {
	m.GuardDenials.WithLabelValues(guard).Inc()
}

// AgentTestRun counts one test run seen by the monitor.
func (m *Metrics) AgentTestRun(outcome string) {
	m.AgentTestRuns.WithLabelValues(outcome).Inc()
}

// Observe updates collectors from a bus event.
func (m *Metrics) Observe(ev events.Event) {
	switch ev.Type {
	case events.Result:
		stage := StageKey(stringField(ev.Data, "stage"))
		m.StageExecutions.WithLabelValues(stage).Inc()
		if ms, ok := number(ev.Data["duration"]); ok {
			m.StageDuration.WithLabelValues(stage).Observe((time.Duration(ms) * time.Millisecond).Seconds())
		}
		if cost, ok := parseCost(stringField(ev.Data, "cost")); ok {
			m.AgentCostUSD.Add(cost)
		}
	case events.TestVerify:
		m.VerificationsTotal.WithLabelValues(stringField(ev.Data, "outcome")).Inc()
		if ms, ok := number(ev.Data["duration_ms"]); ok {
			m.VerificationSeconds.Observe(float64(ms) / 1000)
		}
	}
}

// StageKey drops round and attempt suffixes so labels stay bounded:
// "STAGE 4 - REVIEW (round 2/3)" becomes "STAGE 4 - REVIEW" and
// "STAGE 4.2 - RED (fix)" becomes "STAGE 4 - RED".
func StageKey(label string) string {
	if i := strings.Index(label, " ("); i >= 0 {
		label = label[:i]
	}
	head, rest, ok := strings.Cut(label, " - ")
	if !ok {
		return label
	}
	if dot := strings.IndexByte(head, '.'); dot >= 0 {
		head = head[:dot]
	}
	return head + " - " + rest
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func number(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func parseCost(s string) (float64, bool) {
	if !strings.HasPrefix(s, "$") {
		return 0, false
	}
	f, err := strconv.ParseFloat(s[1:], 64)
	return f, err == nil
}
