package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"codor/internal/domain"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
//
// Metrics:
//   - codor_tasks_total{status}
//   - codor_actions_total{type,outcome}
//   - codor_action_duration_seconds{type}
//   - codor_failure_analyses_total{analyzer,category}
//   - codor_debt_items_total{category,severity}
//   - codor_evidence_writes_total{kind}
//   - codor_plugins_loaded{kind}
type Metrics struct {
	TasksTotal     *prometheus.CounterVec
	ActionsTotal   *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
	AnalysesTotal  *prometheus.CounterVec
	DebtItemsTotal *prometheus.CounterVec
	EvidenceWrites *prometheus.CounterVec
	PluginsLoaded  *prometheus.GaugeVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TasksTotal: f.NewCounterVec(
			prometheus.CounterOpts{Name: "codor_tasks_total", Help: "Tasks finished, by final status"},
			[]string{"status"},
		),
		ActionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{Name: "codor_actions_total", Help: "Actions executed, by type and outcome"},
			[]string{"type", "outcome"}, // "success", "failure" or "timeout"
		),
		ActionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codor_action_duration_seconds",
				Help:    "Action execution time in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"type"},
		),
		AnalysesTotal: f.NewCounterVec(
			prometheus.CounterOpts{Name: "codor_failure_analyses_total", Help: "Failure analysis results, by analyzer and category"},
			[]string{"analyzer", "category"},
		),
		DebtItemsTotal: f.NewCounterVec(
			prometheus.CounterOpts{Name: "codor_debt_items_total", Help: "Technical debt items, by category and severity"},
			[]string{"category", "severity"},
		),
		EvidenceWrites: f.NewCounterVec(
			prometheus.CounterOpts{Name: "codor_evidence_writes_total", Help: "Evidence files written, by kind"},
			[]string{"kind"},
		),
		PluginsLoaded: f.NewGaugeVec(
			prometheus.GaugeOpts{Name: "codor_plugins_loaded", Help: "Plugins registered, by kind"},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) ObserveAction(ar domain.ActionResult) {
	if m == nil {
		return
	}
	outcome := "success"
	switch {
	case ar.TimedOut:
		outcome = "timeout"
	case !ar.Success:
		outcome = "failure"
	}
	m.ActionsTotal.WithLabelValues(ar.Type, outcome).Inc()
	m.ActionDuration.WithLabelValues(ar.Type).Observe((time.Duration(ar.DurationMS) * time.Millisecond).Seconds())
}

func (m *Metrics) ObserveTask(tr domain.TaskResult) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(string(tr.Status)).Inc()
	for _, fa := range tr.FailureAnalysis {
		m.AnalysesTotal.WithLabelValues(fa.Analyzer, fa.Category).Inc()
	}
	for _, d := range tr.TechnicalDebt {
		m.DebtItemsTotal.WithLabelValues(d.Category, string(d.Severity)).Inc()
	}
}

func (m *Metrics) EvidenceWritten(kind string) {
	if m == nil {
		return
	}
	m.EvidenceWrites.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetPlugins(kind string, n int) {
	if m == nil {
		return
	}
	m.PluginsLoaded.WithLabelValues(kind).Set(float64(n))
}
