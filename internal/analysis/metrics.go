package analysis

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"killchain-advisor/internal/decision"
)

// Metrics holds the Prometheus collectors for pipeline runs.
type Metrics struct {
	RunsTotal        prometheus.Counter
	DegradedTotal    prometheus.Counter
	RunDuration      prometheus.Histogram
	Campaigns        prometheus.Gauge
	Edges            prometheus.Gauge
	LateralFindings  prometheus.Gauge
	CriticalDecision prometheus.Gauge
}

// NewMetrics registers the pipeline collectors with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "advisor_pipeline_runs_total",
			Help: "Total number of analysis pipeline runs",
		}),
		DegradedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "advisor_pipeline_degraded_total",
			Help: "Total number of runs that fell back to empty store data",
		}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "advisor_pipeline_duration_seconds",
			Help:    "Duration of analysis pipeline runs",
			Buckets: prometheus.DefBuckets,
		}),
		Campaigns: f.NewGauge(prometheus.GaugeOpts{
			Name: "advisor_campaigns",
			Help: "Number of campaigns in the latest report",
		}),
		Edges: f.NewGauge(prometheus.GaugeOpts{
			Name: "advisor_correlation_edges",
			Help: "Number of correlation edges in the latest report",
		}),
		LateralFindings: f.NewGauge(prometheus.GaugeOpts{
			Name: "advisor_lateral_findings",
			Help: "Number of lateral movement findings in the latest report",
		}),
		CriticalDecision: f.NewGauge(prometheus.GaugeOpts{
			Name: "advisor_critical_recommendations",
			Help: "Number of CRITICAL recommendations in the latest report",
		}),
	}
}

func (m *Metrics) observe(r *Report, seconds float64) {
	if m == nil {
		return
	}
	m.RunsTotal.Inc()
	m.RunDuration.Observe(seconds)
	if r.Degraded {
		m.DegradedTotal.Inc()
	}
	m.Campaigns.Set(float64(len(r.Index.Campaigns)))
	m.Edges.Set(float64(len(r.Index.Edges)))
	m.LateralFindings.Set(float64(len(r.Index.Lateral)))
	critical := 0
	for _, d := range r.Decisions {
		if d.Priority == decision.PriorityCritical {
			critical++
		}
	}
	m.CriticalDecision.Set(float64(critical))
}
