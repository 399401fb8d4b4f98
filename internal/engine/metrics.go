package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	Submissions       *prometheus.CounterVec
	Renders           *prometheus.CounterVec
	RenderDuration    *prometheus.HistogramVec
	RenderProblems    *prometheus.CounterVec
	SignatureCaptures *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "folio",
			Name:      "submissions_total",
			Help:      "Save and transition requests by document type, action and outcome.",
		}, []string{"doc_type", "action", "outcome"}),
		Renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "folio",
			Name:      "renders_total",
			Help:      "Artifact renders by document type and outcome.",
		}, []string{"doc_type", "outcome"}),
		RenderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "folio",
			Name:      "render_duration_seconds",
			Help:      "Time spent rendering and publishing an artifact.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"doc_type"}),
		RenderProblems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "folio",
			Name:      "render_problems_total",
			Help:      "Template elements that could not be drawn, by kind.",
		}, []string{"kind"}),
		SignatureCaptures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "folio",
			Name:      "signature_captures_total",
			Help:      "Signature images captured or rejected.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.Submissions, m.Renders, m.RenderDuration, m.RenderProblems, m.SignatureCaptures)
	return m
}
