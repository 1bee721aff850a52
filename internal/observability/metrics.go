package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "latex_ocr"

// Metrics holds the Prometheus collectors for extraction runs. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal          *prometheus.CounterVec
	IterationsTotal    *prometheus.CounterVec
	RenderStagesTotal  *prometheus.CounterVec
	VisionCallDuration *prometheus.HistogramVec
	SimilarityScore    prometheus.Histogram
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_total",
			Help:      "Extraction runs by terminal status.",
		}, []string{"status"}),
		IterationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "iterations_total",
			Help:      "Loop iterations by outcome (scored or error tag).",
		}, []string{"outcome"}),
		RenderStagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "render_stage_total",
			Help:      "Rendered images by producing stage.",
		}, []string{"stage"}),
		VisionCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "vision_call_duration_seconds",
			Help:      "Vision model round-trip latency by call kind.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 120},
		}, []string{"kind", "result"}),
		SimilarityScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "similarity_score",
			Help:      "Per-iteration similarity scores.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
	}

	m.registry.MustRegister(
		m.RunsTotal,
		m.IterationsTotal,
		m.RenderStagesTotal,
		m.VisionCallDuration,
		m.SimilarityScore,
	)
	return m
}

// Registry exposes the underlying registry as a Gatherer.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRun counts a finished run.
func (m *Metrics) ObserveRun(status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
}

// ObserveIteration counts an iteration outcome and, when scored, its score.
func (m *Metrics) ObserveIteration(outcome string, scored bool, score float64) {
	if m == nil {
		return
	}
	m.IterationsTotal.WithLabelValues(outcome).Inc()
	if scored {
		m.SimilarityScore.Observe(score)
	}
}

// ObserveRender counts the stage that produced an image.
func (m *Metrics) ObserveRender(stage string) {
	if m == nil {
		return
	}
	m.RenderStagesTotal.WithLabelValues(stage).Inc()
}

// ObserveVisionCall records a model round trip.
func (m *Metrics) ObserveVisionCall(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.VisionCallDuration.WithLabelValues(kind, result).Observe(d.Seconds())
}

// WriteTextfile dumps the current metrics in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
