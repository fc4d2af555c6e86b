package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	SamplesIngested   prometheus.Counter
	SamplesRejected   *prometheus.CounterVec
	QueueDropped      prometheus.Counter
	VectorsEmitted    prometheus.Counter
	Predictions       *prometheus.CounterVec
	PredictionLatency prometheus.Histogram
	Transitions       *prometheus.CounterVec
	WorkerFaults      prometheus.Counter
	Authorizations    *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. Pass
// prometheus.NewRegistry() in tests to keep them isolated.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		SamplesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tether_samples_ingested_total",
			Help: "Telemetry samples accepted by the sampler",
		}),
		SamplesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_samples_rejected_total",
			Help: "Telemetry samples rejected by the sampler",
		}, []string{"reason"}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tether_queue_dropped_total",
			Help: "Telemetry samples dropped because a device queue was full",
		}),
		VectorsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tether_feature_vectors_total",
			Help: "Feature vectors emitted by device windows",
		}),
		Predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_predictions_total",
			Help: "Predictions by outcome",
		}, []string{"outcome"}),
		PredictionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tether_prediction_seconds",
			Help:    "Prediction latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_state_transitions_total",
			Help: "Device state transitions",
		}, []string{"from", "to"}),
		WorkerFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tether_worker_faults_total",
			Help: "Panics recovered in device workers",
		}),
		Authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_authorizations_total",
			Help: "Capability authorization decisions",
		}, []string{"result"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.SamplesIngested,
		m.SamplesRejected,
		m.QueueDropped,
		m.VectorsEmitted,
		m.Predictions,
		m.PredictionLatency,
		m.Transitions,
		m.WorkerFaults,
		m.Authorizations,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SampleIngested() {
	if m == nil {
		return
	}
	m.SamplesIngested.Inc()
}

func (m *Metrics) SampleRejected(reason string) {
	if m == nil {
		return
	}
	m.SamplesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) QueueDrop() {
	if m == nil {
		return
	}
	m.QueueDropped.Inc()
}

func (m *Metrics) VectorEmitted() {
	if m == nil {
		return
	}
	m.VectorsEmitted.Inc()
}

// Prediction records one prediction outcome: model, fallback, canceled or error.
func (m *Metrics) Prediction(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Predictions.WithLabelValues(outcome).Inc()
	m.PredictionLatency.Observe(seconds)
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) WorkerFault() {
	if m == nil {
		return
	}
	m.WorkerFaults.Inc()
}

func (m *Metrics) Authorization(allowed bool) {
	if m == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.Authorizations.WithLabelValues(result).Inc()
}
