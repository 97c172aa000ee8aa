package metrics

import "github.com/prometheus/client_golang/prometheus"

// Inference Prometheus metrics.
var (
	InferenceRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paygent",
			Name:      "inference_requests_total",
			Help:      "Total number of inference requests",
		},
		[]string{"model", "status"},
	)

	InferenceRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paygent",
			Name:      "inference_request_duration_seconds",
			Help:      "Inference request duration in seconds, streaming included",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	InferenceTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paygent",
			Name:      "inference_tokens_total",
			Help:      "Total tokens reported by the inference endpoint",
		},
		[]string{"model"},
	)
)

// RegisterInferenceMetrics registers inference metrics explicitly (no init()).
func RegisterInferenceMetrics() {
	prometheus.MustRegister(
		InferenceRequestsTotal,
		InferenceRequestDuration,
		InferenceTokensTotal,
	)
}
