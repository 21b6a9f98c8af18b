package infer

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "infer",
			Name:      "requests_total",
			Help:      "Inference requests by model and operation.",
		},
		[]string{"model", "op"},
	)

	tokensGeneratedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "infer",
			Name:      "tokens_generated_total",
			Help:      "Completion tokens generated by model.",
		},
		[]string{"model"},
	)

	loadedModels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "infer",
			Name:      "loaded_models",
			Help:      "Currently loaded models.",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, tokensGeneratedTotal, loadedModels)
}
