package prover

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for proof generation.
type Metrics struct {
	Attempts        *prometheus.CounterVec
	Generated       *prometheus.CounterVec
	Failures        *prometheus.CounterVec
	Fallbacks       prometheus.Counter
	GenerationTime  *prometheus.HistogramVec
	LocalVerifyFail prometheus.Counter
}

// NewMetrics registers prover metrics with reg. A nil reg yields unregistered
// collectors, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mosaic",
				Subsystem: "prover",
				Name:      "attempts_total",
				Help:      "Total proof generation attempts",
			},
			[]string{"provider"},
		),
		Generated: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mosaic",
				Subsystem: "prover",
				Name:      "proofs_generated_total",
				Help:      "Total fresh proofs generated",
			},
			[]string{"provider", "verified"},
		),
		Failures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mosaic",
				Subsystem: "prover",
				Name:      "failures_total",
				Help:      "Total proof generation failures",
			},
			[]string{"provider", "reason"},
		),
		Fallbacks: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mosaic",
				Subsystem: "prover",
				Name:      "fallbacks_total",
				Help:      "Total degraded fallback artifacts issued",
			},
		),
		GenerationTime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mosaic",
				Subsystem: "prover",
				Name:      "generation_seconds",
				Help:      "Proof generation time in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),
		LocalVerifyFail: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mosaic",
				Subsystem: "prover",
				Name:      "local_verification_failures_total",
				Help:      "Fresh proofs rejected by local verification",
			},
		),
	}
}
