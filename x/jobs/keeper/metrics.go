package keeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the job ledger
type Metrics struct {
	// Job metrics
	JobsCreated  *prometheus.CounterVec
	Transitions  *prometheus.CounterVec
	JobsByStatus *prometheus.GaugeVec

	// Settlement metrics
	Settlements     *prometheus.CounterVec
	WorkerPayouts   prometheus.Counter
	PayerRefunds    prometheus.Counter
	StakeSlashed    prometheus.Counter
	VerifyDuration  prometheus.Histogram
	DeadlineExpires *prometheus.CounterVec

	// Maintenance metrics
	JobsPruned prometheus.Counter
}

// NewMetrics creates ledger metrics registered with reg (nil for none).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mosaic",
				Subsystem: "jobs",
				Name:      "created_total",
				Help:      "Total jobs created",
			},
			[]string{"model_id"},
		),
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mosaic",
				Subsystem: "jobs",
				Name:      "transitions_total",
				Help:      "Total job state transitions",
			},
			[]string{"from", "to"},
		),
		JobsByStatus: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "mosaic",
				Subsystem: "jobs",
				Name:      "in_status",
				Help:      "Jobs currently held in memory per status",
			},
			[]string{"status"},
		),
		Settlements: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mosaic",
				Subsystem: "jobs",
				Name:      "settlements_total",
				Help:      "Total settlements by kind",
			},
			[]string{"kind"},
		),
		WorkerPayouts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mosaic",
				Subsystem: "jobs",
				Name:      "worker_payout_total",
				Help:      "Total amount released to workers",
			},
		),
		PayerRefunds: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mosaic",
				Subsystem: "jobs",
				Name:      "payer_refund_total",
				Help:      "Total amount refunded to payers",
			},
		),
		StakeSlashed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mosaic",
				Subsystem: "jobs",
				Name:      "stake_slashed_total",
				Help:      "Total worker stake slashed",
			},
		),
		VerifyDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "mosaic",
				Subsystem: "jobs",
				Name:      "verification_seconds",
				Help:      "Local proof verification time in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
		DeadlineExpires: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mosaic",
				Subsystem: "jobs",
				Name:      "expired_total",
				Help:      "Total jobs expired by deadline",
			},
			[]string{"from"},
		),
		JobsPruned: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mosaic",
				Subsystem: "jobs",
				Name:      "pruned_total",
				Help:      "Total terminal jobs archived and removed from memory",
			},
		),
	}
}
