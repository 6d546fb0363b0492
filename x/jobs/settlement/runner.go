package settlement

import (
	"context"
	"time"

	"cosmossdk.io/log"

	"github.com/paw-chain/mosaic/x/jobs/keeper"
)

// Runner runs the ledger sweeps on a fixed interval: deadline expiry, refund
// release, optimistic finalization and archival.
type Runner struct {
	keeper   *keeper.Keeper
	gate     *keeper.Gate
	interval time.Duration
	logger   log.Logger
}

// NewRunner creates a sweep runner.
func NewRunner(k *keeper.Keeper, interval time.Duration, logger log.Logger) *Runner {
	if interval <= 0 {
		interval = time.Second
	}
	return &Runner{
		keeper:   k,
		gate:     keeper.NewGate(k),
		interval: interval,
		logger:   logger.With("module", "x/jobs/sweeper"),
	}
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Expired   int
	Refunded  int
	Finalized int
	Pruned    int
}

// Sweep runs every sweep once. A failing sweep is logged and does not stop
// the others.
func (r *Runner) Sweep(ctx context.Context) SweepResult {
	var res SweepResult

	expired, err := r.keeper.ExpireOverdue(ctx)
	if err != nil {
		r.logger.Error("expiry sweep failed", "error", err)
	}
	res.Expired = len(expired)

	refunded, err := r.keeper.ProcessRefunds(ctx)
	if err != nil {
		r.logger.Error("refund sweep failed", "error", err)
	}
	res.Refunded = len(refunded)

	if r.keeper.Params().OptimisticMode {
		finalized, err := r.gate.FinalizeOptimistic(ctx)
		if err != nil {
			r.logger.Error("optimistic finalization failed", "error", err)
		}
		res.Finalized = len(finalized)
	}

	pruned, err := r.keeper.Prune(ctx)
	if err != nil {
		r.logger.Error("archive sweep failed", "error", err)
	}
	res.Pruned = pruned

	if res != (SweepResult{}) {
		r.logger.Info("sweep complete",
			"expired", res.Expired,
			"refunded", res.Refunded,
			"finalized", res.Finalized,
			"pruned", res.Pruned,
		)
	}
	return res
}

// Run sweeps until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("starting sweeper", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
