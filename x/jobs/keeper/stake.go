package keeper

import (
	"context"
	"sync"

	"cosmossdk.io/math"

	"github.com/paw-chain/mosaic/x/jobs/types"
)

// workerLock returns the read-modify-write mutex of a worker's stake.
func (k *Keeper) workerLock(worker string) *sync.Mutex {
	k.stakeMu.Lock()
	defer k.stakeMu.Unlock()
	mu, ok := k.stakeLocks[worker]
	if !ok {
		mu = &sync.Mutex{}
		k.stakeLocks[worker] = mu
	}
	return mu
}

// GetStake returns a worker's stake; unknown workers have zero stake.
func (k *Keeper) GetStake(worker string) types.WorkerStake {
	k.stakeMu.Lock()
	defer k.stakeMu.Unlock()
	if s, ok := k.stakes[worker]; ok {
		return s
	}
	return types.WorkerStake{Worker: worker, Amount: math.ZeroInt(), Slashed: math.ZeroInt()}
}

func (k *Keeper) setStake(s types.WorkerStake) {
	k.stakeMu.Lock()
	defer k.stakeMu.Unlock()
	k.stakes[s.Worker] = s
}

// DepositStake bonds amount of the stake denom from worker into the stake pool.
func (k *Keeper) DepositStake(ctx context.Context, worker string, amount math.Int) (types.WorkerStake, error) {
	if worker == "" {
		return types.WorkerStake{}, types.ErrUnauthorized.Wrap("worker address is required")
	}
	if amount.IsNil() || !amount.IsPositive() {
		return types.WorkerStake{}, types.ErrInvalidPayment.Wrap("stake deposit must be positive")
	}
	mu := k.workerLock(worker)
	mu.Lock()
	defer mu.Unlock()

	if err := k.bank.Send(ctx, worker, types.StakePoolAccount, k.params.StakeDenom, amount); err != nil {
		return types.WorkerStake{}, err
	}
	s := k.GetStake(worker)
	s.Amount = s.Amount.Add(amount)
	s.UpdatedAt = k.clock()
	k.setStake(s)
	k.logger.Info("stake deposited", "worker", worker, "amount", amount.String(), "total", s.Amount.String())
	return s, nil
}

// WithdrawStake returns stake to a worker that has no committed or submitted jobs.
func (k *Keeper) WithdrawStake(ctx context.Context, worker string, amount math.Int) (types.WorkerStake, error) {
	if amount.IsNil() || !amount.IsPositive() {
		return types.WorkerStake{}, types.ErrInvalidPayment.Wrap("withdrawal must be positive")
	}
	mu := k.workerLock(worker)
	mu.Lock()
	defer mu.Unlock()

	for _, job := range k.JobsByWorker(worker) {
		if st := job.Status(); st == types.StatusCommitted || st == types.StatusSubmitted {
			return types.WorkerStake{}, types.WrapWithRecovery(types.ErrStakeLocked, "job %s is %s", job.ID, st)
		}
	}

	s := k.GetStake(worker)
	if s.Amount.LT(amount) {
		return types.WorkerStake{}, types.ErrInsufficientStake.Wrapf("stake %s is less than %s", s.Amount, amount)
	}
	if err := k.bank.Send(ctx, types.StakePoolAccount, worker, k.params.StakeDenom, amount); err != nil {
		return types.WorkerStake{}, err
	}
	s.Amount = s.Amount.Sub(amount)
	s.UpdatedAt = k.clock()
	k.setStake(s)
	return s, nil
}

// Slash forfeits SlashPercentage of a worker's stake to the treasury and
// returns the amount taken.
func (k *Keeper) Slash(ctx context.Context, worker, jobID, reason string) (math.Int, error) {
	mu := k.workerLock(worker)
	mu.Lock()
	defer mu.Unlock()

	s := k.GetStake(worker)
	amount := k.params.SlashAmount(s.Amount)
	if !amount.IsPositive() {
		return math.ZeroInt(), nil
	}
	if err := k.bank.Send(ctx, types.StakePoolAccount, types.TreasuryAccount, k.params.StakeDenom, amount); err != nil {
		return math.ZeroInt(), err
	}
	s.Amount = s.Amount.Sub(amount)
	s.Slashed = s.Slashed.Add(amount)
	s.UpdatedAt = k.clock()
	k.setStake(s)

	k.metrics.StakeSlashed.Add(toFloat(amount))
	k.logger.Info("worker slashed", "worker", worker, "job_id", jobID, "amount", amount.String(), "reason", reason)
	k.sink.Emit(types.Event{
		ID:    newEventID(),
		Type:  types.EventSlashed,
		JobID: jobID,
		Attributes: map[string]string{
			types.AttributeKeyWorker: worker,
			types.AttributeKeyAmount: amount.String(),
			types.AttributeKeyReason: reason,
		},
		Time: k.clock(),
	})
	return amount, nil
}

// slashOrReport slashes worker for job and reports a failed slash as an
// error event so the missed penalty is visible outside the log.
func (k *Keeper) slashOrReport(ctx context.Context, job *types.Job, worker, reason string) (math.Int, error) {
	slashed, err := k.Slash(ctx, worker, job.ID, reason)
	if err == nil {
		return slashed, nil
	}
	k.logger.Error("failed to slash worker", "job_id", job.ID, "worker", worker, "error", err)
	k.emit(types.EventError, job,
		types.AttributeKeyWorker, worker,
		types.AttributeKeyReason, "slash failed: "+err.Error(),
	)
	return math.ZeroInt(), err
}

func toFloat(v math.Int) float64 {
	f, err := math.LegacyNewDecFromInt(v).Float64()
	if err != nil {
		return 0
	}
	return f
}
