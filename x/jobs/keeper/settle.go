package keeper

import (
	"context"
	"time"

	"cosmossdk.io/math"

	"github.com/paw-chain/mosaic/x/jobs/types"
)

// payout releases workerShare of the escrow to the committed worker and
// refunds the remainder to the payer.
func (k *Keeper) payout(ctx context.Context, job *types.Job, kind types.SettlementKind, workerShare math.Int, now time.Time) (types.Settlement, error) {
	if workerShare.GT(job.Payment) {
		workerShare = job.Payment
	}
	rest := job.Payment.Sub(workerShare)
	if err := k.bank.Send(ctx, types.EscrowAccount, job.Worker(), job.Token, workerShare); err != nil {
		return types.Settlement{}, err
	}
	if err := k.bank.Send(ctx, types.EscrowAccount, job.Payer, job.Token, rest); err != nil {
		return types.Settlement{}, err
	}
	return types.Settlement{
		Kind:         kind,
		WorkerPayout: workerShare,
		PayerRefund:  rest,
		Slashed:      math.ZeroInt(),
		SettledAt:    now,
	}, nil
}

// refund returns the whole escrow to the payer.
func (k *Keeper) refund(ctx context.Context, job *types.Job, kind types.SettlementKind, now time.Time) (types.Settlement, error) {
	if err := k.bank.Send(ctx, types.EscrowAccount, job.Payer, job.Token, job.Payment); err != nil {
		return types.Settlement{}, err
	}
	return types.Settlement{
		Kind:         kind,
		WorkerPayout: math.ZeroInt(),
		PayerRefund:  job.Payment,
		Slashed:      math.ZeroInt(),
		SettledAt:    now,
	}, nil
}

func (k *Keeper) recordSettlement(s types.Settlement) {
	k.metrics.Settlements.WithLabelValues(string(s.Kind)).Inc()
	k.metrics.WorkerPayouts.Add(toFloat(s.WorkerPayout))
	k.metrics.PayerRefunds.Add(toFloat(s.PayerRefund))
}
