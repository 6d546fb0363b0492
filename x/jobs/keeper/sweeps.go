package keeper

import (
	"context"
	"errors"
	"time"

	"github.com/paw-chain/mosaic/x/jobs/archive"
	"github.com/paw-chain/mosaic/x/jobs/types"
)

// ExpireOverdue moves CREATED jobs past their commitment deadline and
// COMMITTED jobs past their submission deadline to EXPIRED.
func (k *Keeper) ExpireOverdue(ctx context.Context) ([]string, error) {
	now, err := k.Now(ctx)
	if err != nil {
		return nil, err
	}
	var expired []string
	for _, job := range k.candidates(types.StatusCreated, types.StatusCommitted) {
		if !overdue(job, now) {
			continue
		}
		mu, cur, err := k.lockJob(job.ID)
		if err != nil {
			continue
		}
		// re-check under the lock; a commit or submit may have won
		if (cur.Status() == types.StatusCreated || cur.Status() == types.StatusCommitted) && overdue(cur, now) {
			if _, err := k.expire(cur, now); err == nil {
				expired = append(expired, cur.ID)
			}
		}
		mu.Unlock()
	}
	if len(expired) > 0 {
		k.logger.Info("expired overdue jobs", "count", len(expired))
	}
	return expired, nil
}

func overdue(job *types.Job, now time.Time) bool {
	switch job.Status() {
	case types.StatusCreated:
		return now.After(job.CommitmentDeadline)
	case types.StatusCommitted:
		return now.After(job.SubmissionDeadline)
	}
	return false
}

func (k *Keeper) candidates(statuses ...types.Status) []*types.Job {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []*types.Job
	for _, job := range k.jobs {
		for _, st := range statuses {
			if job.Status() == st {
				out = append(out, job)
				break
			}
		}
	}
	sortJobs(out)
	return out
}

// ClaimRefund returns the escrow of an EXPIRED job to its payer once the
// refund cooldown has elapsed.
func (k *Keeper) ClaimRefund(ctx context.Context, jobID, payer string) (*types.Job, error) {
	mu, job, err := k.lockJob(jobID)
	if err != nil {
		return nil, err
	}
	defer mu.Unlock()

	if job.Payer != payer {
		return nil, types.ErrUnauthorized.Wrapf("%s is not the payer of %s", payer, jobID)
	}
	return k.claimRefund(ctx, job)
}

// claimRefund settles an expired job. Callers hold the job mutex.
func (k *Keeper) claimRefund(ctx context.Context, job *types.Job) (*types.Job, error) {
	expired, ok := job.State.(types.ExpiredState)
	if !ok {
		return nil, types.ErrInvalidTransition.Wrapf("job %s is %s, not expired", job.ID, job.Status())
	}
	if expired.Refund != nil {
		return nil, types.ErrSettlementAlreadyFinalized.Wrap(job.ID)
	}
	now, err := k.Now(ctx)
	if err != nil {
		return nil, err
	}
	if now.Before(expired.RefundAvailableAt) {
		return nil, types.WrapWithRecovery(types.ErrRefundNotReady, "job %s refundable at %s", job.ID, expired.RefundAvailableAt)
	}

	settlement, err := k.refund(ctx, job, types.SettlementRefund, now)
	if err != nil {
		return nil, err
	}
	expired.Refund = &settlement
	next := job.Clone()
	next.State = expired
	k.put(job, next)
	k.recordSettlement(settlement)

	k.logger.Info("refund released", "job_id", job.ID, "payer", job.Payer, "amount", job.Payment.String())
	k.emit(types.EventRefunded, next,
		types.AttributeKeyPayer, job.Payer,
		types.AttributeKeyAmount, job.Payment.String()+job.Token,
	)
	return next.Clone(), nil
}

// ProcessRefunds releases every refund whose cooldown has elapsed.
func (k *Keeper) ProcessRefunds(ctx context.Context) ([]string, error) {
	now, err := k.Now(ctx)
	if err != nil {
		return nil, err
	}
	var (
		refunded []string
		errs     []error
	)
	for _, job := range k.candidates(types.StatusExpired) {
		st := job.State.(types.ExpiredState)
		if st.Refund != nil || now.Before(st.RefundAvailableAt) {
			continue
		}
		mu, cur, err := k.lockJob(job.ID)
		if err != nil {
			continue
		}
		_, err = k.claimRefund(ctx, cur)
		mu.Unlock()
		switch {
		case err == nil:
			refunded = append(refunded, job.ID)
		case errors.Is(err, types.ErrSettlementAlreadyFinalized), errors.Is(err, types.ErrRefundNotReady):
		default:
			errs = append(errs, err)
		}
	}
	return refunded, errors.Join(errs...)
}

// Prune writes closed jobs older than ArchiveRetention to the archive and
// drops them from memory. Jobs still holding escrow are never pruned.
func (k *Keeper) Prune(ctx context.Context) (int, error) {
	if k.archive == nil {
		return 0, nil
	}
	now, err := k.Now(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-k.params.ArchiveRetention)

	pruned := 0
	for _, job := range k.candidates(types.StatusVerified, types.StatusRejected, types.StatusExpired, types.StatusDisputed) {
		closed, ok := archive.ClosedAt(job)
		if !ok || closed.After(cutoff) {
			continue
		}
		mu, cur, err := k.lockJob(job.ID)
		if err != nil {
			continue
		}
		if err := k.archive.Put(ctx, cur); err != nil {
			mu.Unlock()
			return pruned, err
		}
		k.remove(cur)
		mu.Unlock()
		pruned++
	}
	if pruned > 0 {
		k.metrics.JobsPruned.Add(float64(pruned))
		k.logger.Info("pruned archived jobs", "count", pruned, "cutoff", cutoff)
	}
	return pruned, nil
}

// remove drops a job and its index entries. Callers hold the job mutex.
func (k *Keeper) remove(job *types.Job) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.jobs, job.ID)
	delete(k.jobLocks, job.ID)
	k.byPayer[job.Payer] = without(k.byPayer[job.Payer], job.ID)
	if len(k.byPayer[job.Payer]) == 0 {
		delete(k.byPayer, job.Payer)
	}
	if w := job.Worker(); w != "" {
		k.byWorker[w] = without(k.byWorker[w], job.ID)
		if len(k.byWorker[w]) == 0 {
			delete(k.byWorker, w)
		}
	}
	k.metrics.JobsByStatus.WithLabelValues(string(job.Status())).Dec()
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// LookupJob returns a job from memory, falling back to the archive.
func (k *Keeper) LookupJob(ctx context.Context, jobID string) (*types.Job, error) {
	job, err := k.GetJob(jobID)
	if err == nil || k.archive == nil {
		return job, err
	}
	return k.archive.Get(ctx, jobID)
}
