package keeper

import (
	"context"
	"encoding/hex"
	"errors"
	"slices"
	"strconv"
	"time"

	"cosmossdk.io/math"

	"github.com/paw-chain/mosaic/x/jobs/circuits"
	"github.com/paw-chain/mosaic/x/jobs/commitment"
	"github.com/paw-chain/mosaic/x/jobs/types"
)

// Gate decides whether a submission is paid. It is the only path from
// SUBMITTED to VERIFIED or REJECTED.
type Gate struct {
	k *Keeper
}

// NewGate returns the verification gate of k.
func NewGate(k *Keeper) *Gate {
	return &Gate{k: k}
}

func invalid(err error) types.VerificationResult {
	return types.VerificationResult{Reason: err.Error(), Err: err}
}

// VerifyLocally runs the checks in order: reveal, output binding and Groth16
// verification. It has no side effects.
func (g *Gate) VerifyLocally(job *types.Job, artifact *types.ProofArtifact, reveal types.Reveal, output string) types.VerificationResult {
	submitted, ok := job.Submission()
	if !ok {
		return invalid(types.ErrInvalidTransition.Wrapf("job %s has no submission", job.ID))
	}

	if reveal.Worker != submitted.Worker ||
		!commitment.VerifyReveal(submitted.CommitmentHash, job.ModelID, job.InputHash, reveal.Nonce, reveal.Worker) {
		return invalid(types.ErrRevealMismatch.Wrapf("job %s", job.ID))
	}

	instances, err := g.checkClaim(job, submitted, artifact, output)
	if err != nil {
		return invalid(err)
	}
	return g.verifySubmission(job, submitted, artifact, instances)
}

// expectedInstances derives the public instances the submitted proof must
// verify against: this job's statement, or the reused proof's statement for a
// degraded submission.
func expectedInstances(job *types.Job, submitted types.SubmittedState) ([]string, error) {
	jobID, outputHash := job.ID, submitted.OutputHash
	if submitted.Source != nil {
		jobID, outputHash = submitted.Source.JobID, submitted.Source.OutputHash
	}
	st, err := circuits.NewStatement(jobID, job.ModelID, outputHash)
	if err != nil {
		return nil, err
	}
	return st.Public().Instances(), nil
}

// checkClaim compares a settlement request with what the worker submitted and
// returns the instances to verify. Every field it checks is supplied by the
// caller, so a mismatch is ErrProofBindingMismatch and never the worker's fault.
func (g *Gate) checkClaim(job *types.Job, submitted types.SubmittedState, artifact *types.ProofArtifact, output string) ([]string, error) {
	if artifact == nil {
		return nil, types.ErrProofBindingMismatch.Wrap("no proof artifact")
	}
	outputHash := commitment.HashOutput(output)
	switch {
	case !commitment.SameDigest(submitted.OutputHash, outputHash):
		return nil, types.ErrProofBindingMismatch.Wrap("output does not match the submitted output hash")
	case !commitment.SameDigest(artifact.OutputHash, outputHash):
		return nil, types.ErrProofBindingMismatch.Wrap("artifact output hash does not match output")
	case commitment.NormalizeHex(artifact.JobID) != commitment.NormalizeHex(job.ID):
		return nil, types.ErrProofBindingMismatch.Wrapf("artifact belongs to job %s", artifact.JobID)
	case artifact.ModelID != "" && artifact.ModelID != job.ModelID:
		return nil, types.ErrProofBindingMismatch.Wrapf("artifact proves model %s", artifact.ModelID)
	case submitted.ProofHash == "" || commitment.ProofHash(artifact.Proof) != submitted.ProofHash:
		return nil, types.ErrProofBindingMismatch.Wrap("proof differs from the submitted proof")
	case artifact.Degraded != (submitted.Source != nil):
		return nil, types.ErrProofBindingMismatch.Wrap("degraded flag differs from the submission")
	}
	if err := artifact.Validate(g.k.params.MaxProofSize, g.k.params.MaxPublicInputs); err != nil {
		return nil, types.ErrProofBindingMismatch.Wrap(err.Error())
	}
	if src := submitted.Source; src != nil {
		if artifact.SourceJobID != src.JobID || !commitment.SameDigest(artifact.SourceOutputHash, src.OutputHash) {
			return nil, types.ErrProofBindingMismatch.Wrap("reused proof differs from the submitted source")
		}
	}

	instances, err := expectedInstances(job, submitted)
	if err != nil {
		return nil, types.ErrProofBindingMismatch.Wrap(err.Error())
	}
	if !slices.Equal(artifact.Instances, instances) {
		return nil, types.ErrProofBindingMismatch.Wrap("public instances are not derived from the submitted statement")
	}
	if artifact.Degraded {
		want := commitment.BindingCommitment(outputHash, job.ID, instances[0])
		if !commitment.SameDigest(artifact.BindingCommitment, want) {
			return nil, types.ErrProofBindingMismatch.Wrap("binding commitment does not match this job")
		}
	}
	return instances, nil
}

// verifySubmission checks only what the worker itself submitted. A failure
// here is a reproducible fault of the worker.
func (g *Gate) verifySubmission(job *types.Job, submitted types.SubmittedState, artifact *types.ProofArtifact, instances []string) types.VerificationResult {
	degraded := submitted.Source != nil
	if degraded && !g.k.params.FallbackEnabled {
		return invalid(types.ErrVerificationFailed.Wrap("degraded proofs are not accepted"))
	}
	if g.k.verifier == nil || !g.k.verifier.HasVerifyingKey(job.ModelID) {
		return invalid(types.ErrUnknownModel.Wrap(job.ModelID))
	}
	if err := g.k.verifier.VerifyInstances(job.ModelID, artifact.Proof, instances); err != nil {
		if degraded {
			return invalid(types.ErrVerificationFailed.Wrapf("reused proof of job %s: %v", submitted.Source.JobID, err))
		}
		if errors.Is(err, types.ErrVerificationFailed) {
			return invalid(err)
		}
		return invalid(types.ErrVerificationFailed.Wrap(err.Error()))
	}
	if degraded {
		res := invalid(types.ErrVerificationFailed.Wrap("degraded artifact carries no fresh proof"))
		res.Degraded = true
		return res
	}
	return types.VerificationResult{Valid: true}
}

// VerifyAndSettle verifies a submitted job and moves its escrow. Settling an
// already settled job is a no-op that reports AlreadyFinalized. A request
// whose output or artifact disagrees with the submission fails with
// ErrProofBindingMismatch and leaves the job SUBMITTED.
func (g *Gate) VerifyAndSettle(ctx context.Context, jobID string, artifact *types.ProofArtifact, output string) (*types.SettlementResult, error) {
	k := g.k
	mu, job, err := k.lockJob(jobID)
	if err != nil {
		return nil, err
	}
	defer mu.Unlock()

	switch job.Status() {
	case types.StatusVerified, types.StatusRejected:
		k.logger.Info("settlement already finalized", "job_id", jobID, "status", job.Status())
		return &types.SettlementResult{Job: job.Clone(), AlreadyFinalized: true}, nil
	case types.StatusSubmitted:
	default:
		return nil, types.ErrInvalidTransition.Wrapf("cannot settle %s job %s", job.Status(), jobID)
	}
	submitted := job.State.(types.SubmittedState)
	if submitted.Optimistic {
		return nil, types.ErrInvalidTransition.Wrapf("optimistic job %s settles through finalize", jobID)
	}
	if k.verifier == nil || !k.verifier.HasVerifyingKey(job.ModelID) {
		return nil, types.ErrUnknownModel.Wrap(job.ModelID)
	}
	if _, err := g.checkClaim(job, submitted, artifact, output); err != nil {
		k.logger.Info("settlement request does not match submission", "job_id", jobID, "error", err)
		return nil, err
	}

	nonce, err := hex.DecodeString(submitted.RevealNonce)
	if err != nil {
		nonce = nil
	}

	start := time.Now()
	res := g.VerifyLocally(job, artifact, types.Reveal{Worker: submitted.Worker, Nonce: nonce}, output)
	k.metrics.VerifyDuration.Observe(time.Since(start).Seconds())

	now, err := k.Now(ctx)
	if err != nil {
		return nil, err
	}

	paid := res.Valid || res.Degraded
	var txHash string
	if k.mirror != nil {
		receipt, err := k.mirror.VerifyJob(ctx, jobID, paid)
		if err != nil {
			return nil, err
		}
		txHash = receipt.TxHash
	}

	var next *types.Job
	switch {
	case res.Valid:
		next, err = g.pay(ctx, job, submitted, types.SettlementVerified, job.Payment, now, txHash)
	case res.Degraded:
		next, err = g.pay(ctx, job, submitted, types.SettlementDegraded, k.params.DegradedPayout(job.Payment), now, txHash)
	default:
		next, err = g.reject(ctx, job, submitted, res.Reason, now, txHash)
	}
	if err != nil {
		return nil, err
	}
	return &types.SettlementResult{Job: next.Clone(), Verification: res, OnChainTxHash: txHash}, nil
}

// pay settles a SUBMITTED job as VERIFIED. Callers hold the job mutex.
func (g *Gate) pay(ctx context.Context, job *types.Job, submitted types.SubmittedState, kind types.SettlementKind, amount math.Int, now time.Time, txHash string) (*types.Job, error) {
	k := g.k
	settlement, err := k.payout(ctx, job, kind, amount, now)
	if err != nil {
		return nil, err
	}
	settlement.TxHash = txHash
	next, err := k.transition(job, types.VerifiedState{SubmittedState: submitted, Settlement: settlement}, txHash)
	if err != nil {
		return nil, err
	}
	k.recordSettlement(settlement)
	k.logger.Info("job settled", "job_id", job.ID, "kind", kind, "worker_payout", amount.String())
	k.emit(types.EventVerified, next,
		types.AttributeKeyWorker, submitted.Worker,
		types.AttributeKeyDegraded, strconv.FormatBool(kind == types.SettlementDegraded),
	)
	k.emit(types.EventSettled, next,
		types.AttributeKeySettlementKind, string(kind),
		types.AttributeKeyAmount, settlement.WorkerPayout.String()+job.Token,
		types.AttributeKeyTxHash, txHash,
	)
	return next, nil
}

// reject refunds the payer, slashes the worker and marks the job REJECTED.
// Callers hold the job mutex.
func (g *Gate) reject(ctx context.Context, job *types.Job, submitted types.SubmittedState, reason string, now time.Time, txHash string) (*types.Job, error) {
	k := g.k
	settlement, err := k.refund(ctx, job, types.SettlementSlash, now)
	if err != nil {
		return nil, err
	}
	settlement.TxHash = txHash
	if slashed, err := k.slashOrReport(ctx, job, submitted.Worker, reason); err == nil {
		settlement.Slashed = slashed
	}
	next, err := k.transition(job, types.RejectedState{SubmittedState: submitted, Reason: reason, Settlement: settlement}, txHash)
	if err != nil {
		return nil, err
	}
	k.recordSettlement(settlement)
	k.logger.Info("job rejected", "job_id", job.ID, "worker", submitted.Worker, "reason", reason)
	k.emit(types.EventRejected, next,
		types.AttributeKeyWorker, submitted.Worker,
		types.AttributeKeyReason, reason,
	)
	k.emit(types.EventSettled, next,
		types.AttributeKeySettlementKind, string(settlement.Kind),
		types.AttributeKeyAmount, settlement.PayerRefund.String()+job.Token,
		types.AttributeKeyTxHash, txHash,
	)
	return next, nil
}

// FinalizeOptimistic pays every optimistic submission whose challenge window
// has elapsed and returns the settled job ids.
func (g *Gate) FinalizeOptimistic(ctx context.Context) ([]string, error) {
	var (
		settled []string
		errs    []error
	)
	for _, job := range g.k.JobsByStatus(types.StatusSubmitted) {
		st := job.State.(types.SubmittedState)
		if !st.Optimistic {
			continue
		}
		if _, err := g.Finalize(ctx, job.ID); err != nil {
			if errors.Is(err, types.ErrChallengeWindowOpen) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		settled = append(settled, job.ID)
	}
	return settled, errors.Join(errs...)
}

// Finalize pays one unchallenged optimistic submission.
func (g *Gate) Finalize(ctx context.Context, jobID string) (*types.Job, error) {
	k := g.k
	mu, job, err := k.lockJob(jobID)
	if err != nil {
		return nil, err
	}
	defer mu.Unlock()

	st, ok := job.State.(types.SubmittedState)
	if !ok || !st.Optimistic {
		return nil, types.ErrInvalidTransition.Wrapf("job %s is not an optimistic submission", jobID)
	}
	now, err := k.Now(ctx)
	if err != nil {
		return nil, err
	}
	if now.Before(st.ChallengeEndsAt) {
		return nil, types.ErrChallengeWindowOpen.Wrapf("job %s until %s", jobID, st.ChallengeEndsAt.Format(time.RFC3339))
	}
	var txHash string
	if k.mirror != nil {
		receipt, err := k.mirror.VerifyJob(ctx, jobID, true)
		if err != nil {
			return nil, err
		}
		txHash = receipt.TxHash
	}
	next, err := g.pay(ctx, job, st, types.SettlementOptimistic, job.Payment, now, txHash)
	if err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// Challenge disputes an optimistic submission inside its challenge window.
func (g *Gate) Challenge(ctx context.Context, jobID, challenger, reason string) (*types.Job, error) {
	if challenger == "" {
		return nil, types.ErrUnauthorized.Wrap("challenger address is required")
	}
	k := g.k
	mu, job, err := k.lockJob(jobID)
	if err != nil {
		return nil, err
	}
	defer mu.Unlock()

	st, ok := job.State.(types.SubmittedState)
	if !ok || !st.Optimistic {
		return nil, types.ErrInvalidTransition.Wrapf("job %s is not an optimistic submission", jobID)
	}
	now, err := k.Now(ctx)
	if err != nil {
		return nil, err
	}
	if now.After(st.ChallengeEndsAt) {
		return nil, types.ErrChallengeWindowClosed.Wrapf("job %s closed at %s", jobID, st.ChallengeEndsAt.Format(time.RFC3339))
	}
	return k.dispute(ctx, job, challenger, "challenge: "+reason)
}
