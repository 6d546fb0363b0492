package keeper

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cosmossdk.io/math"

	"github.com/paw-chain/mosaic/x/jobs/chain"
	"github.com/paw-chain/mosaic/x/jobs/commitment"
	"github.com/paw-chain/mosaic/x/jobs/types"
)

// CreateJobRequest are the payer's job terms.
type CreateJobRequest struct {
	Payer     string   `json:"payer"`
	InputHash string   `json:"input_hash"`
	Payment   math.Int `json:"payment"`
	Token     string   `json:"token"`
	ModelID   string   `json:"model_id"`
}

// SubmitRequest is a worker's submission.
type SubmitRequest struct {
	Worker      string `json:"worker"`
	OutputHash  string `json:"output_hash"`
	Proof       []byte `json:"proof,omitempty"`
	RevealNonce []byte `json:"reveal_nonce"`
	// Optimistic submissions carry no proof and settle after the challenge window.
	Optimistic bool `json:"optimistic"`
	// Source marks a degraded submission and names the proof it reuses.
	Source *types.ProofSource `json:"source,omitempty"`
}

// CreateJob validates the terms, locks the payment in escrow and records a
// CREATED job.
func (k *Keeper) CreateJob(ctx context.Context, req CreateJobRequest) (*types.Job, error) {
	if req.Payer == "" {
		return nil, types.ErrInvalidJob.Wrap("payer is required")
	}
	if req.ModelID == "" {
		return nil, types.ErrInvalidJob.Wrap("model id is required")
	}
	if _, err := commitment.DecodeDigest(req.InputHash); err != nil {
		return nil, types.ErrInvalidJob.Wrapf("input hash: %v", err)
	}
	if req.Payment.IsNil() || !req.Payment.IsPositive() || req.Payment.LT(k.params.MinimumPayment) {
		return nil, types.WrapWithRecovery(types.ErrInvalidPayment, "payment %s below minimum %s", req.Payment, k.params.MinimumPayment)
	}
	if req.Token == "" {
		req.Token = k.params.StakeDenom
	}
	if k.verifier != nil && !k.verifier.HasVerifyingKey(req.ModelID) {
		return nil, types.ErrUnknownModel.Wrap(req.ModelID)
	}

	now, err := k.Now(ctx)
	if err != nil {
		return nil, err
	}
	job := &types.Job{
		ID:                 commitment.JobID(req.Payer, req.InputHash, now),
		Payer:              req.Payer,
		InputHash:          commitment.NormalizeHex(req.InputHash),
		Payment:            req.Payment,
		Token:              req.Token,
		ModelID:            req.ModelID,
		CreatedAt:          now,
		CommitmentDeadline: now.Add(k.params.CommitmentWindow),
		SubmissionDeadline: now.Add(k.params.SubmissionWindow),
		State:              types.CreatedState{},
	}
	if err := job.Validate(); err != nil {
		return nil, types.ErrInvalidJob.Wrap(err.Error())
	}

	// reserve the id before moving funds
	mu := &sync.Mutex{}
	mu.Lock()
	defer mu.Unlock()
	k.mu.Lock()
	if _, exists := k.jobLocks[job.ID]; exists {
		k.mu.Unlock()
		return nil, types.ErrJobExists.Wrap(job.ID)
	}
	k.jobLocks[job.ID] = mu
	k.mu.Unlock()

	release := func() {
		k.mu.Lock()
		delete(k.jobLocks, job.ID)
		k.mu.Unlock()
	}

	if err := k.bank.Send(ctx, req.Payer, types.EscrowAccount, job.Token, job.Payment); err != nil {
		release()
		return nil, err
	}
	if k.mirror != nil {
		receipt, err := k.mirror.CreateJob(ctx, chain.CreateJobCall{
			JobID:              job.ID,
			Payer:              job.Payer,
			InputHash:          job.InputHash,
			ModelID:            job.ModelID,
			Payment:            job.Payment,
			Token:              job.Token,
			CommitmentDeadline: job.CommitmentDeadline,
			SubmissionDeadline: job.SubmissionDeadline,
		})
		if err != nil {
			if refundErr := k.bank.Send(ctx, types.EscrowAccount, req.Payer, job.Token, job.Payment); refundErr != nil {
				k.logger.Error("failed to return escrow after mirror failure", "job_id", job.ID, "error", refundErr)
			}
			release()
			return nil, err
		}
		job.TxHash = receipt.TxHash
	}

	k.mu.Lock()
	k.jobs[job.ID] = job
	k.byPayer[job.Payer] = append(k.byPayer[job.Payer], job.ID)
	k.mu.Unlock()

	k.metrics.JobsCreated.WithLabelValues(job.ModelID).Inc()
	k.metrics.JobsByStatus.WithLabelValues(string(types.StatusCreated)).Inc()
	k.logger.Info("job created", "job_id", job.ID, "payer", job.Payer, "model_id", job.ModelID, "payment", job.Payment.String())
	k.emit(types.EventJobCreated, job,
		types.AttributeKeyPayer, job.Payer,
		types.AttributeKeyModelID, job.ModelID,
		types.AttributeKeyAmount, job.Payment.String()+job.Token,
	)
	return job.Clone(), nil
}

// Commit locks worker in to a CREATED job. A commit after the commitment
// deadline expires the job and returns ErrCommitmentDeadlineExpired.
func (k *Keeper) Commit(ctx context.Context, jobID, worker, commitmentHash string) (*types.Job, error) {
	if worker == "" {
		return nil, types.ErrUnauthorized.Wrap("worker address is required")
	}
	if _, err := commitment.DecodeDigest(commitmentHash); err != nil {
		return nil, types.ErrInvalidCommitment.Wrap(err.Error())
	}

	mu, job, err := k.lockJob(jobID)
	if err != nil {
		return nil, err
	}
	defer mu.Unlock()

	if job.Status() != types.StatusCreated {
		return nil, types.ErrInvalidTransition.Wrapf("cannot commit to %s job %s", job.Status(), jobID)
	}
	now, err := k.Now(ctx)
	if err != nil {
		return nil, err
	}
	if now.After(job.CommitmentDeadline) {
		return nil, k.expireLate(job, now, types.ErrCommitmentDeadlineExpired)
	}

	// WithdrawStake takes the same lock, so the stake cannot drop between
	// this check and the job being indexed under the worker.
	wmu := k.workerLock(worker)
	wmu.Lock()
	defer wmu.Unlock()

	stake := k.GetStake(worker)
	required := k.params.MinimumStake(job.Payment)
	if stake.Amount.LT(required) {
		return nil, types.WrapWithRecovery(types.ErrInsufficientStake, "worker %s has %s, needs %s", worker, stake.Amount, required)
	}

	var txHash string
	if k.mirror != nil {
		receipt, err := k.mirror.CommitJob(ctx, jobID, worker, commitmentHash)
		if errors.Is(err, types.ErrCommitmentDeadlineExpired) {
			return nil, k.expireLate(job, now, err)
		}
		if err != nil {
			return nil, err
		}
		txHash = receipt.TxHash
	}

	next, err := k.transition(job, types.CommittedState{
		Worker:         worker,
		CommitmentHash: "0x" + commitment.NormalizeHex(commitmentHash),
		CommittedAt:    now,
	}, txHash)
	if err != nil {
		return nil, err
	}

	k.emit(types.EventCommitted, next,
		types.AttributeKeyWorker, worker,
		types.AttributeKeyCommitmentHash, commitmentHash,
	)
	return next.Clone(), nil
}

// Submit records the worker's output hash, proof and reveal nonce. Only the
// committed worker may submit, and only before the submission deadline.
func (k *Keeper) Submit(ctx context.Context, jobID string, req SubmitRequest) (*types.Job, error) {
	if _, err := commitment.DecodeDigest(req.OutputHash); err != nil {
		return nil, types.ErrProofBindingMismatch.Wrapf("output hash: %v", err)
	}
	if len(req.RevealNonce) == 0 {
		return nil, types.ErrRevealMismatch.Wrap("reveal nonce is required")
	}
	if !req.Optimistic && len(req.Proof) == 0 {
		return nil, types.ErrInvalidJob.Wrap("proof is required outside optimistic mode")
	}
	if k.params.MaxProofSize > 0 && len(req.Proof) > k.params.MaxProofSize {
		return nil, types.ErrProofTooLarge.Wrapf("proof size %d exceeds maximum %d", len(req.Proof), k.params.MaxProofSize)
	}
	var source *types.ProofSource
	if req.Source != nil {
		if req.Optimistic {
			return nil, types.ErrInvalidJob.Wrap("optimistic submissions carry no proof to reuse")
		}
		if req.Source.JobID == "" {
			return nil, types.ErrInvalidPublicInputs.Wrap("degraded submission requires a source job id")
		}
		if _, err := commitment.DecodeDigest(req.Source.OutputHash); err != nil {
			return nil, types.ErrInvalidPublicInputs.Wrapf("source output hash: %v", err)
		}
		source = &types.ProofSource{JobID: req.Source.JobID, OutputHash: commitment.NormalizeHex(req.Source.OutputHash)}
	}

	mu, job, err := k.lockJob(jobID)
	if err != nil {
		return nil, err
	}
	defer mu.Unlock()

	committed, ok := job.State.(types.CommittedState)
	if !ok {
		return nil, types.ErrInvalidTransition.Wrapf("cannot submit to %s job %s", job.Status(), jobID)
	}
	if req.Worker != committed.Worker {
		return nil, types.ErrUnauthorized.Wrapf("%s is not the committed worker", req.Worker)
	}
	now, err := k.Now(ctx)
	if err != nil {
		return nil, err
	}
	if now.After(job.SubmissionDeadline) {
		return nil, k.expireLate(job, now, types.ErrSubmissionDeadlineExpired)
	}

	var proofHash string
	if len(req.Proof) > 0 {
		proofHash = commitment.ProofHash(req.Proof)
	}
	outputHash := commitment.NormalizeHex(req.OutputHash)

	var txHash string
	if k.mirror != nil {
		receipt, err := k.mirror.SubmitProof(ctx, jobID, outputHash, proofHash)
		if errors.Is(err, types.ErrSubmissionDeadlineExpired) {
			return nil, k.expireLate(job, now, err)
		}
		if err != nil {
			return nil, err
		}
		txHash = receipt.TxHash
	}

	state := types.SubmittedState{
		CommittedState: committed,
		OutputHash:     outputHash,
		ProofHash:      proofHash,
		RevealNonce:    hex.EncodeToString(req.RevealNonce),
		SubmittedAt:    now,
		Optimistic:     req.Optimistic,
		Source:         source,
	}
	if req.Optimistic {
		state.ChallengeEndsAt = now.Add(k.params.ChallengeWindow)
	}
	next, err := k.transition(job, state, txHash)
	if err != nil {
		return nil, err
	}

	k.emit(types.EventSubmitted, next,
		types.AttributeKeyWorker, committed.Worker,
		types.AttributeKeyOutputHash, outputHash,
	)
	return next.Clone(), nil
}

// expireLate moves a job whose deadline passed to EXPIRED and returns cause.
// Callers hold the job mutex.
func (k *Keeper) expireLate(job *types.Job, now time.Time, cause error) error {
	if _, err := k.expire(job, now); err != nil {
		return err
	}
	return types.WrapWithRecovery(cause, "job %s", job.ID)
}

// expire moves a CREATED or COMMITTED job to EXPIRED. Callers hold the job mutex.
func (k *Keeper) expire(job *types.Job, now time.Time) (*types.Job, error) {
	from := job.Status()
	next, err := k.transition(job, types.ExpiredState{
		From:              from,
		Worker:            job.Worker(),
		ExpiredAt:         now,
		RefundAvailableAt: now.Add(k.params.RefundCooldown),
	}, "")
	if err != nil {
		return nil, err
	}
	k.metrics.DeadlineExpires.WithLabelValues(string(from)).Inc()
	k.emit(types.EventExpired, next, types.AttributeKeyReason, "deadline passed in "+strings.ToLower(string(from)))
	return next, nil
}

// Dispute freezes a non-terminal job. Escrow stays locked until ResolveDispute.
func (k *Keeper) Dispute(ctx context.Context, jobID, operator, reason string) (*types.Job, error) {
	if !k.IsOperator(operator) {
		return nil, types.ErrUnauthorized.Wrapf("%s is not an operator", operator)
	}
	mu, job, err := k.lockJob(jobID)
	if err != nil {
		return nil, err
	}
	defer mu.Unlock()
	return k.dispute(ctx, job, operator, reason)
}

// dispute is Dispute without the authorization check. Callers hold the job mutex.
func (k *Keeper) dispute(ctx context.Context, job *types.Job, by, reason string) (*types.Job, error) {
	now, err := k.Now(ctx)
	if err != nil {
		return nil, err
	}
	next, err := k.transition(job, types.DisputedState{
		From:       job.Status(),
		Prior:      job.State,
		Operator:   by,
		Reason:     reason,
		DisputedAt: now,
	}, "")
	if err != nil {
		return nil, err
	}
	k.logger.Info("job disputed", "job_id", job.ID, "by", by, "reason", reason)
	k.emit(types.EventDisputed, next, types.AttributeKeyReason, reason)
	return next.Clone(), nil
}

// Resolution is an operator's decision on a disputed job.
type Resolution string

const (
	// ResolveRelease pays the committed worker in full.
	ResolveRelease Resolution = "release"
	// ResolveRefund refunds the payer without penalizing the worker.
	ResolveRefund Resolution = "refund"
	// ResolveSlash refunds the payer and slashes the worker.
	ResolveSlash Resolution = "slash"
)

// ResolveDispute settles the escrow of a DISPUTED job. The job stays DISPUTED;
// the resolution is recorded on its state.
func (k *Keeper) ResolveDispute(ctx context.Context, jobID, operator string, res Resolution) (*types.Job, error) {
	if !k.IsOperator(operator) {
		return nil, types.ErrUnauthorized.Wrapf("%s is not an operator", operator)
	}
	mu, job, err := k.lockJob(jobID)
	if err != nil {
		return nil, err
	}
	defer mu.Unlock()

	disputed, ok := job.State.(types.DisputedState)
	if !ok {
		return nil, types.ErrInvalidTransition.Wrapf("job %s is %s, not disputed", jobID, job.Status())
	}
	if disputed.Resolution != nil {
		return nil, types.ErrSettlementAlreadyFinalized.Wrap(jobID)
	}
	worker := job.Worker()
	if (res == ResolveRelease || res == ResolveSlash) && worker == "" {
		return nil, types.ErrInvalidTransition.Wrapf("job %s has no committed worker", jobID)
	}
	now, err := k.Now(ctx)
	if err != nil {
		return nil, err
	}

	var (
		settlement types.Settlement
		slashErr   error
	)
	switch res {
	case ResolveRelease:
		settlement, err = k.payout(ctx, job, types.SettlementReleased, job.Payment, now)
	case ResolveRefund:
		settlement, err = k.refund(ctx, job, types.SettlementRefund, now)
	case ResolveSlash:
		settlement, err = k.refund(ctx, job, types.SettlementSlash, now)
		if err == nil {
			// the refund has moved; the resolution is recorded even if the slash fails
			settlement.Slashed, slashErr = k.slashOrReport(ctx, job, worker, "dispute resolved against worker")
		}
	default:
		return nil, types.ErrInvalidTransition.Wrapf("unknown resolution %q", res)
	}
	if err != nil {
		return nil, err
	}

	disputed.Resolution = &settlement
	next := job.Clone()
	next.State = disputed
	k.put(job, next)
	k.recordSettlement(settlement)
	k.emit(types.EventSettled, next,
		types.AttributeKeySettlementKind, string(settlement.Kind),
		types.AttributeKeyReason, "dispute resolved by "+operator,
	)
	if slashErr != nil {
		return nil, fmt.Errorf("dispute on job %s resolved without slashing: %w", jobID, slashErr)
	}
	return next.Clone(), nil
}
