package keeper_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	keepertest "github.com/paw-chain/mosaic/testutil/keeper"
	"github.com/paw-chain/mosaic/x/jobs/commitment"
	"github.com/paw-chain/mosaic/x/jobs/keeper"
	"github.com/paw-chain/mosaic/x/jobs/types"
)

func commitHash(t *testing.T, job *types.Job, worker string) (string, []byte) {
	t.Helper()
	nonce, err := commitment.NewNonce()
	require.NoError(t, err)
	hash, err := commitment.Build(job.ModelID, job.InputHash, nonce, worker)
	require.NoError(t, err)
	return hash, nonce
}

func TestCreateJob_LocksEscrow(t *testing.T) {
	f := keepertest.JobsKeeper(t, types.DefaultParams())
	before := f.Balance(keepertest.Payer)

	job := f.CreateJob(t, "summarize block 100", 100)
	require.Equal(t, types.StatusCreated, job.Status())
	require.Equal(t, "umosaic", job.Token)
	require.Equal(t, keepertest.Epoch.Add(30*time.Second), job.CommitmentDeadline)
	require.Equal(t, keepertest.Epoch.Add(300*time.Second), job.SubmissionDeadline)
	require.Equal(t, before.SubRaw(100), f.Balance(keepertest.Payer))
	require.Equal(t, math.NewInt(100), f.Balance(types.EscrowAccount))

	got, err := f.Keeper.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, []types.EventType{types.EventJobCreated}, f.Sink.Types(job.ID))
}

func TestCreateJob_Rejections(t *testing.T) {
	params := types.DefaultParams()
	params.MinimumPayment = math.NewInt(50)
	f := keepertest.JobsKeeper(t, params)
	ctx := context.Background()
	input := commitment.HashInput("x")

	tests := []struct {
		name string
		req  keeper.CreateJobRequest
		err  error
	}{
		{"below minimum payment", keeper.CreateJobRequest{Payer: keepertest.Payer, InputHash: input, Payment: math.NewInt(49), ModelID: keepertest.TestModel}, types.ErrInvalidPayment},
		{"missing payer", keeper.CreateJobRequest{InputHash: input, Payment: math.NewInt(100), ModelID: keepertest.TestModel}, types.ErrInvalidJob},
		{"bad input hash", keeper.CreateJobRequest{Payer: keepertest.Payer, InputHash: "zz", Payment: math.NewInt(100), ModelID: keepertest.TestModel}, types.ErrInvalidJob},
		{"unregistered model", keeper.CreateJobRequest{Payer: keepertest.Payer, InputHash: input, Payment: math.NewInt(100), ModelID: "nope"}, types.ErrUnknownModel},
		{"unfunded payer", keeper.CreateJobRequest{Payer: "broke", InputHash: input, Payment: math.NewInt(100), ModelID: keepertest.TestModel}, types.ErrInsufficientFunds},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.Keeper.CreateJob(ctx, tc.req)
			require.ErrorIs(t, err, tc.err)
		})
	}
	require.Empty(t, f.Keeper.AllJobs())
	require.True(t, f.Balance(types.EscrowAccount).IsZero())
}

func TestCreateJob_DuplicateID(t *testing.T) {
	f := keepertest.JobsKeeper(t, types.DefaultParams())
	f.CreateJob(t, "same", 100)
	_, err := f.Keeper.CreateJob(context.Background(), keeper.CreateJobRequest{
		Payer:     keepertest.Payer,
		InputHash: commitment.HashInput("same"),
		Payment:   math.NewInt(100),
		ModelID:   keepertest.TestModel,
	})
	require.ErrorIs(t, err, types.ErrJobExists)
	require.Equal(t, math.NewInt(100), f.Balance(types.EscrowAccount))

	f.Clock.Advance(time.Nanosecond)
	f.CreateJob(t, "same", 100)
	require.Len(t, f.Keeper.JobsByPayer(keepertest.Payer), 2)
}

func TestCommit_DeadlineBoundary(t *testing.T) {
	f := keepertest.JobsKeeper(t, types.DefaultParams())
	f.Stake(t, keepertest.Worker, 1000)
	ctx := context.Background()

	onTime := f.CreateJob(t, "on time", 100)
	f.Clock.Advance(5 * time.Second)
	hash, _ := commitHash(t, onTime, keepertest.Worker)
	committed, err := f.Keeper.Commit(ctx, onTime.ID, keepertest.Worker, hash)
	require.NoError(t, err)
	require.Equal(t, types.StatusCommitted, committed.Status())
	require.Equal(t, keepertest.Worker, committed.Worker())
	require.Equal(t, []string{onTime.ID}, jobIDs(f.Keeper.JobsByWorker(keepertest.Worker)))

	late := f.CreateJob(t, "late", 100)
	f.Clock.Advance(31 * time.Second)
	hash, nonce := commitHash(t, late, keepertest.Worker)
	_, err = f.Keeper.Commit(ctx, late.ID, keepertest.Worker, hash)
	require.ErrorIs(t, err, types.ErrCommitmentDeadlineExpired)
	require.NotEqual(t, "No recovery suggestion available. Check error message for details.", types.GetRecoverySuggestion(err))

	got, err := f.Keeper.GetJob(late.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusExpired, got.Status())

	// an expired job never reaches SUBMITTED
	_, err = f.Keeper.Submit(ctx, late.ID, keeper.SubmitRequest{
		Worker:      keepertest.Worker,
		OutputHash:  commitment.HashOutput("out"),
		Proof:       []byte("p"),
		RevealNonce: nonce,
	})
	require.ErrorIs(t, err, types.ErrInvalidTransition)
	got, err = f.Keeper.GetJob(late.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusExpired, got.Status())
}

func TestCommit_StakeThreshold(t *testing.T) {
	f := keepertest.JobsKeeper(t, types.DefaultParams())
	ctx := context.Background()
	job := f.CreateJob(t, "stake", 100)

	f.Stake(t, keepertest.Worker, 999)
	hash, _ := commitHash(t, job, keepertest.Worker)
	_, err := f.Keeper.Commit(ctx, job.ID, keepertest.Worker, hash)
	require.ErrorIs(t, err, types.ErrInsufficientStake)

	got, err := f.Keeper.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusCreated, got.Status())

	f.Stake(t, keepertest.Worker, 1)
	_, err = f.Keeper.Commit(ctx, job.ID, keepertest.Worker, hash)
	require.NoError(t, err)
}

func TestCommit_InvalidInputs(t *testing.T) {
	f := keepertest.JobsKeeper(t, types.DefaultParams())
	f.Stake(t, keepertest.Worker, 1000)
	ctx := context.Background()
	job := f.CreateJob(t, "x", 100)
	hash, _ := commitHash(t, job, keepertest.Worker)

	_, err := f.Keeper.Commit(ctx, job.ID, "", hash)
	require.ErrorIs(t, err, types.ErrUnauthorized)
	_, err = f.Keeper.Commit(ctx, job.ID, keepertest.Worker, "0x1234")
	require.ErrorIs(t, err, types.ErrInvalidCommitment)
	_, err = f.Keeper.Commit(ctx, "0xmissing", keepertest.Worker, hash)
	require.ErrorIs(t, err, types.ErrJobNotFound)

	_, err = f.Keeper.Commit(ctx, job.ID, keepertest.Worker, hash)
	require.NoError(t, err)
	_, err = f.Keeper.Commit(ctx, job.ID, keepertest.Worker, hash)
	require.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestSubmit(t *testing.T) {
	f := keepertest.JobsKeeper(t, types.DefaultParams())
	f.Stake(t, keepertest.Worker, 10_000)
	ctx := context.Background()

	t.Run("only the committed worker", func(t *testing.T) {
		c := f.CreateAndCommit(t, "a", 100)
		_, err := f.Keeper.Submit(ctx, c.Job.ID, keeper.SubmitRequest{
			Worker:      "intruder",
			OutputHash:  commitment.HashOutput("out"),
			Proof:       []byte("p"),
			RevealNonce: c.Nonce,
		})
		require.ErrorIs(t, err, types.ErrUnauthorized)
	})

	t.Run("proof required outside optimistic mode", func(t *testing.T) {
		c := f.CreateAndCommit(t, "b", 100)
		_, err := f.Keeper.Submit(ctx, c.Job.ID, keeper.SubmitRequest{
			Worker:      c.Worker,
			OutputHash:  commitment.HashOutput("out"),
			RevealNonce: c.Nonce,
		})
		require.ErrorIs(t, err, types.ErrInvalidJob)
	})

	t.Run("oversized proof", func(t *testing.T) {
		c := f.CreateAndCommit(t, "c", 100)
		_, err := f.Keeper.Submit(ctx, c.Job.ID, keeper.SubmitRequest{
			Worker:      c.Worker,
			OutputHash:  commitment.HashOutput("out"),
			Proof:       make([]byte, f.Params.MaxProofSize+1),
			RevealNonce: c.Nonce,
		})
		require.ErrorIs(t, err, types.ErrProofTooLarge)
	})

	t.Run("records submission", func(t *testing.T) {
		c := f.CreateAndCommit(t, "d", 100)
		art := keepertest.HonestArtifact(t, c.Job, "result")
		job := f.SubmitArtifact(t, c, art, "result")
		require.Equal(t, types.StatusSubmitted, job.Status())
		sub, ok := job.Submission()
		require.True(t, ok)
		require.Equal(t, commitment.HashOutput("result"), sub.OutputHash)
		require.Equal(t, commitment.ProofHash(art.Proof), sub.ProofHash)
		require.False(t, sub.Optimistic)
	})

	t.Run("degraded source must name a proven output", func(t *testing.T) {
		c := f.CreateAndCommit(t, "f", 100)
		base := keeper.SubmitRequest{
			Worker:      c.Worker,
			OutputHash:  commitment.HashOutput("out"),
			Proof:       []byte("p"),
			RevealNonce: c.Nonce,
		}
		tests := []struct {
			name   string
			mutate func(*keeper.SubmitRequest)
			want   error
		}{
			{"no source job", func(r *keeper.SubmitRequest) {
				r.Source = &types.ProofSource{OutputHash: commitment.HashOutput("src")}
			}, types.ErrInvalidPublicInputs},
			{"bad source hash", func(r *keeper.SubmitRequest) {
				r.Source = &types.ProofSource{JobID: "0x01", OutputHash: "zz"}
			}, types.ErrInvalidPublicInputs},
			{"optimistic", func(r *keeper.SubmitRequest) {
				r.Source = &types.ProofSource{JobID: "0x01", OutputHash: commitment.HashOutput("src")}
				r.Optimistic = true
			}, types.ErrInvalidJob},
		}
		for _, tc := range tests {
			req := base
			tc.mutate(&req)
			_, err := f.Keeper.Submit(ctx, c.Job.ID, req)
			require.ErrorIs(t, err, tc.want, tc.name)
		}
		require.Equal(t, types.StatusCommitted, mustGet(t, f, c.Job.ID).Status())
	})

	t.Run("late submit expires", func(t *testing.T) {
		c := f.CreateAndCommit(t, "e", 100)
		f.Clock.Advance(301 * time.Second)
		_, err := f.Keeper.Submit(ctx, c.Job.ID, keeper.SubmitRequest{
			Worker:      c.Worker,
			OutputHash:  commitment.HashOutput("out"),
			Proof:       []byte("p"),
			RevealNonce: c.Nonce,
		})
		require.ErrorIs(t, err, types.ErrSubmissionDeadlineExpired)
		got, err := f.Keeper.GetJob(c.Job.ID)
		require.NoError(t, err)
		require.Equal(t, types.StatusExpired, got.Status())
		exp := got.State.(types.ExpiredState)
		require.Equal(t, types.StatusCommitted, exp.From)
		require.Equal(t, keepertest.Worker, exp.Worker)
	})
}

func TestDisputeAndResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("operators only", func(t *testing.T) {
		f := keepertest.JobsKeeper(t, types.DefaultParams())
		job := f.CreateJob(t, "x", 100)
		_, err := f.Keeper.Dispute(ctx, job.ID, keepertest.Payer, "bad")
		require.ErrorIs(t, err, types.ErrUnauthorized)
	})

	t.Run("release pays worker", func(t *testing.T) {
		f := keepertest.JobsKeeper(t, types.DefaultParams())
		f.Stake(t, keepertest.Worker, 1000)
		c := f.CreateAndCommit(t, "x", 100)
		workerBefore := f.Balance(keepertest.Worker)

		job, err := f.Keeper.Dispute(ctx, c.Job.ID, keepertest.Operator, "slow worker")
		require.NoError(t, err)
		require.Equal(t, types.StatusDisputed, job.Status())
		require.Equal(t, keepertest.Worker, job.Worker())

		job, err = f.Keeper.ResolveDispute(ctx, c.Job.ID, keepertest.Operator, keeper.ResolveRelease)
		require.NoError(t, err)
		s, ok := job.Settlement()
		require.True(t, ok)
		require.Equal(t, types.SettlementReleased, s.Kind)
		require.Equal(t, workerBefore.AddRaw(100), f.Balance(keepertest.Worker))

		_, err = f.Keeper.ResolveDispute(ctx, c.Job.ID, keepertest.Operator, keeper.ResolveRefund)
		require.ErrorIs(t, err, types.ErrSettlementAlreadyFinalized)
	})

	t.Run("slash refunds payer", func(t *testing.T) {
		f := keepertest.JobsKeeper(t, types.DefaultParams())
		f.Stake(t, keepertest.Worker, 1000)
		payerBefore := f.Balance(keepertest.Payer)
		c := f.CreateAndCommit(t, "x", 100)

		_, err := f.Keeper.Dispute(ctx, c.Job.ID, keepertest.Operator, "fraud")
		require.NoError(t, err)
		job, err := f.Keeper.ResolveDispute(ctx, c.Job.ID, keepertest.Operator, keeper.ResolveSlash)
		require.NoError(t, err)
		s, _ := job.Settlement()
		require.Equal(t, types.SettlementSlash, s.Kind)
		require.Equal(t, math.NewInt(100), s.Slashed)
		require.Equal(t, payerBefore, f.Balance(keepertest.Payer))
		require.Equal(t, math.NewInt(900), f.Keeper.GetStake(keepertest.Worker).Amount)
		require.Equal(t, math.NewInt(100), f.Balance(types.TreasuryAccount))
	})

	t.Run("failed slash still records the refund once", func(t *testing.T) {
		f := keepertest.JobsKeeper(t, types.DefaultParams())
		f.Stake(t, keepertest.Worker, 1000)
		payerBefore := f.Balance(keepertest.Payer)
		c := f.CreateAndCommit(t, "x", 100)
		_, err := f.Keeper.Dispute(ctx, c.Job.ID, keepertest.Operator, "fraud")
		require.NoError(t, err)

		f.Bank.FailSendsTo(types.TreasuryAccount, errors.New("treasury frozen"))
		_, err = f.Keeper.ResolveDispute(ctx, c.Job.ID, keepertest.Operator, keeper.ResolveSlash)
		require.Error(t, err)
		require.Contains(t, f.Sink.Types(c.Job.ID), types.EventError)

		job := mustGet(t, f, c.Job.ID)
		s, ok := job.Settlement()
		require.True(t, ok)
		require.Equal(t, types.SettlementSlash, s.Kind)
		require.True(t, s.Slashed.IsZero())
		require.Equal(t, payerBefore, f.Balance(keepertest.Payer))

		f.Bank.FailSendsTo(types.TreasuryAccount, nil)
		_, err = f.Keeper.ResolveDispute(ctx, c.Job.ID, keepertest.Operator, keeper.ResolveSlash)
		require.ErrorIs(t, err, types.ErrSettlementAlreadyFinalized)
		require.Equal(t, payerBefore, f.Balance(keepertest.Payer))
		require.True(t, f.Balance(types.EscrowAccount).IsZero())
	})

	t.Run("no dispute after terminal", func(t *testing.T) {
		f := keepertest.JobsKeeper(t, types.DefaultParams())
		job := f.CreateJob(t, "x", 100)
		f.Clock.Advance(time.Minute)
		_, err := f.Keeper.ExpireOverdue(ctx)
		require.NoError(t, err)
		_, err = f.Keeper.Dispute(ctx, job.ID, keepertest.Operator, "late")
		require.ErrorIs(t, err, types.ErrInvalidTransition)
	})
}

func jobIDs(jobs []*types.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}
