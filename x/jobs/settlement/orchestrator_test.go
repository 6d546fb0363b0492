package settlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	keepertest "github.com/paw-chain/mosaic/testutil/keeper"
	"github.com/paw-chain/mosaic/x/jobs/commitment"
	"github.com/paw-chain/mosaic/x/jobs/prover"
	"github.com/paw-chain/mosaic/x/jobs/prover/provertest"
	"github.com/paw-chain/mosaic/x/jobs/settlement"
	"github.com/paw-chain/mosaic/x/jobs/types"
)

func upper(_ context.Context, task settlement.Task) (string, error) {
	return "processed:" + task.Input, nil
}

type harness struct {
	f        *keepertest.Fixture
	provider *provertest.FakeProvider
	orch     *settlement.Orchestrator
}

func newHarness(t *testing.T, params types.Params, exec settlement.Executor) *harness {
	params.RetryDelay = time.Millisecond
	f := keepertest.JobsKeeper(t, params)
	f.Stake(t, keepertest.Worker, 100_000)
	provider := &provertest.FakeProvider{}
	adapter := prover.NewAdapter(provider, f.Verifier, params, log.NewNopLogger())
	orch, err := settlement.NewOrchestrator(f.Keeper, adapter, exec, keepertest.Worker, log.NewNopLogger(),
		settlement.WithEventSink(f.Sink))
	require.NoError(t, err)
	return &harness{f: f, provider: provider, orch: orch}
}

func order(input string) settlement.Order {
	return settlement.Order{
		Payer:   keepertest.Payer,
		Input:   input,
		ModelID: keepertest.TestModel,
		Payment: math.NewInt(100),
	}
}

func TestRun_SettlesVerified(t *testing.T) {
	h := newHarness(t, types.DefaultParams(), settlement.ExecutorFunc(upper))
	workerBefore := h.f.Balance(keepertest.Worker)

	out, err := h.orch.Run(context.Background(), order("hello"))
	require.NoError(t, err)
	require.Equal(t, "processed:hello", out.Output)
	require.True(t, out.Artifact.Verified)
	require.False(t, out.Artifact.Degraded)
	require.Equal(t, types.StatusVerified, out.Job.Status())

	s, _ := out.Job.Settlement()
	require.Equal(t, types.SettlementVerified, s.Kind)
	require.Equal(t, workerBefore.AddRaw(100), h.f.Balance(keepertest.Worker))

	// payer recomputes the output hash independently
	sub, _ := out.Job.Submission()
	require.Equal(t, commitment.HashOutput(out.Output), sub.OutputHash)

	require.Equal(t, []types.EventType{
		types.EventJobCreated, types.EventCommitted, types.EventProofGenerating,
		types.EventSubmitted, types.EventVerified, types.EventSettled,
	}, h.f.Sink.Types(out.Job.ID))
}

func TestRun_ExecutionFailureLeavesJobToExpire(t *testing.T) {
	failing := settlement.ExecutorFunc(func(context.Context, settlement.Task) (string, error) {
		return "", errors.New("model crashed")
	})
	h := newHarness(t, types.DefaultParams(), failing)
	payerBefore := h.f.Balance(keepertest.Payer)

	out, err := h.orch.Run(context.Background(), order("x"))
	require.ErrorIs(t, err, types.ErrExecutionFailed)
	require.Equal(t, types.StatusCommitted, out.Job.Status())
	require.Zero(t, h.provider.Calls())
	require.Contains(t, h.f.Sink.Types(out.Job.ID), types.EventError)

	runner := settlement.NewRunner(h.f.Keeper, time.Second, log.NewNopLogger())
	h.f.Clock.Advance(h.f.Params.SubmissionWindow + time.Second)
	res := runner.Sweep(context.Background())
	require.Equal(t, 1, res.Expired)
	require.Zero(t, res.Refunded)

	h.f.Clock.Advance(h.f.Params.RefundCooldown)
	res = runner.Sweep(context.Background())
	require.Equal(t, 1, res.Refunded)
	require.Equal(t, payerBefore, h.f.Balance(keepertest.Payer))
}

func TestRun_ProofFailureWithoutFallback(t *testing.T) {
	params := types.DefaultParams()
	params.FallbackEnabled = false
	h := newHarness(t, params, settlement.ExecutorFunc(upper))
	h.provider.FailTimes = 3

	out, err := h.orch.Run(context.Background(), order("x"))
	require.ErrorIs(t, err, types.ErrProofGenerationFailed)
	var failure *prover.ProofFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, 3, failure.Attempts)
	require.Equal(t, 3, h.provider.Calls())
	require.Equal(t, types.StatusCommitted, out.Job.Status())
	require.Equal(t, math.NewInt(100_000), h.f.Keeper.GetStake(keepertest.Worker).Amount)
}

func TestRun_ProofFailureFallsBackToDegraded(t *testing.T) {
	h := newHarness(t, types.DefaultParams(), settlement.ExecutorFunc(upper))
	ctx := context.Background()

	first, err := h.orch.Run(ctx, order("first"))
	require.NoError(t, err)

	h.provider.FailTimes = h.provider.Calls() + 3
	workerBefore := h.f.Balance(keepertest.Worker)
	out, err := h.orch.Run(ctx, order("second"))
	require.NoError(t, err)
	require.True(t, out.Artifact.Degraded)
	require.False(t, out.Artifact.Verified)
	require.Equal(t, first.Job.ID, out.Artifact.SourceJobID)
	require.False(t, out.Settlement.Verification.Valid)

	s, _ := out.Job.Settlement()
	require.Equal(t, types.SettlementDegraded, s.Kind)
	require.Equal(t, math.NewInt(50), s.WorkerPayout)
	require.Equal(t, workerBefore.AddRaw(50), h.f.Balance(keepertest.Worker))
}

func TestRun_FallbackNeverCrossesModels(t *testing.T) {
	const otherModel = "summarize-v2"
	h := newHarness(t, types.DefaultParams(), settlement.ExecutorFunc(upper))
	h.f.Verifier.Register(otherModel)
	ctx := context.Background()

	_, err := h.orch.Run(ctx, order("first"))
	require.NoError(t, err)

	h.provider.Unavailable = true
	o := order("second")
	o.ModelID = otherModel
	out, err := h.orch.Run(ctx, o)
	require.ErrorIs(t, err, types.ErrNoFallbackArtifact)
	require.Nil(t, out.Artifact)
	require.Equal(t, types.StatusCommitted, out.Job.Status())
	require.Equal(t, math.NewInt(100_000), h.f.Keeper.GetStake(keepertest.Worker).Amount)
	require.NotContains(t, h.f.Sink.Types(out.Job.ID), types.EventSlashed)
}

func TestRun_NoFallbackArtifact(t *testing.T) {
	h := newHarness(t, types.DefaultParams(), settlement.ExecutorFunc(upper))
	h.provider.Unavailable = true

	out, err := h.orch.Run(context.Background(), order("x"))
	require.ErrorIs(t, err, types.ErrProverUnavailable)
	require.ErrorIs(t, err, types.ErrNoFallbackArtifact)
	require.Equal(t, types.StatusCommitted, out.Job.Status())
}

func TestRun_Optimistic(t *testing.T) {
	params := types.DefaultParams()
	params.OptimisticMode = true
	h := newHarness(t, params, settlement.ExecutorFunc(upper))
	ctx := context.Background()

	out, err := h.orch.Run(ctx, order("x"))
	require.NoError(t, err)
	require.Equal(t, types.StatusSubmitted, out.Job.Status())
	require.Zero(t, h.provider.Calls())

	runner := settlement.NewRunner(h.f.Keeper, time.Second, log.NewNopLogger())
	require.Zero(t, runner.Sweep(ctx).Finalized)
	h.f.Clock.Advance(params.ChallengeWindow)
	require.Equal(t, 1, runner.Sweep(ctx).Finalized)

	job, err := h.f.Keeper.GetJob(out.Job.ID)
	require.NoError(t, err)
	s, _ := job.Settlement()
	require.Equal(t, types.SettlementOptimistic, s.Kind)
}

func TestRun_CreateFailure(t *testing.T) {
	h := newHarness(t, types.DefaultParams(), settlement.ExecutorFunc(upper))
	o := order("x")
	o.ModelID = "unregistered"
	out, err := h.orch.Run(context.Background(), o)
	require.ErrorIs(t, err, types.ErrUnknownModel)
	require.Nil(t, out)
}

func TestNewOrchestratorRequiresWorker(t *testing.T) {
	_, err := settlement.NewOrchestrator(nil, nil, nil, "", log.NewNopLogger())
	require.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestRunnerStopsOnCancel(t *testing.T) {
	f := keepertest.JobsKeeper(t, types.DefaultParams())
	runner := settlement.NewRunner(f.Keeper, time.Millisecond, log.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}
