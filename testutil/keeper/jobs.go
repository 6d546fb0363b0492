// Package keeper holds fixtures for tests that need a job ledger.
package keeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	"github.com/paw-chain/mosaic/x/jobs/commitment"
	"github.com/paw-chain/mosaic/x/jobs/keeper"
	"github.com/paw-chain/mosaic/x/jobs/prover"
	"github.com/paw-chain/mosaic/x/jobs/prover/provertest"
	"github.com/paw-chain/mosaic/x/jobs/types"
)

const (
	// TestModel is registered with the fixture verifier.
	TestModel = "test-model"
	Payer     = "payer1"
	Worker    = "worker1"
	Operator  = "operator1"
)

// Epoch is the fixture clock's start time.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ManualClock is a clock tests move by hand.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock starts at t.
func NewManualClock(t time.Time) *ManualClock { return &ManualClock{now: t} }

// Now returns the current fixture time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// RecordingSink keeps every emitted event.
type RecordingSink struct {
	mu     sync.Mutex
	events []types.Event
}

// Emit implements types.EventSink.
func (s *RecordingSink) Emit(ev types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of the recorded events.
func (s *RecordingSink) Events() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Event(nil), s.events...)
}

// Types returns the recorded event types of one job, in order.
func (s *RecordingSink) Types(jobID string) []types.EventType {
	var out []types.EventType
	for _, ev := range s.Events() {
		if ev.JobID == jobID {
			out = append(out, ev.Type)
		}
	}
	return out
}

// FaultyBank wraps a MemBank and fails sends into chosen accounts.
type FaultyBank struct {
	*keeper.MemBank

	mu     sync.Mutex
	failTo map[string]error
}

// FailSendsTo makes every later send into account fail with err. A nil err
// clears the fault.
func (b *FaultyBank) FailSendsTo(account string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failTo, account)
		return
	}
	b.failTo[account] = err
}

// Send implements types.BankKeeper.
func (b *FaultyBank) Send(ctx context.Context, from, to, denom string, amount math.Int) error {
	b.mu.Lock()
	err := b.failTo[to]
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.MemBank.Send(ctx, from, to, denom, amount)
}

// Fixture is a keeper with its in-memory collaborators.
type Fixture struct {
	Keeper   *keeper.Keeper
	Gate     *keeper.Gate
	Bank     *FaultyBank
	Clock    *ManualClock
	Sink     *RecordingSink
	Verifier *provertest.FakeVerifier
	Params   types.Params
}

// JobsKeeper creates a keeper with a manual clock, a funded payer and a fake
// verifier that knows TestModel. Extra options apply after the defaults.
func JobsKeeper(t testing.TB, params types.Params, opts ...keeper.Option) *Fixture {
	t.Helper()
	f := &Fixture{
		Bank:     &FaultyBank{MemBank: keeper.NewMemBank(), failTo: make(map[string]error)},
		Clock:    NewManualClock(Epoch),
		Sink:     &RecordingSink{},
		Verifier: provertest.NewFakeVerifier(TestModel),
		Params:   params,
	}
	f.Bank.Mint(Payer, params.StakeDenom, math.NewInt(1_000_000))
	f.Bank.Mint(Worker, params.StakeDenom, math.NewInt(1_000_000))

	base := []keeper.Option{
		keeper.WithClock(f.Clock.Now),
		keeper.WithEventSink(f.Sink),
		keeper.WithVerifier(f.Verifier),
		keeper.WithOperators(Operator),
	}
	k, err := keeper.NewKeeper(params, f.Bank, log.NewNopLogger(), append(base, opts...)...)
	require.NoError(t, err)
	f.Keeper = k
	f.Gate = keeper.NewGate(k)
	return f
}

// Balance returns an account balance in the stake denom.
func (f *Fixture) Balance(account string) math.Int {
	return f.Bank.GetBalance(context.Background(), account, f.Params.StakeDenom)
}

// Committed is a job advanced to COMMITTED with everything needed to submit.
type Committed struct {
	Job    *types.Job
	Input  string
	Nonce  []byte
	Worker string
}

// CreateJob creates a job for input paying payment.
func (f *Fixture) CreateJob(t testing.TB, input string, payment int64) *types.Job {
	t.Helper()
	job, err := f.Keeper.CreateJob(context.Background(), keeper.CreateJobRequest{
		Payer:     Payer,
		InputHash: commitment.HashInput(input),
		Payment:   math.NewInt(payment),
		ModelID:   TestModel,
	})
	require.NoError(t, err)
	return job
}

// Stake deposits amount for worker.
func (f *Fixture) Stake(t testing.TB, worker string, amount int64) {
	t.Helper()
	_, err := f.Keeper.DepositStake(context.Background(), worker, math.NewInt(amount))
	require.NoError(t, err)
}

// CreateAndCommit creates a job and commits Worker to it.
func (f *Fixture) CreateAndCommit(t testing.TB, input string, payment int64) Committed {
	t.Helper()
	job := f.CreateJob(t, input, payment)
	nonce, err := commitment.NewNonce()
	require.NoError(t, err)
	hash, err := commitment.Build(TestModel, job.InputHash, nonce, Worker)
	require.NoError(t, err)
	job, err = f.Keeper.Commit(context.Background(), job.ID, Worker, hash)
	require.NoError(t, err)
	return Committed{Job: job, Input: input, Nonce: nonce, Worker: Worker}
}

// HonestArtifact returns a fake-verifiable artifact binding output to job.
func HonestArtifact(t testing.TB, job *types.Job, output string) *types.ProofArtifact {
	t.Helper()
	outputHash := commitment.HashOutput(output)
	res, err := provertest.HonestResult(prover.Request{JobID: job.ID, ModelID: job.ModelID, Output: output})
	require.NoError(t, err)
	return &types.ProofArtifact{
		JobID:      job.ID,
		ModelID:    job.ModelID,
		CircuitID:  res.CircuitID,
		System:     res.System,
		Proof:      res.Proof,
		Instances:  res.Instances,
		OutputHash: outputHash,
		Verified:   true,
		Provider:   "fake",
		Attempts:   1,
	}
}

// SubmitArtifact submits artifact for output on behalf of the committed worker.
func (f *Fixture) SubmitArtifact(t testing.TB, c Committed, artifact *types.ProofArtifact, output string) *types.Job {
	t.Helper()
	job, err := f.Keeper.Submit(context.Background(), c.Job.ID, keeper.SubmitRequest{
		Worker:      c.Worker,
		OutputHash:  commitment.HashOutput(output),
		Proof:       artifact.Proof,
		RevealNonce: c.Nonce,
		Source:      artifact.Source(),
	})
	require.NoError(t, err)
	return job
}
