package keeper_test

import (
	"context"
	"sync"
	"testing"

	"cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	keepertest "github.com/paw-chain/mosaic/testutil/keeper"
	"github.com/paw-chain/mosaic/x/jobs/chain"
	"github.com/paw-chain/mosaic/x/jobs/keeper"
	"github.com/paw-chain/mosaic/x/jobs/types"
)

func TestStakeDepositWithdraw(t *testing.T) {
	f := keepertest.JobsKeeper(t, types.DefaultParams())
	ctx := context.Background()
	before := f.Balance(keepertest.Worker)

	s, err := f.Keeper.DepositStake(ctx, keepertest.Worker, math.NewInt(1500))
	require.NoError(t, err)
	require.Equal(t, math.NewInt(1500), s.Amount)
	require.Equal(t, math.NewInt(1500), f.Balance(types.StakePoolAccount))

	_, err = f.Keeper.DepositStake(ctx, keepertest.Worker, math.ZeroInt())
	require.ErrorIs(t, err, types.ErrInvalidPayment)

	c := f.CreateAndCommit(t, "x", 100)
	_, err = f.Keeper.WithdrawStake(ctx, keepertest.Worker, math.NewInt(500))
	require.ErrorIs(t, err, types.ErrStakeLocked)

	_, err = f.Keeper.Dispute(ctx, c.Job.ID, keepertest.Operator, "free the stake")
	require.NoError(t, err)
	_, err = f.Keeper.WithdrawStake(ctx, keepertest.Worker, math.NewInt(2000))
	require.ErrorIs(t, err, types.ErrInsufficientStake)

	s, err = f.Keeper.WithdrawStake(ctx, keepertest.Worker, math.NewInt(1500))
	require.NoError(t, err)
	require.True(t, s.Amount.IsZero())
	require.Equal(t, before, f.Balance(keepertest.Worker))
}

func TestSlash(t *testing.T) {
	f := keepertest.JobsKeeper(t, types.DefaultParams())
	ctx := context.Background()

	amount, err := f.Keeper.Slash(ctx, "nobody", "0x01", "no stake")
	require.NoError(t, err)
	require.True(t, amount.IsZero())

	f.Stake(t, keepertest.Worker, 1000)
	amount, err = f.Keeper.Slash(ctx, keepertest.Worker, "0x01", "bad proof")
	require.NoError(t, err)
	require.Equal(t, math.NewInt(100), amount)
	s := f.Keeper.GetStake(keepertest.Worker)
	require.Equal(t, math.NewInt(900), s.Amount)
	require.Equal(t, math.NewInt(100), s.Slashed)
}

func TestConcurrentDepositsAndSlashes(t *testing.T) {
	f := keepertest.JobsKeeper(t, types.DefaultParams())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.Keeper.DepositStake(ctx, keepertest.Worker, math.NewInt(10))
		}()
	}
	wg.Wait()
	require.Equal(t, math.NewInt(500), f.Keeper.GetStake(keepertest.Worker).Amount)
	require.Equal(t, math.NewInt(500), f.Balance(types.StakePoolAccount))
}

func TestConcurrentCommitsOneWinner(t *testing.T) {
	f := keepertest.JobsKeeper(t, types.DefaultParams())
	ctx := context.Background()
	workers := []string{"w1", "w2", "w3", "w4", "w5", "w6", "w7", "w8"}
	for _, w := range workers {
		f.Bank.Mint(w, f.Params.StakeDenom, math.NewInt(1000))
		f.Stake(t, w, 1000)
	}
	job := f.CreateJob(t, "contested", 100)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for _, w := range workers {
		hash, _ := commitHash(t, job, w)
		wg.Add(1)
		go func(w, hash string) {
			defer wg.Done()
			if _, err := f.Keeper.Commit(ctx, job.ID, w, hash); err == nil {
				mu.Lock()
				wins = append(wins, w)
				mu.Unlock()
			}
		}(w, hash)
	}
	wg.Wait()
	require.Len(t, wins, 1)
	require.Equal(t, wins[0], mustGet(t, f, job.ID).Worker())
}

// pausedCommitMirror holds CommitJob until released.
type pausedCommitMirror struct {
	*chain.MemContract
	entered chan struct{}
	release chan struct{}
}

func (m *pausedCommitMirror) CommitJob(ctx context.Context, jobID, worker, hash string) (chain.Receipt, error) {
	close(m.entered)
	<-m.release
	return m.MemContract.CommitJob(ctx, jobID, worker, hash)
}

func TestWithdrawWaitsForInFlightCommit(t *testing.T) {
	clock := keepertest.NewManualClock(keepertest.Epoch)
	mirror := &pausedCommitMirror{
		MemContract: chain.NewMemContract(clock.Now, 20),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	f := keepertest.JobsKeeper(t, types.DefaultParams(), keeper.WithMirror(mirror))
	ctx := context.Background()
	f.Stake(t, keepertest.Worker, 1000)
	job := f.CreateJob(t, "x", 100)
	hash, _ := commitHash(t, job, keepertest.Worker)

	commitErr := make(chan error, 1)
	go func() {
		_, err := f.Keeper.Commit(ctx, job.ID, keepertest.Worker, hash)
		commitErr <- err
	}()
	<-mirror.entered

	withdrawErr := make(chan error, 1)
	go func() {
		_, err := f.Keeper.WithdrawStake(ctx, keepertest.Worker, math.NewInt(1000))
		withdrawErr <- err
	}()
	close(mirror.release)

	require.NoError(t, <-commitErr)
	require.ErrorIs(t, <-withdrawErr, types.ErrStakeLocked)
	require.Equal(t, math.NewInt(1000), f.Keeper.GetStake(keepertest.Worker).Amount)
	require.Equal(t, types.StatusCommitted, mustGet(t, f, job.ID).Status())
}
