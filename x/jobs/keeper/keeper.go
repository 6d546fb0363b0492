package keeper

import (
	"context"
	"sort"
	"sync"
	"time"

	"cosmossdk.io/log"
	"github.com/google/uuid"

	"github.com/paw-chain/mosaic/x/jobs/archive"
	"github.com/paw-chain/mosaic/x/jobs/chain"
	"github.com/paw-chain/mosaic/x/jobs/types"
)

// Keeper is the job ledger. It owns every job record, the worker stakes and
// the escrow accounts.
//
// Job records are copy-on-write: a mutation builds a new *types.Job under the
// job's mutex and swaps it into the index under mu. Readers only need mu.
type Keeper struct {
	params   types.Params
	bank     types.BankKeeper
	logger   log.Logger
	clock    types.Clock
	sink     types.EventSink
	mirror   chain.Mirror
	archive  archive.Store
	verifier types.ProofVerifier
	metrics  *Metrics

	operators map[string]struct{}

	mu       sync.RWMutex
	jobs     map[string]*types.Job
	jobLocks map[string]*sync.Mutex
	byPayer  map[string][]string
	byWorker map[string][]string

	stakeMu    sync.Mutex
	stakes     map[string]types.WorkerStake
	stakeLocks map[string]*sync.Mutex
}

// Option configures a Keeper.
type Option func(*Keeper)

// WithClock sets the ledger's authoritative clock.
func WithClock(c types.Clock) Option { return func(k *Keeper) { k.clock = c } }

// WithEventSink sets the observer that receives status events.
func WithEventSink(s types.EventSink) Option { return func(k *Keeper) { k.sink = s } }

// WithMirror mirrors every transition onto an on-chain contract whose block
// time then becomes the authoritative clock.
func WithMirror(m chain.Mirror) Option { return func(k *Keeper) { k.mirror = m } }

// WithArchive sets where pruned terminal jobs are written.
func WithArchive(a archive.Store) Option { return func(k *Keeper) { k.archive = a } }

// WithVerifier sets the proof verifier used by the gate. Jobs can then only
// be created for models with a registered verifying key.
func WithVerifier(v types.ProofVerifier) Option { return func(k *Keeper) { k.verifier = v } }

// WithMetrics sets the keeper metrics.
func WithMetrics(m *Metrics) Option { return func(k *Keeper) { k.metrics = m } }

// WithOperators sets the addresses allowed to dispute and resolve jobs.
func WithOperators(ops ...string) Option {
	return func(k *Keeper) {
		for _, op := range ops {
			k.operators[op] = struct{}{}
		}
	}
}

// NewKeeper creates a job ledger.
func NewKeeper(params types.Params, bank types.BankKeeper, logger log.Logger, opts ...Option) (*Keeper, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	k := &Keeper{
		params:     params,
		bank:       bank,
		logger:     logger.With("module", "x/"+types.ModuleName),
		clock:      time.Now,
		sink:       types.NopSink{},
		operators:  make(map[string]struct{}),
		jobs:       make(map[string]*types.Job),
		jobLocks:   make(map[string]*sync.Mutex),
		byPayer:    make(map[string][]string),
		byWorker:   make(map[string][]string),
		stakes:     make(map[string]types.WorkerStake),
		stakeLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.metrics == nil {
		k.metrics = NewMetrics(nil)
	}
	return k, nil
}

// Params returns the protocol parameters.
func (k *Keeper) Params() types.Params { return k.params }

// Logger returns the module logger.
func (k *Keeper) Logger() log.Logger { return k.logger }

// Mirror returns the on-chain mirror, or nil.
func (k *Keeper) Mirror() chain.Mirror { return k.mirror }

// Now returns the authoritative time: the mirror's block time when mirrored,
// the keeper clock otherwise.
func (k *Keeper) Now(ctx context.Context) (time.Time, error) {
	if k.mirror != nil {
		now, err := k.mirror.Now(ctx)
		if err != nil {
			return time.Time{}, types.ErrMirror.Wrapf("block time: %v", err)
		}
		return now, nil
	}
	return k.clock(), nil
}

// IsOperator reports whether addr may dispute and resolve jobs.
func (k *Keeper) IsOperator(addr string) bool {
	_, ok := k.operators[addr]
	return ok
}

// lockJob returns the held mutex of jobID and the current record.
func (k *Keeper) lockJob(jobID string) (*sync.Mutex, *types.Job, error) {
	k.mu.RLock()
	mu, ok := k.jobLocks[jobID]
	k.mu.RUnlock()
	if !ok {
		return nil, nil, types.ErrJobNotFound.Wrap(jobID)
	}
	mu.Lock()

	k.mu.RLock()
	job, ok := k.jobs[jobID]
	k.mu.RUnlock()
	if !ok {
		// pruned while we waited
		mu.Unlock()
		return nil, nil, types.ErrJobNotFound.Wrap(jobID)
	}
	return mu, job, nil
}

// put swaps in a new version of a job. Callers hold the job mutex.
func (k *Keeper) put(prev, next *types.Job) {
	k.mu.Lock()
	k.jobs[next.ID] = next
	if w := next.Worker(); w != "" && (prev == nil || prev.Worker() == "") {
		k.byWorker[w] = append(k.byWorker[w], next.ID)
	}
	k.mu.Unlock()

	if prev != nil && prev.Status() != next.Status() {
		k.metrics.Transitions.WithLabelValues(string(prev.Status()), string(next.Status())).Inc()
		k.metrics.JobsByStatus.WithLabelValues(string(prev.Status())).Dec()
		k.metrics.JobsByStatus.WithLabelValues(string(next.Status())).Inc()
	}
}

// transition moves job to state after checking the transition table. A
// non-empty txHash replaces the job's last on-chain receipt.
func (k *Keeper) transition(job *types.Job, state types.JobState, txHash string) (*types.Job, error) {
	from, to := job.Status(), state.Status()
	if !types.CanTransition(from, to) {
		return nil, types.ErrInvalidTransition.Wrapf("job %s: %s -> %s", job.ID, from, to)
	}
	next := job.Clone()
	next.State = state
	if txHash != "" {
		next.TxHash = txHash
	}
	k.put(job, next)
	k.logger.Info("job transition", "job_id", job.ID, "from", from, "to", to)
	return next, nil
}

func (k *Keeper) emit(typ types.EventType, job *types.Job, attrs ...string) {
	ev := types.Event{
		ID:         newEventID(),
		Type:       typ,
		JobID:      job.ID,
		Status:     job.Status(),
		Attributes: make(map[string]string, len(attrs)/2+1),
		Time:       k.clock(),
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		ev.Attributes[attrs[i]] = attrs[i+1]
	}
	k.sink.Emit(ev)
}

func newEventID() string { return uuid.NewString() }

// GetJob returns a copy of a job.
func (k *Keeper) GetJob(jobID string) (*types.Job, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	job, ok := k.jobs[jobID]
	if !ok {
		return nil, types.ErrJobNotFound.Wrap(jobID)
	}
	return job.Clone(), nil
}

// JobsByPayer returns the payer's jobs, oldest first.
func (k *Keeper) JobsByPayer(payer string) []*types.Job {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.collect(k.byPayer[payer])
}

// JobsByWorker returns the jobs a worker committed to, oldest first.
func (k *Keeper) JobsByWorker(worker string) []*types.Job {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.collect(k.byWorker[worker])
}

// JobsByStatus returns all in-memory jobs with the given status, oldest first.
func (k *Keeper) JobsByStatus(status types.Status) []*types.Job {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []*types.Job
	for _, job := range k.jobs {
		if job.Status() == status {
			out = append(out, job.Clone())
		}
	}
	sortJobs(out)
	return out
}

// AllJobs returns every in-memory job, oldest first.
func (k *Keeper) AllJobs() []*types.Job {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]*types.Job, 0, len(k.jobs))
	for _, job := range k.jobs {
		out = append(out, job.Clone())
	}
	sortJobs(out)
	return out
}

// collect resolves ids; callers hold mu.
func (k *Keeper) collect(ids []string) []*types.Job {
	out := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		if job, ok := k.jobs[id]; ok {
			out = append(out, job.Clone())
		}
	}
	sortJobs(out)
	return out
}

func sortJobs(jobs []*types.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
