package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	dbm "github.com/cosmos/cosmos-db"

	"github.com/paw-chain/mosaic/x/jobs/types"
)

var (
	jobPrefix   = []byte("job/")
	payerPrefix = []byte("payer/")
)

// LevelStore keeps archived jobs in an embedded cosmos-db database.
type LevelStore struct {
	db     dbm.DB
	jobs   dbm.DB
	payers dbm.DB
}

var _ Store = (*LevelStore)(nil)

// NewLevelStore wraps an open database. Use dbm.NewMemDB() in tests.
func NewLevelStore(db dbm.DB) *LevelStore {
	return &LevelStore{
		db:     db,
		jobs:   dbm.NewPrefixDB(db, jobPrefix),
		payers: dbm.NewPrefixDB(db, payerPrefix),
	}
}

// OpenLevelStore opens (or creates) a goleveldb archive named name in dir.
func OpenLevelStore(name, dir string) (*LevelStore, error) {
	db, err := dbm.NewGoLevelDB(name, dir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive db: %w", err)
	}
	return NewLevelStore(db), nil
}

func payerKey(payer, jobID string) []byte {
	return []byte(payer + "/" + jobID)
}

// Put implements Store.
func (s *LevelStore) Put(_ context.Context, job *types.Job) error {
	bz, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	if err := s.jobs.Set([]byte(job.ID), bz); err != nil {
		return fmt.Errorf("failed to write job %s: %w", job.ID, err)
	}
	if err := s.payers.SetSync(payerKey(job.Payer, job.ID), []byte(job.ID)); err != nil {
		return fmt.Errorf("failed to index job %s: %w", job.ID, err)
	}
	return nil
}

// Get implements Store.
func (s *LevelStore) Get(_ context.Context, jobID string) (*types.Job, error) {
	bz, err := s.jobs.Get([]byte(jobID))
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}
	if bz == nil {
		return nil, types.ErrJobNotFound.Wrapf("%s not archived", jobID)
	}
	var job types.Job
	if err := json.Unmarshal(bz, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// ListByPayer implements Store.
func (s *LevelStore) ListByPayer(ctx context.Context, payer string, limit int) ([]*types.Job, error) {
	start := []byte(payer + "/")
	end := []byte(payer + "0") // '0' follows '/'
	it, err := s.payers.Iterator(start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to iterate payer index: %w", err)
	}
	defer it.Close()

	var out []*types.Job
	for ; it.Valid(); it.Next() {
		job, err := s.Get(ctx, string(it.Value()))
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements Store.
func (s *LevelStore) Close() error {
	return s.db.Close()
}
