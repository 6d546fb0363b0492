// Package archive stores terminal jobs after they are pruned from the
// in-memory ledger.
package archive

import (
	"context"
	"time"

	"github.com/paw-chain/mosaic/x/jobs/types"
)

// Store persists archived job records.
type Store interface {
	// Put writes a job, replacing any earlier record with the same id.
	Put(ctx context.Context, job *types.Job) error
	// Get returns an archived job or types.ErrJobNotFound.
	Get(ctx context.Context, jobID string) (*types.Job, error)
	// ListByPayer returns a payer's archived jobs, oldest first.
	ListByPayer(ctx context.Context, payer string, limit int) ([]*types.Job, error)
	Close() error
}

// ClosedAt returns when a terminal job stopped changing, and false when the
// job still holds escrow (unsettled dispute, unclaimed refund) or is live.
func ClosedAt(job *types.Job) (time.Time, bool) {
	switch st := job.State.(type) {
	case types.VerifiedState:
		return st.Settlement.SettledAt, true
	case types.RejectedState:
		return st.Settlement.SettledAt, true
	case types.ExpiredState:
		if st.Refund != nil {
			return st.Refund.SettledAt, true
		}
	case types.DisputedState:
		if st.Resolution != nil {
			return st.Resolution.SettledAt, true
		}
	}
	return time.Time{}, false
}
