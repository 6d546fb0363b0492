package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paw-chain/mosaic/x/jobs/types"
)

// JobLister is the read side of the job ledger.
type JobLister interface {
	JobsByStatus(status types.Status) []*types.Job
}

// ProverProbe reports whether proofs can currently be generated.
type ProverProbe interface {
	Available(ctx context.Context) bool
}

// ChainClock reads the mirror's block time.
type ChainClock interface {
	Now(ctx context.Context) (time.Time, error)
}

// ArchiveReader reads archived jobs.
type ArchiveReader interface {
	Get(ctx context.Context, jobID string) (*types.Job, error)
}

// archiveProbeID never names a real job: real ids are hex digests.
const archiveProbeID = "health-probe"

// LedgerCheck reports job counts per status. The ledger is degraded when more
// than backlog jobs are waiting in SUBMITTED.
func LedgerCheck(l JobLister, backlog int) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		counts := make(map[string]interface{}, len(types.AllStatuses()))
		submitted := 0
		for _, st := range types.AllStatuses() {
			n := len(l.JobsByStatus(st))
			counts[string(st)] = n
			if st == types.StatusSubmitted {
				submitted = n
			}
		}
		if backlog > 0 && submitted > backlog {
			return ComponentHealth{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%d submissions awaiting settlement (threshold %d)", submitted, backlog),
				Metrics: counts,
			}
		}
		return ComponentHealth{Status: StatusHealthy, Message: "Job ledger is serving", Metrics: counts}
	}
}

// ProverCheck reports prover availability. Without a prover the daemon can
// still settle through the degraded path when fallback is enabled.
func ProverCheck(p ProverProbe, fallbackEnabled bool) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		ok := p.Available(ctx)
		metrics := map[string]interface{}{
			"response_time_ms": time.Since(start).Milliseconds(),
			"fallback_enabled": fallbackEnabled,
		}
		switch {
		case ok:
			return ComponentHealth{Status: StatusHealthy, Message: "Prover is available", Metrics: metrics}
		case fallbackEnabled:
			return ComponentHealth{Status: StatusDegraded, Message: "Prover unavailable; settling with degraded proofs", Metrics: metrics}
		default:
			return ComponentHealth{Status: StatusUnhealthy, Message: "Prover unavailable", Metrics: metrics}
		}
	}
}

// MirrorCheck reads the chain clock. A response slower than slow marks the
// mirror degraded.
func MirrorCheck(m ChainClock, slow time.Duration) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		now, err := m.Now(ctx)
		duration := time.Since(start)
		if err != nil {
			return ComponentHealth{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("Chain mirror unreachable: %v", err),
			}
		}
		metrics := map[string]interface{}{
			"response_time_ms": duration.Milliseconds(),
			"block_time":       now.UTC().Format(time.RFC3339),
		}
		if slow > 0 && duration > slow {
			return ComponentHealth{Status: StatusDegraded, Message: "Chain mirror response time is degraded", Metrics: metrics}
		}
		return ComponentHealth{Status: StatusHealthy, Message: "Chain mirror is responsive", Metrics: metrics}
	}
}

// ArchiveCheck looks up a job id that cannot exist; anything other than a
// not-found answer means the archive backend is failing.
func ArchiveCheck(a ArchiveReader) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		_, err := a.Get(ctx, archiveProbeID)
		metrics := map[string]interface{}{
			"query_time_ms": time.Since(start).Milliseconds(),
		}
		if err != nil && !errors.Is(err, types.ErrJobNotFound) {
			return ComponentHealth{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("Archive query failed: %v", err),
				Metrics: metrics,
			}
		}
		return ComponentHealth{Status: StatusHealthy, Message: "Archive is responsive", Metrics: metrics}
	}
}
