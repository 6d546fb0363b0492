package chain

import (
	"context"
	"errors"
	"sync"
	"time"

	"cosmossdk.io/log"
	"golang.org/x/time/rate"

	"github.com/paw-chain/mosaic/x/jobs/types"
)

// RetryConfig tunes RetryingMirror.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	// CallsPerSecond paces calls to the endpoint; 0 disables pacing.
	CallsPerSecond float64
	Burst          int
}

// DefaultRetryConfig returns the default mirror retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		Delay:          500 * time.Millisecond,
		CallsPerSecond: 10,
		Burst:          20,
	}
}

// RetryingMirror retries transient failures of an underlying Mirror. Calls
// that already succeeded are answered from a local receipt cache keyed by
// IdempotencyKey, so a retried settlement is never sent twice.
type RetryingMirror struct {
	next    Mirror
	cfg     RetryConfig
	limiter *rate.Limiter
	logger  log.Logger

	mu       sync.Mutex
	receipts map[string]Receipt
}

var _ Mirror = (*RetryingMirror)(nil)

// NewRetryingMirror wraps next.
func NewRetryingMirror(next Mirror, cfg RetryConfig, logger log.Logger) *RetryingMirror {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	limit := rate.Inf
	if cfg.CallsPerSecond > 0 {
		limit = rate.Limit(cfg.CallsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &RetryingMirror{
		next:     next,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger.With("module", "x/jobs/chain"),
		receipts: make(map[string]Receipt),
	}
}

// CreateJob implements Mirror.
func (m *RetryingMirror) CreateJob(ctx context.Context, call CreateJobCall) (Receipt, error) {
	return m.do(ctx, OpCreateJob, call.JobID, func() (Receipt, error) { return m.next.CreateJob(ctx, call) })
}

// CommitJob implements Mirror.
func (m *RetryingMirror) CommitJob(ctx context.Context, jobID, worker, commitmentHash string) (Receipt, error) {
	return m.do(ctx, OpCommitJob, jobID, func() (Receipt, error) { return m.next.CommitJob(ctx, jobID, worker, commitmentHash) })
}

// SubmitProof implements Mirror.
func (m *RetryingMirror) SubmitProof(ctx context.Context, jobID, outputHash, proofHash string) (Receipt, error) {
	return m.do(ctx, OpSubmitProof, jobID, func() (Receipt, error) { return m.next.SubmitProof(ctx, jobID, outputHash, proofHash) })
}

// VerifyJob implements Mirror.
func (m *RetryingMirror) VerifyJob(ctx context.Context, jobID string, valid bool) (Receipt, error) {
	return m.do(ctx, OpVerifyJob, jobID, func() (Receipt, error) { return m.next.VerifyJob(ctx, jobID, valid) })
}

// Now implements Mirror.
func (m *RetryingMirror) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	_, err := m.do(ctx, "now", "", func() (Receipt, error) {
		var err error
		now, err = m.next.Now(ctx)
		return Receipt{}, err
	})
	return now, err
}

// Events implements Mirror.
func (m *RetryingMirror) Events(ctx context.Context, jobID string) ([]Event, error) {
	return m.next.Events(ctx, jobID)
}

func (m *RetryingMirror) do(ctx context.Context, op Operation, jobID string, call func() (Receipt, error)) (Receipt, error) {
	key := IdempotencyKey(op, jobID)
	cacheable := jobID != ""
	if cacheable {
		m.mu.Lock()
		r, ok := m.receipts[key]
		m.mu.Unlock()
		if ok {
			r.Replayed = true
			return r, nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if err := m.limiter.Wait(ctx); err != nil {
			return Receipt{}, types.ErrMirror.Wrapf("%s: %v", key, err)
		}
		r, err := call()
		if err == nil {
			if cacheable {
				m.mu.Lock()
				m.receipts[key] = r
				m.mu.Unlock()
			}
			return r, nil
		}
		if isProtocolError(err) {
			return Receipt{}, err
		}
		lastErr = err
		m.logger.Error("mirror call failed",
			"key", key,
			"attempt", attempt,
			"max_attempts", m.cfg.MaxAttempts,
			"error", err,
		)
		if attempt < m.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return Receipt{}, types.ErrMirror.Wrapf("%s: %v", key, ctx.Err())
			case <-time.After(m.cfg.Delay):
			}
		}
	}
	return Receipt{}, types.ErrMirror.Wrapf("%s after %d attempts: %v", key, m.cfg.MaxAttempts, lastErr)
}

// isProtocolError reports whether err is a deterministic contract rejection
// that no retry can fix.
func isProtocolError(err error) bool {
	var coded interface{ Codespace() string }
	return errors.As(err, &coded) && coded.Codespace() == types.ModuleName
}
