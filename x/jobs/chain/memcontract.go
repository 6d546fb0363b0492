package chain

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/paw-chain/mosaic/x/jobs/types"
)

// baseGas is the simulated execution cost of each contract call.
var baseGas = map[Operation]uint64{
	OpCreateJob:   120_000,
	OpCommitJob:   60_000,
	OpSubmitProof: 90_000,
	OpVerifyJob:   250_000,
}

type contractJob struct {
	call      CreateJobCall
	status    types.Status
	worker    string
	committed string
	output    string
	proof     string
}

// MemContract simulates the job contract in memory. Every call is keyed by
// operation and job id; repeating a mined call returns the original receipt
// without side effects.
type MemContract struct {
	clock     types.Clock
	gasBuffer int64

	mu       sync.Mutex
	jobs     map[string]*contractJob
	receipts map[string]Receipt
	events   map[string][]Event
	nonce    uint64
	failNext int
}

var _ Mirror = (*MemContract)(nil)

// NewMemContract creates a simulated contract. gasBufferPercentage is added
// on top of the estimated gas for each call's gas limit.
func NewMemContract(clock types.Clock, gasBufferPercentage int64) *MemContract {
	if clock == nil {
		clock = time.Now
	}
	return &MemContract{
		clock:     clock,
		gasBuffer: gasBufferPercentage,
		jobs:      make(map[string]*contractJob),
		receipts:  make(map[string]Receipt),
		events:    make(map[string][]Event),
	}
}

// FailNext makes the next n calls fail with a transient error.
func (c *MemContract) FailNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = n
}

// EstimateGas returns the gas limit the contract would be called with.
func (c *MemContract) EstimateGas(op Operation) uint64 {
	return baseGas[op] * uint64(100+c.gasBuffer) / 100
}

// Now implements Mirror.
func (c *MemContract) Now(context.Context) (time.Time, error) {
	return c.clock(), nil
}

// Events implements Mirror.
func (c *MemContract) Events(_ context.Context, jobID string) ([]Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events[jobID]...), nil
}

// CreateJob implements Mirror.
func (c *MemContract) CreateJob(_ context.Context, call CreateJobCall) (Receipt, error) {
	return c.exec(OpCreateJob, call.JobID, func(now time.Time) (map[string]string, error) {
		if _, ok := c.jobs[call.JobID]; ok {
			return nil, types.ErrJobExists.Wrap(call.JobID)
		}
		if call.Payment.IsNil() || !call.Payment.IsPositive() {
			return nil, types.ErrInvalidPayment.Wrap("escrow must be positive")
		}
		c.jobs[call.JobID] = &contractJob{call: call, status: types.StatusCreated}
		return map[string]string{
			"payer":    call.Payer,
			"payment":  call.Payment.String(),
			"model_id": call.ModelID,
		}, nil
	})
}

// CommitJob implements Mirror.
func (c *MemContract) CommitJob(_ context.Context, jobID, worker, commitmentHash string) (Receipt, error) {
	return c.exec(OpCommitJob, jobID, func(now time.Time) (map[string]string, error) {
		j, err := c.job(jobID, types.StatusCreated)
		if err != nil {
			return nil, err
		}
		if now.After(j.call.CommitmentDeadline) {
			return nil, types.ErrCommitmentDeadlineExpired.Wrapf("block time %s", now.UTC().Format(time.RFC3339))
		}
		j.status = types.StatusCommitted
		j.worker = worker
		j.committed = commitmentHash
		return map[string]string{"worker": worker, "commitment": commitmentHash}, nil
	})
}

// SubmitProof implements Mirror.
func (c *MemContract) SubmitProof(_ context.Context, jobID, outputHash, proofHash string) (Receipt, error) {
	return c.exec(OpSubmitProof, jobID, func(now time.Time) (map[string]string, error) {
		j, err := c.job(jobID, types.StatusCommitted)
		if err != nil {
			return nil, err
		}
		if now.After(j.call.SubmissionDeadline) {
			return nil, types.ErrSubmissionDeadlineExpired.Wrapf("block time %s", now.UTC().Format(time.RFC3339))
		}
		j.status = types.StatusSubmitted
		j.output = outputHash
		j.proof = proofHash
		return map[string]string{"output_hash": outputHash, "proof_hash": proofHash}, nil
	})
}

// VerifyJob implements Mirror.
func (c *MemContract) VerifyJob(_ context.Context, jobID string, valid bool) (Receipt, error) {
	return c.exec(OpVerifyJob, jobID, func(now time.Time) (map[string]string, error) {
		j, err := c.job(jobID, types.StatusSubmitted)
		if err != nil {
			return nil, err
		}
		if valid {
			j.status = types.StatusVerified
		} else {
			j.status = types.StatusRejected
		}
		return map[string]string{"valid": strconv.FormatBool(valid), "worker": j.worker}, nil
	})
}

// Status returns the contract-side status of a job.
func (c *MemContract) Status(jobID string) (types.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[jobID]
	if !ok {
		return "", false
	}
	return j.status, true
}

func (c *MemContract) job(jobID string, want types.Status) (*contractJob, error) {
	j, ok := c.jobs[jobID]
	if !ok {
		return nil, types.ErrJobNotFound.Wrap(jobID)
	}
	if j.status != want {
		return nil, types.ErrInvalidTransition.Wrapf("contract job %s is %s, expected %s", jobID, j.status, want)
	}
	return j, nil
}

// exec runs one state-changing call: transient failure injection, replay of
// mined calls, then the call body and event emission.
func (c *MemContract) exec(op Operation, jobID string, body func(now time.Time) (map[string]string, error)) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failNext > 0 {
		c.failNext--
		return Receipt{}, fmt.Errorf("%s %s: connection reset by peer", op, jobID)
	}
	key := IdempotencyKey(op, jobID)
	if r, ok := c.receipts[key]; ok {
		r.Replayed = true
		return r, nil
	}

	now := c.clock()
	fields, err := body(now)
	if err != nil {
		return Receipt{}, err
	}

	c.nonce++
	r := Receipt{
		TxHash:    c.txHash(key),
		GasUsed:   baseGas[op],
		GasLimit:  c.EstimateGas(op),
		BlockTime: now,
	}
	c.receipts[key] = r
	c.events[jobID] = append(c.events[jobID], Event{
		Kind:      eventFor(op),
		JobID:     jobID,
		TxHash:    r.TxHash,
		BlockTime: now,
		Fields:    fields,
	})
	return r, nil
}

func (c *MemContract) txHash(key string) string {
	h := sha3.NewLegacyKeccak256()
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], c.nonce)
	h.Write(n[:])
	h.Write([]byte(key))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func eventFor(op Operation) EventKind {
	switch op {
	case OpCreateJob:
		return EventJobCreated
	case OpCommitJob:
		return EventJobCommitted
	case OpSubmitProof:
		return EventProofSubmitted
	default:
		return EventJobVerified
	}
}
