// Package chain mirrors the job ledger onto a settlement contract. The
// contract is the source of truth for deadlines once a ledger is mirrored.
package chain

import (
	"context"
	"time"

	"cosmossdk.io/math"
)

// EventKind names the events the job contract emits.
type EventKind string

const (
	EventJobCreated     EventKind = "JobCreated"
	EventJobCommitted   EventKind = "JobCommitted"
	EventProofSubmitted EventKind = "ProofSubmitted"
	EventJobVerified    EventKind = "JobVerified"
)

// Operation names a contract call, used for gas estimation and idempotency keys.
type Operation string

const (
	OpCreateJob   Operation = "createJob"
	OpCommitJob   Operation = "commitJob"
	OpSubmitProof Operation = "submitProof"
	OpVerifyJob   Operation = "verifyJob"
)

// IdempotencyKey identifies one logical contract call.
func IdempotencyKey(op Operation, jobID string) string {
	return string(op) + "/" + jobID
}

// Event is one contract log entry.
type Event struct {
	Kind      EventKind         `json:"kind"`
	JobID     string            `json:"job_id"`
	TxHash    string            `json:"tx_hash"`
	BlockTime time.Time         `json:"block_time"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Receipt is the result of a mined contract call.
type Receipt struct {
	TxHash    string    `json:"tx_hash"`
	GasUsed   uint64    `json:"gas_used"`
	GasLimit  uint64    `json:"gas_limit"`
	BlockTime time.Time `json:"block_time"`
	// Replayed is true when the call had already been mined and the original
	// receipt was returned.
	Replayed bool `json:"replayed"`
}

// CreateJobCall carries the escrowed job terms.
type CreateJobCall struct {
	JobID              string
	Payer              string
	InputHash          string
	ModelID            string
	Payment            math.Int
	Token              string
	CommitmentDeadline time.Time
	SubmissionDeadline time.Time
}

// Mirror is the on-chain job contract.
type Mirror interface {
	CreateJob(ctx context.Context, call CreateJobCall) (Receipt, error)
	CommitJob(ctx context.Context, jobID, worker, commitmentHash string) (Receipt, error)
	SubmitProof(ctx context.Context, jobID, outputHash, proofHash string) (Receipt, error)
	VerifyJob(ctx context.Context, jobID string, valid bool) (Receipt, error)
	// Now returns the chain's current block time.
	Now(ctx context.Context) (time.Time, error)
	// Events returns the contract log for one job in emission order.
	Events(ctx context.Context, jobID string) ([]Event, error)
}
