package types

import (
	"time"

	"cosmossdk.io/math"
)

// JobState is the status-specific part of a job. Each status has exactly one
// concrete state type, so the fields a phase requires are always present.
type JobState interface {
	Status() Status
	isJobState()
}

// SettlementKind records how a job's escrow was resolved.
type SettlementKind string

const (
	// SettlementVerified is full payment after a fresh proof verified.
	SettlementVerified SettlementKind = "verified"
	// SettlementDegraded is the commitment-only fallback payment.
	SettlementDegraded SettlementKind = "degraded"
	// SettlementOptimistic is payment after an unchallenged challenge window.
	SettlementOptimistic SettlementKind = "optimistic"
	// SettlementRefund returns the escrow to the payer.
	SettlementRefund SettlementKind = "refund"
	// SettlementSlash refunds the payer and slashes the worker.
	SettlementSlash SettlementKind = "slash"
	// SettlementReleased is an operator-approved payment of a disputed job.
	SettlementReleased SettlementKind = "released"
)

// Settlement is the money movement that closed a job.
type Settlement struct {
	Kind         SettlementKind `json:"kind"`
	WorkerPayout math.Int       `json:"worker_payout"`
	PayerRefund  math.Int       `json:"payer_refund"`
	Slashed      math.Int       `json:"slashed"`
	SettledAt    time.Time      `json:"settled_at"`
	TxHash       string         `json:"tx_hash,omitempty"`
}

// CryptographicallyVerified reports whether the settlement rests on a fresh proof.
func (s Settlement) CryptographicallyVerified() bool {
	return s.Kind == SettlementVerified
}

// CreatedState is a job waiting for a worker commitment.
type CreatedState struct{}

// CommittedState is a job a worker has locked in.
type CommittedState struct {
	Worker         string    `json:"worker"`
	CommitmentHash string    `json:"commitment_hash"`
	CommittedAt    time.Time `json:"committed_at"`
}

// SubmittedState is a job whose output (and usually proof) was submitted.
type SubmittedState struct {
	CommittedState
	OutputHash      string    `json:"output_hash"`
	ProofHash       string    `json:"proof_hash,omitempty"`
	RevealNonce     string    `json:"reveal_nonce"`
	SubmittedAt     time.Time `json:"submitted_at"`
	Optimistic      bool      `json:"optimistic"`
	ChallengeEndsAt time.Time `json:"challenge_ends_at,omitempty"`
	// Source is set when the worker submitted a degraded proof.
	Source *ProofSource `json:"source,omitempty"`
}

// VerifiedState is a paid job.
type VerifiedState struct {
	SubmittedState
	Settlement Settlement `json:"settlement"`
}

// RejectedState is a job whose submission failed verification.
type RejectedState struct {
	SubmittedState
	Reason     string     `json:"reason"`
	Settlement Settlement `json:"settlement"`
}

// ExpiredState is a job that missed a deadline. The payer refund becomes
// claimable at RefundAvailableAt.
type ExpiredState struct {
	From              Status      `json:"from"`
	Worker            string      `json:"worker,omitempty"`
	ExpiredAt         time.Time   `json:"expired_at"`
	RefundAvailableAt time.Time   `json:"refund_available_at"`
	Refund            *Settlement `json:"refund,omitempty"`
}

// DisputedState is a job frozen by an operator or a challenger. Escrow stays
// locked until ResolveDispute records a Resolution.
type DisputedState struct {
	From       Status      `json:"from"`
	Prior      JobState    `json:"-"`
	Operator   string      `json:"operator"`
	Reason     string      `json:"reason"`
	DisputedAt time.Time   `json:"disputed_at"`
	Resolution *Settlement `json:"resolution,omitempty"`
}

func (CreatedState) Status() Status   { return StatusCreated }
func (CommittedState) Status() Status { return StatusCommitted }
func (SubmittedState) Status() Status { return StatusSubmitted }
func (VerifiedState) Status() Status  { return StatusVerified }
func (RejectedState) Status() Status  { return StatusRejected }
func (ExpiredState) Status() Status   { return StatusExpired }
func (DisputedState) Status() Status  { return StatusDisputed }

func (CreatedState) isJobState()   {}
func (CommittedState) isJobState() {}
func (SubmittedState) isJobState() {}
func (VerifiedState) isJobState()  {}
func (RejectedState) isJobState()  {}
func (ExpiredState) isJobState()   {}
func (DisputedState) isJobState()  {}

// workerOf returns the committed worker of a state, if any.
func workerOf(s JobState) string {
	switch st := s.(type) {
	case CommittedState:
		return st.Worker
	case SubmittedState:
		return st.Worker
	case VerifiedState:
		return st.Worker
	case RejectedState:
		return st.Worker
	case ExpiredState:
		return st.Worker
	case DisputedState:
		if st.Prior != nil {
			return workerOf(st.Prior)
		}
	}
	return ""
}
