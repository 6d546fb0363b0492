package types

import (
	"time"
)

// EventType names the status events the protocol emits for observers.
// All event types use lowercase with underscore separator.
type EventType string

const (
	EventJobCreated      EventType = "job_created"
	EventCommitted       EventType = "committed"
	EventProofGenerating EventType = "proof_generating"
	EventSubmitted       EventType = "submitted"
	EventVerified        EventType = "verified"
	EventRejected        EventType = "rejected"
	EventSettled         EventType = "settled"
	EventExpired         EventType = "expired"
	EventDisputed        EventType = "disputed"
	EventSlashed         EventType = "slashed"
	EventRefunded        EventType = "refunded"
	EventError           EventType = "error"
)

// Event attribute keys
const (
	AttributeKeyJobID          = "job_id"
	AttributeKeyPayer          = "payer"
	AttributeKeyWorker         = "worker"
	AttributeKeyModelID        = "model_id"
	AttributeKeyAmount         = "amount"
	AttributeKeyCommitmentHash = "commitment_hash"
	AttributeKeyOutputHash     = "output_hash"
	AttributeKeySettlementKind = "settlement_kind"
	AttributeKeyReason         = "reason"
	AttributeKeyDegraded       = "degraded"
	AttributeKeyAttempts       = "attempts"
	AttributeKeyTxHash         = "tx_hash"
)

// Event is one typed status notification. Delivery is best-effort.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	JobID      string            `json:"job_id"`
	Status     Status            `json:"status,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Time       time.Time         `json:"time"`
}
