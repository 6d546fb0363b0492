package api

import (
	"time"

	"cosmossdk.io/math"

	"github.com/paw-chain/mosaic/x/jobs/types"
)

// ==================== Error Types ====================

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code,omitempty"`
	Details  string `json:"details,omitempty"`
	Recovery string `json:"recovery,omitempty"`
}

// ==================== Job Types ====================

// CreateJobRequest opens a job and escrows its payment. Either InputHash or
// Input must be set; Input is hashed server side and never stored.
type CreateJobRequest struct {
	Payer     string `json:"payer" binding:"required"`
	InputHash string `json:"input_hash,omitempty"`
	Input     string `json:"input,omitempty"`
	Payment   string `json:"payment" binding:"required"`
	Token     string `json:"token,omitempty"`
	ModelID   string `json:"model_id" binding:"required"`
}

// CommitRequest locks a job to a worker.
type CommitRequest struct {
	Worker         string `json:"worker" binding:"required"`
	CommitmentHash string `json:"commitment_hash" binding:"required"`
}

// SubmitRequest records a worker's output hash, proof and reveal.
type SubmitRequest struct {
	Worker      string `json:"worker" binding:"required"`
	OutputHash  string `json:"output_hash" binding:"required"`
	Proof       []byte `json:"proof,omitempty"`
	RevealNonce string `json:"reveal_nonce" binding:"required"`
	Optimistic  bool   `json:"optimistic,omitempty"`
	// Source names the reused proof of a degraded submission.
	Source *types.ProofSource `json:"source,omitempty"`
}

// SettleRequest hands the gate the artifact and the output it proves.
type SettleRequest struct {
	Artifact *types.ProofArtifact `json:"artifact"`
	Output   string               `json:"output"`
}

// RefundRequest claims an expired job's escrow.
type RefundRequest struct {
	Payer string `json:"payer" binding:"required"`
}

// ChallengeRequest disputes an optimistic submission.
type ChallengeRequest struct {
	Challenger string `json:"challenger" binding:"required"`
	Reason     string `json:"reason" binding:"required"`
}

// DisputeRequest freezes a job. The operator comes from the bearer token.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveRequest closes a disputed job.
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required,oneof=release refund slash"`
}

// OrderRequest asks the daemon's own worker to run a job end to end.
type OrderRequest struct {
	Payer   string `json:"payer" binding:"required"`
	Input   string `json:"input" binding:"required"`
	ModelID string `json:"model_id" binding:"required"`
	Payment string `json:"payment" binding:"required"`
	Token   string `json:"token,omitempty"`
}

// OrderResponse reports an order's outcome.
type OrderResponse struct {
	Job        *types.Job              `json:"job,omitempty"`
	OutputHash string                  `json:"output_hash,omitempty"`
	Artifact   *types.ProofArtifact    `json:"artifact,omitempty"`
	Settlement *types.SettlementResult `json:"settlement,omitempty"`
	Error      *ErrorResponse          `json:"error,omitempty"`
}

// JobsResponse is a list of jobs.
type JobsResponse struct {
	Jobs  []*types.Job `json:"jobs"`
	Total int          `json:"total"`
}

// ==================== Stake Types ====================

// StakeRequest deposits or withdraws worker stake.
type StakeRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// StakeResponse is a worker's stake balance.
type StakeResponse struct {
	Worker string   `json:"worker"`
	Amount math.Int `json:"amount"`
	Denom  string   `json:"denom"`
}

// ==================== Auth Types ====================

// TokenResponse is an issued operator token.
type TokenResponse struct {
	Token     string    `json:"token"`
	Operator  string    `json:"operator"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ==================== WebSocket Types ====================

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string      `json:"type"`
	Channel string      `json:"channel,omitempty"`
	Data    interface{} `json:"data"`
}

// WSSubscribeMessage represents a subscription request
type WSSubscribeMessage struct {
	Type    string `json:"type" binding:"required,oneof=subscribe unsubscribe"`
	Channel string `json:"channel" binding:"required"`
}
