package types

import (
	"fmt"
	"time"

	"cosmossdk.io/math"
)

// ProofSystemGroth16 is the only proof system the gate verifies.
const ProofSystemGroth16 = "groth16"

// ProofArtifact is a proof bound to one job output.
type ProofArtifact struct {
	JobID     string `json:"job_id"`
	ModelID   string `json:"model_id"`
	CircuitID string `json:"circuit_id"`
	System    string `json:"system"`
	Proof     []byte `json:"proof"`
	// Instances are the public inputs in circuit declaration order, as decimal
	// field elements.
	Instances  []string `json:"instances"`
	OutputHash string   `json:"output_hash"`

	// Verified is set only when a verifier in this process accepted this
	// artifact. It is never copied from a provider or an older artifact.
	Verified bool `json:"verified"`

	// Degraded artifacts reuse an older proof re-bound to this job by
	// BindingCommitment. They never count as verified. The reused proof must
	// still verify against the statement of SourceJobID and SourceOutputHash.
	Degraded          bool   `json:"degraded"`
	BindingCommitment string `json:"binding_commitment,omitempty"`
	SourceJobID       string `json:"source_job_id,omitempty"`
	SourceOutputHash  string `json:"source_output_hash,omitempty"`

	Provider    string    `json:"provider"`
	Attempts    int       `json:"attempts"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ProofSource names the earlier proof a degraded submission reuses.
type ProofSource struct {
	JobID      string `json:"job_id"`
	OutputHash string `json:"output_hash"`
}

// Source returns the reused proof of a degraded artifact, nil otherwise.
func (a *ProofArtifact) Source() *ProofSource {
	if !a.Degraded {
		return nil
	}
	return &ProofSource{JobID: a.SourceJobID, OutputHash: a.SourceOutputHash}
}

// FirstInstance returns instances[0] or "" for an empty vector.
func (a *ProofArtifact) FirstInstance() string {
	if len(a.Instances) == 0 {
		return ""
	}
	return a.Instances[0]
}

// Validate checks structural limits before any cryptographic work.
func (a *ProofArtifact) Validate(maxProofSize, maxPublicInputs int) error {
	if a.JobID == "" {
		return fmt.Errorf("artifact job id is required")
	}
	if a.OutputHash == "" {
		return fmt.Errorf("artifact output hash is required")
	}
	if len(a.Proof) == 0 {
		return fmt.Errorf("proof data is required")
	}
	if maxProofSize > 0 && len(a.Proof) > maxProofSize {
		return ErrProofTooLarge.Wrapf("proof size %d exceeds maximum %d", len(a.Proof), maxProofSize)
	}
	if len(a.Instances) == 0 {
		return ErrInvalidPublicInputs.Wrap("public instances are required")
	}
	if maxPublicInputs > 0 && len(a.Instances) > maxPublicInputs {
		return ErrInvalidPublicInputs.Wrapf("%d public instances exceed maximum %d", len(a.Instances), maxPublicInputs)
	}
	if a.Degraded && a.BindingCommitment == "" {
		return fmt.Errorf("degraded artifact requires a binding commitment")
	}
	if a.Degraded && (a.SourceJobID == "" || a.SourceOutputHash == "") {
		return fmt.Errorf("degraded artifact requires its source job and output hash")
	}
	return nil
}

// Reveal is what a worker discloses at submission time.
type Reveal struct {
	Worker string `json:"worker"`
	Nonce  []byte `json:"nonce"`
}

// WorkerStake is the balance a worker has bonded with the protocol.
type WorkerStake struct {
	Worker    string    `json:"worker"`
	Amount    math.Int  `json:"amount"`
	Slashed   math.Int  `json:"slashed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VerificationResult is the outcome of the gate's local checks.
type VerificationResult struct {
	Valid    bool   `json:"valid"`
	Degraded bool   `json:"degraded"`
	Reason   string `json:"reason,omitempty"`
	// Err is the typed error for the first failed check, nil when Valid.
	Err error `json:"-"`
}

// SettlementResult is returned by VerifyAndSettle.
type SettlementResult struct {
	Job              *Job               `json:"job"`
	Verification     VerificationResult `json:"verification"`
	AlreadyFinalized bool               `json:"already_finalized"`
	OnChainTxHash    string             `json:"on_chain_tx_hash,omitempty"`
}
