// Package prover turns a job output into a proof artifact bound to that
// output. Proving backends plug in through ProofProvider; the Adapter adds
// timeouts, retries, local verification and the degraded fallback.
package prover

import (
	"context"
	"time"
)

// Request is one proving job.
type Request struct {
	JobID   string
	ModelID string
	Input   string
	Output  string
}

// Result is what a provider returns. SelfVerified is informational only; the
// adapter verifies locally before marking an artifact verified.
type Result struct {
	Proof          []byte
	Instances      []string
	OutputHash     string
	CircuitID      string
	System         string
	SelfVerified   bool
	GenerationTime time.Duration
}

// ProofProvider is a proving backend.
type ProofProvider interface {
	// Name identifies the backend in logs and artifacts.
	Name() string
	// Available reports whether the backend can currently prove anything.
	Available(ctx context.Context) bool
	// Prove generates a proof for the request. It must honor ctx.
	Prove(ctx context.Context, req Request) (*Result, error)
}
