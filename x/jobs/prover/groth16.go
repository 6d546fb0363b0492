package prover

import (
	"context"
	"time"

	"github.com/paw-chain/mosaic/x/jobs/circuits"
	"github.com/paw-chain/mosaic/x/jobs/commitment"
	"github.com/paw-chain/mosaic/x/jobs/types"
)

// Groth16Provider proves in-process with the output-binding circuit.
type Groth16Provider struct {
	registry *circuits.Registry
}

var _ ProofProvider = (*Groth16Provider)(nil)

// NewGroth16Provider creates a provider backed by registry.
func NewGroth16Provider(registry *circuits.Registry) *Groth16Provider {
	return &Groth16Provider{registry: registry}
}

// Name implements ProofProvider.
func (p *Groth16Provider) Name() string { return "groth16" }

// Available reports whether at least one proving key is loaded.
func (p *Groth16Provider) Available(context.Context) bool {
	if p.registry == nil {
		return false
	}
	for _, id := range p.registry.Models() {
		if p.registry.CanProve(id) {
			return true
		}
	}
	return false
}

type proveOutcome struct {
	proof []byte
	pub   circuits.PublicInputs
	err   error
}

// Prove implements ProofProvider. The gnark prover cannot be interrupted, so
// a cancelled ctx abandons the result rather than the computation.
func (p *Groth16Provider) Prove(ctx context.Context, req Request) (*Result, error) {
	if !p.registry.CanProve(req.ModelID) {
		return nil, types.ErrUnknownModel.Wrapf("no proving key for %s", req.ModelID)
	}
	outputHash := commitment.HashOutput(req.Output)
	st, err := circuits.NewStatement(req.JobID, req.ModelID, outputHash)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	done := make(chan proveOutcome, 1)
	go func() {
		proof, pub, err := p.registry.Prove(st)
		done <- proveOutcome{proof: proof, pub: pub, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		return &Result{
			Proof:          out.proof,
			Instances:      out.pub.Instances(),
			OutputHash:     outputHash,
			CircuitID:      circuits.CircuitID,
			System:         types.ProofSystemGroth16,
			GenerationTime: time.Since(start),
		}, nil
	}
}
