// Package provertest provides in-memory proving doubles for tests.
package provertest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/paw-chain/mosaic/x/jobs/circuits"
	"github.com/paw-chain/mosaic/x/jobs/commitment"
	"github.com/paw-chain/mosaic/x/jobs/prover"
	"github.com/paw-chain/mosaic/x/jobs/types"
)

// ErrInjected is the default failure returned by FakeProvider.
var ErrInjected = errors.New("injected prover failure")

// FakeProof is the proof bytes FakeProvider emits and FakeVerifier accepts.
func FakeProof(instances []string) []byte {
	return []byte("fake:" + strings.Join(instances, ","))
}

// FakeProvider returns well-formed proofs bound to the real output hash.
type FakeProvider struct {
	mu sync.Mutex

	Unavailable bool
	// FailTimes makes the first N calls fail with Err (or ErrInjected).
	FailTimes int
	Err       error
	// Delay blocks each call, honoring ctx.
	Delay time.Duration
	// Respond overrides the default result when set.
	Respond func(req prover.Request) (*prover.Result, error)

	calls int
}

var _ prover.ProofProvider = (*FakeProvider)(nil)

// Name implements prover.ProofProvider.
func (f *FakeProvider) Name() string { return "fake" }

// Available implements prover.ProofProvider.
func (f *FakeProvider) Available(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Unavailable
}

// Calls returns how many times Prove ran.
func (f *FakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Prove implements prover.ProofProvider.
func (f *FakeProvider) Prove(ctx context.Context, req prover.Request) (*prover.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	failTimes, injected, delay, respond := f.FailTimes, f.Err, f.Delay, f.Respond
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if call <= failTimes {
		if injected == nil {
			injected = ErrInjected
		}
		return nil, injected
	}
	if respond != nil {
		return respond(req)
	}
	return HonestResult(req)
}

// HonestResult builds the result an honest prover would return for req.
func HonestResult(req prover.Request) (*prover.Result, error) {
	outputHash := commitment.HashOutput(req.Output)
	st, err := circuits.NewStatement(req.JobID, req.ModelID, outputHash)
	if err != nil {
		return nil, err
	}
	instances := st.Public().Instances()
	return &prover.Result{
		Proof:      FakeProof(instances),
		Instances:  instances,
		OutputHash: outputHash,
		CircuitID:  circuits.CircuitID,
		System:     types.ProofSystemGroth16,
	}, nil
}

// FakeVerifier accepts exactly the proofs FakeProof produces for registered models.
type FakeVerifier struct {
	mu     sync.Mutex
	models map[string]bool
	// RejectAll forces every verification to fail.
	RejectAll bool
}

var _ types.ProofVerifier = (*FakeVerifier)(nil)

// NewFakeVerifier registers the given models.
func NewFakeVerifier(models ...string) *FakeVerifier {
	v := &FakeVerifier{models: make(map[string]bool)}
	for _, m := range models {
		v.models[m] = true
	}
	return v
}

// Register adds a model's verifying key.
func (v *FakeVerifier) Register(modelID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.models[modelID] = true
}

// Forget drops a model's verifying key.
func (v *FakeVerifier) Forget(modelID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.models, modelID)
}

// HasVerifyingKey implements types.ProofVerifier.
func (v *FakeVerifier) HasVerifyingKey(modelID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.models[modelID]
}

// VerifyInstances implements types.ProofVerifier.
func (v *FakeVerifier) VerifyInstances(modelID string, proof []byte, instances []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.models[modelID] {
		return types.ErrUnknownModel.Wrap(modelID)
	}
	if v.RejectAll || string(proof) != string(FakeProof(instances)) {
		return types.ErrVerificationFailed.Wrap("fake verifier rejected proof")
	}
	return nil
}
