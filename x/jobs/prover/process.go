package prover

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/paw-chain/mosaic/x/jobs/commitment"
)

// DefaultAvailabilityTTL is how long a toolchain lookup is cached.
const DefaultAvailabilityTTL = 30 * time.Second

// ProcessProvider runs an external prover as a subprocess:
//
//	<command> [args...] <output_text> <job_id>
//
// The prover prints one JSON object on stdout (see processOutput).
type ProcessProvider struct {
	command string
	args    []string
	ttl     time.Duration

	mu        sync.Mutex
	available bool
	checkedAt time.Time
}

var _ ProofProvider = (*ProcessProvider)(nil)

// NewProcessProvider creates a provider for command. ttl <= 0 uses
// DefaultAvailabilityTTL.
func NewProcessProvider(command string, args []string, ttl time.Duration) *ProcessProvider {
	if ttl <= 0 {
		ttl = DefaultAvailabilityTTL
	}
	return &ProcessProvider{command: command, args: args, ttl: ttl}
}

// Name implements ProofProvider.
func (p *ProcessProvider) Name() string { return "process" }

// Available reports whether the prover binary resolves on PATH.
func (p *ProcessProvider) Available(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.checkedAt.IsZero() && time.Since(p.checkedAt) < p.ttl {
		return p.available
	}
	_, err := exec.LookPath(p.command)
	p.available = err == nil
	p.checkedAt = time.Now()
	return p.available
}

// processOutput is the prover's stdout contract.
type processOutput struct {
	Success          bool          `json:"success"`
	Proof            *processProof `json:"proof"`
	OutputHash       string        `json:"outputHash"`
	ProofSizeBytes   int           `json:"proofSizeBytes"`
	GenerationTimeMs int64         `json:"generationTimeMs"`
	InstanceCount    int           `json:"instanceCount"`
	Verified         bool          `json:"verified"`
	Error            string        `json:"error"`
}

type processProof struct {
	// Instances are grouped per circuit output; groups are flattened in order.
	Instances [][]string `json:"instances"`
	HexProof  string     `json:"hex_proof"`
	Proof     string     `json:"proof"`
	CircuitID string     `json:"circuit_id"`
	System    string     `json:"system"`
}

// Prove implements ProofProvider.
func (p *ProcessProvider) Prove(ctx context.Context, req Request) (*Result, error) {
	args := append(append([]string{}, p.args...), req.Output, req.JobID)
	cmd := exec.CommandContext(ctx, p.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("prover exited: %w: %s", err, tail(stderr.String(), 512))
	}
	return parseProcessOutput(stdout.Bytes())
}

func parseProcessOutput(bz []byte) (*Result, error) {
	var out processOutput
	if err := json.Unmarshal(bytes.TrimSpace(bz), &out); err != nil {
		return nil, fmt.Errorf("failed to decode prover output: %w", err)
	}
	if !out.Success {
		if out.Error == "" {
			out.Error = "prover reported failure"
		}
		return nil, fmt.Errorf("prover: %s", out.Error)
	}
	if out.Proof == nil {
		return nil, fmt.Errorf("prover reported success without a proof")
	}

	raw := out.Proof.HexProof
	if raw == "" {
		raw = out.Proof.Proof
	}
	proof, err := hex.DecodeString(commitment.NormalizeHex(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode proof bytes: %w", err)
	}

	var instances []string
	for _, group := range out.Proof.Instances {
		instances = append(instances, group...)
	}
	return &Result{
		Proof:          proof,
		Instances:      instances,
		OutputHash:     out.OutputHash,
		CircuitID:      out.Proof.CircuitID,
		System:         out.Proof.System,
		SelfVerified:   out.Verified,
		GenerationTime: time.Duration(out.GenerationTimeMs) * time.Millisecond,
	}, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
