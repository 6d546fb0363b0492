package prover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"cosmossdk.io/log"

	"github.com/paw-chain/mosaic/app/telemetry"
	"github.com/paw-chain/mosaic/x/jobs/circuits"
	"github.com/paw-chain/mosaic/x/jobs/commitment"
	"github.com/paw-chain/mosaic/x/jobs/types"
)

// FallbackProvider is the provider name recorded on degraded artifacts.
const FallbackProvider = "fallback"

// Adapter produces proof artifacts for job outputs.
type Adapter struct {
	provider ProofProvider
	verifier types.ProofVerifier
	params   types.Params
	logger   log.Logger
	metrics  *Metrics
	clock    types.Clock

	mu sync.Mutex
	// fallback sources keyed by model id
	fresh  map[string]*types.ProofArtifact
	static map[string]*types.ProofArtifact
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithMetrics sets the metrics the adapter reports to.
func WithMetrics(m *Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithClock overrides the time source.
func WithClock(c types.Clock) Option {
	return func(a *Adapter) { a.clock = c }
}

// WithStaticArtifact seeds the fallback cache of art's model.
func WithStaticArtifact(art *types.ProofArtifact) Option {
	return func(a *Adapter) {
		if art != nil && art.ModelID != "" {
			a.static[art.ModelID] = cloneArtifact(art)
		}
	}
}

// NewAdapter creates a proof adapter. verifier may be nil, in which case
// fresh artifacts are never marked verified.
func NewAdapter(provider ProofProvider, verifier types.ProofVerifier, params types.Params, logger log.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		provider: provider,
		verifier: verifier,
		params:   params,
		logger:   logger.With("module", "x/jobs/prover"),
		clock:    time.Now,
		fresh:    make(map[string]*types.ProofArtifact),
		static:   make(map[string]*types.ProofArtifact),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = NewMetrics(nil)
	}
	return a
}

// Provider returns the underlying proving backend.
func (a *Adapter) Provider() ProofProvider {
	return a.provider
}

// Available reports whether the proving backend is usable.
func (a *Adapter) Available(ctx context.Context) bool {
	return a.provider.Available(ctx)
}

// Generate proves that output was produced for jobID. Each attempt runs under
// ProofTimeout; up to MaxProofRetries attempts are made with RetryDelay
// between them. Exhaustion returns a *ProofFailure.
func (a *Adapter) Generate(ctx context.Context, jobID, modelID, input, output string) (*types.ProofArtifact, error) {
	outputHash := commitment.HashOutput(output)
	name := a.provider.Name()

	if !a.provider.Available(ctx) {
		a.metrics.Failures.WithLabelValues(name, "unavailable").Inc()
		return nil, &ProofFailure{JobID: jobID, Unavailable: true}
	}

	attempts := a.params.MaxProofRetries
	if attempts < 1 {
		attempts = 1
	}
	req := Request{JobID: jobID, ModelID: modelID, Input: input, Output: output}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		a.metrics.Attempts.WithLabelValues(name).Inc()
		start := time.Now()

		art, err := a.attempt(ctx, req, outputHash)
		if err == nil {
			art.Attempts = attempt
			a.metrics.GenerationTime.WithLabelValues(name).Observe(time.Since(start).Seconds())
			a.metrics.Generated.WithLabelValues(name, strconv.FormatBool(art.Verified)).Inc()
			a.remember(art)
			a.logger.Info("proof generated",
				"job_id", jobID,
				"provider", name,
				"attempt", attempt,
				"verified", art.Verified,
				"proof_size", len(art.Proof),
			)
			return art, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, types.ErrProofBindingMismatch):
			a.metrics.Failures.WithLabelValues(name, "binding").Inc()
			return nil, err
		case errors.Is(err, types.ErrProofTooLarge), errors.Is(err, types.ErrInvalidPublicInputs):
			a.metrics.Failures.WithLabelValues(name, "invalid_artifact").Inc()
			return nil, err
		case errors.Is(err, types.ErrUnknownModel):
			a.metrics.Failures.WithLabelValues(name, "unknown_model").Inc()
			return nil, &ProofFailure{JobID: jobID, Attempts: attempt, Unavailable: true, Last: err}
		}
		a.metrics.Failures.WithLabelValues(name, "attempt").Inc()
		telemetry.MarkProofRetry(ctx, attempt, attempts, err)
		a.logger.Error("proof attempt failed",
			"job_id", jobID,
			"provider", name,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)

		if ctx.Err() != nil {
			return nil, &ProofFailure{JobID: jobID, Attempts: attempt, Last: ctx.Err()}
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, &ProofFailure{JobID: jobID, Attempts: attempt, Last: ctx.Err()}
			case <-time.After(a.params.RetryDelay):
			}
		}
	}
	return nil, &ProofFailure{JobID: jobID, Attempts: attempts, Last: lastErr}
}

// attempt runs one provider call under the per-attempt timeout and turns the
// result into a checked artifact.
func (a *Adapter) attempt(ctx context.Context, req Request, outputHash string) (*types.ProofArtifact, error) {
	actx, cancel := context.WithTimeout(ctx, a.params.ProofTimeout)
	defer cancel()

	res, err := a.provider.Prove(actx, req)
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("attempt timed out after %s: %w", a.params.ProofTimeout, err)
		}
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("provider %s returned no result", a.provider.Name())
	}
	if res.OutputHash != "" && !commitment.SameDigest(res.OutputHash, outputHash) {
		return nil, types.ErrProofBindingMismatch.Wrapf("provider hashed output to %s, expected %s", res.OutputHash, outputHash)
	}

	system := res.System
	if system == "" {
		system = types.ProofSystemGroth16
	}
	circuitID := res.CircuitID
	if circuitID == "" {
		circuitID = circuits.CircuitID
	}
	art := &types.ProofArtifact{
		JobID:       req.JobID,
		ModelID:     req.ModelID,
		CircuitID:   circuitID,
		System:      system,
		Proof:       res.Proof,
		Instances:   res.Instances,
		OutputHash:  outputHash,
		Provider:    a.provider.Name(),
		GeneratedAt: a.clock(),
	}
	if err := art.Validate(a.params.MaxProofSize, a.params.MaxPublicInputs); err != nil {
		return nil, err
	}

	if a.verifier == nil || !a.verifier.HasVerifyingKey(req.ModelID) {
		return art, nil
	}
	st, err := circuits.NewStatement(req.JobID, req.ModelID, outputHash)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(st.Public().Instances(), art.Instances) {
		return nil, types.ErrProofBindingMismatch.Wrap("public instances do not commit to this job output")
	}
	if err := a.verifier.VerifyInstances(req.ModelID, art.Proof, art.Instances); err != nil {
		a.metrics.LocalVerifyFail.Inc()
		return nil, fmt.Errorf("local verification failed: %w", err)
	}
	art.Verified = true
	return art, nil
}

func (a *Adapter) remember(art *types.ProofArtifact) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fresh[art.ModelID] = cloneArtifact(art)
}

// fallbackSource returns the newest fresh artifact for modelID, or the static
// one, after checking that its proof verifies against its own statement.
func (a *Adapter) fallbackSource(modelID string) (*types.ProofArtifact, error) {
	a.mu.Lock()
	src, ok := a.fresh[modelID]
	if !ok {
		src = a.static[modelID]
	}
	src = cloneArtifact(src)
	a.mu.Unlock()
	if src == nil {
		return nil, types.ErrNoFallbackArtifact.Wrapf("no proof cached for model %s", modelID)
	}
	if a.verifier == nil || !a.verifier.HasVerifyingKey(modelID) {
		return src, nil
	}

	st, err := circuits.NewStatement(src.JobID, modelID, src.OutputHash)
	if err != nil {
		return nil, types.ErrNoFallbackArtifact.Wrap(err.Error())
	}
	if !slices.Equal(st.Public().Instances(), src.Instances) {
		return nil, types.ErrNoFallbackArtifact.Wrapf("cached proof of job %s is not bound to its output", src.JobID)
	}
	if err := a.verifier.VerifyInstances(modelID, src.Proof, src.Instances); err != nil {
		return nil, types.ErrNoFallbackArtifact.Wrapf("cached proof of job %s does not verify: %v", src.JobID, err)
	}
	return src, nil
}

// Fallback re-binds the newest fresh artifact of modelID (or its static one)
// to jobID and outputHash. The result is degraded and never verified. It
// fails with ErrNoFallbackArtifact when the model has no usable source.
func (a *Adapter) Fallback(jobID, modelID, outputHash string) (*types.ProofArtifact, error) {
	if !a.params.FallbackEnabled {
		return nil, types.ErrNoFallbackArtifact.Wrap("fallback disabled")
	}
	src, err := a.fallbackSource(modelID)
	if err != nil {
		return nil, err
	}

	outputHash = commitment.NormalizeHex(outputHash)
	deg := src
	deg.ModelID = modelID
	deg.SourceJobID = src.JobID
	deg.SourceOutputHash = commitment.NormalizeHex(src.OutputHash)
	deg.JobID = jobID
	deg.OutputHash = outputHash
	deg.Verified = false
	deg.Degraded = true
	deg.BindingCommitment = commitment.BindingCommitment(outputHash, jobID, src.FirstInstance())
	deg.Provider = FallbackProvider
	deg.Attempts = 0
	deg.GeneratedAt = a.clock()

	a.metrics.Fallbacks.Inc()
	a.logger.Info("issued degraded fallback artifact",
		"job_id", jobID,
		"model_id", modelID,
		"source_job_id", deg.SourceJobID,
		"binding_commitment", deg.BindingCommitment,
	)
	return deg, nil
}

// LoadStaticArtifact reads a JSON proof artifact from path into the fallback
// cache of its model.
func (a *Adapter) LoadStaticArtifact(path string) error {
	bz, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read static artifact: %w", err)
	}
	var art types.ProofArtifact
	if err := json.Unmarshal(bz, &art); err != nil {
		return fmt.Errorf("failed to decode static artifact: %w", err)
	}
	switch {
	case len(art.Proof) == 0 || len(art.Instances) == 0:
		return types.ErrNoFallbackArtifact.Wrapf("static artifact %s has no proof or instances", path)
	case art.ModelID == "" || art.JobID == "" || art.OutputHash == "":
		return types.ErrNoFallbackArtifact.Wrapf("static artifact %s must name its model, job and output hash", path)
	}
	art.Verified = false
	a.mu.Lock()
	a.static[art.ModelID] = &art
	a.mu.Unlock()
	return nil
}

func cloneArtifact(art *types.ProofArtifact) *types.ProofArtifact {
	if art == nil {
		return nil
	}
	out := *art
	out.Proof = append([]byte(nil), art.Proof...)
	out.Instances = append([]string(nil), art.Instances...)
	return &out
}
