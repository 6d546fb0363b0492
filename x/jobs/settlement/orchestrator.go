// Package settlement drives jobs end to end: create, commit, execute, prove,
// submit and settle. It also runs the periodic ledger sweeps.
package settlement

import (
	"context"
	"errors"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/paw-chain/mosaic/app/telemetry"
	"github.com/paw-chain/mosaic/x/jobs/commitment"
	"github.com/paw-chain/mosaic/x/jobs/keeper"
	"github.com/paw-chain/mosaic/x/jobs/prover"
	"github.com/paw-chain/mosaic/x/jobs/types"
)

// Order is what a payer asks for.
type Order struct {
	Payer   string   `json:"payer"`
	Input   string   `json:"input"`
	ModelID string   `json:"model_id"`
	Payment math.Int `json:"payment"`
	Token   string   `json:"token,omitempty"`
}

// Outcome is what happened to one order. Job is always the latest record
// when the job was created, whatever phase failed.
type Outcome struct {
	Job        *types.Job              `json:"job,omitempty"`
	Output     string                  `json:"output,omitempty"`
	Artifact   *types.ProofArtifact    `json:"artifact,omitempty"`
	Settlement *types.SettlementResult `json:"settlement,omitempty"`
}

// Orchestrator runs orders through the job protocol on behalf of one worker.
type Orchestrator struct {
	keeper   *keeper.Keeper
	gate     *keeper.Gate
	adapter  *prover.Adapter
	executor Executor
	sink     types.EventSink
	logger   log.Logger
	worker   string

	meter        metric.Meter
	settleTime   metric.Float64Histogram
	outcomeCount metric.Int64Counter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMeter records settlement metrics on m instead of the global meter.
func WithMeter(m metric.Meter) Option { return func(o *Orchestrator) { o.meter = m } }

// WithEventSink sets the sink for orchestrator events (proof_generating, error).
func WithEventSink(s types.EventSink) Option { return func(o *Orchestrator) { o.sink = s } }

// NewOrchestrator creates an orchestrator that commits as worker.
func NewOrchestrator(k *keeper.Keeper, adapter *prover.Adapter, executor Executor, worker string, logger log.Logger, opts ...Option) (*Orchestrator, error) {
	if worker == "" {
		return nil, types.ErrUnauthorized.Wrap("orchestrator needs a worker address")
	}
	o := &Orchestrator{
		keeper:   k,
		gate:     keeper.NewGate(k),
		adapter:  adapter,
		executor: executor,
		sink:     types.NopSink{},
		logger:   logger.With("module", "x/jobs/settlement"),
		worker:   worker,
		meter:    otel.Meter("mosaicd"),
	}
	for _, opt := range opts {
		opt(o)
	}

	var err error
	o.settleTime, err = o.meter.Float64Histogram(
		"mosaic.job.completion_time",
		metric.WithDescription("Time from order to settlement"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	o.outcomeCount, err = o.meter.Int64Counter(
		"mosaic.job.outcomes",
		metric.WithDescription("Orders by final phase and settlement kind"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Gate returns the verification gate the orchestrator settles through.
func (o *Orchestrator) Gate() *keeper.Gate { return o.gate }

// Worker returns the worker address the orchestrator commits as.
func (o *Orchestrator) Worker() string { return o.worker }

// Run executes one order. A failure after commit leaves the job COMMITTED so
// the expiry sweep refunds the payer; the returned Outcome still carries it.
func (o *Orchestrator) Run(ctx context.Context, order Order) (*Outcome, error) {
	start := time.Now()
	ctx, span := telemetry.StartJobSpan(ctx, "run", "")
	defer span.End()

	out, phase, err := o.run(ctx, order)
	kind := ""
	if out != nil && out.Job != nil {
		span.SetAttributes(attribute.String("job.id", out.Job.ID), attribute.String("job.status", string(out.Job.Status())))
		if s, ok := out.Job.Settlement(); ok {
			kind = string(s.Kind)
		}
	}
	attrs := metric.WithAttributes(attribute.String("phase", phase), attribute.String("settlement.kind", kind))
	o.outcomeCount.Add(ctx, 1, attrs)
	o.settleTime.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)

	if err != nil {
		telemetry.RecordError(span, err)
		if out != nil && out.Job != nil {
			o.emit(types.EventError, out.Job, types.AttributeKeyReason, phase+": "+err.Error())
		}
		return out, err
	}
	telemetry.SetSpanStatus(span, true, phase)
	return out, nil
}

func (o *Orchestrator) run(ctx context.Context, order Order) (*Outcome, string, error) {
	k := o.keeper
	params := k.Params()

	job, err := k.CreateJob(ctx, keeper.CreateJobRequest{
		Payer:     order.Payer,
		InputHash: commitment.HashInput(order.Input),
		Payment:   order.Payment,
		Token:     order.Token,
		ModelID:   order.ModelID,
	})
	if err != nil {
		return nil, "create", err
	}
	out := &Outcome{Job: job}
	logger := o.logger.With("job_id", job.ID)

	nonce, err := commitment.NewNonce()
	if err != nil {
		return out, "commit", err
	}
	hash, err := commitment.Build(job.ModelID, job.InputHash, nonce, o.worker)
	if err != nil {
		return out, "commit", err
	}
	committed, err := k.Commit(ctx, job.ID, o.worker, hash)
	if err != nil {
		o.refresh(out)
		return out, "commit", err
	}
	out.Job = committed

	execCtx, execSpan := telemetry.StartJobSpan(ctx, "execute", job.ID)
	output, err := o.executor.Execute(execCtx, Task{JobID: job.ID, ModelID: job.ModelID, Input: order.Input})
	telemetry.RecordError(execSpan, err)
	execSpan.End()
	if err != nil {
		if !errors.Is(err, types.ErrExecutionFailed) {
			err = types.ErrExecutionFailed.Wrap(err.Error())
		}
		logger.Error("execution failed; job left to expire", "error", err)
		return out, "execute", err
	}
	out.Output = output
	outputHash := commitment.HashOutput(output)

	if params.OptimisticMode {
		submitted, err := k.Submit(ctx, job.ID, keeper.SubmitRequest{
			Worker:      o.worker,
			OutputHash:  outputHash,
			RevealNonce: nonce,
			Optimistic:  true,
		})
		if err != nil {
			o.refresh(out)
			return out, "submit", err
		}
		out.Job = submitted
		logger.Info("optimistic submission; settles after challenge window")
		return out, "optimistic", nil
	}

	o.emit(types.EventProofGenerating, out.Job, types.AttributeKeyModelID, job.ModelID)
	artifact, err := o.prove(ctx, job, order.Input, output, outputHash)
	if err != nil {
		return out, "prove", err
	}
	out.Artifact = artifact

	submitted, err := k.Submit(ctx, job.ID, keeper.SubmitRequest{
		Worker:      o.worker,
		OutputHash:  outputHash,
		Proof:       artifact.Proof,
		RevealNonce: nonce,
		Source:      artifact.Source(),
	})
	if err != nil {
		o.refresh(out)
		return out, "submit", err
	}
	out.Job = submitted

	settleCtx, settleSpan := telemetry.StartJobSpan(ctx, "settle", job.ID)
	res, err := o.gate.VerifyAndSettle(settleCtx, job.ID, artifact, output)
	telemetry.RecordError(settleSpan, err)
	settleSpan.End()
	if err != nil {
		o.refresh(out)
		return out, "settle", err
	}
	out.Settlement = res
	out.Job = res.Job
	return out, "settled", nil
}

// prove generates a fresh proof for job, or reuses a cached proof of the same
// model when proving failed and fallback is enabled.
func (o *Orchestrator) prove(ctx context.Context, job *types.Job, input, output, outputHash string) (*types.ProofArtifact, error) {
	logger := o.logger.With("job_id", job.ID)
	ctx, span := telemetry.StartJobSpan(ctx, "prove", job.ID)
	defer span.End()

	artifact, err := o.adapter.Generate(ctx, job.ID, job.ModelID, input, output)
	if err == nil {
		return artifact, nil
	}
	var failure *prover.ProofFailure
	if !errors.As(err, &failure) || !o.keeper.Params().FallbackEnabled {
		telemetry.RecordError(span, err)
		logger.Error("proof generation failed; job left to expire", "error", err)
		return nil, err
	}
	fallback, fbErr := o.adapter.Fallback(job.ID, job.ModelID, outputHash)
	if fbErr != nil {
		err = errors.Join(err, fbErr)
		telemetry.RecordError(span, err)
		logger.Error("no fallback proof; job left to expire", "error", err)
		return nil, err
	}
	telemetry.MarkProofFallback(ctx, job.ModelID, fallback.SourceJobID)
	logger.Info("settling with degraded proof", "source_job_id", fallback.SourceJobID, "attempts", failure.Attempts)
	return fallback, nil
}

// refresh reloads the job after a failed step that may have moved it.
func (o *Orchestrator) refresh(out *Outcome) {
	if out.Job == nil {
		return
	}
	if job, err := o.keeper.GetJob(out.Job.ID); err == nil {
		out.Job = job
	}
}

func (o *Orchestrator) emit(typ types.EventType, job *types.Job, attrs ...string) {
	ev := types.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		JobID:      job.ID,
		Status:     job.Status(),
		Attributes: make(map[string]string, len(attrs)/2),
		Time:       time.Now(),
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		ev.Attributes[attrs[i]] = attrs[i+1]
	}
	o.sink.Emit(ev)
}
