package types

import (
	"errors"

	sdkerrors "cosmossdk.io/errors"
)

// Jobs module sentinel errors with recovery suggestions

var (
	// Deadline errors
	ErrCommitmentDeadlineExpired = sdkerrors.Register(ModuleName, 2, "commitment deadline expired")
	ErrSubmissionDeadlineExpired = sdkerrors.Register(ModuleName, 3, "submission deadline expired")

	// Commitment and binding errors
	ErrRevealMismatch       = sdkerrors.Register(ModuleName, 10, "reveal does not reproduce commitment")
	ErrProofBindingMismatch = sdkerrors.Register(ModuleName, 11, "proof artifact is not bound to the submitted output")
	ErrInvalidCommitment    = sdkerrors.Register(ModuleName, 12, "invalid commitment")

	// Proof errors
	ErrProofGenerationFailed = sdkerrors.Register(ModuleName, 20, "proof generation failed")
	ErrProverUnavailable     = sdkerrors.Register(ModuleName, 21, "proving toolchain unavailable")
	ErrNoFallbackArtifact    = sdkerrors.Register(ModuleName, 22, "no fallback proof artifact available")
	ErrProofTooLarge         = sdkerrors.Register(ModuleName, 23, "proof size exceeds maximum allowed")
	ErrInvalidPublicInputs   = sdkerrors.Register(ModuleName, 24, "invalid public inputs")
	ErrUnknownModel          = sdkerrors.Register(ModuleName, 25, "no verification parameters for model")

	// Verification and settlement errors
	ErrVerificationFailed         = sdkerrors.Register(ModuleName, 30, "proof verification failed")
	ErrSettlementAlreadyFinalized = sdkerrors.Register(ModuleName, 31, "settlement already finalized")
	ErrChallengeWindowClosed      = sdkerrors.Register(ModuleName, 32, "challenge window closed")
	ErrChallengeWindowOpen        = sdkerrors.Register(ModuleName, 33, "challenge window still open")
	ErrRefundNotReady             = sdkerrors.Register(ModuleName, 34, "refund cooldown has not elapsed")

	// Stake and payment errors
	ErrInsufficientStake = sdkerrors.Register(ModuleName, 40, "insufficient worker stake")
	ErrInvalidPayment    = sdkerrors.Register(ModuleName, 41, "invalid payment")
	ErrInsufficientFunds = sdkerrors.Register(ModuleName, 42, "insufficient funds")
	ErrStakeLocked       = sdkerrors.Register(ModuleName, 43, "stake backs active commitments")

	// Ledger errors
	ErrJobNotFound       = sdkerrors.Register(ModuleName, 50, "job not found")
	ErrJobExists         = sdkerrors.Register(ModuleName, 51, "job already exists")
	ErrInvalidTransition = sdkerrors.Register(ModuleName, 52, "illegal job state transition")
	ErrUnauthorized      = sdkerrors.Register(ModuleName, 53, "unauthorized operation")
	ErrInvalidJob        = sdkerrors.Register(ModuleName, 54, "invalid job")

	// External boundary errors
	ErrMirror          = sdkerrors.Register(ModuleName, 60, "on-chain mirror call failed")
	ErrExecutionFailed = sdkerrors.Register(ModuleName, 61, "task execution failed")
)

// ErrorWithRecovery wraps an error with recovery suggestions
type ErrorWithRecovery struct {
	Err      error
	Recovery string
}

func (e *ErrorWithRecovery) Error() string {
	return e.Err.Error()
}

func (e *ErrorWithRecovery) Unwrap() error {
	return e.Err
}

// RecoverySuggestions provides actionable recovery steps for each error type
var RecoverySuggestions = map[error]string{
	ErrCommitmentDeadlineExpired: "The job expired before a worker committed. The payer can claim the refund after the refund cooldown and post a new job.",
	ErrSubmissionDeadlineExpired: "The worker did not submit in time. The job is expired; the payer can claim the refund after the cooldown.",

	ErrRevealMismatch:       "Reveal the exact nonce used at commit time with the same model id, input hash and worker address.",
	ErrProofBindingMismatch: "The proof was generated for a different output or job. Regenerate the proof from the submitted output.",
	ErrInvalidCommitment:    "Commitments are 32-byte keccak256 hashes encoded as 0x-prefixed hex.",

	ErrProofGenerationFailed: "The prover failed after all retries. Check prover logs and toolchain health; the fallback path may settle a degraded payment.",
	ErrProverUnavailable:     "The proving toolchain is not installed or not reachable. Check the prover command and key directory.",
	ErrNoFallbackArtifact:    "No earlier proof exists to re-bind. Generate at least one fresh proof or load a static artifact.",
	ErrProofTooLarge:         "Proof exceeds the configured maximum size. Check the proving system configuration.",
	ErrInvalidPublicInputs:   "Public instances do not match the circuit. Check instance count and encoding.",
	ErrUnknownModel:          "No verifying key is registered for this model. Run keygen or load the model keys at startup.",

	ErrVerificationFailed:         "The proof did not verify. The job is rejected, the payer refunded and the worker slashed.",
	ErrSettlementAlreadyFinalized: "The job already settled. No further payment will be made.",
	ErrChallengeWindowClosed:      "The optimistic challenge window has ended; the job can no longer be challenged.",
	ErrChallengeWindowOpen:        "Wait until the challenge window ends before finalizing the optimistic settlement.",
	ErrRefundNotReady:             "Refunds become claimable once the refund cooldown after expiry has elapsed.",

	ErrInsufficientStake: "Deposit more stake. Required stake is payment multiplied by the minimum stake multiplier.",
	ErrInvalidPayment:    "Payment must be positive, at least the minimum payment, and use a valid token denom.",
	ErrInsufficientFunds: "The account balance does not cover the transfer.",
	ErrStakeLocked:       "Stake cannot be withdrawn while the worker has committed or submitted jobs.",

	ErrJobNotFound:       "Check the job id. Archived jobs are only available from the archive store.",
	ErrJobExists:         "A job with the same payer, input hash and creation time exists. Retry the creation.",
	ErrInvalidTransition: "The job is not in a status that allows this operation. Query the job status first.",
	ErrUnauthorized:      "Only the committed worker may submit, and only operators may dispute or resolve jobs.",
	ErrInvalidJob:        "Job fields failed validation. Check payer, model id, input hash and payment.",

	ErrMirror:          "The on-chain call failed after retries. Check the chain endpoint; the call is idempotent per job and safe to retry.",
	ErrExecutionFailed: "The executor failed. Jobs are executed once; the job will expire and refund the payer.",
}

// WrapWithRecovery wraps an error with recovery suggestion
func WrapWithRecovery(err error, msg string, args ...interface{}) error {
	wrapped := sdkerrors.Wrapf(err, msg, args...)

	if suggestion, ok := RecoverySuggestions[err]; ok {
		return &ErrorWithRecovery{
			Err:      wrapped,
			Recovery: suggestion,
		}
	}

	return wrapped
}

// GetRecoverySuggestion returns the recovery suggestion for an error
func GetRecoverySuggestion(err error) string {
	for _, sentinel := range sentinelOrder {
		if errors.Is(err, sentinel) {
			return RecoverySuggestions[sentinel]
		}
	}
	return "No recovery suggestion available. Check error message for details."
}

// sentinelOrder keeps lookups deterministic; map iteration is not.
var sentinelOrder = []error{
	ErrCommitmentDeadlineExpired, ErrSubmissionDeadlineExpired,
	ErrRevealMismatch, ErrProofBindingMismatch, ErrInvalidCommitment,
	ErrProofGenerationFailed, ErrProverUnavailable, ErrNoFallbackArtifact,
	ErrProofTooLarge, ErrInvalidPublicInputs, ErrUnknownModel,
	ErrVerificationFailed, ErrSettlementAlreadyFinalized, ErrChallengeWindowClosed,
	ErrChallengeWindowOpen, ErrRefundNotReady,
	ErrInsufficientStake, ErrInvalidPayment, ErrInsufficientFunds, ErrStakeLocked,
	ErrJobNotFound, ErrJobExists, ErrInvalidTransition, ErrUnauthorized, ErrInvalidJob,
	ErrMirror, ErrExecutionFailed,
}

// IsRetryable reports whether an error class is worth retrying. Deadline,
// binding and verification errors never are.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrProofGenerationFailed), errors.Is(err, ErrMirror):
		return true
	default:
		return false
	}
}

// Sentinel returns the registered jobs error that err wraps, if any.
func Sentinel(err error) (*sdkerrors.Error, bool) {
	for _, sentinel := range sentinelOrder {
		if errors.Is(err, sentinel) {
			se, ok := sentinel.(*sdkerrors.Error)
			return se, ok
		}
	}
	return nil, false
}
