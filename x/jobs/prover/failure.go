package prover

import (
	"fmt"

	"github.com/paw-chain/mosaic/x/jobs/types"
)

// ProofFailure is returned when no proof could be produced. It matches
// types.ErrProofGenerationFailed under errors.Is, and ErrProverUnavailable
// when the backend was not available at all.
type ProofFailure struct {
	JobID       string
	Attempts    int
	Unavailable bool
	Last        error
}

func (f *ProofFailure) Error() string {
	switch {
	case f.Unavailable && f.Last != nil:
		return fmt.Sprintf("proof generation for job %s: prover unavailable: %v", f.JobID, f.Last)
	case f.Unavailable:
		return fmt.Sprintf("proof generation for job %s: prover unavailable", f.JobID)
	case f.Last != nil:
		return fmt.Sprintf("proof generation for job %s failed after %d attempt(s): %v", f.JobID, f.Attempts, f.Last)
	default:
		return fmt.Sprintf("proof generation for job %s failed after %d attempt(s)", f.JobID, f.Attempts)
	}
}

// Unwrap exposes the error class and the last underlying cause.
func (f *ProofFailure) Unwrap() []error {
	errs := []error{types.ErrProofGenerationFailed}
	if f.Unavailable {
		errs = append(errs, types.ErrProverUnavailable)
	}
	if f.Last != nil {
		errs = append(errs, f.Last)
	}
	return errs
}
