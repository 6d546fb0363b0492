package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/paw-chain/mosaic/x/jobs/types"
)

// statusFor maps a protocol error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, types.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, types.ErrJobExists),
		errors.Is(err, types.ErrInvalidTransition),
		errors.Is(err, types.ErrSettlementAlreadyFinalized),
		errors.Is(err, types.ErrStakeLocked),
		errors.Is(err, types.ErrChallengeWindowClosed),
		errors.Is(err, types.ErrChallengeWindowOpen),
		errors.Is(err, types.ErrRefundNotReady),
		errors.Is(err, types.ErrCommitmentDeadlineExpired),
		errors.Is(err, types.ErrSubmissionDeadlineExpired):
		return http.StatusConflict
	case errors.Is(err, types.ErrInsufficientFunds),
		errors.Is(err, types.ErrInsufficientStake):
		return http.StatusPaymentRequired
	case errors.Is(err, types.ErrProverUnavailable),
		errors.Is(err, types.ErrMirror):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrProofGenerationFailed),
		errors.Is(err, types.ErrExecutionFailed),
		errors.Is(err, types.ErrNoFallbackArtifact):
		return http.StatusBadGateway
	}
	if isJobsError(err) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// isJobsError reports whether err wraps one of the registered job errors.
func isJobsError(err error) bool {
	_, ok := types.Sentinel(err)
	return ok
}

// errorBody builds the JSON error body for err.
func errorBody(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error()}
	if sentinel, ok := types.Sentinel(err); ok {
		resp.Code = codeName(sentinel.ABCICode())
		resp.Recovery = types.GetRecoverySuggestion(err)
	}
	var rec *types.ErrorWithRecovery
	if errors.As(err, &rec) {
		resp.Recovery = rec.Recovery
	}
	return resp
}

func codeName(code uint32) string {
	return types.ModuleName + "/" + strconv.FormatUint(uint64(code), 10)
}

// abortWithError writes err with its mapped status.
func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), errorBody(err))
}

func badRequest(c *gin.Context, msg string, err error) {
	resp := ErrorResponse{Error: msg, Code: "INVALID_REQUEST"}
	if err != nil {
		resp.Details = err.Error()
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, resp)
}
