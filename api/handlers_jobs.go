package api

import (
	"encoding/hex"
	"net/http"
	"strconv"

	"cosmossdk.io/math"
	"github.com/gin-gonic/gin"

	"github.com/paw-chain/mosaic/x/jobs/commitment"
	"github.com/paw-chain/mosaic/x/jobs/keeper"
	"github.com/paw-chain/mosaic/x/jobs/types"
)

const maxListLimit = 500

// handleGetParams returns the protocol parameters in force
func (s *Server) handleGetParams(c *gin.Context) {
	c.JSON(http.StatusOK, s.keeper.Params())
}

// handleCreateJob opens a job and escrows the payment
func (s *Server) handleCreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}
	payment, ok := parseAmount(c, req.Payment)
	if !ok {
		return
	}

	inputHash := req.InputHash
	switch {
	case inputHash == "" && req.Input == "":
		badRequest(c, "input_hash or input is required", nil)
		return
	case inputHash == "":
		inputHash = commitment.HashInput(req.Input)
	case req.Input != "" && commitment.NormalizeHex(inputHash) != commitment.NormalizeHex(commitment.HashInput(req.Input)):
		badRequest(c, "input_hash does not match input", nil)
		return
	}

	job, err := s.keeper.CreateJob(c.Request.Context(), keeper.CreateJobRequest{
		Payer:     req.Payer,
		InputHash: inputHash,
		Payment:   payment,
		Token:     req.Token,
		ModelID:   req.ModelID,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// handleGetJob returns a live job, falling back to the archive
func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.keeper.LookupJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleListJobs lists live jobs filtered by one of payer, worker or status
func (s *Server) handleListJobs(c *gin.Context) {
	payer, worker, status := c.Query("payer"), c.Query("worker"), c.Query("status")

	var jobs []*types.Job
	switch {
	case payer != "":
		jobs = s.keeper.JobsByPayer(payer)
	case worker != "":
		jobs = s.keeper.JobsByWorker(worker)
	case status != "":
		st := types.ParseStatus(status)
		if st == "" {
			badRequest(c, "unknown status "+strconv.Quote(status), nil)
			return
		}
		jobs = s.keeper.JobsByStatus(st)
	default:
		jobs = s.keeper.AllJobs()
	}

	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	total := len(jobs)
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	c.JSON(http.StatusOK, JobsResponse{Jobs: jobs, Total: total})
}

// handleCommit locks a job to the calling worker
func (s *Server) handleCommit(c *gin.Context) {
	var req CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}
	job, err := s.keeper.Commit(c.Request.Context(), c.Param("id"), req.Worker, req.CommitmentHash)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleSubmit records the worker's output hash, proof and reveal
func (s *Server) handleSubmit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}
	nonce, err := hex.DecodeString(commitment.NormalizeHex(req.RevealNonce))
	if err != nil || len(nonce) == 0 {
		badRequest(c, "reveal_nonce must be hex", err)
		return
	}
	job, err := s.keeper.Submit(c.Request.Context(), c.Param("id"), keeper.SubmitRequest{
		Worker:      req.Worker,
		OutputHash:  req.OutputHash,
		Proof:       req.Proof,
		RevealNonce: nonce,
		Optimistic:  req.Optimistic,
		Source:      req.Source,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleSettle runs the verification gate on a submitted job
func (s *Server) handleSettle(c *gin.Context) {
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}
	if req.Artifact == nil {
		badRequest(c, "artifact is required", nil)
		return
	}
	res, err := s.gate.VerifyAndSettle(c.Request.Context(), c.Param("id"), req.Artifact, req.Output)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// handleFinalize settles an optimistic submission whose challenge window closed
func (s *Server) handleFinalize(c *gin.Context) {
	job, err := s.gate.Finalize(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleChallenge disputes an optimistic submission inside its window
func (s *Server) handleChallenge(c *gin.Context) {
	var req ChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}
	job, err := s.gate.Challenge(c.Request.Context(), c.Param("id"), req.Challenger, req.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleClaimRefund returns an expired job's escrow to its payer
func (s *Server) handleClaimRefund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}
	job, err := s.keeper.ClaimRefund(c.Request.Context(), c.Param("id"), req.Payer)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleDispute freezes a job on behalf of the authenticated operator
func (s *Server) handleDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}
	job, err := s.keeper.Dispute(c.Request.Context(), c.Param("id"), c.GetString(operatorKey), req.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleResolve closes a disputed job
func (s *Server) handleResolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}
	job, err := s.keeper.ResolveDispute(c.Request.Context(), c.Param("id"), c.GetString(operatorKey), keeper.Resolution(req.Resolution))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleListArchive lists a payer's pruned jobs
func (s *Server) handleListArchive(c *gin.Context) {
	if s.archive == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Error: "archive not configured", Code: "UNAVAILABLE"})
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	jobs, err := s.archive.ListByPayer(c.Request.Context(), c.Param("payer"), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	c.JSON(http.StatusOK, JobsResponse{Jobs: jobs, Total: len(jobs)})
}

// parseAmount reads a positive integer amount or writes a 400.
func parseAmount(c *gin.Context, s string) (math.Int, bool) {
	amount, ok := math.NewIntFromString(s)
	if !ok || !amount.IsPositive() {
		badRequest(c, "amount must be a positive integer", nil)
		return math.Int{}, false
	}
	return amount, true
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return maxListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxListLimit {
		badRequest(c, "limit must be between 1 and "+strconv.Itoa(maxListLimit), err)
		return 0, false
	}
	return limit, true
}
