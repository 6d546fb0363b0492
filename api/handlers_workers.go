package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paw-chain/mosaic/x/jobs/commitment"
	"github.com/paw-chain/mosaic/x/jobs/settlement"
)

// ==================== Stake ====================

func (s *Server) handleGetStake(c *gin.Context) {
	worker := c.Param("worker")
	stake := s.keeper.GetStake(worker)
	c.JSON(http.StatusOK, StakeResponse{Worker: worker, Amount: stake.Amount, Denom: s.keeper.Params().StakeDenom})
}

func (s *Server) handleDepositStake(c *gin.Context) {
	s.changeStake(c, true)
}

func (s *Server) handleWithdrawStake(c *gin.Context) {
	s.changeStake(c, false)
}

func (s *Server) changeStake(c *gin.Context, deposit bool) {
	var req StakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}
	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}

	worker := c.Param("worker")
	op := s.keeper.WithdrawStake
	if deposit {
		op = s.keeper.DepositStake
	}
	stake, err := op(c.Request.Context(), worker, amount)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, StakeResponse{Worker: worker, Amount: stake.Amount, Denom: s.keeper.Params().StakeDenom})
}

// ==================== Orders ====================

// handleCreateOrder runs an order through the daemon's own worker. Failures
// after the job was created still return the job so the payer can follow
// its refund.
func (s *Server) handleCreateOrder(c *gin.Context) {
	if s.orders == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "no worker configured on this node",
			Code:  "UNAVAILABLE",
		})
		return
	}

	var req OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}
	payment, ok := parseAmount(c, req.Payment)
	if !ok {
		return
	}

	out, err := s.orders.Run(c.Request.Context(), settlement.Order{
		Payer:   req.Payer,
		Input:   req.Input,
		ModelID: req.ModelID,
		Payment: payment,
		Token:   req.Token,
	})
	if out == nil || out.Job == nil {
		if err == nil {
			err = errors.New("order produced no job")
		}
		abortWithError(c, err)
		return
	}

	resp := OrderResponse{
		Job:        out.Job,
		Artifact:   out.Artifact,
		Settlement: out.Settlement,
	}
	if out.Output != "" {
		resp.OutputHash = commitment.HashOutput(out.Output)
	}
	status := http.StatusOK
	if err != nil {
		body := errorBody(err)
		resp.Error = &body
		status = statusFor(err)
	}
	c.JSON(status, resp)
}

// ==================== Auth ====================

// handleRenewToken exchanges a valid operator token for a fresh one
func (s *Server) handleRenewToken(c *gin.Context) {
	operator := c.GetString(operatorKey)
	token, expiresAt, err := s.auth.GenerateToken(operator, s.config.TokenTTL)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to issue token",
			Code:    "INTERNAL_ERROR",
			Details: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, TokenResponse{Token: token, Operator: operator, ExpiresAt: expiresAt})
}
