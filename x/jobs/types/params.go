package types

import (
	"fmt"
	"time"

	"cosmossdk.io/math"
)

// Params are the protocol constants. They are loaded once at process start.
type Params struct {
	CommitmentWindow time.Duration `json:"commitment_window"`
	SubmissionWindow time.Duration `json:"submission_window"`
	RefundCooldown   time.Duration `json:"refund_cooldown"`
	ChallengeWindow  time.Duration `json:"challenge_window"`
	ArchiveRetention time.Duration `json:"archive_retention"`

	MinimumPayment         math.Int `json:"minimum_payment"`
	MinimumStakeMultiplier int64    `json:"minimum_stake_multiplier"`
	// SlashPercentage is the share of a worker's stake forfeited on failure, 0-100.
	SlashPercentage int64 `json:"slash_percentage"`
	// DegradedPaymentMultiplier is the share of payment released for a
	// commitment-only (degraded) settlement.
	DegradedPaymentMultiplier math.LegacyDec `json:"degraded_payment_multiplier"`
	StakeDenom                string         `json:"stake_denom"`

	ProofTimeout    time.Duration `json:"proof_timeout"`
	MaxProofRetries int           `json:"max_proof_retries"`
	RetryDelay      time.Duration `json:"retry_delay"`
	MaxProofSize    int           `json:"max_proof_size"`
	MaxPublicInputs int           `json:"max_public_inputs"`
	FallbackEnabled bool          `json:"fallback_enabled"`

	GasBufferPercentage int64 `json:"gas_buffer_percentage"`
	OptimisticMode      bool  `json:"optimistic_mode"`
}

// DefaultParams returns the default protocol parameters.
func DefaultParams() Params {
	return Params{
		CommitmentWindow:          30 * time.Second,
		SubmissionWindow:          300 * time.Second,
		RefundCooldown:            60 * time.Second,
		ChallengeWindow:           600 * time.Second,
		ArchiveRetention:          24 * time.Hour,
		MinimumPayment:            math.NewInt(1),
		MinimumStakeMultiplier:    10,
		SlashPercentage:           10,
		DegradedPaymentMultiplier: math.LegacyNewDecWithPrec(5, 1),
		StakeDenom:                "umosaic",
		ProofTimeout:              120 * time.Second,
		MaxProofRetries:           3,
		RetryDelay:                2 * time.Second,
		MaxProofSize:              4096,
		MaxPublicInputs:           16,
		FallbackEnabled:           true,
		GasBufferPercentage:       20,
		OptimisticMode:            false,
	}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	if p.CommitmentWindow <= 0 {
		return fmt.Errorf("commitment window must be positive")
	}
	if p.SubmissionWindow < p.CommitmentWindow {
		return fmt.Errorf("submission window %s must not be shorter than commitment window %s", p.SubmissionWindow, p.CommitmentWindow)
	}
	if p.RefundCooldown < 0 {
		return fmt.Errorf("refund cooldown must not be negative")
	}
	if p.ChallengeWindow <= 0 {
		return fmt.Errorf("challenge window must be positive")
	}
	if p.MinimumPayment.IsNil() || p.MinimumPayment.IsNegative() {
		return fmt.Errorf("minimum payment must not be negative")
	}
	if p.MinimumStakeMultiplier < 0 {
		return fmt.Errorf("minimum stake multiplier must not be negative")
	}
	if p.SlashPercentage < 0 || p.SlashPercentage > 100 {
		return fmt.Errorf("slash percentage must be between 0 and 100, got %d", p.SlashPercentage)
	}
	if p.DegradedPaymentMultiplier.IsNil() || p.DegradedPaymentMultiplier.IsNegative() || p.DegradedPaymentMultiplier.GT(math.LegacyOneDec()) {
		return fmt.Errorf("degraded payment multiplier must be between 0 and 1")
	}
	if p.StakeDenom == "" {
		return fmt.Errorf("stake denom is required")
	}
	if p.ProofTimeout <= 0 {
		return fmt.Errorf("proof timeout must be positive")
	}
	if p.MaxProofRetries < 1 {
		return fmt.Errorf("max proof retries must be at least 1")
	}
	if p.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative")
	}
	if p.GasBufferPercentage < 0 {
		return fmt.Errorf("gas buffer percentage must not be negative")
	}
	return nil
}

// MinimumStake returns the stake required to commit to a job paying payment.
func (p Params) MinimumStake(payment math.Int) math.Int {
	return payment.MulRaw(p.MinimumStakeMultiplier)
}

// SlashAmount returns the share of stake forfeited on failure.
func (p Params) SlashAmount(stake math.Int) math.Int {
	return stake.MulRaw(p.SlashPercentage).QuoRaw(100)
}

// DegradedPayout returns the worker share of a commitment-only settlement.
func (p Params) DegradedPayout(payment math.Int) math.Int {
	return p.DegradedPaymentMultiplier.MulInt(payment).TruncateInt()
}
