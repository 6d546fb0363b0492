package types

import (
	"testing"
	"time"

	"cosmossdk.io/math"
	"github.com/stretchr/testify/require"
)

func TestDefaultParamsValid(t *testing.T) {
	p := DefaultParams()
	require.NoError(t, p.Validate())
	require.Equal(t, 30*time.Second, p.CommitmentWindow)
	require.Equal(t, 120*time.Second, p.ProofTimeout)
	require.Equal(t, 3, p.MaxProofRetries)
}

func TestParamsValidateRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero commitment window", func(p *Params) { p.CommitmentWindow = 0 }},
		{"submission before commitment", func(p *Params) { p.SubmissionWindow = p.CommitmentWindow - time.Second }},
		{"slash over 100", func(p *Params) { p.SlashPercentage = 101 }},
		{"degraded over one", func(p *Params) { p.DegradedPaymentMultiplier = math.LegacyNewDec(2) }},
		{"no retries", func(p *Params) { p.MaxProofRetries = 0 }},
		{"empty denom", func(p *Params) { p.StakeDenom = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			require.Error(t, p.Validate())
		})
	}
}

func TestParamsArithmetic(t *testing.T) {
	p := DefaultParams()
	require.True(t, p.MinimumStake(math.NewInt(100)).Equal(math.NewInt(1000)))
	require.True(t, p.SlashAmount(math.NewInt(1000)).Equal(math.NewInt(100)))
	require.True(t, p.DegradedPayout(math.NewInt(100)).Equal(math.NewInt(50)))
	require.True(t, p.DegradedPayout(math.NewInt(101)).Equal(math.NewInt(50)))
}
