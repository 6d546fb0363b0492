package types

import (
	"context"
	"time"

	"cosmossdk.io/math"
)

// BankKeeper moves funds between accounts. The ledger uses it for escrow,
// stake bonding, payouts and slashing.
type BankKeeper interface {
	GetBalance(ctx context.Context, account, denom string) math.Int
	Send(ctx context.Context, from, to, denom string, amount math.Int) error
}

// EventSink receives status events. Implementations must not block.
type EventSink interface {
	Emit(Event)
}

// ProofVerifier checks Groth16 proofs against registered verifying keys.
type ProofVerifier interface {
	HasVerifyingKey(modelID string) bool
	VerifyInstances(modelID string, proof []byte, instances []string) error
}

// Clock is the authoritative time source of the ledger.
type Clock func() time.Time

// NopSink discards events.
type NopSink struct{}

// Emit implements EventSink.
func (NopSink) Emit(Event) {}
