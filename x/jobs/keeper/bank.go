package keeper

import (
	"context"
	"sync"

	"cosmossdk.io/math"

	"github.com/paw-chain/mosaic/x/jobs/types"
)

// MemBank is an in-memory BankKeeper. Module accounts (escrow, stake pool,
// treasury) are ordinary accounts here.
type MemBank struct {
	mu       sync.Mutex
	balances map[string]map[string]math.Int
}

var _ types.BankKeeper = (*MemBank)(nil)

// NewMemBank creates an empty bank.
func NewMemBank() *MemBank {
	return &MemBank{balances: make(map[string]map[string]math.Int)}
}

// Mint credits account with amount of denom.
func (b *MemBank) Mint(account, denom string, amount math.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(account, denom, amount)
}

// GetBalance implements types.BankKeeper.
func (b *MemBank) GetBalance(_ context.Context, account, denom string) math.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance(account, denom)
}

// Send implements types.BankKeeper.
func (b *MemBank) Send(_ context.Context, from, to, denom string, amount math.Int) error {
	if amount.IsNil() || amount.IsNegative() {
		return types.ErrInvalidPayment.Wrapf("cannot send %s", amount)
	}
	if amount.IsZero() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	have := b.balance(from, denom)
	if have.LT(amount) {
		return types.ErrInsufficientFunds.Wrapf("%s has %s%s, needs %s%s", from, have, denom, amount, denom)
	}
	b.balances[from][denom] = have.Sub(amount)
	b.add(to, denom, amount)
	return nil
}

func (b *MemBank) balance(account, denom string) math.Int {
	if acc, ok := b.balances[account]; ok {
		if bal, ok := acc[denom]; ok {
			return bal
		}
	}
	return math.ZeroInt()
}

func (b *MemBank) add(account, denom string, amount math.Int) {
	acc, ok := b.balances[account]
	if !ok {
		acc = make(map[string]math.Int)
		b.balances[account] = acc
	}
	acc[denom] = b.balance(account, denom).Add(amount)
}
