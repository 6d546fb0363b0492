package types

const (
	// ModuleName defines the module name and error codespace.
	ModuleName = "jobs"

	// EscrowAccount holds payer funds until a job settles.
	EscrowAccount = "jobs_escrow"

	// StakePoolAccount holds bonded worker stake.
	StakePoolAccount = "jobs_stake_pool"

	// TreasuryAccount receives slashed stake.
	TreasuryAccount = "jobs_treasury"
)
