package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceTracker maintains in-memory account balances.
//
// Sign convention follows double entry: a debit raises the balance, a
// credit lowers it. Vault custody and treasury exposure accumulate as
// positive balances; user staked and owed claims accumulate as negative
// balances (they are liabilities of the vault). Per token the sum over
// all accounts is always zero.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.account(j.DebitAccount).Add(bt.account(j.DebitAccount), j.Amount)
	bt.account(j.CreditAccount).Sub(bt.account(j.CreditAccount), j.Amount)
}

// account returns the mutable balance cell, allocating on first touch.
func (bt *BalanceTracker) account(key AccountKey) *big.Int {
	if b, ok := bt.balances[key]; ok {
		return b
	}
	b := new(big.Int)
	bt.balances[key] = b
	return b
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns a copy of the current balance for an account.
// Missing accounts read as zero.
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if b, ok := bt.balances[key]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// SetBalance overwrites an account balance (snapshot restore path).
func (bt *BalanceTracker) SetBalance(key AccountKey, balance *big.Int) {
	bt.balances[key] = new(big.Int).Set(balance)
}

// === User Claim Queries ===

// GetUserStaked returns the magnitude of the user's staked principal
// claim for one token. The underlying liability balance is negative;
// this returns it negated for callers that think in owed amounts.
func (bt *BalanceTracker) GetUserStaked(user common.Address, chainID uint64, token common.Address) *big.Int {
	b := bt.GetBalance(NewUserAccountKey(user, SubTypeStaked, chainID, token))
	return b.Neg(b)
}

// GetUserOwed returns the magnitude of the user's claimable payout for
// one token.
func (bt *BalanceTracker) GetUserOwed(user common.Address, chainID uint64, token common.Address) *big.Int {
	b := bt.GetBalance(NewUserAccountKey(user, SubTypeOwed, chainID, token))
	return b.Neg(b)
}

// GetVaultCustody returns tokens held in custody from live stakes.
func (bt *BalanceTracker) GetVaultCustody(chainID uint64, token common.Address) *big.Int {
	return bt.GetBalance(NewVaultAccountKey(SubTypeCustody, chainID, token))
}

// GetVaultExposure returns the treasury's net funding requirement for
// one token. Positive means the treasury must source tokens to cover
// payouts; negative means settled principal it retains.
func (bt *BalanceTracker) GetVaultExposure(chainID uint64, token common.Address) *big.Int {
	return bt.GetBalance(NewVaultAccountKey(SubTypeTreasury, chainID, token))
}

// === Pre-checks ===

// ValidateStakedCovers checks that the user's staked claim covers the
// amount about to be settled.
func (bt *BalanceTracker) ValidateStakedCovers(user common.Address, chainID uint64, token common.Address, amount *big.Int) error {
	staked := bt.GetUserStaked(user, chainID, token)
	if staked.Cmp(amount) < 0 {
		return fmt.Errorf("staked claim does not cover settlement: have=%s, need=%s", staked, amount)
	}
	return nil
}

// ValidateOwedCovers checks that the user's owed claim covers the
// amount about to be restaked.
func (bt *BalanceTracker) ValidateOwedCovers(user common.Address, chainID uint64, token common.Address, amount *big.Int) error {
	owed := bt.GetUserOwed(user, chainID, token)
	if owed.Cmp(amount) < 0 {
		return fmt.Errorf("owed claim does not cover restake: have=%s, need=%s", owed, amount)
	}
	return nil
}

// === Invariant Checks ===

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if b, ok := bt.balances[key]; ok && b.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), b)
	}
	return nil
}

// ValidateNonPositive checks that a specific account balance is <= 0
func (bt *BalanceTracker) ValidateNonPositive(key AccountKey) error {
	if b, ok := bt.balances[key]; ok && b.Sign() > 0 {
		return fmt.Errorf("account %s has positive balance: %s", key.AccountPath(), b)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per token (should be 0
// for every token in a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[TokenKey]*big.Int {
	totals := make(map[TokenKey]*big.Int)

	for key, balance := range bt.balances {
		tk := key.TokenKey()
		if t, ok := totals[tk]; ok {
			t.Add(t, balance)
		} else {
			totals[tk] = new(big.Int).Set(balance)
		}
	}

	return totals
}

// Snapshot returns a deep copy of all balances (for persistence)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}
