package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is balanced and well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateUserClaimsNonPositive checks that a user's staked and owed
// accounts hold liability balances. A positive balance would mean the
// vault settled more than the user ever staked.
func (v *InvariantValidator) ValidateUserClaimsNonPositive(user common.Address, chainID uint64, token common.Address) error {
	if err := v.tracker.ValidateNonPositive(NewUserAccountKey(user, SubTypeStaked, chainID, token)); err != nil {
		return err
	}
	return v.tracker.ValidateNonPositive(NewUserAccountKey(user, SubTypeOwed, chainID, token))
}

// ValidateCustodyNonNegative checks that vault custody never goes
// short. Custody only rises at stake time, so a negative balance means
// a settlement was booked against custody by mistake.
func (v *InvariantValidator) ValidateCustodyNonNegative(chainID uint64, token common.Address) error {
	return v.tracker.ValidateNonNegative(NewVaultAccountKey(SubTypeCustody, chainID, token))
}

// ValidateGlobalBalance verifies the system is zero-sum per token
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for tokenKey, total := range totals {
		if total.Sign() != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %s", tokenKey, total)
		}
	}

	return nil
}
