package ledger

import (
	"fmt"
	"math/big"

	"DualLedger/internal/state"

	"github.com/google/uuid"
)

// JournalGenerator builds journal batches for position lifecycle
// commands. It reads the tracker for pre-checks but never mutates it;
// the core applies batches only after validation.
//
// Sequence numbers are stamped by the core per command. The generator
// keeps no counter of its own, so commands that produce no batch
// (governance) cannot desynchronize it.
type JournalGenerator struct {
	tracker *BalanceTracker
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		tracker: tracker,
	}
}

// GenerateStake books the principal intake for a newly created
// position: vault custody rises by the input amount and the user gains
// an equal staked claim.
func (jg *JournalGenerator) GenerateStake(d *state.Dual, commandRef string, sequence, timestamp int64) (*Batch, error) {
	if d.InputAmount == nil || d.InputAmount.Sign() <= 0 {
		return nil, fmt.Errorf("stake amount must be positive")
	}

	batchID := uuid.New()
	batch := &Batch{
		BatchID:    batchID,
		CommandRef: commandRef,
		Sequence:   sequence,
		Timestamp:  timestamp,
		Journals: []Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				CommandRef:    commandRef,
				Sequence:      sequence,
				DebitAccount:  NewVaultAccountKey(SubTypeCustody, d.ChainID, d.InputToken),
				CreditAccount: NewUserAccountKey(d.User, SubTypeStaked, d.ChainID, d.InputToken),
				ChainID:       d.ChainID,
				Token:         d.InputToken,
				Amount:        new(big.Int).Set(d.InputAmount),
				JournalType:   JournalTypeStakeDeposit,
				Timestamp:     timestamp,
			},
		},
	}

	return batch, nil
}

// GenerateSettlement books a claim: the staked principal settles into
// the treasury and the payout accrues as an owed claim against it. The
// dual must already carry its settlement output fields.
// Pre-check: the user's staked claim must cover the settled principal.
func (jg *JournalGenerator) GenerateSettlement(d *state.Dual, commandRef string, sequence, timestamp int64) (*Batch, error) {
	if err := jg.tracker.ValidateStakedCovers(d.User, d.ChainID, d.InputToken, d.InputAmount); err != nil {
		return nil, fmt.Errorf("settlement pre-check failed: %w", err)
	}

	batchID := uuid.New()
	batch := &Batch{
		BatchID:    batchID,
		CommandRef: commandRef,
		Sequence:   sequence,
		Timestamp:  timestamp,
	}
	batch.Journals = jg.settlementJournals(batch, d)

	return batch, nil
}

// GenerateRollover books a replay: settlement of the source position
// plus restake of the payout as the successor's principal. When the
// successor lives on a different chain, the restake bridges through the
// treasuries of both chains so each chain's books stay zero-sum.
func (jg *JournalGenerator) GenerateRollover(d *state.Dual, successor *state.Dual, commandRef string, sequence, timestamp int64) (*Batch, error) {
	if err := jg.tracker.ValidateStakedCovers(d.User, d.ChainID, d.InputToken, d.InputAmount); err != nil {
		return nil, fmt.Errorf("rollover pre-check failed: %w", err)
	}
	if d.OutputAmount == nil || d.OutputAmount.Sign() <= 0 {
		return nil, fmt.Errorf("rollover payout must be positive")
	}

	batchID := uuid.New()
	batch := &Batch{
		BatchID:    batchID,
		CommandRef: commandRef,
		Sequence:   sequence,
		Timestamp:  timestamp,
	}
	batch.Journals = jg.settlementJournals(batch, d)

	amount := new(big.Int).Set(d.OutputAmount)

	if successor.ChainID == d.ChainID {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			CommandRef:    commandRef,
			Sequence:      sequence,
			DebitAccount:  NewUserAccountKey(d.User, SubTypeOwed, d.ChainID, d.OutputToken),
			CreditAccount: NewUserAccountKey(successor.User, SubTypeStaked, d.ChainID, d.OutputToken),
			ChainID:       d.ChainID,
			Token:         d.OutputToken,
			Amount:        amount,
			JournalType:   JournalTypePayoutRestake,
			Timestamp:     timestamp,
		})
		return batch, nil
	}

	// Cross-chain roll: retire the owed claim against the source
	// chain's treasury, fund the new stake from the target chain's.
	batch.Journals = append(batch.Journals,
		Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			CommandRef:    commandRef,
			Sequence:      sequence,
			DebitAccount:  NewUserAccountKey(d.User, SubTypeOwed, d.ChainID, d.OutputToken),
			CreditAccount: NewVaultAccountKey(SubTypeTreasury, d.ChainID, d.OutputToken),
			ChainID:       d.ChainID,
			Token:         d.OutputToken,
			Amount:        new(big.Int).Set(amount),
			JournalType:   JournalTypePayoutRestake,
			Timestamp:     timestamp,
		},
		Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			CommandRef:    commandRef,
			Sequence:      sequence,
			DebitAccount:  NewVaultAccountKey(SubTypeTreasury, successor.ChainID, successor.InputToken),
			CreditAccount: NewUserAccountKey(successor.User, SubTypeStaked, successor.ChainID, successor.InputToken),
			ChainID:       successor.ChainID,
			Token:         successor.InputToken,
			Amount:        amount,
			JournalType:   JournalTypePayoutRestake,
			Timestamp:     timestamp,
		},
	)

	return batch, nil
}

// settlementJournals builds the two legs shared by claim and replay.
// The payout leg is skipped when conversion floored a dust amount to
// zero, since journals must carry positive amounts.
func (jg *JournalGenerator) settlementJournals(batch *Batch, d *state.Dual) []Journal {
	journals := []Journal{
		{
			JournalID:     uuid.New(),
			BatchID:       batch.BatchID,
			CommandRef:    batch.CommandRef,
			Sequence:      batch.Sequence,
			DebitAccount:  NewUserAccountKey(d.User, SubTypeStaked, d.ChainID, d.InputToken),
			CreditAccount: NewVaultAccountKey(SubTypeTreasury, d.ChainID, d.InputToken),
			ChainID:       d.ChainID,
			Token:         d.InputToken,
			Amount:        new(big.Int).Set(d.InputAmount),
			JournalType:   JournalTypePrincipalSettle,
			Timestamp:     batch.Timestamp,
		},
	}

	if d.OutputAmount != nil && d.OutputAmount.Sign() > 0 {
		journals = append(journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batch.BatchID,
			CommandRef:    batch.CommandRef,
			Sequence:      batch.Sequence,
			DebitAccount:  NewVaultAccountKey(SubTypeTreasury, d.ChainID, d.OutputToken),
			CreditAccount: NewUserAccountKey(d.User, SubTypeOwed, d.ChainID, d.OutputToken),
			ChainID:       d.ChainID,
			Token:         d.OutputToken,
			Amount:        new(big.Int).Set(d.OutputAmount),
			JournalType:   JournalTypePayoutAccrue,
			Timestamp:     batch.Timestamp,
		})
	}

	return journals
}
