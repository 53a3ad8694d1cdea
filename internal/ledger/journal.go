package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	// JournalTypeStakeDeposit books the principal intake when a
	// position is created: vault custody rises, the user gains an
	// equal staked claim.
	JournalTypeStakeDeposit JournalType = iota

	// JournalTypePrincipalSettle extinguishes the staked claim at
	// settlement. The input tokens stay in the vault and become
	// treasury property.
	JournalTypePrincipalSettle

	// JournalTypePayoutAccrue books the settlement payout as an owed
	// claim against the treasury.
	JournalTypePayoutAccrue

	// JournalTypePayoutRestake rolls an owed payout into the staked
	// claim of a successor position.
	JournalTypePayoutRestake

	JournalTypeAdjustment
)

// String names the journal type for logs and metric labels.
func (jt JournalType) String() string {
	switch jt {
	case JournalTypeStakeDeposit:
		return "stake_deposit"
	case JournalTypePrincipalSettle:
		return "principal_settle"
	case JournalTypePayoutAccrue:
		return "payout_accrue"
	case JournalTypePayoutRestake:
		return "payout_restake"
	case JournalTypeAdjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID      // Unique identifier
	BatchID       uuid.UUID      // Groups entries from one command
	CommandRef    string         // Command id of the source command
	Sequence      int64          // Global command sequence
	DebitAccount  AccountKey     // Account receiving debit (balance increases)
	CreditAccount AccountKey     // Account receiving credit (balance decreases)
	ChainID       uint64         // Chain the token lives on
	Token         common.Address // Token being moved
	Amount        *big.Int       // Token amount (ALWAYS positive)
	JournalType   JournalType    // Entry type
	Timestamp     int64          // Versioned input timestamp (unix seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID    uuid.UUID
	CommandRef string
	Sequence   int64
	Timestamp  int64
	Journals   []Journal
}

// Validate ensures the batch is well-formed.
// Each journal entry is a balanced transfer by construction (a single
// positive amount moves from credit account to debit account), so debits
// equal credits per-entry. Multi-leg batches (e.g., a settlement with
// principal release and payout accrual) use multiple entries under one
// batch_id, each individually balanced.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		// No self-transfers
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		// Both legs must move the journal's own token. Cross-token
		// transfers are expressed as two journals.
		want := TokenKey{ChainID: j.ChainID, Token: j.Token}
		if j.DebitAccount.TokenKey() != want {
			return fmt.Errorf("journal %s debit account token mismatch: %s vs %s",
				j.JournalID, j.DebitAccount.TokenKey(), want)
		}
		if j.CreditAccount.TokenKey() != want {
			return fmt.Errorf("journal %s credit account token mismatch: %s vs %s",
				j.JournalID, j.CreditAccount.TokenKey(), want)
		}
	}

	return nil
}
