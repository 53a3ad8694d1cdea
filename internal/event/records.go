package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RecordType identifies one state change inside an envelope.
type RecordType string

const (
	RecordDualCreated      RecordType = "dual_created"
	RecordDualClaimed      RecordType = "dual_claimed"
	RecordDualReplayed     RecordType = "dual_replayed"
	RecordAuthorityRotated RecordType = "authority_rotated"
	RecordOperatorSet      RecordType = "operator_set"
)

// Record is one state change produced by applying a command. Most
// commands produce exactly one; a replay produces two, the close of the
// old position followed by the creation of its successor.
type Record interface {
	RecordType() RecordType
}

// DualCreated carries the full identity tuple of a new live position.
type DualCreated struct {
	DualID       common.Hash
	User         common.Address
	ChainID      uint64
	ParentID     common.Hash
	BaseToken    common.Address
	QuoteToken   common.Address
	InputToken   common.Address
	InputAmount  *big.Int
	Yield        *big.Int
	InitialPrice *big.Int
	FinishAt     int64
}

func (r *DualCreated) RecordType() RecordType { return RecordDualCreated }

// DualClaimed settles a matured position with no successor.
type DualClaimed struct {
	DualID       common.Hash
	User         common.Address
	ChainID      uint64
	ParentID     common.Hash
	OutputToken  common.Address
	OutputAmount *big.Int
	ClosedPrice  *big.Int
	FinishAt     int64
}

func (r *DualClaimed) RecordType() RecordType { return RecordDualClaimed }

// DualReplayed settles a matured position whose payout rolled into a
// successor. SuccessorID links to the DualCreated record that follows
// in the same envelope.
type DualReplayed struct {
	DualID       common.Hash
	User         common.Address
	ChainID      uint64
	ParentID     common.Hash
	OutputToken  common.Address
	OutputAmount *big.Int
	ClosedPrice  *big.Int
	FinishAt     int64
	SuccessorID  common.Hash
}

func (r *DualReplayed) RecordType() RecordType { return RecordDualReplayed }

// AuthorityRotated schedules transfer of engine control to a new
// authority address.
type AuthorityRotated struct {
	Previous    common.Address
	Next        common.Address
	EffectiveAt int64
}

func (r *AuthorityRotated) RecordType() RecordType { return RecordAuthorityRotated }

// OperatorSet grants or revokes an operator address.
type OperatorSet struct {
	Operator    common.Address
	Enabled     bool
	EffectiveAt int64
}

func (r *OperatorSet) RecordType() RecordType { return RecordOperatorSet }
