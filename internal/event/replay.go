package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ReplayDual settles a matured position and rolls its payout into a
// successor position under a new tariff, both in one atomic step. The
// successor's parent is the closed position's id.
type ReplayDual struct {
	ID     uuid.UUID
	Sender common.Address

	Position    PositionRecord
	ClosedPrice *big.Int

	// Successor terms. The payout token and amount become the
	// successor's input, so only price and start time are supplied.
	NewTariff       TariffTerms
	NewInitialPrice *big.Int
	NewStartedAt    int64 // unix seconds

	Sequence    int64
	SubmittedTs int64
}

func (c *ReplayDual) CommandID() string {
	return c.ID.String()
}

func (c *ReplayDual) CommandType() CommandType {
	return CommandTypeReplayDual
}

func (c *ReplayDual) Caller() common.Address {
	return c.Sender
}

// ChainID partitions by the chain of the position being closed.
func (c *ReplayDual) ChainID() uint64 {
	return c.Position.Chain
}

func (c *ReplayDual) SourceSequence() int64 {
	return c.Sequence
}

func (c *ReplayDual) SubmittedAt() int64 {
	return c.SubmittedTs
}
