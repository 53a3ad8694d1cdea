package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// PositionRecord is the caller-supplied view of a live position. The
// core recomputes the id from these fields; a record that differs in
// any identity field resolves to a different, likely absent, id.
type PositionRecord struct {
	User         common.Address
	Chain        uint64
	ParentID     common.Hash
	BaseToken    common.Address
	QuoteToken   common.Address
	InputToken   common.Address
	InputAmount  *big.Int
	Yield        *big.Int
	InitialPrice *big.Int
	FinishAt     int64
}

// ClaimDual settles a matured position and pays out with no successor.
type ClaimDual struct {
	ID     uuid.UUID
	Sender common.Address

	Position    PositionRecord
	ClosedPrice *big.Int // 18-decimal fixed point

	Sequence    int64
	SubmittedTs int64
}

func (c *ClaimDual) CommandID() string {
	return c.ID.String()
}

func (c *ClaimDual) CommandType() CommandType {
	return CommandTypeClaimDual
}

func (c *ClaimDual) Caller() common.Address {
	return c.Sender
}

func (c *ClaimDual) ChainID() uint64 {
	return c.Position.Chain
}

func (c *ClaimDual) SourceSequence() int64 {
	return c.Sequence
}

func (c *ClaimDual) SubmittedAt() int64 {
	return c.SubmittedTs
}
