package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// TariffTerms is the product template a position is opened under: one
// token pair on one chain with a staking period and yield.
type TariffTerms struct {
	Chain         uint64
	BaseToken     common.Address
	QuoteToken    common.Address
	StakingPeriod int64    // hours
	Yield         *big.Int // 8-decimal fixed point
}

// FinishAt returns the maturity timestamp for a position started at the
// given unix time.
func (t *TariffTerms) FinishAt(startedAt int64) int64 {
	return startedAt + t.StakingPeriod*3600
}

// CreateDual opens a new position under the given tariff.
type CreateDual struct {
	ID     uuid.UUID      // command id, the dedup key
	Sender common.Address // caller the signature was verified against

	Tariff TariffTerms

	User         common.Address
	ParentID     common.Hash
	InputToken   common.Address
	InputAmount  *big.Int
	InitialPrice *big.Int // 18-decimal fixed point
	StartedAt    int64    // unix seconds

	Sequence    int64
	SubmittedTs int64
}

func (c *CreateDual) CommandID() string {
	return c.ID.String()
}

func (c *CreateDual) CommandType() CommandType {
	return CommandTypeCreateDual
}

func (c *CreateDual) Caller() common.Address {
	return c.Sender
}

func (c *CreateDual) ChainID() uint64 {
	return c.Tariff.Chain
}

func (c *CreateDual) SourceSequence() int64 {
	return c.Sequence
}

func (c *CreateDual) SubmittedAt() int64 {
	return c.SubmittedTs
}
