package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// RotateAuthority schedules transfer of engine control to a new
// authority. The rotation matures after the configured delay; until
// then the current authority stays in control.
type RotateAuthority struct {
	ID     uuid.UUID
	Sender common.Address

	NewAuthority common.Address

	Sequence    int64
	SubmittedTs int64
}

func (c *RotateAuthority) CommandID() string {
	return c.ID.String()
}

func (c *RotateAuthority) CommandType() CommandType {
	return CommandTypeRotateAuthority
}

func (c *RotateAuthority) Caller() common.Address {
	return c.Sender
}

// ChainID returns 0: governance commands order on the global partition.
func (c *RotateAuthority) ChainID() uint64 {
	return 0
}

func (c *RotateAuthority) SourceSequence() int64 {
	return c.Sequence
}

func (c *RotateAuthority) SubmittedAt() int64 {
	return c.SubmittedTs
}

// SetOperator grants or revokes an operator address. Grants mature
// after the configured delay; revocations take effect immediately.
type SetOperator struct {
	ID     uuid.UUID
	Sender common.Address

	Operator common.Address
	Enabled  bool

	Sequence    int64
	SubmittedTs int64
}

func (c *SetOperator) CommandID() string {
	return c.ID.String()
}

func (c *SetOperator) CommandType() CommandType {
	return CommandTypeSetOperator
}

func (c *SetOperator) Caller() common.Address {
	return c.Sender
}

// ChainID returns 0: governance commands order on the global partition.
func (c *SetOperator) ChainID() uint64 {
	return 0
}

func (c *SetOperator) SourceSequence() int64 {
	return c.Sequence
}

func (c *SetOperator) SubmittedAt() int64 {
	return c.SubmittedTs
}
