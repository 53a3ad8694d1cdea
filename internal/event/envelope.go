package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeCreateDual
	CommandTypeClaimDual
	CommandTypeReplayDual
	CommandTypeRotateAuthority
	CommandTypeSetOperator
)

// Envelope wraps every applied command in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	CommandID string

	// Command type discriminator
	CommandType CommandType

	// Chain partition (0 for governance commands)
	ChainID uint64

	// Primary position id touched (nil for governance commands)
	DualID *common.Hash

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// State changes produced by applying this command
	Records []Record

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous envelope's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all inbound command payloads must implement
type Command interface {
	// CommandID returns the stable dedup key
	CommandID() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// Caller returns the address the command acts as
	Caller() common.Address

	// ChainID returns the chain partition (0 for governance commands)
	ChainID() uint64

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// SubmittedAt returns the unix-second timestamp stamped at
	// ingestion; the core uses it as "now" for every time check
	SubmittedAt() int64
}

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeCreateDual:
		return "CreateDual"
	case CommandTypeClaimDual:
		return "ClaimDual"
	case CommandTypeReplayDual:
		return "ReplayDual"
	case CommandTypeRotateAuthority:
		return "RotateAuthority"
	case CommandTypeSetOperator:
		return "SetOperator"
	default:
		return "Unknown"
	}
}
