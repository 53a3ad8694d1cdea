package core

import "errors"

// Validation failures surface as one of these sentinels, chosen by the
// first check that fails. Checks run in a fixed order, so a command
// violating several rules always reports the same error.
var (
	// ErrUnauthorized rejects callers outside the authority and
	// matured-operator set. Checked before any other validation.
	ErrUnauthorized = errors.New("caller is not authorized")

	// Create validation, in check order.
	ErrBadUser          = errors.New("user address is zero")
	ErrBadChainID       = errors.New("chain id is zero")
	ErrInputNotInPair   = errors.New("input token not in tariff pair")
	ErrBadAmount        = errors.New("input amount must be positive")
	ErrBadYield         = errors.New("yield must be positive")
	ErrBadInitialPrice  = errors.New("initial price must be positive")
	ErrBadStakingPeriod = errors.New("staking period must be positive")
	ErrBadParentID      = errors.New("parent id is the zero sentinel")
	ErrBadFinishDate    = errors.New("finish date must be in the future")
	ErrAlreadyExists    = errors.New("position already live")

	// Claim and replay validation, in check order.
	ErrNotFound       = errors.New("position not live")
	ErrBadClosedPrice = errors.New("closed price must be positive")
	ErrNotFinishedYet = errors.New("position not yet matured")
	ErrBadStartDate   = errors.New("successor start precedes maturity")
)
