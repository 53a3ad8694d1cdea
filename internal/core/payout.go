package core

import (
	"math/big"

	fpmath "DualLedger/internal/math"
	"DualLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// ComputePayout settles a position at closedPrice and returns the owed
// token and amount. Pure function with no failure path: validation has
// already guaranteed initialPrice > 0, which guards the only division.
func ComputePayout(d *state.Dual, closedPrice *big.Int) (common.Address, *big.Int) {
	s := fpmath.SettleDual(d.InputIsBase(), d.InputAmount, d.Yield, d.InitialPrice, closedPrice)
	if s.QuoteOut {
		return d.QuoteToken, s.Output
	}
	return d.BaseToken, s.Output
}
