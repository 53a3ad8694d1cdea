package math

import (
	"fmt"
	"math/big"
	"sync"
)

// Fixed-point scales. Token amounts and prices carry 18 decimals,
// yield rates carry 8 decimals (1% == 1_000_000).
const (
	PriceDecimals = 18
	YieldDecimals = 8
)

var (
	// PriceScale is 10^18, the scale shared by token amounts and prices.
	PriceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(PriceDecimals), nil)

	// YieldScale is 10^8, the scale for yield rates.
	YieldScale = big.NewInt(100_000_000)

	// MaxUint256 bounds every amount, price and yield the engine accepts.
	MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// intPool is a pooled big.Int for intermediate calculations
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	intPool.Put(v)
}

// MulDiv computes floor(a * b / denom) with an arbitrary-precision
// intermediate product. Inputs must be non-negative, denom non-zero.
func MulDiv(a, b, denom *big.Int) *big.Int {
	tmp := getInt()
	tmp.Mul(a, b)

	result := new(big.Int).Quo(tmp, denom)
	putInt(tmp)

	return result
}

// Percent computes floor(amount * rate / YieldScale), where rate is an
// 8-decimal fixed-point fraction.
func Percent(amount, rate *big.Int) *big.Int {
	return MulDiv(amount, rate, YieldScale)
}

// AddPercent returns amount + Percent(amount, rate).
func AddPercent(amount, rate *big.Int) *big.Int {
	p := Percent(amount, rate)
	return p.Add(p, amount)
}

// ParseUint parses a base-10 string into a non-negative big.Int and
// rejects anything outside the uint256 range. All wire-level amounts,
// prices and yields come through here.
func ParseUint(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %q: not a base-10 integer", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("parse %q: negative value", s)
	}
	if v.Cmp(MaxUint256) > 0 {
		return nil, fmt.Errorf("parse %q: exceeds uint256 range", s)
	}
	return v, nil
}

// FitsUint256 reports whether v is within the engine's accepted range.
func FitsUint256(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.Cmp(MaxUint256) <= 0
}
