package math

import "math/big"

// BaseToQuote converts a base-token amount to quote terms at the given
// 18-decimal price: floor(amount * price / PriceScale).
func BaseToQuote(amount, price *big.Int) *big.Int {
	return MulDiv(amount, price, PriceScale)
}

// QuoteToBase converts a quote-token amount to base terms at the given
// 18-decimal price: floor(amount * PriceScale / price).
func QuoteToBase(amount, price *big.Int) *big.Int {
	return MulDiv(amount, PriceScale, price)
}

// Settlement is the computed outcome of closing a dual position.
type Settlement struct {
	QuoteOut bool     // true when the position settles in the quote token
	Output   *big.Int // amount owed to the user, yield included
}

// SettleDual computes the payout for a closed dual position.
//
// The quote token wins when closedPrice >= initialPrice, the base token
// otherwise. A side switch converts the staked amount at the strike
// price (initialPrice), never at the closing price. The yield then
// applies to the converted amount.
func SettleDual(inputIsBase bool, amount, yield, initialPrice, closedPrice *big.Int) Settlement {
	quoteOut := closedPrice.Cmp(initialPrice) >= 0

	principal := amount
	switch {
	case inputIsBase && quoteOut:
		principal = BaseToQuote(amount, initialPrice)
	case !inputIsBase && !quoteOut:
		principal = QuoteToBase(amount, initialPrice)
	}

	return Settlement{
		QuoteOut: quoteOut,
		Output:   AddPercent(principal, yield),
	}
}
