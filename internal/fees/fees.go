// Package fees computes service and dispute fees for escrow deals.
//
// A fee is a basis-point percentage of the deal amount, clamped to policy
// bounds expressed in asset units. A zero bound means "no bound". All
// arithmetic is exact decimal; callers apply display rounding themselves.
// Given identical inputs the functions always return identical outputs.
package fees

import (
	"github.com/shopspring/decimal"
)

// basisPointDivisor converts basis points to a fraction (150 bp = 1.5%).
var basisPointDivisor = decimal.NewFromInt(10000)

// Policy is the fee schedule snapshot a deal is created under. Bounds are
// fiat cents; they are converted to asset units at computation time.
type Policy struct {
	BasisPoints  int
	MinFiatCents int64
	MaxFiatCents int64
}

// Compute returns amount x basisPoints/10000, clamped to [minBound, maxBound]
// in asset units. A zero (or negative) bound is ignored.
func Compute(amount decimal.Decimal, basisPoints int, minBound, maxBound decimal.Decimal) decimal.Decimal {
	fee := amount.Mul(decimal.NewFromInt(int64(basisPoints))).Div(basisPointDivisor)
	if minBound.Sign() > 0 && fee.LessThan(minBound) {
		fee = minBound
	}
	if maxBound.Sign() > 0 && fee.GreaterThan(maxBound) {
		fee = maxBound
	}
	return fee
}

// ServiceFee computes the platform fee the seller pays on release.
func ServiceFee(amount decimal.Decimal, basisPoints int, minBound, maxBound decimal.Decimal) decimal.Decimal {
	return Compute(amount, basisPoints, minBound, maxBound)
}

// DisputeFee computes the fee assessed against the losing party of a
// dispute. Same formula, dispute-specific policy constants.
func DisputeFee(amount decimal.Decimal, basisPoints int, minBound, maxBound decimal.Decimal) decimal.Decimal {
	return Compute(amount, basisPoints, minBound, maxBound)
}
