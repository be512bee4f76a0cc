// Package money provides exact decimal amount handling.
//
// Ledger amounts are carried as decimal strings end to end and parsed into
// shopspring decimals for arithmetic. Nothing in this package ever touches
// binary floating point. Rounding happens only at presentation time, with
// round-half-even at the asset's display precision; stored amounts are
// never rounded.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalid     = errors.New("invalid decimal amount")
	ErrNonPositive = errors.New("amount must be positive")
)

// Display precision per asset symbol. Unknown assets fall back to 8 places,
// which is the finest unit any supported chain settles in.
var displayPrecision = map[string]int32{
	"BTC": 8,
	"LTC": 8,
}

const defaultPrecision int32 = 8

// Precision returns the display precision for an asset symbol.
func Precision(asset string) int32 {
	if p, ok := displayPrecision[strings.ToUpper(asset)]; ok {
		return p
	}
	return defaultPrecision
}

// Parse converts a decimal string to an exact decimal value.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalid
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalid
	}
	return d, nil
}

// ParsePositive parses a decimal string and rejects zero and negative values.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.Sign() <= 0 {
		return decimal.Zero, ErrNonPositive
	}
	return d, nil
}

// Display formats an amount for presentation, rounding half-even at the
// asset's display precision. This is the only place rounding is applied.
func Display(d decimal.Decimal, asset string) string {
	return d.RoundBank(Precision(asset)).String()
}

// String formats an amount exactly, with no rounding. Used for persistence
// and for every value that crosses the API boundary as a ledger amount.
func String(d decimal.Decimal) string {
	return d.String()
}
