// Package rates converts between fiat and asset units using a static table.
//
// Fee policy bounds are configured in fiat cents; converting them into asset
// units needs an exchange rate. Live rate sourcing is out of scope, so the
// table is loaded once from configuration. A missing or zero rate converts
// to zero, which downstream fee clamping treats as "no bound": the fee is
// percentage only, the development default.
package rates

import (
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Converter holds fiat-per-asset rates keyed by asset symbol.
type Converter struct {
	fiatPerAsset map[string]decimal.Decimal
}

// NewConverter builds a converter from symbol -> rate (fiat per whole asset
// unit, e.g. "BTC" -> 88000). Non-positive rates are dropped.
func NewConverter(table map[string]decimal.Decimal) *Converter {
	m := make(map[string]decimal.Decimal, len(table))
	for sym, rate := range table {
		if rate.Sign() > 0 {
			m[strings.ToUpper(sym)] = rate
		}
	}
	return &Converter{fiatPerAsset: m}
}

// CentsToAsset converts a fiat-cent value into asset units. Returns zero
// when no rate is configured for the asset.
func (c *Converter) CentsToAsset(asset string, cents int64) decimal.Decimal {
	rate, ok := c.fiatPerAsset[strings.ToUpper(asset)]
	if !ok || cents <= 0 {
		return decimal.Zero
	}
	fiat := decimal.NewFromInt(cents).Div(hundred)
	return fiat.Div(rate)
}

// AssetToFiat converts an asset amount into fiat, rounded half-even to
// cents for display. Returns (zero, false) when no rate is configured.
func (c *Converter) AssetToFiat(asset string, amount decimal.Decimal) (decimal.Decimal, bool) {
	rate, ok := c.fiatPerAsset[strings.ToUpper(asset)]
	if !ok {
		return decimal.Zero, false
	}
	return amount.Mul(rate).RoundBank(2), true
}
