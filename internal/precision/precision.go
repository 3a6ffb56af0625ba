// Package precision provides exchange-aligned rounding of quantities and
// prices. All arithmetic goes through fixed-point decimals: repeated sums of
// float64 step multiples accumulate residue that Binance rejects with
// "Precision is over the maximum defined for this asset".
package precision

import (
	"github.com/shopspring/decimal"
)

// RoundQuantity rounds qty down to an exact multiple of step.
// Rounding down means a computed risk budget is never silently exceeded.
// Returns 0 for non-positive qty or step.
func RoundQuantity(qty, step float64) float64 {
	return roundToStep(qty, step, false)
}

// RoundQuantityUp rounds qty up to an exact multiple of step.
// Used only where under-sizing is the dangerous direction (e.g. closing the
// final slice of a position).
func RoundQuantityUp(qty, step float64) float64 {
	return roundToStep(qty, step, true)
}

// RoundPrice rounds price to the nearest exact multiple of tick.
// Returns 0 for non-positive price or tick.
func RoundPrice(price, tick float64) float64 {
	if price <= 0 || tick <= 0 {
		return 0
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	steps := p.Div(t).Round(0)
	out, _ := steps.Mul(t).Float64()
	return out
}

func roundToStep(qty, step float64, up bool) float64 {
	if qty <= 0 || step <= 0 {
		return 0
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	steps := q.Div(s)
	if up {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	out, _ := steps.Mul(s).Float64()
	return out
}

// StepDecimals returns the number of decimal places implied by a step size,
// used when formatting order parameters for the exchange.
func StepDecimals(step float64) int {
	if step <= 0 {
		return 0
	}
	d := decimal.NewFromFloat(step)
	exp := d.Exponent()
	if exp >= 0 {
		return 0
	}
	return int(-exp)
}
