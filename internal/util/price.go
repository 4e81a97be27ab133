// Package util provides common utility functions for price calculations.
package util

import "github.com/shopspring/decimal"

// Tick sizes by price magnitude. Sub-penny symbols need finer precision
// than the broker's default two decimal places.
var (
	tickSubPenny = decimal.New(1, -7) // price < 0.01
	tickSubUnit  = decimal.New(1, -4) // price < 1.00
	tickDefault  = decimal.New(1, -2)

	pennyThreshold = decimal.New(1, -2)
	unitThreshold  = decimal.New(1, 0)
)

// TickFor returns the tick increment appropriate for the price magnitude.
func TickFor(price decimal.Decimal) decimal.Decimal {
	abs := price.Abs()
	switch {
	case abs.LessThan(pennyThreshold):
		return tickSubPenny
	case abs.LessThan(unitThreshold):
		return tickSubUnit
	default:
		return tickDefault
	}
}

// RoundToTick floors the price to its magnitude tick. Flooring keeps
// derived sell prices conservative and buy triggers from creeping above
// the intended level.
func RoundToTick(price decimal.Decimal) decimal.Decimal {
	tick := TickFor(price)
	return price.Div(tick).Floor().Mul(tick)
}

// RoundUpToTick ceils the price to its magnitude tick.
func RoundUpToTick(price decimal.Decimal) decimal.Decimal {
	tick := TickFor(price)
	return price.Div(tick).Ceil().Mul(tick)
}
