package model

import "github.com/shopspring/decimal"

// Amounts are stored as integer minor units so that SUM in SQL is exact.
const minorDigits = 2

// ToMinor converts an amount to minor units, rounding half away from zero.
func ToMinor(d decimal.Decimal) int64 {
	return d.Shift(minorDigits).Round(0).IntPart()
}

// FromMinor converts minor units back to a decimal amount.
func FromMinor(v int64) decimal.Decimal {
	return decimal.New(v, -minorDigits)
}
