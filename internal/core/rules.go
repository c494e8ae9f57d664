package core

import "github.com/shopspring/decimal"

// Floor truncates value toward zero at 10^-decimals granularity.
func Floor(value decimal.Decimal, decimals int32) decimal.Decimal {
	out := value.Truncate(decimals)
	if out.IsZero() {
		return decimal.Zero
	}
	return out
}

// Reciprocal returns 1/v, or zero when v is zero.
func Reciprocal(v decimal.Decimal) decimal.Decimal {
	if v.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).Div(v)
}

// PercentChange returns (to-from)/from*100.
func PercentChange(from, to decimal.Decimal) decimal.Decimal {
	if from.IsZero() {
		return decimal.Zero
	}
	return to.Sub(from).Div(from).Mul(decimal.NewFromInt(100))
}
