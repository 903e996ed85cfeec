package econ

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	AmountConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 resource units
	PriceConfig  = DecimalConfig{DecimalPrecision: 2, Scale: 100}       // 0.01 coins per unit
	RateConfig   = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // parts-per-million (tax, fee)
)

const (
	// AmountScale is the fixed-point scale for all resource and coin amounts.
	AmountScale = 1_000_000

	// CentMicro is one hundredth of a coin expressed in amount micro-units.
	// Currency rounding ("round2") snaps to multiples of this.
	CentMicro = 10_000

	// RateScale is the fixed-point scale for percentage rates.
	RateScale = 1_000_000

	// FeeRatePPM is the market fee rate applied to every trade (0.01).
	FeeRatePPM = 10_000

	// MaxTaxRatePPM bounds council tax rates (0.05).
	MaxTaxRatePPM = 50_000
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// DivideInt128 performs numerator / denominator with rounding.
// Negative numerators round toward zero under RoundDown, which is what
// upkeep clamping wants; RoundHalfEven only adjusts non-negative results.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.QuoRem(numerator, denom, remainder)

	result := quotient.Int64()
	neg := remainder.Sign() < 0
	remainder.Abs(remainder)

	switch roundingMode {
	case RoundHalfEven:
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)
		if cmp > 0 || (cmp == 0 && denominator%2 == 0 && result%2 != 0) {
			if neg {
				result--
			} else {
				result++
			}
		}
	case RoundUp:
		if remainder.Sign() != 0 {
			if neg {
				result--
			} else {
				result++
			}
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

// MulDiv computes a * b / denom in int128 with banker's rounding.
func MulDiv(a, b, denom int64) int64 {
	num := MultiplyInt128(a, b)
	result := DivideInt128(num, denom, RoundHalfEven)
	putInt128(num)
	return result
}

// FromWhole converts whole units into fixed-point micro-units.
func FromWhole(units int64) int64 {
	return units * AmountScale
}

// RoundToCent rounds a micro-unit amount to the nearest cent (round2).
// Every currency amount crossing the settlement boundary is rounded here
// BEFORE it is summed into any balance, so repeated small trades cannot
// accumulate sub-cent drift.
func RoundToCent(micro int64) int64 {
	num := MultiplyInt128(micro, 1)
	cents := DivideInt128(num, CentMicro, RoundHalfEven)
	putInt128(num)
	return cents * CentMicro
}

// Gross computes price × qty exactly: priceCents is coins-per-unit at
// PriceConfig scale, qty is whole resource units. The product is exact in
// micro-units (1 cent == 10_000 micro), so fee and tax rounding are the only
// rounding steps in a settlement.
func Gross(priceCents, qty int64) int64 {
	num := MultiplyInt128(priceCents, qty)
	num.Mul(num, big.NewInt(CentMicro))
	result := DivideInt128(num, 1, RoundDown)
	putInt128(num)
	return result
}

// ApplyRate computes round2(amount × rate) for a ppm rate: the amount is
// scaled by the rate, then snapped to the nearest cent in one division so
// no intermediate precision is lost.
func ApplyRate(amountMicro, ratePPM int64) int64 {
	num := MultiplyInt128(amountMicro, ratePPM)
	cents := DivideInt128(num, RateScale*CentMicro, RoundHalfEven)
	putInt128(num)
	return cents * CentMicro
}
