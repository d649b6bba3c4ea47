package math

import (
	"errors"
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	PriceConfig    = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000} // oracle prices
	UsdConfig      = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // sizes, PnL, liquidity
	LeverageConfig = DecimalConfig{DecimalPrecision: 4, Scale: 10_000}      // 10x == 100_000
)

// ShareOffsetDecimals is the extra precision pool shares carry beyond USD book precision.
const ShareOffsetDecimals = 12

// MaxAssetDecimals bounds token precision so that 10^decimals fits in int64.
const MaxAssetDecimals = 18

var ErrOverflow = errors.New("fixed-point overflow")

const maxInt64 = 1<<63 - 1

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

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown                         // toward zero
	RoundUp                           // away from zero
)

// Pow10 returns 10^n for 0 <= n <= 18.
func Pow10(n int) int64 {
	if n < 0 || n > MaxAssetDecimals {
		panic("math: Pow10 exponent out of range")
	}
	r := int64(1)
	for i := 0; i < n; i++ {
		r *= 10
	}
	return r
}

// MultiplyInt128 performs a * b without overflow.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding.
// Denominator must be positive.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) (int64, error) {
	return divideBig(numerator, big.NewInt(denominator), roundingMode)
}

func divideBig(numerator, denom *big.Int, roundingMode RoundingMode) (int64, error) {
	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	// QuoRem truncates toward zero, so remainder carries the numerator's sign
	quotient.QuoRem(numerator, denom, remainder)

	if remainder.Sign() != 0 {
		sign := int64(numerator.Sign() * denom.Sign())
		switch roundingMode {
		case RoundUp:
			quotient.Add(quotient, big.NewInt(sign))
		case RoundHalfEven:
			twice := getInt128()
			twice.Abs(remainder)
			twice.Lsh(twice, 1)
			absDenom := getInt128()
			absDenom.Abs(denom)
			cmp := twice.Cmp(absDenom)
			if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
				quotient.Add(quotient, big.NewInt(sign))
			}
			putInt128(twice)
			putInt128(absDenom)
		}
	}

	if !quotient.IsInt64() {
		return 0, ErrOverflow
	}
	return quotient.Int64(), nil
}

// MulDiv computes a * b / denom at 128+ bit precision.
func MulDiv(a, b, denom int64, mode RoundingMode) (int64, error) {
	if denom == 0 {
		return 0, errors.New("math: division by zero")
	}
	num := MultiplyInt128(a, b)
	defer putInt128(num)
	return DivideInt128(num, denom, mode)
}

// Rescale converts an amount between decimal precisions.
func Rescale(amount int64, fromDecimals, toDecimals int, mode RoundingMode) (int64, error) {
	switch {
	case fromDecimals == toDecimals:
		return amount, nil
	case toDecimals > fromDecimals:
		return MulDiv(amount, Pow10(toDecimals-fromDecimals), 1, mode)
	default:
		return MulDiv(amount, 1, Pow10(fromDecimals-toDecimals), mode)
	}
}

// ConvertUsdToTokens converts a USD notional to token units at price.
// tokens = sizeUsd * 10^tokenDecimals * priceScale / (price * usdScale), rounded down.
func ConvertUsdToTokens(sizeUsd, price int64, tokenDecimals int) (int64, error) {
	return UsdToTokens(sizeUsd, price, tokenDecimals, RoundDown)
}

// UsdToTokens is ConvertUsdToTokens with an explicit rounding mode.
func UsdToTokens(sizeUsd, price int64, tokenDecimals int, mode RoundingMode) (int64, error) {
	if price <= 0 {
		return 0, errors.New("math: non-positive price")
	}
	num := MultiplyInt128(sizeUsd, Pow10(tokenDecimals))
	defer putInt128(num)
	num.Mul(num, big.NewInt(PriceConfig.Scale))

	denom := MultiplyInt128(price, UsdConfig.Scale)
	defer putInt128(denom)

	return divideBig(num, denom, mode)
}

// ComputeTokenValueUsd values a token amount at price in USD precision.
// Always rounds up.
func ComputeTokenValueUsd(tokens, price int64, tokenDecimals int) (int64, error) {
	num := MultiplyInt128(tokens, price)
	defer putInt128(num)
	num.Mul(num, big.NewInt(UsdConfig.Scale))

	denom := MultiplyInt128(Pow10(tokenDecimals), PriceConfig.Scale)
	defer putInt128(denom)

	return divideBig(num, denom, RoundUp)
}

// ComputeReserveUsd values both open-interest token totals in one sum,
// (shortTokens*collateralPrice + longTokens*indexPrice) at USD precision,
// rounded up once.
func ComputeReserveUsd(shortTokens, collateralPrice, longTokens, indexPrice int64, tokenDecimals int) (int64, error) {
	num := MultiplyInt128(shortTokens, collateralPrice)
	defer putInt128(num)
	long := MultiplyInt128(longTokens, indexPrice)
	defer putInt128(long)
	num.Add(num, long)
	num.Mul(num, big.NewInt(UsdConfig.Scale))

	denom := MultiplyInt128(Pow10(tokenDecimals), PriceConfig.Scale)
	defer putInt128(denom)

	return divideBig(num, denom, RoundUp)
}

// ComputeCollateralValueUsd values collateral units at price, rounded down
// so collateral is never overstated.
func ComputeCollateralValueUsd(amount, price int64, tokenDecimals int) (int64, error) {
	num := MultiplyInt128(amount, price)
	defer putInt128(num)
	num.Mul(num, big.NewInt(UsdConfig.Scale))

	denom := MultiplyInt128(Pow10(tokenDecimals), PriceConfig.Scale)
	defer putInt128(denom)

	return divideBig(num, denom, RoundDown)
}

// ComputeLeverage returns sizeUsd / collateralUsd at LeverageConfig precision,
// rounded up. Zero collateral value yields maxInt64.
func ComputeLeverage(sizeUsd, collateralUsd int64) int64 {
	if collateralUsd <= 0 {
		return maxInt64
	}
	lev, err := MulDiv(sizeUsd, LeverageConfig.Scale, collateralUsd, RoundUp)
	if err != nil {
		return maxInt64
	}
	return lev
}

// ApplyPercent returns amount * percent / 100, rounded down.
func ApplyPercent(amount, percent int64) (int64, error) {
	return MulDiv(amount, percent, 100, RoundDown)
}
