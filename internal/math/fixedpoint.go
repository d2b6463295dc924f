// internal/math/fixedpoint.go
package math

import (
	"errors"
	"math/big"
	"sync"
)

// ErrOverflow is returned when an intermediate or final result does not fit in int64.
// Callers must abort the operation; results are never wrapped or saturated.
var ErrOverflow = errors.New("fixed-point overflow")

// ErrDivideByZero is returned for a zero or negative denominator.
var ErrDivideByZero = errors.New("fixed-point division by non-positive denominator")

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// RateConfig is the scale of funding rates (0.00000001 resolution)
	RateConfig = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000}
	// BpsConfig is the scale of basis-point parameters
	BpsConfig = DecimalConfig{DecimalPrecision: 4, Scale: 10_000}
)

const (
	// BpsScale is 100% expressed in basis points
	BpsScale int64 = 10_000

	// RateCap is the absolute funding rate cap per interval (0.001 at RateConfig scale)
	RateCap int64 = 100_000
)

type RoundingMode int

const (
	RoundHalfEven   RoundingMode = iota // Banker's rounding
	RoundDown                           // Toward negative infinity
	RoundUp                             // Toward positive infinity
	RoundTowardZero                     // Truncation
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

// toInt64 converts a wide intermediate back to int64 or reports overflow.
func toInt64(v *big.Int) (int64, error) {
	if !v.IsInt64() {
		return 0, ErrOverflow
	}
	return v.Int64(), nil
}

// Add returns a + b or ErrOverflow.
func Add(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub returns a - b or ErrOverflow.
func Sub(a, b int64) (int64, error) {
	diff := a - b
	if (b > 0 && diff > a) || (b < 0 && diff < a) {
		return 0, ErrOverflow
	}
	return diff, nil
}

// Mul returns a * b or ErrOverflow.
func Mul(a, b int64) (int64, error) {
	result := getInt128()
	defer putInt128(result)

	result.Mul(big.NewInt(a), big.NewInt(b))
	return toInt64(result)
}

// divideInt128 performs numerator / denominator with rounding.
// denominator must be positive.
func divideInt128(numerator, denominator *big.Int, mode RoundingMode) *big.Int {
	quotient := new(big.Int)
	remainder := getInt128()
	defer putInt128(remainder)

	// Euclidean division: remainder is always >= 0, quotient is the floor
	// for a positive denominator.
	quotient.DivMod(numerator, denominator, remainder)

	if remainder.Sign() == 0 {
		return quotient
	}

	switch mode {
	case RoundUp:
		quotient.Add(quotient, big.NewInt(1))
	case RoundTowardZero:
		if numerator.Sign() < 0 {
			quotient.Add(quotient, big.NewInt(1))
		}
	case RoundHalfEven:
		twice := getInt128()
		defer putInt128(twice)
		twice.Lsh(remainder, 1)
		cmp := twice.Cmp(denominator)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			quotient.Add(quotient, big.NewInt(1))
		}
	}

	return quotient
}

// MulDiv computes a * b / c with the given rounding, using a 128-bit intermediate.
func MulDiv(a, b, c int64, mode RoundingMode) (int64, error) {
	if c <= 0 {
		return 0, ErrDivideByZero
	}

	num := getInt128()
	defer putInt128(num)
	num.Mul(big.NewInt(a), big.NewInt(b))

	return toInt64(divideInt128(num, big.NewInt(c), mode))
}

// MulMulDiv computes a * b * c / d with the given rounding.
func MulMulDiv(a, b, c, d int64, mode RoundingMode) (int64, error) {
	if d <= 0 {
		return 0, ErrDivideByZero
	}

	num := getInt128()
	defer putInt128(num)
	num.Mul(big.NewInt(a), big.NewInt(b))
	num.Mul(num, big.NewInt(c))

	return toInt64(divideInt128(num, big.NewInt(d), mode))
}

// CeilDiv returns ceil(a / b) for a positive b.
func CeilDiv(a, b int64) (int64, error) {
	return MulDiv(a, 1, b, RoundUp)
}

// ComputeNotional returns size * price in quote units.
func ComputeNotional(size, price int64) (int64, error) {
	return Mul(size, price)
}

// ComputeFee returns ceil(notional * bps / 10000), rounding in favor of the protocol.
func ComputeFee(notional, feeBps int64) (int64, error) {
	if notional < 0 || feeBps < 0 {
		return 0, errors.New("fee inputs must be non-negative")
	}
	return MulDiv(notional, feeBps, BpsScale, RoundUp)
}

// ComputeUnrealizedPnL returns sideSign * size * (mark - entry).
func ComputeUnrealizedPnL(sideSign, size, markPrice, entryPrice int64) (int64, error) {
	diff, err := Sub(markPrice, entryPrice)
	if err != nil {
		return 0, err
	}

	pnl := getInt128()
	defer putInt128(pnl)
	pnl.Mul(big.NewInt(size), big.NewInt(diff))
	pnl.Mul(pnl, big.NewInt(sideSign))

	return toInt64(pnl)
}

// ProRata returns floor(amount * part / whole). whole must be positive.
func ProRata(amount, part, whole int64) (int64, error) {
	return MulDiv(amount, part, whole, RoundDown)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Abs returns |v|. math.MinInt64 is reported as overflow.
func Abs(v int64) (int64, error) {
	if v >= 0 {
		return v, nil
	}
	if v == -v {
		return 0, ErrOverflow
	}
	return -v, nil
}
