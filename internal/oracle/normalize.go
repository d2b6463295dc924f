package oracle

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

// Normalize converts mantissa * 10^expo into integer units with targetDecimals
// decimal places. Extra precision is truncated toward zero.
func Normalize(mantissa int64, expo int32, targetDecimals int32) (int64, error) {
	return toUnits(decimal.New(mantissa, expo), targetDecimals)
}

// ParsePrice parses a human decimal string ("0.00001234") into integer units.
func ParsePrice(s string, targetDecimals int32) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	return toUnits(d, targetDecimals)
}

// FormatPrice renders integer units back to a decimal string
func FormatPrice(units int64, decimals int32) string {
	return decimal.New(units, -decimals).String()
}

func toUnits(d decimal.Decimal, targetDecimals int32) (int64, error) {
	scaled := d.Shift(targetDecimals).Truncate(0)
	if scaled.GreaterThan(maxInt64) || scaled.LessThan(minInt64) {
		return 0, fmt.Errorf("price %s does not fit in int64 at %d decimals", d, targetDecimals)
	}
	return scaled.IntPart(), nil
}

// ChangeBps returns |next - prev| * 10000 / prev, floored. prev must be positive.
func ChangeBps(prev, next int64) int64 {
	diff := decimal.NewFromInt(next).Sub(decimal.NewFromInt(prev)).Abs()
	bps, _ := diff.Mul(decimal.NewFromInt(10_000)).QuoRem(decimal.NewFromInt(prev), 0)
	if bps.GreaterThan(maxInt64) {
		return math.MaxInt64
	}
	return bps.IntPart()
}
