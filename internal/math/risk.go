package math

import (
	"math/big"
)

// BelowMaintenance reports whether equity / notional < maintenanceBps / 10000.
// Compared by cross-multiplication so no precision is lost to division.
func BelowMaintenance(equity, notional, maintenanceBps int64) bool {
	lhs := getInt128()
	rhs := getInt128()
	defer putInt128(lhs)
	defer putInt128(rhs)

	lhs.Mul(big.NewInt(equity), big.NewInt(BpsScale))
	rhs.Mul(big.NewInt(maintenanceBps), big.NewInt(notional))

	return lhs.Cmp(rhs) < 0
}

// AdverseMoveBreached reports whether the price moved against the side by at least
// thresholdBps of the entry price: |mark - entry| * 10000 >= thresholdBps * entry.
func AdverseMoveBreached(sideSign, entryPrice, markPrice, thresholdBps int64) bool {
	// Adverse move is entry-mark for longs and mark-entry for shorts
	adverse := getInt128()
	defer putInt128(adverse)
	adverse.Sub(big.NewInt(entryPrice), big.NewInt(markPrice))
	adverse.Mul(adverse, big.NewInt(sideSign))

	if adverse.Sign() <= 0 {
		return false
	}

	lhs := getInt128()
	rhs := getInt128()
	defer putInt128(lhs)
	defer putInt128(rhs)

	lhs.Mul(adverse, big.NewInt(BpsScale))
	rhs.Mul(big.NewInt(thresholdBps), big.NewInt(entryPrice))

	return lhs.Cmp(rhs) >= 0
}

// RatioBps returns floor(numerator * 10000 / denominator). denominator must be positive.
func RatioBps(numerator, denominator int64) (int64, error) {
	return MulDiv(numerator, BpsScale, denominator, RoundDown)
}

// MaxAdmissibleSize returns the largest order size the book can absorb on one side.
//
//	depth  = counter + baseLiquidity
//	excess = max(0, same - counter)
//	max    = depth * fractionBps * depth / (10000 * (depth + excess))
//
// At a balanced book the limit is fractionBps of the counter-side depth; it shrinks
// as the same side grows past the counter side.
func MaxAdmissibleSize(sameSide, counterSide, baseLiquidity, fractionBps int64) (int64, error) {
	depth, err := Add(counterSide, baseLiquidity)
	if err != nil {
		return 0, err
	}
	if depth <= 0 {
		return 0, nil
	}

	excess := sameSide - counterSide
	if excess < 0 {
		excess = 0
	}

	num := getInt128()
	den := getInt128()
	defer putInt128(num)
	defer putInt128(den)

	num.Mul(big.NewInt(depth), big.NewInt(fractionBps))
	num.Mul(num, big.NewInt(depth))

	den.Add(big.NewInt(depth), big.NewInt(excess))
	den.Mul(den, big.NewInt(BpsScale))

	return toInt64(divideInt128(num, den, RoundDown))
}

// LiquidationPrice returns the first integer mark price at which the position becomes
// liquidatable: for longs the highest price that triggers, for shorts the lowest.
// It is the nearer of the maintenance-margin boundary and the adverse-move threshold.
// A position whose margin is already exhausted reports its entry price.
func LiquidationPrice(
	sideSign int64,
	size int64,
	entryPrice int64,
	collateral int64,
	funding int64,
	maintenanceBps int64,
	thresholdBps int64,
) (int64, error) {
	if size <= 0 {
		return 0, ErrDivideByZero
	}

	margin := big.NewInt(collateral)
	margin.Add(margin, big.NewInt(funding))
	if margin.Sign() <= 0 {
		return entryPrice, nil
	}

	entryNotional := new(big.Int).Mul(big.NewInt(size), big.NewInt(entryPrice))
	bps := big.NewInt(BpsScale)
	one := big.NewInt(1)

	if sideSign > 0 {
		// equity(p)*1e4 < mm*size*p  <=>  p < (size*entry - margin)*1e4 / (size*(1e4 - mm))
		// Highest integer strictly below the boundary is ceil(boundary) - 1.
		num := new(big.Int).Sub(entryNotional, margin)
		num.Mul(num, bps)
		den := new(big.Int).Mul(big.NewInt(size), big.NewInt(BpsScale-maintenanceBps))

		marginPrice := big.NewInt(0)
		if num.Sign() > 0 && den.Sign() > 0 {
			marginPrice = divideInt128(num, den, RoundUp)
			marginPrice.Sub(marginPrice, one)
		}

		// (entry - p)*1e4 >= th*entry  <=>  p <= entry*(1e4 - th)/1e4
		thNum := new(big.Int).Mul(big.NewInt(entryPrice), big.NewInt(BpsScale-thresholdBps))
		thresholdPrice := divideInt128(thNum, bps, RoundDown)

		if marginPrice.Cmp(thresholdPrice) > 0 {
			return toInt64(marginPrice)
		}
		return toInt64(thresholdPrice)
	}

	// equity(p)*1e4 < mm*size*p  <=>  p > (margin + size*entry)*1e4 / (size*(1e4 + mm))
	// Lowest integer strictly above the boundary is floor(boundary) + 1.
	num := new(big.Int).Add(margin, entryNotional)
	num.Mul(num, bps)
	den := new(big.Int).Mul(big.NewInt(size), big.NewInt(BpsScale+maintenanceBps))
	marginPrice := divideInt128(num, den, RoundDown)
	marginPrice.Add(marginPrice, one)

	// (p - entry)*1e4 >= th*entry  <=>  p >= entry*(1e4 + th)/1e4
	thNum := new(big.Int).Mul(big.NewInt(entryPrice), big.NewInt(BpsScale+thresholdBps))
	thresholdPrice := divideInt128(thNum, bps, RoundUp)

	if marginPrice.Cmp(thresholdPrice) < 0 {
		return toInt64(marginPrice)
	}
	return toInt64(thresholdPrice)
}
