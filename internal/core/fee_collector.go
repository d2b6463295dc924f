package core

import (
	fpmath "MemePerp/internal/math"
)

// FeeKind labels what a fee was charged for
type FeeKind int

const (
	FeeOpen FeeKind = iota
	FeeClose
	FeeLiquidation
	FeeFundingResidue
)

func (k FeeKind) String() string {
	switch k {
	case FeeOpen:
		return "open"
	case FeeClose:
		return "close"
	case FeeLiquidation:
		return "liquidation"
	case FeeFundingResidue:
		return "funding_residue"
	default:
		return "unknown"
	}
}

// FeeTotals are running fee sums for one market
type FeeTotals struct {
	Open           int64 `json:"open"`
	Close          int64 `json:"close"`
	Liquidation    int64 `json:"liquidation"`
	FundingResidue int64 `json:"funding_residue"`
}

// Sum returns the total of all kinds
func (t FeeTotals) Sum() int64 {
	return t.Open + t.Close + t.Liquidation + t.FundingResidue
}

// Fee returns ceil(notional * bps / 10000), rounded in favor of the protocol.
func Fee(notional, bps int64) (int64, error) {
	return fpmath.ComputeFee(notional, bps)
}

// FeeCollector accrues the fees a market has charged. It is owned by a Market and
// guarded by the market's lock.
type FeeCollector struct {
	totals FeeTotals
}

// Fee computes a fee without recording it
func (fc *FeeCollector) Fee(notional, bps int64) (int64, error) {
	return Fee(notional, bps)
}

// Record adds amount to the running total for kind
func (fc *FeeCollector) Record(kind FeeKind, amount int64) error {
	apply, err := fc.stage(kind, amount)
	if err != nil {
		return err
	}
	apply()
	return nil
}

// stage checks the addition and returns a closure that performs it, so callers can
// validate before their first mutation.
func (fc *FeeCollector) stage(kind FeeKind, amount int64) (func(), error) {
	var slot *int64
	switch kind {
	case FeeOpen:
		slot = &fc.totals.Open
	case FeeClose:
		slot = &fc.totals.Close
	case FeeLiquidation:
		slot = &fc.totals.Liquidation
	case FeeFundingResidue:
		slot = &fc.totals.FundingResidue
	default:
		return func() {}, nil
	}
	next, err := fpmath.Add(*slot, amount)
	if err != nil {
		return nil, err
	}
	return func() { *slot = next }, nil
}

func (fc *FeeCollector) Totals() FeeTotals {
	return fc.totals
}

func (fc *FeeCollector) restore(t FeeTotals) {
	fc.totals = t
}
