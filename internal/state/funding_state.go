package state

import (
	"time"
)

// FundingState tracks funding accrual for one market
type FundingState struct {
	LastFundingTime       time.Time
	CumulativeFundingRate int64 // Fixed-point: rate scale (decimal_precision=8), signed
	Epoch                 int64 // Number of applied intervals
	LastRate              int64
}

// NewFundingState starts the funding clock at market creation
func NewFundingState(createdAt time.Time) FundingState {
	return FundingState{LastFundingTime: createdAt}
}

// Due reports whether a full interval has elapsed since the last application
func (f *FundingState) Due(now time.Time, intervalSeconds int64) bool {
	return now.Sub(f.LastFundingTime) >= SecondsDuration(intervalSeconds)
}

// NextFundingTime returns the earliest time the next interval may be applied
func (f *FundingState) NextFundingTime(intervalSeconds int64) time.Time {
	return f.LastFundingTime.Add(SecondsDuration(intervalSeconds))
}

// Advance records an applied interval. The cumulative sum is computed by the caller
// with checked arithmetic.
func (f *FundingState) Advance(now time.Time, rate, cumulative int64) {
	f.LastFundingTime = now
	f.LastRate = rate
	f.CumulativeFundingRate = cumulative
	f.Epoch++
}

// CanonicalBytes returns deterministic serialization for hashing
func (f *FundingState) CanonicalBytes() []byte {
	buf := make([]byte, 0, 32)
	buf = appendInt64LE(buf, f.LastFundingTime.UnixMicro())
	buf = appendInt64LE(buf, f.CumulativeFundingRate)
	buf = appendInt64LE(buf, f.Epoch)
	buf = appendInt64LE(buf, f.LastRate)
	return buf
}
