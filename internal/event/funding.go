package event

import (
	"fmt"
)

// FundingTransfer is one position's share of a funding application.
// Positive = paid by the position, negative = received.
type FundingTransfer struct {
	PositionID uint64 `json:"position_id"`
	Amount     int64  `json:"amount"`
}

// FundingApplied records one funding interval for a market.
// Idempotency key: "{market}:funding:{epoch}".
type FundingApplied struct {
	Market        string            `json:"market"`
	Epoch         int64             `json:"epoch"` // Monotonic per market, value after this application
	Rate          int64             `json:"rate"`  // Fixed-point: rate scale (decimal_precision=8), signed
	LongSize      int64             `json:"long_size"`
	ShortSize     int64             `json:"short_size"`
	TotalPaid     int64             `json:"total_paid"`
	TotalReceived int64             `json:"total_received"`
	Residue       int64             `json:"residue"`
	Transfers     []FundingTransfer `json:"transfers,omitempty"`
	Timestamp     int64             `json:"timestamp"` // Epoch microseconds, becomes LastFundingTime
}

func (f *FundingApplied) IdempotencyKey() string {
	return fmt.Sprintf("%s:funding:%d", f.Market, f.Epoch)
}

func (f *FundingApplied) EventType() EventType {
	return EventTypeFundingApplied
}

func (f *FundingApplied) MarketID() string {
	return f.Market
}
