package event

import "fmt"

// PriceUpdate is an oracle reading published on perp.prices.{market}
type PriceUpdate struct {
	Market         string
	Price          int64 // Normalized to the market's price units
	Confidence     int64 // Normalized confidence interval, 0 if unknown
	PriceSequence  int64 // Monotonic per market
	PriceTimestamp int64 // Epoch microseconds (publish time at the source)
}

func (m *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", m.Market, m.PriceSequence)
}

func (m *PriceUpdate) EventType() EventType {
	return EventTypePriceUpdate
}

func (m *PriceUpdate) MarketID() string {
	return m.Market
}
