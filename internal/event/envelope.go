package event

import (
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMarketCreated
	EventTypeMarketConfigUpdated
	EventTypeMarketPauseChanged
	EventTypePositionOpened
	EventTypePositionClosed
	EventTypeFundingApplied
	EventTypePositionLiquidated
	EventTypePriceUpdate
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Per-market monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key of the command that produced the event
	CommandID string

	// Event type discriminator
	EventType EventType

	// Market context
	MarketID string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of market state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context
	MarketID() string
}

func (et EventType) String() string {
	switch et {
	case EventTypeMarketCreated:
		return "MarketCreated"
	case EventTypeMarketConfigUpdated:
		return "MarketConfigUpdated"
	case EventTypeMarketPauseChanged:
		return "MarketPauseChanged"
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypeFundingApplied:
		return "FundingApplied"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypePriceUpdate:
		return "PriceUpdate"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String. Used when reading the event log back.
func ParseEventType(s string) (EventType, error) {
	for et := EventTypeMarketCreated; et <= EventTypePriceUpdate; et++ {
		if et.String() == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", s)
}
