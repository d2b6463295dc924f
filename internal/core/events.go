package core

import (
	"fmt"

	"MemePerp/internal/event"
	"MemePerp/internal/state"

	"github.com/bytedance/sonic"
)

// MarketCreated opens a market's event log. It is always sequence 1.
type MarketCreated struct {
	CommandID string             `json:"command_id"`
	Market    string             `json:"market"`
	Authority string             `json:"authority"`
	Config    state.MarketConfig `json:"config"`
	Timestamp int64              `json:"timestamp"`
}

func (e *MarketCreated) IdempotencyKey() string {
	if e.CommandID != "" {
		return e.CommandID
	}
	return e.Market + ":create"
}

func (e *MarketCreated) EventType() event.EventType { return event.EventTypeMarketCreated }
func (e *MarketCreated) MarketID() string { return e.Market }

// MarketConfigUpdated replaces a market's risk parameters
type MarketConfigUpdated struct {
	CommandID string             `json:"command_id"`
	Market    string             `json:"market"`
	Authority string             `json:"authority"`
	Previous  state.MarketConfig `json:"previous"`
	Config    state.MarketConfig `json:"config"`
	Timestamp int64              `json:"timestamp"`
}

func (e *MarketConfigUpdated) IdempotencyKey() string { return e.CommandID }
func (e *MarketConfigUpdated) EventType() event.EventType {
	return event.EventTypeMarketConfigUpdated
}
func (e *MarketConfigUpdated) MarketID() string { return e.Market }

// MarketPauseChanged toggles order admission
type MarketPauseChanged struct {
	CommandID string `json:"command_id"`
	Market    string `json:"market"`
	Authority string `json:"authority"`
	Paused    bool   `json:"paused"`
	Timestamp int64  `json:"timestamp"`
}

func (e *MarketPauseChanged) IdempotencyKey() string { return e.CommandID }
func (e *MarketPauseChanged) EventType() event.EventType {
	return event.EventTypeMarketPauseChanged
}
func (e *MarketPauseChanged) MarketID() string { return e.Market }

// EncodeEvent serializes an event payload for the log
func EncodeEvent(evt event.Event) ([]byte, error) {
	return sonic.ConfigStd.Marshal(evt)
}

// DecodeEvent is the inverse of EncodeEvent, dispatching on the envelope's type
func DecodeEvent(et event.EventType, payload []byte) (event.Event, error) {
	var evt event.Event
	switch et {
	case event.EventTypeMarketCreated:
		evt = &MarketCreated{}
	case event.EventTypeMarketConfigUpdated:
		evt = &MarketConfigUpdated{}
	case event.EventTypeMarketPauseChanged:
		evt = &MarketPauseChanged{}
	case event.EventTypePositionOpened:
		evt = &event.PositionOpened{}
	case event.EventTypePositionClosed:
		evt = &event.PositionClosed{}
	case event.EventTypeFundingApplied:
		evt = &event.FundingApplied{}
	case event.EventTypePositionLiquidated:
		evt = &event.PositionLiquidated{}
	default:
		return nil, fmt.Errorf("cannot decode event type %s", et)
	}
	if err := sonic.ConfigStd.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}

// eventTime extracts the versioned input timestamp. The core never reads the wall clock
// for state; every event carries the caller-supplied time.
func eventTime(evt event.Event) int64 {
	switch e := evt.(type) {
	case *MarketCreated:
		return e.Timestamp
	case *MarketConfigUpdated:
		return e.Timestamp
	case *MarketPauseChanged:
		return e.Timestamp
	case *event.PositionOpened:
		return e.Timestamp
	case *event.PositionClosed:
		return e.Timestamp
	case *event.FundingApplied:
		return e.Timestamp
	case *event.PositionLiquidated:
		return e.Timestamp
	default:
		panic(fmt.Sprintf("FATAL: eventTime called with unhandled event type %T", evt))
	}
}
