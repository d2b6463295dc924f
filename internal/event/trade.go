package event

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Side represents position direction
type Side int32

const (
	SideLong Side = iota + 1
	SideShort
)

// Sign returns +1 for long, -1 for short
func (s Side) Sign() int64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Opposite returns the counter side
func (s Side) Opposite() Side {
	if s == SideShort {
		return SideLong
	}
	return SideShort
}

func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "unknown"
	}
}

// ParseSide accepts "long"/"short" and the common "buy"/"sell" aliases
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return SideLong, nil
	case "short", "sell":
		return SideShort, nil
	default:
		return 0, fmt.Errorf("invalid side %q", s)
	}
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid side %d", int32(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(text []byte) error {
	parsed, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// PositionOpened is emitted when an order is admitted and a position enters the book.
// Idempotency key: command id of the order.
type PositionOpened struct {
	CommandID   string    `json:"command_id"`
	Market      string    `json:"market"`
	PositionID  uint64    `json:"position_id"`
	Owner       uuid.UUID `json:"owner"`
	Side        Side      `json:"side"`
	Size        int64     `json:"size"`
	EntryPrice  int64     `json:"entry_price"`
	Leverage    int64     `json:"leverage"`
	MarginDebit int64     `json:"margin_debit"` // ceil(notional / leverage), taken from the trader
	Fee         int64     `json:"fee"`
	Collateral  int64     `json:"collateral"` // MarginDebit - Fee
	Timestamp   int64     `json:"timestamp"`  // Epoch microseconds (versioned input)
}

func (p *PositionOpened) IdempotencyKey() string {
	return p.CommandID
}

func (p *PositionOpened) EventType() EventType {
	return EventTypePositionOpened
}

func (p *PositionOpened) MarketID() string {
	return p.Market
}

// PositionClosed is emitted for a trader-initiated full or partial close
type PositionClosed struct {
	CommandID          string    `json:"command_id"`
	Market             string    `json:"market"`
	PositionID         uint64    `json:"position_id"`
	Owner              uuid.UUID `json:"owner"`
	Side               Side      `json:"side"`
	ClosedSize         int64     `json:"closed_size"`
	RemainingSize      int64     `json:"remaining_size"`
	EntryPrice         int64     `json:"entry_price"`
	ExitPrice          int64     `json:"exit_price"`
	CollateralReleased int64     `json:"collateral_released"`
	FundingReleased    int64     `json:"funding_released"`
	RealizedPnL        int64     `json:"realized_pnl"`
	Fee                int64     `json:"fee"`
	Payout             int64     `json:"payout"`
	Timestamp          int64     `json:"timestamp"`
}

func (p *PositionClosed) IdempotencyKey() string {
	return p.CommandID
}

func (p *PositionClosed) EventType() EventType {
	return EventTypePositionClosed
}

func (p *PositionClosed) MarketID() string {
	return p.Market
}
