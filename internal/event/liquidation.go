package event

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// LiquidationTrigger is a bit set of the conditions that fired
type LiquidationTrigger uint8

const (
	TriggerMaintenance LiquidationTrigger = 1 << iota
	TriggerAdverseMove
	TriggerCollateralExhausted
)

func (t LiquidationTrigger) Has(flag LiquidationTrigger) bool {
	return t&flag != 0
}

func (t LiquidationTrigger) String() string {
	if t == 0 {
		return "none"
	}
	var parts []string
	if t.Has(TriggerMaintenance) {
		parts = append(parts, "maintenance")
	}
	if t.Has(TriggerAdverseMove) {
		parts = append(parts, "adverse_move")
	}
	if t.Has(TriggerCollateralExhausted) {
		parts = append(parts, "collateral_exhausted")
	}
	return strings.Join(parts, "+")
}

// PositionLiquidated is emitted when a position is forcibly closed.
// Shortfall > 0 means the position was bankrupt and the deficit is bad debt.
type PositionLiquidated struct {
	CommandID  string             `json:"command_id"`
	Market     string             `json:"market"`
	PositionID uint64             `json:"position_id"`
	Owner      uuid.UUID          `json:"owner"`
	Side       Side               `json:"side"`
	Size       int64              `json:"size"`
	EntryPrice int64              `json:"entry_price"`
	MarkPrice  int64              `json:"mark_price"`
	Trigger    LiquidationTrigger `json:"trigger"`
	Collateral int64              `json:"collateral"`
	Funding    int64              `json:"funding"`
	Equity     int64              `json:"equity"` // collateral + funding + unrealized pnl, signed
	Fee        int64              `json:"fee"`
	Payout     int64              `json:"payout"`
	Shortfall  int64              `json:"shortfall"`
	Timestamp  int64              `json:"timestamp"`
}

func (l *PositionLiquidated) IdempotencyKey() string {
	return fmt.Sprintf("%s:liq:%d", l.Market, l.PositionID)
}

func (l *PositionLiquidated) EventType() EventType {
	return EventTypePositionLiquidated
}

func (l *PositionLiquidated) MarketID() string {
	return l.Market
}
