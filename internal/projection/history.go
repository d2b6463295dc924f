package projection

import (
	"context"
	"time"

	"MemePerp/internal/event"
)

// FundingRecord is one row of projections.funding_history
type FundingRecord struct {
	Market         string    `json:"market"`
	Epoch          int64     `json:"epoch"`
	Rate           int64     `json:"rate"`
	CumulativeRate int64     `json:"cumulative_rate"`
	LongSize       int64     `json:"long_size"`
	ShortSize      int64     `json:"short_size"`
	TotalPaid      int64     `json:"total_paid"`
	TotalReceived  int64     `json:"total_received"`
	Residue        int64     `json:"residue"`
	Transfers      int       `json:"transfers"`
	Sequence       int64     `json:"sequence"`
	AppliedAt      time.Time `json:"applied_at"`
}

// LiquidationRecord is one row of projections.liquidation_history
type LiquidationRecord struct {
	Market       string    `json:"market"`
	PositionID   uint64    `json:"position_id"`
	Owner        string    `json:"owner"`
	Side         string    `json:"side"`
	Size         int64     `json:"size"`
	EntryPrice   int64     `json:"entry_price"`
	MarkPrice    int64     `json:"mark_price"`
	Trigger      string    `json:"trigger"`
	Equity       int64     `json:"equity"`
	Fee          int64     `json:"fee"`
	Payout       int64     `json:"payout"`
	Shortfall    int64     `json:"shortfall"`
	Sequence     int64     `json:"sequence"`
	LiquidatedAt time.Time `json:"liquidated_at"`
}

func insertFunding(ctx context.Context, ex execer, evt *event.FundingApplied, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.funding_history
			(market_id, epoch, rate, cumulative_rate, long_size, short_size,
			 total_paid, total_received, residue, transfers, sequence, applied_at)
		VALUES ($1, $2, $3,
			$3 + COALESCE((SELECT cumulative_rate FROM projections.funding_history
			               WHERE market_id = $1 AND epoch = $2 - 1), 0),
			$4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (market_id, epoch) DO NOTHING
	`, evt.Market, evt.Epoch, evt.Rate, evt.LongSize, evt.ShortSize,
		evt.TotalPaid, evt.TotalReceived, evt.Residue, len(evt.Transfers), seq,
		time.UnixMicro(evt.Timestamp).UTC())
	return err
}

func insertLiquidation(ctx context.Context, ex execer, evt *event.PositionLiquidated, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(market_id, position_id, owner, side, size, entry_price, mark_price, trigger,
			 equity, fee, payout, shortfall, sequence, liquidated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (market_id, position_id) DO NOTHING
	`, evt.Market, int64(evt.PositionID), evt.Owner.String(), evt.Side.String(), evt.Size,
		evt.EntryPrice, evt.MarkPrice, evt.Trigger.String(), evt.Equity, evt.Fee,
		evt.Payout, evt.Shortfall, seq, time.UnixMicro(evt.Timestamp).UTC())
	return err
}
