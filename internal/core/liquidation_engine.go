package core

import (
	"fmt"
	"time"

	"MemePerp/internal/event"
	fpmath "MemePerp/internal/math"
	"MemePerp/internal/oracle"
	"MemePerp/internal/state"
)

// LiquidationResult is the outcome of evaluating one position. A healthy position
// reports its equity and margin ratio; a liquidated one adds the settlement amounts.
// Shortfall is bad debt the caller must route to an insurance mechanism.
type LiquidationResult struct {
	Liquidated     bool                     `json:"liquidated"`
	Trigger        event.LiquidationTrigger `json:"trigger"`
	PositionID     state.PositionID         `json:"position_id"`
	MarkPrice      int64                    `json:"mark_price"`
	Equity         int64                    `json:"equity"`
	MarginRatioBps int64                    `json:"margin_ratio_bps"`
	Fee            int64                    `json:"fee"`
	Payout         int64                    `json:"payout"`
	Shortfall      int64                    `json:"shortfall"`
	Output         *CoreOutput              `json:"-"`
}

// health is the risk picture of one position at a mark price
type health struct {
	upnl     int64
	equity   int64
	notional int64
	ratioBps int64
	trigger  event.LiquidationTrigger
}

func (m *Market) assess(pos *state.Position, mark int64) (*health, error) {
	upnl, err := fpmath.ComputeUnrealizedPnL(pos.SideSign(), pos.Size, mark, pos.EntryPrice)
	if err != nil {
		return nil, err
	}
	margin, err := fpmath.Add(pos.Collateral, pos.AccumulatedFunding)
	if err != nil {
		return nil, err
	}
	equity, err := fpmath.Add(margin, upnl)
	if err != nil {
		return nil, err
	}
	notional, err := fpmath.ComputeNotional(pos.Size, mark)
	if err != nil {
		return nil, err
	}
	ratio, err := fpmath.RatioBps(equity, notional)
	if err != nil {
		return nil, err
	}

	h := &health{upnl: upnl, equity: equity, notional: notional, ratioBps: ratio}
	if fpmath.BelowMaintenance(equity, notional, m.cfg.MaintenanceMarginBps) {
		h.trigger |= event.TriggerMaintenance
	}
	if fpmath.AdverseMoveBreached(pos.SideSign(), pos.EntryPrice, mark, m.cfg.LiquidationThresholdBps) {
		h.trigger |= event.TriggerAdverseMove
	}
	if margin <= 0 {
		h.trigger |= event.TriggerCollateralExhausted
	}
	return h, nil
}

// Evaluate decides whether a position must be liquidated at the quoted mark price.
// Healthy positions are left untouched. The caller drives evaluation; there is no
// scheduler inside the market.
func (m *Market) Evaluate(id state.PositionID, side event.Side, quote oracle.Quote, now time.Time) (*LiquidationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := m.book.Get(id, side)
	if pos == nil {
		return nil, newError(KindPositionNotFound, m.name, "position %d (%s)", id, side)
	}
	if err := quote.Validate(now, m.cfg.MaxPriceAge()); err != nil {
		return nil, wrapQuote(m.name, err)
	}

	mark := quote.Price
	h, err := m.assess(pos, mark)
	if err != nil {
		return nil, wrapMath(m.name, "position health", err)
	}

	result := &LiquidationResult{
		Trigger:        h.trigger,
		PositionID:     id,
		MarkPrice:      mark,
		Equity:         h.equity,
		MarginRatioBps: h.ratioBps,
	}
	if h.trigger == 0 {
		return result, nil
	}

	fee, err := m.fees.Fee(h.notional, m.cfg.LiquidationFeeBps)
	if err != nil {
		return nil, wrapMath(m.name, "liquidation fee", err)
	}
	var payout, shortfall int64
	if h.equity > fee {
		payout = h.equity - fee
	} else {
		if shortfall, err = fpmath.Sub(fee, h.equity); err != nil {
			return nil, wrapMath(m.name, "shortfall", err)
		}
	}

	evt := &event.PositionLiquidated{
		CommandID:  fmt.Sprintf("%s:liq:%d", m.name, id),
		Market:     m.name,
		PositionID: uint64(id),
		Owner:      pos.Owner,
		Side:       pos.Side,
		Size:       pos.Size,
		EntryPrice: pos.EntryPrice,
		MarkPrice:  mark,
		Trigger:    h.trigger,
		Collateral: pos.Collateral,
		Funding:    pos.AccumulatedFunding,
		Equity:     h.equity,
		Fee:        fee,
		Payout:     payout,
		Shortfall:  shortfall,
		Timestamp:  now.UnixMicro(),
	}

	out, err := m.commit(evt)
	if err != nil {
		return nil, err
	}

	result.Liquidated = true
	result.Fee = fee
	result.Payout = payout
	result.Shortfall = shortfall
	result.Output = out

	if m.metrics != nil {
		outcome := "solvent"
		if shortfall > 0 {
			outcome = "bad_debt"
		}
		m.metrics.Liquidations.WithLabelValues(m.name, h.trigger.String(), outcome).Inc()
		m.metrics.LiquidationShortfall.WithLabelValues(m.name).Add(float64(shortfall))
		m.metrics.FeesCollected.WithLabelValues(m.name, FeeLiquidation.String()).Add(float64(fee))
	}
	m.logger.Warn().
		Uint64("position_id", uint64(id)).
		Str("trigger", h.trigger.String()).
		Int64("mark", mark).
		Int64("equity", h.equity).
		Int64("fee", fee).
		Int64("shortfall", shortfall).
		Msg("position liquidated")

	return result, nil
}
