package core

import (
	"time"

	"MemePerp/internal/event"
	fpmath "MemePerp/internal/math"
	"MemePerp/internal/oracle"
	"MemePerp/internal/state"

	"github.com/google/uuid"
)

// OrderRequest opens a position at the quoted mark price
type OrderRequest struct {
	CommandID string
	Owner     uuid.UUID
	Side      event.Side
	Size      int64
	Leverage  int64
}

// OrderResult reports the admitted position and the collateral movement custody must
// perform: TraderDebit leaves the trader, Fee goes to the fee sink, Collateral stays
// locked for the position.
type OrderResult struct {
	PositionID  state.PositionID `json:"position_id"`
	EntryPrice  int64            `json:"entry_price"`
	TraderDebit int64            `json:"trader_debit"`
	Fee         int64            `json:"fee"`
	Collateral  int64            `json:"collateral"`
	Output      *CoreOutput      `json:"-"`
}

// PlaceOrder validates an order against the market's limits and admits it as a new
// position. Checks run in a fixed order and the first failure wins; a rejected order
// leaves the book unchanged.
func (m *Market) PlaceOrder(req OrderRequest, quote oracle.Quote, now time.Time) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.placeOrder(req, quote, now)
	if err != nil {
		m.recordRejection(err)
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.OrdersAdmitted.WithLabelValues(m.name, req.Side.String()).Inc()
		m.metrics.FeesCollected.WithLabelValues(m.name, FeeOpen.String()).Add(float64(res.Fee))
	}
	m.logger.Debug().
		Uint64("position_id", uint64(res.PositionID)).
		Str("side", req.Side.String()).
		Int64("size", req.Size).
		Int64("price", res.EntryPrice).
		Int64("collateral", res.Collateral).
		Msg("position opened")
	return res, nil
}

func (m *Market) placeOrder(req OrderRequest, quote oracle.Quote, now time.Time) (*OrderResult, error) {
	cfg := &m.cfg

	if m.paused {
		return nil, newError(KindMarketPaused, m.name, "order admission is paused")
	}
	if !req.Side.Valid() {
		return nil, newError(KindInvalidRequest, m.name, "invalid side %d", req.Side)
	}
	if req.Owner == uuid.Nil {
		return nil, newError(KindInvalidRequest, m.name, "owner is required")
	}
	if quote.Market != "" && quote.Market != m.name {
		return nil, newError(KindInvalidRequest, m.name, "quote is for market %q", quote.Market)
	}

	// 1. Minimum size
	if req.Size < cfg.MinBaseOrderSize {
		return nil, newError(KindOrderTooSmall, m.name, "size %d below minimum %d", req.Size, cfg.MinBaseOrderSize)
	}

	// 2. Price on tick
	if quote.Price%cfg.TickSize != 0 {
		return nil, newError(KindInvalidTick, m.name, "price %d is not a multiple of tick %d", quote.Price, cfg.TickSize)
	}

	// 3. Leverage
	if req.Leverage < 1 || req.Leverage > cfg.MaxLeverage {
		return nil, newError(KindLeverageExceeded, m.name, "leverage %d outside [1, %d]", req.Leverage, cfg.MaxLeverage)
	}

	// 4. Side capacity
	same := m.book.Totals(req.Side).Size
	counter := m.book.Totals(req.Side.Opposite()).Size
	after, err := fpmath.Add(same, req.Size)
	if err != nil {
		return nil, wrapMath(m.name, "side size", err)
	}
	if after > cfg.MaxPositionSize {
		return nil, newError(KindPositionSizeExceeded, m.name, "%s side would hold %d, max %d", req.Side, after, cfg.MaxPositionSize)
	}

	// 5. Dynamic liquidity
	maxSize, err := fpmath.MaxAdmissibleSize(same, counter, cfg.BaseLiquidity, cfg.LiquidityFractionBps)
	if err != nil {
		return nil, wrapMath(m.name, "liquidity limit", err)
	}
	if req.Size > maxSize {
		return nil, newError(KindInsufficientLiquidity, m.name, "size %d exceeds admissible %d", req.Size, maxSize)
	}

	// 6. Quote freshness
	if err := quote.Validate(now, cfg.MaxPriceAge()); err != nil {
		return nil, wrapQuote(m.name, err)
	}

	notional, err := fpmath.ComputeNotional(req.Size, quote.Price)
	if err != nil {
		return nil, wrapMath(m.name, "notional", err)
	}
	fee, err := m.fees.Fee(notional, cfg.OpenFeeBps)
	if err != nil {
		return nil, wrapMath(m.name, "open fee", err)
	}
	debit, err := fpmath.CeilDiv(notional, req.Leverage)
	if err != nil {
		return nil, wrapMath(m.name, "margin", err)
	}
	collateral := debit - fee
	if collateral <= 0 {
		return nil, newError(KindInsufficientCollateral, m.name, "margin %d does not cover fee %d", debit, fee)
	}

	evt := &event.PositionOpened{
		CommandID:   req.CommandID,
		Market:      m.name,
		PositionID:  uint64(m.book.NextID()),
		Owner:       req.Owner,
		Side:        req.Side,
		Size:        req.Size,
		EntryPrice:  quote.Price,
		Leverage:    req.Leverage,
		MarginDebit: debit,
		Fee:         fee,
		Collateral:  collateral,
		Timestamp:   now.UnixMicro(),
	}
	if evt.CommandID == "" {
		evt.CommandID = m.name + ":open:" + uuid.NewString()
	}

	out, err := m.commit(evt)
	if err != nil {
		return nil, err
	}

	return &OrderResult{
		PositionID:  state.PositionID(evt.PositionID),
		EntryPrice:  evt.EntryPrice,
		TraderDebit: debit,
		Fee:         fee,
		Collateral:  collateral,
		Output:      out,
	}, nil
}

func (m *Market) recordRejection(err error) {
	if m.metrics != nil {
		m.metrics.OrdersRejected.WithLabelValues(m.name, KindOf(err).String()).Inc()
	}
	m.logger.Debug().Err(err).Msg("order rejected")
}
