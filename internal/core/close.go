package core

import (
	"time"

	"MemePerp/internal/event"
	fpmath "MemePerp/internal/math"
	"MemePerp/internal/oracle"
	"MemePerp/internal/state"

	"github.com/google/uuid"
)

// CloseRequest reduces or closes a position. Size 0 or at least the position size
// closes it fully.
type CloseRequest struct {
	CommandID string
	ID        state.PositionID
	Side      event.Side
	Owner     uuid.UUID
	Size      int64
}

// CloseResult reports the settlement; Payout is credited to the trader
type CloseResult struct {
	PositionID         state.PositionID `json:"position_id"`
	ClosedSize         int64            `json:"closed_size"`
	RemainingSize      int64            `json:"remaining_size"`
	ExitPrice          int64            `json:"exit_price"`
	CollateralReleased int64            `json:"collateral_released"`
	FundingReleased    int64            `json:"funding_released"`
	RealizedPnL        int64            `json:"realized_pnl"`
	Fee                int64            `json:"fee"`
	Payout             int64            `json:"payout"`
	Output             *CoreOutput      `json:"-"`
}

// ClosePosition settles all or part of a position at the quoted mark price. Closing is
// allowed while the market is paused. A close whose payout would be negative is
// rejected; such a position has to go through liquidation.
func (m *Market) ClosePosition(req CloseRequest, quote oracle.Quote, now time.Time) (*CloseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := m.book.Get(req.ID, req.Side)
	if pos == nil {
		return nil, newError(KindPositionNotFound, m.name, "position %d (%s)", req.ID, req.Side)
	}
	if pos.Owner != req.Owner {
		return nil, newError(KindUnauthorized, m.name, "position %d is not owned by %s", req.ID, req.Owner)
	}
	if err := quote.Validate(now, m.cfg.MaxPriceAge()); err != nil {
		return nil, wrapQuote(m.name, err)
	}

	q := req.Size
	if q <= 0 || q >= pos.Size {
		q = pos.Size
	}

	var releasedCollateral, releasedFunding int64
	if q == pos.Size {
		releasedCollateral = pos.Collateral
		releasedFunding = pos.AccumulatedFunding
	} else {
		var err error
		if releasedCollateral, err = fpmath.MulDiv(pos.Collateral, q, pos.Size, fpmath.RoundDown); err != nil {
			return nil, wrapMath(m.name, "released collateral", err)
		}
		if releasedFunding, err = fpmath.MulDiv(pos.AccumulatedFunding, q, pos.Size, fpmath.RoundTowardZero); err != nil {
			return nil, wrapMath(m.name, "released funding", err)
		}
	}

	mark := quote.Price
	pnl, err := fpmath.ComputeUnrealizedPnL(pos.SideSign(), q, mark, pos.EntryPrice)
	if err != nil {
		return nil, wrapMath(m.name, "realized pnl", err)
	}
	notional, err := fpmath.ComputeNotional(q, mark)
	if err != nil {
		return nil, wrapMath(m.name, "close notional", err)
	}
	fee, err := m.fees.Fee(notional, m.cfg.OpenFeeBps)
	if err != nil {
		return nil, wrapMath(m.name, "close fee", err)
	}

	payout := releasedCollateral
	for _, term := range []int64{releasedFunding, pnl, -fee} {
		if payout, err = fpmath.Add(payout, term); err != nil {
			return nil, wrapMath(m.name, "payout", err)
		}
	}
	if payout < 0 {
		return nil, newError(KindInsufficientCollateral, m.name,
			"closing %d of position %d would leave a deficit of %d", q, req.ID, -payout)
	}

	evt := &event.PositionClosed{
		CommandID:          req.CommandID,
		Market:             m.name,
		PositionID:         uint64(req.ID),
		Owner:              pos.Owner,
		Side:               pos.Side,
		ClosedSize:         q,
		RemainingSize:      pos.Size - q,
		EntryPrice:         pos.EntryPrice,
		ExitPrice:          mark,
		CollateralReleased: releasedCollateral,
		FundingReleased:    releasedFunding,
		RealizedPnL:        pnl,
		Fee:                fee,
		Payout:             payout,
		Timestamp:          now.UnixMicro(),
	}
	if evt.CommandID == "" {
		evt.CommandID = m.name + ":close:" + uuid.NewString()
	}

	out, err := m.commit(evt)
	if err != nil {
		return nil, err
	}

	if m.metrics != nil {
		kind := "partial"
		if evt.RemainingSize == 0 {
			kind = "full"
		}
		m.metrics.PositionsClosed.WithLabelValues(m.name, kind).Inc()
		m.metrics.FeesCollected.WithLabelValues(m.name, FeeClose.String()).Add(float64(fee))
	}

	return &CloseResult{
		PositionID:         req.ID,
		ClosedSize:         q,
		RemainingSize:      evt.RemainingSize,
		ExitPrice:          mark,
		CollateralReleased: releasedCollateral,
		FundingReleased:    releasedFunding,
		RealizedPnL:        pnl,
		Fee:                fee,
		Payout:             payout,
		Output:             out,
	}, nil
}
