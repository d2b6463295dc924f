package core

import (
	"encoding/hex"
	"time"

	"MemePerp/internal/event"
	fpmath "MemePerp/internal/math"
	"MemePerp/internal/state"

	"github.com/google/uuid"
)

// PositionView is a position with its risk figures at a mark price
type PositionView struct {
	ID                 state.PositionID `json:"id"`
	Owner              uuid.UUID        `json:"owner"`
	Side               event.Side       `json:"side"`
	Size               int64            `json:"size"`
	EntryPrice         int64            `json:"entry_price"`
	Leverage           int64            `json:"leverage"`
	Collateral         int64            `json:"collateral"`
	AccumulatedFunding int64            `json:"accumulated_funding"`
	OpenedAt           time.Time        `json:"opened_at"`

	MarkPrice        int64 `json:"mark_price"`
	UnrealizedPnL    int64 `json:"unrealized_pnl"`
	Equity           int64 `json:"equity"`
	MarginRatioBps   int64 `json:"margin_ratio_bps"`
	LiquidationPrice int64 `json:"liquidation_price"`
	Liquidatable     bool  `json:"liquidatable"`
}

// PositionRef identifies a position for scanning
type PositionRef struct {
	ID   state.PositionID
	Side event.Side
}

// FundingView is the funding clock of a market
type FundingView struct {
	Epoch                 int64     `json:"epoch"`
	LastRate              int64     `json:"last_rate"`
	CumulativeFundingRate int64     `json:"cumulative_funding_rate"`
	LastFundingTime       time.Time `json:"last_funding_time"`
	NextFundingTime       time.Time `json:"next_funding_time"`
}

// MarketSummary is the admin view of a market
type MarketSummary struct {
	Name                 string             `json:"name"`
	Authority            string             `json:"authority"`
	Config               state.MarketConfig `json:"config"`
	Paused               bool               `json:"paused"`
	CreatedAt            time.Time          `json:"created_at"`
	OpenPositions        int                `json:"open_positions"`
	TotalLongSize        int64              `json:"total_long_size"`
	TotalShortSize       int64              `json:"total_short_size"`
	TotalLongCollateral  int64              `json:"total_long_collateral"`
	TotalShortCollateral int64              `json:"total_short_collateral"`
	Funding              FundingView        `json:"funding"`
	Fees                 FeeTotals          `json:"fees"`
	FeeSinkBalance       int64              `json:"fee_sink_balance"`
	InsuranceBalance     int64              `json:"insurance_balance"` // Negative: net paid out for shortfalls
	PnLPoolBalance       int64              `json:"pnl_pool_balance"`
	Sequence             int64              `json:"sequence"`
	StateHash            string             `json:"state_hash"`
}

// Summary returns the market's current aggregates
func (m *Market) Summary() MarketSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash := m.hasher.GetPrevHash()
	return MarketSummary{
		Name:                 m.name,
		Authority:            m.authority,
		Config:               m.cfg,
		Paused:               m.paused,
		CreatedAt:            m.createdAt,
		OpenPositions:        m.book.Len(),
		TotalLongSize:        m.book.TotalLongSize(),
		TotalShortSize:       m.book.TotalShortSize(),
		TotalLongCollateral:  m.book.TotalLongCollateral(),
		TotalShortCollateral: m.book.TotalShortCollateral(),
		Funding: FundingView{
			Epoch:                 m.funding.Epoch,
			LastRate:              m.funding.LastRate,
			CumulativeFundingRate: m.funding.CumulativeFundingRate,
			LastFundingTime:       m.funding.LastFundingTime,
			NextFundingTime:       m.funding.NextFundingTime(m.cfg.FundingIntervalSeconds),
		},
		Fees:             m.fees.Totals(),
		FeeSinkBalance:   m.balances.FeeSinkBalance(m.name),
		InsuranceBalance: m.balances.InsuranceBalance(m.name),
		PnLPoolBalance:   m.balances.PnLPoolBalance(m.name),
		Sequence:         m.sequence,
		StateHash:        hex.EncodeToString(hash[:]),
	}
}

// Position returns one position valued at mark. A mark of 0 values it at entry.
func (m *Market) Position(id state.PositionID, mark int64) (*PositionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := m.book.Lookup(id)
	if pos == nil {
		return nil, newError(KindPositionNotFound, m.name, "position %d", id)
	}
	return m.view(pos, mark)
}

// Positions returns every open position valued at mark, longs first
func (m *Market) Positions(mark int64) ([]PositionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.book.All()
	out := make([]PositionView, 0, len(all))
	for _, pos := range all {
		v, err := m.view(pos, mark)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// PositionRefs lists the open positions in book order
func (m *Market) PositionRefs() []PositionRef {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.book.All()
	out := make([]PositionRef, len(all))
	for i, pos := range all {
		out[i] = PositionRef{ID: pos.ID, Side: pos.Side}
	}
	return out
}

func (m *Market) view(pos *state.Position, mark int64) (*PositionView, error) {
	if mark <= 0 {
		mark = pos.EntryPrice
	}
	h, err := m.assess(pos, mark)
	if err != nil {
		return nil, wrapMath(m.name, "position health", err)
	}
	liqPrice, err := fpmath.LiquidationPrice(
		pos.SideSign(),
		pos.Size,
		pos.EntryPrice,
		pos.Collateral,
		pos.AccumulatedFunding,
		m.cfg.MaintenanceMarginBps,
		m.cfg.LiquidationThresholdBps,
	)
	if err != nil {
		return nil, wrapMath(m.name, "liquidation price", err)
	}

	return &PositionView{
		ID:                 pos.ID,
		Owner:              pos.Owner,
		Side:               pos.Side,
		Size:               pos.Size,
		EntryPrice:         pos.EntryPrice,
		Leverage:           pos.Leverage,
		Collateral:         pos.Collateral,
		AccumulatedFunding: pos.AccumulatedFunding,
		OpenedAt:           pos.OpenedAt,
		MarkPrice:          mark,
		UnrealizedPnL:      h.upnl,
		Equity:             h.equity,
		MarginRatioBps:     h.ratioBps,
		LiquidationPrice:   liqPrice,
		Liquidatable:       h.trigger != 0,
	}, nil
}
