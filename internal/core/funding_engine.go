package core

import (
	"time"

	"MemePerp/internal/event"
	fpmath "MemePerp/internal/math"
)

// FundingResult describes one AccrueFunding call. Applied is false when the interval
// has not elapsed; the remaining fields then describe the current funding state.
type FundingResult struct {
	Applied         bool        `json:"applied"`
	Rate            int64       `json:"rate"`
	Epoch           int64       `json:"epoch"`
	TotalPaid       int64       `json:"total_paid"`
	TotalReceived   int64       `json:"total_received"`
	Residue         int64       `json:"residue"`
	Transfers       int         `json:"transfers"`
	NextFundingTime time.Time   `json:"next_funding_time"`
	Output          *CoreOutput `json:"-"`
}

// AccrueFunding applies one funding interval if a full interval has elapsed since the
// last application. Repeated calls within the same interval are no-ops.
func (m *Market) AccrueFunding(now time.Time) (*FundingResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	interval := m.cfg.FundingIntervalSeconds
	if !m.funding.Due(now, interval) {
		return &FundingResult{
			Rate:            m.funding.LastRate,
			Epoch:           m.funding.Epoch,
			NextFundingTime: m.funding.NextFundingTime(interval),
		}, nil
	}

	long := m.book.TotalLongSize()
	short := m.book.TotalShortSize()

	rate, err := fpmath.ComputeFundingRate(long, short, m.cfg.FundingSensitivityBps)
	if err != nil {
		return nil, wrapMath(m.name, "funding rate", err)
	}

	all := m.book.All()
	positions := make([]fpmath.PositionForFunding, 0, len(all))
	for _, pos := range all {
		positions = append(positions, fpmath.PositionForFunding{
			ID:         uint64(pos.ID),
			SideSign:   pos.SideSign(),
			Size:       pos.Size,
			EntryPrice: pos.EntryPrice,
		})
	}

	settlement, err := fpmath.ComputeFundingSettlement(rate, positions)
	if err != nil {
		return nil, wrapMath(m.name, "funding settlement", err)
	}

	transfers := make([]event.FundingTransfer, 0, len(settlement.Payments))
	for _, p := range settlement.Payments {
		transfers = append(transfers, event.FundingTransfer{PositionID: p.ID, Amount: p.Amount})
	}

	evt := &event.FundingApplied{
		Market:        m.name,
		Epoch:         m.funding.Epoch + 1,
		Rate:          rate,
		LongSize:      long,
		ShortSize:     short,
		TotalPaid:     settlement.TotalPaid,
		TotalReceived: settlement.TotalReceived,
		Residue:       settlement.Residue,
		Transfers:     transfers,
		Timestamp:     now.UnixMicro(),
	}

	out, err := m.commit(evt)
	if err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.FundingApplied.WithLabelValues(m.name).Inc()
		m.metrics.FundingRate.WithLabelValues(m.name).Set(float64(rate))
		m.metrics.FundingPaid.WithLabelValues(m.name).Add(float64(settlement.TotalPaid))
		m.metrics.FundingResidue.WithLabelValues(m.name).Add(float64(settlement.Residue))
		m.metrics.FeesCollected.WithLabelValues(m.name, FeeFundingResidue.String()).Add(float64(settlement.Residue))
	}
	m.logger.Info().
		Int64("epoch", evt.Epoch).
		Int64("rate", rate).
		Int64("long_size", long).
		Int64("short_size", short).
		Int64("paid", settlement.TotalPaid).
		Int64("residue", settlement.Residue).
		Msg("funding applied")

	return &FundingResult{
		Applied:         true,
		Rate:            rate,
		Epoch:           evt.Epoch,
		TotalPaid:       settlement.TotalPaid,
		TotalReceived:   settlement.TotalReceived,
		Residue:         settlement.Residue,
		Transfers:       len(transfers),
		NextFundingTime: m.funding.NextFundingTime(interval),
		Output:          out,
	}, nil
}
