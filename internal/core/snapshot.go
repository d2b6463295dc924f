package core

import (
	"encoding/hex"
	"fmt"
	"time"

	"MemePerp/internal/event"
	"MemePerp/internal/ledger"
	"MemePerp/internal/state"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// SnapshotPosition is the persisted form of a position
type SnapshotPosition struct {
	ID                 uint64    `json:"id"`
	Owner              string    `json:"owner"`
	Side               string    `json:"side"`
	Size               int64     `json:"size"`
	EntryPrice         int64     `json:"entry_price"`
	Leverage           int64     `json:"leverage"`
	Collateral         int64     `json:"collateral"`
	AccumulatedFunding int64     `json:"accumulated_funding"`
	OpenedAt           time.Time `json:"opened_at"`
}

// SnapshotFunding is the persisted funding clock
type SnapshotFunding struct {
	LastFundingTime       time.Time `json:"last_funding_time"`
	CumulativeFundingRate int64     `json:"cumulative_funding_rate"`
	Epoch                 int64     `json:"epoch"`
	LastRate              int64     `json:"last_rate"`
}

// MarketSnapshot captures a market's full in-memory state at a sequence.
// Replay resumes from Sequence+1 with the hash chain rooted at StateHash.
type MarketSnapshot struct {
	Market         string             `json:"market"`
	Authority      string             `json:"authority"`
	Config         state.MarketConfig `json:"config"`
	Paused         bool               `json:"paused"`
	CreatedAt      time.Time          `json:"created_at"`
	Sequence       int64              `json:"sequence"`
	StateHash      string             `json:"state_hash"`
	NextPositionID uint64             `json:"next_position_id"`
	Positions      []SnapshotPosition `json:"positions"`
	Funding        SnapshotFunding    `json:"funding"`
	Fees           FeeTotals          `json:"fees"`
	Balances       map[string]int64   `json:"balances"` // Account path → balance, zero balances omitted
}

// Snapshot captures the market state
func (m *Market) Snapshot() *MarketSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash := m.hasher.GetPrevHash()
	_, balances := m.balances.SortedPaths()

	all := m.book.All()
	positions := make([]SnapshotPosition, len(all))
	for i, pos := range all {
		positions[i] = SnapshotPosition{
			ID:                 uint64(pos.ID),
			Owner:              pos.Owner.String(),
			Side:               pos.Side.String(),
			Size:               pos.Size,
			EntryPrice:         pos.EntryPrice,
			Leverage:           pos.Leverage,
			Collateral:         pos.Collateral,
			AccumulatedFunding: pos.AccumulatedFunding,
			OpenedAt:           pos.OpenedAt,
		}
	}

	return &MarketSnapshot{
		Market:         m.name,
		Authority:      m.authority,
		Config:         m.cfg,
		Paused:         m.paused,
		CreatedAt:      m.createdAt,
		Sequence:       m.sequence,
		StateHash:      hex.EncodeToString(hash[:]),
		NextPositionID: uint64(m.book.NextID()),
		Positions:      positions,
		Funding: SnapshotFunding{
			LastFundingTime:       m.funding.LastFundingTime,
			CumulativeFundingRate: m.funding.CumulativeFundingRate,
			Epoch:                 m.funding.Epoch,
			LastRate:              m.funding.LastRate,
		},
		Fees:     m.fees.Totals(),
		Balances: balances,
	}
}

// EncodeSnapshot serializes a snapshot as JSON
func EncodeSnapshot(snap *MarketSnapshot) ([]byte, error) {
	return sonic.ConfigStd.Marshal(snap)
}

// DecodeSnapshot parses a snapshot written by EncodeSnapshot
func DecodeSnapshot(data []byte) (*MarketSnapshot, error) {
	var snap MarketSnapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// restore loads snap into an empty market and verifies the ledger against the book
func (m *Market) restore(snap *MarketSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sequence != 0 {
		return fmt.Errorf("market %s already holds state at sequence %d", m.name, m.sequence)
	}
	if snap.Market != m.name {
		return fmt.Errorf("snapshot for %q restored into %q", snap.Market, m.name)
	}

	var hash [32]byte
	raw, err := hex.DecodeString(snap.StateHash)
	if err != nil || len(raw) != len(hash) {
		return fmt.Errorf("snapshot state hash %q is not a sha256 hex digest", snap.StateHash)
	}
	copy(hash[:], raw)

	book := state.NewPositionBook()
	for _, sp := range snap.Positions {
		pos, err := sp.toPosition()
		if err != nil {
			return err
		}
		if err := book.Restore(pos); err != nil {
			return err
		}
	}
	book.SetNextID(state.PositionID(snap.NextPositionID))
	if err := book.Recompute(); err != nil {
		return fmt.Errorf("snapshot book: %w", err)
	}

	balances := ledger.NewBalanceTracker()
	for path, amount := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return fmt.Errorf("snapshot balance: %w", err)
		}
		balances.SetBalance(key, amount)
	}
	validator := ledger.NewInvariantValidator(balances)
	if err := validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("snapshot ledger: %w", err)
	}
	for _, pos := range book.All() {
		if err := validator.ValidateMargin(m.name, uint64(pos.ID), pos.Collateral, pos.AccumulatedFunding); err != nil {
			return fmt.Errorf("snapshot ledger: %w", err)
		}
	}

	m.cfg = snap.Config
	m.authority = snap.Authority
	m.paused = snap.Paused
	m.createdAt = snap.CreatedAt
	m.book = book
	m.balances = balances
	m.validator = validator
	m.funding = state.FundingState{
		LastFundingTime:       snap.Funding.LastFundingTime,
		CumulativeFundingRate: snap.Funding.CumulativeFundingRate,
		Epoch:                 snap.Funding.Epoch,
		LastRate:              snap.Funding.LastRate,
	}
	m.fees.restore(snap.Fees)
	m.sequence = snap.Sequence
	m.hasher.SetPrevHash(hash)
	return nil
}

func (sp SnapshotPosition) toPosition() (*state.Position, error) {
	owner, err := uuid.Parse(sp.Owner)
	if err != nil {
		return nil, fmt.Errorf("position %d owner: %w", sp.ID, err)
	}
	side, err := event.ParseSide(sp.Side)
	if err != nil {
		return nil, fmt.Errorf("position %d: %w", sp.ID, err)
	}
	return &state.Position{
		ID:                 state.PositionID(sp.ID),
		Owner:              owner,
		Side:               side,
		Size:               sp.Size,
		EntryPrice:         sp.EntryPrice,
		Leverage:           sp.Leverage,
		Collateral:         sp.Collateral,
		AccumulatedFunding: sp.AccumulatedFunding,
		OpenedAt:           sp.OpenedAt,
	}, nil
}
