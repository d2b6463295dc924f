package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"MemePerp/internal/state"
)

// InsuranceStore keeps the insurance fund across restarts
type InsuranceStore struct {
	db *sql.DB
}

func NewInsuranceStore(db *sql.DB) *InsuranceStore {
	return &InsuranceStore{db: db}
}

// Load returns the persisted fund, or nil when none was saved yet
func (s *InsuranceStore) Load(ctx context.Context) (*state.InsuranceFundStats, error) {
	stats := state.InsuranceFundStats{
		UncoveredByMarket: make(map[string]int64),
		ShortfallByMarket: make(map[string]int64),
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT balance, total_covered, total_uncovered FROM insurance.fund WHERE id = 1
	`).Scan(&stats.Balance, &stats.TotalCovered, &stats.TotalUncovered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load insurance fund: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, shortfall, uncovered FROM insurance.market_shortfalls
	`)
	if err != nil {
		return nil, fmt.Errorf("load insurance shortfalls: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var market string
		var shortfall, uncovered int64
		if err := rows.Scan(&market, &shortfall, &uncovered); err != nil {
			return nil, err
		}
		stats.ShortfallByMarket[market] = shortfall
		if uncovered > 0 {
			stats.UncoveredByMarket[market] = uncovered
		}
	}
	return &stats, rows.Err()
}

// SaveInsuranceFund writes the fund totals and per-market shortfalls in one transaction
func (s *InsuranceStore) SaveInsuranceFund(ctx context.Context, stats state.InsuranceFundStats) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO insurance.fund (id, balance, total_covered, total_uncovered, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			balance = EXCLUDED.balance,
			total_covered = EXCLUDED.total_covered,
			total_uncovered = EXCLUDED.total_uncovered,
			updated_at = NOW()
	`, stats.Balance, stats.TotalCovered, stats.TotalUncovered); err != nil {
		return fmt.Errorf("save insurance fund: %w", err)
	}

	for market, shortfall := range stats.ShortfallByMarket {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO insurance.market_shortfalls (market_id, shortfall, uncovered, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (market_id) DO UPDATE SET
				shortfall = EXCLUDED.shortfall,
				uncovered = EXCLUDED.uncovered,
				updated_at = NOW()
		`, market, shortfall, stats.UncoveredByMarket[market]); err != nil {
			return fmt.Errorf("save insurance shortfall %s: %w", market, err)
		}
	}
	return tx.Commit()
}
