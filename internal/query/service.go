package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"MemePerp/internal/projection"
)

const maxPageSize = 500

// QueryService provides read-only access to the projection tables and the event log.
// Responses carry as_of_sequence, the projection watermark of the market.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

// FundingHistory returns funding applications of a market. beforeEpoch > 0 pages
// backwards from that epoch.
func (qs *QueryService) FundingHistory(ctx context.Context, market string, limit int, beforeEpoch int64) (*FundingHistoryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT epoch, rate, cumulative_rate, long_size, short_size, total_paid,
		       total_received, residue, transfers, sequence, applied_at
		FROM projections.funding_history
		WHERE market_id = $1
	`
	args := []any{market}
	if beforeEpoch > 0 {
		query += " AND epoch < $2"
		args = append(args, beforeEpoch)
	}
	query += fmt.Sprintf(" ORDER BY epoch DESC LIMIT $%d", len(args)+1)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &FundingHistoryResponse{Market: market, AsOfSequence: asOfSeq, Entries: []projection.FundingRecord{}}
	for rows.Next() {
		r := projection.FundingRecord{Market: market}
		if err := rows.Scan(
			&r.Epoch, &r.Rate, &r.CumulativeRate, &r.LongSize, &r.ShortSize, &r.TotalPaid,
			&r.TotalReceived, &r.Residue, &r.Transfers, &r.Sequence, &r.AppliedAt,
		); err != nil {
			return nil, err
		}
		resp.Entries = append(resp.Entries, r)
	}
	return resp, rows.Err()
}

// Liquidations returns liquidations of a market, optionally for one owner
func (qs *QueryService) Liquidations(ctx context.Context, market, owner string, limit int) (*LiquidationHistoryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT position_id, owner, side, size, entry_price, mark_price, trigger,
		       equity, fee, payout, shortfall, sequence, liquidated_at
		FROM projections.liquidation_history
		WHERE market_id = $1
	`
	args := []any{market}
	if owner != "" {
		query += " AND owner = $2"
		args = append(args, owner)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args)+1)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &LiquidationHistoryResponse{Market: market, AsOfSequence: asOfSeq, Entries: []projection.LiquidationRecord{}}
	for rows.Next() {
		var r projection.LiquidationRecord
		var id int64
		r.Market = market
		if err := rows.Scan(
			&id, &r.Owner, &r.Side, &r.Size, &r.EntryPrice, &r.MarkPrice, &r.Trigger,
			&r.Equity, &r.Fee, &r.Payout, &r.Shortfall, &r.Sequence, &r.LiquidatedAt,
		); err != nil {
			return nil, err
		}
		r.PositionID = uint64(id)
		resp.Entries = append(resp.Entries, r)
	}
	return resp, rows.Err()
}

// Balances returns the projected balances of a market's accounts
func (qs *QueryService) Balances(ctx context.Context, market string) ([]BalanceEntry, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, balance, last_sequence
		FROM projections.balances
		WHERE market_id = $1 AND balance != 0
		ORDER BY account_path
	`, market)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceEntry
	for rows.Next() {
		var b BalanceEntry
		if err := rows.Scan(&b.AccountPath, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// JournalHistory returns journal entries touching an account, newest first
func (qs *QueryService) JournalHistory(ctx context.Context, account string, limit int, beforeSequence int64) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []any{account}
	if beforeSequence > 0 {
		query += " AND sequence < $2"
		args = append(args, beforeSequence)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args)+1)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount, &e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyIntegrity checks a market's persisted hash chain and its projected ledger sum.
func (qs *QueryService) VerifyIntegrity(ctx context.Context, market string) (*IntegrityReport, error) {
	report := &IntegrityReport{Market: market}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence FROM (
			SELECT sequence, prev_hash,
			       LAG(state_hash) OVER (ORDER BY sequence) AS expected,
			       LAG(sequence) OVER (ORDER BY sequence) AS prev_seq
			FROM event_log.events
			WHERE market_id = $1
		) chain
		WHERE prev_seq IS NOT NULL AND (prev_hash != expected OR sequence != prev_seq + 1)
		ORDER BY sequence
		LIMIT 10
	`, market)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0) FROM projections.balances WHERE market_id = $1
	`, market).Scan(&report.Imbalance); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.Imbalance == 0
	return report, nil
}

func (qs *QueryService) getWatermark(ctx context.Context, market string) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main' AND market_id = $1
	`, market).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
