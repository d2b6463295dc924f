package projection

import (
	"context"
	"database/sql"
	"fmt"

	"MemePerp/internal/core"
	"MemePerp/internal/event"
	"MemePerp/internal/ledger"

	"github.com/rs/zerolog"
)

const workerID = "main"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ProjectionWorker updates the projection tables from durable core outputs. Its input
// is fed with non-blocking sends, so outputs can be missed; RebuildProjections
// restores the tables from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger

	lastSeq map[string]int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		logger:    logger,
		lastSeq:   make(map[string]int64),
	}
}

// Run blocks until ctx is cancelled or the input channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	if err := pw.loadWatermarks(ctx); err != nil {
		return fmt.Errorf("load watermarks: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			env := output.Envelope
			if env.Sequence <= pw.lastSeq[env.MarketID] {
				continue
			}
			if gap := env.Sequence - pw.lastSeq[env.MarketID]; gap > 1 && pw.lastSeq[env.MarketID] > 0 {
				pw.logger.Warn().Str("market", env.MarketID).Int64("missed", gap-1).Msg("projection gap, rebuild to repair")
			}

			if err := pw.Apply(ctx, output); err != nil {
				// Eventually consistent; rebuild repairs
				pw.logger.Warn().Err(err).Str("market", env.MarketID).Int64("seq", env.Sequence).Msg("projection update failed")
				continue
			}
			pw.lastSeq[env.MarketID] = env.Sequence
		}
	}
}

// Apply projects a single output in one transaction
func (pw *ProjectionWorker) Apply(ctx context.Context, output core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	env := output.Envelope
	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			if err := updateBalance(ctx, tx, env.MarketID, j.DebitAccount, j.Amount, env.Sequence); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
			if err := updateBalance(ctx, tx, env.MarketID, j.CreditAccount, -j.Amount, env.Sequence); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	switch evt := output.Event.(type) {
	case *event.FundingApplied:
		if err := insertFunding(ctx, tx, evt, env.Sequence); err != nil {
			return fmt.Errorf("funding history: %w", err)
		}
	case *event.PositionLiquidated:
		if err := insertLiquidation(ctx, tx, evt, env.Sequence); err != nil {
			return fmt.Errorf("liquidation history: %w", err)
		}
	}

	if err := setWatermark(ctx, tx, env.MarketID, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return tx.Commit()
}

func (pw *ProjectionWorker) loadWatermarks(ctx context.Context) error {
	rows, err := pw.db.QueryContext(ctx, `
		SELECT market_id, last_sequence FROM projections.watermark WHERE worker_id = $1
	`, workerID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var market string
		var seq int64
		if err := rows.Scan(&market, &seq); err != nil {
			return err
		}
		pw.lastSeq[market] = seq
	}
	return rows.Err()
}

// updateBalance adds delta to an account; a debit increases the balance
func updateBalance(ctx context.Context, ex execer, market string, account ledger.AccountKey, delta, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, market_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, account.AccountPath(), market, delta, seq)
	return err
}

func setWatermark(ctx context.Context, ex execer, market string, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, market_id, last_sequence, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (worker_id, market_id) DO UPDATE SET last_sequence = $3, updated_at = NOW()
	`, workerID, market, seq)
	return err
}

// RebuildProjections rebuilds every projection table from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.funding_history`,
		`TRUNCATE projections.liquidation_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debits add, credits subtract
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, market_id, balance, last_sequence)
		SELECT account_path, market_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, market_id, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, market_id, -amount, sequence FROM event_log.journal
		) moves
		GROUP BY account_path, market_id
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT event_type, payload, sequence FROM event_log.events
		WHERE event_type IN ($1, $2)
		ORDER BY market_id, sequence
	`, event.EventTypeFundingApplied.String(), event.EventTypePositionLiquidated.String())
	if err != nil {
		return fmt.Errorf("scan events: %w", err)
	}

	type pending struct {
		evt event.Event
		seq int64
	}
	var history []pending
	for rows.Next() {
		var typ string
		var payload []byte
		var seq int64
		if err := rows.Scan(&typ, &payload, &seq); err != nil {
			rows.Close()
			return err
		}
		et, err := event.ParseEventType(typ)
		if err != nil {
			rows.Close()
			return err
		}
		evt, err := core.DecodeEvent(et, payload)
		if err != nil {
			rows.Close()
			return fmt.Errorf("decode %s at %d: %w", typ, seq, err)
		}
		history = append(history, pending{evt: evt, seq: seq})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, h := range history {
		switch evt := h.evt.(type) {
		case *event.FundingApplied:
			err = insertFunding(ctx, tx, evt, h.seq)
		case *event.PositionLiquidated:
			err = insertLiquidation(ctx, tx, evt, h.seq)
		}
		if err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, market_id, last_sequence, updated_at)
		SELECT 'main', market_id, MAX(sequence), NOW() FROM event_log.events GROUP BY market_id
	`); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Int("history_rows", len(history)).Msg("projection rebuild complete")
	return nil
}
