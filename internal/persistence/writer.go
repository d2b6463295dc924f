package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"MemePerp/internal/core"
	"MemePerp/internal/event"
	"MemePerp/internal/ledger"
)

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes events and journals to Postgres using multi-row INSERTs.
// Writes are idempotent: a batch retried after a partial failure inserts nothing twice.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	MarketID       string
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	MarketID      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        int64
	JournalType   string
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// EventRowFromEnvelope flattens an envelope into its table row
func EventRowFromEnvelope(env *event.EventEnvelope) EventRow {
	return EventRow{
		MarketID:       env.MarketID,
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.CommandID,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}
}

// JournalRowsFromBatch flattens a ledger batch into journal rows
func JournalRowsFromBatch(batch *ledger.Batch) []JournalRow {
	if batch == nil {
		return nil
	}
	rows := make([]JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			MarketID:      batch.Market,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Amount:        j.Amount,
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

// RowsFromOutput converts one core output into its event row and journal rows
func RowsFromOutput(output core.CoreOutput) (EventRow, []JournalRow) {
	return EventRowFromEnvelope(output.Envelope), JournalRowsFromBatch(output.Batch)
}

// WriteEventBatch writes a batch of events to event_log.events
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(market_id, sequence, event_type, idempotency_key, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*8)

	for i, e := range events {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		// JSONB takes the payload as text; lib/pq would send []byte as bytea
		args = append(args,
			e.MarketID, e.Sequence, e.EventType, e.IdempotencyKey,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (market_id, sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, market_id, sequence, debit_account, credit_account, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.MarketID, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
