package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"MemePerp/internal/core"
	"MemePerp/internal/event"
	"MemePerp/internal/state"

	"github.com/bytedance/sonic"
)

// MarketRecord is one row of markets.registry
type MarketRecord struct {
	MarketID  string
	Authority string
	Config    state.MarketConfig
	Paused    bool
	Sequence  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MarketStore keeps markets.registry in step with the administrative events. It is
// written in the same transaction as the events themselves.
type MarketStore struct {
	db *sql.DB
}

func NewMarketStore(db *sql.DB) *MarketStore {
	return &MarketStore{db: db}
}

// Apply updates the registry for administrative events; other events are ignored
func (s *MarketStore) Apply(ctx context.Context, ex execer, output core.CoreOutput) error {
	env := output.Envelope
	switch evt := output.Event.(type) {
	case *core.MarketCreated:
		cfg, err := sonic.ConfigStd.Marshal(evt.Config)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		_, err = ex.ExecContext(ctx, `
			INSERT INTO markets.registry (market_id, authority, config, paused, sequence, created_at, updated_at)
			VALUES ($1, $2, $3, FALSE, $4, $5, $5)
			ON CONFLICT (market_id) DO NOTHING
		`, evt.Market, evt.Authority, string(cfg), env.Sequence, env.Timestamp)
		return err

	case *core.MarketConfigUpdated:
		cfg, err := sonic.ConfigStd.Marshal(evt.Config)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		_, err = ex.ExecContext(ctx, `
			UPDATE markets.registry SET config = $2, sequence = $3, updated_at = $4
			WHERE market_id = $1 AND sequence < $3
		`, evt.Market, string(cfg), env.Sequence, env.Timestamp)
		return err

	case *core.MarketPauseChanged:
		_, err := ex.ExecContext(ctx, `
			UPDATE markets.registry SET paused = $2, sequence = $3, updated_at = $4
			WHERE market_id = $1 AND sequence < $3
		`, evt.Market, evt.Paused, env.Sequence, env.Timestamp)
		return err
	}
	return nil
}

// List returns every registered market in name order
func (s *MarketStore) List(ctx context.Context) ([]MarketRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, authority, config, paused, sequence, created_at, updated_at
		FROM markets.registry
		ORDER BY market_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MarketRecord
	for rows.Next() {
		var r MarketRecord
		var cfg []byte
		if err := rows.Scan(&r.MarketID, &r.Authority, &cfg, &r.Paused, &r.Sequence, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if err := sonic.ConfigStd.Unmarshal(cfg, &r.Config); err != nil {
			return nil, fmt.Errorf("market %s config: %w", r.MarketID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventEnvelopeFromRow rebuilds an envelope read back from event_log.events
func EventEnvelopeFromRow(row EventRow) (*event.EventEnvelope, error) {
	et, err := event.ParseEventType(row.EventType)
	if err != nil {
		return nil, err
	}
	env := &event.EventEnvelope{
		Sequence:  row.Sequence,
		CommandID: row.IdempotencyKey,
		EventType: et,
		MarketID:  row.MarketID,
		Timestamp: row.Timestamp.UTC(),
		Payload:   row.Payload,
	}
	if len(row.StateHash) != len(env.StateHash) || len(row.PrevHash) != len(env.PrevHash) {
		return nil, fmt.Errorf("event %s/%d: malformed hash columns", row.MarketID, row.Sequence)
	}
	copy(env.StateHash[:], row.StateHash)
	copy(env.PrevHash[:], row.PrevHash)
	return env, nil
}
