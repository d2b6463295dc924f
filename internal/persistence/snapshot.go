package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"MemePerp/internal/core"
	"MemePerp/internal/event"
	"MemePerp/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// snapshotFormatVersion 1: sonic-encoded core.MarketSnapshot
const snapshotFormatVersion = 1

// SnapshotManager stores per-market snapshots and reads the event log back for replay.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Saving the same market and sequence twice
// overwrites the earlier row.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.MarketSnapshot) error {
	data, err := core.EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	hash, err := decodeHex(snap.StateHash)
	if err != nil {
		return err
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, market_id, sequence, data, state_hash, format_version, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (market_id, sequence) DO UPDATE SET data = $4, state_hash = $5, size_bytes = $7
	`, uuid.New(), snap.Market, snap.Sequence, string(data), hash, snapshotFormatVersion, len(data))
	return err
}

// LoadLatestSnapshot returns the market's newest snapshot, or nil when none exists.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context, market string) (*core.MarketSnapshot, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE market_id = $1 AND format_version = $2
		ORDER BY sequence DESC
		LIMIT 1
	`, market, snapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return core.DecodeSnapshot(data)
}

// LoadEventsFrom loads up to limit events of one market starting at fromSequence
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, market string, fromSequence int64, limit int) ([]*event.EventEnvelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT market_id, sequence, event_type, idempotency_key, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE market_id = $1 AND sequence >= $2
		ORDER BY sequence ASC
		LIMIT $3
	`, market, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*event.EventEnvelope
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.MarketID, &e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Payload,
			&e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		env, err := EventEnvelopeFromRow(e)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// GetLatestSequence returns the highest persisted sequence of a market, 0 when empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context, market string) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events WHERE market_id = $1
	`, market).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// SnapshotWorker periodically snapshots every market. A snapshot is only saved once
// the event log has caught up with it, so restore never lands past a gap.
type SnapshotWorker struct {
	manager  *SnapshotManager
	exchange *core.Exchange
	interval time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger

	lastSaved map[string]int64
}

func NewSnapshotWorker(manager *SnapshotManager, exchange *core.Exchange, interval time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *SnapshotWorker {
	return &SnapshotWorker{
		manager:   manager,
		exchange:  exchange,
		interval:  interval,
		metrics:   metrics,
		logger:    logger,
		lastSaved: make(map[string]int64),
	}
}

// Run blocks until ctx is cancelled
func (w *SnapshotWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.SnapshotAll(ctx)
		}
	}
}

// SnapshotAll takes one snapshot per market whose sequence moved since the last save
func (w *SnapshotWorker) SnapshotAll(ctx context.Context) {
	for _, name := range w.exchange.Markets() {
		m, err := w.exchange.Market(name)
		if err != nil {
			continue
		}
		if m.Sequence() == w.lastSaved[name] {
			continue
		}

		start := time.Now()
		snap := m.Snapshot()

		persisted, err := w.manager.GetLatestSequence(ctx, name)
		if err != nil {
			w.logger.Warn().Err(err).Str("market", name).Msg("snapshot skipped: cannot read event log")
			continue
		}
		if persisted < snap.Sequence {
			w.logger.Debug().Str("market", name).
				Int64("snapshot_seq", snap.Sequence).
				Int64("persisted_seq", persisted).
				Msg("snapshot deferred until the event log catches up")
			continue
		}

		if err := w.manager.SaveSnapshot(ctx, snap); err != nil {
			if w.metrics != nil {
				w.metrics.PersistErrors.WithLabelValues("snapshot").Inc()
			}
			w.logger.Error().Err(err).Str("market", name).Msg("snapshot save failed")
			continue
		}
		w.lastSaved[name] = snap.Sequence

		if w.metrics != nil {
			w.metrics.SnapshotTaken.Inc()
			w.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		}
		w.logger.Info().Str("market", name).Int64("sequence", snap.Sequence).Msg("snapshot saved")
	}
}
