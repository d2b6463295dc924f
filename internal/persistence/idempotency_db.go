package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Command outcome statuses recorded in event_log.commands
const (
	CommandApplied  = "applied"
	CommandRejected = "rejected"
)

// PostgresCommandStore is the durable tier of command de-duplication. Every inbound
// command is recorded with its outcome, rejections included, so a redelivered
// command is answered the same way.
type PostgresCommandStore struct {
	db *sql.DB
}

func NewPostgresCommandStore(db *sql.DB) *PostgresCommandStore {
	return &PostgresCommandStore{db: db}
}

// IsDuplicate checks whether the command was already recorded
func (s *PostgresCommandStore) IsDuplicate(kind, commandID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM event_log.commands
		WHERE kind = $1 AND command_id = $2
		LIMIT 1
	`, kind, commandID).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Record stores a command outcome. Recording the same command twice keeps the first.
func (s *PostgresCommandStore) Record(ctx context.Context, kind, commandID, market, status, errMsg string) error {
	var msg sql.NullString
	if errMsg != "" {
		msg = sql.NullString{String: errMsg, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log.commands (kind, command_id, market_id, status, error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (kind, command_id) DO NOTHING
	`, kind, commandID, market, status, msg)
	return err
}

// RecentKeys returns the newest "kind:command_id" keys for warming the in-memory tier
func (s *PostgresCommandStore) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind || ':' || command_id FROM event_log.commands
		ORDER BY recorded_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
