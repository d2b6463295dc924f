package persistence

import (
	"context"
	"encoding/hex"
	"fmt"

	"MemePerp/internal/core"

	"github.com/rs/zerolog"
)

const replayPageSize = 1000

// RecoveryStats summarizes a startup recovery
type RecoveryStats struct {
	Markets  int
	Restored int // Markets that started from a snapshot
	Replayed int // Events re-applied on top
}

// Recover rebuilds every registered market: latest snapshot first, then the events
// after it, verifying the hash chain as it goes.
func Recover(ctx context.Context, ex *core.Exchange, markets *MarketStore, snapshots *SnapshotManager, logger zerolog.Logger) (RecoveryStats, error) {
	var stats RecoveryStats

	records, err := markets.List(ctx)
	if err != nil {
		return stats, fmt.Errorf("list markets: %w", err)
	}

	for _, rec := range records {
		stats.Markets++
		from := int64(1)

		snap, err := snapshots.LoadLatestSnapshot(ctx, rec.MarketID)
		if err != nil {
			return stats, fmt.Errorf("market %s: %w", rec.MarketID, err)
		}
		if snap != nil {
			if _, err := ex.RestoreMarket(snap); err != nil {
				return stats, fmt.Errorf("restore %s at %d: %w", rec.MarketID, snap.Sequence, err)
			}
			stats.Restored++
			from = snap.Sequence + 1
		}

		replayed := 0
		for {
			envs, err := snapshots.LoadEventsFrom(ctx, rec.MarketID, from, replayPageSize)
			if err != nil {
				return stats, fmt.Errorf("load events %s from %d: %w", rec.MarketID, from, err)
			}
			for _, env := range envs {
				if err := ex.Replay(env); err != nil {
					return stats, err
				}
			}
			replayed += len(envs)
			if len(envs) < replayPageSize {
				break
			}
			from = envs[len(envs)-1].Sequence + 1
		}
		stats.Replayed += replayed

		logger.Info().
			Str("market", rec.MarketID).
			Bool("from_snapshot", snap != nil).
			Int("replayed", replayed).
			Msg("market recovered")
	}
	return stats, nil
}

func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("state hash %q is not a sha256 hex digest", s)
	}
	return b, nil
}
