package oracle

import (
	"MemePerp/internal/event"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// UpdateOutcome tells the caller what a price update did
type UpdateOutcome int

const (
	UpdateAccepted UpdateOutcome = iota
	// UpdateIgnored means a stale or duplicate sequence
	UpdateIgnored
	// UpdateHeld means the jump guard stored the reading as a Stale quote pending confirmation
	UpdateHeld
)

func (o UpdateOutcome) String() string {
	switch o {
	case UpdateAccepted:
		return "accepted"
	case UpdateIgnored:
		return "ignored"
	case UpdateHeld:
		return "held"
	default:
		return "unknown"
	}
}

// Sink receives every accepted quote, e.g. a Redis mirror shared with other instances
type Sink interface {
	Put(ctx context.Context, q Quote) error
}

type feedEntry struct {
	latest   Quote // What GetPrice returns; Stale while a jump is held
	baseline int64 // Last Fresh price, reference for the jump guard
}

// Feed is an in-memory Source fed by price updates. Safe for concurrent use.
type Feed struct {
	mu        sync.RWMutex
	entries   map[string]*feedEntry
	maxChange map[string]int64 // market -> max change bps, 0 disables
	seq       *sequenceTracker
	sink      Sink
	logger    zerolog.Logger
}

func NewFeed(logger zerolog.Logger) *Feed {
	return &Feed{
		entries:   make(map[string]*feedEntry),
		maxChange: make(map[string]int64),
		seq:       newSequenceTracker(),
		logger:    logger,
	}
}

// WithSink mirrors accepted quotes to sink
func (f *Feed) WithSink(sink Sink) *Feed {
	f.sink = sink
	return f
}

// SetMaxChangeBps configures the jump guard for a market
func (f *Feed) SetMaxChangeBps(market string, bps int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxChange[market] = bps
}

// Update applies one reading.
//
// A reading that moves more than the market's max change from the last Fresh price is
// stored as a Stale quote and becomes the new reference, so a second reading consistent
// with it is accepted as Fresh. Readings with a non-advancing sequence are ignored.
func (f *Feed) Update(ctx context.Context, u *event.PriceUpdate) (UpdateOutcome, error) {
	if u.Price <= 0 {
		return UpdateIgnored, fmt.Errorf("%w: %s reading %d", ErrInvalidPrice, u.Market, u.Price)
	}

	f.mu.Lock()
	if !f.seq.accept(u.Market, u.PriceSequence) {
		f.mu.Unlock()
		return UpdateIgnored, nil
	}

	q := Quote{
		Market:     u.Market,
		Price:      u.Price,
		AsOf:       time.UnixMicro(u.PriceTimestamp).UTC(),
		Confidence: ConfidenceFresh,
		Interval:   u.Confidence,
		Sequence:   u.PriceSequence,
	}

	entry := f.entries[u.Market]
	if entry == nil {
		entry = &feedEntry{}
		f.entries[u.Market] = entry
	}

	outcome := UpdateAccepted
	var jumpErr error
	if limit := f.maxChange[u.Market]; limit > 0 && entry.baseline > 0 {
		if change := ChangeBps(entry.baseline, u.Price); change > limit {
			q.Confidence = ConfidenceStale
			outcome = UpdateHeld
			jumpErr = fmt.Errorf("%w: %s moved %d bps (limit %d)", ErrPriceJump, u.Market, change, limit)
		}
	}
	entry.latest = q
	entry.baseline = u.Price
	gaps := f.seq.gaps(u.Market)
	f.mu.Unlock()

	if jumpErr != nil {
		f.logger.Warn().
			Str("market", u.Market).
			Int64("price", u.Price).
			Int64("sequence", u.PriceSequence).
			Msg("price jump held as stale")
		return outcome, jumpErr
	}

	if f.sink != nil {
		if err := f.sink.Put(ctx, q); err != nil {
			f.logger.Error().Err(err).Str("market", u.Market).Msg("price sink write failed")
		}
	}

	f.logger.Debug().
		Str("market", u.Market).
		Int64("price", u.Price).
		Int64("sequence", u.PriceSequence).
		Int64("gaps", gaps).
		Msg("price accepted")
	return outcome, nil
}

// GetPrice implements Source
func (f *Feed) GetPrice(_ context.Context, market string) (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entry := f.entries[market]
	if entry == nil {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownMarket, market)
	}
	return entry.latest, nil
}

// Stats returns sequence gap and stale counters for a market
func (f *Feed) Stats(market string) (gaps, stale int64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.seq.gaps(market), f.seq.staleCount(market)
}
