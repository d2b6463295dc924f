package core

import (
	"sort"
	"sync"
	"time"

	"MemePerp/internal/event"
	"MemePerp/internal/ledger"
	"MemePerp/internal/observability"
	"MemePerp/internal/oracle"
	"MemePerp/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options wires an Exchange to its surroundings. Nil channels and metrics are allowed.
type Options struct {
	// PersistChan receives every output with a blocking send: the market stalls until
	// persistence drains, so no event is lost.
	PersistChan chan<- CoreOutput
	// StreamChan receives outputs with a non-blocking send; a full channel drops them.
	StreamChan chan<- CoreOutput
	// AdminAuthority, when set, is the only authority allowed to create markets.
	AdminAuthority string
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
}

// Exchange is the registry of independent markets. Its lock guards only the map;
// each market serializes its own operations.
type Exchange struct {
	mu       sync.RWMutex
	markets  map[string]*Market
	creating map[string]struct{} // Names reserved by an in-flight CreateMarket

	persistChan    chan<- CoreOutput
	streamChan     chan<- CoreOutput
	adminAuthority string
	metrics        *observability.Metrics
	logger         zerolog.Logger
}

func NewExchange(opts Options) *Exchange {
	return &Exchange{
		markets:        make(map[string]*Market),
		creating:       make(map[string]struct{}),
		persistChan:    opts.PersistChan,
		streamChan:     opts.StreamChan,
		adminAuthority: opts.AdminAuthority,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
	}
}

// emit hands one output downstream
func (e *Exchange) emit(output CoreOutput) {
	if e.persistChan != nil {
		e.persistChan <- output
	}
	if e.streamChan != nil {
		select {
		case e.streamChan <- output:
		default:
			// Dropped; stream consumers can re-read the event log
			if e.metrics != nil {
				e.metrics.StreamDrops.Inc()
			}
		}
	}
}

func (e *Exchange) newMarket(name string) *Market {
	return newMarket(name, e.emit, e.metrics, e.logger)
}

// CreateMarket validates cfg and registers a new market. Unset extended fields take
// their defaults.
func (e *Exchange) CreateMarket(authority string, cfg state.MarketConfig, commandID string, now time.Time) (*Market, *CoreOutput, error) {
	if authority == "" || (e.adminAuthority != "" && authority != e.adminAuthority) {
		return nil, nil, newError(KindUnauthorized, cfg.Name, "authority %q may not create markets", authority)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, &Error{Kind: KindInvalidConfig, Market: cfg.Name, Err: err}
	}

	// The name is reserved under the registry lock, but the commit runs outside it:
	// a stalled persist channel must not block lookups of other markets.
	e.mu.Lock()
	_, exists := e.markets[cfg.Name]
	_, reserved := e.creating[cfg.Name]
	if exists || reserved {
		e.mu.Unlock()
		return nil, nil, newError(KindMarketExists, cfg.Name, "market already exists")
	}
	e.creating[cfg.Name] = struct{}{}
	e.mu.Unlock()

	m := e.newMarket(cfg.Name)
	if commandID == "" {
		commandID = cfg.Name + ":create:" + uuid.NewString()
	}

	m.mu.Lock()
	out, err := m.commit(&MarketCreated{
		CommandID: commandID,
		Market:    cfg.Name,
		Authority: authority,
		Config:    cfg,
		Timestamp: now.UnixMicro(),
	})
	m.mu.Unlock()

	e.mu.Lock()
	delete(e.creating, cfg.Name)
	if err == nil {
		e.markets[cfg.Name] = m
	}
	e.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info().Str("market", cfg.Name).Str("authority", authority).Msg("market created")
	return m, out, nil
}

// Market returns the named market
func (e *Exchange) Market(name string) (*Market, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m, ok := e.markets[name]
	if !ok {
		return nil, newError(KindMarketNotFound, name, "unknown market")
	}
	return m, nil
}

// Markets returns all market names in sorted order
func (e *Exchange) Markets() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.markets))
	for name := range e.markets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Summaries returns a summary of every market in name order
func (e *Exchange) Summaries() []MarketSummary {
	names := e.Markets()
	out := make([]MarketSummary, 0, len(names))
	for _, name := range names {
		if m, err := e.Market(name); err == nil {
			out = append(out, m.Summary())
		}
	}
	return out
}

func (e *Exchange) UpdateMarketConfig(authority string, cfg state.MarketConfig, commandID string, now time.Time) (*CoreOutput, error) {
	m, err := e.Market(cfg.Name)
	if err != nil {
		return nil, err
	}
	return m.UpdateConfig(authority, cfg, commandID, now)
}

func (e *Exchange) SetPaused(authority, market string, paused bool, commandID string, now time.Time) (*CoreOutput, error) {
	m, err := e.Market(market)
	if err != nil {
		return nil, err
	}
	return m.SetPaused(authority, paused, commandID, now)
}

func (e *Exchange) PlaceOrder(market string, req OrderRequest, quote oracle.Quote, now time.Time) (*OrderResult, error) {
	m, err := e.Market(market)
	if err != nil {
		return nil, err
	}
	return m.PlaceOrder(req, quote, now)
}

func (e *Exchange) ClosePosition(market string, req CloseRequest, quote oracle.Quote, now time.Time) (*CloseResult, error) {
	m, err := e.Market(market)
	if err != nil {
		return nil, err
	}
	return m.ClosePosition(req, quote, now)
}

func (e *Exchange) AccrueFunding(market string, now time.Time) (*FundingResult, error) {
	m, err := e.Market(market)
	if err != nil {
		return nil, err
	}
	return m.AccrueFunding(now)
}

func (e *Exchange) Evaluate(market string, id state.PositionID, side event.Side, quote oracle.Quote, now time.Time) (*LiquidationResult, error) {
	m, err := e.Market(market)
	if err != nil {
		return nil, err
	}
	return m.Evaluate(id, side, quote, now)
}

// TraderBalance sums a trader's wallet account across markets: negative means the
// trader has net funds locked in or lost to the markets.
func (e *Exchange) TraderBalance(owner uuid.UUID) int64 {
	e.mu.RLock()
	markets := make([]*Market, 0, len(e.markets))
	for _, m := range e.markets {
		markets = append(markets, m)
	}
	e.mu.RUnlock()

	var total int64
	key := ledger.NewWalletKey(owner)
	for _, m := range markets {
		m.mu.Lock()
		total += m.balances.GetBalance(key)
		m.mu.Unlock()
	}
	return total
}

// RestoreMarket registers a market from a snapshot. Events after the snapshot are
// then applied with Replay.
func (e *Exchange) RestoreMarket(snap *MarketSnapshot) (*Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.markets[snap.Market]; exists {
		return nil, newError(KindMarketExists, snap.Market, "market already registered")
	}
	m := e.newMarket(snap.Market)
	if err := m.restore(snap); err != nil {
		return nil, err
	}
	e.markets[snap.Market] = m
	return m, nil
}

// Replay re-applies a persisted envelope. A MarketCreated envelope registers the
// market; any other envelope must belong to a registered market. Replay emits nothing.
func (e *Exchange) Replay(env *event.EventEnvelope) error {
	e.mu.Lock()
	m, ok := e.markets[env.MarketID]
	if !ok {
		if env.EventType != event.EventTypeMarketCreated {
			e.mu.Unlock()
			return newError(KindMarketNotFound, env.MarketID, "replay of %s before MarketCreated", env.EventType)
		}
		m = e.newMarket(env.MarketID)
		e.markets[env.MarketID] = m
	}
	e.mu.Unlock()

	if err := m.replay(env); err != nil {
		if !ok {
			e.mu.Lock()
			delete(e.markets, env.MarketID)
			e.mu.Unlock()
		}
		return err
	}
	if e.metrics != nil {
		e.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}
