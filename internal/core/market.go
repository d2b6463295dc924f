package core

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"MemePerp/internal/event"
	"MemePerp/internal/ledger"
	fpmath "MemePerp/internal/math"
	"MemePerp/internal/observability"
	"MemePerp/internal/state"

	"github.com/rs/zerolog"
)

// CoreOutput is everything downstream needs from one applied event
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Event    event.Event
}

// Market is one consistency domain: config, position book, funding state and the
// market's ledger. Every public method holds mu for its whole duration.
type Market struct {
	mu sync.Mutex

	name      string
	cfg       state.MarketConfig
	authority string
	paused    bool
	createdAt time.Time

	book     *state.PositionBook
	funding  state.FundingState
	fees     FeeCollector
	balances *ledger.BalanceTracker

	validator *ledger.InvariantValidator
	journals  *ledger.JournalGenerator
	hasher    *StateHasher
	sequence  int64 // Last applied sequence, 0 before MarketCreated

	emit    func(CoreOutput)
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func newMarket(name string, emit func(CoreOutput), metrics *observability.Metrics, logger zerolog.Logger) *Market {
	balances := ledger.NewBalanceTracker()
	return &Market{
		name:      name,
		book:      state.NewPositionBook(),
		balances:  balances,
		validator: ledger.NewInvariantValidator(balances),
		journals:  ledger.NewJournalGenerator(),
		hasher:    NewStateHasher(name),
		emit:      emit,
		metrics:   metrics,
		logger:    logger.With().Str("market", name).Logger(),
	}
}

// Name returns the market identifier
func (m *Market) Name() string {
	return m.name
}

// Config returns a copy of the current configuration
func (m *Market) Config() state.MarketConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Sequence returns the last applied sequence
func (m *Market) Sequence() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequence
}

// StateHash returns the chain tip
func (m *Market) StateHash() [32]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasher.GetPrevHash()
}

// commit applies evt as the next sequence, seals it into an envelope and hands the
// output downstream. On error the market state is unchanged. Caller holds mu.
func (m *Market) commit(evt event.Event) (*CoreOutput, error) {
	start := time.Now()
	eventType := evt.EventType().String()

	payload, err := EncodeEvent(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", eventType, err)
	}

	seq := m.sequence + 1
	batch, err := m.apply(evt, seq)
	if err != nil {
		return nil, err
	}

	prevHash := m.hasher.GetPrevHash()
	stateHash := m.seal(seq, batch)

	output := CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:  seq,
			CommandID: evt.IdempotencyKey(),
			EventType: evt.EventType(),
			MarketID:  m.name,
			Timestamp: time.UnixMicro(eventTime(evt)).UTC(),
			Payload:   payload,
			StateHash: stateHash,
			PrevHash:  prevHash,
		},
		Batch: batch,
		Event: evt,
	}

	if m.emit != nil {
		m.emit(output)
	}

	if m.metrics != nil {
		m.metrics.CoreEventsApplied.WithLabelValues(m.name, eventType).Inc()
		m.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		m.metrics.CoreSequence.WithLabelValues(m.name).Set(float64(seq))
		for _, j := range batch.Journals {
			m.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
		m.metrics.OpenInterest.WithLabelValues(m.name, "long").Set(float64(m.book.TotalLongSize()))
		m.metrics.OpenInterest.WithLabelValues(m.name, "short").Set(float64(m.book.TotalShortSize()))
	}

	return &output, nil
}

// replay re-applies a persisted envelope and verifies the resulting hash.
func (m *Market) replay(env *event.EventEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if env.Sequence <= m.sequence {
		// Already covered by the restored snapshot
		return nil
	}
	if env.Sequence != m.sequence+1 {
		return fmt.Errorf("sequence gap for %s: have %d, got %d", m.name, m.sequence, env.Sequence)
	}
	if env.PrevHash != m.hasher.GetPrevHash() {
		return fmt.Errorf("hash chain broken for %s at sequence %d", m.name, env.Sequence)
	}

	evt, err := DecodeEvent(env.EventType, env.Payload)
	if err != nil {
		return err
	}

	batch, err := m.apply(evt, env.Sequence)
	if err != nil {
		return fmt.Errorf("replay %s seq %d: %w", env.EventType, env.Sequence, err)
	}

	if got := m.seal(env.Sequence, batch); got != env.StateHash {
		return fmt.Errorf("state hash mismatch for %s at sequence %d: got %x, want %x",
			m.name, env.Sequence, got, env.StateHash)
	}
	return nil
}

// apply dispatches by event type. Each handler validates and computes everything
// before its first mutation, then runs the post-checks.
func (m *Market) apply(evt event.Event, seq int64) (*ledger.Batch, error) {
	var (
		batch *ledger.Batch
		err   error
	)

	switch e := evt.(type) {
	case *MarketCreated:
		batch, err = m.applyMarketCreated(e, seq)
	case *MarketConfigUpdated:
		batch, err = m.applyMarketConfigUpdated(e, seq)
	case *MarketPauseChanged:
		batch, err = m.applyPauseChanged(e, seq)
	case *event.PositionOpened:
		batch, err = m.applyPositionOpened(e, seq)
	case *event.FundingApplied:
		batch, err = m.applyFundingApplied(e, seq)
	case *event.PositionClosed:
		batch, err = m.applyPositionClosed(e, seq)
	case *event.PositionLiquidated:
		batch, err = m.applyPositionLiquidated(e, seq)
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
	if err != nil {
		return nil, err
	}

	if err := m.postCheckInvariants(evt); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	m.sequence = seq
	return batch, nil
}

// seal computes the state hash for seq and advances the chain
func (m *Market) seal(seq int64, batch *ledger.Batch) [32]byte {
	hash := m.hasher.ComputeHash(seq, m.computeStateDigest(batch))
	m.hasher.Advance(hash)
	return hash
}

func (m *Market) emptyBatch(ref string, seq, ts int64) *ledger.Batch {
	return &ledger.Batch{EventRef: ref, Market: m.name, Sequence: seq, Timestamp: ts}
}

func (m *Market) applyMarketCreated(evt *MarketCreated, seq int64) (*ledger.Batch, error) {
	if seq != 1 {
		return nil, fmt.Errorf("MarketCreated must be sequence 1, got %d", seq)
	}
	if evt.Config.Name != m.name {
		return nil, fmt.Errorf("MarketCreated for %q applied to %q", evt.Config.Name, m.name)
	}
	if err := evt.Config.Validate(); err != nil {
		return nil, &Error{Kind: KindInvalidConfig, Market: m.name, Err: err}
	}

	created := time.UnixMicro(evt.Timestamp).UTC()
	m.cfg = evt.Config
	m.authority = evt.Authority
	m.createdAt = created
	m.funding = state.NewFundingState(created)

	return m.emptyBatch(evt.IdempotencyKey(), seq, evt.Timestamp), nil
}

func (m *Market) applyMarketConfigUpdated(evt *MarketConfigUpdated, seq int64) (*ledger.Batch, error) {
	if err := m.checkConfigUpdate(evt.Config); err != nil {
		return nil, err
	}
	m.cfg = evt.Config
	return m.emptyBatch(evt.IdempotencyKey(), seq, evt.Timestamp), nil
}

func (m *Market) applyPauseChanged(evt *MarketPauseChanged, seq int64) (*ledger.Batch, error) {
	m.paused = evt.Paused
	return m.emptyBatch(evt.IdempotencyKey(), seq, evt.Timestamp), nil
}

func (m *Market) applyPositionOpened(evt *event.PositionOpened, seq int64) (*ledger.Batch, error) {
	if state.PositionID(evt.PositionID) != m.book.NextID() {
		return nil, fmt.Errorf("position id %d out of order, next is %d", evt.PositionID, m.book.NextID())
	}
	if evt.MarginDebit-evt.Fee != evt.Collateral || evt.Collateral <= 0 {
		return nil, fmt.Errorf("position %d collateral %d does not match debit %d - fee %d",
			evt.PositionID, evt.Collateral, evt.MarginDebit, evt.Fee)
	}

	recordFee, err := m.fees.stage(FeeOpen, evt.Fee)
	if err != nil {
		return nil, wrapMath(m.name, "open fee total", err)
	}
	batch, err := m.journals.GeneratePositionOpened(evt, seq)
	if err != nil {
		return nil, err
	}

	pos := &state.Position{
		ID:         state.PositionID(evt.PositionID),
		Owner:      evt.Owner,
		Side:       evt.Side,
		Size:       evt.Size,
		EntryPrice: evt.EntryPrice,
		Leverage:   evt.Leverage,
		Collateral: evt.Collateral,
		OpenedAt:   time.UnixMicro(evt.Timestamp).UTC(),
	}
	if err := m.book.Restore(pos); err != nil {
		return nil, wrapMath(m.name, "insert position", err)
	}

	if err := m.balances.ApplyBatch(batch); err != nil {
		return nil, err
	}
	recordFee()
	return batch, nil
}

func (m *Market) applyFundingApplied(evt *event.FundingApplied, seq int64) (*ledger.Batch, error) {
	if evt.Epoch != m.funding.Epoch+1 {
		return nil, fmt.Errorf("funding epoch %d out of order, current %d", evt.Epoch, m.funding.Epoch)
	}

	cumulative, err := fpmath.Add(m.funding.CumulativeFundingRate, evt.Rate)
	if err != nil {
		return nil, wrapMath(m.name, "cumulative funding rate", err)
	}

	type update struct {
		pos     *state.Position
		funding int64
	}
	updates := make([]update, 0, len(evt.Transfers))
	for _, t := range evt.Transfers {
		pos := m.book.Lookup(state.PositionID(t.PositionID))
		if pos == nil {
			return nil, fmt.Errorf("funding transfer for unknown position %d", t.PositionID)
		}
		next, err := fpmath.Sub(pos.AccumulatedFunding, t.Amount)
		if err != nil {
			return nil, wrapMath(m.name, "accumulated funding", err)
		}
		updates = append(updates, update{pos: pos, funding: next})
	}

	recordFee, err := m.fees.stage(FeeFundingResidue, evt.Residue)
	if err != nil {
		return nil, wrapMath(m.name, "residue total", err)
	}
	batch, err := m.journals.GenerateFundingApplied(evt, seq)
	if err != nil {
		return nil, err
	}

	for _, u := range updates {
		u.pos.AccumulatedFunding = u.funding
	}
	if err := m.balances.ApplyBatch(batch); err != nil {
		return nil, err
	}
	m.funding.Advance(time.UnixMicro(evt.Timestamp).UTC(), evt.Rate, cumulative)
	recordFee()
	return batch, nil
}

func (m *Market) applyPositionClosed(evt *event.PositionClosed, seq int64) (*ledger.Batch, error) {
	id := state.PositionID(evt.PositionID)
	pos := m.book.Get(id, evt.Side)
	if pos == nil {
		return nil, newError(KindPositionNotFound, m.name, "position %d (%s)", evt.PositionID, evt.Side)
	}
	if evt.ClosedSize+evt.RemainingSize != pos.Size {
		return nil, fmt.Errorf("close of %d leaves %d, position size is %d", evt.ClosedSize, evt.RemainingSize, pos.Size)
	}
	remainingFunding, err := fpmath.Sub(pos.AccumulatedFunding, evt.FundingReleased)
	if err != nil {
		return nil, wrapMath(m.name, "released funding", err)
	}

	recordFee, err := m.fees.stage(FeeClose, evt.Fee)
	if err != nil {
		return nil, wrapMath(m.name, "close fee total", err)
	}
	batch, err := m.journals.GeneratePositionClosed(evt, seq)
	if err != nil {
		return nil, err
	}

	if err := m.book.Reduce(id, evt.ClosedSize, evt.CollateralReleased); err != nil {
		return nil, err
	}
	if evt.RemainingSize > 0 {
		pos.AccumulatedFunding = remainingFunding
	}
	if err := m.balances.ApplyBatch(batch); err != nil {
		return nil, err
	}
	recordFee()
	return batch, nil
}

func (m *Market) applyPositionLiquidated(evt *event.PositionLiquidated, seq int64) (*ledger.Batch, error) {
	id := state.PositionID(evt.PositionID)
	pos := m.book.Get(id, evt.Side)
	if pos == nil {
		return nil, newError(KindPositionNotFound, m.name, "position %d (%s)", evt.PositionID, evt.Side)
	}
	if pos.Size != evt.Size || pos.Collateral != evt.Collateral || pos.AccumulatedFunding != evt.Funding {
		return nil, fmt.Errorf("liquidation of position %d does not match book state", evt.PositionID)
	}

	recordFee, err := m.fees.stage(FeeLiquidation, evt.Fee)
	if err != nil {
		return nil, wrapMath(m.name, "liquidation fee total", err)
	}
	batch, err := m.journals.GeneratePositionLiquidated(evt, seq)
	if err != nil {
		return nil, err
	}

	if _, err := m.book.Remove(id); err != nil {
		return nil, err
	}
	if err := m.balances.ApplyBatch(batch); err != nil {
		return nil, err
	}
	recordFee()
	return batch, nil
}

// postCheckInvariants validates the ledger against the book after an event.
func (m *Market) postCheckInvariants(evt event.Event) error {
	switch e := evt.(type) {
	case *event.PositionOpened:
		pos := m.book.Lookup(state.PositionID(e.PositionID))
		if err := m.validator.ValidateMargin(m.name, e.PositionID, pos.Collateral, pos.AccumulatedFunding); err != nil {
			return err
		}
	case *event.PositionClosed:
		var collateral, funding int64
		if pos := m.book.Lookup(state.PositionID(e.PositionID)); pos != nil {
			collateral, funding = pos.Collateral, pos.AccumulatedFunding
		}
		if err := m.validator.ValidateMargin(m.name, e.PositionID, collateral, funding); err != nil {
			return err
		}
	case *event.PositionLiquidated:
		if err := m.validator.ValidateMargin(m.name, e.PositionID, 0, 0); err != nil {
			return err
		}
	case *event.FundingApplied:
		if err := m.validator.ValidateFundingPoolZero(m.name); err != nil {
			return err
		}
		for _, t := range e.Transfers {
			pos := m.book.Lookup(state.PositionID(t.PositionID))
			if err := m.validator.ValidateMargin(m.name, t.PositionID, pos.Collateral, pos.AccumulatedFunding); err != nil {
				return err
			}
		}
	}

	if err := m.validator.ValidateFeeSinkNonNegative(m.name); err != nil {
		return err
	}
	if err := m.validator.ValidateGlobalBalance(); err != nil {
		return err
	}

	// Full aggregate recomputation is linear in the book; run it periodically
	if m.sequence > 0 && m.sequence%1000 == 0 {
		if err := m.book.Recompute(); err != nil {
			return err
		}
	}
	return nil
}

// computeStateDigest creates canonical bytes for the state hash: balances of the
// accounts the batch touched, funding state, book aggregates and config.
func (m *Market) computeStateDigest(batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+160)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = binary.LittleEndian.AppendUint64(digest, uint64(m.balances.GetBalance(key)))
	}

	digest = append(digest, m.funding.CanonicalBytes()...)
	for _, v := range []int64{
		m.book.TotalLongSize(),
		m.book.TotalLongCollateral(),
		m.book.TotalShortSize(),
		m.book.TotalShortCollateral(),
		int64(m.book.NextID()),
	} {
		digest = binary.LittleEndian.AppendUint64(digest, uint64(v))
	}
	digest = append(digest, m.cfg.CanonicalBytes()...)
	if m.paused {
		digest = append(digest, 1)
	} else {
		digest = append(digest, 0)
	}
	return digest
}
