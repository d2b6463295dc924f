// Package keeper drives the time-based work of every market: funding accrual and
// liquidation sweeps.
package keeper

import (
	"context"
	"errors"
	"time"

	"MemePerp/internal/core"
	"MemePerp/internal/event"
	"MemePerp/internal/observability"
	"MemePerp/internal/oracle"
	"MemePerp/internal/state"

	"github.com/rs/zerolog"
)

// FundStore persists the insurance fund after every change
type FundStore interface {
	SaveInsuranceFund(ctx context.Context, stats state.InsuranceFundStats) error
}

type Options struct {
	Interval time.Duration
	Store    FundStore // Optional
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
	Clock    func() time.Time
}

// Keeper periodically accrues funding and then evaluates every open position of
// every market. Shortfalls reported by liquidations are absorbed by the insurance fund.
type Keeper struct {
	exchange *core.Exchange
	quotes   oracle.Source
	fund     *state.InsuranceFund
	store    FundStore

	interval time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// MarketSweep reports one market's pass
type MarketSweep struct {
	Market     string
	Funding    *core.FundingResult
	Evaluated  int
	Liquidated int
	Shortfall  int64
	Covered    int64
	Uncovered  int64
	Skipped    string // Why liquidation checks did not run, empty if they did
}

func New(exchange *core.Exchange, quotes oracle.Source, fund *state.InsuranceFund, opts Options) *Keeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Keeper{
		exchange: exchange,
		quotes:   quotes,
		fund:     fund,
		store:    opts.Store,
		interval: opts.Interval,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      opts.Clock,
	}
}

// Run sweeps all markets every interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	k.logger.Info().Dur("interval", k.interval).Msg("keeper started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			k.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every market
func (k *Keeper) Sweep(ctx context.Context) []MarketSweep {
	markets := k.exchange.Markets()
	out := make([]MarketSweep, 0, len(markets))
	for _, name := range markets {
		if ctx.Err() != nil {
			break
		}
		sweep, err := k.SweepMarket(ctx, name)
		if err != nil {
			k.logger.Error().Err(err).Str("market", name).Msg("keeper sweep failed")
			continue
		}
		out = append(out, sweep)
	}
	return out
}

// SweepMarket accrues funding for market and then evaluates each open position
// against the current quote. Funding does not need a price, so it runs even when
// the quote is missing or stale.
func (k *Keeper) SweepMarket(ctx context.Context, market string) (MarketSweep, error) {
	start := time.Now()
	now := k.now()
	sweep := MarketSweep{Market: market}
	defer func() {
		if k.metrics != nil {
			k.metrics.KeeperTickDuration.WithLabelValues(market).Observe(time.Since(start).Seconds())
		}
	}()

	funding, err := k.exchange.AccrueFunding(market, now)
	if err != nil {
		return sweep, err
	}
	if funding.Applied {
		sweep.Funding = funding
		k.logger.Info().
			Str("market", market).
			Int64("epoch", funding.Epoch).
			Int64("rate", funding.Rate).
			Int("transfers", funding.Transfers).
			Msg("funding applied")
	}

	m, err := k.exchange.Market(market)
	if err != nil {
		return sweep, err
	}
	refs := m.PositionRefs()
	if len(refs) == 0 {
		return sweep, nil
	}

	quote, err := k.quotes.GetPrice(ctx, market)
	if err != nil {
		sweep.Skipped = err.Error()
		k.logger.Debug().Err(err).Str("market", market).Msg("no quote, liquidation sweep skipped")
		return sweep, nil
	}

	for _, ref := range refs {
		res, err := k.exchange.Evaluate(market, ref.ID, ref.Side, quote, now)
		switch {
		case errors.Is(err, core.ErrPositionNotFound):
			// Closed since the refs were taken
			continue
		case errors.Is(err, core.ErrStalePrice):
			sweep.Skipped = err.Error()
			k.logger.Debug().Err(err).Str("market", market).Msg("stale quote, liquidation sweep skipped")
			return sweep, nil
		case err != nil:
			k.logger.Error().Err(err).Str("market", market).Uint64("position", uint64(ref.ID)).Msg("evaluate failed")
			continue
		}

		sweep.Evaluated++
		if !res.Liquidated {
			continue
		}
		sweep.Liquidated++
		if res.Shortfall > 0 {
			k.absorb(ctx, market, res, &sweep)
		}
	}
	return sweep, nil
}

// EvaluatePosition runs one liquidation check at the current quote, absorbing any
// shortfall like a sweep does.
func (k *Keeper) EvaluatePosition(ctx context.Context, market string, id state.PositionID, side event.Side) (*core.LiquidationResult, error) {
	quote, err := k.quotes.GetPrice(ctx, market)
	if err != nil {
		return nil, &core.Error{Kind: core.KindStalePrice, Market: market, Err: err}
	}
	res, err := k.exchange.Evaluate(market, id, side, quote, k.now())
	if err != nil {
		return nil, err
	}
	if res.Liquidated && res.Shortfall > 0 {
		var sweep MarketSweep
		k.absorb(ctx, market, res, &sweep)
	}
	return res, nil
}

// Reconcile catches the fund up with the shortfalls every market has booked on its
// insurance account, then saves it. Run it once at startup, before the first sweep.
func (k *Keeper) Reconcile(ctx context.Context) (map[string]int64, error) {
	booked := make(map[string]int64)
	for _, sum := range k.exchange.Summaries() {
		if sum.InsuranceBalance < 0 {
			booked[sum.Name] = -sum.InsuranceBalance
		}
	}
	caught, err := k.fund.Reconcile(booked)
	if err != nil {
		return nil, err
	}
	for market, amount := range caught {
		k.logger.Warn().Str("market", market).Int64("shortfall", amount).Msg("insurance fund caught up with ledger")
	}
	if k.store != nil {
		if err := k.store.SaveInsuranceFund(ctx, k.fund.Stats()); err != nil {
			return caught, err
		}
	}
	if k.metrics != nil {
		k.metrics.InsuranceBalance.Set(float64(k.fund.Stats().Balance))
	}
	return caught, nil
}

func (k *Keeper) absorb(ctx context.Context, market string, res *core.LiquidationResult, sweep *MarketSweep) {
	covered, remaining, err := k.fund.Absorb(market, res.Shortfall)
	if err != nil {
		k.logger.Error().Err(err).Str("market", market).Msg("insurance absorb failed")
		return
	}
	sweep.Shortfall += res.Shortfall
	sweep.Covered += covered
	sweep.Uncovered += remaining

	if k.store != nil {
		// A missed save is caught up by Reconcile on the next start
		if err := k.store.SaveInsuranceFund(ctx, k.fund.Stats()); err != nil {
			k.logger.Warn().Err(err).Str("market", market).Msg("insurance fund save failed")
		}
	}

	if k.metrics != nil {
		k.metrics.InsuranceCovered.Add(float64(covered))
		k.metrics.InsuranceUncovered.Add(float64(remaining))
		k.metrics.InsuranceBalance.Set(float64(k.fund.Stats().Balance))
	}

	ev := k.logger.Info()
	if remaining > 0 {
		ev = k.logger.Warn()
	}
	ev.Str("market", market).
		Uint64("position", uint64(res.PositionID)).
		Int64("shortfall", res.Shortfall).
		Int64("covered", covered).
		Int64("uncovered", remaining).
		Msg("liquidation shortfall")
}
