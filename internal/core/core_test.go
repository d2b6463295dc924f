package core_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"MemePerp/internal/core"
	"MemePerp/internal/event"
	"MemePerp/internal/oracle"
	"MemePerp/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	testMarket    = "PEPE-PERP"
	testAuthority = "admin-1"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() state.MarketConfig {
	return state.MarketConfig{
		Name:                    testMarket,
		MinBaseOrderSize:        10,
		TickSize:                5,
		MaxPositionSize:         100_000,
		MaxLeverage:             20,
		LiquidationThresholdBps: 9500,
		MaintenanceMarginBps:    500,
		FundingIntervalSeconds:  3600,
		OpenFeeBps:              10,
		LiquidationFeeBps:       100,
		FundingSensitivityBps:   10_000,
		LiquidityFractionBps:    5000,
		BaseLiquidity:           10_000,
		MaxPriceAgeSeconds:      60,
	}
}

func newExchange(t *testing.T) (*core.Exchange, chan core.CoreOutput) {
	t.Helper()
	persist := make(chan core.CoreOutput, 4096)
	ex := core.NewExchange(core.Options{
		PersistChan:    persist,
		AdminAuthority: testAuthority,
		Logger:         zerolog.Nop(),
	})
	return ex, persist
}

func newMarket(t *testing.T, cfg state.MarketConfig) (*core.Exchange, *core.Market, chan core.CoreOutput) {
	t.Helper()
	ex, persist := newExchange(t)
	m, _, err := ex.CreateMarket(testAuthority, cfg, "create-1", t0)
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	return ex, m, persist
}

func quoteAt(price int64, at time.Time) oracle.Quote {
	return oracle.Quote{
		Market:     testMarket,
		Price:      price,
		AsOf:       at,
		Confidence: oracle.ConfidenceFresh,
	}
}

func open(t *testing.T, m *core.Market, owner uuid.UUID, side event.Side, size, leverage, price int64, at time.Time) *core.OrderResult {
	t.Helper()
	res, err := m.PlaceOrder(core.OrderRequest{
		CommandID: uuid.NewString(),
		Owner:     owner,
		Side:      side,
		Size:      size,
		Leverage:  leverage,
	}, quoteAt(price, at), at)
	if err != nil {
		t.Fatalf("PlaceOrder(%s %d @%d): %v", side, size, price, err)
	}
	return res
}

// ============================================================================
// Order placement
// ============================================================================

func TestPlaceOrder_CollateralScenario(t *testing.T) {
	ex, m, _ := newMarket(t, testConfig())
	trader := uuid.New()

	res := open(t, m, trader, event.SideLong, 1000, 5, 100, t0)

	// ceil(1000*100/5) = 20000 before the 10 bps fee of 100
	if res.TraderDebit != 20000 {
		t.Errorf("trader debit: got %d, want 20000", res.TraderDebit)
	}
	if res.Fee != 100 {
		t.Errorf("fee: got %d, want 100", res.Fee)
	}
	if res.Collateral != 19900 {
		t.Errorf("collateral: got %d, want 19900", res.Collateral)
	}
	if res.PositionID != 1 {
		t.Errorf("position id: got %d, want 1", res.PositionID)
	}
	if res.Output == nil || res.Output.Envelope.Sequence != 2 {
		t.Fatalf("expected output at sequence 2, got %+v", res.Output)
	}

	sum := m.Summary()
	if sum.TotalLongSize != 1000 || sum.TotalLongCollateral != 19900 {
		t.Errorf("long aggregates: got size=%d collateral=%d, want 1000/19900", sum.TotalLongSize, sum.TotalLongCollateral)
	}
	if sum.FeeSinkBalance != 100 {
		t.Errorf("fee sink: got %d, want 100", sum.FeeSinkBalance)
	}
	if got := ex.TraderBalance(trader); got != -20000 {
		t.Errorf("trader wallet: got %d, want -20000", got)
	}
}

func TestPlaceOrder_Rejections(t *testing.T) {
	fresh := quoteAt(100, t0)
	stale := fresh
	stale.Confidence = oracle.ConfidenceStale

	tests := []struct {
		name  string
		req   core.OrderRequest
		quote oracle.Quote
		want  error
	}{
		{"too small", core.OrderRequest{Side: event.SideLong, Size: 5, Leverage: 5}, fresh, core.ErrOrderTooSmall},
		{"size checked before tick", core.OrderRequest{Side: event.SideLong, Size: 5, Leverage: 5}, quoteAt(102, t0), core.ErrOrderTooSmall},
		{"off tick", core.OrderRequest{Side: event.SideLong, Size: 100, Leverage: 5}, quoteAt(102, t0), core.ErrInvalidTick},
		{"zero leverage", core.OrderRequest{Side: event.SideLong, Size: 100, Leverage: 0}, fresh, core.ErrLeverageExceeded},
		{"leverage above max", core.OrderRequest{Side: event.SideShort, Size: 100, Leverage: 21}, fresh, core.ErrLeverageExceeded},
		{"side capacity", core.OrderRequest{Side: event.SideLong, Size: 100_001, Leverage: 5}, fresh, core.ErrPositionSizeExceeded},
		{"liquidity", core.OrderRequest{Side: event.SideLong, Size: 6000, Leverage: 5}, fresh, core.ErrInsufficientLiquidity},
		{"stale confidence", core.OrderRequest{Side: event.SideLong, Size: 100, Leverage: 5}, stale, core.ErrStalePrice},
		{"old quote", core.OrderRequest{Side: event.SideLong, Size: 100, Leverage: 5}, quoteAt(100, t0.Add(-2*time.Minute)), core.ErrStalePrice},
		{"invalid side", core.OrderRequest{Side: 0, Size: 100, Leverage: 5}, fresh, core.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, m, _ := newMarket(t, testConfig())
			before := m.Summary()

			tt.req.Owner = uuid.New()
			_, err := m.PlaceOrder(tt.req, tt.quote, t0)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}

			after := m.Summary()
			if after.StateHash != before.StateHash || after.Sequence != before.Sequence || after.OpenPositions != 0 {
				t.Errorf("book changed on rejection: before=%+v after=%+v", before, after)
			}
		})
	}
}

func TestPlaceOrder_PositionSizeExceededLeavesBookUnchanged(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPositionSize = 5000
	cfg.BaseLiquidity = 100_000
	_, m, _ := newMarket(t, cfg)

	open(t, m, uuid.New(), event.SideLong, 3000, 5, 100, t0)
	before := m.Summary()

	// 2001 > max_position_size - total_long_size
	_, err := m.PlaceOrder(core.OrderRequest{Owner: uuid.New(), Side: event.SideLong, Size: 2001, Leverage: 5}, quoteAt(100, t0), t0)
	if !errors.Is(err, core.ErrPositionSizeExceeded) {
		t.Fatalf("got %v, want PositionSizeExceeded", err)
	}
	after := m.Summary()
	if after.StateHash != before.StateHash || after.TotalLongSize != 3000 || after.OpenPositions != 1 {
		t.Errorf("book changed: before=%+v after=%+v", before, after)
	}

	// The short side is unaffected by the long side's capacity
	open(t, m, uuid.New(), event.SideShort, 2001, 5, 100, t0)
}

func TestPlaceOrder_InsufficientCollateral(t *testing.T) {
	cfg := testConfig()
	cfg.OpenFeeBps = 10_000 // fee equals notional
	_, m, _ := newMarket(t, cfg)

	_, err := m.PlaceOrder(core.OrderRequest{Owner: uuid.New(), Side: event.SideLong, Size: 100, Leverage: 1}, quoteAt(100, t0), t0)
	if !errors.Is(err, core.ErrInsufficientCollateral) {
		t.Fatalf("got %v, want InsufficientCollateral", err)
	}
}

func TestPlaceOrder_LiquidityShrinksWithImbalance(t *testing.T) {
	_, m, _ := newMarket(t, testConfig())

	// Empty book: depth 10000, max 5000
	open(t, m, uuid.New(), event.SideLong, 5000, 5, 100, t0)

	// Long 5000 vs short 0: depth 10000, excess 5000 → max 3333
	_, err := m.PlaceOrder(core.OrderRequest{Owner: uuid.New(), Side: event.SideLong, Size: 3334, Leverage: 5}, quoteAt(100, t0), t0)
	if !errors.Is(err, core.ErrInsufficientLiquidity) {
		t.Fatalf("got %v, want InsufficientLiquidity", err)
	}
	open(t, m, uuid.New(), event.SideLong, 3333, 5, 100, t0)

	// The short side sees counter depth 18333 and no excess
	open(t, m, uuid.New(), event.SideShort, 9000, 5, 100, t0)
}

func TestPlaceOrder_OverflowLeavesStateUnchanged(t *testing.T) {
	_, m, _ := newMarket(t, testConfig())
	seq, hash := m.Sequence(), m.StateHash()

	// On tick, fresh, but size*price does not fit in int64
	price := int64(math.MaxInt64) - int64(math.MaxInt64)%5
	_, err := m.PlaceOrder(core.OrderRequest{
		CommandID: "huge",
		Owner:     uuid.New(),
		Side:      event.SideLong,
		Size:      10,
		Leverage:  1,
	}, quoteAt(price, t0), t0)
	if !errors.Is(err, core.ErrOverflow) {
		t.Fatalf("got %v, want Overflow", err)
	}
	if m.Sequence() != seq || m.StateHash() != hash {
		t.Errorf("state advanced: seq %d -> %d", seq, m.Sequence())
	}
	if sum := m.Summary(); sum.TotalLongSize != 0 || sum.OpenPositions != 0 {
		t.Errorf("book changed: %+v", sum)
	}
}

// ============================================================================
// Funding
// ============================================================================

func TestAccrueFunding_ImbalanceScenario(t *testing.T) {
	_, m, _ := newMarket(t, testConfig())
	long := open(t, m, uuid.New(), event.SideLong, 1500, 5, 100, t0)
	short := open(t, m, uuid.New(), event.SideShort, 500, 5, 100, t0)

	res, err := m.AccrueFunding(t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("AccrueFunding: %v", err)
	}
	if !res.Applied {
		t.Fatal("expected funding to apply after one interval")
	}
	// imbalance 0.5, k = 1 → 0.0005 at scale 1e8
	if res.Rate != 50_000 {
		t.Errorf("rate: got %d, want 50000", res.Rate)
	}
	// long pays ceil(1500*100*0.0005) = 75, the single short receives all of it
	if res.TotalPaid != 75 || res.TotalReceived != 75 || res.Residue != 0 {
		t.Errorf("settlement: got paid=%d received=%d residue=%d, want 75/75/0", res.TotalPaid, res.TotalReceived, res.Residue)
	}
	if res.Epoch != 1 {
		t.Errorf("epoch: got %d, want 1", res.Epoch)
	}

	lv, _ := m.Position(long.PositionID, 100)
	sv, _ := m.Position(short.PositionID, 100)
	if lv.AccumulatedFunding != -75 {
		t.Errorf("long funding: got %d, want -75", lv.AccumulatedFunding)
	}
	if sv.AccumulatedFunding != 75 {
		t.Errorf("short funding: got %d, want 75", sv.AccumulatedFunding)
	}
	if lv.Collateral != long.Collateral {
		t.Errorf("collateral must not absorb funding: got %d, want %d", lv.Collateral, long.Collateral)
	}

	sum := m.Summary()
	if sum.Funding.CumulativeFundingRate != 50_000 {
		t.Errorf("cumulative rate: got %d, want 50000", sum.Funding.CumulativeFundingRate)
	}
	if !sum.Funding.LastFundingTime.Equal(t0.Add(time.Hour)) {
		t.Errorf("last funding time: got %s", sum.Funding.LastFundingTime)
	}
}

func TestAccrueFunding_ResidueGoesToFeeSink(t *testing.T) {
	_, m, _ := newMarket(t, testConfig())
	open(t, m, uuid.New(), event.SideLong, 1500, 5, 100, t0)
	open(t, m, uuid.New(), event.SideShort, 250, 5, 100, t0)
	open(t, m, uuid.New(), event.SideShort, 250, 5, 100, t0)

	feesBefore := m.Summary().FeeSinkBalance

	res, err := m.AccrueFunding(t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("AccrueFunding: %v", err)
	}
	// 75 paid, each short floors 37.5 to 37
	if res.TotalPaid != 75 || res.TotalReceived != 74 || res.Residue != 1 {
		t.Fatalf("got paid=%d received=%d residue=%d, want 75/74/1", res.TotalPaid, res.TotalReceived, res.Residue)
	}
	if res.Residue >= 2 {
		t.Errorf("residue %d must be below the number of receiving positions", res.Residue)
	}

	sum := m.Summary()
	if sum.FeeSinkBalance-feesBefore != 1 {
		t.Errorf("fee sink delta: got %d, want 1", sum.FeeSinkBalance-feesBefore)
	}
	if sum.Fees.FundingResidue != 1 {
		t.Errorf("residue total: got %d, want 1", sum.Fees.FundingResidue)
	}
}

func TestAccrueFunding_IdempotentWithinInterval(t *testing.T) {
	_, m, _ := newMarket(t, testConfig())
	open(t, m, uuid.New(), event.SideLong, 1500, 5, 100, t0)
	open(t, m, uuid.New(), event.SideShort, 500, 5, 100, t0)

	early, err := m.AccrueFunding(t0.Add(59 * time.Minute))
	if err != nil {
		t.Fatalf("AccrueFunding: %v", err)
	}
	if early.Applied {
		t.Fatal("funding applied before the interval elapsed")
	}

	first, _ := m.AccrueFunding(t0.Add(time.Hour))
	if !first.Applied {
		t.Fatal("first call in interval should apply")
	}
	seq := m.Sequence()

	second, err := m.AccrueFunding(t0.Add(time.Hour + 30*time.Minute))
	if err != nil {
		t.Fatalf("AccrueFunding: %v", err)
	}
	if second.Applied {
		t.Error("second call in the same interval must be a no-op")
	}
	if second.Epoch != 1 || m.Sequence() != seq {
		t.Errorf("state advanced: epoch=%d seq=%d, want 1/%d", second.Epoch, m.Sequence(), seq)
	}
	if !second.NextFundingTime.Equal(t0.Add(2 * time.Hour)) {
		t.Errorf("next funding time: got %s", second.NextFundingTime)
	}
}

func TestAccrueFunding_LargeIntervalNeverWraps(t *testing.T) {
	ex, _ := newExchange(t)
	huge := testConfig()
	huge.FundingIntervalSeconds = math.MaxInt64 / 2
	if _, _, err := ex.CreateMarket(testAuthority, huge, "", t0); !errors.Is(err, core.ErrInvalidConfig) {
		t.Fatalf("interval past time.Duration range: got %v, want InvalidConfig", err)
	}

	cfg := testConfig()
	cfg.FundingIntervalSeconds = state.MaxDurationSeconds
	_, m, _ := newMarket(t, cfg)
	open(t, m, uuid.New(), event.SideLong, 1500, 5, 100, t0)

	for i := 1; i <= 3; i++ {
		res, err := m.AccrueFunding(t0.Add(time.Duration(i) * time.Second))
		if err != nil {
			t.Fatalf("AccrueFunding: %v", err)
		}
		if res.Applied {
			t.Fatalf("funding applied %ds after creation with interval %d", i, cfg.FundingIntervalSeconds)
		}
	}
}

func TestAccrueFunding_EmptySides(t *testing.T) {
	t.Run("both empty", func(t *testing.T) {
		_, m, _ := newMarket(t, testConfig())
		res, err := m.AccrueFunding(t0.Add(time.Hour))
		if err != nil {
			t.Fatalf("AccrueFunding: %v", err)
		}
		if !res.Applied || res.Rate != 0 {
			t.Errorf("got applied=%v rate=%d, want true/0", res.Applied, res.Rate)
		}
	})

	t.Run("no shorts", func(t *testing.T) {
		_, m, _ := newMarket(t, testConfig())
		pos := open(t, m, uuid.New(), event.SideLong, 1000, 5, 100, t0)

		res, err := m.AccrueFunding(t0.Add(time.Hour))
		if err != nil {
			t.Fatalf("AccrueFunding: %v", err)
		}
		if res.Rate != 100_000 {
			t.Errorf("rate: got %d, want +cap 100000", res.Rate)
		}
		if res.TotalPaid != 0 || res.Transfers != 0 {
			t.Errorf("no counterparty, got paid=%d transfers=%d", res.TotalPaid, res.Transfers)
		}
		v, _ := m.Position(pos.PositionID, 0)
		if v.AccumulatedFunding != 0 {
			t.Errorf("funding: got %d, want 0", v.AccumulatedFunding)
		}
	})

	t.Run("no longs", func(t *testing.T) {
		_, m, _ := newMarket(t, testConfig())
		open(t, m, uuid.New(), event.SideShort, 1000, 5, 100, t0)

		res, _ := m.AccrueFunding(t0.Add(time.Hour))
		if res.Rate != -100_000 {
			t.Errorf("rate: got %d, want -cap", res.Rate)
		}
	})
}

func TestAccrueFunding_BalancedBookHasZeroRate(t *testing.T) {
	_, m, _ := newMarket(t, testConfig())
	open(t, m, uuid.New(), event.SideLong, 700, 5, 100, t0)
	open(t, m, uuid.New(), event.SideShort, 700, 2, 100, t0)

	res, _ := m.AccrueFunding(t0.Add(time.Hour))
	if res.Rate != 0 || res.TotalPaid != 0 {
		t.Errorf("got rate=%d paid=%d, want 0/0", res.Rate, res.TotalPaid)
	}
}

// ============================================================================
// Liquidation
// ============================================================================

func TestEvaluate_ThresholdScenario(t *testing.T) {
	_, m, _ := newMarket(t, testConfig())
	pos := open(t, m, uuid.New(), event.SideLong, 1000, 5, 100, t0)

	// A 60% move is below the 95% threshold; the margin trigger still fires
	res, err := m.Evaluate(pos.PositionID, event.SideLong, quoteAt(40, t0), t0)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Trigger.Has(event.TriggerAdverseMove) {
		t.Error("adverse-move trigger must not fire at a 60% move with a 95% threshold")
	}
	if !res.Trigger.Has(event.TriggerMaintenance) {
		t.Error("maintenance trigger should fire")
	}
	if !res.Liquidated {
		t.Fatal("expected liquidation")
	}

	// equity = 19900 - 60000 = -40100; fee = ceil(40000*1%) = 400
	if res.Equity != -40100 {
		t.Errorf("equity: got %d, want -40100", res.Equity)
	}
	if res.Fee != 400 || res.Payout != 0 || res.Shortfall != 40500 {
		t.Errorf("got fee=%d payout=%d shortfall=%d, want 400/0/40500", res.Fee, res.Payout, res.Shortfall)
	}

	sum := m.Summary()
	if sum.OpenPositions != 0 || sum.TotalLongSize != 0 {
		t.Errorf("position not removed: %+v", sum)
	}
	if sum.InsuranceBalance != -40500 {
		t.Errorf("insurance: got %d, want -40500", sum.InsuranceBalance)
	}
}

func TestEvaluate_HealthyLeavesPositionUntouched(t *testing.T) {
	_, m, _ := newMarket(t, testConfig())
	pos := open(t, m, uuid.New(), event.SideLong, 1000, 5, 100, t0)
	seq := m.Sequence()

	res, err := m.Evaluate(pos.PositionID, event.SideLong, quoteAt(100, t0), t0)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Liquidated || res.Trigger != 0 {
		t.Fatalf("expected healthy, got %+v", res)
	}
	if res.MarginRatioBps != 1990 {
		t.Errorf("margin ratio: got %d, want 1990", res.MarginRatioBps)
	}
	if m.Sequence() != seq {
		t.Errorf("healthy evaluation emitted an event")
	}
}

func TestEvaluate_MonotonicAndLiquidationPrice(t *testing.T) {
	ex, m, _ := newMarket(t, testConfig())
	trader := uuid.New()
	pos := open(t, m, trader, event.SideLong, 1000, 5, 100, t0)

	view, err := m.Position(pos.PositionID, 100)
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if view.LiquidationPrice != 84 {
		t.Fatalf("liquidation price: got %d, want 84", view.LiquidationPrice)
	}

	for price := int64(100); price > 84; price-- {
		res, err := m.Evaluate(pos.PositionID, event.SideLong, quoteAt(price, t0), t0)
		if err != nil {
			t.Fatalf("Evaluate(%d): %v", price, err)
		}
		if res.Liquidated {
			t.Fatalf("liquidated early at %d (ratio %d)", price, res.MarginRatioBps)
		}
	}

	res, err := m.Evaluate(pos.PositionID, event.SideLong, quoteAt(84, t0), t0)
	if err != nil {
		t.Fatalf("Evaluate(84): %v", err)
	}
	if !res.Liquidated || res.MarginRatioBps >= 500 {
		t.Fatalf("expected liquidation below maintenance, got %+v", res)
	}
	// equity 3900, fee ceil(84000*1%) = 840
	if res.Payout != 3060 || res.Shortfall != 0 {
		t.Errorf("got payout=%d shortfall=%d, want 3060/0", res.Payout, res.Shortfall)
	}
	if got := ex.TraderBalance(trader); got != -20000+3060 {
		t.Errorf("trader wallet: got %d, want %d", got, -20000+3060)
	}

	// Terminal: a second evaluation cannot find it
	_, err = m.Evaluate(pos.PositionID, event.SideLong, quoteAt(84, t0), t0)
	if !errors.Is(err, core.ErrPositionNotFound) {
		t.Errorf("got %v, want PositionNotFound", err)
	}
}

func TestEvaluate_ShortAdverseMove(t *testing.T) {
	cfg := testConfig()
	cfg.LiquidationThresholdBps = 1000
	_, m, _ := newMarket(t, cfg)
	pos := open(t, m, uuid.New(), event.SideShort, 100, 1, 100, t0)

	res, err := m.Evaluate(pos.PositionID, event.SideShort, quoteAt(110, t0), t0)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Liquidated || !res.Trigger.Has(event.TriggerAdverseMove) {
		t.Fatalf("expected adverse-move liquidation, got %+v", res)
	}
	if res.Trigger.Has(event.TriggerMaintenance) {
		t.Error("a 1x short at +10% is above maintenance")
	}
}

func TestEvaluate_FundingExhaustsCollateral(t *testing.T) {
	cfg := testConfig()
	cfg.LiquidationThresholdBps = 10_000
	cfg.MaintenanceMarginBps = 0
	_, m, _ := newMarket(t, cfg)

	long := open(t, m, uuid.New(), event.SideLong, 1500, 20, 100, t0)
	open(t, m, uuid.New(), event.SideShort, 500, 1, 100, t0)

	// collateral 7500 - 150 = 7350, funding 75 per interval
	now := t0
	for i := 0; i < 98; i++ {
		now = now.Add(time.Hour)
		if _, err := m.AccrueFunding(now); err != nil {
			t.Fatalf("AccrueFunding #%d: %v", i, err)
		}
	}

	res, err := m.Evaluate(long.PositionID, event.SideLong, quoteAt(100, now), now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Trigger.Has(event.TriggerCollateralExhausted) {
		t.Fatalf("expected collateral-exhausted trigger, got %s", res.Trigger)
	}
	if res.Equity != 0 || res.Shortfall != res.Fee {
		t.Errorf("got equity=%d shortfall=%d fee=%d", res.Equity, res.Shortfall, res.Fee)
	}
}

func TestEvaluate_Errors(t *testing.T) {
	_, m, _ := newMarket(t, testConfig())
	pos := open(t, m, uuid.New(), event.SideLong, 1000, 5, 100, t0)

	if _, err := m.Evaluate(99, event.SideLong, quoteAt(100, t0), t0); !errors.Is(err, core.ErrPositionNotFound) {
		t.Errorf("unknown id: got %v", err)
	}
	if _, err := m.Evaluate(pos.PositionID, event.SideShort, quoteAt(100, t0), t0); !errors.Is(err, core.ErrPositionNotFound) {
		t.Errorf("wrong side: got %v", err)
	}

	stale := quoteAt(40, t0)
	stale.Confidence = oracle.ConfidenceStale
	if _, err := m.Evaluate(pos.PositionID, event.SideLong, stale, t0); !errors.Is(err, core.ErrStalePrice) {
		t.Errorf("stale quote: got %v", err)
	}
	if m.Summary().OpenPositions != 1 {
		t.Error("no decision may be taken on a stale quote")
	}
}

// ============================================================================
// Close
// ============================================================================

func TestClosePosition_Full(t *testing.T) {
	ex, m, _ := newMarket(t, testConfig())
	trader := uuid.New()
	pos := open(t, m, trader, event.SideLong, 1000, 5, 100, t0)

	res, err := m.ClosePosition(core.CloseRequest{ID: pos.PositionID, Side: event.SideLong, Owner: trader}, quoteAt(100, t0), t0)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if res.Payout != 19800 || res.Fee != 100 || res.RemainingSize != 0 {
		t.Errorf("got payout=%d fee=%d remaining=%d, want 19800/100/0", res.Payout, res.Fee, res.RemainingSize)
	}
	if got := ex.TraderBalance(trader); got != -200 {
		t.Errorf("trader wallet: got %d, want -200", got)
	}
	sum := m.Summary()
	if sum.OpenPositions != 0 || sum.FeeSinkBalance != 200 {
		t.Errorf("got positions=%d fee sink=%d, want 0/200", sum.OpenPositions, sum.FeeSinkBalance)
	}
}

func TestClosePosition_Partial(t *testing.T) {
	_, m, _ := newMarket(t, testConfig())
	trader := uuid.New()
	pos := open(t, m, trader, event.SideLong, 1000, 5, 100, t0)

	res, err := m.ClosePosition(core.CloseRequest{ID: pos.PositionID, Side: event.SideLong, Owner: trader, Size: 400}, quoteAt(110, t0), t0)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	// released floor(19900*0.4) = 7960, pnl 4000, fee ceil(44000*0.1%) = 44
	if res.CollateralReleased != 7960 || res.RealizedPnL != 4000 || res.Fee != 44 || res.Payout != 11916 {
		t.Errorf("got %+v", res)
	}

	v, err := m.Position(pos.PositionID, 110)
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if v.Size != 600 || v.Collateral != 11940 {
		t.Errorf("remaining: got size=%d collateral=%d, want 600/11940", v.Size, v.Collateral)
	}
	if sum := m.Summary(); sum.PnLPoolBalance != -4000 {
		t.Errorf("pnl pool: got %d, want -4000", sum.PnLPoolBalance)
	}
}

func TestClosePosition_Rejections(t *testing.T) {
	_, m, _ := newMarket(t, testConfig())
	trader := uuid.New()
	pos := open(t, m, trader, event.SideLong, 1000, 5, 100, t0)

	_, err := m.ClosePosition(core.CloseRequest{ID: pos.PositionID, Side: event.SideLong, Owner: uuid.New()}, quoteAt(100, t0), t0)
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Errorf("foreign owner: got %v", err)
	}

	_, err = m.ClosePosition(core.CloseRequest{ID: pos.PositionID, Side: event.SideLong, Owner: trader}, quoteAt(75, t0), t0)
	if !errors.Is(err, core.ErrInsufficientCollateral) {
		t.Errorf("underwater close: got %v", err)
	}
	if m.Summary().OpenPositions != 1 {
		t.Error("rejected close changed the book")
	}
}

// ============================================================================
// Administration
// ============================================================================

func TestCreateMarket_Validation(t *testing.T) {
	ex, _ := newExchange(t)

	bad := testConfig()
	bad.MaintenanceMarginBps = 9500
	if _, _, err := ex.CreateMarket(testAuthority, bad, "", t0); !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("mm >= threshold: got %v", err)
	}
	if _, _, err := ex.CreateMarket("intruder", testConfig(), "", t0); !errors.Is(err, core.ErrUnauthorized) {
		t.Errorf("foreign authority: got %v", err)
	}
	if _, _, err := ex.CreateMarket(testAuthority, testConfig(), "", t0); err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	if _, _, err := ex.CreateMarket(testAuthority, testConfig(), "", t0); !errors.Is(err, core.ErrMarketExists) {
		t.Errorf("duplicate: got %v", err)
	}
	if _, err := ex.Market("NOPE"); !errors.Is(err, core.ErrMarketNotFound) {
		t.Errorf("unknown market: got %v", err)
	}
}

func TestCreateMarket_StalledPersistenceDoesNotBlockRegistry(t *testing.T) {
	persist := make(chan core.CoreOutput) // never drained until the end
	ex := core.NewExchange(core.Options{PersistChan: persist, AdminAuthority: testAuthority, Logger: zerolog.Nop()})

	created := make(chan error, 1)
	go func() {
		_, _, err := ex.CreateMarket(testAuthority, testConfig(), "create-1", t0)
		created <- err
	}()

	names := make(chan []string, 1)
	go func() {
		// Give the create time to park on the persist channel
		time.Sleep(50 * time.Millisecond)
		names <- ex.Markets()
	}()

	select {
	case got := <-names:
		if len(got) != 0 {
			t.Errorf("uncommitted market listed: %v", got)
		}
	case <-time.After(2 * time.Second):
		<-persist
		t.Fatal("Markets blocked behind a stalled create")
	}

	out := <-persist
	if out.Envelope.Sequence != 1 {
		t.Errorf("sequence: got %d, want 1", out.Envelope.Sequence)
	}

	// The name is either still reserved or already registered
	if _, _, err := ex.CreateMarket(testAuthority, testConfig(), "create-2", t0); !errors.Is(err, core.ErrMarketExists) {
		t.Errorf("create of a taken name: got %v, want MarketExists", err)
	}
	if err := <-created; err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	if _, err := ex.Market(testMarket); err != nil {
		t.Errorf("market not registered after commit: %v", err)
	}
}

func TestCreateMarket_AppliesDefaults(t *testing.T) {
	cfg := testConfig()
	cfg.OpenFeeBps, cfg.LiquidationFeeBps = 0, 0
	cfg.BaseLiquidity = 0
	_, m, _ := newMarket(t, cfg)

	got := m.Config()
	if got.OpenFeeBps != state.DefaultOpenFeeBps || got.LiquidationFeeBps != state.DefaultLiquidationFeeBps {
		t.Errorf("fees: got %d/%d", got.OpenFeeBps, got.LiquidationFeeBps)
	}
	if got.BaseLiquidity != 10_000 {
		t.Errorf("base liquidity: got %d, want max_position_size/10", got.BaseLiquidity)
	}
}

func TestUpdateMarketConfig(t *testing.T) {
	ex, m, _ := newMarket(t, testConfig())
	open(t, m, uuid.New(), event.SideLong, 3000, 5, 100, t0)

	next := testConfig()
	next.MaxLeverage = 10
	if _, err := ex.UpdateMarketConfig("intruder", next, "u-1", t0); !errors.Is(err, core.ErrUnauthorized) {
		t.Errorf("foreign authority: got %v", err)
	}

	shrunk := testConfig()
	shrunk.MaxPositionSize = 2000
	if _, err := ex.UpdateMarketConfig(testAuthority, shrunk, "u-2", t0); !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("below open interest: got %v", err)
	}

	renamed := testConfig()
	renamed.Name = "OTHER"
	if _, err := m.UpdateConfig(testAuthority, renamed, "u-3", t0); !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("rename: got %v", err)
	}

	if _, err := ex.UpdateMarketConfig(testAuthority, next, "u-4", t0); err != nil {
		t.Fatalf("UpdateMarketConfig: %v", err)
	}
	_, err := m.PlaceOrder(core.OrderRequest{Owner: uuid.New(), Side: event.SideShort, Size: 100, Leverage: 15}, quoteAt(100, t0), t0)
	if !errors.Is(err, core.ErrLeverageExceeded) {
		t.Errorf("new leverage cap not enforced: got %v", err)
	}
}

func TestSetPaused(t *testing.T) {
	ex, m, _ := newMarket(t, testConfig())
	trader := uuid.New()
	pos := open(t, m, trader, event.SideLong, 1000, 5, 100, t0)

	if _, err := ex.SetPaused(testAuthority, testMarket, true, "p-1", t0); err != nil {
		t.Fatalf("SetPaused: %v", err)
	}
	_, err := m.PlaceOrder(core.OrderRequest{Owner: trader, Side: event.SideLong, Size: 5, Leverage: 5}, quoteAt(100, t0), t0)
	if !errors.Is(err, core.ErrMarketPaused) {
		t.Errorf("paused market: got %v, want MarketPaused before size check", err)
	}

	// Closes continue while paused
	if _, err := m.ClosePosition(core.CloseRequest{ID: pos.PositionID, Side: event.SideLong, Owner: trader}, quoteAt(100, t0), t0); err != nil {
		t.Errorf("close while paused: %v", err)
	}

	if out, err := ex.SetPaused(testAuthority, testMarket, true, "p-2", t0); err != nil || out != nil {
		t.Errorf("repeat pause should be a no-op, got out=%v err=%v", out, err)
	}
	if _, err := ex.SetPaused(testAuthority, testMarket, false, "p-3", t0); err != nil {
		t.Fatalf("resume: %v", err)
	}
	open(t, m, trader, event.SideLong, 100, 5, 100, t0)
}
