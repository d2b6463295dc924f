package math_test

import (
	fpmath "MemePerp/internal/math"
	"testing"
)

// ============================================================================
// Test: liquidation triggers
// ============================================================================

func TestBelowMaintenance(t *testing.T) {
	tests := []struct {
		name                   string
		equity, notional, mmBp int64
		want                   bool
	}{
		{"healthy", 10_000, 100_000, 500, false},
		{"exactly at maintenance", 5_000, 100_000, 500, false},
		{"just below", 4_999, 100_000, 500, true},
		{"negative equity", -1, 100_000, 0, true},
		{"zero requirement", 0, 100_000, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fpmath.BelowMaintenance(tt.equity, tt.notional, tt.mmBp); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAdverseMoveBreached(t *testing.T) {
	tests := []struct {
		name                         string
		sign, entry, mark, threshold int64
		want                         bool
	}{
		// A 60% drop does not reach a 95% threshold
		{"long 60% drop vs 95%", 1, 100, 40, 9_500, false},
		{"long 95% drop", 1, 100, 5, 9_500, true},
		{"long favorable move", 1, 100, 1_000, 100, false},
		{"short rise at threshold", -1, 100, 150, 5_000, true},
		{"short rise below threshold", -1, 100, 149, 5_000, false},
		{"short favorable move", -1, 100, 1, 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fpmath.AdverseMoveBreached(tt.sign, tt.entry, tt.mark, tt.threshold); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRatioBps(t *testing.T) {
	got, err := fpmath.RatioBps(1_234, 10_000)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1_234 {
		t.Errorf("got %d, want 1234", got)
	}
	if got, _ := fpmath.RatioBps(-1, 3); got != -3_334 {
		t.Errorf("negative floors: got %d, want -3334", got)
	}
}

// ============================================================================
// Test: liquidity
// ============================================================================

func TestMaxAdmissibleSize(t *testing.T) {
	tests := []struct {
		name                                string
		same, counter, base, fraction, want int64
	}{
		// depth = 0 + 100; no excess: 100 * 5000 / 10000
		{"empty book", 0, 0, 100, 5_000, 50},
		// depth = 400; balanced: half of depth
		{"balanced", 300, 300, 100, 5_000, 200},
		// depth = 200, excess = 800: 200*5000*200 / (10000*1000)
		{"crowded side", 900, 100, 100, 5_000, 20},
		// the lighter side is not penalized
		{"light side", 100, 900, 100, 10_000, 1_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fpmath.MaxAdmissibleSize(tt.same, tt.counter, tt.base, tt.fraction)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

// ============================================================================
// Test: liquidation price
// ============================================================================

func TestLiquidationPrice_Long(t *testing.T) {
	// margin boundary 800_000_000 / 9_500_000 = 84.21 -> highest triggering price 84
	got, err := fpmath.LiquidationPrice(1, 1_000, 100, 20_000, 0, 500, 9_500)
	if err != nil {
		t.Fatal(err)
	}
	if got != 84 {
		t.Fatalf("got %d, want 84", got)
	}

	// Consistency with the trigger at and just above the reported price
	equityAt := func(p int64) int64 { return 20_000 + 1_000*(p-100) }
	if !fpmath.BelowMaintenance(equityAt(84), 1_000*84, 500) {
		t.Error("reported price should trigger")
	}
	if fpmath.BelowMaintenance(equityAt(85), 1_000*85, 500) {
		t.Error("one tick above should not trigger")
	}
}

func TestLiquidationPrice_LongThresholdNearer(t *testing.T) {
	// Tiny leverage: margin boundary far below, 10% threshold wins
	got, err := fpmath.LiquidationPrice(1, 10, 1_000, 10_000, 0, 100, 1_000)
	if err != nil {
		t.Fatal(err)
	}
	if got != 900 {
		t.Errorf("got %d, want 900", got)
	}
}

func TestLiquidationPrice_Short(t *testing.T) {
	// boundary (20000 + 100000)*1e4 / (1000*10500) = 114.28 -> lowest triggering price 115
	got, err := fpmath.LiquidationPrice(-1, 1_000, 100, 20_000, 0, 500, 9_500)
	if err != nil {
		t.Fatal(err)
	}
	if got != 115 {
		t.Fatalf("got %d, want 115", got)
	}

	equityAt := func(p int64) int64 { return 20_000 - 1_000*(p-100) }
	if !fpmath.BelowMaintenance(equityAt(115), 1_000*115, 500) {
		t.Error("reported price should trigger")
	}
	if fpmath.BelowMaintenance(equityAt(114), 1_000*114, 500) {
		t.Error("one tick below should not trigger")
	}
}

func TestLiquidationPrice_ExhaustedMargin(t *testing.T) {
	got, err := fpmath.LiquidationPrice(1, 10, 100, 50, -60, 500, 9_000)
	if err != nil {
		t.Fatal(err)
	}
	if got != 100 {
		t.Errorf("got %d, want entry price 100", got)
	}
}
