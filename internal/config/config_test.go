package config_test

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"MemePerp/internal/config"
)

func repoFile(parts ...string) string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(append([]string{filepath.Dir(file), "..", ".."}, parts...)...)
}

// ============================================================================
// Service config
// ============================================================================

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.GRPCAddr != ":9090" {
		t.Errorf("addrs: got %s/%s", cfg.HTTPAddr, cfg.GRPCAddr)
	}
	if cfg.PriceSource != config.PriceSourceFeed {
		t.Errorf("price source: got %s, want feed", cfg.PriceSource)
	}
	if cfg.KeeperInterval != time.Second {
		t.Errorf("keeper interval: got %s, want 1s", cfg.KeeperInterval)
	}
	if cfg.PersistBatchSize != 256 {
		t.Errorf("batch size: got %d, want 256", cfg.PersistBatchSize)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memeperp.yaml")
	if err := os.WriteFile(path, []byte("http_addr: \":7000\"\nkeeper_interval: 250ms\nprice_decimals: 6\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PERP_HTTP_ADDR", ":7777")
	t.Setenv("PERP_INSURANCE_SEED", "5000")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":7777" {
		t.Errorf("http addr: got %s, want :7777", cfg.HTTPAddr)
	}
	if cfg.KeeperInterval != 250*time.Millisecond {
		t.Errorf("keeper interval: got %s, want 250ms", cfg.KeeperInterval)
	}
	if cfg.PriceDecimals != 6 {
		t.Errorf("price decimals: got %d, want 6", cfg.PriceDecimals)
	}
	if cfg.InsuranceSeed != 5000 {
		t.Errorf("insurance seed: got %d, want 5000", cfg.InsuranceSeed)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	t.Setenv("PERP_PRICE_SOURCE", "carrier-pigeon")
	t.Setenv("PERP_PERSIST_BATCH_SIZE", "0")
	t.Setenv("PERP_KEEPER_INTERVAL", "-1s")

	_, err := config.Load("")
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"price_source", "persist_batch_size", "keeper_interval"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

// ============================================================================
// Market seeds
// ============================================================================

func TestLoadMarkets_ExampleFile(t *testing.T) {
	seeds, err := config.LoadMarkets(repoFile("configs", "markets.example.yaml"))
	if err != nil {
		t.Fatalf("LoadMarkets: %v", err)
	}
	if len(seeds) != 2 {
		t.Fatalf("seeds: got %d, want 2", len(seeds))
	}

	pepe := seeds[0]
	if pepe.Name != "PEPE-PERP" || pepe.Authority != "admin-1" {
		t.Errorf("unexpected seed %+v", pepe)
	}
	if pepe.FundingSensitivityBps != 10_000 {
		t.Errorf("sensitivity: got %d, want 10000", pepe.FundingSensitivityBps)
	}
	if pepe.MaxPriceChangeBps != 5000 {
		t.Errorf("max price change: got %d, want 5000", pepe.MaxPriceChangeBps)
	}

	// Defaults applied to omitted fields
	wif := seeds[1]
	if wif.FundingSensitivityBps != 5000 {
		t.Errorf("sensitivity: got %d, want 5000", wif.FundingSensitivityBps)
	}
	if wif.OpenFeeBps != 10 || wif.LiquidationFeeBps != 100 {
		t.Errorf("fees: got %d/%d, want 10/100", wif.OpenFeeBps, wif.LiquidationFeeBps)
	}
	if wif.BaseLiquidity != 1_000_000 {
		t.Errorf("base liquidity: got %d, want 1000000", wif.BaseLiquidity)
	}
}

func TestParseMarkets_Rejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing authority",
			yaml: "markets:\n  - name: A\n    min_base_order_size: 1\n    tick_size: 1\n    max_position_size: 10\n    max_leverage: 2\n    liquidation_threshold_bps: 9000\n    maintenance_margin_bps: 500\n    funding_interval_seconds: 60\n",
			want: "authority",
		},
		{
			name: "duplicate",
			yaml: "markets:\n  - name: A\n    authority: x\n    min_base_order_size: 1\n    tick_size: 1\n    max_position_size: 10\n    max_leverage: 2\n    liquidation_threshold_bps: 9000\n    maintenance_margin_bps: 500\n    funding_interval_seconds: 60\n  - name: A\n    authority: x\n    min_base_order_size: 1\n    tick_size: 1\n    max_position_size: 10\n    max_leverage: 2\n    liquidation_threshold_bps: 9000\n    maintenance_margin_bps: 500\n    funding_interval_seconds: 60\n",
			want: "defined twice",
		},
		{
			name: "bad sensitivity",
			yaml: "markets:\n  - name: A\n    authority: x\n    funding_sensitivity: \"abc\"\n",
			want: "funding",
		},
		{
			name: "invalid config",
			yaml: "markets:\n  - name: A\n    authority: x\n    tick_size: 0\n",
			want: "tick_size",
		},
		{
			name: "not yaml",
			yaml: "markets: [",
			want: "parse markets",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.ParseMarkets([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}
