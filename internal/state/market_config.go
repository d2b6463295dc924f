package state

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketConfig defines the risk parameters of one market.
// Prices and sizes are raw integer units; bps values use scale 10_000.
type MarketConfig struct {
	Name                    string `json:"name" yaml:"name"`
	MinBaseOrderSize        int64  `json:"min_base_order_size" yaml:"min_base_order_size"`
	TickSize                int64  `json:"tick_size" yaml:"tick_size"`
	MaxPositionSize         int64  `json:"max_position_size" yaml:"max_position_size"` // Per side, aggregated over all traders
	MaxLeverage             int64  `json:"max_leverage" yaml:"max_leverage"`
	LiquidationThresholdBps int64  `json:"liquidation_threshold_bps" yaml:"liquidation_threshold_bps"`
	MaintenanceMarginBps    int64  `json:"maintenance_margin_bps" yaml:"maintenance_margin_bps"`
	FundingIntervalSeconds  int64  `json:"funding_interval_seconds" yaml:"funding_interval_seconds"`

	OpenFeeBps            int64 `json:"open_fee_bps" yaml:"open_fee_bps"`
	LiquidationFeeBps     int64 `json:"liquidation_fee_bps" yaml:"liquidation_fee_bps"`
	FundingSensitivityBps int64 `json:"funding_sensitivity_bps" yaml:"funding_sensitivity_bps"` // k * 10_000
	LiquidityFractionBps  int64 `json:"liquidity_fraction_bps" yaml:"liquidity_fraction_bps"`
	BaseLiquidity         int64 `json:"base_liquidity" yaml:"base_liquidity"` // Virtual depth on each side
	MaxPriceAgeSeconds    int64 `json:"max_price_age_seconds" yaml:"max_price_age_seconds"`
	MaxPriceChangeBps     int64 `json:"max_price_change_bps" yaml:"max_price_change_bps"` // 0 disables the jump guard
}

const (
	DefaultOpenFeeBps            int64 = 10 // 0.1%
	DefaultLiquidationFeeBps     int64 = 100
	DefaultFundingSensitivityBps int64 = 10_000
	DefaultLiquidityFractionBps  int64 = 5_000
	DefaultMaxPriceAgeSeconds    int64 = 60

	maxMarketNameLen = 32

	// MaxDurationSeconds is the largest second count a time.Duration can hold
	MaxDurationSeconds = math.MaxInt64 / int64(time.Second)
)

// ApplyDefaults fills zero-valued extended fields. Fee fields are only defaulted
// when both are zero so that an explicit zero-fee market stays zero-fee.
func (c *MarketConfig) ApplyDefaults() {
	if c.OpenFeeBps == 0 && c.LiquidationFeeBps == 0 {
		c.OpenFeeBps = DefaultOpenFeeBps
		c.LiquidationFeeBps = DefaultLiquidationFeeBps
	}
	if c.FundingSensitivityBps == 0 {
		c.FundingSensitivityBps = DefaultFundingSensitivityBps
	}
	if c.LiquidityFractionBps == 0 {
		c.LiquidityFractionBps = DefaultLiquidityFractionBps
	}
	if c.BaseLiquidity == 0 {
		c.BaseLiquidity = c.MaxPositionSize / 10
		if c.BaseLiquidity < c.MinBaseOrderSize {
			c.BaseLiquidity = c.MinBaseOrderSize
		}
	}
	if c.MaxPriceAgeSeconds == 0 {
		c.MaxPriceAgeSeconds = DefaultMaxPriceAgeSeconds
	}
}

// Validate checks every field and reports all violations at once.
func (c *MarketConfig) Validate() error {
	var errs []error

	name := strings.TrimSpace(c.Name)
	if name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	} else if len(name) > maxMarketNameLen || strings.ContainsAny(name, " .*>") {
		errs = append(errs, fmt.Errorf("name %q must be at most %d chars without spaces, dots or wildcards", c.Name, maxMarketNameLen))
	}
	if c.MinBaseOrderSize <= 0 {
		errs = append(errs, fmt.Errorf("min_base_order_size must be > 0, got %d", c.MinBaseOrderSize))
	}
	if c.TickSize <= 0 {
		errs = append(errs, fmt.Errorf("tick_size must be > 0, got %d", c.TickSize))
	}
	if c.MaxPositionSize <= 0 {
		errs = append(errs, fmt.Errorf("max_position_size must be > 0, got %d", c.MaxPositionSize))
	}
	if c.MinBaseOrderSize > c.MaxPositionSize {
		errs = append(errs, fmt.Errorf("min_base_order_size (%d) must be <= max_position_size (%d)", c.MinBaseOrderSize, c.MaxPositionSize))
	}
	if c.MaxLeverage < 1 {
		errs = append(errs, fmt.Errorf("max_leverage must be >= 1, got %d", c.MaxLeverage))
	}
	if c.MaintenanceMarginBps < 0 || c.MaintenanceMarginBps > 10_000 {
		errs = append(errs, fmt.Errorf("maintenance_margin_bps must be in [0, 10000], got %d", c.MaintenanceMarginBps))
	}
	if c.LiquidationThresholdBps > 10_000 {
		errs = append(errs, fmt.Errorf("liquidation_threshold_bps must be <= 10000, got %d", c.LiquidationThresholdBps))
	}
	if c.MaintenanceMarginBps >= c.LiquidationThresholdBps {
		errs = append(errs, fmt.Errorf("maintenance_margin_bps (%d) must be < liquidation_threshold_bps (%d)",
			c.MaintenanceMarginBps, c.LiquidationThresholdBps))
	}
	if c.FundingIntervalSeconds <= 0 || c.FundingIntervalSeconds > MaxDurationSeconds {
		errs = append(errs, fmt.Errorf("funding_interval_seconds must be in (0, %d], got %d", MaxDurationSeconds, c.FundingIntervalSeconds))
	}
	if c.OpenFeeBps < 0 || c.OpenFeeBps > 10_000 {
		errs = append(errs, fmt.Errorf("open_fee_bps must be in [0, 10000], got %d", c.OpenFeeBps))
	}
	if c.LiquidationFeeBps < 0 || c.LiquidationFeeBps > 10_000 {
		errs = append(errs, fmt.Errorf("liquidation_fee_bps must be in [0, 10000], got %d", c.LiquidationFeeBps))
	}
	if c.FundingSensitivityBps <= 0 {
		errs = append(errs, fmt.Errorf("funding_sensitivity_bps must be > 0, got %d", c.FundingSensitivityBps))
	}
	if c.LiquidityFractionBps <= 0 || c.LiquidityFractionBps > 10_000 {
		errs = append(errs, fmt.Errorf("liquidity_fraction_bps must be in (0, 10000], got %d", c.LiquidityFractionBps))
	}
	if c.BaseLiquidity <= 0 {
		errs = append(errs, fmt.Errorf("base_liquidity must be > 0, got %d", c.BaseLiquidity))
	}
	if c.MaxPriceAgeSeconds <= 0 || c.MaxPriceAgeSeconds > MaxDurationSeconds {
		errs = append(errs, fmt.Errorf("max_price_age_seconds must be in (0, %d], got %d", MaxDurationSeconds, c.MaxPriceAgeSeconds))
	}
	if c.MaxPriceChangeBps < 0 {
		errs = append(errs, fmt.Errorf("max_price_change_bps must be >= 0, got %d", c.MaxPriceChangeBps))
	}

	return errors.Join(errs...)
}

// CanonicalBytes returns deterministic serialization for hashing
func (c *MarketConfig) CanonicalBytes() []byte {
	buf := make([]byte, 0, 1+len(c.Name)+14*8)
	buf = append(buf, byte(len(c.Name)))
	buf = append(buf, c.Name...)
	for _, v := range []int64{
		c.MinBaseOrderSize,
		c.TickSize,
		c.MaxPositionSize,
		c.MaxLeverage,
		c.LiquidationThresholdBps,
		c.MaintenanceMarginBps,
		c.FundingIntervalSeconds,
		c.OpenFeeBps,
		c.LiquidationFeeBps,
		c.FundingSensitivityBps,
		c.LiquidityFractionBps,
		c.BaseLiquidity,
		c.MaxPriceAgeSeconds,
		c.MaxPriceChangeBps,
	} {
		buf = appendInt64LE(buf, v)
	}
	return buf
}

// MaxPriceAge returns MaxPriceAgeSeconds as a duration
func (c *MarketConfig) MaxPriceAge() time.Duration {
	return SecondsDuration(c.MaxPriceAgeSeconds)
}

// SecondsDuration converts whole seconds to a duration, saturating instead of wrapping
func SecondsDuration(seconds int64) time.Duration {
	switch {
	case seconds > MaxDurationSeconds:
		return time.Duration(math.MaxInt64)
	case seconds < -MaxDurationSeconds:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(seconds) * time.Second
}

// ParseFundingSensitivity converts a decimal k ("1.0", "0.25") into FundingSensitivityBps.
// Precision beyond a basis point is rejected rather than rounded.
func ParseFundingSensitivity(s string) (int64, error) {
	k, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("funding sensitivity %q: %w", s, err)
	}
	bps := k.Shift(4)
	if !bps.IsInteger() {
		return 0, fmt.Errorf("funding sensitivity %q is finer than 1 bps", s)
	}
	if !bps.IsPositive() || bps.GreaterThan(decimal.NewFromInt(1_000_000)) {
		return 0, fmt.Errorf("funding sensitivity %q must be in (0, 100]", s)
	}
	return bps.IntPart(), nil
}
