package config

import (
	"errors"
	"fmt"
	"os"

	"MemePerp/internal/state"

	"gopkg.in/yaml.v3"
)

// MarketSeed is one market definition from the seed file
type MarketSeed struct {
	Authority          string `yaml:"authority"`
	FundingSensitivity string `yaml:"funding_sensitivity"` // Decimal k, e.g. "0.5"; overrides funding_sensitivity_bps

	state.MarketConfig `yaml:",inline"`
}

type marketsFile struct {
	Markets []MarketSeed `yaml:"markets"`
}

// LoadMarkets reads the market seed file
func LoadMarkets(path string) ([]MarketSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	seeds, err := ParseMarkets(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return seeds, nil
}

// ParseMarkets decodes and validates seed definitions. Defaults are applied, so the
// returned configs are exactly what the exchange will store.
func ParseMarkets(data []byte) ([]MarketSeed, error) {
	var f marketsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse markets: %w", err)
	}

	var errs []error
	seen := make(map[string]bool, len(f.Markets))
	for i := range f.Markets {
		seed := &f.Markets[i]
		if seed.FundingSensitivity != "" {
			bps, err := state.ParseFundingSensitivity(seed.FundingSensitivity)
			if err != nil {
				errs = append(errs, fmt.Errorf("market %q: %w", seed.Name, err))
				continue
			}
			seed.FundingSensitivityBps = bps
		}
		if seed.Authority == "" {
			errs = append(errs, fmt.Errorf("market %q: authority is required", seed.Name))
		}
		if seen[seed.Name] {
			errs = append(errs, fmt.Errorf("market %q defined twice", seed.Name))
		}
		seen[seed.Name] = true

		seed.ApplyDefaults()
		if err := seed.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("market %q: %w", seed.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return f.Markets, nil
}
