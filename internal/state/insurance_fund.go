package state

import (
	"fmt"
	"sort"
	"sync"
)

// InsuranceFund absorbs bad debt reported by liquidations.
// The core only reports shortfalls and books them against each market's insurance
// account; the fund lives on the service side and decides how much of that is
// backed by capital. Safe for concurrent use.
type InsuranceFund struct {
	mu         sync.Mutex
	balance    int64
	covered    int64
	uncovered  int64
	deficitsBy map[string]int64 // market -> uncovered total
	absorbedBy map[string]int64 // market -> every shortfall reported, covered or not
}

func NewInsuranceFund(seed int64) *InsuranceFund {
	return &InsuranceFund{
		balance:    seed,
		deficitsBy: make(map[string]int64),
		absorbedBy: make(map[string]int64),
	}
}

// RestoreInsuranceFund rebuilds a fund from persisted stats
func RestoreInsuranceFund(stats InsuranceFundStats) *InsuranceFund {
	f := NewInsuranceFund(stats.Balance)
	f.covered = stats.TotalCovered
	f.uncovered = stats.TotalUncovered
	for k, v := range stats.UncoveredByMarket {
		f.deficitsBy[k] = v
	}
	for k, v := range stats.ShortfallByMarket {
		f.absorbedBy[k] = v
	}
	return f
}

// ComputeCoverage returns how much the fund can cover.
// If the fund is insufficient, returns the partial amount and the remaining deficit.
func ComputeCoverage(fundBalance int64, deficit int64) (covered int64, remaining int64) {
	if fundBalance <= 0 {
		return 0, deficit
	}
	if fundBalance >= deficit {
		return deficit, 0
	}
	return fundBalance, deficit - fundBalance
}

// Absorb covers a shortfall from the fund balance and records any residue per market.
func (f *InsuranceFund) Absorb(market string, shortfall int64) (covered int64, remaining int64, err error) {
	if shortfall < 0 {
		return 0, 0, fmt.Errorf("shortfall must be >= 0, got %d", shortfall)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	covered, remaining = f.absorbLocked(market, shortfall)
	return covered, remaining, nil
}

func (f *InsuranceFund) absorbLocked(market string, shortfall int64) (covered int64, remaining int64) {
	covered, remaining = ComputeCoverage(f.balance, shortfall)
	f.balance -= covered
	f.covered += covered
	f.absorbedBy[market] += shortfall
	if remaining > 0 {
		f.uncovered += remaining
		f.deficitsBy[market] += remaining
	}
	return covered, remaining
}

// Reconcile brings the fund in line with the shortfalls the markets have booked
// (booked: market -> total shortfall carried by its insurance account). Shortfalls
// the fund never saw, for example because the process stopped before they were
// recorded, are absorbed now in market name order. It returns the amount caught up
// per market. A fund that has absorbed more than a market booked is inconsistent
// with the ledger and is reported as an error without changes.
func (f *InsuranceFund) Reconcile(booked map[string]int64) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	markets := make([]string, 0, len(booked)+len(f.absorbedBy))
	seen := make(map[string]bool, len(booked))
	for m := range booked {
		markets = append(markets, m)
		seen[m] = true
	}
	for m := range f.absorbedBy {
		if !seen[m] {
			markets = append(markets, m)
		}
	}
	sort.Strings(markets)

	for _, m := range markets {
		if f.absorbedBy[m] > booked[m] {
			return nil, fmt.Errorf("market %s: fund absorbed %d but the ledger books %d", m, f.absorbedBy[m], booked[m])
		}
	}

	caught := make(map[string]int64)
	for _, m := range markets {
		if missing := booked[m] - f.absorbedBy[m]; missing > 0 {
			f.absorbLocked(m, missing)
			caught[m] = missing
		}
	}
	return caught, nil
}

// Deposit adds capital to the fund
func (f *InsuranceFund) Deposit(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit must be > 0, got %d", amount)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance += amount
	return nil
}

// InsuranceFundStats is a point-in-time view of the fund
type InsuranceFundStats struct {
	Balance           int64            `json:"balance"`
	TotalCovered      int64            `json:"total_covered"`
	TotalUncovered    int64            `json:"total_uncovered"`
	UncoveredByMarket map[string]int64 `json:"uncovered_by_market"`
	ShortfallByMarket map[string]int64 `json:"shortfall_by_market"`
}

func (f *InsuranceFund) Stats() InsuranceFundStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	by := make(map[string]int64, len(f.deficitsBy))
	for k, v := range f.deficitsBy {
		by[k] = v
	}
	absorbed := make(map[string]int64, len(f.absorbedBy))
	for k, v := range f.absorbedBy {
		absorbed[k] = v
	}
	return InsuranceFundStats{
		Balance:           f.balance,
		TotalCovered:      f.covered,
		TotalUncovered:    f.uncovered,
		UncoveredByMarket: by,
		ShortfallByMarket: absorbed,
	}
}
