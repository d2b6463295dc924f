package ledger

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// SetBalance overwrites a balance (snapshot restore)
func (bt *BalanceTracker) SetBalance(key AccountKey, amount int64) {
	if amount == 0 {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = amount
}

// === Convenience Queries ===

// WalletBalance is the net amount a trader has moved into (negative) or out of the core
func (bt *BalanceTracker) WalletBalance(owner uuid.UUID) int64 {
	return bt.GetBalance(NewWalletKey(owner))
}

func (bt *BalanceTracker) MarginBalance(market string, positionID uint64) int64 {
	return bt.GetBalance(NewMarginKey(market, positionID))
}

func (bt *BalanceTracker) FeeSinkBalance(market string) int64 {
	return bt.GetBalance(NewSystemAccountKey(market, SubTypeFeeSink))
}

func (bt *BalanceTracker) InsuranceBalance(market string) int64 {
	return bt.GetBalance(NewSystemAccountKey(market, SubTypeInsurance))
}

func (bt *BalanceTracker) PnLPoolBalance(market string) int64 {
	return bt.GetBalance(NewPnLPoolKey(market))
}

// === Invariant Checks ===

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() int64 {
	var total int64
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		if v != 0 {
			snapshot[k] = v
		}
	}
	return snapshot
}

// SortedPaths returns non-zero balances keyed by account path, in path order
func (bt *BalanceTracker) SortedPaths() ([]string, map[string]int64) {
	byPath := make(map[string]int64, len(bt.balances))
	paths := make([]string, 0, len(bt.balances))
	for k, v := range bt.balances {
		if v == 0 {
			continue
		}
		p := k.AccountPath()
		byPath[p] = v
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, byPath
}
