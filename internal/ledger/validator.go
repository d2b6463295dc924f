package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateFundingPoolZero verifies funding pool balance is zero after an application
func (v *InvariantValidator) ValidateFundingPoolZero(market string) error {
	key := NewSystemAccountKey(market, SubTypeFundingPool)
	balance := v.tracker.GetBalance(key)

	if balance != 0 {
		return fmt.Errorf("funding pool for %s has non-zero balance: %d", market, balance)
	}

	return nil
}

// ValidateMargin checks that a position's margin account equals collateral + funding
func (v *InvariantValidator) ValidateMargin(market string, positionID uint64, collateral, funding int64) error {
	got := v.tracker.MarginBalance(market, positionID)
	if got != collateral+funding {
		return fmt.Errorf("margin account for %s/%d is %d, want collateral %d + funding %d",
			market, positionID, got, collateral, funding)
	}
	return nil
}

// ValidateFeeSinkNonNegative checks the fee sink never pays out
func (v *InvariantValidator) ValidateFeeSinkNonNegative(market string) error {
	return v.tracker.ValidateNonNegative(NewSystemAccountKey(market, SubTypeFeeSink))
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}
