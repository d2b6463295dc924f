package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeMarginPost JournalType = iota
	JournalTypeOpenFee
	JournalTypeFundingPayment
	JournalTypeFundingReceipt
	JournalTypeFundingResidue
	JournalTypeRealizedPnL
	JournalTypeCloseFee
	JournalTypeLiquidationFee
	JournalTypeInsuranceCover
	JournalTypePayout
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeMarginPost:
		return "margin_post"
	case JournalTypeOpenFee:
		return "open_fee"
	case JournalTypeFundingPayment:
		return "funding_payment"
	case JournalTypeFundingReceipt:
		return "funding_receipt"
	case JournalTypeFundingResidue:
		return "funding_residue"
	case JournalTypeRealizedPnL:
		return "realized_pnl"
	case JournalTypeCloseFee:
		return "close_fee"
	case JournalTypeLiquidationFee:
		return "liquidation_fee"
	case JournalTypeInsuranceCover:
		return "insurance_cover"
	case JournalTypePayout:
		return "payout"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Market event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Market    string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal entry moves a single positive amount from credit account to debit
// account, so every entry is balanced by construction. An empty batch is valid: a
// funding interval with no counterparty posts nothing.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		// No self-transfers
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}

// NetChange returns the signed balance change each account sees from this batch
func (b *Batch) NetChange() map[AccountKey]int64 {
	out := make(map[AccountKey]int64)
	for _, j := range b.Journals {
		out[j.DebitAccount] += j.Amount
		out[j.CreditAccount] -= j.Amount
	}
	return out
}
