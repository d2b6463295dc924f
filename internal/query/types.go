package query

import "MemePerp/internal/projection"

// FundingHistoryResponse is a page of funding applications, newest first
type FundingHistoryResponse struct {
	Market       string                     `json:"market"`
	Entries      []projection.FundingRecord `json:"entries"`
	AsOfSequence int64                      `json:"as_of_sequence"`
}

// LiquidationHistoryResponse is a page of liquidations, newest first
type LiquidationHistoryResponse struct {
	Market       string                         `json:"market"`
	Entries      []projection.LiquidationRecord `json:"entries"`
	AsOfSequence int64                          `json:"as_of_sequence"`
}

// BalanceEntry is one projected account balance
type BalanceEntry struct {
	AccountPath  string `json:"account_path"`
	Balance      int64  `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	Market          string  `json:"market"`
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	Imbalance       int64   `json:"imbalance"` // Sum of projected balances, zero when healthy
}
