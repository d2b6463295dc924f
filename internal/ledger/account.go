package ledger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeTrader AccountScope = iota
	AccountScopePosition
	AccountScopeMarket
	AccountScopeSystem
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Trader sub-types
	SubTypeWallet AccountSubType = iota

	// Position sub-types
	SubTypeMargin

	// Market sub-types
	SubTypePnLPool

	// System sub-types
	SubTypeFeeSink
	SubTypeInsurance
	SubTypeFundingPool
)

// AccountKey is the in-memory key for balance tracking.
// Entity is the trader uuid for wallets and the decimal position id for margins.
type AccountKey struct {
	Scope   AccountScope
	SubType AccountSubType
	Market  string
	Entity  string
}

// NewWalletKey is the trader's custody boundary: collateral enters and leaves the core here
func NewWalletKey(owner uuid.UUID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeTrader,
		SubType: SubTypeWallet,
		Entity:  owner.String(),
	}
}

// NewMarginKey holds one position's collateral plus accumulated funding
func NewMarginKey(market string, positionID uint64) AccountKey {
	return AccountKey{
		Scope:   AccountScopePosition,
		SubType: SubTypeMargin,
		Market:  market,
		Entity:  strconv.FormatUint(positionID, 10),
	}
}

// NewPnLPoolKey is the market's counterparty for realized profit and loss
func NewPnLPoolKey(market string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeMarket,
		SubType: SubTypePnLPool,
		Market:  market,
	}
}

// NewSystemAccountKey creates a key for per-market system accounts
func NewSystemAccountKey(market string, subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		Market:  market,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeTrader:
		return fmt.Sprintf("trader:%s:%s", k.Entity, k.subTypeName())
	case AccountScopePosition:
		return fmt.Sprintf("position:%s:%s:%s", k.Market, k.Entity, k.subTypeName())
	case AccountScopeMarket:
		return fmt.Sprintf("market:%s:%s", k.Market, k.subTypeName())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.Market, k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) String() string {
	return k.AccountPath()
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeMargin:
		return "margin"
	case SubTypePnLPool:
		return "pnl_pool"
	case SubTypeFeeSink:
		return "fee_sink"
	case SubTypeInsurance:
		return "insurance"
	case SubTypeFundingPool:
		return "funding_pool"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	switch {
	case len(parts) == 3 && parts[0] == "trader" && parts[2] == "wallet":
		owner, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account %q: %w", path, err)
		}
		return NewWalletKey(owner), nil
	case len(parts) == 4 && parts[0] == "position" && parts[3] == "margin":
		id, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return AccountKey{}, fmt.Errorf("account %q: %w", path, err)
		}
		return NewMarginKey(parts[1], id), nil
	case len(parts) == 3 && parts[0] == "market" && parts[2] == "pnl_pool":
		return NewPnLPoolKey(parts[1]), nil
	case len(parts) == 3 && parts[0] == "system":
		switch parts[2] {
		case "fee_sink":
			return NewSystemAccountKey(parts[1], SubTypeFeeSink), nil
		case "insurance":
			return NewSystemAccountKey(parts[1], SubTypeInsurance), nil
		case "funding_pool":
			return NewSystemAccountKey(parts[1], SubTypeFundingPool), nil
		}
	}
	return AccountKey{}, fmt.Errorf("unrecognized account path %q", path)
}
