// Package oracle adapts external price feeds into quotes the core can consume.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStalePrice is returned for a quote that is too old or not marked fresh
	ErrStalePrice = errors.New("stale price")
	// ErrPriceJump is returned when a reading moves further than the market allows in one step
	ErrPriceJump = errors.New("price change exceeds limit")
	// ErrUnknownMarket is returned when no reading exists for a market
	ErrUnknownMarket = errors.New("no price for market")
	// ErrInvalidPrice is returned for non-positive prices
	ErrInvalidPrice = errors.New("price must be positive")
)

// Confidence grades a quote. Only Fresh quotes may drive state changes.
type Confidence int32

const (
	ConfidenceFresh Confidence = iota + 1
	ConfidenceStale
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceFresh:
		return "fresh"
	case ConfidenceStale:
		return "stale"
	default:
		return "unknown"
	}
}

func (c Confidence) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Confidence) UnmarshalText(text []byte) error {
	switch string(text) {
	case "fresh":
		*c = ConfidenceFresh
	case "stale":
		*c = ConfidenceStale
	default:
		return fmt.Errorf("invalid confidence %q", text)
	}
	return nil
}

// Quote is a mark price reading for one market
type Quote struct {
	Market     string     `json:"market"`
	Price      int64      `json:"price"`
	AsOf       time.Time  `json:"as_of"`
	Confidence Confidence `json:"confidence"`
	Interval   int64      `json:"interval"` // Source confidence interval in price units, 0 if unknown
	Sequence   int64      `json:"sequence"`
}

// Validate rejects quotes that are not Fresh or older than maxAge at now.
func (q Quote) Validate(now time.Time, maxAge time.Duration) error {
	if q.Confidence != ConfidenceFresh {
		return fmt.Errorf("%w: %s quote for %s", ErrStalePrice, q.Confidence, q.Market)
	}
	if q.Price <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPrice, q.Price)
	}
	if age := now.Sub(q.AsOf); age > maxAge {
		return fmt.Errorf("%w: quote for %s is %s old (max %s)", ErrStalePrice, q.Market, age, maxAge)
	}
	return nil
}

// Source provides the latest quote for a market
type Source interface {
	GetPrice(ctx context.Context, market string) (Quote, error)
}
