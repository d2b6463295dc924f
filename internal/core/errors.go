package core

import (
	"errors"
	"fmt"

	fpmath "MemePerp/internal/math"
)

// ErrorKind classifies a rejected operation
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindOrderTooSmall
	KindInvalidTick
	KindLeverageExceeded
	KindPositionSizeExceeded
	KindInsufficientLiquidity
	KindStalePrice
	KindInsufficientCollateral
	KindPositionNotFound
	KindInvalidConfig
	KindOverflow
	KindMarketNotFound
	KindMarketExists
	KindMarketPaused
	KindUnauthorized
	KindInvalidRequest
)

var kindNames = map[ErrorKind]string{
	KindUnknown:                "Unknown",
	KindOrderTooSmall:          "OrderTooSmall",
	KindInvalidTick:            "InvalidTick",
	KindLeverageExceeded:       "LeverageExceeded",
	KindPositionSizeExceeded:   "PositionSizeExceeded",
	KindInsufficientLiquidity:  "InsufficientLiquidity",
	KindStalePrice:             "StalePrice",
	KindInsufficientCollateral: "InsufficientCollateral",
	KindPositionNotFound:       "PositionNotFound",
	KindInvalidConfig:          "InvalidConfig",
	KindOverflow:               "Overflow",
	KindMarketNotFound:         "MarketNotFound",
	KindMarketExists:           "MarketExists",
	KindMarketPaused:           "MarketPaused",
	KindUnauthorized:           "Unauthorized",
	KindInvalidRequest:         "InvalidRequest",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// Error is a typed rejection. Two errors match under errors.Is when their kinds match,
// so callers compare against the sentinels below.
type Error struct {
	Kind   ErrorKind
	Market string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Market != "" {
		msg += " [" + e.Market + "]"
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrOrderTooSmall          = &Error{Kind: KindOrderTooSmall}
	ErrInvalidTick            = &Error{Kind: KindInvalidTick}
	ErrLeverageExceeded       = &Error{Kind: KindLeverageExceeded}
	ErrPositionSizeExceeded   = &Error{Kind: KindPositionSizeExceeded}
	ErrInsufficientLiquidity  = &Error{Kind: KindInsufficientLiquidity}
	ErrStalePrice             = &Error{Kind: KindStalePrice}
	ErrInsufficientCollateral = &Error{Kind: KindInsufficientCollateral}
	ErrPositionNotFound       = &Error{Kind: KindPositionNotFound}
	ErrInvalidConfig          = &Error{Kind: KindInvalidConfig}
	ErrOverflow               = &Error{Kind: KindOverflow}
	ErrMarketNotFound         = &Error{Kind: KindMarketNotFound}
	ErrMarketExists           = &Error{Kind: KindMarketExists}
	ErrMarketPaused           = &Error{Kind: KindMarketPaused}
	ErrUnauthorized           = &Error{Kind: KindUnauthorized}
	ErrInvalidRequest         = &Error{Kind: KindInvalidRequest}
)

func newError(kind ErrorKind, market string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Market: market, Msg: fmt.Sprintf(format, args...)}
}

// wrapMath converts a fixed-point failure into a typed error
func wrapMath(market, op string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindInvalidConfig
	if errors.Is(err, fpmath.ErrOverflow) {
		kind = KindOverflow
	}
	return &Error{Kind: kind, Market: market, Msg: op, Err: err}
}

// wrapQuote converts an oracle validation failure into StalePrice: no decision is
// taken on a quote the market cannot trust
func wrapQuote(market string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindStalePrice, Market: market, Err: err}
}

// KindOf returns the kind of a typed error anywhere in err's chain
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
