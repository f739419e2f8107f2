package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the rebalance system.
var (
	// Quote errors
	ErrInvalidQuote = errors.New("invalid quote")
	ErrZeroMid      = errors.New("quote midpoint is zero")

	// Order errors
	ErrDuplicateOrder   = errors.New("duplicate order id")
	ErrInvalidOrderSize = errors.New("invalid order size")

	// State errors
	ErrPositionMismatch = errors.New("position mismatch with broker")
	ErrRunNotFound      = errors.New("run not found")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInvalidSymbol = errors.New("invalid symbol")
	ErrInvalidTarget = errors.New("invalid target positions")
)

// QuoteError describes why a quote cannot be used for pricing.
type QuoteError struct {
	Symbol string
	Reason string
}

func (e *QuoteError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("invalid quote: %s", e.Reason)
	}
	return fmt.Sprintf("invalid quote for %s: %s", e.Symbol, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidQuote.
func (e *QuoteError) Unwrap() error {
	return ErrInvalidQuote
}
