// Package types defines shared types used across the rebalance system.
package types

import (
	"github.com/shopspring/decimal"
)

// Side represents the direction of an order.
type Side int

const (
	SideNone Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "NONE"
	}
}

// Sign returns +1 for buys, -1 for sells and 0 otherwise.
func (s Side) Sign() int64 {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	default:
		return 0
	}
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideNone
	}
}

// SideOf returns the order side that moves a position by qty.
func SideOf(qty decimal.Decimal) Side {
	switch qty.Sign() {
	case 1:
		return SideBuy
	case -1:
		return SideSell
	default:
		return SideNone
	}
}

// ParseSide parses BUY/SELL (case-sensitive, broker wire form).
func ParseSide(s string) Side {
	switch s {
	case "BUY", "BOT", "buy":
		return SideBuy
	case "SELL", "SLD", "sell":
		return SideSell
	default:
		return SideNone
	}
}

// OrderStatus is the locally tracked outcome bucket of an order leg.
type OrderStatus int

const (
	OrderStatusPending OrderStatus = iota // not yet sent
	OrderStatusActive
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
	OrderStatusFailed
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "PENDING"
	case OrderStatusActive:
		return "ACTIVE"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusRejected:
		return "REJECTED"
	case OrderStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the order is in a terminal state.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// Positions maps symbol to signed share quantity.
type Positions map[string]decimal.Decimal

// Get returns the quantity for symbol, zero when absent.
func (p Positions) Get(symbol string) decimal.Decimal {
	if q, ok := p[symbol]; ok {
		return q
	}
	return decimal.Zero
}

// Clone returns a copy of p.
func (p Positions) Clone() Positions {
	out := make(Positions, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
