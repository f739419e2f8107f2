// Package execution turns target positions into broker orders and tracks
// them to a terminal outcome.
package execution

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/rebalance-bot/internal/types"
)

const quantityPlaces = 6

// GetDiff returns target - current for every target symbol whose absolute
// delta exceeds threshold. Symbols held but absent from target are left alone.
func GetDiff(current, target types.Positions, threshold decimal.Decimal) types.Positions {
	trades := make(types.Positions)
	for symbol, want := range target {
		delta := want.Sub(current.Get(symbol))
		if delta.Abs().GreaterThan(threshold) {
			trades[symbol] = delta.Round(quantityPlaces)
		}
	}
	return trades
}

// GetUnbalanced reports residual deltas left after a run.
func GetUnbalanced(current, target types.Positions, threshold decimal.Decimal) types.Positions {
	return GetDiff(current, target, threshold)
}

// SplitLegs returns the signed order quantities that move current to target.
// A position that changes sign is flattened first and then entered.
func SplitLegs(current, target decimal.Decimal) []decimal.Decimal {
	if current.Sign()*target.Sign() < 0 {
		return []decimal.Decimal{current.Neg(), target}
	}
	delta := target.Sub(current).Round(quantityPlaces)
	if delta.IsZero() {
		return nil
	}
	return []decimal.Decimal{delta}
}

// SortedSymbols returns the keys of p in lexical order.
func SortedSymbols(p types.Positions) []string {
	out := make([]string, 0, len(p))
	for symbol := range p {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}
