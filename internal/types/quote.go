package types

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMaxSpread is the widest percent spread (as a ratio) accepted when
// spread checking is enabled.
var DefaultMaxSpread = decimal.RequireFromString("0.05")

const (
	pricePlaces = 2
	greekPlaces = 3
)

var half = decimal.RequireFromString("0.5")

// Greeks holds option model values attached to a quote.
type Greeks struct {
	Delta    decimal.Decimal
	Gamma    decimal.Decimal
	Theta    decimal.Decimal
	Vega     decimal.Decimal
	IV       decimal.Decimal
	UndPrice decimal.Decimal
}

// Quote is an immutable bid/ask snapshot for one instrument.
type Quote struct {
	symbol      string
	bid         decimal.Decimal
	ask         decimal.Decimal
	timestamp   time.Time
	greeks      *Greeks
	checkSpread bool
	maxSpread   decimal.Decimal
}

// NewQuote creates a quote. It never fails; validity is checked on use.
func NewQuote(symbol string, bid, ask decimal.Decimal, ts time.Time) Quote {
	return Quote{
		symbol:    symbol,
		bid:       bid,
		ask:       ask,
		timestamp: ts,
		maxSpread: DefaultMaxSpread,
	}
}

// WithSpreadCheck returns a copy that rejects mids whose percent spread
// exceeds max. A zero max keeps DefaultMaxSpread.
func (q Quote) WithSpreadCheck(max decimal.Decimal) Quote {
	q.checkSpread = true
	if max.IsPositive() {
		q.maxSpread = max
	}
	return q
}

// WithGreeks returns a copy carrying option greeks.
func (q Quote) WithGreeks(g Greeks) Quote {
	q.greeks = &g
	return q
}

// Symbol returns the instrument symbol.
func (q Quote) Symbol() string { return q.symbol }

// RawBid returns the bid exactly as received.
func (q Quote) RawBid() decimal.Decimal { return q.bid }

// RawAsk returns the ask exactly as received.
func (q Quote) RawAsk() decimal.Decimal { return q.ask }

// SpreadChecked reports whether spread checking is enabled.
func (q Quote) SpreadChecked() bool { return q.checkSpread }

// Bid returns the bid rounded to cents.
func (q Quote) Bid() (decimal.Decimal, error) {
	if !q.bid.IsPositive() {
		return decimal.Zero, q.errorf("bid is invalid: " + q.bid.String())
	}
	return q.bid.Round(pricePlaces), nil
}

// Ask returns the ask rounded to cents.
func (q Quote) Ask() (decimal.Decimal, error) {
	if !q.ask.IsPositive() {
		return decimal.Zero, q.errorf("ask is invalid: " + q.ask.String())
	}
	return q.ask.Round(pricePlaces), nil
}

// Timestamp returns the quote time.
func (q Quote) Timestamp() (time.Time, error) {
	if q.timestamp.IsZero() {
		return time.Time{}, q.errorf("timestamp is missing")
	}
	return q.timestamp, nil
}

// Erroneous reports whether the quote violates ask >= bid > 0.
func (q Quote) Erroneous() bool {
	return !(q.bid.IsPositive() && q.ask.GreaterThanOrEqual(q.bid))
}

// Spread returns ask - bid on the rounded prices.
func (q Quote) Spread() (decimal.Decimal, error) {
	bid, err := q.Bid()
	if err != nil {
		return decimal.Zero, err
	}
	ask, err := q.Ask()
	if err != nil {
		return decimal.Zero, err
	}
	spread := ask.Sub(bid)
	if spread.IsNegative() {
		return decimal.Zero, q.errorf("spread is negative: bid=" + bid.String() + " ask=" + ask.String())
	}
	return spread, nil
}

// Price returns bid + spread*pct rounded to cents. pct above 1 yields the ask.
func (q Quote) Price(pct decimal.Decimal) (decimal.Decimal, error) {
	if q.Erroneous() {
		return decimal.Zero, q.errorf("quote is erroneous: bid=" + q.bid.String() + " ask=" + q.ask.String())
	}
	if pct.IsNegative() {
		return decimal.Zero, q.errorf("percentage must be non negative: " + pct.String())
	}
	if pct.GreaterThan(decimal.NewFromInt(1)) {
		slog.Default().Warn("percentage above 1, using ask", "symbol", q.symbol, "pct", pct.String())
		return q.Ask()
	}

	bid, err := q.Bid()
	if err != nil {
		return decimal.Zero, err
	}
	spread, err := q.Spread()
	if err != nil {
		return decimal.Zero, err
	}

	price := bid.Add(spread.Mul(pct)).Round(pricePlaces)
	if !price.IsPositive() {
		return decimal.Zero, q.errorf("price is not positive: " + price.String())
	}
	return price, nil
}

// Mid returns the midpoint, enforcing the spread limit when enabled.
func (q Quote) Mid() (decimal.Decimal, error) {
	mid, err := q.Price(half)
	if err != nil {
		return decimal.Zero, err
	}
	if q.checkSpread {
		spread, err := q.Spread()
		if err != nil {
			return decimal.Zero, err
		}
		pct := spread.Div(mid).Round(3)
		if pct.GreaterThan(q.maxSpread) {
			return decimal.Zero, q.errorf("spread too large: bid=" + q.bid.String() + " ask=" + q.ask.String())
		}
	}
	return mid, nil
}

// Greeks returns the option greeks rounded to three places.
func (q Quote) Greeks() (Greeks, bool, error) {
	if q.greeks == nil {
		return Greeks{}, false, nil
	}
	g := *q.greeks
	if g.Delta.LessThan(decimal.NewFromInt(-1)) || g.Delta.GreaterThan(decimal.NewFromInt(1)) {
		return Greeks{}, true, q.errorf("invalid delta: " + g.Delta.String())
	}
	if g.UndPrice.IsNegative() {
		return Greeks{}, true, q.errorf("invalid underlying price: " + g.UndPrice.String())
	}
	return Greeks{
		Delta:    g.Delta.Round(greekPlaces),
		Gamma:    g.Gamma.Round(greekPlaces),
		Theta:    g.Theta.Round(greekPlaces),
		Vega:     g.Vega.Round(greekPlaces),
		IV:       g.IV.Round(greekPlaces),
		UndPrice: g.UndPrice.Round(greekPlaces),
	}, true, nil
}

func (q Quote) errorf(reason string) error {
	return &QuoteError{Symbol: q.symbol, Reason: reason}
}
