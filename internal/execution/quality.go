package execution

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/rebalance-bot/internal/broker"
	"github.com/tathienbao/rebalance-bot/internal/types"
)

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
	midPct  = decimal.RequireFromString("0.5")
)

// Sample is one (quote, price) observation for an order.
type Sample struct {
	OrderID string
	Quote   types.Quote
	Price   decimal.Decimal
	At      time.Time
}

// QualityRecord collects samples for one symbol.
type QualityRecord struct {
	Symbol    string
	CreatedAt time.Time
	UpdatedAt time.Time
	Samples   []Sample
}

// LastQuote returns the most recent quote on file.
func (r *QualityRecord) LastQuote() (types.Quote, bool) {
	if len(r.Samples) == 0 {
		return types.Quote{}, false
	}
	return r.Samples[len(r.Samples)-1].Quote, true
}

// Evaluation is the execution-quality summary of one order.
type Evaluation struct {
	Symbol   string
	Side     string
	Type     string
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Bid      decimal.Decimal
	Ask      decimal.Decimal
	Spread   decimal.Decimal // effective spread, percent
	Cost     decimal.Decimal
	PnL      decimal.Decimal // realized, from the broker's fill reports
	Duration decimal.Decimal // minutes from first submission to last fill
	Status   string
	Created  time.Time
	Executed time.Time
}

// Quality records quotes at submission and modification time.
type Quality struct {
	now     func() time.Time
	records map[string]*QualityRecord
}

// NewQuality creates an empty recorder.
func NewQuality(now func() time.Time) *Quality {
	if now == nil {
		now = time.Now
	}
	return &Quality{
		now:     now,
		records: make(map[string]*QualityRecord),
	}
}

// Record appends the order's reference price and quote to its symbol.
func (q *Quality) Record(order *broker.Order, quote types.Quote) {
	now := q.now()
	rec, ok := q.records[order.Symbol]
	if !ok {
		rec = &QualityRecord{Symbol: order.Symbol, CreatedAt: now}
		q.records[order.Symbol] = rec
	}
	rec.UpdatedAt = now
	rec.Samples = append(rec.Samples, Sample{
		OrderID: order.OrderID,
		Quote:   quote,
		Price:   order.ReferencePrice(),
		At:      now,
	})
}

// Get returns the record for symbol.
func (q *Quality) Get(symbol string) (*QualityRecord, bool) {
	rec, ok := q.records[symbol]
	return rec, ok
}

// UpdatedAt returns when symbol was last sampled, zero if never.
func (q *Quality) UpdatedAt(symbol string) time.Time {
	if rec, ok := q.records[symbol]; ok {
		return rec.UpdatedAt
	}
	return time.Time{}
}

// Records returns all records ordered by symbol.
func (q *Quality) Records() []*QualityRecord {
	out := make([]*QualityRecord, 0, len(q.records))
	for _, rec := range q.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Evaluate summarizes execution quality for order against the latest quote.
func (q *Quality) Evaluate(order *broker.Order) (Evaluation, error) {
	rec, ok := q.records[order.Symbol]
	if !ok {
		return Evaluation{}, fmt.Errorf("no quality record for %s", order.Symbol)
	}
	quote, ok := rec.LastQuote()
	if !ok {
		return Evaluation{}, fmt.Errorf("no quotes recorded for %s", order.Symbol)
	}

	price := order.ReferencePrice()
	if order.FilledQty.IsPositive() && order.AvgFillPrice.IsPositive() {
		price = order.AvgFillPrice
	}

	spread, err := EffectiveSpread(price, quote)
	if err != nil {
		return Evaluation{}, fmt.Errorf("evaluate %s: %w", order.Symbol, err)
	}

	eval := Evaluation{
		Symbol:   order.Symbol,
		Side:     order.Side.String(),
		Type:     string(order.Type),
		Quantity: order.Quantity,
		Price:    price,
		Bid:      quote.RawBid().Round(2),
		Ask:      quote.RawAsk().Round(2),
		Spread:   spread,
		Cost:     TransactionCost(order),
		PnL:      order.RealizedPnL().Round(2),
		Duration: decimal.Zero,
		Status:   string(order.Status),
		Created:  rec.CreatedAt,
	}

	if last := order.LastFillTime(); !last.IsZero() {
		eval.Executed = last
		minutes := last.Sub(rec.CreatedAt).Minutes()
		eval.Duration = decimal.NewFromFloat(minutes).Round(2)
	}
	return eval, nil
}

// EffectiveSpread returns round(2*|price-mid|/mid*100, 2).
func EffectiveSpread(price decimal.Decimal, quote types.Quote) (decimal.Decimal, error) {
	mid, err := quote.Price(midPct)
	if err != nil {
		return decimal.Zero, err
	}
	if !mid.IsPositive() {
		return decimal.Zero, types.ErrZeroMid
	}
	return price.Sub(mid).Abs().Mul(two).Div(mid).Mul(hundred).Round(2), nil
}

// TransactionCost sums fill commissions, rounded to cents.
func TransactionCost(order *broker.Order) decimal.Decimal {
	return order.Commission().Round(2)
}
