package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/rebalance-bot/internal/broker"
	"github.com/tathienbao/rebalance-bot/internal/types"
)

// fakeBroker is a scriptable broker. Orders stay Submitted until the test
// fills, cancels or rejects them.
type fakeBroker struct {
	mu sync.Mutex

	positions    types.Positions
	quotes       map[string]types.Quote
	unqualified  map[string]bool
	notShortable map[string]bool
	submitErr    map[string]error
	modifyErr    map[string]error
	qualifyErr   error
	replaceIDs   bool
	autoFill     bool
	noWhatIf     bool

	orders     map[string]*broker.Order
	order      []string
	seq        int
	requests   []broker.OrderRequest
	whatIfs    []broker.OrderRequest
	modified   []string
	cancelled  []string
	rejections chan broker.Rejection
}

var _ broker.Broker = (*fakeBroker)(nil)

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		positions:    make(types.Positions),
		quotes:       make(map[string]types.Quote),
		unqualified:  make(map[string]bool),
		notShortable: make(map[string]bool),
		submitErr:    make(map[string]error),
		modifyErr:    make(map[string]error),
		orders:       make(map[string]*broker.Order),
		rejections:   make(chan broker.Rejection, 16),
	}
}

func (f *fakeBroker) Name() string                        { return "fake" }
func (f *fakeBroker) Connect(context.Context) error       { return nil }
func (f *fakeBroker) Disconnect() error                   { return nil }
func (f *fakeBroker) State() broker.ConnectionState       { return broker.StateConnected }
func (f *fakeBroker) IsConnected() bool                   { return true }
func (f *fakeBroker) Rejections() <-chan broker.Rejection { return f.rejections }

func (f *fakeBroker) GetPositions(context.Context, string, string) (types.Positions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions.Clone(), nil
}

func (f *fakeBroker) Qualify(_ context.Context, insts []broker.Instrument) ([]broker.Instrument, error) {
	if f.qualifyErr != nil {
		return nil, f.qualifyErr
	}
	var out []broker.Instrument
	for _, inst := range insts {
		if f.unqualified[inst.Symbol] {
			continue
		}
		inst.Shortable = !f.notShortable[inst.Symbol]
		out = append(out, inst)
	}
	return out, nil
}

func (f *fakeBroker) GetQuote(_ context.Context, inst broker.Instrument) (types.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[inst.Symbol]
	if !ok {
		return types.Quote{}, fmt.Errorf("no quote for %s", inst.Symbol)
	}
	return q, nil
}

func (f *fakeBroker) SubmitOrder(_ context.Context, req broker.OrderRequest) (*broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.submitErr[req.Instrument.Symbol]; err != nil {
		return nil, err
	}
	if req.WhatIf {
		if f.noWhatIf {
			return nil, broker.ErrWhatIfUnsupported
		}
		f.whatIfs = append(f.whatIfs, req)
		notional := req.Quantity.Mul(req.LimitPrice)
		return &broker.Order{
			Symbol:     req.Instrument.Symbol,
			Side:       req.Side,
			Quantity:   req.Quantity,
			Type:       req.Type,
			LimitPrice: req.LimitPrice,
			Status:     broker.StatusPreSubmitted,
			Preview: &broker.Preview{
				Commission:        decimal.NewFromInt(1),
				InitMarginChange:  notional,
				MaintMarginChange: notional,
			},
		}, nil
	}
	f.requests = append(f.requests, req)
	f.seq++
	o := &broker.Order{
		OrderID:       fmt.Sprintf("%d", f.seq),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Instrument.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Type:          req.Type,
		LimitPrice:    req.LimitPrice,
		Adaptive:      req.Adaptive,
		Priority:      req.Priority,
		Status:        broker.StatusSubmitted,
	}
	f.orders[o.OrderID] = o
	f.order = append(f.order, o.OrderID)
	if f.autoFill {
		f.fillLocked(o.OrderID, req.LimitPrice)
	}
	return o.Clone(), nil
}

func (f *fakeBroker) ModifyOrder(_ context.Context, order *broker.Order, price decimal.Decimal, priority broker.Priority) (*broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[order.OrderID]
	if !ok {
		return nil, broker.ErrOrderNotFound
	}
	if err := f.modifyErr[o.Symbol]; err != nil {
		return nil, err
	}
	f.modified = append(f.modified, order.OrderID)
	if f.replaceIDs {
		f.seq++
		replacement := o.Clone()
		replacement.OrderID = fmt.Sprintf("%d", f.seq)
		o.Status = broker.StatusCancelled
		o = replacement
		f.orders[o.OrderID] = o
		f.order = append(f.order, o.OrderID)
	}
	o.LimitPrice = price
	o.Priority = priority
	return o.Clone(), nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, order *broker.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[order.OrderID]
	if !ok {
		return broker.ErrOrderNotFound
	}
	f.cancelled = append(f.cancelled, order.OrderID)
	o.Status = broker.StatusCancelled
	return nil
}

func (f *fakeBroker) Order(_ context.Context, id string) (*broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, broker.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (f *fakeBroker) Orders(context.Context) ([]broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broker.Order, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, *f.orders[id].Clone())
	}
	return out, nil
}

func (f *fakeBroker) OpenOrders(ctx context.Context) ([]broker.Order, error) {
	all, _ := f.Orders(ctx)
	var out []broker.Order
	for _, o := range all {
		if o.IsActive() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeBroker) setQuote(symbol, bid, ask string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[symbol] = types.NewQuote(symbol, d(bid), d(ask), t0)
}

func (f *fakeBroker) fill(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[id]
	f.fillLocked(id, o.LimitPrice)
}

func (f *fakeBroker) fillLocked(id string, price decimal.Decimal) {
	o := f.orders[id]
	o.Status = broker.StatusFilled
	o.FilledQty = o.Quantity
	o.AvgFillPrice = price
	o.Fills = append(o.Fills, broker.Fill{
		ExecID:     "exec-" + id,
		Quantity:   o.Quantity,
		Price:      price,
		Commission: decimal.NewFromInt(1),
		Time:       t0.Add(time.Minute),
	})
	signed := o.Quantity
	if o.Side == types.SideSell {
		signed = signed.Neg()
	}
	f.positions[o.Symbol] = f.positions.Get(o.Symbol).Add(signed)
}

func (f *fakeBroker) setStatus(id string, status broker.OrderStatus, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[id].Status = status
	f.orders[id].Reason = reason
}

func (f *fakeBroker) requestFor(symbol string) []broker.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broker.OrderRequest
	for _, r := range f.requests {
		if r.Instrument.Symbol == symbol {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeBroker) orderIDs(symbol string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, id := range f.order {
		if f.orders[id].Symbol == symbol {
			out = append(out, id)
		}
	}
	return out
}

// fakeCalendar is open until closeAt.
type fakeCalendar struct {
	closeAt time.Time
}

func (c fakeCalendar) IsOpen(t time.Time) bool      { return t.Before(c.closeAt) }
func (c fakeCalendar) NextClose(time.Time) time.Time { return c.closeAt }

var errSubmit = errors.New("exchange unavailable")
