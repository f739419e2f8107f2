// Package paper provides a simulated broker for paper trading.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/rebalance-bot/internal/broker"
	"github.com/tathienbao/rebalance-bot/internal/types"
)

// Quote is a configured bid/ask pair.
type Quote struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Config holds paper trading configuration.
type Config struct {
	Positions        map[string]decimal.Decimal
	Quotes           map[string]Quote
	NotShortable     []string
	FillAtLimit      bool // fill a limit order at its price when inside [bid, ask]
	FillDelay        time.Duration
	PerShare         decimal.Decimal
	MinCommission    decimal.Decimal
	MaxCommissionPct decimal.Decimal // of notional
}

// DefaultConfig returns default paper trading config.
func DefaultConfig() Config {
	return Config{
		Positions:        make(map[string]decimal.Decimal),
		Quotes:           make(map[string]Quote),
		FillAtLimit:      true,
		PerShare:         decimal.RequireFromString("0.005"),
		MinCommission:    decimal.NewFromInt(1),
		MaxCommissionPct: decimal.RequireFromString("0.01"),
	}
}

type rejection struct {
	code    int
	message string
}

// Broker implements broker.Broker for paper trading. Working orders are
// matched against the configured quotes whenever order state is read.
type Broker struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	state atomic.Int32

	mu           sync.Mutex
	positions    types.Positions
	quotes       map[string]Quote
	notShortable map[string]bool
	unqualified  map[string]bool
	rejects      map[string]rejection
	orders       map[string]*broker.Order
	sequence     []string
	clientIDs    map[string]bool

	nextOrderID atomic.Int64
	execSeq     atomic.Int64
	rejections  chan broker.Rejection
}

// NewBroker creates a new paper trading broker.
func NewBroker(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.PerShare.IsZero() {
		cfg.PerShare = defaults.PerShare
	}
	if cfg.MinCommission.IsZero() {
		cfg.MinCommission = defaults.MinCommission
	}
	if cfg.MaxCommissionPct.IsZero() {
		cfg.MaxCommissionPct = defaults.MaxCommissionPct
	}

	b := &Broker{
		cfg:          cfg,
		logger:       logger.With("component", "paper"),
		now:          time.Now,
		positions:    make(types.Positions),
		quotes:       make(map[string]Quote),
		notShortable: make(map[string]bool),
		unqualified:  make(map[string]bool),
		rejects:      make(map[string]rejection),
		orders:       make(map[string]*broker.Order),
		clientIDs:    make(map[string]bool),
		rejections:   make(chan broker.Rejection, 256),
	}
	for symbol, qty := range cfg.Positions {
		b.positions[symbol] = qty
	}
	for symbol, q := range cfg.Quotes {
		b.quotes[symbol] = q
	}
	for _, symbol := range cfg.NotShortable {
		b.notShortable[symbol] = true
	}

	b.state.Store(int32(broker.StateDisconnected))
	return b
}

// Name returns the broker name.
func (b *Broker) Name() string {
	return "paper"
}

// Connect simulates connecting to broker.
func (b *Broker) Connect(ctx context.Context) error {
	b.state.Store(int32(broker.StateConnected))
	b.logger.Info("paper broker connected", "positions", len(b.positions), "quotes", len(b.quotes))
	return nil
}

// Disconnect simulates disconnecting from broker.
func (b *Broker) Disconnect() error {
	b.state.Store(int32(broker.StateDisconnected))
	b.logger.Info("paper broker disconnected")
	return nil
}

// State returns connection state.
func (b *Broker) State() broker.ConnectionState {
	return broker.ConnectionState(b.state.Load())
}

// IsConnected returns true if connected.
func (b *Broker) IsConnected() bool {
	return b.State() == broker.StateConnected
}

// SetQuote sets the bid/ask used for pricing and matching.
func (b *Broker) SetQuote(symbol string, bid, ask decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[symbol] = Quote{Bid: bid, Ask: ask}
}

// SetPosition overrides the held quantity of symbol.
func (b *Broker) SetPosition(symbol string, qty decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[symbol] = qty
}

// RejectSymbol makes every order for symbol be rejected asynchronously.
func (b *Broker) RejectSymbol(symbol string, code int, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejects[symbol] = rejection{code: code, message: message}
}

// Unqualifiable makes Qualify drop symbol.
func (b *Broker) Unqualifiable(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unqualified[symbol] = true
}

// GetPositions returns the non-zero holdings.
func (b *Broker) GetPositions(ctx context.Context, secType, currency string) (types.Positions, error) {
	if !b.IsConnected() {
		return nil, broker.ErrNotConnected
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.matchLocked()

	out := make(types.Positions)
	for symbol, qty := range b.positions {
		if !qty.IsZero() {
			out[symbol] = qty
		}
	}
	return out, nil
}

// Qualify fills in contract details for known symbols.
func (b *Broker) Qualify(ctx context.Context, instruments []broker.Instrument) ([]broker.Instrument, error) {
	if !b.IsConnected() {
		return nil, broker.ErrNotConnected
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]broker.Instrument, 0, len(instruments))
	for i, inst := range instruments {
		if b.unqualified[inst.Symbol] {
			b.logger.Warn("instrument not qualified", "symbol", inst.Symbol)
			continue
		}
		inst.ConID = int64(i + 1)
		inst.Shortable = !b.notShortable[inst.Symbol]
		if inst.LocalSymbol == "" {
			inst.LocalSymbol = inst.Symbol
		}
		out = append(out, inst)
	}
	return out, nil
}

// GetQuote returns the configured quote for inst.
func (b *Broker) GetQuote(ctx context.Context, inst broker.Instrument) (types.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.quotes[inst.Symbol]
	if !ok {
		return types.Quote{}, fmt.Errorf("no market data for %s", inst.Symbol)
	}
	return types.NewQuote(inst.Symbol, q.Bid, q.Ask, b.now()), nil
}

// SubmitOrder accepts an order. Matching happens on the next state read.
func (b *Broker) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	if !b.IsConnected() {
		return nil, broker.ErrNotConnected
	}
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidOrderSize, req.Quantity)
	}
	if req.Type == broker.OrderTypeLimit && !req.LimitPrice.IsPositive() {
		return nil, fmt.Errorf("%w: limit price %s", broker.ErrOrderRejected, req.LimitPrice)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if req.WhatIf {
		return b.whatIfLocked(req)
	}

	if req.ClientOrderID != "" {
		if b.clientIDs[req.ClientOrderID] {
			return nil, fmt.Errorf("%w: %s", types.ErrDuplicateOrder, req.ClientOrderID)
		}
		b.clientIDs[req.ClientOrderID] = true
	}

	now := b.now()
	order := &broker.Order{
		OrderID:       fmt.Sprintf("PAPER-%d", b.nextOrderID.Add(1)),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Instrument.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Type:          req.Type,
		LimitPrice:    req.LimitPrice,
		Adaptive:      req.Adaptive,
		Priority:      req.Priority,
		Status:        broker.StatusSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	b.orders[order.OrderID] = order
	b.sequence = append(b.sequence, order.OrderID)

	b.logger.Info("paper order placed",
		"order_id", order.OrderID,
		"symbol", order.Symbol,
		"side", order.Side,
		"qty", order.Quantity,
		"type", order.Type,
		"limit", order.LimitPrice,
	)

	accepted := order.Clone()
	if r, ok := b.rejects[order.Symbol]; ok {
		order.Status = broker.StatusInactive
		order.Reason = r.message
		select {
		case b.rejections <- broker.Rejection{OrderID: order.OrderID, Symbol: order.Symbol, Code: r.code, Message: r.message}:
		default:
			b.logger.Warn("rejection channel full", "order_id", order.OrderID)
		}
	}

	return accepted, nil
}

// whatIfLocked prices an order without placing it. Paper accounts hold no
// leverage, so the margin change is the full notional.
func (b *Broker) whatIfLocked(req broker.OrderRequest) (*broker.Order, error) {
	price := req.LimitPrice
	if req.Type != broker.OrderTypeLimit {
		q, ok := b.quotes[req.Instrument.Symbol]
		if !ok {
			return nil, fmt.Errorf("no market data for %s", req.Instrument.Symbol)
		}
		price = q.Ask
		if req.Side == types.SideSell {
			price = q.Bid
		}
	}

	notional := req.Quantity.Mul(price).Round(2)
	preview := &broker.Preview{
		Commission:        b.Commission(req.Quantity, price),
		InitMarginChange:  notional,
		MaintMarginChange: notional,
	}
	if r, ok := b.rejects[req.Instrument.Symbol]; ok {
		preview.Warning = r.message
	}

	now := b.now()
	return &broker.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Instrument.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Type:          req.Type,
		LimitPrice:    req.LimitPrice,
		Adaptive:      req.Adaptive,
		Priority:      req.Priority,
		Status:        broker.StatusPreSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
		Preview:       preview,
	}, nil
}

// ModifyOrder changes the limit price and priority of a working order.
func (b *Broker) ModifyOrder(ctx context.Context, order *broker.Order, price decimal.Decimal, priority broker.Priority) (*broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[order.OrderID]
	if !ok {
		return nil, broker.ErrOrderNotFound
	}
	if !o.IsActive() {
		return nil, fmt.Errorf("%w: order %s is %s", broker.ErrOrderRejected, o.OrderID, o.Status)
	}
	o.LimitPrice = price
	o.Priority = priority
	o.UpdatedAt = b.now()
	return o.Clone(), nil
}

// CancelOrder cancels a working order.
func (b *Broker) CancelOrder(ctx context.Context, order *broker.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[order.OrderID]
	if !ok {
		return broker.ErrOrderNotFound
	}
	if o.IsActive() {
		o.Status = broker.StatusCancelled
		o.UpdatedAt = b.now()
	}
	return nil
}

// Order returns the current state of an order.
func (b *Broker) Order(ctx context.Context, orderID string) (*broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.matchLocked()

	o, ok := b.orders[orderID]
	if !ok {
		return nil, broker.ErrOrderNotFound
	}
	return o.Clone(), nil
}

// Orders returns every order of the session in submission order.
func (b *Broker) Orders(ctx context.Context) ([]broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.matchLocked()

	out := make([]broker.Order, 0, len(b.sequence))
	for _, id := range b.sequence {
		out = append(out, *b.orders[id].Clone())
	}
	return out, nil
}

// OpenOrders returns working orders.
func (b *Broker) OpenOrders(ctx context.Context) ([]broker.Order, error) {
	all, err := b.Orders(ctx)
	if err != nil {
		return nil, err
	}
	var out []broker.Order
	for _, o := range all {
		if o.IsActive() {
			out = append(out, o)
		}
	}
	return out, nil
}

// Rejections delivers asynchronous rejections.
func (b *Broker) Rejections() <-chan broker.Rejection {
	return b.rejections
}

// matchLocked fills every working order that is marketable now.
func (b *Broker) matchLocked() {
	now := b.now()
	ids := make([]string, 0, len(b.orders))
	for id, o := range b.orders {
		if o.IsActive() && !now.Before(o.CreatedAt.Add(b.cfg.FillDelay)) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		o := b.orders[id]
		q, ok := b.quotes[o.Symbol]
		if !ok {
			continue
		}
		price, ok := b.fillPrice(o, q)
		if !ok {
			continue
		}
		b.fillLocked(o, price, now)
	}
}

// fillPrice returns the execution price of o against q, if any.
func (b *Broker) fillPrice(o *broker.Order, q Quote) (decimal.Decimal, bool) {
	if o.Type == broker.OrderTypeMarket {
		if o.Side == types.SideBuy {
			return q.Ask, true
		}
		return q.Bid, true
	}

	limit := o.LimitPrice
	if b.cfg.FillAtLimit && limit.GreaterThanOrEqual(q.Bid) && limit.LessThanOrEqual(q.Ask) {
		return limit, true
	}
	switch o.Side {
	case types.SideBuy:
		if limit.GreaterThanOrEqual(q.Ask) {
			return q.Ask, true
		}
	case types.SideSell:
		if limit.LessThanOrEqual(q.Bid) {
			return q.Bid, true
		}
	}
	return decimal.Zero, false
}

func (b *Broker) fillLocked(o *broker.Order, price decimal.Decimal, now time.Time) {
	qty := o.Quantity.Sub(o.FilledQty)
	commission := b.Commission(qty, price)

	o.Fills = append(o.Fills, broker.Fill{
		ExecID:     fmt.Sprintf("PAPER-EXEC-%d", b.execSeq.Add(1)),
		Quantity:   qty,
		Price:      price,
		Commission: commission,
		Time:       now,
	})
	o.FilledQty = o.Quantity
	o.AvgFillPrice = price
	o.Status = broker.StatusFilled
	o.UpdatedAt = now

	signed := qty
	if o.Side == types.SideSell {
		signed = signed.Neg()
	}
	b.positions[o.Symbol] = b.positions.Get(o.Symbol).Add(signed)

	b.logger.Info("paper order filled",
		"order_id", o.OrderID,
		"symbol", o.Symbol,
		"side", o.Side,
		"qty", qty,
		"price", price,
		"commission", commission,
	)
}

// Commission returns the IB tiered-style fee:
// max(min, min(qty*per_share, notional*max_pct)).
func (b *Broker) Commission(qty, price decimal.Decimal) decimal.Decimal {
	perShare := qty.Abs().Mul(b.cfg.PerShare)
	capped := decimal.Min(perShare, qty.Abs().Mul(price).Mul(b.cfg.MaxCommissionPct))
	return decimal.Max(b.cfg.MinCommission, capped)
}

// Ensure Broker implements broker.Broker
var _ broker.Broker = (*Broker)(nil)
