package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/rebalance-bot/internal/alerting"
	"github.com/tathienbao/rebalance-bot/internal/broker"
	"github.com/tathienbao/rebalance-bot/internal/calendar"
	"github.com/tathienbao/rebalance-bot/internal/metrics"
	"github.com/tathienbao/rebalance-bot/internal/types"
)

// FlipPolicy controls how the two legs of a sign flip are sent.
type FlipPolicy string

const (
	// FlipSequential sends the enter leg only after the flatten leg filled.
	FlipSequential FlipPolicy = "sequential"
	// FlipConcurrent sends both legs at once.
	FlipConcurrent FlipPolicy = "concurrent"
)

// Config holds executor settings.
type Config struct {
	Name              string
	TurnoverThreshold decimal.Decimal // shares
	WatchInterval     time.Duration
	StaleAfter        time.Duration
	NearCloseLead     time.Duration
	OrderType         broker.OrderType
	Adaptive          bool
	FlipPolicy        FlipPolicy
	SecType           string
	Currency          string
	CheckSpread       bool
	MaxSpread         decimal.Decimal // fraction of mid, 0 keeps the quote default
	Debug             bool            // skips integrity checks
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Name:              "Daily",
		TurnoverThreshold: decimal.NewFromInt(7),
		WatchInterval:     10 * time.Second,
		StaleAfter:        60 * time.Second,
		NearCloseLead:     3 * time.Minute,
		OrderType:         broker.OrderTypeLimit,
		Adaptive:          true,
		FlipPolicy:        FlipSequential,
		SecType:           "STK",
		Currency:          "USD",
	}
}

// leg is one broker order of a symbol's trade.
type leg struct {
	qty    decimal.Decimal // signed
	order  *broker.Order
	status types.OrderStatus
	reason string
}

// trade tracks every leg submitted for one symbol.
type trade struct {
	symbol string
	inst   broker.Instrument
	legs   []*leg
	status types.OrderStatus // Pending until settled
	reason string
}

func (t *trade) settled() bool {
	return t.status.IsFinal()
}

func (t *trade) activeLegs() int {
	n := 0
	for _, l := range t.legs {
		if l.status == types.OrderStatusActive {
			n++
		}
	}
	return n
}

// Executor drives one rebalance: diff, submit, watch, verify.
// Only Status is safe to call concurrently with the other methods.
type Executor struct {
	cfg     Config
	broker  broker.Broker
	cal     calendar.Calendar
	alerter alerting.Alerter
	logger  *slog.Logger
	metrics *metrics.Recorder
	quality *Quality
	now     func() time.Time

	targets types.Positions
	current types.Positions
	trades  types.Positions
	symbols []string

	book      map[string]*trade
	byOrderID map[string]string

	status atomic.Pointer[Status]
}

// New creates an executor. alerter may be nil.
func New(cfg Config, brk broker.Broker, cal calendar.Calendar, alerter alerting.Alerter, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FlipPolicy == "" {
		cfg.FlipPolicy = FlipSequential
	}
	if cfg.OrderType == "" {
		cfg.OrderType = broker.OrderTypeLimit
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = 10 * time.Second
	}

	e := &Executor{
		cfg:       cfg,
		broker:    brk,
		cal:       cal,
		alerter:   alerter,
		logger:    logger.With("component", "executor", "broker", brk.Name()),
		metrics:   metrics.NewRecorder(),
		now:       time.Now,
		targets:   make(types.Positions),
		current:   make(types.Positions),
		trades:    make(types.Positions),
		book:      make(map[string]*trade),
		byOrderID: make(map[string]string),
	}
	e.quality = NewQuality(func() time.Time { return e.now() })
	e.publish()
	return e
}

// Prep loads current positions and derives the trade list from targets.
func (e *Executor) Prep(ctx context.Context, targets types.Positions) (types.Positions, error) {
	current, err := e.broker.GetPositions(ctx, e.cfg.SecType, e.cfg.Currency)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	e.targets = targets.Clone()
	e.current = current
	e.trades = GetDiff(current, targets, e.cfg.TurnoverThreshold)
	e.symbols = SortedSymbols(e.trades)
	e.book = make(map[string]*trade)
	e.byOrderID = make(map[string]string)

	e.logger.Info("rebalance prepared",
		"targets", len(targets),
		"positions", len(current),
		"trades", len(e.trades),
	)
	e.publish()
	return e.trades.Clone(), nil
}

// Trade qualifies the trade list and submits the first leg of every symbol.
// Per-symbol failures are recorded and do not stop the batch.
func (e *Executor) Trade(ctx context.Context) error {
	if len(e.symbols) == 0 {
		e.logger.Info("nothing to trade")
		return nil
	}

	insts := make([]broker.Instrument, 0, len(e.symbols))
	for _, symbol := range e.symbols {
		insts = append(insts, e.instrument(symbol))
	}

	qualified, err := e.broker.Qualify(ctx, insts)
	if err != nil {
		return fmt.Errorf("qualify instruments: %w", err)
	}
	bySymbol := make(map[string]broker.Instrument, len(qualified))
	for _, inst := range qualified {
		bySymbol[inst.Symbol] = inst
	}

	for _, symbol := range e.symbols {
		t := &trade{symbol: symbol}
		e.book[symbol] = t

		inst, ok := bySymbol[symbol]
		if !ok {
			e.fail(t, e.submissionError(symbol, StageQualify, broker.ErrNotTradable))
			continue
		}
		t.inst = inst

		target := e.targets.Get(symbol)
		if target.IsNegative() && !inst.Shortable {
			e.fail(t, e.submissionError(symbol, StageQualify, broker.ErrNotShortable))
			continue
		}

		for _, qty := range SplitLegs(e.current.Get(symbol), target) {
			t.legs = append(t.legs, &leg{qty: qty})
		}
		e.advance(ctx, t)
		e.settle(ctx, t)
	}

	e.publish()
	return nil
}

// Submit sends a single order for qty shares of inst, signed by side.
// A zero quantity is a no-op and returns a nil order.
func (e *Executor) Submit(ctx context.Context, inst broker.Instrument, qty decimal.Decimal) (*broker.Order, error) {
	if qty.IsZero() {
		e.logger.Warn("skipping zero quantity order", "symbol", inst.Symbol)
		return nil, nil
	}

	req, quote, err := e.request(ctx, inst, qty)
	if err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	order, err := e.broker.SubmitOrder(ctx, req)
	timer.ObserveBroker(e.broker.Name(), "submit", err)
	if err != nil {
		return nil, e.submissionError(inst.Symbol, StageSubmit, err)
	}

	e.quality.Record(order, quote)
	e.metrics.RecordOrderSubmitted(e.broker.Name(), req.Side.String())
	e.logger.Info("order submitted",
		"symbol", inst.Symbol,
		"order_id", order.OrderID,
		"side", req.Side,
		"qty", req.Quantity,
		"type", req.Type,
		"limit", req.LimitPrice,
		"priority", req.Priority,
	)
	return order, nil
}

// request prices an order for qty shares of inst from a fresh quote.
func (e *Executor) request(ctx context.Context, inst broker.Instrument, qty decimal.Decimal) (broker.OrderRequest, types.Quote, error) {
	quote, err := e.quote(ctx, inst)
	if err != nil {
		return broker.OrderRequest{}, types.Quote{}, e.submissionError(inst.Symbol, StageQuote, err)
	}

	req := broker.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Instrument:    inst,
		Side:          types.SideOf(qty),
		Quantity:      qty.Abs(),
		Type:          e.cfg.OrderType,
		Adaptive:      e.cfg.Adaptive,
		Priority:      broker.PriorityNormal,
	}
	if e.nearClose() {
		req.Priority = broker.PriorityUrgent
	}
	if req.Type == broker.OrderTypeLimit {
		price, err := quote.Mid()
		if err != nil {
			return broker.OrderRequest{}, types.Quote{}, e.submissionError(inst.Symbol, StagePrice, err)
		}
		req.LimitPrice = price
	}
	return req, quote, nil
}

// quote fetches a quote and applies the configured spread check.
func (e *Executor) quote(ctx context.Context, inst broker.Instrument) (types.Quote, error) {
	timer := metrics.NewTimer()
	quote, err := e.broker.GetQuote(ctx, inst)
	timer.ObserveBroker(e.broker.Name(), "quote", err)
	if err != nil {
		return types.Quote{}, err
	}
	if e.cfg.CheckSpread && inst.SecType == "STK" {
		quote = quote.WithSpreadCheck(e.cfg.MaxSpread)
	}
	return quote, nil
}

// advance submits every leg that is allowed to go out.
func (e *Executor) advance(ctx context.Context, t *trade) {
	for i, l := range t.legs {
		if l.status != types.OrderStatusPending {
			continue
		}
		if i > 0 {
			prev := t.legs[i-1].status
			if prev == types.OrderStatusFailed {
				return
			}
			if e.cfg.FlipPolicy == FlipSequential && prev != types.OrderStatusFilled {
				return
			}
		}

		order, err := e.Submit(ctx, t.inst, l.qty)
		switch {
		case err != nil:
			l.status = types.OrderStatusFailed
			l.reason = err.Error()
			e.logger.Error("order submission failed", "symbol", t.symbol, "err", err)
			return
		case order == nil:
			l.status = types.OrderStatusFilled
		default:
			e.byOrderID[order.OrderID] = t.symbol
			e.apply(l, order)
		}
	}
}

// apply stores a fresh broker view of a leg's order.
func (e *Executor) apply(l *leg, order *broker.Order) {
	prev := l.status
	l.order = order
	l.status = order.Status.Local()

	switch l.status {
	case types.OrderStatusRejected:
		l.reason = order.Reason
		if l.reason == "" {
			l.reason = string(order.Status)
		}
	case types.OrderStatusFilled:
		if prev != types.OrderStatusFilled {
			e.recordExecution(order)
		}
	}
}

func (e *Executor) recordExecution(order *broker.Order) {
	eval, err := e.quality.Evaluate(order)
	if err != nil {
		e.logger.Debug("execution quality unavailable", "symbol", order.Symbol, "err", err)
		return
	}
	e.metrics.RecordExecution(eval.Spread, eval.Cost)
}

// fail settles a trade as failed before any order went out.
func (e *Executor) fail(t *trade, err error) {
	t.status = types.OrderStatusFailed
	t.reason = err.Error()
	e.metrics.RecordOrderOutcome(t.status.String())
	e.logger.Error("symbol failed", "symbol", t.symbol, "err", err)
}

func (e *Executor) submissionError(symbol string, stage Stage, err error) error {
	e.metrics.RecordSubmissionFailure(string(stage))
	return &SubmissionError{Symbol: symbol, Stage: stage, Err: err}
}

// outcomeRank orders outcomes so the worst leg decides the symbol.
func outcomeRank(s types.OrderStatus) int {
	switch s {
	case types.OrderStatusFailed:
		return 3
	case types.OrderStatusRejected:
		return 2
	case types.OrderStatusCancelled:
		return 1
	default:
		return 0
	}
}

// settle assigns the symbol outcome once no leg can change anymore.
func (e *Executor) settle(ctx context.Context, t *trade) {
	if t.settled() {
		return
	}

	outcome := types.OrderStatusFilled
	reason := ""
	for _, l := range t.legs {
		if l.status == types.OrderStatusPending {
			// blocked behind a leg that did not fill
			if outcome != types.OrderStatusFilled {
				break
			}
			return
		}
		if !l.status.IsFinal() {
			return
		}
		if outcomeRank(l.status) > outcomeRank(outcome) {
			outcome = l.status
			reason = l.reason
		}
	}

	t.status = outcome
	t.reason = reason
	e.metrics.RecordOrderOutcome(outcome.String())
	e.logger.Info("symbol settled", "symbol", t.symbol, "outcome", outcome, "reason", reason)

	if outcome == types.OrderStatusRejected {
		e.alert(ctx, alerting.EventOrderRejected, "Order Rejected", "symbol", t.symbol, "reason", reason)
	}
}

// IsDone reports whether every symbol of the trade list has settled.
func (e *Executor) IsDone() bool {
	for _, symbol := range e.symbols {
		t, ok := e.book[symbol]
		if !ok || !t.settled() {
			return false
		}
	}
	return true
}

// Cancel requests cancellation of every open order at the broker.
// Completion is observed by the next watch poll.
func (e *Executor) Cancel(ctx context.Context) error {
	orders, err := e.broker.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}

	var errs []error
	for i := range orders {
		order := &orders[i]
		if err := e.broker.CancelOrder(ctx, order); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s %s: %w", order.Symbol, order.OrderID, err))
			continue
		}
		e.logger.Info("cancel requested", "symbol", order.Symbol, "order_id", order.OrderID)
	}

	if err := errors.Join(errs...); err != nil {
		e.logger.Error("cancel failed", "err", err)
		return err
	}
	return nil
}

func (e *Executor) nearClose() bool {
	if e.cal == nil {
		return false
	}
	now := e.now()
	next := e.cal.NextClose(now)
	return !next.IsZero() && next.Sub(now) < e.cfg.NearCloseLead
}

func (e *Executor) alert(ctx context.Context, event alerting.AlertEvent, message string, fields ...any) {
	if e.alerter == nil {
		return
	}
	if err := e.alerter.Alert(ctx, alerting.EventSeverity(event), message, fields...); err != nil {
		e.logger.Warn("alert failed", "event", event, "err", err)
	}
}

func (e *Executor) instrument(symbol string) broker.Instrument {
	inst := broker.Stock(symbol)
	inst.SecType = e.cfg.SecType
	inst.Currency = e.cfg.Currency
	return inst
}

// Quality returns the execution-quality recorder.
func (e *Executor) Quality() *Quality { return e.quality }

// Targets returns the target positions of the run.
func (e *Executor) Targets() types.Positions { return e.targets.Clone() }

// Current returns the positions loaded by Prep.
func (e *Executor) Current() types.Positions { return e.current.Clone() }

// Trades returns the trade list derived by Prep.
func (e *Executor) Trades() types.Positions { return e.trades.Clone() }
