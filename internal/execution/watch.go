package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/rebalance-bot/internal/broker"
	"github.com/tathienbao/rebalance-bot/internal/types"
)

// Watch polls open orders every WatchInterval until every symbol settled,
// the market closes or ctx is cancelled. Orders still open at the close are
// left working and reported as unfilled.
func (e *Executor) Watch(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.WatchInterval)
	defer ticker.Stop()

	for {
		if e.IsDone() {
			e.logger.Info("all orders settled")
			return nil
		}
		if e.cal != nil && !e.cal.IsOpen(e.now()) {
			e.logger.Warn("market closed with unsettled orders", "unfilled", e.Status().Unfilled)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		e.Poll(ctx)
	}
}

// Poll runs one watch pass: drain rejections, refresh active legs, reprice
// stale limits, advance sequential legs and settle finished symbols.
func (e *Executor) Poll(ctx context.Context) {
	e.drainRejections(ctx)

	active := 0
	for _, symbol := range e.symbols {
		t, ok := e.book[symbol]
		if !ok || t.settled() {
			continue
		}
		if err := e.watchTrade(ctx, t); err != nil {
			e.logger.Error("watch failed", "symbol", symbol, "err", err)
		}
		e.settle(ctx, t)
		active += t.activeLegs()
	}

	e.metrics.RecordWatchPoll(active)
	e.publish()
}

func (e *Executor) watchTrade(ctx context.Context, t *trade) error {
	var errs []error
	for _, l := range t.legs {
		if l.status != types.OrderStatusActive || l.order == nil {
			continue
		}

		order, err := e.broker.Order(ctx, l.order.OrderID)
		if err != nil {
			errs = append(errs, fmt.Errorf("refresh order %s: %w", l.order.OrderID, err))
			continue
		}
		e.apply(l, order)

		if e.shouldReprice(t.symbol, l) {
			if err := e.reprice(ctx, t, l); err != nil {
				errs = append(errs, fmt.Errorf("reprice order %s: %w", l.order.OrderID, err))
			}
		}
	}

	e.advance(ctx, t)
	return errors.Join(errs...)
}

// drainRejections consumes pending rejections without blocking.
func (e *Executor) drainRejections(ctx context.Context) {
	ch := e.broker.Rejections()
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return
			}
			e.reject(ctx, r)
		default:
			return
		}
	}
}

func (e *Executor) reject(ctx context.Context, r broker.Rejection) {
	symbol, ok := e.byOrderID[r.OrderID]
	if !ok {
		e.logger.Debug("rejection for unknown order", "order_id", r.OrderID, "symbol", r.Symbol, "code", r.Code)
		return
	}
	t := e.book[symbol]
	for _, l := range t.legs {
		if l.order == nil || l.order.OrderID != r.OrderID {
			continue
		}
		l.status = types.OrderStatusRejected
		l.reason = fmt.Sprintf("%d: %s", r.Code, r.Message)
		e.logger.Warn("order rejected", "symbol", symbol, "order_id", r.OrderID, "code", r.Code, "msg", r.Message)
	}
	e.settle(ctx, t)
}

func (e *Executor) shouldReprice(symbol string, l *leg) bool {
	if l.order.Type != broker.OrderTypeLimit || !l.order.IsActive() {
		return false
	}
	now := e.now()
	if now.Sub(e.quality.UpdatedAt(symbol)) <= e.cfg.StaleAfter {
		return false
	}
	return e.cal == nil || e.cal.IsOpen(now)
}

func (e *Executor) reprice(ctx context.Context, t *trade, l *leg) error {
	quote, err := e.quote(ctx, t.inst)
	if err != nil {
		return fmt.Errorf("quote: %w", err)
	}

	urgent := e.nearClose()
	price, changed, err := NextLimitPrice(l.order.Side, l.order.LimitPrice, quote, urgent)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	priority := broker.PriorityNormal
	if urgent {
		priority = broker.PriorityUrgent
	}

	prevID := l.order.OrderID
	order, err := e.broker.ModifyOrder(ctx, l.order, price, priority)
	if err != nil {
		return err
	}
	if order.OrderID != prevID {
		e.byOrderID[order.OrderID] = t.symbol
	}
	l.order = order
	e.quality.Record(order, quote)
	e.metrics.RecordReprice(order.Side.String(), urgent)
	e.logger.Info("order repriced",
		"symbol", t.symbol,
		"order_id", order.OrderID,
		"from", prevID,
		"limit", price,
		"priority", priority,
	)
	return nil
}

// NextLimitPrice returns the replacement limit for a working order.
// Near the close a buy moves to the bid and a sell to the ask, otherwise
// both move to mid. changed is false unless candidate*sign > current*sign,
// so a limit never moves away from execution.
func NextLimitPrice(side types.Side, current decimal.Decimal, quote types.Quote, urgent bool) (decimal.Decimal, bool, error) {
	var candidate decimal.Decimal
	var err error
	switch {
	case urgent && side == types.SideBuy:
		candidate, err = quote.Bid()
	case urgent && side == types.SideSell:
		candidate, err = quote.Ask()
	default:
		candidate, err = quote.Mid()
	}
	if err != nil {
		return decimal.Zero, false, err
	}

	sign := decimal.NewFromInt(side.Sign())
	if candidate.Mul(sign).GreaterThan(current.Mul(sign)) {
		return candidate, true, nil
	}
	return current, false, nil
}
