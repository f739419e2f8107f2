package ibkr

import (
	"fmt"
	"strconv"

	"github.com/scmhub/ibapi"
	"github.com/tathienbao/rebalance-bot/internal/broker"
	"github.com/tathienbao/rebalance-bot/internal/types"
)

// TWS error codes with dedicated handling.
const (
	codeNoSecurityDefinition = 200
	codeOrderRejected        = 201
	codeOrderCancelled       = 202
	codeDelayedData          = 10167
)

// Tick types read from snapshots.
const (
	tickBid        = 1
	tickAsk        = 2
	tickDelayedBid = 66
	tickDelayedAsk = 67
)

// wrapper routes TWS callbacks into the client's bookkeeping. Callbacks
// the client does not use fall through to ibapi.Wrapper.
type wrapper struct {
	ibapi.Wrapper
	c *Client
}

var _ ibapi.EWrapper = (*wrapper)(nil)

func (w *wrapper) NextValidID(id int64) {
	c := w.c
	for {
		cur := c.nextOrderID.Load()
		if id <= cur || c.nextOrderID.CompareAndSwap(cur, id) {
			break
		}
	}
	c.readyMu.Lock()
	once, ready := c.readyOnce, c.ready
	c.readyMu.Unlock()
	if once != nil {
		once.Do(func() { close(ready) })
	}
}

func (w *wrapper) ConnectionClosed() {
	w.c.handleDisconnect()
}

func (w *wrapper) TickPrice(reqID ibapi.TickerID, tickType ibapi.TickType, price float64, _ ibapi.TickAttrib) {
	p := fromFloat(price)
	if p.IsNegative() {
		return
	}

	c := w.c
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	req, ok := c.requests[reqID]
	if !ok {
		return
	}
	switch tickType {
	case tickBid, tickDelayedBid:
		req.bid, req.hasBid = p, true
	case tickAsk, tickDelayedAsk:
		req.ask, req.hasAsk = p, true
	}
}

func (w *wrapper) TickSnapshotEnd(reqID int64) {
	w.c.finishID(reqID, nil)
}

func (w *wrapper) ContractDetails(reqID int64, details *ibapi.ContractDetails) {
	inst := instrument(&details.Contract)

	c := w.c
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if req, ok := c.requests[reqID]; ok {
		req.contracts = append(req.contracts, inst)
	}
}

func (w *wrapper) ContractDetailsEnd(reqID int64) {
	w.c.finishID(reqID, nil)
}

func (w *wrapper) Position(account string, contract *ibapi.Contract, position ibapi.Decimal, _ float64) {
	row := positionRow{
		account:     account,
		symbol:      contract.Symbol,
		secType:     contract.SecType,
		currency:    contract.Currency,
		localSymbol: contract.LocalSymbol,
		qty:         toDecimal(position),
	}

	c := w.c
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if c.posReq != nil {
		c.posReq.positions = append(c.posReq.positions, row)
	}
}

func (w *wrapper) PositionEnd() {
	w.c.finishSlot(&w.c.posReq)
}

func (w *wrapper) OrderStatus(orderID ibapi.OrderID, status string, filled, _ ibapi.Decimal, avgFillPrice float64, _, _ int64, _ float64, _ int64, _ string, _ float64) {
	c := w.c
	next := broker.OrderStatus(status)

	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()
	o, ok := c.orders[orderID]
	if !ok {
		return
	}
	if o.Status.IsTerminal() && !next.IsTerminal() {
		return
	}
	o.Status = next
	o.FilledQty = toDecimal(filled)
	o.AvgFillPrice = fromFloat(avgFillPrice)
	o.UpdatedAt = c.now()

	c.logger.Debug("order status", "order_id", orderID, "symbol", o.Symbol, "status", next, "filled", o.FilledQty)
}

// OpenOrder answers what-if requests and records orders reported by TWS,
// including those placed by earlier sessions.
func (w *wrapper) OpenOrder(orderID ibapi.OrderID, contract *ibapi.Contract, order *ibapi.Order, state *ibapi.OrderState) {
	c := w.c
	if order.WhatIf {
		c.reqMu.Lock()
		if req, ok := c.requests[orderID]; ok {
			req.preview = preview(state)
			finishLocked(req, nil)
		}
		c.reqMu.Unlock()
		return
	}

	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()
	if _, ok := c.orders[orderID]; ok {
		return
	}

	now := c.now()
	o := &broker.Order{
		OrderID:       strconv.FormatInt(orderID, 10),
		ClientOrderID: order.OrderRef,
		Symbol:        contract.Symbol,
		Side:          types.ParseSide(order.Action),
		Quantity:      toDecimal(order.TotalQuantity),
		Type:          broker.OrderType(order.OrderType),
		LimitPrice:    fromFloat(order.LmtPrice),
		Adaptive:      order.AlgoStrategy == adaptiveAlgo,
		Status:        broker.StatusSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if s := broker.OrderStatus(state.Status); s != "" {
		o.Status = s
	}
	c.orders[orderID] = o
	c.contracts[orderID] = instrument(contract)
	if o.ClientOrderID != "" {
		c.byClientID[o.ClientOrderID] = orderID
	}
}

func (w *wrapper) OpenOrderEnd() {
	w.c.finishSlot(&w.c.openReq)
}

// ExecDetails records a fill. Redelivered executions replace the earlier
// copy and keep any commission already attached.
func (w *wrapper) ExecDetails(_ int64, _ *ibapi.Contract, exec *ibapi.Execution) {
	c := w.c
	at, ok := parseExecTime(exec.Time)
	if !ok {
		at = c.now()
	}

	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()
	o, found := c.orders[exec.OrderID]
	if !found {
		return
	}
	c.execs[exec.ExecID] = exec.OrderID

	fill := broker.Fill{
		ExecID:   exec.ExecID,
		Quantity: toDecimal(exec.Shares),
		Price:    fromFloat(exec.Price),
		Time:     at,
	}
	for i := range o.Fills {
		if o.Fills[i].ExecID == exec.ExecID {
			fill.Commission = o.Fills[i].Commission
			fill.RealizedPnL = o.Fills[i].RealizedPnL
			o.Fills[i] = fill
			return
		}
	}
	o.Fills = append(o.Fills, fill)
}

// CommissionAndFeesReport attaches commission to a recorded fill.
func (w *wrapper) CommissionAndFeesReport(report ibapi.CommissionAndFeesReport) {
	c := w.c
	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()
	id, ok := c.execs[report.ExecID]
	if !ok {
		return
	}
	o := c.orders[id]
	for i := range o.Fills {
		if o.Fills[i].ExecID == report.ExecID {
			o.Fills[i].Commission = fromFloat(report.CommissionAndFees)
			o.Fills[i].RealizedPnL = fromFloat(report.RealizedPNL)
		}
	}
}

// Error routes TWS error messages to the request or order they name.
func (w *wrapper) Error(reqID ibapi.TickerID, _ int64, code int64, msg string, _ string) {
	c := w.c
	apiErr := &APIError{ID: reqID, Code: int(code), Message: msg}

	if apiErr.ID < 0 {
		// Farm status notices carry no request.
		if code >= 2100 && code < 2200 {
			c.logger.Info("TWS notice", "code", code, "msg", msg)
		} else {
			c.logger.Warn("TWS error", "code", code, "msg", msg)
		}
		return
	}
	if code == codeDelayedData {
		c.logger.Debug("delayed market data", "req_id", reqID, "msg", msg)
		return
	}

	if c.finishID(apiErr.ID, apiErr) {
		return
	}

	c.ordersMu.Lock()
	o, ok := c.orders[apiErr.ID]
	if !ok {
		c.ordersMu.Unlock()
		c.logger.Debug("error for unknown id", "id", apiErr.ID, "code", code, "msg", msg)
		return
	}
	reason := fmt.Sprintf("%d: %s", code, msg)
	var rejection *broker.Rejection
	switch code {
	case codeOrderRejected:
		o.Status = broker.StatusInactive
		o.Reason = reason
		o.UpdatedAt = c.now()
		rejection = &broker.Rejection{
			OrderID: o.OrderID,
			Symbol:  o.Symbol,
			Code:    apiErr.Code,
			Message: msg,
		}
	case codeOrderCancelled:
	default:
		o.Reason = reason
	}
	symbol := o.Symbol
	c.ordersMu.Unlock()

	c.logger.Warn("order error", "order_id", apiErr.ID, "symbol", symbol, "code", code, "msg", msg)

	if rejection != nil {
		select {
		case c.rejections <- *rejection:
		default:
			c.logger.Warn("rejection channel full", "order_id", rejection.OrderID)
		}
	}
}
