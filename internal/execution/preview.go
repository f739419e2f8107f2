package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/rebalance-bot/internal/broker"
	"github.com/tathienbao/rebalance-bot/internal/metrics"
	"github.com/tathienbao/rebalance-bot/internal/types"
)

// OutcomeWhatIf marks report rows answered by a what-if order.
const OutcomeWhatIf = "WHAT-IF"

// Preview sends a what-if order for every leg of the trade list and returns
// one row per leg with the broker's commission and margin estimate. Nothing
// is placed. A broker without what-if support yields no rows.
func (e *Executor) Preview(ctx context.Context) ([]ReportRow, error) {
	if len(e.symbols) == 0 {
		return nil, nil
	}

	insts := make([]broker.Instrument, 0, len(e.symbols))
	for _, symbol := range e.symbols {
		insts = append(insts, e.instrument(symbol))
	}
	qualified, err := e.broker.Qualify(ctx, insts)
	if err != nil {
		return nil, fmt.Errorf("qualify instruments: %w", err)
	}
	bySymbol := make(map[string]broker.Instrument, len(qualified))
	for _, inst := range qualified {
		bySymbol[inst.Symbol] = inst
	}

	var rows []ReportRow
	for _, symbol := range e.symbols {
		inst, ok := bySymbol[symbol]
		if !ok {
			qty := e.trades.Get(symbol)
			rows = append(rows, ReportRow{
				Evaluation: Evaluation{Symbol: symbol, Side: types.SideOf(qty).String(), Quantity: qty.Abs()},
				Outcome:    types.OrderStatusFailed.String(),
				Note:       broker.ErrNotTradable.Error(),
			})
			continue
		}

		for _, qty := range SplitLegs(e.current.Get(symbol), e.targets.Get(symbol)) {
			row, err := e.whatIf(ctx, inst, qty)
			if errors.Is(err, broker.ErrWhatIfUnsupported) {
				e.logger.Info("broker has no what-if orders, skipping previews")
				return nil, nil
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (e *Executor) whatIf(ctx context.Context, inst broker.Instrument, qty decimal.Decimal) (ReportRow, error) {
	row := ReportRow{Evaluation: Evaluation{
		Symbol:   inst.Symbol,
		Side:     types.SideOf(qty).String(),
		Quantity: qty.Abs(),
	}}

	req, quote, err := e.request(ctx, inst, qty)
	if err == nil {
		req.ClientOrderID = ""
		req.WhatIf = true
		timer := metrics.NewTimer()
		var order *broker.Order
		order, err = e.broker.SubmitOrder(ctx, req)
		timer.ObserveBroker(e.broker.Name(), "what_if", err)
		if err == nil {
			return e.previewRow(row, req, quote, order), nil
		}
		if errors.Is(err, broker.ErrWhatIfUnsupported) {
			return row, err
		}
		err = e.submissionError(inst.Symbol, StageSubmit, err)
	}

	e.logger.Warn("what-if failed", "symbol", inst.Symbol, "qty", qty, "err", err)
	row.Outcome = types.OrderStatusFailed.String()
	row.Note = err.Error()
	return row, nil
}

func (e *Executor) previewRow(row ReportRow, req broker.OrderRequest, quote types.Quote, order *broker.Order) ReportRow {
	row.Type = string(req.Type)
	row.Price = req.LimitPrice
	if req.Type != broker.OrderTypeLimit {
		row.Price, _ = quote.Mid()
	}
	row.Bid = quote.RawBid().Round(2)
	row.Ask = quote.RawAsk().Round(2)
	row.Status = string(order.Status)
	row.Outcome = OutcomeWhatIf

	p := order.Preview
	if p == nil {
		p = &broker.Preview{}
	}
	row.Cost = p.Commission.Round(2)
	row.Note = fmt.Sprintf("init margin %s, maint margin %s", p.InitMarginChange.Round(2), p.MaintMarginChange.Round(2))
	if p.Warning != "" {
		row.Note += "; " + p.Warning
	}

	e.logger.Info("what-if answered",
		"symbol", row.Symbol,
		"side", row.Side,
		"qty", row.Quantity,
		"commission", row.Cost,
		"init_margin_change", p.InitMarginChange,
	)
	return row
}
