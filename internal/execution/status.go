package execution

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/rebalance-bot/internal/types"
)

// Status is a point-in-time view of the run's symbol outcomes.
type Status struct {
	Total       int               `json:"total"`
	Filled      []string          `json:"filled"`
	Unfilled    []string          `json:"unfilled"`
	Cancelled   []string          `json:"cancelled"`
	Failed      map[string]string `json:"failed"`
	Rejected    map[string]string `json:"rejected"`
	Commissions decimal.Decimal   `json:"commissions"`
}

// Status returns the last published snapshot. Safe for concurrent use.
func (e *Executor) Status() Status {
	if st := e.status.Load(); st != nil {
		return *st
	}
	return Status{}
}

func (e *Executor) publish() {
	e.status.Store(e.snapshot())
}

func (e *Executor) snapshot() *Status {
	st := &Status{
		Total:       len(e.symbols),
		Filled:      []string{},
		Unfilled:    []string{},
		Cancelled:   []string{},
		Failed:      make(map[string]string),
		Rejected:    make(map[string]string),
		Commissions: decimal.Zero,
	}

	for _, symbol := range e.symbols {
		t, ok := e.book[symbol]
		if !ok {
			st.Unfilled = append(st.Unfilled, symbol)
			continue
		}
		for _, l := range t.legs {
			if l.order != nil {
				st.Commissions = st.Commissions.Add(l.order.Commission())
			}
		}

		switch t.status {
		case types.OrderStatusFilled:
			st.Filled = append(st.Filled, symbol)
		case types.OrderStatusCancelled:
			st.Cancelled = append(st.Cancelled, symbol)
		case types.OrderStatusFailed:
			st.Failed[symbol] = t.reason
		case types.OrderStatusRejected:
			st.Rejected[symbol] = t.reason
		default:
			st.Unfilled = append(st.Unfilled, symbol)
		}
	}

	st.Commissions = st.Commissions.Round(4)
	return st
}

// ReportRow is one line of the execution report.
type ReportRow struct {
	Evaluation
	Outcome string
	Note    string
}

// Line formats the row as
// "{side} {qty} {symbol} @ {price} %Spread=.. Cost=.. Time=.. PNL=..".
func (r ReportRow) Line() string {
	line := fmt.Sprintf("%s %s %s @ %s %%Spread=%s Cost=%s Time=%s PNL=%s",
		r.Side, r.Quantity, r.Symbol, r.Price, r.Spread, r.Cost, r.Duration, r.PnL)
	if r.Note != "" {
		line += " (" + r.Note + ")"
	}
	return line
}

// Report is the end-of-run execution summary.
type Report struct {
	Status     Status
	Rows       []ReportRow
	Unbalanced types.Positions
}

// Lines returns the formatted rows.
func (r *Report) Lines() []string {
	out := make([]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		out = append(out, row.Line())
	}
	return out
}

// SortWorstFirst orders rows by descending effective spread.
func SortWorstFirst(rows []ReportRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Spread.GreaterThan(rows[j].Spread)
	})
}

// Report evaluates every submitted order and reloads positions to list
// residual deltas.
func (e *Executor) Report(ctx context.Context) (*Report, error) {
	report := &Report{Status: *e.snapshot()}

	for _, symbol := range e.symbols {
		t, ok := e.book[symbol]
		if !ok {
			continue
		}
		if len(t.legs) == 0 || (t.legs[0].order == nil && t.status == types.OrderStatusFailed) {
			report.Rows = append(report.Rows, ReportRow{
				Evaluation: Evaluation{Symbol: symbol, Side: types.SideOf(e.trades.Get(symbol)).String(), Quantity: e.trades.Get(symbol).Abs()},
				Outcome:    t.status.String(),
				Note:       t.reason,
			})
			continue
		}

		for _, l := range t.legs {
			if l.order == nil {
				// a later leg that never reached the broker
				if l.status == types.OrderStatusFailed {
					report.Rows = append(report.Rows, ReportRow{
						Evaluation: Evaluation{Symbol: symbol, Side: types.SideOf(l.qty).String(), Quantity: l.qty.Abs()},
						Outcome:    l.status.String(),
						Note:       l.reason,
					})
				}
				continue
			}
			row := ReportRow{Outcome: l.status.String(), Note: l.reason}
			eval, err := e.quality.Evaluate(l.order)
			if err != nil {
				e.logger.Warn("evaluate order failed", "symbol", symbol, "order_id", l.order.OrderID, "err", err)
				eval = Evaluation{
					Symbol:   symbol,
					Side:     l.order.Side.String(),
					Type:     string(l.order.Type),
					Quantity: l.order.Quantity,
					Price:    l.order.ReferencePrice(),
					PnL:      l.order.RealizedPnL().Round(2),
					Status:   string(l.order.Status),
				}
			}
			row.Evaluation = eval
			report.Rows = append(report.Rows, row)
		}
	}
	SortWorstFirst(report.Rows)

	current, err := e.broker.GetPositions(ctx, e.cfg.SecType, e.cfg.Currency)
	if err != nil {
		return report, fmt.Errorf("get positions: %w", err)
	}
	report.Unbalanced = GetUnbalanced(current, e.targets, e.cfg.TurnoverThreshold)
	return report, nil
}
