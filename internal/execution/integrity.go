package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/tathienbao/rebalance-bot/internal/alerting"
	"github.com/tathienbao/rebalance-bot/internal/types"
)

// Integrity check names, used as metric labels.
const (
	CheckTerminal     = "terminal"
	CheckCount        = "count"
	CheckCompleteness = "completeness"
)

// Violation is one failed post-run integrity check.
type Violation struct {
	Check  string
	Detail string
}

func (v Violation) String() string {
	return v.Check + ": " + v.Detail
}

// IntegrityReport is the outcome of Check.
type IntegrityReport struct {
	Skipped    bool
	Violations []Violation
	Mismatches types.Positions // target - current for symbols off target
}

// OK returns true when no check failed and positions matched.
func (r *IntegrityReport) OK() bool {
	return len(r.Violations) == 0 && len(r.Mismatches) == 0
}

// Check compares the broker's view of this run's orders with the local
// bookkeeping. When every symbol filled it also verifies positions.
func (e *Executor) Check(ctx context.Context) (*IntegrityReport, error) {
	if e.cfg.Debug {
		e.logger.Debug("integrity check skipped in debug mode")
		return &IntegrityReport{Skipped: true}, nil
	}

	orders, err := e.broker.Orders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	ours := make(map[string]*leg)
	local := make(map[types.OrderStatus]int)
	for _, symbol := range e.symbols {
		t, ok := e.book[symbol]
		if !ok {
			continue
		}
		for _, l := range t.legs {
			if l.order == nil {
				continue
			}
			ours[l.order.OrderID] = l
			local[l.status]++
		}
	}

	report := &IntegrityReport{}
	remote := make(map[types.OrderStatus]int)
	for _, o := range orders {
		if _, ok := ours[o.OrderID]; !ok {
			continue
		}
		if !o.Status.IsTerminal() {
			report.Violations = append(report.Violations, Violation{
				Check:  CheckTerminal,
				Detail: fmt.Sprintf("%s order %s is %s", o.Symbol, o.OrderID, o.Status),
			})
		}
		remote[o.Status.Local()]++
	}

	for _, status := range []types.OrderStatus{
		types.OrderStatusFilled,
		types.OrderStatusCancelled,
		types.OrderStatusRejected,
	} {
		if remote[status] != local[status] {
			report.Violations = append(report.Violations, Violation{
				Check:  CheckCount,
				Detail: fmt.Sprintf("%s: broker=%d local=%d", strings.ToLower(status.String()), remote[status], local[status]),
			})
		}
	}

	st := e.snapshot()
	settled := len(st.Filled) + len(st.Cancelled) + len(st.Rejected) + len(st.Failed)
	if settled != len(e.symbols) || len(st.Unfilled) > 0 {
		report.Violations = append(report.Violations, Violation{
			Check:  CheckCompleteness,
			Detail: fmt.Sprintf("settled %d of %d symbols, unfilled %v", settled, len(e.symbols), st.Unfilled),
		})
	}

	if len(report.Violations) > 0 {
		lines := make([]string, 0, len(report.Violations))
		for _, v := range report.Violations {
			e.metrics.RecordIntegrityViolation(v.Check)
			lines = append(lines, v.String())
		}
		e.logger.Error("integrity check failed", "violations", lines)
		e.alert(ctx, alerting.EventIntegrityViolation, "Integrity Check Failed",
			"run", e.cfg.Name,
			"violations", strings.Join(lines, "\n"),
		)
	}

	if len(st.Filled) == len(e.symbols) && len(e.symbols) > 0 {
		mismatches, err := e.VerifyPositions(ctx)
		if err != nil {
			return report, err
		}
		report.Mismatches = mismatches
	}

	return report, nil
}

// VerifyPositions reloads positions and returns symbols whose holding is
// still off target by more than the turnover threshold. All mismatches are
// sent as one alert.
func (e *Executor) VerifyPositions(ctx context.Context) (types.Positions, error) {
	current, err := e.broker.GetPositions(ctx, e.cfg.SecType, e.cfg.Currency)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	mismatches := GetDiff(current, e.targets, e.cfg.TurnoverThreshold)
	e.metrics.RecordPositionMismatches(len(mismatches))
	if len(mismatches) == 0 {
		e.logger.Info("positions verified", "symbols", len(e.targets))
		return mismatches, nil
	}

	fields := make([]any, 0, 2*len(mismatches))
	for _, symbol := range SortedSymbols(mismatches) {
		fields = append(fields, symbol, fmt.Sprintf("held %s want %s", current.Get(symbol), e.targets.Get(symbol)))
	}
	e.logger.Error("position mismatch", "symbols", SortedSymbols(mismatches))
	e.alert(ctx, alerting.EventPositionMismatch, "Position Mismatch!", fields...)
	return mismatches, nil
}
