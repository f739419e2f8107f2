package alerting

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RunSummary contains the end-of-run statistics sent to the report channel.
type RunSummary struct {
	Name        string
	Date        time.Time
	Broker      string
	Mode        string
	Targets     int
	Trades      int
	Filled      int
	Cancelled   int
	Rejected    map[string]string
	Failed      map[string]string
	Unfilled    []string
	Commissions decimal.Decimal
	FillRate    decimal.Decimal // percent
	Unbalanced  map[string]decimal.Decimal
	Executions  []string
}

// NewRunSummary creates a summary and derives the fill rate.
func NewRunSummary(
	name string,
	date time.Time,
	brokerName, mode string,
	targets, trades, filled, cancelled int,
	rejected, failed map[string]string,
	unfilled []string,
	commissions decimal.Decimal,
) RunSummary {
	var fillRate decimal.Decimal
	if trades > 0 {
		fillRate = decimal.NewFromInt(int64(filled)).
			Div(decimal.NewFromInt(int64(trades))).
			Mul(decimal.NewFromInt(100)).
			Round(1)
	}

	return RunSummary{
		Name:        name,
		Date:        date,
		Broker:      brokerName,
		Mode:        mode,
		Targets:     targets,
		Trades:      trades,
		Filled:      filled,
		Cancelled:   cancelled,
		Rejected:    rejected,
		Failed:      failed,
		Unfilled:    unfilled,
		Commissions: commissions,
		FillRate:    fillRate,
	}
}

// Severity is Info for a clean run and Warning otherwise.
func (s RunSummary) Severity() Severity {
	if len(s.Rejected) > 0 || len(s.Failed) > 0 || len(s.Unfilled) > 0 || len(s.Unbalanced) > 0 {
		return SeverityWarning
	}
	return SeverityInfo
}

// Message renders the headline notification.
func (s RunSummary) Message() Message {
	fields := []Field{
		{Key: "Date", Value: s.Date.Format(time.DateOnly)},
		{Key: "Broker", Value: s.Broker + " (" + s.Mode + ")"},
		{Key: "Targets", Value: s.Targets},
		{Key: "Trades", Value: s.Trades},
		{Key: "Filled", Value: s.Filled},
		{Key: "Fill Rate", Value: s.FillRate.StringFixed(1) + "%"},
		{Key: "Commissions", Value: "$" + s.Commissions.StringFixed(2)},
	}
	if s.Cancelled > 0 {
		fields = append(fields, Field{Key: "Cancelled", Value: s.Cancelled})
	}
	if len(s.Unfilled) > 0 {
		fields = append(fields, Field{Key: "Unfilled", Value: strings.Join(s.Unfilled, ", ")})
	}
	if len(s.Rejected) > 0 {
		fields = append(fields, Field{Key: "Rejected", Value: formatReasons(s.Rejected)})
	}
	if len(s.Failed) > 0 {
		fields = append(fields, Field{Key: "Failed", Value: formatReasons(s.Failed)})
	}
	if len(s.Unbalanced) > 0 {
		fields = append(fields, Field{Key: "Unbalanced", Value: formatQuantities(s.Unbalanced)})
	}

	return Message{
		Title:    s.Name + " Rebalance Report",
		Severity: s.Severity(),
		Fields:   fields,
	}
}

// DetailMessage renders per-order execution lines as a reply to parent.
func (s RunSummary) DetailMessage(parent string) (Message, bool) {
	if len(s.Executions) == 0 {
		return Message{}, false
	}
	return Message{
		Title:    "Executions",
		Text:     strings.Join(s.Executions, "\n"),
		Severity: SeverityInfo,
		ThreadID: parent,
	}, true
}

func formatReasons(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+m[k])
	}
	return strings.Join(lines, "\n")
}

func formatQuantities(m map[string]decimal.Decimal) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k].String())
	}
	return strings.Join(parts, ", ")
}
