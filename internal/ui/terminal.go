// Package ui renders run output for the terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tathienbao/rebalance-bot/internal/execution"
	"github.com/tathienbao/rebalance-bot/internal/types"
	"golang.org/x/term"
)

// ANSI escape codes
const (
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[32m"
	ColorRed    = "\033[31m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
	ColorDim    = "\033[2m"
	ColorBold   = "\033[1m"
)

// Printer writes reports, coloring them when attached to a terminal.
type Printer struct {
	w     io.Writer
	color bool
}

// NewPrinter creates a printer for f, colored when f is a terminal.
func NewPrinter(f *os.File) *Printer {
	return &Printer{w: f, color: term.IsTerminal(int(f.Fd()))}
}

// NewPlainPrinter creates a printer without color.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Report prints one line per evaluated order, the status counts and any
// residual deltas.
func (p *Printer) Report(r *execution.Report) {
	st := r.Status
	p.println(p.paint(ColorBold, "=== EXECUTION REPORT ==="))
	for _, row := range r.Rows {
		p.println(p.paint(outcomeColor(row.Outcome), fmt.Sprintf("%-9s", row.Outcome)) + " " + row.Line())
	}

	p.println(fmt.Sprintf("Symbols: %d  %s  %s  %s  %s  %s  Commissions: $%s",
		st.Total,
		p.paint(ColorGreen, fmt.Sprintf("filled %d", len(st.Filled))),
		p.paint(ColorYellow, fmt.Sprintf("unfilled %d", len(st.Unfilled))),
		p.paint(ColorYellow, fmt.Sprintf("cancelled %d", len(st.Cancelled))),
		p.paint(ColorRed, fmt.Sprintf("rejected %d", len(st.Rejected))),
		p.paint(ColorRed, fmt.Sprintf("failed %d", len(st.Failed))),
		st.Commissions.StringFixed(2),
	))

	if len(r.Unbalanced) == 0 {
		return
	}
	p.println(p.paint(ColorBold, "Unbalanced:"))
	for _, symbol := range execution.SortedSymbols(r.Unbalanced) {
		p.println(fmt.Sprintf("  %-8s %s", symbol, p.signed(r.Unbalanced.Get(symbol).String())))
	}
}

// Positions prints holdings sorted by symbol.
func (p *Printer) Positions(positions types.Positions) {
	for _, symbol := range execution.SortedSymbols(positions) {
		p.println(fmt.Sprintf("%-8s %s", symbol, p.signed(positions.Get(symbol).String())))
	}
	p.println(p.paint(ColorDim, fmt.Sprintf("%d positions", len(positions))))
}

func (p *Printer) signed(qty string) string {
	if strings.HasPrefix(qty, "-") {
		return p.paint(ColorRed, qty)
	}
	return p.paint(ColorGreen, qty)
}

func (p *Printer) paint(color, s string) string {
	if !p.color {
		return s
	}
	return color + s + ColorReset
}

func (p *Printer) println(line string) {
	_, _ = fmt.Fprintln(p.w, line)
}

func outcomeColor(outcome string) string {
	switch outcome {
	case types.OrderStatusFilled.String():
		return ColorGreen
	case types.OrderStatusRejected.String(), types.OrderStatusFailed.String():
		return ColorRed
	case types.OrderStatusCancelled.String():
		return ColorYellow
	default:
		return ColorCyan
	}
}
