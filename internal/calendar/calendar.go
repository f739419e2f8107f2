// Package calendar answers market-hours questions for the rebalance run.
package calendar

import (
	"fmt"
	"time"

	exchange "github.com/scmhub/calendar"
)

// Calendar reports exchange session state.
type Calendar interface {
	IsOpen(t time.Time) bool
	NextClose(t time.Time) time.Time
}

// DefaultOpenBuffer delays the reported open so the first quotes settle.
const DefaultOpenBuffer = 10 * time.Second

// firstYear bounds the precomputed holiday table from below.
const firstYear = 2010

// NYSE implements the New York Stock Exchange regular session on top of the
// XNYS holiday and early-close table.
type NYSE struct {
	xnys   *exchange.Calendar
	buffer time.Duration
	extra  map[string]bool
}

// NewNYSE creates a calendar in the exchange time zone. extraHolidays are
// additional full-day closures in YYYY-MM-DD form.
func NewNYSE(buffer time.Duration, extraHolidays []string) (*NYSE, error) {
	if exchange.NewYork == nil {
		return nil, fmt.Errorf("load exchange timezone: America/New_York unavailable")
	}
	xnys := exchange.XNYS(firstYear, time.Now().Year()+exchange.YearsAhead)

	extra := make(map[string]bool, len(extraHolidays))
	for _, day := range extraHolidays {
		if _, err := time.ParseInLocation(time.DateOnly, day, xnys.Loc); err != nil {
			return nil, fmt.Errorf("extra holiday %q: %w", day, err)
		}
		extra[day] = true
	}

	return &NYSE{xnys: xnys, buffer: buffer, extra: extra}, nil
}

// IsOpen returns true if the regular session is open at t minus the buffer.
func (c *NYSE) IsOpen(t time.Time) bool {
	local := t.Add(-c.buffer).In(c.xnys.Loc)
	open, close, ok := c.Session(local)
	if !ok {
		return false
	}
	return !local.Before(open) && local.Before(close)
}

// NextClose returns the first session close strictly after t, or the zero
// time when none falls inside the holiday table.
func (c *NYSE) NextClose(t time.Time) time.Time {
	local := t.In(c.xnys.Loc)
	for i := 0; i < 14; i++ {
		day := local.AddDate(0, 0, i)
		if _, close, ok := c.Session(day); ok && close.After(t) {
			return close
		}
	}
	return time.Time{}
}

// Session returns the open and close for the trading day containing t.
func (c *NYSE) Session(t time.Time) (open, close time.Time, ok bool) {
	day := exchange.BOD(t.In(c.xnys.Loc))
	if !c.IsTradingDay(day) {
		return time.Time{}, time.Time{}, false
	}

	hours := c.xnys.Session()
	open = day.Add(hours.Open)
	close = day.Add(hours.Close)
	if c.xnys.IsEarlyClose(day) {
		close = day.Add(hours.EarlyClose)
	}
	return open, close, true
}

// IsTradingDay returns true for weekdays that are not exchange holidays.
// Days outside the holiday table are never trading days.
func (c *NYSE) IsTradingDay(day time.Time) bool {
	day = day.In(c.xnys.Loc)
	if start, end := c.xnys.Years(); day.Year() < start || day.Year() > end {
		return false
	}
	if c.extra[day.Format(time.DateOnly)] {
		return false
	}
	return c.xnys.IsBusinessDay(day)
}
