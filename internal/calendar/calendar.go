// Package calendar answers which days an exchange trades on.
package calendar

import (
	"fmt"
	"time"
)

// Calendar is a weekday calendar with a fixed holiday set. Days are compared
// as calendar dates in UTC.
type Calendar struct {
	holidays map[string]bool
}

// New builds a calendar from holiday dates.
func New(holidays []time.Time) *Calendar {
	c := &Calendar{holidays: make(map[string]bool, len(holidays))}
	for _, h := range holidays {
		c.holidays[dateKey(h)] = true
	}
	return c
}

// Parse builds a calendar from YYYY-MM-DD strings.
func Parse(holidays []string) (*Calendar, error) {
	days := make([]time.Time, 0, len(holidays))
	for _, s := range holidays {
		d, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return nil, fmt.Errorf("holiday %q: %w", s, err)
		}
		days = append(days, d)
	}
	return New(days), nil
}

// IsHoliday returns true if t falls on a listed holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	return c.holidays[dateKey(t)]
}

// IsWeekday returns true if t is Mon–Fri.
func IsWeekday(t time.Time) bool {
	wd := t.UTC().Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	return IsWeekday(t) && !c.IsHoliday(t)
}

// Next returns the n trading days strictly after t, ascending.
func (c *Calendar) Next(t time.Time, n int) []time.Time {
	days := make([]time.Time, 0, n)
	d := midnight(t)
	for len(days) < n {
		d = d.AddDate(0, 0, 1)
		if c.IsTradingDay(d) {
			days = append(days, d)
		}
	}
	return days
}

// Last returns the n trading days ending at t (inclusive when t trades),
// oldest first.
func (c *Calendar) Last(t time.Time, n int) []time.Time {
	days := make([]time.Time, n)
	d := midnight(t)
	for i := n - 1; i >= 0; {
		if c.IsTradingDay(d) {
			days[i] = d
			i--
		}
		d = d.AddDate(0, 0, -1)
	}
	return days
}

func midnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dateKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
