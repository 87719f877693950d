// Package hours answers market-hours questions for a configurable window in
// a market timezone: are we live now, and how long until the next open.
package hours

import (
	"fmt"
	"strings"
	"time"
)

// Window is a daily trading window in the market's local clock. Start may be
// later than End, which denotes a window crossing midnight (e.g. 22:00-02:00).
type Window struct {
	StartHour, StartMin int
	EndHour, EndMin     int
}

// ParseWindow parses an "HH:MM-HH:MM" string into a Window.
func ParseWindow(s string) (Window, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("invalid trading-hours window %q: want HH:MM-HH:MM", s)
	}
	var w Window
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[0]), "%d:%d", &w.StartHour, &w.StartMin); err != nil {
		return Window{}, fmt.Errorf("invalid window start %q: %w", parts[0], err)
	}
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d:%d", &w.EndHour, &w.EndMin); err != nil {
		return Window{}, fmt.Errorf("invalid window end %q: %w", parts[1], err)
	}
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 ||
		w.StartMin < 0 || w.StartMin > 59 || w.EndMin < 0 || w.EndMin > 59 {
		return Window{}, fmt.Errorf("trading-hours window %q out of range", s)
	}
	return w, nil
}

// Checker evaluates a Window against a market timezone. The clock is
// injectable so tests can freeze it.
type Checker struct {
	window Window
	market *time.Location

	now func() time.Time
}

// NewChecker creates a Checker for the given window and market timezone name
// (e.g. "US/Eastern", "Europe/Berlin"). DST is honoured via the zone
// database.
func NewChecker(window Window, marketTZ string) (*Checker, error) {
	loc, err := time.LoadLocation(marketTZ)
	if err != nil {
		return nil, fmt.Errorf("loading market timezone %q: %w", marketTZ, err)
	}
	return &Checker{window: window, market: loc, now: time.Now}, nil
}

// WithClock replaces the checker's clock. Test hook.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	c.now = now
	return c
}

// minuteOfDay converts a market-local time to minutes since local midnight.
func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// IsWithinHours reports whether the market clock currently falls inside the
// window, inclusive on both ends.
func (c *Checker) IsWithinHours() bool {
	now := c.now().In(c.market)
	cur := minuteOfDay(now)
	start := c.window.StartHour*60 + c.window.StartMin
	end := c.window.EndHour*60 + c.window.EndMin

	if start > end {
		// Midnight-crossing window.
		return cur >= start || cur <= end
	}
	return cur >= start && cur <= end
}

// NextActiveTime returns the next instant the window opens, or the current
// time when already inside the window.
func (c *Checker) NextActiveTime() time.Time {
	now := c.now().In(c.market)
	if c.IsWithinHours() {
		return now
	}

	start := time.Date(now.Year(), now.Month(), now.Day(),
		c.window.StartHour, c.window.StartMin, 0, 0, c.market)
	if !now.Before(start) {
		start = start.AddDate(0, 0, 1)
	}
	return start
}

// SecondsUntilActive returns 0 when within hours, otherwise the number of
// seconds until the window next opens.
func (c *Checker) SecondsUntilActive() int64 {
	if c.IsWithinHours() {
		return 0
	}
	now := c.now().In(c.market)
	return int64(c.NextActiveTime().Sub(now) / time.Second)
}

// SecondsUntilClose returns the seconds until the window closes, or 0 when
// outside the window.
func (c *Checker) SecondsUntilClose() int64 {
	if !c.IsWithinHours() {
		return 0
	}
	now := c.now().In(c.market)
	end := time.Date(now.Year(), now.Month(), now.Day(),
		c.window.EndHour, c.window.EndMin, 0, 0, c.market)
	if end.Before(now) {
		// Midnight-crossing window closing tomorrow.
		end = end.AddDate(0, 0, 1)
	}
	return int64(end.Sub(now) / time.Second)
}
