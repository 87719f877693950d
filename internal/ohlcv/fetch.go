package ohlcv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tickvault/internal/domain"
	"tickvault/internal/registry"
	"tickvault/internal/store"
)

// Provider range limits per interval family.
const (
	hourlyMaxDays = 729
	minuteMaxDays = 7
)

var (
	hourlyIntervals = map[string]bool{"1h": true, "60m": true, "90m": true}
	minuteIntervals = map[string]bool{"1m": true, "2m": true, "5m": true, "15m": true, "30m": true}
)

// fullHistoryPeriod is the provider period used when nothing is stored yet.
func fullHistoryPeriod(interval string) string {
	switch {
	case hourlyIntervals[interval]:
		return "729d"
	case minuteIntervals[interval]:
		return "8d"
	default:
		return "10y"
	}
}

// clampRange applies the provider's interval range limits. ok is false when
// no fetchable window remains.
func clampRange(interval string, start, end, today time.Time) (time.Time, time.Time, bool) {
	var maxDays int
	switch {
	case hourlyIntervals[interval]:
		maxDays = hourlyMaxDays
	case minuteIntervals[interval]:
		maxDays = minuteMaxDays
	default:
		return start, end, true
	}

	oldest := today.AddDate(0, 0, -maxDays)
	if start.Before(oldest) {
		start = oldest
	}
	if end.Before(oldest) {
		end = oldest
	}
	if end.Sub(start) > time.Duration(maxDays)*24*time.Hour {
		return start, end, false
	}
	return start, end, true
}

// countBusinessDays counts the weekdays strictly after start's date up to and
// including end's date.
func countBusinessDays(start, end time.Time) int {
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	n := 0
	for !day.After(last) {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n++
		}
		day = day.AddDate(0, 0, 1)
	}
	return n
}

// FetchService pulls OHLCV bars for one ticker-interval, merges them into the
// store, and keeps the registry lifecycle current.
type FetchService struct {
	Client   *ChartClient
	Store    store.Backend
	Registry *registry.Registry

	Market  string
	Source  string
	Dataset string

	log *slog.Logger
	now func() time.Time
}

// NewFetchService wires a FetchService over the given backend and registry.
func NewFetchService(client *ChartClient, backend store.Backend, reg *registry.Registry, market, source, dataset string) *FetchService {
	return &FetchService{
		Client:   client,
		Store:    backend,
		Registry: reg,
		Market:   market,
		Source:   source,
		Dataset:  dataset,
		log:      slog.Default().With("component", "ohlcv-fetch"),
		now:      time.Now,
	}
}

// WithClock replaces the service clock. Test hook.
func (s *FetchService) WithClock(now func() time.Time) *FetchService {
	s.now = now
	return s
}

func (s *FetchService) request(ticker, interval string) store.BarRequest {
	return store.BarRequest{
		Market:   s.Market,
		Source:   s.Source,
		Dataset:  s.Dataset,
		Interval: interval,
		Ticker:   ticker,
	}
}

// UpdateTicker brings one ticker-interval up to date. An empty store triggers
// the full-history period fetch; otherwise the window runs from the newest
// stored bar to now, clamped to the provider's interval limits and skipped
// when it brackets no business day. The registry does not get persisted here;
// callers save once per sweep.
func (s *FetchService) UpdateTicker(ctx context.Context, ticker, interval string) error {
	req := s.request(ticker, interval)
	existing, err := s.Store.Read(req)
	if err != nil {
		return fmt.Errorf("reading %s %s: %w", ticker, interval, err)
	}

	now := s.now().UTC()
	var bars []domain.Bar
	if len(existing) == 0 {
		bars, err = s.Client.HistoryPeriod(ctx, ticker, interval, fullHistoryPeriod(interval))
		if err != nil {
			return err
		}
		if len(bars) == 0 {
			s.log.Info("ticker not found", "ticker", ticker, "interval", interval)
			s.Registry.MarkNotFound(ticker, interval)
			return nil
		}
	} else {
		start := newestBarTime(existing)
		if countBusinessDays(start, now) < 1 {
			s.log.Debug("up to date, skipping", "ticker", ticker, "interval", interval)
			return nil
		}
		start, end, ok := clampRange(interval, start, now, now)
		if !ok {
			return nil
		}
		bars, err = s.Client.History(ctx, ticker, interval, start, end)
		if err != nil {
			return err
		}
		if len(bars) == 0 {
			// A quiet incremental window is not a dead symbol.
			s.log.Debug("no new bars", "ticker", ticker, "interval", interval)
			return nil
		}
	}

	merged, err := s.Store.Save(req, bars, existing)
	if err != nil {
		return fmt.Errorf("saving %s %s: %w", ticker, interval, err)
	}
	s.Registry.MarkFound(ticker, interval, newestBarTime(merged))
	s.log.Info("ticker updated",
		"ticker", ticker,
		"interval", interval,
		"fetched", len(bars),
		"total", len(merged),
	)
	return nil
}

func newestBarTime(bars []domain.Bar) time.Time {
	var newest time.Time
	for _, b := range bars {
		if t := b.Time(); t.After(newest) {
			newest = t
		}
	}
	return newest
}
