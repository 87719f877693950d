// Package store implements the partitioned Parquet storage engine: the
// deterministic path layout, the recovering reader, the dedup merge with
// atomic temp-rename writes, and the legacy/partitioned dispatch.
package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// BarRequest addresses one ticker's data within a dataset. Market and Source
// empty means the pre-migration legacy layout.
type BarRequest struct {
	Market   string
	Source   string
	Dataset  string
	Interval string
	Ticker   string
}

// Validate checks that the request fully addresses a partitioned ticker.
func (r BarRequest) Validate() error {
	if r.Market == "" || r.Source == "" || r.Dataset == "" || r.Interval == "" || r.Ticker == "" {
		return fmt.Errorf("incomplete bar request: market=%q source=%q dataset=%q interval=%q ticker=%q",
			r.Market, r.Source, r.Dataset, r.Interval, r.Ticker)
	}
	return nil
}

// PathBuilder maps (market, source, dataset, interval, ticker, timestamp) to
// filesystem paths. Root is the data directory; LegacyRoot holds the
// pre-migration flat layout and defaults to Root/legacy.
type PathBuilder struct {
	Root       string
	LegacyRoot string
}

// NewPathBuilder creates a PathBuilder rooted at the given data directory.
func NewPathBuilder(root string) PathBuilder {
	return PathBuilder{Root: root, LegacyRoot: filepath.Join(root, "legacy")}
}

func segment(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// BarFile returns the Parquet file path for the month containing ts.
// When market or source is empty it falls back to the legacy layout
// {legacyRoot}/stocks_{interval}/{ticker}.parquet, which callers use to read
// pre-migration files. The timestamp is truncated to its date before the
// month is derived.
func (p PathBuilder) BarFile(req BarRequest, ts time.Time) string {
	if req.Market == "" || req.Source == "" {
		return filepath.Join(p.LegacyRoot,
			fmt.Sprintf("%s_%s", segment(req.Dataset), req.Interval),
			req.Ticker+".parquet")
	}
	day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	return filepath.Join(p.datasetRoot(req),
		"ticker="+req.Ticker,
		fmt.Sprintf("year=%04d", day.Year()),
		fmt.Sprintf("month=%02d", int(day.Month())),
		"data.parquet")
}

func (p PathBuilder) datasetRoot(req BarRequest) string {
	return filepath.Join(p.Root, segment(req.Market), segment(req.Source),
		fmt.Sprintf("%s_%s", segment(req.Dataset), req.Interval))
}

// TickerRoot returns the prefix up to and including the ticker segment. The
// legacy layout has no ticker-root concept, so missing market or source is an
// error.
func (p PathBuilder) TickerRoot(req BarRequest) (string, error) {
	if req.Market == "" || req.Source == "" {
		return "", fmt.Errorf("ticker root requires market and source (ticker %q)", req.Ticker)
	}
	return filepath.Join(p.datasetRoot(req), "ticker="+req.Ticker), nil
}

// TradeDayFile returns the daily posttrade file path for a venue-day.
func (p PathBuilder) TradeDayFile(market, source, venue string, day time.Time) string {
	return filepath.Join(p.Root, segment(market), segment(source), "trades",
		"venue="+venue,
		fmt.Sprintf("year=%04d", day.Year()),
		fmt.Sprintf("month=%02d", int(day.Month())),
		fmt.Sprintf("day=%02d", day.Day()),
		"trades.parquet")
}

// TradeMonthFile returns the consolidated monthly posttrade file path.
func (p PathBuilder) TradeMonthFile(market, source, venue string, year int, month time.Month) string {
	return filepath.Join(p.Root, segment(market), segment(source), "trades_monthly",
		"venue="+venue,
		fmt.Sprintf("year=%04d", year),
		fmt.Sprintf("month=%02d", int(month)),
		"trades.parquet")
}

// TradeVenueRoot returns the daily trades root for a venue.
func (p PathBuilder) TradeVenueRoot(market, source, venue string) string {
	return filepath.Join(p.Root, segment(market), segment(source), "trades", "venue="+venue)
}

// LegacyIntervalDir returns the legacy directory holding {ticker}.parquet
// files for one dataset and interval.
func (p PathBuilder) LegacyIntervalDir(dataset, interval string) string {
	return filepath.Join(p.LegacyRoot, fmt.Sprintf("%s_%s", segment(dataset), interval))
}
