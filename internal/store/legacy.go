package store

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tickvault/internal/domain"
)

// LegacyStore reads and writes the pre-migration flat layout: one Parquet
// file per ticker at {legacyRoot}/{dataset}_{interval}/{ticker}.parquet.
type LegacyStore struct {
	Paths PathBuilder
	Opts  Options
	log   *slog.Logger
}

// NewLegacyStore creates a LegacyStore over the given path builder.
func NewLegacyStore(paths PathBuilder, opts Options) *LegacyStore {
	return &LegacyStore{
		Paths: paths,
		Opts:  opts,
		log:   slog.Default().With("component", "legacy-store"),
	}
}

func (s *LegacyStore) file(req BarRequest) string {
	legacy := req
	legacy.Market = ""
	legacy.Source = ""
	return s.Paths.BarFile(legacy, time.Time{})
}

// Read loads the ticker's legacy file through the recovering reader. Schema
// mismatches and normalize failures yield an empty frame with the file
// preserved; the error is logged, not returned, so a single bad ticker does
// not halt a whole run.
func (s *LegacyStore) Read(req BarRequest) ([]domain.Bar, error) {
	path := s.file(req)
	bars, outcome, err := SafeReadBars(path)
	switch outcome {
	case OutcomeOK, OutcomeMissing, OutcomePreservedEmpty:
		return bars, nil
	case OutcomeCorruptDeleted:
		s.log.Warn("corrupt legacy file deleted", "path", path, "error", err)
		return nil, nil
	default:
		s.log.Error("legacy file preserved after failed read", "path", path, "outcome", outcome.String(), "error", err)
		return nil, nil
	}
}

// ReadStrict behaves like Read but surfaces preserved failures to the
// caller. The migration coordinator uses it so a bad legacy file aborts the
// interval instead of migrating an empty frame.
func (s *LegacyStore) ReadStrict(req BarRequest) ([]domain.Bar, Outcome, error) {
	return SafeReadBars(s.file(req))
}

// Save merges and rewrites the ticker's single legacy file.
func (s *LegacyStore) Save(req BarRequest, incoming, existing []domain.Bar) ([]domain.Bar, error) {
	if req.Interval == "" || req.Ticker == "" {
		return nil, fmt.Errorf("legacy save requires interval and ticker")
	}
	merged := MergeBars(existing, incoming)
	for _, b := range merged {
		if b.Stock != req.Ticker {
			return nil, fmt.Errorf("save for ticker %q found row for %q", req.Ticker, b.Stock)
		}
	}
	path := s.file(req)
	if err := writeParquetAtomic(path, merged, s.Opts); err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	return merged, nil
}

// ListTickers returns the sorted ticker names with legacy files for the
// given dataset and interval.
func (s *LegacyStore) ListTickers(dataset, interval string) ([]string, error) {
	dir := s.Paths.LegacyIntervalDir(dataset, interval)
	matches, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	if err != nil {
		return nil, fmt.Errorf("globbing %s: %w", dir, err)
	}
	tickers := make([]string, 0, len(matches))
	for _, m := range matches {
		tickers = append(tickers, strings.TrimSuffix(filepath.Base(m), ".parquet"))
	}
	sort.Strings(tickers)
	return tickers, nil
}
