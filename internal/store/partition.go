package store

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"tickvault/internal/domain"
)

// Options carries the Parquet write knobs. RowGroupSize 0 lets the writer
// choose; Compression is "gzip" or "none".
type Options struct {
	Fsync        bool
	RowGroupSize int64
	Compression  string
}

// DefaultOptions is the durable default: fsync on, gzip, writer-chosen row
// groups.
func DefaultOptions() Options {
	return Options{Fsync: true, Compression: "gzip"}
}

// PartitionReadError reports every partition file that failed during a Read,
// keyed by path. A read never silently omits partitions.
type PartitionReadError struct {
	Failures map[string]string
}

func (e *PartitionReadError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for path, reason := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", path, reason))
	}
	sort.Strings(parts)
	return "partition read failed: " + strings.Join(parts, "; ")
}

// PartitionedStore reads and writes the ticker-month Parquet layout.
type PartitionedStore struct {
	Paths PathBuilder
	Opts  Options
	log   *slog.Logger
}

// NewPartitionedStore creates a PartitionedStore over the given path builder.
func NewPartitionedStore(paths PathBuilder, opts Options) *PartitionedStore {
	return &PartitionedStore{
		Paths: paths,
		Opts:  opts,
		log:   slog.Default().With("component", "partitioned-store"),
	}
}

// Read concatenates every ticker-month file under the request's ticker root.
// Corrupt files are deleted and skipped; preserved failures (schema mismatch,
// normalize failure) surface as a single PartitionReadError naming every
// failed file. Rows come back sorted by (stock, date).
func (s *PartitionedStore) Read(req BarRequest) ([]domain.Bar, error) {
	root, err := s.Paths.TickerRoot(req)
	if err != nil {
		return nil, err
	}

	matches, err := filepath.Glob(filepath.Join(root, "year=*", "month=*", "data.parquet"))
	if err != nil {
		return nil, fmt.Errorf("globbing ticker root %s: %w", root, err)
	}
	sort.Strings(matches)

	var bars []domain.Bar
	failures := make(map[string]string)
	for _, path := range matches {
		rows, outcome, rerr := SafeReadBars(path)
		switch outcome {
		case OutcomeOK:
			bars = append(bars, rows...)
		case OutcomeMissing, OutcomePreservedEmpty:
			// Nothing to add.
		case OutcomeCorruptDeleted:
			// The reader already unlinked the file; its rows are gone, so the
			// frame is treated as missing data rather than a read failure.
			// Only preserved files (schema mismatch, normalize failure) fail
			// the read — those still hold recoverable rows.
			s.log.Warn("corrupt partition file deleted", "path", path, "error", rerr)
		default:
			failures[path] = outcome.String()
			if rerr != nil {
				failures[path] = fmt.Sprintf("%s (%v)", outcome, rerr)
			}
		}
	}
	if len(failures) > 0 {
		return nil, &PartitionReadError{Failures: failures}
	}

	SortBars(bars)
	return bars, nil
}

// Save merges incoming bars with the existing frame, deduplicates on
// (stock, date) keeping the highest sequence, and rewrites each affected
// ticker-month file atomically. Returns the merged frame.
func (s *PartitionedStore) Save(req BarRequest, incoming, existing []domain.Bar) ([]domain.Bar, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	merged := MergeBars(existing, incoming)

	// Every row must belong to the requested ticker; a partition file never
	// holds more than one stock.
	for _, b := range merged {
		if b.Stock != req.Ticker {
			return nil, fmt.Errorf("save for ticker %q found row for %q", req.Ticker, b.Stock)
		}
	}

	months := make(map[time.Time][]domain.Bar)
	for _, b := range merged {
		m := b.MonthStart()
		months[m] = append(months[m], b)
	}

	for month, rows := range months {
		path := s.Paths.BarFile(req, month)
		if err := writeParquetAtomic(path, rows, s.Opts); err != nil {
			return nil, fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return merged, nil
}

// SaveTradeBatch appends a batch of trades to the venue-day file. Existing
// rows are kept in front; no deduplication happens across batches — callers
// are expected not to re-submit already-stored minutes.
func (s *PartitionedStore) SaveTradeBatch(trades []domain.Trade, venue string, day time.Time, market, source string) error {
	if len(trades) == 0 {
		return nil
	}
	path := s.Paths.TradeDayFile(market, source, venue, day)

	var existing []domain.Trade
	if _, err := os.Stat(path); err == nil {
		existing, err = parquet.ReadFile[domain.Trade](path)
		if err != nil {
			// Unreadable day file: the service re-fetches everything, so
			// starting over from the incoming batch is the safe merge.
			s.log.Warn("unreadable day file, replacing", "path", path, "error", err)
			existing = nil
		}
	}

	merged := make([]domain.Trade, 0, len(existing)+len(trades))
	merged = append(merged, existing...)
	merged = append(merged, trades...)

	if err := writeParquetAtomic(path, merged, s.Opts); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// consolidationRowGroup is the row-group size used for monthly trade files.
const consolidationRowGroup = 100_000

// ConsolidateMonth reads every daily trade file for the venue-month, sorts by
// trade time, and writes the consolidated monthly file. Daily files are never
// deleted.
func (s *PartitionedStore) ConsolidateMonth(market, source, venue string, year int, month time.Month) error {
	pattern := filepath.Join(s.Paths.TradeVenueRoot(market, source, venue),
		fmt.Sprintf("year=%04d", year),
		fmt.Sprintf("month=%02d", int(month)),
		"day=*", "trades.parquet")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("globbing %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil
	}
	sort.Strings(matches)

	var all []domain.Trade
	for _, path := range matches {
		rows, err := parquet.ReadFile[domain.Trade](path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		all = append(all, rows...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].TradeTime < all[j].TradeTime
	})

	opts := s.Opts
	opts.RowGroupSize = consolidationRowGroup
	opts.Compression = "gzip"

	out := s.Paths.TradeMonthFile(market, source, venue, year, month)
	if err := writeParquetAtomic(out, all, opts); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}

	s.log.Info("month consolidated",
		"venue", venue,
		"year", year,
		"month", int(month),
		"days", len(matches),
		"rows", len(all),
	)
	return nil
}

// ---------------------------------------------------------------------------
// Merge / sort helpers
// ---------------------------------------------------------------------------

// SortBars orders bars by (stock, date), stably.
func SortBars(bars []domain.Bar) {
	sort.SliceStable(bars, func(i, j int) bool {
		if bars[i].Stock != bars[j].Stock {
			return bars[i].Stock < bars[j].Stock
		}
		return bars[i].Date < bars[j].Date
	})
}

// MergeBars concatenates existing then incoming, sorts by
// (stock, date, sequence) stably, and keeps the last row of each
// (stock, date) — the highest sequence, with ties broken by read order.
func MergeBars(existing, incoming []domain.Bar) []domain.Bar {
	all := make([]domain.Bar, 0, len(existing)+len(incoming))
	all = append(all, existing...)
	all = append(all, incoming...)

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Stock != all[j].Stock {
			return all[i].Stock < all[j].Stock
		}
		if all[i].Date != all[j].Date {
			return all[i].Date < all[j].Date
		}
		return all[i].SeqRank() < all[j].SeqRank()
	})

	merged := all[:0]
	for i, b := range all {
		if i+1 < len(all) && all[i+1].Stock == b.Stock && all[i+1].Date == b.Date {
			continue // a later duplicate wins
		}
		merged = append(merged, b)
	}

	out := make([]domain.Bar, len(merged))
	copy(out, merged)
	SortBars(out)
	return out
}

// ---------------------------------------------------------------------------
// Atomic Parquet writes
// ---------------------------------------------------------------------------

// TempSuffixPattern matches the temp files produced by writeParquetAtomic,
// for orphan recovery.
const TempSuffixPattern = ".tmp-*"

func tempName(path string) string {
	return fmt.Sprintf("%s.tmp-%d-%d-%04d", path, os.Getpid(), time.Now().UnixMilli(), rand.Intn(10000))
}

func writerOptions(opts Options) []parquet.WriterOption {
	var wopts []parquet.WriterOption
	switch opts.Compression {
	case "", "gzip":
		wopts = append(wopts, parquet.Compression(&parquet.Gzip))
	case "none":
		wopts = append(wopts, parquet.Compression(&parquet.Uncompressed))
	}
	if opts.RowGroupSize > 0 {
		wopts = append(wopts, parquet.MaxRowsPerRowGroup(opts.RowGroupSize))
	}
	return wopts
}

// writeParquetAtomic writes rows to a sibling temp file, optionally fsyncs,
// and renames over the target. The temp lives in the target's directory so
// the rename is atomic on the underlying filesystem.
func writeParquetAtomic[T any](path string, rows []T, opts Options) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := tempName(path)
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if err = parquet.Write(f, rows, writerOptions(opts)...); err != nil {
		f.Close()
		return err
	}
	if opts.Fsync {
		if err = f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	if err = f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
