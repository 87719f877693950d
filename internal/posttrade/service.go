package posttrade

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"tickvault/internal/domain"
	"tickvault/internal/journal"
	"tickvault/internal/store"
)

const dateLayout = "2006-01-02"

// Service drives the posttrade ingest: discover missing venue-days in the
// rolling window, fetch their files one at a time with the day file as the
// checkpoint, and consolidate finished months.
type Service struct {
	Client  *Client
	Store   *store.PartitionedStore
	Journal *journal.Journal // optional

	Market string
	Source string

	// NoStore downloads and parses without writing. Dry-run flag.
	NoStore bool

	log *slog.Logger
	now func() time.Time
}

// NewService creates a Service writing under (market, source).
func NewService(client *Client, st *store.PartitionedStore, jnl *journal.Journal, market, source string) *Service {
	return &Service{
		Client:  client,
		Store:   st,
		Journal: jnl,
		Market:  market,
		Source:  source,
		log:     slog.Default().With("component", "posttrade-service"),
		now:     time.Now,
	}
}

// WithClock replaces the service clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// MissingDates returns the rolling-window listing plus the dates (today and
// yesterday, UTC) that are available upstream and not yet fully stored. A day
// whose file exists but lacks listed in-window minutes still counts, so an
// interrupted fetch resumes on the next cycle; FetchDay's minute skipping
// keeps the resume from re-downloading what is already on disk.
func (s *Service) MissingDates(ctx context.Context, venue string) ([]string, []time.Time, error) {
	files, err := s.Client.ListFiles(ctx, venue)
	if err != nil {
		return nil, nil, err
	}

	today := s.now().UTC().Truncate(24 * time.Hour)
	var missing []time.Time
	for _, day := range []time.Time{today, today.AddDate(0, 0, -1)} {
		if s.dayIncomplete(venue, day, files) {
			missing = append(missing, day)
		}
	}
	return files, missing, nil
}

// dayIncomplete reports whether a listed venue-day still has work: the day
// file is absent, or some listed in-window minute is not stored. Empty
// upstream files never land in the day file and are re-checked each cycle.
func (s *Service) dayIncomplete(venue string, day time.Time, files []string) bool {
	dayFiles := DayFiles(files, venue, day)
	if len(dayFiles) == 0 {
		return false
	}

	path := s.Store.Paths.TradeDayFile(s.Market, s.Source, venue, day)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return true
	}

	existing := s.existingMinutes(venue, day)
	for _, f := range dayFiles {
		if ts, ok := FileTime(f); ok {
			if _, stored := existing[ts.Format(fileTimeLayout)]; !stored {
				return true
			}
		}
	}
	return false
}

// DayFiles filters a listing to one date and applies the venue trading-hours
// filter.
func DayFiles(files []string, venue string, day time.Time) []string {
	date := day.UTC().Format(dateLayout)
	var out []string
	for _, f := range files {
		if ts, ok := FileTime(f); ok && ts.Format(dateLayout) == date {
			out = append(out, f)
		}
	}
	out = FilterTradingHours(out, venue)
	sort.Strings(out)
	return out
}

// existingMinutes reads the venue-day file and reduces its trade times to
// minute strings. An unreadable day file means re-fetch everything.
func (s *Service) existingMinutes(venue string, day time.Time) map[string]struct{} {
	path := s.Store.Paths.TradeDayFile(s.Market, s.Source, venue, day)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	rows, err := parquet.ReadFile[domain.Trade](path)
	if err != nil {
		s.log.Warn("unreadable day file, re-fetching all minutes", "path", path, "error", err)
		return nil
	}
	minutes := make(map[string]struct{}, len(rows))
	for _, t := range rows {
		minutes[t.Minute()] = struct{}{}
	}
	return minutes
}

// FetchDay downloads and stores every not-yet-stored file of the venue-day.
// Each file is merged into the day Parquet immediately — the day file is the
// checkpoint, so an interrupted run resumes where it stopped. Returns true
// when every file succeeded.
func (s *Service) FetchDay(ctx context.Context, venue string, day time.Time, files []string) (bool, error) {
	dayFiles := DayFiles(files, venue, day)
	existing := s.existingMinutes(venue, day)
	date := day.UTC().Format(dateLayout)

	var toFetch []string
	for _, f := range dayFiles {
		if ts, ok := FileTime(f); ok {
			if _, stored := existing[ts.Format(fileTimeLayout)]; stored {
				continue
			}
		}
		toFetch = append(toFetch, f)
	}

	s.log.Info("fetching day",
		"venue", venue,
		"date", date,
		"files", len(dayFiles),
		"skipped", len(dayFiles)-len(toFetch),
	)

	failures := 0
	for _, f := range toFetch {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		trades, err := s.Client.FetchTrades(ctx, f)
		if err != nil {
			failures++
			s.recordFile(ctx, venue, date, f, journal.FileFailed, 0, err)
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			s.log.Error("file fetch failed", "venue", venue, "file", f, "error", err)
			continue
		}
		if len(trades) == 0 {
			s.recordFile(ctx, venue, date, f, journal.FileEmpty, 0, nil)
			continue
		}
		if s.NoStore {
			s.log.Info("dry run, not storing", "file", f, "trades", len(trades))
			continue
		}

		if err := s.Store.SaveTradeBatch(trades, venue, day, s.Market, s.Source); err != nil {
			failures++
			s.recordFile(ctx, venue, date, f, journal.FileFailed, 0, err)
			s.log.Error("file store failed", "venue", venue, "file", f, "error", err)
			continue
		}
		s.recordFile(ctx, venue, date, f, journal.FileFetched, len(trades), nil)
	}

	complete := failures == 0
	status := journal.DayComplete
	if !complete {
		status = journal.DayPartial
	}
	s.recordDay(ctx, venue, date, status, len(dayFiles), failures)

	s.log.Info("day finished",
		"venue", venue,
		"date", date,
		"status", status,
		"failures", failures,
	)
	return complete, nil
}

func (s *Service) recordFile(ctx context.Context, venue, date, file, status string, rows int, err error) {
	if s.Journal == nil {
		return
	}
	if jerr := s.Journal.RecordFile(ctx, venue, date, file, status, rows, err); jerr != nil {
		s.log.Warn("journal write failed", "error", jerr)
	}
}

func (s *Service) recordDay(ctx context.Context, venue, date, status string, files, failures int) {
	if s.Journal == nil {
		return
	}
	if jerr := s.Journal.RecordDay(ctx, venue, date, status, files, failures); jerr != nil {
		s.log.Warn("journal write failed", "error", jerr)
	}
}

// Run performs one fetch cycle: every missing date is fetched, and completed
// days trigger monthly consolidation when consolidate is set.
func (s *Service) Run(ctx context.Context, venue string, consolidate bool) error {
	files, missing, err := s.MissingDates(ctx, venue)
	if err != nil {
		return fmt.Errorf("discovering missing dates for %s: %w", venue, err)
	}
	if len(missing) == 0 {
		s.log.Info("no missing dates", "venue", venue)
		return nil
	}

	for _, day := range missing {
		complete, err := s.FetchDay(ctx, venue, day, files)
		if err != nil {
			return err
		}
		if complete && consolidate {
			if err := s.Store.ConsolidateMonth(s.Market, s.Source, venue, day.Year(), day.Month()); err != nil {
				return fmt.Errorf("consolidating %s %04d-%02d: %w", venue, day.Year(), int(day.Month()), err)
			}
		}
	}
	return nil
}

// HasAnyData reports whether any trades are stored for the venue. Drives the
// daemon's initial-fetch rule.
func (s *Service) HasAnyData(venue string) bool {
	root := s.Store.Paths.TradeVenueRoot(s.Market, s.Source, venue)
	matches, err := filepath.Glob(filepath.Join(root, "year=*", "month=*", "day=*", "trades.parquet"))
	return err == nil && len(matches) > 0
}

// StoredDays lists the venue-days present on disk, sorted.
func (s *Service) StoredDays(venue string) []string {
	root := s.Store.Paths.TradeVenueRoot(s.Market, s.Source, venue)
	matches, _ := filepath.Glob(filepath.Join(root, "year=*", "month=*", "day=*", "trades.parquet"))
	var days []string
	for _, m := range matches {
		dir := filepath.Dir(m)
		day := strings.TrimPrefix(filepath.Base(dir), "day=")
		month := strings.TrimPrefix(filepath.Base(filepath.Dir(dir)), "month=")
		year := strings.TrimPrefix(filepath.Base(filepath.Dir(filepath.Dir(dir))), "year=")
		days = append(days, fmt.Sprintf("%s-%s-%s", year, month, day))
	}
	sort.Strings(days)
	return days
}

// ConsolidateAll runs monthly consolidation for every venue-month on disk.
func (s *Service) ConsolidateAll(venue string) error {
	root := s.Store.Paths.TradeVenueRoot(s.Market, s.Source, venue)
	matches, err := filepath.Glob(filepath.Join(root, "year=*", "month=*"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		month := strings.TrimPrefix(filepath.Base(m), "month=")
		year := strings.TrimPrefix(filepath.Base(filepath.Dir(m)), "year=")
		var y, mo int
		if _, err := fmt.Sscanf(year+"-"+month, "%d-%d", &y, &mo); err != nil {
			continue
		}
		if err := s.Store.ConsolidateMonth(s.Market, s.Source, venue, y, time.Month(mo)); err != nil {
			return err
		}
	}
	return nil
}
