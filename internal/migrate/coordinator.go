package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tickvault/internal/config"
	"tickvault/internal/registry"
	"tickvault/internal/store"
)

// Options tunes one migration run.
type Options struct {
	// DeleteLegacy unlinks each legacy file after its ticker verifies.
	DeleteLegacy bool
	// MaxTickers caps the run to a smoke test; no plan mutation is
	// persisted in that mode.
	MaxTickers int
}

// Summary reports one migrated interval.
type Summary struct {
	Venue      string
	Interval   string
	Tickers    int
	Rows       int64
	Persisted  bool
	PartialRun bool
}

// Coordinator drives the legacy-to-partitioned migration, one interval at a
// time, against a persisted plan.
type Coordinator struct {
	State       *config.Store
	Legacy      *store.LegacyStore
	Partitioned *store.PartitionedStore
	Registry    *registry.Registry
	Plan        *Plan

	Market  string
	Source  string
	Dataset string

	log *slog.Logger
	now func() time.Time
}

// NewCoordinator wires a Coordinator over the standard storage stack.
func NewCoordinator(state *config.Store, legacy *store.LegacyStore, part *store.PartitionedStore, reg *registry.Registry, plan *Plan, market, source, dataset string) *Coordinator {
	return &Coordinator{
		State:       state,
		Legacy:      legacy,
		Partitioned: part,
		Registry:    reg,
		Plan:        plan,
		Market:      market,
		Source:      source,
		Dataset:     dataset,
		log:         slog.Default().With("component", "migrate"),
		now:         time.Now,
	}
}

// Venue is the plan key for this coordinator's market/source.
func (c *Coordinator) Venue() string {
	return c.Market + "/" + c.Source
}

func (c *Coordinator) request(ticker, interval string) store.BarRequest {
	return store.BarRequest{
		Market:   c.Market,
		Source:   c.Source,
		Dataset:  c.Dataset,
		Interval: interval,
		Ticker:   ticker,
	}
}

// InitInterval registers an interval in the plan as pending. With force, an
// existing entry is reset.
func (c *Coordinator) InitInterval(interval string, force bool) error {
	venue := c.Venue()
	if existing := c.Plan.Lookup(venue, interval); existing != nil && !force {
		return fmt.Errorf("interval %s already planned (status %s); use --force to reset", interval, existing.Status)
	}
	ip := c.Plan.Interval(venue, interval)
	*ip = IntervalPlan{
		LegacyPath:    c.Legacy.Paths.LegacyIntervalDir(c.Dataset, interval),
		PartitionPath: c.partitionPath(interval),
		Status:        StatusPending,
		Backups:       []string{},
	}
	return c.Plan.Save()
}

func (c *Coordinator) partitionPath(interval string) string {
	root, err := c.Partitioned.Paths.TickerRoot(c.request("_", interval))
	if err != nil {
		return ""
	}
	// TickerRoot ends in ticker=_; the interval root is its parent.
	return filepath.Dir(root)
}

// safetyCheck rejects a partition root nested inside the legacy root, which
// delete-legacy would otherwise eat.
func safetyCheck(legacyPath, partitionPath string) error {
	labs, err := filepath.Abs(legacyPath)
	if err != nil {
		return err
	}
	pabs, err := filepath.Abs(partitionPath)
	if err != nil {
		return err
	}
	if pabs == labs || strings.HasPrefix(pabs, labs+string(filepath.Separator)) {
		return fmt.Errorf("partition path %s is inside legacy path %s", pabs, labs)
	}
	return nil
}

// MigrateInterval copies every legacy ticker file of the interval into the
// partitioned layout, verifying each by row count and checksum. The plan is
// persisted after every ticker so an interrupted run resumes cleanly. On any
// verification failure the interval is left in migrating for a re-run.
func (c *Coordinator) MigrateInterval(ctx context.Context, interval string, opts Options) (*Summary, error) {
	venue := c.Venue()
	ip := c.Plan.Lookup(venue, interval)
	if ip == nil {
		return nil, fmt.Errorf("%w (interval %s)", ErrNoPlan, interval)
	}
	if ip.Status == StatusComplete {
		c.log.Info("interval already complete", "interval", interval)
		return &Summary{Venue: venue, Interval: interval, Persisted: false}, nil
	}

	smoke := opts.MaxTickers > 0
	persist := func() error {
		if smoke {
			return nil
		}
		return c.Plan.Save()
	}

	legacyDir := ip.LegacyPath
	if legacyDir == "" {
		legacyDir = c.Legacy.Paths.LegacyIntervalDir(c.Dataset, interval)
		ip.LegacyPath = legacyDir
	}
	if ip.PartitionPath == "" {
		ip.PartitionPath = c.partitionPath(interval)
	}
	if err := safetyCheck(ip.LegacyPath, ip.PartitionPath); err != nil {
		return nil, err
	}

	check, err := EstimateSpace(legacyDir, ip.PartitionPath)
	if err != nil {
		return nil, fmt.Errorf("estimating disk space: %w", err)
	}
	if !check.Sufficient {
		if !opts.DeleteLegacy && check.SufficientWithDelete {
			return nil, fmt.Errorf("%w: need %d bytes, %d free; re-run with --delete-legacy",
				ErrInsufficientDisk, check.RequiredBytes, check.FreeBytes)
		}
		if !opts.DeleteLegacy || !check.SufficientWithDelete {
			return nil, fmt.Errorf("%w: need %d bytes, %d free",
				ErrInsufficientDisk, check.RequiredBytes, check.FreeBytes)
		}
	}

	tickers, err := c.Legacy.ListTickers(c.Dataset, interval)
	if err != nil {
		return nil, err
	}
	if opts.MaxTickers > 0 && len(tickers) > opts.MaxTickers {
		tickers = tickers[:opts.MaxTickers]
	}

	ip.Status = StatusMigrating
	ip.Jobs.Total = len(tickers)
	if err := persist(); err != nil {
		return nil, err
	}

	c.log.Info("migrating interval",
		"interval", interval,
		"tickers", len(tickers),
		"delete_legacy", opts.DeleteLegacy,
		"smoke", smoke,
	)

	sum := &Summary{Venue: venue, Interval: interval, Persisted: !smoke, PartialRun: smoke}
	for _, ticker := range tickers {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		if err := c.migrateTicker(ticker, interval, ip, opts); err != nil {
			// Plan stays in migrating; the operator re-runs after fixing.
			if perr := persist(); perr != nil {
				c.log.Error("persisting plan after failure", "error", perr)
			}
			return sum, fmt.Errorf("migrating %s %s: %w", ticker, interval, err)
		}
		ip.Jobs.Completed++
		sum.Tickers++
		if err := persist(); err != nil {
			return sum, err
		}
	}
	sum.Rows = ip.Totals.PartitionRows

	if smoke {
		c.log.Info("smoke run finished, plan not persisted", "interval", interval, "tickers", sum.Tickers)
		return sum, nil
	}

	ip.Status = StatusComplete
	ip.Verification = Verification{
		Method:     VerificationMethod,
		VerifiedAt: c.now().UTC().Format(time.RFC3339),
	}
	if err := persist(); err != nil {
		return sum, err
	}

	if c.Plan.AllComplete(venue) {
		if err := c.enablePartitioned(); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (c *Coordinator) migrateTicker(ticker, interval string, ip *IntervalPlan, opts Options) error {
	req := c.request(ticker, interval)
	legacyBars, outcome, err := c.Legacy.ReadStrict(req)
	switch outcome {
	case store.OutcomeOK:
	case store.OutcomeMissing, store.OutcomeCorruptDeleted, store.OutcomePreservedEmpty:
		c.log.Warn("skipping legacy file", "ticker", ticker, "outcome", outcome.String())
		return nil
	default:
		return fmt.Errorf("unreadable legacy file (%s): %w", outcome, err)
	}

	existing, err := c.Partitioned.Read(req)
	if err != nil {
		return fmt.Errorf("reading partitioned data: %w", err)
	}

	combined, err := c.Partitioned.Save(req, legacyBars, existing)
	if err != nil {
		return err
	}

	if len(combined) != len(legacyBars) {
		return fmt.Errorf("row count mismatch: legacy %d, combined %d", len(legacyBars), len(combined))
	}
	if lc, cc := FrameChecksum(legacyBars), FrameChecksum(combined); lc != cc {
		return fmt.Errorf("checksum mismatch: legacy %s, combined %s", lc, cc)
	}

	ip.Totals.LegacyRows += int64(len(legacyBars))
	ip.Totals.PartitionRows += int64(len(combined))

	if opts.DeleteLegacy {
		path := filepath.Join(ip.LegacyPath, ticker+".parquet")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing legacy file: %w", err)
		}
		// Best effort: drop the interval dir once it empties out.
		_ = os.Remove(ip.LegacyPath)
	}
	return nil
}

// enablePartitioned flips storage_config.json for this market/source and
// backfills the registry's per-interval storage pointers.
func (c *Coordinator) enablePartitioned() error {
	if err := c.State.EnablePartitionedSource(c.Market, c.Source); err != nil {
		return fmt.Errorf("enabling partitioned storage: %w", err)
	}
	c.log.Info("partitioned storage enabled", "market", c.Market, "source", c.Source)

	venue := c.Venue()
	verifiedAt := c.now().UTC().Format(time.RFC3339)
	vp := c.Plan.Venues[venue]
	for interval, ip := range vp.Intervals {
		for _, ticker := range c.Registry.Tickers() {
			c.Registry.SetIntervalStorage(ticker, interval, registry.IntervalStorage{
				Mode:       "partitioned",
				Market:     c.Market,
				Source:     c.Source,
				Dataset:    c.Dataset,
				Root:       ip.PartitionPath,
				VerifiedAt: verifiedAt,
			})
		}
	}
	return c.Registry.Save()
}

// MarkInterval overrides an interval's plan status. Operator escape hatch.
func (c *Coordinator) MarkInterval(interval, status string) error {
	switch status {
	case StatusPending, StatusMigrating, StatusComplete:
	default:
		return fmt.Errorf("invalid status %q", status)
	}
	ip := c.Plan.Lookup(c.Venue(), interval)
	if ip == nil {
		return fmt.Errorf("%w (interval %s)", ErrNoPlan, interval)
	}
	ip.Status = status
	if status == StatusComplete && ip.Verification.Method == "" {
		ip.Verification.Method = VerificationMethod
	}
	return c.Plan.Save()
}

// VerifyInterval recounts the partitioned rows for an interval against the
// plan totals. Used after the fact, when legacy data may already be gone.
func (c *Coordinator) VerifyInterval(interval string) error {
	ip := c.Plan.Lookup(c.Venue(), interval)
	if ip == nil {
		return fmt.Errorf("%w (interval %s)", ErrNoPlan, interval)
	}

	matches, err := filepath.Glob(filepath.Join(ip.PartitionPath, "ticker=*"))
	if err != nil {
		return err
	}
	var rows int64
	for _, dir := range matches {
		ticker := strings.TrimPrefix(filepath.Base(dir), "ticker=")
		bars, err := c.Partitioned.Read(c.request(ticker, interval))
		if err != nil {
			return fmt.Errorf("reading %s: %w", ticker, err)
		}
		rows += int64(len(bars))
	}
	if rows != ip.Totals.PartitionRows {
		return fmt.Errorf("verification mismatch for %s: plan records %d rows, found %d",
			interval, ip.Totals.PartitionRows, rows)
	}
	c.log.Info("interval verified", "interval", interval, "rows", rows)
	return nil
}
