package migrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tickvault/internal/config"
	"tickvault/internal/domain"
	"tickvault/internal/registry"
	"tickvault/internal/store"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	root := t.TempDir()
	state := config.NewStore(root)
	paths := store.NewPathBuilder(state.DataDir())
	opts := store.DefaultOptions()
	reg, err := registry.Load(root)
	require.NoError(t, err)
	plan := NewPlan(root, paths.LegacyRoot)
	return NewCoordinator(state,
		store.NewLegacyStore(paths, opts),
		store.NewPartitionedStore(paths, opts),
		reg, plan, "us", "yahoo", "stocks")
}

func seedLegacy(t *testing.T, c *Coordinator, ticker, interval string, bars []domain.Bar) {
	t.Helper()
	req := store.BarRequest{Market: "us", Source: "yahoo", Dataset: "stocks", Interval: interval, Ticker: ticker}
	_, err := c.Legacy.Save(req, bars, nil)
	require.NoError(t, err)
}

func TestMigrateIntervalGolden(t *testing.T) {
	c := newTestCoordinator(t)
	bars := []domain.Bar{
		testBar("AAA", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 10, domain.Int64Ptr(0)),
		testBar("AAA", time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), 11, domain.Int64Ptr(1)),
	}
	seedLegacy(t, c, "AAA", "1m", bars)
	c.Registry.Add("AAA")

	require.NoError(t, c.InitInterval("1m", false))
	sum, err := c.MigrateInterval(context.Background(), "1m", Options{})
	require.NoError(t, err)
	require.Equal(t, 1, sum.Tickers)
	require.Equal(t, int64(2), sum.Rows)
	require.True(t, sum.Persisted)

	// One file per ticker-month.
	req := store.BarRequest{Market: "us", Source: "yahoo", Dataset: "stocks", Interval: "1m", Ticker: "AAA"}
	for _, month := range []time.Month{time.March, time.April} {
		path := c.Partitioned.Paths.BarFile(req, time.Date(2024, month, 1, 0, 0, 0, 0, time.UTC))
		_, err := os.Stat(path)
		require.NoError(t, err, "month %s", month)
	}

	ip := c.Plan.Lookup(c.Venue(), "1m")
	require.Equal(t, StatusComplete, ip.Status)
	require.Equal(t, 1, ip.Jobs.Completed)
	require.Equal(t, int64(2), ip.Totals.PartitionRows)
	require.Equal(t, "row_counts+checksum", ip.Verification.Method)
	require.NotEmpty(t, ip.Verification.VerifiedAt)

	// All intervals complete: partitioned storage flips on for the source.
	cfg, err := c.State.StorageConfig()
	require.NoError(t, err)
	require.True(t, cfg.Sources["us/yahoo"])

	// Registry backfill records where the data lives now.
	st := c.Registry.Get("AAA").Intervals["1m"].Storage
	require.NotNil(t, st)
	require.Equal(t, "partitioned", st.Mode)

	// Migration checksums match.
	migrated, err := c.Partitioned.Read(req)
	require.NoError(t, err)
	require.Equal(t, FrameChecksum(bars), FrameChecksum(migrated))
}

func TestMigrateIntervalDeleteLegacy(t *testing.T) {
	c := newTestCoordinator(t)
	seedLegacy(t, c, "AAA", "1m", []domain.Bar{
		testBar("AAA", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 10, nil),
	})

	require.NoError(t, c.InitInterval("1m", false))
	_, err := c.MigrateInterval(context.Background(), "1m", Options{DeleteLegacy: true})
	require.NoError(t, err)

	legacyFile := filepath.Join(c.Legacy.Paths.LegacyIntervalDir("stocks", "1m"), "AAA.parquet")
	_, serr := os.Stat(legacyFile)
	require.True(t, os.IsNotExist(serr), "legacy file should be unlinked")
	_, serr = os.Stat(c.Legacy.Paths.LegacyIntervalDir("stocks", "1m"))
	require.True(t, os.IsNotExist(serr), "empty legacy dir should be removed")
}

func TestMigrateSmokeRunPersistsNothing(t *testing.T) {
	c := newTestCoordinator(t)
	for _, ticker := range []string{"AAA", "BBB", "CCC"} {
		seedLegacy(t, c, ticker, "1m", []domain.Bar{
			testBar(ticker, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 10, nil),
		})
	}
	require.NoError(t, c.InitInterval("1m", false))

	sum, err := c.MigrateInterval(context.Background(), "1m", Options{MaxTickers: 2})
	require.NoError(t, err)
	require.Equal(t, 2, sum.Tickers)
	require.False(t, sum.Persisted)
	require.True(t, sum.PartialRun)

	// The on-disk plan still shows the pre-run state.
	reloaded, err := LoadPlan(c.State.Root())
	require.NoError(t, err)
	require.Equal(t, StatusPending, reloaded.Lookup(c.Venue(), "1m").Status)
}

func TestMigrateResumeSkipsVerifiedRows(t *testing.T) {
	c := newTestCoordinator(t)
	bars := []domain.Bar{testBar("AAA", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 10, domain.Int64Ptr(0))}
	seedLegacy(t, c, "AAA", "1m", bars)
	require.NoError(t, c.InitInterval("1m", false))

	_, err := c.MigrateInterval(context.Background(), "1m", Options{})
	require.NoError(t, err)

	// A second run on a complete interval is a no-op.
	sum, err := c.MigrateInterval(context.Background(), "1m", Options{})
	require.NoError(t, err)
	require.Equal(t, 0, sum.Tickers)
}

func TestVerifyInterval(t *testing.T) {
	c := newTestCoordinator(t)
	seedLegacy(t, c, "AAA", "1m", []domain.Bar{
		testBar("AAA", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 10, nil),
	})
	require.NoError(t, c.InitInterval("1m", false))
	_, err := c.MigrateInterval(context.Background(), "1m", Options{})
	require.NoError(t, err)

	require.NoError(t, c.VerifyInterval("1m"))

	// Tamper with the totals: verify must notice.
	c.Plan.Lookup(c.Venue(), "1m").Totals.PartitionRows = 99
	require.Error(t, c.VerifyInterval("1m"))
}

func TestSafetyCheck(t *testing.T) {
	require.Error(t, safetyCheck("/data/legacy", "/data/legacy/partitioned"))
	require.NoError(t, safetyCheck("/data/legacy", "/data/us/yahoo"))
}

func TestPlanRoundTrip(t *testing.T) {
	root := t.TempDir()
	p := NewPlan(root, "/data/legacy")
	ip := p.Interval("us/yahoo", "1m")
	ip.Status = StatusMigrating
	ip.Jobs = Jobs{Total: 5, Completed: 2}
	require.NoError(t, p.Save())

	got, err := LoadPlan(root)
	require.NoError(t, err)
	require.Equal(t, SchemaVersion, got.SchemaVersion)
	rip := got.Lookup("us/yahoo", "1m")
	require.Equal(t, StatusMigrating, rip.Status)
	require.Equal(t, 2, rip.Jobs.Completed)
}

func TestLoadPlanMissing(t *testing.T) {
	_, err := LoadPlan(t.TempDir())
	require.ErrorIs(t, err, ErrNoPlan)
}

func TestEstimateSpace(t *testing.T) {
	legacy := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(legacy, "a.parquet"), make([]byte, 1024), 0o644))

	check, err := EstimateSpace(legacy, filepath.Join(t.TempDir(), "not", "yet", "created"))
	require.NoError(t, err)
	require.Equal(t, uint64(1024), check.LegacyBytes)
	require.Equal(t, uint64(1075), check.RequiredBytes)
	require.True(t, check.Sufficient, "a temp dir has more than a kilobyte free")
}
