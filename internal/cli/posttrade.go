package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tickvault/internal/daemon"
	"tickvault/internal/hours"
	"tickvault/internal/journal"
	"tickvault/internal/posttrade"
	"tickvault/internal/store"
	"tickvault/internal/util"
)

var (
	ptNoStore     bool
	ptDaemon      bool
	ptIntervalHrs float64
	ptActiveHours string
	ptPIDFile     string
	ptListDate    string
	ptConsAll     bool
	ptConsMonth   string
)

func buildPosttradeService(a *App) (*posttrade.Service, *journal.Journal, error) {
	cfg := a.Cfg.Posttrade
	limiter := util.NewBurstLimiter(
		time.Duration(cfg.RequestDelaySeconds*float64(time.Second)),
		cfg.BurstSize,
		time.Duration(cfg.BurstCooldownSecs*float64(time.Second)),
	)
	client := posttrade.NewClient(cfg.BaseURL, limiter)
	st := store.NewPartitionedStore(store.NewPathBuilder(a.State.DataDir()), a.storeOptions())

	jnl, err := journal.Open(a.State.Root())
	if err != nil {
		return nil, nil, fmt.Errorf("opening fetch journal: %w", err)
	}
	svc := posttrade.NewService(client, st, jnl, cfg.Market, cfg.Source)
	return svc, jnl, nil
}

type posttradeCycle struct {
	svc   *posttrade.Service
	venue string
}

func (c posttradeCycle) Fetch(ctx context.Context) error {
	return c.svc.Run(ctx, c.venue, true)
}

func (c posttradeCycle) Maintenance(ctx context.Context) error {
	return c.svc.ConsolidateAll(c.venue)
}

func (c posttradeCycle) HasAnyData() bool {
	return c.svc.HasAnyData(c.venue)
}

var fetchTradesCmd = &cobra.Command{
	Use:   "fetch-trades <venue>",
	Short: "Fetch posttrade files for a venue into the Parquet store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		venue := args[0]
		lock, err := acquireLock(app)
		if err != nil {
			return err
		}
		defer lock.Release()

		svc, jnl, err := buildPosttradeService(app)
		if err != nil {
			return err
		}
		defer jnl.Close()
		svc.NoStore = ptNoStore

		if !ptDaemon {
			return svc.Run(cmd.Context(), venue, true)
		}

		window, err := hours.ParseWindow(ptActiveHours)
		if err != nil {
			return fmt.Errorf("parsing --active-hours: %w", err)
		}
		checker, err := hours.NewChecker(window, "Europe/Berlin")
		if err != nil {
			return err
		}
		d := daemon.New(
			posttradeCycle{svc: svc, venue: venue},
			checker,
			time.Duration(ptIntervalHrs*float64(time.Hour)),
			daemon.CadenceDaily,
		)
		d.PIDFile = ptPIDFile
		return d.Run(cmd.Context())
	},
}

var checkStatusCmd = &cobra.Command{
	Use:   "check-status <venue>",
	Short: "Show stored days and journal outcomes for a venue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		venue := args[0]
		svc, jnl, err := buildPosttradeService(app)
		if err != nil {
			return err
		}
		defer jnl.Close()

		days := svc.StoredDays(venue)
		fmt.Printf("%s: %d stored days\n", venue, len(days))
		if len(days) > 0 {
			fmt.Printf("  first: %s\n  last:  %s\n", days[0], days[len(days)-1])
		}

		outcomes, err := jnl.Days(cmd.Context(), venue)
		if err != nil {
			return err
		}
		for _, o := range outcomes {
			fmt.Printf("  %s  %-8s  files=%d failures=%d\n", o.Date, o.Status, o.Files, o.Failures)
		}
		return nil
	},
}

var listFilesCmd = &cobra.Command{
	Use:   "list-files <venue>",
	Short: "List the provider's current files for a venue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		venue := args[0]
		svc, jnl, err := buildPosttradeService(app)
		if err != nil {
			return err
		}
		defer jnl.Close()

		files, err := svc.Client.ListFiles(cmd.Context(), venue)
		if err != nil {
			return err
		}
		if ptListDate != "" {
			day, err := parseDate(ptListDate)
			if err != nil {
				return fmt.Errorf("parsing --date: %w", err)
			}
			files = posttrade.DayFiles(files, venue, day)
		}
		for _, f := range files {
			fmt.Println(f)
		}
		fmt.Printf("%d files\n", len(files))
		return nil
	},
}

var checkPartialCmd = &cobra.Command{
	Use:   "check-partial <venue>",
	Short: "List days with failed file fetches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, jnl, err := buildPosttradeService(app)
		if err != nil {
			return err
		}
		defer jnl.Close()

		partials, err := jnl.PartialDays(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(partials) == 0 {
			fmt.Println("no partial days")
			return nil
		}
		for _, p := range partials {
			fmt.Printf("%s  files=%d failures=%d  updated=%s\n", p.Date, p.Files, p.Failures, p.UpdatedAt)
		}
		return nil
	},
}

var consolidateMonthCmd = &cobra.Command{
	Use:   "consolidate-month <venue>",
	Short: "Write monthly consolidated trade files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		venue := args[0]
		svc, jnl, err := buildPosttradeService(app)
		if err != nil {
			return err
		}
		defer jnl.Close()

		if ptConsAll {
			return svc.ConsolidateAll(venue)
		}
		target := time.Now().UTC()
		if ptConsMonth != "" {
			target, err = time.Parse("2006-01", ptConsMonth)
			if err != nil {
				return fmt.Errorf("parsing --month: %w", err)
			}
		}
		return svc.Store.ConsolidateMonth(svc.Market, svc.Source, venue, target.Year(), target.Month())
	},
}

func init() {
	fetchTradesCmd.Flags().BoolVar(&ptNoStore, "no-store", false, "download and parse without writing")
	fetchTradesCmd.Flags().BoolVar(&ptDaemon, "daemon", false, "run as a long-lived loop")
	fetchTradesCmd.Flags().Float64Var(&ptIntervalHrs, "interval", 1, "hours between fetch cycles in daemon mode")
	fetchTradesCmd.Flags().StringVar(&ptActiveHours, "active-hours", "08:00-18:00", "daemon trading-hours window (venue local)")
	fetchTradesCmd.Flags().StringVar(&ptPIDFile, "pid-file", "", "daemon PID file path")
	listFilesCmd.Flags().StringVar(&ptListDate, "date", "", "restrict to one date (YYYY-MM-DD)")
	consolidateMonthCmd.Flags().BoolVar(&ptConsAll, "all", false, "consolidate every stored month")
	consolidateMonthCmd.Flags().StringVar(&ptConsMonth, "month", "", "month to consolidate (YYYY-MM, default current)")

	rootCmd.AddCommand(fetchTradesCmd, checkStatusCmd, listFilesCmd, checkPartialCmd, consolidateMonthCmd)
}
