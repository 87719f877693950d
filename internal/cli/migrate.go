package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"tickvault/internal/migrate"
	"tickvault/internal/store"
)

var (
	mgInterval     string
	mgForce        bool
	mgAll          bool
	mgDeleteLegacy bool
	mgMaxTickers   int
)

var partitionMigrateCmd = &cobra.Command{
	Use:   "partition-migrate",
	Short: "Migrate legacy per-ticker files into the partitioned layout",
}

// buildCoordinator wires a migration coordinator. A non-empty venue
// ("market/source") overrides the configured one.
func buildCoordinator(a *App, plan *migrate.Plan, venue string) (*migrate.Coordinator, error) {
	reg, err := a.registry()
	if err != nil {
		return nil, err
	}
	paths := store.NewPathBuilder(a.State.DataDir())
	opts := a.storeOptions()
	cfg := a.Cfg.OHLCV
	market, source := cfg.Market, cfg.Source
	if venue != "" {
		if market, source, err = splitVenue(venue); err != nil {
			return nil, err
		}
	}
	return migrate.NewCoordinator(
		a.State,
		store.NewLegacyStore(paths, opts),
		store.NewPartitionedStore(paths, opts),
		reg,
		plan,
		market, source, cfg.Dataset,
	), nil
}

// splitVenue parses a market/source venue argument.
func splitVenue(venue string) (string, string, error) {
	parts := strings.SplitN(venue, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("venue must be market/source, got %q", venue)
	}
	return parts[0], parts[1], nil
}

// classifyMigrateArgs sorts the migrate positionals: a venue carries a slash,
// an interval does not.
func classifyMigrateArgs(args []string) (string, []string) {
	venue := ""
	var intervals []string
	for _, arg := range args {
		if strings.Contains(arg, "/") {
			venue = arg
		} else {
			intervals = append(intervals, arg)
		}
	}
	return venue, intervals
}

// planIntervals returns the coordinator venue's planned intervals, sorted.
func planIntervals(c *migrate.Coordinator) []string {
	vp := c.Plan.Venues[c.Venue()]
	if vp == nil {
		return nil
	}
	intervals := make([]string, 0, len(vp.Intervals))
	for iv := range vp.Intervals {
		intervals = append(intervals, iv)
	}
	sort.Strings(intervals)
	return intervals
}

var pmInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Register an interval in the migration plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		if mgInterval == "" {
			return fmt.Errorf("--interval is required")
		}
		plan, err := migrate.LoadPlan(app.State.Root())
		if errors.Is(err, migrate.ErrNoPlan) {
			paths := store.NewPathBuilder(app.State.DataDir())
			plan = migrate.NewPlan(app.State.Root(), paths.LegacyRoot)
			err = nil
		}
		if err != nil {
			return err
		}
		coord, err := buildCoordinator(app, plan, "")
		if err != nil {
			return err
		}
		if err := coord.InitInterval(mgInterval, mgForce); err != nil {
			return err
		}
		fmt.Printf("planned %s for %s\n", mgInterval, coord.Venue())
		return nil
	},
}

var pmStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration plan progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := migrate.LoadPlan(app.State.Root())
		if err != nil {
			return err
		}
		for venue, vp := range plan.Venues {
			fmt.Printf("%s:\n", venue)
			intervals := make([]string, 0, len(vp.Intervals))
			for iv := range vp.Intervals {
				intervals = append(intervals, iv)
			}
			sort.Strings(intervals)
			for _, iv := range intervals {
				ip := vp.Intervals[iv]
				fmt.Printf("  %-6s %-10s %d/%d tickers, %d rows",
					iv, ip.Status, ip.Jobs.Completed, ip.Jobs.Total, ip.Totals.PartitionRows)
				if ip.Verification.VerifiedAt != "" {
					fmt.Printf(", verified %s", ip.Verification.VerifiedAt)
				}
				fmt.Println()
			}
		}
		return nil
	},
}

var pmMigrateCmd = &cobra.Command{
	Use:   "migrate [venue] [interval]",
	Short: "Copy legacy ticker files into the partitioned layout",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		lock, err := acquireLock(app)
		if err != nil {
			return err
		}
		defer lock.Release()

		plan, err := migrate.LoadPlan(app.State.Root())
		if err != nil {
			return err
		}

		venue, intervals := classifyMigrateArgs(args)
		coord, err := buildCoordinator(app, plan, venue)
		if err != nil {
			return err
		}

		switch {
		case mgAll:
			intervals = planIntervals(coord)
			if len(intervals) == 0 {
				return fmt.Errorf("plan has no intervals for %s", coord.Venue())
			}
		case len(intervals) == 1:
			// A single named interval.
		default:
			return fmt.Errorf("pass an interval or --all")
		}

		opts := migrate.Options{DeleteLegacy: mgDeleteLegacy, MaxTickers: mgMaxTickers}
		for _, iv := range intervals {
			sum, err := coord.MigrateInterval(cmd.Context(), iv, opts)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s: %d tickers, %d rows (persisted=%v partial=%v)\n",
				sum.Venue, sum.Interval, sum.Tickers, sum.Rows, sum.Persisted, sum.PartialRun)
		}
		return nil
	},
}

var pmMarkCmd = &cobra.Command{
	Use:   "mark <interval> <pending|migrating|complete>",
	Short: "Override an interval's plan status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := migrate.LoadPlan(app.State.Root())
		if err != nil {
			return err
		}
		coord, err := buildCoordinator(app, plan, "")
		if err != nil {
			return err
		}
		return coord.MarkInterval(args[0], args[1])
	},
}

var pmVerifyCmd = &cobra.Command{
	Use:   "verify [interval]",
	Short: "Recount partitioned rows against the plan",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := migrate.LoadPlan(app.State.Root())
		if err != nil {
			return err
		}
		coord, err := buildCoordinator(app, plan, "")
		if err != nil {
			return err
		}
		intervals := planIntervals(coord)
		if len(args) == 1 {
			intervals = args
		}
		for _, iv := range intervals {
			if err := coord.VerifyInterval(iv); err != nil {
				return err
			}
			fmt.Printf("%s: ok\n", iv)
		}
		return nil
	},
}

func init() {
	pmInitCmd.Flags().StringVar(&mgInterval, "interval", "", "interval to plan (e.g. 1m)")
	pmInitCmd.Flags().BoolVar(&mgForce, "force", false, "reset an existing plan entry")
	pmMigrateCmd.Flags().BoolVar(&mgAll, "all", false, "migrate every planned interval")
	pmMigrateCmd.Flags().BoolVar(&mgDeleteLegacy, "delete-legacy", false, "unlink legacy files after verification")
	pmMigrateCmd.Flags().IntVar(&mgMaxTickers, "max-tickers", 0, "smoke test: cap tickers, persist nothing")

	partitionMigrateCmd.AddCommand(pmInitCmd, pmStatusCmd, pmMigrateCmd, pmMarkCmd, pmVerifyCmd)
	rootCmd.AddCommand(partitionMigrateCmd)
}
