package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tickvault/internal/daemon"
	"tickvault/internal/hours"
	"tickvault/internal/ohlcv"
	"tickvault/internal/registry"
	"tickvault/internal/runlock"
	"tickvault/internal/util"
)

var (
	odDaemon       bool
	odIntervalHrs  float64
	odTradingHours string
	odExtended     bool
	odMaintenance  string
	odTickerFile   string
)

func buildScheduler(a *App) (*ohlcv.Scheduler, *registry.Registry, error) {
	reg, err := a.registry()
	if err != nil {
		return nil, nil, err
	}
	cfg := a.Cfg.OHLCV
	client := ohlcv.NewChartClient(cfg.BaseURL)
	fetch := ohlcv.NewFetchService(client, a.router(), reg, cfg.Market, cfg.Source, cfg.Dataset)
	limiter := util.NewSmoothedLimiter(cfg.MaxRequests, time.Duration(cfg.WindowSeconds)*time.Second)
	return ohlcv.NewScheduler(fetch, limiter, a.State), reg, nil
}

type ohlcvCycle struct {
	sched *ohlcv.Scheduler
}

func (c ohlcvCycle) Fetch(ctx context.Context) error {
	return c.sched.Run(ctx)
}

func (c ohlcvCycle) Maintenance(ctx context.Context) error {
	reg := c.sched.Fetch.Registry
	if restored := reg.ReparseNotFounds(); restored > 0 {
		if err := reg.Save(); err != nil {
			return err
		}
	}
	_, err := c.sched.ConfirmNotFounds(ctx)
	return err
}

// HasAnyData always reports true: the chart API serves full history on
// demand, so there is nothing to rescue with an off-hours initial fetch.
func (c ohlcvCycle) HasAnyData() bool { return true }

var initializeCmd = &cobra.Command{
	Use:   "initialize",
	Short: "Create the working directory layout and default state files",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(app.State.DataDir(), 0o755); err != nil {
			return err
		}
		intervals, err := app.State.Intervals()
		if err != nil {
			return err
		}
		if len(intervals) == 0 {
			if err := app.State.SaveIntervals([]string{"1d"}); err != nil {
				return err
			}
		}
		reg, err := app.registry()
		if err != nil {
			return err
		}
		if err := reg.Save(); err != nil {
			return err
		}
		cfg, err := app.State.StorageConfig()
		if err != nil {
			return err
		}
		if err := app.State.SaveStorageConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("initialized %s\n", app.State.Root())
		return nil
	},
}

var updateDataCmd = &cobra.Command{
	Use:   "update-data",
	Short: "Fetch OHLCV updates for every configured interval and ticker",
	RunE: func(cmd *cobra.Command, args []string) error {
		lock, err := acquireLock(app)
		if err != nil {
			return err
		}
		defer lock.Release()

		if n, err := runlock.CleanupTmpFiles(app.State.DataDir(), slog.Default()); err == nil && n > 0 {
			fmt.Fprintf(os.Stderr, "recovered %d orphaned temp files\n", n)
		}

		sched, _, err := buildScheduler(app)
		if err != nil {
			return err
		}

		if !odDaemon {
			return sched.Run(cmd.Context())
		}

		windowSpec := odTradingHours
		if odExtended {
			windowSpec = "04:00-20:00"
		}
		window, err := hours.ParseWindow(windowSpec)
		if err != nil {
			return fmt.Errorf("parsing --trading-hours: %w", err)
		}
		checker, err := hours.NewChecker(window, "America/New_York")
		if err != nil {
			return err
		}
		d := daemon.New(
			ohlcvCycle{sched: sched},
			checker,
			time.Duration(odIntervalHrs*float64(time.Hour)),
			odMaintenance,
		)
		return d.Run(cmd.Context())
	},
}

var addIntervalCmd = &cobra.Command{
	Use:   "add-interval <interval>",
	Short: "Add an interval to the fetch rotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.State.AddInterval(args[0])
	},
}

var removeIntervalCmd = &cobra.Command{
	Use:   "remove-interval <interval>",
	Short: "Remove an interval from the fetch rotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.State.RemoveInterval(args[0])
	},
}

var updateTickersCmd = &cobra.Command{
	Use:   "update-tickers [ticker...]",
	Short: "Register tickers, from arguments or --file (one per line)",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := app.registry()
		if err != nil {
			return err
		}
		tickers := args
		if odTickerFile != "" {
			f, err := os.Open(odTickerFile)
			if err != nil {
				return err
			}
			defer f.Close()
			sc := bufio.NewScanner(f)
			for sc.Scan() {
				if t := strings.TrimSpace(sc.Text()); t != "" && !strings.HasPrefix(t, "#") {
					tickers = append(tickers, t)
				}
			}
			if err := sc.Err(); err != nil {
				return err
			}
		}
		if len(tickers) == 0 {
			return fmt.Errorf("no tickers given; pass arguments or --file")
		}
		added := 0
		for _, t := range tickers {
			if reg.Add(strings.ToUpper(t)) {
				added++
			}
		}
		if err := reg.Save(); err != nil {
			return err
		}
		fmt.Printf("added %d tickers (%d total)\n", added, len(reg.Tickers()))
		return nil
	},
}

var confirmNotFoundsCmd = &cobra.Command{
	Use:   "confirm-not-founds",
	Short: "Probe not-found tickers and restore the ones that answer",
	RunE: func(cmd *cobra.Command, args []string) error {
		sched, _, err := buildScheduler(app)
		if err != nil {
			return err
		}
		restored, err := sched.ConfirmNotFounds(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("restored %d tickers\n", restored)
		return nil
	},
}

var reparseNotFoundsCmd = &cobra.Command{
	Use:   "reparse-not-founds",
	Short: "Restore not-found tickers seen within the reactivation window",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := app.registry()
		if err != nil {
			return err
		}
		restored := reg.ReparseNotFounds()
		if restored > 0 {
			if err := reg.Save(); err != nil {
				return err
			}
		}
		fmt.Printf("restored %d tickers\n", restored)
		return nil
	},
}

func init() {
	updateDataCmd.Flags().BoolVar(&odDaemon, "daemon", false, "run as a long-lived loop")
	updateDataCmd.Flags().Float64Var(&odIntervalHrs, "interval", 1, "hours between fetch cycles in daemon mode")
	updateDataCmd.Flags().StringVar(&odTradingHours, "trading-hours", "09:30-16:00", "daemon trading-hours window (market local)")
	updateDataCmd.Flags().BoolVar(&odExtended, "extended-hours", false, "use the extended 04:00-20:00 window")
	updateDataCmd.Flags().StringVar(&odMaintenance, "ticker-maintenance", daemon.CadenceWeekly, "daily|weekly|monthly|never")
	updateTickersCmd.Flags().StringVar(&odTickerFile, "file", "", "file of tickers, one per line")

	rootCmd.AddCommand(initializeCmd, updateDataCmd, addIntervalCmd, removeIntervalCmd,
		updateTickersCmd, confirmNotFoundsCmd, reparseNotFoundsCmd)
}
