// Package cli wires the tickvault command tree: posttrade ingest, OHLCV
// updates, and the partition migration.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tickvault/internal/config"
	"tickvault/internal/registry"
	"tickvault/internal/runlock"
	"tickvault/internal/store"
	"tickvault/internal/util"
)

var (
	flagRoot     string
	flagConfig   string
	flagLogLevel string
	flagFast     bool
	flagNoFsync  bool
)

var rootCmd = &cobra.Command{
	Use:           "tickvault",
	Short:         "Market data ingestion and Parquet archival",
	Long:          "tickvault pulls OHLCV bars and exchange posttrade drops and archives them\nas partitioned Parquet under a single working directory.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if flagRoot != "" {
			cfg.Storage.Root = flagRoot
		}
		if flagLogLevel != "" {
			cfg.Logging.Level = flagLogLevel
		}
		if flagNoFsync || flagFast {
			cfg.Storage.Fsync = false
		}
		if flagFast {
			cfg.Storage.RowGroupSize = 65536
		}
		util.SetDefault(util.NewLogger(cfg.Logging.Level))
		app = &App{Cfg: cfg, State: config.NewStore(cfg.Storage.Root)}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagRoot, "root", "", "working directory (default from config)")
	pf.StringVar(&flagConfig, "config", "tickvault.yaml", "config file path")
	pf.StringVar(&flagLogLevel, "log-level", "", "debug|info|warn|error")
	pf.BoolVar(&flagFast, "fast", false, "throughput preset: no fsync, small row groups")
	pf.BoolVar(&flagNoFsync, "no-fsync", false, "skip fsync before rename")
}

// App carries the per-invocation wiring shared by all commands.
type App struct {
	Cfg   *config.Config
	State *config.Store
}

var app *App

func (a *App) storeOptions() store.Options {
	opts := store.DefaultOptions()
	opts.Fsync = a.Cfg.Storage.Fsync
	if a.Cfg.Storage.RowGroupSize > 0 {
		opts.RowGroupSize = a.Cfg.Storage.RowGroupSize
	}
	if a.Cfg.Storage.Compression != "" {
		opts.Compression = a.Cfg.Storage.Compression
	}
	return opts
}

func (a *App) router() *store.Router {
	return store.NewRouter(a.State, a.storeOptions())
}

func (a *App) registry() (*registry.Registry, error) {
	return registry.Load(a.State.Root())
}

// acquireLock takes the run lock, recovering from a dead owner: the stale
// lock is released, orphaned temp files are repaired, and the acquire is
// retried once. A live owner is a hard failure.
func acquireLock(a *App) (*runlock.Lock, error) {
	lock := runlock.New(a.State.Root())
	err := lock.TryAcquire()
	if err == nil {
		return lock, nil
	}
	if !errors.Is(err, runlock.ErrLockHeld) {
		return nil, err
	}

	owner, oerr := lock.ReadOwner()
	if oerr == nil && owner != nil && processAlive(owner.PID) {
		return nil, fmt.Errorf("run lock held by pid %d on %s since %s",
			owner.PID, owner.Hostname, owner.StartedAt)
	}

	slog.Warn("releasing orphaned run lock")
	if rerr := lock.Release(); rerr != nil {
		return nil, fmt.Errorf("releasing orphaned lock: %w", rerr)
	}
	if n, cerr := runlock.CleanupTmpFiles(a.State.DataDir(), slog.Default()); cerr != nil {
		slog.Warn("temp file cleanup failed", "error", cerr)
	} else if n > 0 {
		slog.Info("recovered orphaned temp files", "count", n)
	}
	if err := lock.TryAcquire(); err != nil {
		return nil, err
	}
	return lock, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func parseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

// ExecuteContext runs the command tree and returns the process error, if
// any. The caller maps errors to exit codes.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
