// Package daemon runs the long-lived fetch loop: gate on trading hours,
// run maintenance on its cadence, run one fetch cycle, sleep, repeat, until
// a signal asks for shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tickvault/internal/hours"
)

// Maintenance cadences.
const (
	CadenceDaily   = "daily"
	CadenceWeekly  = "weekly"
	CadenceMonthly = "monthly"
	CadenceNever   = "never"
)

// Cycle is one unit of fetch work. Fetch runs every loop iteration during
// trading hours; Maintenance runs on the configured cadence; HasAnyData
// drives the initial-fetch rule.
type Cycle interface {
	Fetch(ctx context.Context) error
	Maintenance(ctx context.Context) error
	HasAnyData() bool
}

// Daemon is the control loop around a Cycle.
type Daemon struct {
	Cycle    Cycle
	Hours    *hours.Checker
	Interval time.Duration
	Cadence  string
	PIDFile  string

	log   *slog.Logger
	now   func() time.Time
	sleep func(ctx context.Context, total, slice time.Duration) bool

	lastMaintenance time.Time
}

// New builds a Daemon with the real clock.
func New(cycle Cycle, checker *hours.Checker, interval time.Duration, cadence string) *Daemon {
	d := &Daemon{
		Cycle:    cycle,
		Hours:    checker,
		Interval: interval,
		Cadence:  cadence,
		log:      slog.Default().With("component", "daemon"),
		now:      time.Now,
	}
	d.sleep = sleepSlices
	return d
}

// WithClock replaces the clock and makes sleeps instant. Test hook.
func (d *Daemon) WithClock(now func() time.Time) *Daemon {
	d.now = now
	d.sleep = func(ctx context.Context, _, _ time.Duration) bool { return ctx.Err() == nil }
	return d
}

// sleepSlices sleeps total in slices of the given size so shutdown is
// noticed promptly. Returns false when the context was cancelled.
func sleepSlices(ctx context.Context, total, slice time.Duration) bool {
	deadline := time.Now().Add(total)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if remaining > slice {
			remaining = slice
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(remaining):
		}
	}
}

// writePIDFile refuses to start when a live owner is recorded, removes a
// stale record, then writes our own PID.
func (d *Daemon) writePIDFile() error {
	if d.PIDFile == "" {
		return nil
	}
	data, err := os.ReadFile(d.PIDFile)
	if err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && pid > 0 && processAlive(pid) {
			return fmt.Errorf("daemon already running with pid %d (%s)", pid, d.PIDFile)
		}
		d.log.Warn("removing stale pid file", "path", d.PIDFile)
		os.Remove(d.PIDFile)
	}
	return os.WriteFile(d.PIDFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func (d *Daemon) removePIDFile() {
	if d.PIDFile != "" {
		os.Remove(d.PIDFile)
	}
}

// maintenanceDue applies the cadence against the last maintenance run.
func (d *Daemon) maintenanceDue() bool {
	var every time.Duration
	switch d.Cadence {
	case CadenceDaily:
		every = 24 * time.Hour
	case CadenceWeekly:
		every = 7 * 24 * time.Hour
	case CadenceMonthly:
		every = 30 * 24 * time.Hour
	default:
		return false
	}
	return d.now().Sub(d.lastMaintenance) >= every
}

// Run is the daemon loop. It returns nil on a clean signal-driven shutdown;
// operational errors from the cycle are logged and never end the loop.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := d.writePIDFile(); err != nil {
		return err
	}
	defer d.removePIDFile()

	d.log.Info("daemon started",
		"interval", d.Interval.String(),
		"cadence", d.Cadence,
		"pid", os.Getpid(),
	)

	// The provider serves a rolling window; with an empty store that data
	// disappears if we wait for the next open, so fetch once immediately.
	if !d.Cycle.HasAnyData() {
		d.log.Info("store empty, running initial fetch regardless of trading hours")
		if err := d.Cycle.Fetch(ctx); err != nil && ctx.Err() == nil {
			d.log.Error("initial fetch failed", "error", err)
		}
	}

	for ctx.Err() == nil {
		if !d.Hours.IsWithinHours() {
			wait := time.Duration(d.Hours.SecondsUntilActive()) * time.Second
			d.log.Info("outside trading hours",
				"next_active", d.Hours.NextActiveTime().Format(time.RFC3339),
				"sleep", wait.String(),
			)
			if !d.sleep(ctx, wait, time.Minute) {
				break
			}
			continue
		}

		if d.maintenanceDue() {
			if err := d.Cycle.Maintenance(ctx); err != nil && ctx.Err() == nil {
				d.log.Error("maintenance failed", "error", err)
			}
			d.lastMaintenance = d.now()
		}

		if err := d.Cycle.Fetch(ctx); err != nil && ctx.Err() == nil {
			d.log.Error("fetch cycle failed", "error", err)
		}

		if !d.sleep(ctx, d.Interval, 10*time.Second) {
			break
		}
	}

	d.log.Info("daemon shut down cleanly")
	return nil
}
