package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"tickvault/internal/hours"
)

// mockCycle counts calls and cancels the context after maxFetches so Run
// terminates.
type mockCycle struct {
	hasData     bool
	fetches     int
	maintenance int
	maxFetches  int
	cancel      context.CancelFunc
}

func (m *mockCycle) Fetch(context.Context) error {
	m.fetches++
	if m.fetches >= m.maxFetches {
		m.cancel()
	}
	return nil
}

func (m *mockCycle) Maintenance(context.Context) error {
	m.maintenance++
	return nil
}

func (m *mockCycle) HasAnyData() bool { return m.hasData }

func newTestDaemon(t *testing.T, cycle *mockCycle, window, tz string, clock func() time.Time) *Daemon {
	t.Helper()
	w, err := hours.ParseWindow(window)
	if err != nil {
		t.Fatal(err)
	}
	c, err := hours.NewChecker(w, tz)
	if err != nil {
		t.Fatal(err)
	}
	c.WithClock(clock)
	return New(cycle, c, time.Minute, CadenceNever).WithClock(clock)
}

func TestInitialFetchWhenEmptyOutsideHours(t *testing.T) {
	// 03:00 New York, well before the 09:30 open.
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	clock := func() time.Time { return time.Date(2025, 1, 15, 3, 0, 0, 0, loc) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cycle := &mockCycle{hasData: false, maxFetches: 1, cancel: cancel}
	d := newTestDaemon(t, cycle, "09:30-16:00", "America/New_York", clock)

	// Cancel as a backstop in case the initial fetch never happens.
	go func() {
		time.Sleep(2 * time.Second)
		cancel()
	}()
	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}

	// Exactly one fetch: the initial one, before the sleep-until-active branch.
	if cycle.fetches != 1 {
		t.Fatalf("fetches = %d, want exactly 1", cycle.fetches)
	}
}

func TestNoInitialFetchWithData(t *testing.T) {
	loc, _ := time.LoadLocation("America/New_York")
	clock := func() time.Time { return time.Date(2025, 1, 15, 3, 0, 0, 0, loc) }

	ctx, cancel := context.WithCancel(context.Background())
	cycle := &mockCycle{hasData: true, maxFetches: 1, cancel: cancel}
	d := newTestDaemon(t, cycle, "09:30-16:00", "America/New_York", clock)

	// Outside hours with data: the loop only sleeps, so cancel it ourselves.
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if cycle.fetches != 0 {
		t.Fatalf("fetches = %d, want 0 outside trading hours", cycle.fetches)
	}
}

func TestFetchLoopInsideHours(t *testing.T) {
	loc, _ := time.LoadLocation("America/New_York")
	clock := func() time.Time { return time.Date(2025, 1, 15, 11, 0, 0, 0, loc) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cycle := &mockCycle{hasData: true, maxFetches: 3, cancel: cancel}
	d := newTestDaemon(t, cycle, "09:30-16:00", "America/New_York", clock)

	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if cycle.fetches != 3 {
		t.Fatalf("fetches = %d, want 3", cycle.fetches)
	}
}

func TestMaintenanceCadence(t *testing.T) {
	loc, _ := time.LoadLocation("America/New_York")
	clock := func() time.Time { return time.Date(2025, 1, 15, 11, 0, 0, 0, loc) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cycle := &mockCycle{hasData: true, maxFetches: 3, cancel: cancel}
	d := newTestDaemon(t, cycle, "09:30-16:00", "America/New_York", clock)
	d.Cadence = CadenceDaily

	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}
	// The frozen clock never advances a day past the first run.
	if cycle.maintenance != 1 {
		t.Fatalf("maintenance = %d, want 1", cycle.maintenance)
	}
}

func TestPIDFileLifecycle(t *testing.T) {
	loc, _ := time.LoadLocation("America/New_York")
	clock := func() time.Time { return time.Date(2025, 1, 15, 11, 0, 0, 0, loc) }
	pidFile := filepath.Join(t.TempDir(), "daemon.pid")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cycle := &mockCycle{hasData: true, maxFetches: 1, cancel: cancel}
	d := newTestDaemon(t, cycle, "09:30-16:00", "America/New_York", clock)
	d.PIDFile = pidFile

	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatal("pid file should be removed on shutdown")
	}
}

func TestPIDFileRefusesLiveOwner(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "daemon.pid")
	// Our own PID is alive by definition.
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}

	d := New(&mockCycle{}, nil, time.Minute, CadenceNever)
	d.PIDFile = pidFile
	if err := d.writePIDFile(); err == nil {
		t.Fatal("expected refusal when the recorded pid is alive")
	}
}

func TestPIDFileReplacesStale(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "daemon.pid")
	if err := os.WriteFile(pidFile, []byte("999999"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := New(&mockCycle{}, nil, time.Minute, CadenceNever)
	d.PIDFile = pidFile
	if err := d.writePIDFile(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := strconv.Atoi(string(data[:len(data)-1])); got != os.Getpid() {
		t.Fatalf("pid file holds %q, want our pid", data)
	}
}
