// Package runlock serializes processes sharing one working directory with a
// filesystem advisory lock, and recovers temp files orphaned by a crash.
package runlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrLockHeld is returned when another process owns the run lock.
var ErrLockHeld = errors.New("run lock held by another process")

const lockDirName = ".run_lock"

// Owner describes the process holding the lock, persisted as owner.json.
type Owner struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Cwd       string    `json:"cwd"`
}

// Lock is a directory-based advisory lock. Acquisition is an atomic mkdir;
// there is no blocking wait — operators serialize runs.
type Lock struct {
	base string
	held bool
}

// New creates a Lock for the given base (working) directory.
func New(base string) *Lock {
	return &Lock{base: base}
}

func (l *Lock) dir() string {
	return filepath.Join(l.base, lockDirName)
}

func (l *Lock) ownerPath() string {
	return filepath.Join(l.dir(), "owner.json")
}

// TryAcquire attempts to take the lock. Exactly one of two concurrent
// callers succeeds; the loser gets ErrLockHeld.
func (l *Lock) TryAcquire() error {
	if err := os.Mkdir(l.dir(), 0o755); err != nil {
		if os.IsExist(err) {
			return ErrLockHeld
		}
		return fmt.Errorf("creating lock dir: %w", err)
	}

	hostname, _ := os.Hostname()
	cwd, _ := os.Getwd()
	owner := Owner{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
		Cwd:       cwd,
	}
	data, err := json.MarshalIndent(owner, "", "  ")
	if err == nil {
		err = os.WriteFile(l.ownerPath(), data, 0o644)
	}
	if err != nil {
		os.RemoveAll(l.dir())
		return fmt.Errorf("writing owner.json: %w", err)
	}

	l.held = true
	return nil
}

// Release removes owner.json and the lock directory.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	os.Remove(l.ownerPath())
	if err := os.Remove(l.dir()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock dir: %w", err)
	}
	l.held = false
	return nil
}

// ReadOwner returns the recorded owner of a held lock, or nil when the lock
// is free.
func (l *Lock) ReadOwner() (*Owner, error) {
	data, err := os.ReadFile(l.ownerPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return nil, fmt.Errorf("parsing owner.json: %w", err)
	}
	return &owner, nil
}

// CleanupTmpFiles walks the data tree for Parquet temp files left by an
// interrupted write. A temp whose final sibling exists is discarded; a temp
// without its sibling is a half-finished write whose content is still
// authoritative, so it is renamed into place. Returns the number of files
// handled.
func CleanupTmpFiles(dataDir string, log *slog.Logger) (int, error) {
	handled := 0
	err := filepath.WalkDir(dataDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		idx := strings.Index(name, ".parquet.tmp-")
		if idx < 0 {
			return nil
		}

		final := filepath.Join(filepath.Dir(path), name[:idx+len(".parquet")])
		if _, serr := os.Stat(final); serr == nil {
			if rerr := os.Remove(path); rerr != nil {
				return fmt.Errorf("removing stale temp %s: %w", path, rerr)
			}
			log.Info("stale temp file removed", "path", path)
		} else {
			if rerr := os.Rename(path, final); rerr != nil {
				return fmt.Errorf("promoting temp %s: %w", path, rerr)
			}
			log.Info("orphaned temp file promoted", "from", path, "to", final)
		}
		handled++
		return nil
	})
	if err != nil {
		return handled, err
	}
	return handled, nil
}
