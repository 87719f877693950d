// Package registry tracks per-ticker, per-interval lifecycle in tickers.json:
// which symbols are alive, when they were last seen, and when a dead symbol
// may be probed again.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	// StatusActive marks a ticker or interval that returned data.
	StatusActive = "active"
	// StatusNotFound marks a ticker or interval whose last fetch was empty.
	StatusNotFound = "not_found"

	// notFoundCooldownDays is how long a not_found interval is skipped
	// before re-evaluation.
	notFoundCooldownDays = 30
	// reactivationWindowDays bounds how old a last_found_date may be for the
	// offline reparse sweep to restore a globally not_found ticker.
	reactivationWindowDays = 90

	dateLayout = "2006-01-02"
)

// IntervalStorage records where an interval's data lives after migration.
type IntervalStorage struct {
	Mode       string `json:"mode"`
	Market     string `json:"market"`
	Source     string `json:"source"`
	Dataset    string `json:"dataset"`
	Root       string `json:"root"`
	Venue      string `json:"venue,omitempty"`
	VerifiedAt string `json:"verified_at"`
}

// IntervalState is the per-interval lifecycle record.
type IntervalState struct {
	Status           string           `json:"status"`
	LastChecked      string           `json:"last_checked"`
	LastFoundDate    string           `json:"last_found_date,omitempty"`
	LastDataDate     string           `json:"last_data_date,omitempty"`
	LastNotFoundDate string           `json:"last_not_found_date,omitempty"`
	Storage          *IntervalStorage `json:"storage,omitempty"`
}

// Entry is one ticker's registry record. Status is the global roll-up: it is
// not_found only when every interval is not_found.
type Entry struct {
	Ticker      string                    `json:"ticker"`
	AddedDate   string                    `json:"added_date"`
	Status      string                    `json:"status"`
	LastChecked string                    `json:"last_checked"`
	Intervals   map[string]*IntervalState `json:"intervals"`
}

// Registry is the in-memory registry with whole-file persistence.
type Registry struct {
	path    string
	entries map[string]*Entry

	now func() time.Time
}

// Load reads tickers.json from the working directory, creating an empty
// registry when the file does not exist.
func Load(root string) (*Registry, error) {
	r := &Registry{
		path:    filepath.Join(root, "tickers.json"),
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("reading tickers.json: %w", err)
	}
	if err := json.Unmarshal(data, &r.entries); err != nil {
		return nil, fmt.Errorf("parsing tickers.json: %w", err)
	}
	return r, nil
}

// WithClock replaces the registry's clock. Test hook.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Save rewrites tickers.json in full.
func (r *Registry) Save() error {
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.path, data, 0o644)
}

func (r *Registry) today() string {
	return r.now().UTC().Format(dateLayout)
}

// Add registers a ticker as active if not present. Returns true when added.
func (r *Registry) Add(ticker string) bool {
	if _, ok := r.entries[ticker]; ok {
		return false
	}
	r.entries[ticker] = &Entry{
		Ticker:      ticker,
		AddedDate:   r.today(),
		Status:      StatusActive,
		LastChecked: r.today(),
		Intervals:   make(map[string]*IntervalState),
	}
	return true
}

// Get returns the entry for a ticker, or nil.
func (r *Registry) Get(ticker string) *Entry {
	return r.entries[ticker]
}

// Tickers returns all registered tickers, sorted.
func (r *Registry) Tickers() []string {
	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) interval(ticker, interval string) (*Entry, *IntervalState) {
	e, ok := r.entries[ticker]
	if !ok {
		return nil, nil
	}
	if e.Intervals == nil {
		e.Intervals = make(map[string]*IntervalState)
	}
	st, ok := e.Intervals[interval]
	if !ok {
		st = &IntervalState{Status: StatusActive}
		e.Intervals[interval] = st
	}
	return e, st
}

// MarkFound records a successful fetch: the interval goes active with
// last_found_date today and last_data_date at the newest stored bar, and the
// global status is restored to active.
func (r *Registry) MarkFound(ticker, interval string, lastData time.Time) {
	r.Add(ticker)
	e, st := r.interval(ticker, interval)
	today := r.today()
	st.Status = StatusActive
	st.LastChecked = today
	st.LastFoundDate = today
	if !lastData.IsZero() {
		st.LastDataDate = lastData.UTC().Format(dateLayout)
	}
	st.LastNotFoundDate = ""
	e.Status = StatusActive
	e.LastChecked = today
}

// MarkNotFound records an empty fetch. The global status is demoted only
// when every interval is not_found.
func (r *Registry) MarkNotFound(ticker, interval string) {
	r.Add(ticker)
	e, st := r.interval(ticker, interval)
	today := r.today()
	st.Status = StatusNotFound
	st.LastChecked = today
	st.LastNotFoundDate = today
	e.LastChecked = today

	for _, s := range e.Intervals {
		if s.Status != StatusNotFound {
			return
		}
	}
	e.Status = StatusNotFound
}

// Eligible reports whether (ticker, interval) should be fetched: the ticker
// is not globally not_found, and the interval is either active or has sat
// out its cooldown. An unparseable cooldown date counts as expired.
func (r *Registry) Eligible(ticker, interval string) bool {
	e, ok := r.entries[ticker]
	if !ok {
		return true
	}
	if e.Status == StatusNotFound {
		return false
	}
	st, ok := e.Intervals[interval]
	if !ok || st.Status != StatusNotFound {
		return true
	}

	since, err := time.Parse(dateLayout, st.LastNotFoundDate)
	if err != nil {
		return true
	}
	days := int(r.now().UTC().Sub(since).Hours() / 24)
	return days >= notFoundCooldownDays
}

// EligibleTickers filters the registry to tickers eligible for the interval,
// sorted.
func (r *Registry) EligibleTickers(interval string) []string {
	var out []string
	for t := range r.entries {
		if r.Eligible(t, interval) {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// NotFoundTickers returns the globally not_found tickers, sorted. Input for
// the confirm sweep.
func (r *Registry) NotFoundTickers() []string {
	var out []string
	for t, e := range r.entries {
		if e.Status == StatusNotFound {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// ReparseNotFounds is the offline reactivation sweep: any globally not_found
// ticker with a last_found_date inside the reactivation window is restored
// to active. Returns the number restored.
func (r *Registry) ReparseNotFounds() int {
	restored := 0
	cutoff := r.now().UTC().AddDate(0, 0, -reactivationWindowDays)
	for _, e := range r.entries {
		if e.Status != StatusNotFound {
			continue
		}
		for _, st := range e.Intervals {
			found, err := time.Parse(dateLayout, st.LastFoundDate)
			if err != nil {
				continue
			}
			if !found.Before(cutoff) {
				e.Status = StatusActive
				restored++
				break
			}
		}
	}
	return restored
}

// SetIntervalStorage backfills the storage pointer written after a verified
// migration.
func (r *Registry) SetIntervalStorage(ticker, interval string, storage IntervalStorage) {
	if _, ok := r.entries[ticker]; !ok {
		return
	}
	_, st := r.interval(ticker, interval)
	st.Storage = &storage
}
