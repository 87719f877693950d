package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// Store owns the JSON state documents in the working directory:
// intervals.json and storage_config.json. Mutations are whole-file rewrites;
// cross-process exclusion is the run lock's job, not ours.
type Store struct {
	root string
}

// NewStore creates a Store rooted at the working directory.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the working directory.
func (s *Store) Root() string { return s.root }

// DataDir returns the Parquet tree root.
func (s *Store) DataDir() string { return filepath.Join(s.root, "data") }

func (s *Store) intervalsPath() string {
	return filepath.Join(s.root, "intervals.json")
}

func (s *Store) storageConfigPath() string {
	return filepath.Join(s.root, "storage_config.json")
}

// ---------------------------------------------------------------------------
// intervals.json
// ---------------------------------------------------------------------------

// Intervals returns the ordered list of configured intervals. A missing file
// yields an empty list.
func (s *Store) Intervals() ([]string, error) {
	data, err := os.ReadFile(s.intervalsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading intervals.json: %w", err)
	}
	var intervals []string
	if err := json.Unmarshal(data, &intervals); err != nil {
		return nil, fmt.Errorf("parsing intervals.json: %w", err)
	}
	return intervals, nil
}

// SaveIntervals rewrites intervals.json.
func (s *Store) SaveIntervals(intervals []string) error {
	data, err := json.MarshalIndent(intervals, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.intervalsPath(), data, 0o644)
}

// AddInterval appends an interval if not already present.
func (s *Store) AddInterval(interval string) error {
	intervals, err := s.Intervals()
	if err != nil {
		return err
	}
	if slices.Contains(intervals, interval) {
		return nil
	}
	return s.SaveIntervals(append(intervals, interval))
}

// RemoveInterval deletes an interval from the list.
func (s *Store) RemoveInterval(interval string) error {
	intervals, err := s.Intervals()
	if err != nil {
		return err
	}
	idx := slices.Index(intervals, interval)
	if idx < 0 {
		return fmt.Errorf("interval %q not configured", interval)
	}
	return s.SaveIntervals(slices.Delete(intervals, idx, idx+1))
}

// ---------------------------------------------------------------------------
// storage_config.json
// ---------------------------------------------------------------------------

// StorageConfig routes reads and writes between the legacy and partitioned
// layouts. The most specific override wins: sources["market/source"], then
// markets[market], then the global flag.
type StorageConfig struct {
	Partitioned bool            `json:"partitioned"`
	Markets     map[string]bool `json:"markets"`
	Sources     map[string]bool `json:"sources"`
}

// PartitionedFor reports whether (market, source) uses the partitioned
// layout.
func (c StorageConfig) PartitionedFor(market, source string) bool {
	if v, ok := c.Sources[market+"/"+source]; ok {
		return v
	}
	if v, ok := c.Markets[market]; ok {
		return v
	}
	return c.Partitioned
}

// StorageConfig reads storage_config.json. A missing file yields the
// zero value (everything legacy).
func (s *Store) StorageConfig() (StorageConfig, error) {
	var cfg StorageConfig
	data, err := os.ReadFile(s.storageConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading storage_config.json: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing storage_config.json: %w", err)
	}
	return cfg, nil
}

// SaveStorageConfig rewrites storage_config.json.
func (s *Store) SaveStorageConfig(cfg StorageConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storageConfigPath(), data, 0o644)
}

// EnablePartitionedSource flips (market, source) to the partitioned layout.
// Called by the migration coordinator once every interval is verified.
func (s *Store) EnablePartitionedSource(market, source string) error {
	cfg, err := s.StorageConfig()
	if err != nil {
		return err
	}
	if cfg.Sources == nil {
		cfg.Sources = make(map[string]bool)
	}
	cfg.Sources[market+"/"+source] = true
	return s.SaveStorageConfig(cfg)
}
