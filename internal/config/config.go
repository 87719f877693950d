// Package config holds the YAML application configuration and the JSON state
// documents (intervals, storage config) that live in the working directory.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for tickvault.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Posttrade Posttrade `yaml:"posttrade"`
	OHLCV     OHLCV     `yaml:"ohlcv"`
	Logging   Logging   `yaml:"logging"`
}

// Storage holds the working directory and Parquet write knobs.
type Storage struct {
	Root         string `yaml:"root"`
	Fsync        bool   `yaml:"fsync"`
	RowGroupSize int64  `yaml:"row_group_size"` // 0 lets the writer choose
	Compression  string `yaml:"compression"`    // gzip | none
}

// Posttrade configures the exchange posttrade drop fetcher.
type Posttrade struct {
	BaseURL             string  `yaml:"base_url"`
	Market              string  `yaml:"market"`
	Source              string  `yaml:"source"`
	RequestDelaySeconds float64 `yaml:"request_delay_seconds"`
	BurstSize           int     `yaml:"burst_size"`
	BurstCooldownSecs   float64 `yaml:"burst_cooldown_seconds"`
}

// OHLCV configures the ticker-API fetcher.
type OHLCV struct {
	BaseURL       string `yaml:"base_url"`
	Market        string `yaml:"market"`
	Source        string `yaml:"source"`
	Dataset       string `yaml:"dataset"`
	MaxRequests   int    `yaml:"max_requests"`
	WindowSeconds int    `yaml:"window_seconds"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: Storage{
			Root:        ".",
			Fsync:       true,
			Compression: "gzip",
		},
		Posttrade: Posttrade{
			BaseURL:             "https://mfs.deutsche-boerse.com/api",
			Market:              "eu",
			Source:              "dbag",
			RequestDelaySeconds: 0.6,
			BurstSize:           30,
			BurstCooldownSecs:   35,
		},
		OHLCV: OHLCV{
			BaseURL:       "https://query1.finance.yahoo.com",
			Market:        "us",
			Source:        "yahoo",
			Dataset:       "stocks",
			MaxRequests:   60,
			WindowSeconds: 60,
		},
		Logging: Logging{Level: "info"},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over the defaults
// and then applies environment variable overrides. A missing file is not an
// error; the defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TICKVAULT_ROOT"); v != "" {
		cfg.Storage.Root = v
	}
	if v := os.Getenv("TICKVAULT_POSTTRADE_URL"); v != "" {
		cfg.Posttrade.BaseURL = v
	}
	if v := os.Getenv("TICKVAULT_OHLCV_URL"); v != "" {
		cfg.OHLCV.BaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TICKVAULT_NO_FSYNC"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.Fsync = !b
		}
	}
}
