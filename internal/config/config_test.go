package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Posttrade.BurstSize != 30 {
		t.Errorf("BurstSize = %d, want 30", cfg.Posttrade.BurstSize)
	}
	if cfg.OHLCV.MaxRequests != 60 || cfg.OHLCV.WindowSeconds != 60 {
		t.Errorf("OHLCV limits = %d/%d, want 60/60", cfg.OHLCV.MaxRequests, cfg.OHLCV.WindowSeconds)
	}
	if !cfg.Storage.Fsync {
		t.Error("fsync should default on")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickvault.yaml")
	body := `
storage:
  root: /srv/ticks
  fsync: false
posttrade:
  burst_size: 10
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Root != "/srv/ticks" {
		t.Errorf("Root = %q", cfg.Storage.Root)
	}
	if cfg.Storage.Fsync {
		t.Error("fsync should be off")
	}
	if cfg.Posttrade.BurstSize != 10 {
		t.Errorf("BurstSize = %d, want 10", cfg.Posttrade.BurstSize)
	}
	// Untouched sections keep their defaults.
	if cfg.Posttrade.RequestDelaySeconds != 0.6 {
		t.Errorf("RequestDelaySeconds = %v, want 0.6", cfg.Posttrade.RequestDelaySeconds)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q", cfg.Logging.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TICKVAULT_ROOT", "/env/root")
	t.Setenv("TICKVAULT_OHLCV_URL", "http://localhost:9999")
	t.Setenv("TICKVAULT_NO_FSYNC", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Root != "/env/root" {
		t.Errorf("Root = %q", cfg.Storage.Root)
	}
	if cfg.OHLCV.BaseURL != "http://localhost:9999" {
		t.Errorf("BaseURL = %q", cfg.OHLCV.BaseURL)
	}
	if cfg.Storage.Fsync {
		t.Error("TICKVAULT_NO_FSYNC=true should turn fsync off")
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickvault.yaml")
	if err := os.WriteFile(path, []byte("storage: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected a parse error")
	}
}
