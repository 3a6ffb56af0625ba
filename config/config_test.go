package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.BinanceConfig.MockMode {
		t.Error("default config should run in mock mode")
	}
	if cfg.EngineConfig.TickIntervalSec != 10 {
		t.Errorf("tick interval = %d, want 10", cfg.EngineConfig.TickIntervalSec)
	}
	if cfg.EngineConfig.MinFillKeepPct != 20.0 {
		t.Errorf("min fill keep = %v, want 20", cfg.EngineConfig.MinFillKeepPct)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"binance": {"mock_mode": true, "testnet": true},
		"engine": {"tick_interval_sec": 5, "worker_count": 2, "min_fill_keep_pct": 30},
		"logging": {"level": "debug"}
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EngineConfig.TickIntervalSec != 5 || cfg.EngineConfig.WorkerCount != 2 {
		t.Errorf("engine config not loaded from file: %+v", cfg.EngineConfig)
	}
	if cfg.BinanceConfig.APIKey != "env-key" {
		t.Errorf("env override lost: %q", cfg.BinanceConfig.APIKey)
	}
	if cfg.LoggingConfig.Level != "warn" {
		t.Errorf("log level = %q, want env override warn", cfg.LoggingConfig.Level)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.BinanceConfig.MockMode = false
	if err := cfg.Validate(); err == nil {
		t.Error("live mode without keys must fail validation")
	}

	cfg = Default()
	cfg.EngineConfig.WorkerCount = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero workers must fail validation")
	}

	cfg = Default()
	cfg.EngineConfig.MinFillKeepPct = 150
	if err := cfg.Validate(); err == nil {
		t.Error("keep pct over 100 must fail validation")
	}
}
