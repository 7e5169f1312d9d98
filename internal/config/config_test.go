package config

import (
	"os"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "halong-config-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	if _, err := tmpFile.Write([]byte(content)); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("failed to close temp file: %v", err)
	}
	return tmpFile.Name()
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATA_DIR", "REGISTRY_DSN", "ALPACA_API_KEY", "ALPACA_API_SECRET",
		"APCA_API_KEY_ID", "APCA_API_SECRET_KEY", "REDIS_ADDR", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `
storage:
  data_dir: "/tmp/halong/data"
  registry_driver: "postgres"
  registry_dsn: "postgres://localhost/halong"
source:
  provider: "yahoo"
  yahoo:
    suffix: ".VN"
  rate_limit_per_min: 60
  base_delay: 2s
universe:
  path: "reference/vn.csv"
  history_start: "2018-01-01"
venues:
  HOSE: 0.07
  HNX: 0.10
detect:
  lookback_sessions: 250
  zscore_window: 40
  zscore_threshold: 3.5
  limit_inclusive: true
reconcile:
  window_sessions: 30
  threshold: 0.03
  min_overlap: 12
ranking:
  sanity_ceiling: 0.4
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.DataDir != "/tmp/halong/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/tmp/halong/data")
	}
	if cfg.Storage.RegistryDriver != "postgres" {
		t.Errorf("Storage.RegistryDriver = %q, want %q", cfg.Storage.RegistryDriver, "postgres")
	}
	if cfg.Source.Provider != "yahoo" {
		t.Errorf("Source.Provider = %q, want %q", cfg.Source.Provider, "yahoo")
	}
	if cfg.Source.Yahoo.Suffix != ".VN" {
		t.Errorf("Source.Yahoo.Suffix = %q, want %q", cfg.Source.Yahoo.Suffix, ".VN")
	}
	if cfg.Source.BaseDelay != 2*time.Second {
		t.Errorf("Source.BaseDelay = %v, want 2s", cfg.Source.BaseDelay)
	}
	if cfg.Venues["HNX"] != 0.10 {
		t.Errorf("Venues[HNX] = %v, want 0.10", cfg.Venues["HNX"])
	}
	if cfg.Detect.ZWindow != 40 {
		t.Errorf("Detect.ZWindow = %d, want 40", cfg.Detect.ZWindow)
	}
	if cfg.Detect.ZThreshold != 3.5 {
		t.Errorf("Detect.ZThreshold = %v, want 3.5", cfg.Detect.ZThreshold)
	}
	if !cfg.Detect.LimitInclusive {
		t.Error("Detect.LimitInclusive = false, want true")
	}
	if cfg.Reconcile.MinOverlap != 12 {
		t.Errorf("Reconcile.MinOverlap = %d, want 12", cfg.Reconcile.MinOverlap)
	}
	if cfg.Ranking.SanityCeiling != 0.4 {
		t.Errorf("Ranking.SanityCeiling = %v, want 0.4", cfg.Ranking.SanityCeiling)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() returned error: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `
storage:
  data_dir: "/srv/halong"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.RegistryDriver != "sqlite" {
		t.Errorf("Storage.RegistryDriver = %q, want sqlite", cfg.Storage.RegistryDriver)
	}
	if cfg.Storage.RegistryDSN != "/srv/halong/registry.db" {
		t.Errorf("Storage.RegistryDSN = %q, want /srv/halong/registry.db", cfg.Storage.RegistryDSN)
	}
	if cfg.Detect.LookbackSessions != 365 {
		t.Errorf("Detect.LookbackSessions = %d, want 365", cfg.Detect.LookbackSessions)
	}
	if cfg.Detect.ZWindow != 20 || cfg.Detect.ZThreshold != 3.0 {
		t.Errorf("Detect z-score = (%d, %v), want (20, 3.0)", cfg.Detect.ZWindow, cfg.Detect.ZThreshold)
	}
	if cfg.Detect.LimitInclusive {
		t.Error("Detect.LimitInclusive should default to false")
	}
	if cfg.Reconcile.WindowSessions != 35 || cfg.Reconcile.Threshold != 0.02 || cfg.Reconcile.MinOverlap != 10 {
		t.Errorf("Reconcile = %+v, want window 35, threshold 0.02, overlap 10", cfg.Reconcile)
	}
	if cfg.Venues["HOSE"] != 0.07 || cfg.Venues["HNX"] != 0.10 || cfg.Venues["UPCOM"] != 0.15 {
		t.Errorf("Venues = %v, want default tiers", cfg.Venues)
	}
	if cfg.Marker.Path != "/srv/halong/.invalidated" {
		t.Errorf("Marker.Path = %q, want /srv/halong/.invalidated", cfg.Marker.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() returned error: %v", err)
	}
}

func TestLoadNormalisesVenueCase(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `
storage:
  data_dir: "/srv/halong"
universe:
  default_venue: "hose"
venues:
  hose: 0.07
  Hnx: 0.10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Venues["HOSE"] != 0.07 || cfg.Venues["HNX"] != 0.10 {
		t.Errorf("Venues = %v, want upper-case keys", cfg.Venues)
	}
	if _, ok := cfg.Venues["hose"]; ok {
		t.Errorf("Venues still has lower-case key: %v", cfg.Venues)
	}
	if cfg.Universe.DefaultVenue != "HOSE" {
		t.Errorf("Universe.DefaultVenue = %q, want HOSE", cfg.Universe.DefaultVenue)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() returned error: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `
source:
  alpaca:
    api_key: "yaml-key"
    api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
`)

	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("DATA_DIR", "/env/data")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Source.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Source.Alpaca.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Source.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Source.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `
storage:
  registry_driver: "mysql"
source:
  provider: "bloomberg"
venues:
  HOSE: 1.5
marker:
  backend: "redis"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject missing data_dir, unknown driver, provider and ceiling")
	}
}
