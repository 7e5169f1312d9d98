package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the halong pipeline.
type Config struct {
	Storage   Storage            `yaml:"storage"`
	Source    Source             `yaml:"source"`
	Universe  Universe           `yaml:"universe"`
	Venues    map[string]float64 `yaml:"venues"`
	Detect    Detect             `yaml:"detect"`
	Reconcile Reconcile          `yaml:"reconcile"`
	Ranking   Ranking            `yaml:"ranking"`
	Marker    Marker             `yaml:"marker"`
	Metrics   Metrics            `yaml:"metrics"`
	Reader    Reader             `yaml:"reader"`
	Schedule  Schedule           `yaml:"schedule"`
	Review    Review             `yaml:"review"`
	Logging   Logging            `yaml:"logging"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir        string `yaml:"data_dir"`
	RegistryDriver string `yaml:"registry_driver"` // "sqlite" or "postgres"
	RegistryDSN    string `yaml:"registry_dsn"`
	KeepBackups    int    `yaml:"keep_backups"`
}

// Source configures the upstream price provider.
type Source struct {
	Provider        string        `yaml:"provider"` // "alpaca" or "yahoo"
	Alpaca          Alpaca        `yaml:"alpaca"`
	Yahoo           Yahoo         `yaml:"yahoo"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	MaxAttempts     int           `yaml:"max_attempts"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Yahoo configures the Yahoo chart API source.
type Yahoo struct {
	BaseURL string `yaml:"base_url"`
	Proxy   string `yaml:"proxy"`
	// Suffix is appended to every symbol, e.g. ".VN".
	Suffix string `yaml:"suffix"`
}

// Universe locates the symbol reference CSV.
type Universe struct {
	Path         string `yaml:"path"`
	HistoryStart string `yaml:"history_start"`
	DefaultVenue string `yaml:"default_venue"`
}

// Detect holds spike detector tunables.
type Detect struct {
	LookbackSessions    int     `yaml:"lookback_sessions"`
	ZWindow             int     `yaml:"zscore_window"`
	ZThreshold          float64 `yaml:"zscore_threshold"`
	LimitInclusive      bool    `yaml:"limit_inclusive"`
	SplitTolerance      float64 `yaml:"split_tolerance"`
	DividendMinMove     float64 `yaml:"dividend_min_move"`
	DividendMaxMove     float64 `yaml:"dividend_max_move"`
	VolumeSpikeMultiple float64 `yaml:"volume_spike_multiple"`
	GapMin              float64 `yaml:"gap_min"`
}

// Reconcile holds adjustment reconciler tunables.
type Reconcile struct {
	WindowSessions int     `yaml:"window_sessions"`
	Threshold      float64 `yaml:"threshold"`
	MinOverlap     int     `yaml:"min_overlap"`
}

// Ranking holds the quality-gated ranking parameters.
type Ranking struct {
	SanityCeiling    float64 `yaml:"sanity_ceiling"`
	DowntrendPenalty float64 `yaml:"downtrend_penalty"`
	MomentumSessions int     `yaml:"momentum_sessions"`
}

// Marker selects the invalidation marker backend.
type Marker struct {
	Backend   string `yaml:"backend"` // "file" or "redis"
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisKey  string `yaml:"redis_key"`
}

// Metrics configures run metrics export.
type Metrics struct {
	Textfile string `yaml:"textfile"`
	PushURL  string `yaml:"push_url"`
}

// Reader configures the long-lived reader daemon.
type Reader struct {
	HTTPAddr string        `yaml:"http_addr"`
	GRPCAddr string        `yaml:"grpc_addr"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// Schedule holds the cron trigger for unattended runs.
type Schedule struct {
	Cron string `yaml:"cron"`
	Mode string `yaml:"mode"`
}

// Review locates the manual-review workbook for UNKNOWN candidates.
type Review struct {
	Path string `yaml:"path"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, and then applies .env values, environment variable
// overrides, and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("REGISTRY_DSN"); v != "" {
		cfg.Storage.RegistryDSN = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Source.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Source.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Source.Alpaca.DataURL = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Marker.RedisAddr = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca SDK env vars take priority.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Source.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Source.Alpaca.APISecret = v
	}
}

// applyDefaults fills zero values with the pipeline defaults.
func applyDefaults(cfg *Config) {
	setString(&cfg.Storage.RegistryDriver, "sqlite")
	if cfg.Storage.RegistryDSN == "" && cfg.Storage.DataDir != "" {
		cfg.Storage.RegistryDSN = cfg.Storage.DataDir + "/registry.db"
	}
	setInt(&cfg.Storage.KeepBackups, 5)

	setString(&cfg.Source.Provider, "alpaca")
	setString(&cfg.Source.Alpaca.Feed, "sip")
	setInt(&cfg.Source.RateLimitPerMin, 180)
	setInt(&cfg.Source.MaxAttempts, 3)
	if cfg.Source.BaseDelay == 0 {
		cfg.Source.BaseDelay = time.Second
	}
	setInt(&cfg.Source.BreakerFailures, 5)
	if cfg.Source.BreakerTimeout == 0 {
		cfg.Source.BreakerTimeout = time.Minute
	}

	setString(&cfg.Universe.Path, "reference/universe.csv")
	setString(&cfg.Universe.HistoryStart, "2015-01-01")
	setString(&cfg.Universe.DefaultVenue, "HOSE")
	if len(cfg.Venues) == 0 {
		cfg.Venues = map[string]float64{"HOSE": 0.07, "HNX": 0.10, "UPCOM": 0.15}
	}
	// Universe files carry upper-case venue codes.
	venues := make(map[string]float64, len(cfg.Venues))
	for v, c := range cfg.Venues {
		venues[strings.ToUpper(v)] = c
	}
	cfg.Venues = venues
	cfg.Universe.DefaultVenue = strings.ToUpper(cfg.Universe.DefaultVenue)

	setInt(&cfg.Detect.LookbackSessions, 365)
	setInt(&cfg.Detect.ZWindow, 20)
	setFloat(&cfg.Detect.ZThreshold, 3.0)
	setFloat(&cfg.Detect.SplitTolerance, 0.03)
	setFloat(&cfg.Detect.DividendMinMove, 0.05)
	setFloat(&cfg.Detect.DividendMaxMove, 0.15)
	setFloat(&cfg.Detect.VolumeSpikeMultiple, 2.0)
	setFloat(&cfg.Detect.GapMin, 0.03)

	setInt(&cfg.Reconcile.WindowSessions, 35)
	setFloat(&cfg.Reconcile.Threshold, 0.02)
	setInt(&cfg.Reconcile.MinOverlap, 10)

	setFloat(&cfg.Ranking.SanityCeiling, 0.50)
	setFloat(&cfg.Ranking.DowntrendPenalty, 0.5)
	setInt(&cfg.Ranking.MomentumSessions, 60)

	setString(&cfg.Marker.Backend, "file")
	if cfg.Marker.Path == "" && cfg.Storage.DataDir != "" {
		cfg.Marker.Path = cfg.Storage.DataDir + "/.invalidated"
	}
	setString(&cfg.Marker.RedisKey, "halong:invalidated")

	setString(&cfg.Reader.HTTPAddr, ":8090")
	setString(&cfg.Reader.GRPCAddr, ":9090")
	if cfg.Reader.MaxAge == 0 {
		cfg.Reader.MaxAge = 15 * time.Minute
	}

	setString(&cfg.Schedule.Cron, "30 16 * * 1-5")
	setString(&cfg.Schedule.Mode, "recompute")

	setString(&cfg.Logging.Level, "info")
	setString(&cfg.Logging.Format, "auto")
}

// Validate reports configuration errors that would make a run unsafe.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	}
	switch c.Storage.RegistryDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.registry_driver %q: want sqlite or postgres", c.Storage.RegistryDriver))
	}
	switch c.Source.Provider {
	case "alpaca", "yahoo":
	default:
		errs = append(errs, fmt.Errorf("source.provider %q: want alpaca or yahoo", c.Source.Provider))
	}
	if _, err := time.Parse("2006-01-02", c.Universe.HistoryStart); err != nil {
		errs = append(errs, fmt.Errorf("universe.history_start: %w", err))
	}
	for venue, ceiling := range c.Venues {
		if ceiling <= 0 || ceiling >= 1 {
			errs = append(errs, fmt.Errorf("venues.%s: ceiling %v out of (0, 1)", venue, ceiling))
		}
	}
	if _, ok := c.Venues[strings.ToUpper(c.Universe.DefaultVenue)]; !ok {
		errs = append(errs, fmt.Errorf("universe.default_venue %q has no ceiling", c.Universe.DefaultVenue))
	}
	if c.Detect.ZWindow < 2 {
		errs = append(errs, errors.New("detect.zscore_window must be at least 2"))
	}
	if c.Reconcile.MinOverlap > c.Reconcile.WindowSessions {
		errs = append(errs, errors.New("reconcile.min_overlap exceeds reconcile.window_sessions"))
	}
	switch c.Marker.Backend {
	case "file":
	case "redis":
		if c.Marker.RedisAddr == "" {
			errs = append(errs, errors.New("marker.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("marker.backend %q: want file or redis", c.Marker.Backend))
	}
	return errors.Join(errs...)
}

func setString(p *string, v string) {
	if *p == "" {
		*p = v
	}
}

func setInt(p *int, v int) {
	if *p == 0 {
		*p = v
	}
}

func setFloat(p *float64, v float64) {
	if *p == 0 {
		*p = v
	}
}
