package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StrategyBatch = "batch"
	StrategyCopy  = "copy"

	StagingFS = "fs"
	StagingS3 = "s3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Remote     RemoteConfig     `yaml:"remote"`
	Lease      LeaseConfig      `yaml:"lease"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Staging    StagingConfig    `yaml:"staging"`
	Aggregates AggregatesConfig `yaml:"aggregates"`
	Seasons    []SeasonConfig   `yaml:"seasons"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	LoggingLevel   string        `yaml:"logging_level"`
	LogFormat      string        `yaml:"log_format"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// ControlToken guards the control API; empty disables auth
	ControlToken string `yaml:"control_token"`
}

type DatabaseConfig struct {
	URL                 string
	MaxConns            int
	MinConns            int
	ConnectTimeout      time.Duration
	HealthCheckInterval time.Duration
}

type IngestConfig struct {
	BatchSize        int    `yaml:"batch_size"`
	FetchConcurrency int    `yaml:"fetch_concurrency"`
	LoadConcurrency  int    `yaml:"load_concurrency"`
	Strategy         string `yaml:"strategy"`
	DeleteAfterLoad  bool   `yaml:"delete_after_load"`
	// ProgressInterval is how often load progress is logged
	ProgressInterval time.Duration `yaml:"progress_interval"`
	// ShardTimeout bounds one shard transaction attempt
	ShardTimeout time.Duration `yaml:"shard_timeout"`
}

type RemoteConfig struct {
	CallTimeout    time.Duration `yaml:"call_timeout"`
	SafetyMargin   time.Duration `yaml:"safety_margin"`
	RuntimeBudget  time.Duration `yaml:"runtime_budget"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	WarmupBackoff  time.Duration `yaml:"warmup_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type LeaseConfig struct {
	Name            string        `yaml:"name"`
	TTL             time.Duration `yaml:"ttl"`
	StealGrace      time.Duration `yaml:"steal_grace"`
	ReleaseTimeout  time.Duration `yaml:"release_timeout"`
	ReleaseAttempts int           `yaml:"release_attempts"`
	// DeadlineBuffer is subtracted from the lease expiry to derive the run deadline
	DeadlineBuffer time.Duration `yaml:"deadline_buffer"`
}

type UpstreamConfig struct {
	BaseURL            string
	TokenURL           string
	ClientID           string
	ClientSecret       string
	Locale             string
	Regions            []string
	Realms             map[string][]int
	MinRequestInterval time.Duration
	HourlyQuota        int
	CutoffURL          string
}

type StagingConfig struct {
	Backend   string `yaml:"backend"`
	Dir       string `yaml:"dir"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Compress  bool   `yaml:"compress"`
}

type AggregatesConfig struct {
	Views        []string      `yaml:"views"`
	Concurrently bool          `yaml:"concurrently"`
	Async        bool          `yaml:"async"`
	Timeout      time.Duration `yaml:"timeout"`
}

type SeasonConfig struct {
	ID       int   `yaml:"id"`
	Dungeons []int `yaml:"dungeons"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	HealthCheckPath   string `yaml:"health_check_path"`
}

// UnmarshalYAML implements custom unmarshaling for DatabaseConfig so that every
// field may be given as os.environ/VAR
func (d *DatabaseConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		URL                 string `yaml:"url"`
		MaxConns            string `yaml:"max_conns"`
		MinConns            string `yaml:"min_conns"`
		ConnectTimeout      string `yaml:"connect_timeout"`
		HealthCheckInterval string `yaml:"health_check_interval"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	d.URL = resolveEnvString(temp.URL)
	if d.MaxConns, err = parseField(temp.MaxConns, 0, parseInt, "database.max_conns"); err != nil {
		return err
	}
	if d.MinConns, err = parseField(temp.MinConns, 0, parseInt, "database.min_conns"); err != nil {
		return err
	}
	if d.ConnectTimeout, err = parseField(temp.ConnectTimeout, 0, time.ParseDuration, "database.connect_timeout"); err != nil {
		return err
	}
	if d.HealthCheckInterval, err = parseField(temp.HealthCheckInterval, 0, time.ParseDuration, "database.health_check_interval"); err != nil {
		return err
	}
	return nil
}

// UnmarshalYAML implements custom unmarshaling for UpstreamConfig resolving credentials from the environment
func (u *UpstreamConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		BaseURL            string           `yaml:"base_url"`
		TokenURL           string           `yaml:"token_url"`
		ClientID           string           `yaml:"client_id"`
		ClientSecret       string           `yaml:"client_secret"`
		Locale             string           `yaml:"locale"`
		Regions            []string         `yaml:"regions"`
		Realms             map[string][]int `yaml:"realms"`
		MinRequestInterval string           `yaml:"min_request_interval"`
		HourlyQuota        string           `yaml:"hourly_quota"`
		CutoffURL          string           `yaml:"cutoff_url"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	u.BaseURL = resolveEnvString(temp.BaseURL)
	u.TokenURL = resolveEnvString(temp.TokenURL)
	u.ClientID = resolveEnvString(temp.ClientID)
	u.ClientSecret = resolveEnvString(temp.ClientSecret)
	u.Locale = temp.Locale
	u.Regions = temp.Regions
	u.Realms = temp.Realms
	u.CutoffURL = resolveEnvString(temp.CutoffURL)
	if u.MinRequestInterval, err = parseField(temp.MinRequestInterval, 0, time.ParseDuration, "upstream.min_request_interval"); err != nil {
		return err
	}
	if u.HourlyQuota, err = parseField(temp.HourlyQuota, 0, parseInt, "upstream.hourly_quota"); err != nil {
		return err
	}
	return nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and no external endpoints
func Default() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Normalize fills defaults and cleans up configuration values
func (c *Config) Normalize() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LoggingLevel == "" {
		c.Server.LoggingLevel = "info"
	}
	c.Server.LoggingLevel = strings.ToLower(c.Server.LoggingLevel)
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	c.Server.ControlToken = resolveEnvString(c.Server.ControlToken)

	setDefault(&c.Database.MaxConns, 10)
	setDefault(&c.Database.MinConns, 1)
	setDefault(&c.Database.ConnectTimeout, 5*time.Second)
	setDefault(&c.Database.HealthCheckInterval, 10*time.Second)

	setDefault(&c.Ingest.BatchSize, 500)
	setDefault(&c.Ingest.FetchConcurrency, 8)
	setDefault(&c.Ingest.LoadConcurrency, 6)
	setDefault(&c.Ingest.ProgressInterval, 5*time.Second)
	setDefault(&c.Ingest.ShardTimeout, 2*time.Minute)
	if c.Ingest.Strategy == "" {
		c.Ingest.Strategy = StrategyBatch
	}
	c.Ingest.Strategy = strings.ToLower(c.Ingest.Strategy)

	setDefault(&c.Remote.CallTimeout, 10*time.Second)
	setDefault(&c.Remote.SafetyMargin, 5*time.Second)
	setDefault(&c.Remote.MaxAttempts, 4)
	setDefault(&c.Remote.InitialBackoff, 500*time.Millisecond)
	setDefault(&c.Remote.WarmupBackoff, 3*time.Second)
	setDefault(&c.Remote.MaxBackoff, 30*time.Second)

	if c.Lease.Name == "" {
		c.Lease.Name = "leaderboard-ingest"
	}
	setDefault(&c.Lease.TTL, 30*time.Minute)
	setDefault(&c.Lease.StealGrace, 2*time.Minute)
	setDefault(&c.Lease.ReleaseTimeout, 5*time.Second)
	setDefault(&c.Lease.ReleaseAttempts, 3)
	setDefault(&c.Lease.DeadlineBuffer, time.Minute)

	// Remove trailing slash from base_url to avoid double slashes in request paths
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
	if c.Upstream.Locale == "" {
		c.Upstream.Locale = "en_US"
	}
	for i, r := range c.Upstream.Regions {
		c.Upstream.Regions[i] = strings.ToLower(strings.TrimSpace(r))
	}
	setDefault(&c.Upstream.MinRequestInterval, 10*time.Millisecond)
	setDefault(&c.Upstream.HourlyQuota, 36000)

	if c.Staging.Backend == "" {
		c.Staging.Backend = StagingFS
	}
	if c.Staging.Dir == "" {
		c.Staging.Dir = "output"
	}
	c.Staging.AccessKey = resolveEnvString(c.Staging.AccessKey)
	c.Staging.SecretKey = resolveEnvString(c.Staging.SecretKey)

	if len(c.Aggregates.Views) == 0 {
		c.Aggregates.Views = DefaultViews()
	}
	setDefault(&c.Aggregates.Timeout, 15*time.Minute)

	if c.Monitoring.HealthCheckPath == "" {
		c.Monitoring.HealthCheckPath = "/healthz"
	}
}

// DefaultViews returns the aggregate views refreshed after every load
func DefaultViews() []string {
	return []string{
		"top_runs_global",
		"top_runs_per_period",
		"top_runs_per_dungeon",
		"top_groups_per_composition",
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, c.Server.LoggingLevel) {
		return fmt.Errorf("invalid logging_level: %s (must be debug, info, warn, or error)", c.Server.LoggingLevel)
	}
	if c.Server.LogFormat != "text" && c.Server.LogFormat != "json" {
		return fmt.Errorf("invalid log_format: %s (must be text or json)", c.Server.LogFormat)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database.min_conns (%d) exceeds max_conns (%d)", c.Database.MinConns, c.Database.MaxConns)
	}

	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("invalid ingest.batch_size: %d", c.Ingest.BatchSize)
	}
	// 65535 bind parameters per statement; a run row carries 10 columns
	if c.Ingest.BatchSize > 6500 {
		return fmt.Errorf("ingest.batch_size %d exceeds the parameter limit (max 6500)", c.Ingest.BatchSize)
	}
	if c.Ingest.FetchConcurrency <= 0 {
		return fmt.Errorf("invalid ingest.fetch_concurrency: %d", c.Ingest.FetchConcurrency)
	}
	if c.Ingest.LoadConcurrency <= 0 {
		return fmt.Errorf("invalid ingest.load_concurrency: %d", c.Ingest.LoadConcurrency)
	}
	if c.Database.MaxConns > 0 && c.Ingest.LoadConcurrency > c.Database.MaxConns {
		return fmt.Errorf("ingest.load_concurrency (%d) exceeds database.max_conns (%d)", c.Ingest.LoadConcurrency, c.Database.MaxConns)
	}
	if c.Ingest.Strategy != StrategyBatch && c.Ingest.Strategy != StrategyCopy {
		return fmt.Errorf("invalid ingest.strategy: %s (must be batch or copy)", c.Ingest.Strategy)
	}

	if c.Remote.MaxAttempts <= 0 {
		return fmt.Errorf("invalid remote.max_attempts: %d", c.Remote.MaxAttempts)
	}
	if c.Remote.RuntimeBudget < 0 {
		return fmt.Errorf("invalid remote.runtime_budget: %v", c.Remote.RuntimeBudget)
	}

	if c.Lease.TTL <= c.Lease.DeadlineBuffer {
		return fmt.Errorf("lease.ttl (%v) must exceed lease.deadline_buffer (%v)", c.Lease.TTL, c.Lease.DeadlineBuffer)
	}
	if c.Lease.ReleaseAttempts <= 0 {
		return fmt.Errorf("invalid lease.release_attempts: %d", c.Lease.ReleaseAttempts)
	}

	if c.Upstream.BaseURL != "" {
		if err := validateURL("upstream.base_url", c.Upstream.BaseURL); err != nil {
			return err
		}
		if len(c.Upstream.Regions) == 0 {
			return fmt.Errorf("upstream.regions is required when upstream.base_url is set")
		}
	}
	if c.Upstream.TokenURL != "" {
		if err := validateURL("upstream.token_url", c.Upstream.TokenURL); err != nil {
			return err
		}
	}

	switch c.Staging.Backend {
	case StagingFS:
		if c.Staging.Dir == "" {
			return fmt.Errorf("staging.dir is required for the fs backend")
		}
	case StagingS3:
		if c.Staging.Bucket == "" {
			return fmt.Errorf("staging.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("invalid staging.backend: %s (must be fs or s3)", c.Staging.Backend)
	}

	for i, s := range c.Seasons {
		if s.ID <= 0 {
			return fmt.Errorf("season %d: invalid id: %d", i, s.ID)
		}
	}

	return nil
}

// Season returns the configured season with the given id
func (c *Config) Season(id int) (SeasonConfig, bool) {
	for _, s := range c.Seasons {
		if s.ID == id {
			return s, true
		}
	}
	return SeasonConfig{}, false
}

// LatestSeason returns the highest configured season id, zero when none
func (c *Config) LatestSeason() int {
	latest := 0
	for _, s := range c.Seasons {
		latest = max(latest, s.ID)
	}
	return latest
}

var urlPlaceholders = strings.NewReplacer("{region}", "region", "{season}", "0")

// validateURL validates that a URL is properly formed with http/https scheme.
// {region} and {season} placeholders are substituted before parsing.
func validateURL(field, raw string) error {
	parsedURL, err := url.Parse(urlPlaceholders.Replace(raw))
	if err != nil {
		return fmt.Errorf("%s: invalid url: %w", field, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("%s: must use http or https scheme, got: %s", field, parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("%s: must have a host", field)
	}
	return nil
}
