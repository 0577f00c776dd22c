// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ScriptVariantConfig declares a calling convention implemented in JavaScript.
type ScriptVariantConfig struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
	File   string `yaml:"file"`
}

// ProviderConfig describes the external payment provider.
type ProviderConfig struct {
	Kind                string                `yaml:"kind"`
	BaseURL             string                `yaml:"baseURL"`
	CheckoutPath        string                `yaml:"checkoutPath"`
	StatusPath          string                `yaml:"statusPath"`
	Credential          string                `yaml:"credential"`
	CredentialPrefixes  []string              `yaml:"credentialPrefixes"`
	CredentialMinLength int                   `yaml:"credentialMinLength"`
	Variants            []string              `yaml:"variants"`
	Scripts             []ScriptVariantConfig `yaml:"scripts"`
	Headers             map[string]string     `yaml:"headers"`
	RequestTimeout      time.Duration         `yaml:"requestTimeout"`
	StatusRateLimit     float64               `yaml:"statusRateLimit"`
	StatusBurst         int                   `yaml:"statusBurst"`
}

// DefaultMaxRetries applies when polling.maxRetries is absent. An explicit zero is kept.
const DefaultMaxRetries = 10

// PollingConfig controls per-session status polling.
type PollingConfig struct {
	Interval     time.Duration `yaml:"interval"`
	MaxRetries   int           `yaml:"maxRetries"`
	QueryTimeout time.Duration `yaml:"queryTimeout"`
}

// RecoveryConfig controls the startup recovery scan.
type RecoveryConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	Concurrency   int           `yaml:"concurrency"`
	SkipOnStartup bool          `yaml:"skipOnStartup"`
}

// SQLiteConfig locates the embedded snapshot database.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig locates the Redis snapshot backend.
type RedisConfig struct {
	URL       string        `yaml:"url"`
	Retention time.Duration `yaml:"retention"`
}

// StoreConfig selects and tunes the snapshot backend.
type StoreConfig struct {
	Backend       string        `yaml:"backend"`
	KeyPrefix     string        `yaml:"keyPrefix"`
	SnapshotTTL   time.Duration `yaml:"snapshotTTL"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	SQLite        SQLiteConfig  `yaml:"sqlite"`
	Redis         RedisConfig   `yaml:"redis"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig selects the structured log handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AppConfig is the unified paywatch configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Provider    ProviderConfig  `yaml:"provider"`
	Polling     PollingConfig   `yaml:"polling"`
	Recovery    RecoveryConfig  `yaml:"recovery"`
	Store       StoreConfig     `yaml:"store"`
	Database    DatabaseConfig  `yaml:"database"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	var cfg AppConfig
	cfg.Environment = EnvDev
	cfg.Provider.Kind = ProviderFake
	cfg.Telemetry.ServiceName = "paywatch"
	cfg.Polling.MaxRetries = DefaultMaxRetries
	cfg.normalise(os.LookupEnv)
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return parse(bytes, os.LookupEnv)
}

// LoadOrDefault loads configPath when it exists and falls back to Default otherwise.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func parse(bytes []byte, lookup func(string) (string, bool)) (AppConfig, error) {
	// Fields absent from the document keep their seeded value.
	cfg := AppConfig{Polling: PollingConfig{MaxRetries: DefaultMaxRetries}}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise(lookup)
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise(lookup func(string) (string, bool)) {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Provider.applyDefaults()
	if lookup != nil {
		if credential, ok := lookup(EnvProviderCredential); ok && strings.TrimSpace(credential) != "" {
			c.Provider.Credential = strings.TrimSpace(credential)
		}
	}

	if c.Polling.Interval <= 0 {
		c.Polling.Interval = 3 * time.Second
	}
	if c.Polling.QueryTimeout <= 0 {
		c.Polling.QueryTimeout = 5 * time.Second
	}

	if c.Recovery.TTL <= 0 {
		c.Recovery.TTL = 60 * time.Minute
	}
	if c.Recovery.Concurrency <= 0 {
		c.Recovery.Concurrency = 8
	}

	c.Store.applyDefaults()
	c.Database.applyDefaults()

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "paywatch"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *ProviderConfig) applyDefaults() {
	c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
	if c.Kind == "" {
		c.Kind = ProviderHTTP
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.CheckoutPath == "" {
		c.CheckoutPath = "/v1/checkout/sessions"
	}
	if c.StatusPath == "" {
		c.StatusPath = "/v1/checkout/sessions/{id}"
	}
	c.Credential = strings.TrimSpace(c.Credential)
	c.Variants = dedupe(c.Variants)
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.StatusRateLimit <= 0 {
		c.StatusRateLimit = 5
	}
	if c.StatusBurst <= 0 {
		c.StatusBurst = 5
	}
	for i := range c.Scripts {
		c.Scripts[i].Name = strings.TrimSpace(c.Scripts[i].Name)
		c.Scripts[i].File = strings.TrimSpace(c.Scripts[i].File)
	}
}

func (c *StoreConfig) applyDefaults() {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "paywatch:snapshot:"
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	c.SQLite.Path = strings.TrimSpace(c.SQLite.Path)
	if c.SQLite.Path == "" {
		c.SQLite.Path = filepath.Join("data", "paywatch.db")
	}
	c.Redis.URL = strings.TrimSpace(c.Redis.URL)
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.Redis.Retention <= 0 {
		c.Redis.Retention = time.Hour
	}
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/paywatch"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Provider.Kind {
	case ProviderFake:
	case ProviderHTTP:
		if c.Provider.BaseURL == "" {
			return fmt.Errorf("provider baseURL required for kind %q", ProviderHTTP)
		}
	default:
		return fmt.Errorf("provider kind must be one of %s, %s", ProviderHTTP, ProviderFake)
	}
	seen := make(map[string]struct{}, len(c.Provider.Scripts))
	for i, script := range c.Provider.Scripts {
		if script.Name == "" {
			return fmt.Errorf("provider scripts[%d]: name required", i)
		}
		if (script.Source == "") == (script.File == "") {
			return fmt.Errorf("provider script %q: exactly one of source or file required", script.Name)
		}
		if _, dup := seen[script.Name]; dup {
			return fmt.Errorf("provider script %q declared twice", script.Name)
		}
		seen[script.Name] = struct{}{}
	}

	if c.Polling.MaxRetries < 0 {
		return fmt.Errorf("polling maxRetries must be >=0")
	}
	if c.Polling.QueryTimeout > c.Polling.Interval*10 {
		return fmt.Errorf("polling queryTimeout must not exceed ten intervals")
	}

	if c.Store.SnapshotTTL < c.Recovery.TTL {
		return fmt.Errorf("store snapshotTTL must be >= recovery ttl")
	}

	switch c.Store.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	case BackendPostgres:
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	default:
		return fmt.Errorf("store backend must be one of memory, sqlite, redis, postgres")
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging format must be text or json")
	}
	return nil
}

// PostgresRequired reports whether the configuration needs a PostgreSQL pool.
func (c AppConfig) PostgresRequired() bool {
	return c.Store.Backend == BackendPostgres
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
