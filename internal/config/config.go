package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	Server         ServerConfig         `yaml:"server"`
	Auth           AuthConfig           `yaml:"auth"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	Bidding        BiddingConfig        `yaml:"bidding"`
	Notifications  NotificationsConfig  `yaml:"notifications"`
	Cache          CacheConfig          `yaml:"cache"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "sqlx" or "memory"
	Migrate  bool   `yaml:"migrate"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds the Redis connection used for the response cache and
// the ledger fact stream.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	FactsStream string `yaml:"facts_stream"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig holds bearer token verification settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
	// LogLevel applies to the local stderr logger used without an endpoint.
	LogLevel string `yaml:"log_level"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// SchedulerConfig controls the lifecycle sweep.
type SchedulerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Spec    string `yaml:"spec"` // robfig/cron spec, e.g. "@every 30s"
}

// BiddingConfig controls bid admission.
type BiddingConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	// DefaultIncrement is applied to auctions synthesized from ledger facts.
	DefaultIncrement decimal.Decimal `yaml:"default_increment"`
}

// NotificationsConfig holds the outbound notification relay.
type NotificationsConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// CacheConfig holds response cache TTLs.
type CacheConfig struct {
	AuctionTTL time.Duration `yaml:"auction_ttl"`
	ActiveTTL  time.Duration `yaml:"active_ttl"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "sqlx",
			Migrate: true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			FactsStream: "ledger:facts",
		},
		Auth: AuthConfig{
			Issuer: "auctiond",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auctiond",
			ServiceVersion: "0.1.0",
			LogLevel:       "info",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auctiond-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Spec:    "@every 30s",
		},
		Bidding: BiddingConfig{
			MaxAttempts:      3,
			DefaultIncrement: decimal.Zero,
		},
		Notifications: NotificationsConfig{
			Timeout: 5 * time.Second,
		},
		Cache: CacheConfig{
			AuctionTTL: 5 * time.Minute,
			ActiveTTL:  time.Minute,
		},
	}
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlx", "memory":
		// valid
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q: must be \"sqlx\" or \"memory\"", c.Database.Driver))
	}
	if c.Bidding.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("bidding.max_attempts must be at least 1, got %d", c.Bidding.MaxAttempts))
	}
	if c.Bidding.DefaultIncrement.IsNegative() {
		errs = append(errs, errors.New("bidding.default_increment must not be negative"))
	}
	if c.Scheduler.Enabled && c.Scheduler.Spec == "" {
		errs = append(errs, errors.New("scheduler.spec is required when the scheduler is enabled"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	return errors.Join(errs...)
}
