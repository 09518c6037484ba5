package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// BaseConfig holds base configuration
type BaseConfig struct {
	Debug     bool   `mapstructure:"debug"`
	SentryDSN string `mapstructure:"sentry_dsn"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`     // Maximum number of open connections to the database
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`     // Maximum number of idle connections in the pool
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`  // Maximum amount of time a connection may be reused (e.g., "5m", "1h")
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"` // Maximum amount of time a connection may be idle (e.g., "10m", "30m")
}

// MintConfig holds the mint collaborator configuration
type MintConfig struct {
	URL               string          `mapstructure:"url"`                 // Default mint for melts
	TrustedURLs       []string        `mapstructure:"trusted_urls"`        // Additional mints records may reference
	Timeout           time.Duration   `mapstructure:"timeout"`             // Per request, also bounds payMeltQuote
	CheckTimeout      time.Duration   `mapstructure:"check_timeout"`       // Bounds reconciliation proof state checks
	RequestsPerSecond float64         `mapstructure:"requests_per_second"` // Per mint, shared across processes when redis is set
	Burst             int             `mapstructure:"burst"`
	RateLimit         RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig holds the redis backing of the shared mint rate limit
type RateLimitConfig struct {
	RedisAddr               string  `mapstructure:"redis_addr"` // Empty limits each process locally
	RedisPassword           string  `mapstructure:"redis_password"`
	RedisDB                 int     `mapstructure:"redis_db"`
	KeyPrefix               string  `mapstructure:"key_prefix"`
	LocalFallbackMultiplier float64 `mapstructure:"local_fallback_multiplier"`
}

// LedgerConfig holds melt engine configuration
type LedgerConfig struct {
	DuplicateWindow time.Duration `mapstructure:"duplicate_window"`
}

// MonitoringConfig holds alert thresholds
type MonitoringConfig struct {
	FailureRateThreshold float64       `mapstructure:"failure_rate_threshold"`
	MinAttempts          int64         `mapstructure:"min_attempts"`
	PendingAgeThreshold  time.Duration `mapstructure:"pending_age_threshold"`
	Interval             time.Duration `mapstructure:"interval"`
}

// AlertConfig holds alert delivery configuration
type AlertConfig struct {
	WebhookURL        string        `mapstructure:"webhook_url"`
	WebhookSecret     string        `mapstructure:"webhook_secret"` // Signs deliveries with HMAC-SHA256 when set
	NatsURL           string        `mapstructure:"nats_url"`       // Publishes alerts to JetStream when set
	NatsSubjectPrefix string        `mapstructure:"nats_subject_prefix"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
}

// RecoveryConfig holds configuration for the pending recovery sweeper
type RecoveryConfig struct {
	PendingTimeout time.Duration `mapstructure:"pending_timeout"`
	BatchSize      int           `mapstructure:"batch_size"`
	PoolSize       int           `mapstructure:"pool_size"`
	Interval       time.Duration `mapstructure:"interval"`
	RetryInitial   time.Duration `mapstructure:"retry_initial"`
	RetryMaxTotal  time.Duration `mapstructure:"retry_max_total"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
	IdleTimeout  int    `mapstructure:"idle_timeout"`  // in seconds
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTPublicKey string   `mapstructure:"jwt_public_key"`
	APIKeys      []string `mapstructure:"api_keys"`
}

// APIConfig holds configuration for the API server
type APIConfig struct {
	BaseConfig `mapstructure:",squash"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Mint       MintConfig       `mapstructure:"mint"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Alert      AlertConfig      `mapstructure:"alert"`
	Auth       AuthConfig       `mapstructure:"auth"`
}

// SweeperConfig holds configuration for the sweeper program
type SweeperConfig struct {
	BaseConfig `mapstructure:",squash"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Mint       MintConfig       `mapstructure:"mint"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Alert      AlertConfig      `mapstructure:"alert"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
}

// MigrateConfig holds configuration for the migration CLI
type MigrateConfig struct {
	BaseConfig `mapstructure:",squash"`
	Database   DatabaseConfig `mapstructure:"database"`
	Alert      AlertConfig    `mapstructure:"alert"`
}

func setDatabaseDefaults(v *viper.Viper) {
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.conn_max_idle_time", "10m")
}

func setMintDefaults(v *viper.Viper) {
	v.SetDefault("mint.timeout", "30s")
	v.SetDefault("mint.check_timeout", "10s")
	v.SetDefault("mint.requests_per_second", 10)
	v.SetDefault("mint.burst", 20)
	v.SetDefault("mint.rate_limit.key_prefix", "ledger:mint:limiter:")
	v.SetDefault("mint.rate_limit.local_fallback_multiplier", 0.5)
}

func setMonitoringDefaults(v *viper.Viper) {
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.min_attempts", 10)
	v.SetDefault("monitoring.pending_age_threshold", "1h")
	v.SetDefault("monitoring.interval", "1m")
	v.SetDefault("alert.cooldown", "15m")
	v.SetDefault("alert.nats_subject_prefix", "ledger")
}

// LoadAPIConfig loads configuration for the API server
func LoadAPIConfig(configFile string, envPath string) (*APIConfig, error) {
	v := configureViper("ledger-api", configFile, envPath)

	// Set defaults
	v.SetDefault("debug", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 60) // melts wait for the mint
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("ledger.duplicate_window", "5m")
	setDatabaseDefaults(v)
	setMintDefaults(v)
	setMonitoringDefaults(v)

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg APIConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Database.validate(); err != nil {
		return nil, err
	}
	if cfg.Mint.URL == "" {
		return nil, errors.New("mint.url is required")
	}

	return &cfg, nil
}

// LoadSweeperConfig loads configuration for the sweeper program
func LoadSweeperConfig(configFile string, envPath string) (*SweeperConfig, error) {
	v := configureViper("ledger-sweeper", configFile, envPath)

	// Set defaults
	setDatabaseDefaults(v)
	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 2)
	setMintDefaults(v)
	setMonitoringDefaults(v)
	v.SetDefault("recovery.pending_timeout", "10m")
	v.SetDefault("recovery.batch_size", 100)
	v.SetDefault("recovery.pool_size", 4)
	v.SetDefault("recovery.interval", "5m")
	v.SetDefault("recovery.retry_initial", "2s")
	v.SetDefault("recovery.retry_max_total", "1m")

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg SweeperConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Database.validate(); err != nil {
		return nil, err
	}
	if cfg.Mint.URL == "" && len(cfg.Mint.TrustedURLs) == 0 {
		return nil, errors.New("mint.url or mint.trusted_urls is required")
	}
	if cfg.Recovery.PoolSize <= 0 {
		return nil, errors.New("recovery.pool_size must be positive")
	}

	return &cfg, nil
}

// LoadMigrateConfig loads configuration for the migration CLI
func LoadMigrateConfig(configFile string, envPath string) (*MigrateConfig, error) {
	v := configureViper("ledger-migrate", configFile, envPath)

	// Set defaults
	setDatabaseDefaults(v)
	v.SetDefault("database.max_open_conns", 2)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("alert.cooldown", "0s")
	v.SetDefault("alert.nats_subject_prefix", "ledger")

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg MigrateConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Database.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// readConfig reads the config file. A missing file falls back to environment variables.
func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func (c *DatabaseConfig) validate() error {
	if c.Host == "" {
		return errors.New("database.host is required")
	}
	if c.DBName == "" {
		return errors.New("database.dbname is required")
	}
	return nil
}

// configureViper returns a viper instance with the config file and environment variables set
func configureViper(service string, configFile string, envPath string) *viper.Viper {
	v := viper.New()

	// Load environment variables
	loadEnv(envPath, service)

	// Set config file
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		// Search for config.yaml in multiple locations:
		// 1. Current directory
		v.AddConfigPath(".")
		// 2. Service-specific directory (e.g., cmd/ledger-api/)
		v.AddConfigPath(fmt.Sprintf("cmd/%s/", service))
		// 3. Config directory
		v.AddConfigPath("config/")
	}

	// Set environment variables
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind all environment variables
	bindAllEnvVars(v)
	return v
}

// bindAllEnvVars explicitly binds all possible environment variables
// This is required for viper to map env vars to config struct fields when no config file exists
func bindAllEnvVars(v *viper.Viper) {
	keys := []string{
		"debug",
		"sentry_dsn",
		// Database
		"database.host",
		"database.port",
		"database.user",
		"database.password",
		"database.dbname",
		"database.sslmode",
		"database.max_open_conns",
		"database.max_idle_conns",
		"database.conn_max_lifetime",
		"database.conn_max_idle_time",
		// Mint
		"mint.url",
		"mint.trusted_urls",
		"mint.timeout",
		"mint.check_timeout",
		"mint.requests_per_second",
		"mint.burst",
		"mint.rate_limit.redis_addr",
		"mint.rate_limit.redis_password",
		"mint.rate_limit.redis_db",
		"mint.rate_limit.key_prefix",
		"mint.rate_limit.local_fallback_multiplier",
		// Ledger
		"ledger.duplicate_window",
		// Monitoring
		"monitoring.failure_rate_threshold",
		"monitoring.min_attempts",
		"monitoring.pending_age_threshold",
		"monitoring.interval",
		// Alert
		"alert.webhook_url",
		"alert.webhook_secret",
		"alert.nats_url",
		"alert.nats_subject_prefix",
		"alert.cooldown",
		// Recovery
		"recovery.pending_timeout",
		"recovery.batch_size",
		"recovery.pool_size",
		"recovery.interval",
		"recovery.retry_initial",
		"recovery.retry_max_total",
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.idle_timeout",
		// Auth
		"auth.jwt_public_key",
		"auth.api_keys",
	}

	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// loadEnv loads environment variables from the config directory
func loadEnv(envPath string, service string) {
	// Always try shared base first, then local, then optional per-service local.
	envFiles := []string{".env", ".env.local"}
	if service != "" {
		envFiles = append(envFiles, ".env."+service+".local")
	}

	// Default to config directory
	if envPath == "" {
		envPath = "config/"
	}

	for _, envFile := range envFiles {
		candidate := filepath.Join(envPath, envFile)
		_ = godotenv.Overload(candidate) // Overload lets later files override earlier ones
	}
}

// ChdirRepoRoot changes the current working directory to the repository root
func ChdirRepoRoot() {
	cwd, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(filepath.Join(cwd, "config")); err == nil {
			_ = os.Chdir(cwd)
			return
		}
		cwd = filepath.Dir(cwd)
	}
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// MintURLs returns the default mint followed by the trusted mints, without duplicates
func (c *MintConfig) MintURLs() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, u := range append([]string{c.URL}, c.TrustedURLs...) {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
