package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Store    StoreConfig    `yaml:"store" envconfig:"STORE"`
	Refresh  RefreshConfig  `yaml:"refresh" envconfig:"REFRESH"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// DatabaseConfig contains SQLite persistence configuration
type DatabaseConfig struct {
	Path        string        `yaml:"path" envconfig:"PATH"`
	BusyTimeout time.Duration `yaml:"busy_timeout" envconfig:"BUSY_TIMEOUT"`
	MaxReaders  int           `yaml:"max_readers" envconfig:"MAX_READERS"`
}

// StoreConfig contains upstream store client configuration
type StoreConfig struct {
	BaseURL   string        `yaml:"base_url" envconfig:"BASE_URL"`
	Timeout   time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	UserAgent string        `yaml:"user_agent" envconfig:"USER_AGENT"`
	// SealSecret derives the key that encrypts store API keys at rest.
	// Required; there is no plaintext fallback.
	SealSecret string `yaml:"seal_secret" envconfig:"SEAL_SECRET"`
}

// RefreshConfig contains cache refresh scheduler configuration
type RefreshConfig struct {
	SweepInterval     time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
	InitialDelay      time.Duration `yaml:"initial_delay" envconfig:"INITIAL_DELAY"`
	StaleThreshold    time.Duration `yaml:"stale_threshold" envconfig:"STALE_THRESHOLD"`
	RequestGap        time.Duration `yaml:"request_gap" envconfig:"REQUEST_GAP"`
	FetchConcurrency  int           `yaml:"fetch_concurrency" envconfig:"FETCH_CONCURRENCY"`
	AutocompleteLimit int           `yaml:"autocomplete_limit" envconfig:"AUTOCOMPLETE_LIMIT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	// AdminToken guards the operator endpoints. Empty disables the
	// gate for local development.
	AdminToken string `yaml:"admin_token" envconfig:"ADMIN_TOKEN"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// defaultConfig returns a Config populated with defaults. File and
// environment values overlay it, so fields absent from both keep these
// values (including booleans that default to true).
func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Server = ServerConfig{
		Port:            8080,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
		RequestTimeout:  30 * time.Second,
	}
	cfg.Logging = LoggingConfig{
		Level:    "info",
		Output:   "stdout",
		FilePath: "logs/keygate.log",
	}
	cfg.Database = DatabaseConfig{
		Path:        "data/keygate.db",
		BusyTimeout: 5 * time.Second,
		MaxReaders:  8,
	}
	cfg.Store = StoreConfig{
		BaseURL:   "https://api.jinxxy.com/v1",
		Timeout:   30 * time.Second,
		UserAgent: "keygate",
	}
	cfg.Refresh = RefreshConfig{
		SweepInterval:     24 * time.Hour,
		InitialDelay:      60 * time.Second,
		StaleThreshold:    60 * time.Second,
		RequestGap:        50 * time.Millisecond,
		FetchConcurrency:  4,
		AutocompleteLimit: 25,
	}
	cfg.Security = SecurityConfig{
		AllowedOrigins: []string{"http://localhost:8080"},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     100,
			Burst:   50,
		},
	}
	return cfg
}

// Load loads configuration from defaults, an optional YAML file, and
// environment variables. Later sources win: environment variables
// override file values, which override defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configFile := configFilePath()
	if _, err := os.Stat(configFile); err == nil {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Unmarshal over the defaults; keys absent from the file leave
		// the defaults untouched.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if err := cfg.ensureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to prepare directories: %w", err)
	}

	return cfg, nil
}

// configFilePath returns the config file location, overridable via env.
func configFilePath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG_FILE"); p != "" {
		return p
	}
	return DefaultConfigFile
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path must not be empty")
	}
	if c.Database.MaxReaders < 1 {
		return fmt.Errorf("database max readers must be at least 1")
	}

	u, err := url.Parse(c.Store.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid store base URL: %q", c.Store.BaseURL)
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}
	if len(c.Store.SealSecret) < MinSealSecretLength {
		return fmt.Errorf("store seal secret must be at least %d characters", MinSealSecretLength)
	}

	if c.Refresh.SweepInterval < time.Minute {
		return fmt.Errorf("refresh sweep interval must be at least 1m")
	}
	if c.Refresh.StaleThreshold <= 0 {
		return fmt.Errorf("refresh stale threshold must be positive")
	}
	if c.Refresh.FetchConcurrency < 1 {
		return fmt.Errorf("refresh fetch concurrency must be at least 1")
	}
	if c.Refresh.AutocompleteLimit < 1 {
		return fmt.Errorf("autocomplete limit must be at least 1")
	}

	if len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified")
	}

	return nil
}

// ensureDirectories creates the directories the process writes into.
func (c *Config) ensureDirectories() error {
	dirs := []string{filepath.Dir(c.Database.Path)}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
