package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration shared by the
// client daemon and the subscription server.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	License  LicenseConfig  `yaml:"license" envconfig:"LICENSE"`
	Webhook  WebhookConfig  `yaml:"webhook" envconfig:"WEBHOOK"`
	Storage  StorageConfig  `yaml:"storage" envconfig:"STORAGE"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LicenseConfig contains the client-side validation policy. The grace window
// and warning threshold are business policy that has changed more than once,
// so they are configuration rather than constants.
type LicenseConfig struct {
	ServerURL        string        `yaml:"server_url" envconfig:"SERVER_URL" default:"https://license.pospal.app"`
	CustomerToken    string        `yaml:"customer_token" envconfig:"CUSTOMER_TOKEN"`
	CacheFile        string        `yaml:"cache_file" envconfig:"CACHE_FILE" default:"license.dat"`
	LegacyFile       string        `yaml:"legacy_file" envconfig:"LEGACY_FILE" default:"license.json"`
	CacheTTL         time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL" default:"5m"`
	RefreshInterval  time.Duration `yaml:"refresh_interval" envconfig:"REFRESH_INTERVAL" default:"10m"`
	RequestTimeout   time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"10s"`
	GraceWindowDays  int           `yaml:"grace_window_days" envconfig:"GRACE_WINDOW_DAYS" default:"10"`
	GraceWarningDays int           `yaml:"grace_warning_days" envconfig:"GRACE_WARNING_DAYS" default:"3"`
	TrialDays        int           `yaml:"trial_days" envconfig:"TRIAL_DAYS" default:"30"`
	BreakerThreshold int           `yaml:"breaker_threshold" envconfig:"BREAKER_THRESHOLD" default:"3"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" envconfig:"BREAKER_COOLDOWN" default:"2m"`
}

// WebhookConfig contains payment provider webhook settings.
type WebhookConfig struct {
	SigningSecret   string        `yaml:"signing_secret" envconfig:"SIGNING_SECRET"`
	Tolerance       time.Duration `yaml:"tolerance" envconfig:"TOLERANCE" default:"5m"`
	SweepInterval   time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL" default:"10m"`
	StaleProcessing time.Duration `yaml:"stale_processing" envconfig:"STALE_PROCESSING" default:"15m"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS" default:"50"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST" default:"100"`
}

// StorageConfig contains server-side database settings.
type StorageConfig struct {
	Path string `yaml:"path" envconfig:"PATH" default:"data/subscriptions.db"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/app.log"`
}

// SecurityConfig contains security-related configuration.
type SecurityConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
}

// Load loads configuration from environment variables with an optional YAML
// file underneath. Environment variables take precedence.
func Load() (*Config, error) {
	var cfg Config

	configFile := getConfigFilePath()
	if _, err := os.Stat(configFile); err == nil {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process("POSPAL", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.License.GraceWindowDays < 0 {
		return fmt.Errorf("grace window days must not be negative: %d", c.License.GraceWindowDays)
	}
	if c.License.GraceWarningDays > c.License.GraceWindowDays {
		return fmt.Errorf("grace warning days (%d) exceeds grace window (%d)",
			c.License.GraceWarningDays, c.License.GraceWindowDays)
	}
	if c.License.BreakerThreshold < 1 {
		return fmt.Errorf("breaker threshold must be at least 1: %d", c.License.BreakerThreshold)
	}
	if c.License.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive: %s", c.License.CacheTTL)
	}
	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		return fmt.Errorf("invalid logging output: %s", c.Logging.Output)
	}
	return nil
}

// getConfigFilePath returns the config file path, overridable for deployments
// that keep the config next to the executable.
func getConfigFilePath() string {
	if path := os.Getenv("POSPAL_CONFIG_FILE"); path != "" {
		return path
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "pospal.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return "pospal.yaml"
}

// DataDir returns the directory holding the client's license cache files.
func (c *Config) DataDir() string {
	return filepath.Dir(c.License.CacheFile)
}
