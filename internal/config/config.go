package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" envconfig:"SERVER"`
	Security   SecurityConfig   `yaml:"security" envconfig:"SECURITY"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
	Database   DatabaseConfig   `yaml:"database" envconfig:"DATABASE"`
	Licensing  LicensingConfig  `yaml:"licensing" envconfig:"LICENSING"`
	Fraud      FraudConfig      `yaml:"fraud" envconfig:"FRAUD"`
	Email      EmailConfig      `yaml:"email" envconfig:"EMAIL"`
	Automation AutomationConfig `yaml:"automation" envconfig:"AUTOMATION"`
	Status     StatusConfig     `yaml:"status" envconfig:"STATUS"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/app.log"`
}

// DatabaseConfig contains the sqlite store configuration
type DatabaseConfig struct {
	Path        string        `yaml:"path" envconfig:"PATH" default:"data/skillpulse.db"`
	BusyTimeout time.Duration `yaml:"busy_timeout" envconfig:"BUSY_TIMEOUT" default:"5s"`
}

// LicensingConfig contains activation token and key settings
type LicensingConfig struct {
	// SigningSecret is the process-wide symmetric secret for activation
	// tokens. Rotating it invalidates every previously issued token.
	SigningSecret string        `yaml:"signing_secret" envconfig:"SIGNING_SECRET"`
	TokenTTL      time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL" default:"720h"`
}

// FraudConfig contains risk scoring thresholds
type FraudConfig struct {
	AlertThreshold   int           `yaml:"alert_threshold" envconfig:"ALERT_THRESHOLD" default:"40"`
	BlockThreshold   int           `yaml:"block_threshold" envconfig:"BLOCK_THRESHOLD" default:"80"`
	VelocityWindow   time.Duration `yaml:"velocity_window" envconfig:"VELOCITY_WINDOW" default:"24h"`
	GeoIPDatabase    string        `yaml:"geoip_database" envconfig:"GEOIP_DATABASE"`
	DispersionWindow time.Duration `yaml:"dispersion_window" envconfig:"DISPERSION_WINDOW" default:"168h"`
}

// EmailConfig contains delivery collaborator configuration
type EmailConfig struct {
	Provider    string `yaml:"provider" envconfig:"PROVIDER" default:"console"`
	SendGridKey string `yaml:"sendgrid_key" envconfig:"SENDGRID_KEY"`
	FromName    string `yaml:"from_name" envconfig:"FROM_NAME" default:"SkillPulse"`
	FromAddress string `yaml:"from_address" envconfig:"FROM_ADDRESS" default:"no-reply@skillpulse.io"`
}

// AutomationConfig contains email automation scheduler settings
type AutomationConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" envconfig:"TICK_INTERVAL" default:"1m"`
	MaxAttempts  int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS" default:"3"`
	BatchSize    int           `yaml:"batch_size" envconfig:"BATCH_SIZE" default:"100"`
}

// StatusConfig contains health probe settings
type StatusConfig struct {
	ProbeTimeout    time.Duration `yaml:"probe_timeout" envconfig:"PROBE_TIMEOUT" default:"10s"`
	DegradedLatency time.Duration `yaml:"degraded_latency" envconfig:"DEGRADED_LATENCY" default:"5s"`
	CheckInterval   time.Duration `yaml:"check_interval" envconfig:"CHECK_INTERVAL" default:"5m"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	// Load from environment variables first
	if err := envconfig.Process("SKILLPULSE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// Load from config file if exists
	configFile := getConfigFilePath()
	if configFile != "" {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config with env config (env takes precedence)
func mergeConfigs(fileConfig, envConfig Config) Config {
	if envConfig.Server.Port == 0 {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if envConfig.Database.Path == "" {
		envConfig.Database.Path = fileConfig.Database.Path
	}
	if envConfig.Licensing.SigningSecret == "" {
		envConfig.Licensing.SigningSecret = fileConfig.Licensing.SigningSecret
	}
	if envConfig.Email.SendGridKey == "" {
		envConfig.Email.SendGridKey = fileConfig.Email.SendGridKey
	}
	if envConfig.Fraud.GeoIPDatabase == "" {
		envConfig.Fraud.GeoIPDatabase = fileConfig.Fraud.GeoIPDatabase
	}
	return envConfig
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Licensing.SigningSecret == "" {
		return fmt.Errorf("licensing signing secret must be set")
	}
	if len(c.Licensing.SigningSecret) < 32 {
		return fmt.Errorf("licensing signing secret must be at least 32 bytes")
	}
	if c.Licensing.TokenTTL <= 0 {
		return fmt.Errorf("token TTL must be positive")
	}
	if c.Fraud.BlockThreshold < c.Fraud.AlertThreshold {
		return fmt.Errorf("fraud block threshold (%d) must be >= alert threshold (%d)",
			c.Fraud.BlockThreshold, c.Fraud.AlertThreshold)
	}
	if c.Automation.MaxAttempts <= 0 {
		return fmt.Errorf("automation max attempts must be positive")
	}
	if c.Status.ProbeTimeout <= 0 {
		return fmt.Errorf("status probe timeout must be positive")
	}
	if c.Email.Provider == "sendgrid" && c.Email.SendGridKey == "" {
		return fmt.Errorf("sendgrid provider selected but no API key configured")
	}

	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/app.log"
	}

	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration with a throwaway signing secret.
// Intended for tests; production deployments must set their own secret.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stdout",
			FilePath: "logs/app.log",
		},
		Database: DatabaseConfig{
			Path:        "data/skillpulse.db",
			BusyTimeout: 5 * time.Second,
		},
		Licensing: LicensingConfig{
			SigningSecret: "test-secret-test-secret-test-secret!",
			TokenTTL:      30 * 24 * time.Hour,
		},
		Fraud: FraudConfig{
			AlertThreshold:   40,
			BlockThreshold:   80,
			VelocityWindow:   24 * time.Hour,
			DispersionWindow: 7 * 24 * time.Hour,
		},
		Email: EmailConfig{
			Provider:    "console",
			FromName:    "SkillPulse",
			FromAddress: "no-reply@skillpulse.io",
		},
		Automation: AutomationConfig{
			TickInterval: time.Minute,
			MaxAttempts:  3,
			BatchSize:    100,
		},
		Status: StatusConfig{
			ProbeTimeout:    10 * time.Second,
			DegradedLatency: 5 * time.Second,
			CheckInterval:   5 * time.Minute,
		},
	}
}
