package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration. Values resolve in order:
// defaults, then the YAML file, then PADDOCK_* environment variables.
type Config struct {
	DataDir   string                 `yaml:"data_dir"`
	Log       LogConfig              `yaml:"log"`
	Server    ServerConfig           `yaml:"server"`
	Database  DatabaseConfig         `yaml:"database"`
	Redis     RedisConfig            `yaml:"redis"`
	Vault     VaultConfig            `yaml:"vault"`
	Executor  ExecutorConfig         `yaml:"executor"`
	Monitor   MonitorConfig          `yaml:"monitor"`
	Alerting  AlertingConfig         `yaml:"alerting"`
	Notifiers NotifierConfig         `yaml:"notifiers"`
	Plugins   map[string]PluginBlock `yaml:"plugins,omitempty"`
}

// PluginBlock is a raw config section handed to a plugin after validation
type PluginBlock map[string]any

// LogConfig controls output format and level
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// ServerConfig controls the HTTP listener
type ServerConfig struct {
	Listen            string `yaml:"listen" validate:"required,hostname_port"`
	AuthToken         string `yaml:"auth_token" validate:"required,min=16"`
	RateLimit         int    `yaml:"rate_limit" validate:"gte=1"`
	RateWindowSeconds int    `yaml:"rate_window_seconds" validate:"gte=1"`
	ReadTimeoutSecs   int    `yaml:"read_timeout_seconds" validate:"gte=1"`
	WriteTimeoutSecs  int    `yaml:"write_timeout_seconds" validate:"gte=1"`
}

// DatabaseConfig points at the postgres instance holding machines and
// deployments
type DatabaseConfig struct {
	DSN          string `yaml:"dsn" validate:"required"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"gte=1"`
}

// RedisConfig points at the redis instance holding runtime state, series
// buckets, and notification queues
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// VaultConfig supplies the master key for SSH key encryption. Exactly one
// of Passphrase or KeyFile must be set.
type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
	KeyFile    string `yaml:"key_file"`
}

// ExecutorConfig tunes the SSH layer
type ExecutorConfig struct {
	DialTimeoutSeconds    int `yaml:"dial_timeout_seconds" validate:"gte=1"`
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds" validate:"gte=1"`
	MaxSessions           int `yaml:"max_sessions" validate:"gte=1"`
}

// MonitorConfig tunes the fleet probe loop
type MonitorConfig struct {
	IntervalSeconds     int `yaml:"interval_seconds" validate:"gte=5"`
	ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds" validate:"gte=1"`
	Concurrency         int `yaml:"concurrency" validate:"gte=1"`
	StatsIntervalSecs   int `yaml:"stats_interval_seconds" validate:"gte=1"`
}

// AlertingConfig tunes rule evaluation
type AlertingConfig struct {
	EvalIntervalSeconds int `yaml:"eval_interval_seconds" validate:"gte=1"`
}

// NotifierConfig configures delivery channels
type NotifierConfig struct {
	Email   EmailConfig   `yaml:"email"`
	Slack   SlackConfig   `yaml:"slack"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// EmailConfig configures the SMTP sender. To is the default recipient for
// rules that name no email target of their own.
type EmailConfig struct {
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	From     string `yaml:"from" validate:"omitempty,email"`
	To       string `yaml:"to" validate:"omitempty,email"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SlackConfig configures the slack webhook sender
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url" validate:"omitempty,url"`
}

// WebhookConfig configures the generic HTTP sender. URL is the default
// endpoint for rules that name no webhook target of their own.
type WebhookConfig struct {
	URL            string `yaml:"url" validate:"omitempty,url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gte=1"`
}

// Default returns the baseline configuration
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/paddock",
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
		Server: ServerConfig{
			Listen:            "0.0.0.0:8420",
			RateLimit:         100,
			RateWindowSeconds: 60,
			ReadTimeoutSecs:   30,
			WriteTimeoutSecs:  60,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 10,
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Executor: ExecutorConfig{
			DialTimeoutSeconds:    10,
			CommandTimeoutSeconds: 60,
			MaxSessions:           8,
		},
		Monitor: MonitorConfig{
			IntervalSeconds:     30,
			ProbeTimeoutSeconds: 20,
			Concurrency:         16,
			StatsIntervalSecs:   10,
		},
		Alerting: AlertingConfig{
			EvalIntervalSeconds: 60,
		},
		Notifiers: NotifierConfig{
			Webhook: WebhookConfig{
				TimeoutSeconds: 10,
			},
		},
	}
}

// Load reads the config file (when path is non-empty), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays PADDOCK_* environment variables
func (c *Config) applyEnv() {
	if v := os.Getenv("PADDOCK_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("PADDOCK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("PADDOCK_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("PADDOCK_AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("PADDOCK_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("PADDOCK_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("PADDOCK_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("PADDOCK_VAULT_PASSPHRASE"); v != "" {
		c.Vault.Passphrase = v
	}
	if v := os.Getenv("PADDOCK_MONITOR_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Monitor.IntervalSeconds = n
		}
	}
	if v := os.Getenv("PADDOCK_SLACK_WEBHOOK_URL"); v != "" {
		c.Notifiers.Slack.WebhookURL = v
	}
}

// Validate checks structural constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Vault.Passphrase == "" && c.Vault.KeyFile == "" {
		return fmt.Errorf("invalid configuration: one of vault.passphrase or vault.key_file is required")
	}
	if c.Vault.Passphrase != "" && c.Vault.KeyFile != "" {
		return fmt.Errorf("invalid configuration: vault.passphrase and vault.key_file are mutually exclusive")
	}
	return nil
}

// MasterKey resolves the vault master key from the configured source
func (c *Config) MasterKey() ([]byte, error) {
	if c.Vault.KeyFile != "" {
		key, err := os.ReadFile(c.Vault.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read vault key file: %w", err)
		}
		if len(key) < 32 {
			return nil, fmt.Errorf("vault key file must hold at least 32 bytes, got %d", len(key))
		}
		return key[:32], nil
	}
	// Passphrase path derives via SHA-256 in the vault itself
	return nil, nil
}

// Duration helpers keep yaml as plain integers while call sites use
// time.Duration.

func (c *ServerConfig) RateWindow() time.Duration {
	return time.Duration(c.RateWindowSeconds) * time.Second
}

func (c *ExecutorConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

func (c *ExecutorConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

func (c *MonitorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c *MonitorConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

func (c *MonitorConfig) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalSecs) * time.Second
}

func (c *AlertingConfig) EvalInterval() time.Duration {
	return time.Duration(c.EvalIntervalSeconds) * time.Second
}

func (c *WebhookConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
