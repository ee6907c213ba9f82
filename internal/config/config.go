package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App           AppConfig           `yaml:"app"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Server        ServerConfig        `yaml:"server"`
	Sync          SyncConfig          `yaml:"sync"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Session       SessionConfig       `yaml:"session"`
	Recurrence    RecurrenceConfig    `yaml:"recurrence"`
	API           APIConfig           `yaml:"api"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	Exports       ExportConfig        `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
	DeviceID    string `yaml:"device_id"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// ServerConfig describes the remote booking API this agent reconciles
// against.
type ServerConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type SyncConfig struct {
	BatchSize         int     `yaml:"batch_size"`
	Concurrency       int     `yaml:"concurrency"`
	MaxAttempts       int     `yaml:"max_attempts"`
	BaseBackoffMillis int     `yaml:"base_backoff_ms"`
	MaxBackoffSeconds int     `yaml:"max_backoff_seconds"`
	BackoffFactor     float64 `yaml:"backoff_factor"`
	RetentionDays     int     `yaml:"retention_days"`
}

type MonitorConfig struct {
	ProbeIntervalSeconds   int     `yaml:"probe_interval_seconds"`
	StabilityWindowSeconds int     `yaml:"stability_window_seconds"`
	StableProbes           int     `yaml:"stable_probes"`
	RetriggerRPS           float64 `yaml:"retrigger_rps"`
}

type SessionConfig struct {
	TTLMinutes int `yaml:"ttl_minutes"`
}

type RecurrenceConfig struct {
	BufferMinutes int `yaml:"buffer_minutes"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type NotificationsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; yaml values may reference its variables.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "slotsync"
	}
	if c.App.Environment == "" {
		c.App.Environment = "development"
	}
	if c.App.DeviceID == "" {
		c.App.DeviceID = "default"
	}
	if c.Server.TimeoutSeconds <= 0 {
		c.Server.TimeoutSeconds = 15
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = 50
	}
	if c.Sync.Concurrency <= 0 {
		c.Sync.Concurrency = 4
	}
	if c.Sync.MaxAttempts <= 0 {
		c.Sync.MaxAttempts = 5
	}
	if c.Sync.BaseBackoffMillis <= 0 {
		c.Sync.BaseBackoffMillis = 2000
	}
	if c.Sync.MaxBackoffSeconds <= 0 {
		c.Sync.MaxBackoffSeconds = 60
	}
	if c.Sync.BackoffFactor <= 0 {
		c.Sync.BackoffFactor = 2
	}
	if c.Sync.RetentionDays <= 0 {
		c.Sync.RetentionDays = 7
	}
	if c.Monitor.ProbeIntervalSeconds <= 0 {
		c.Monitor.ProbeIntervalSeconds = 10
	}
	if c.Monitor.StabilityWindowSeconds <= 0 {
		c.Monitor.StabilityWindowSeconds = 5
	}
	if c.Monitor.StableProbes <= 0 {
		c.Monitor.StableProbes = 2
	}
	if c.Monitor.RetriggerRPS <= 0 {
		c.Monitor.RetriggerRPS = 1.0 / 60
	}
	if c.Session.TTLMinutes <= 0 {
		c.Session.TTLMinutes = 30
	}
	if c.Recurrence.BufferMinutes <= 0 {
		c.Recurrence.BufferMinutes = 15
	}
	if c.API.Port <= 0 {
		c.API.Port = 8090
	}
	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = 10
	}
	if c.Monitoring.PrometheusPort <= 0 {
		c.Monitoring.PrometheusPort = 9091
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Server.BaseURL == "" {
		return errors.New("server base_url is required")
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return errors.New("redis address is required when redis is enabled")
	}
	if c.Notifications.Telegram.Enabled {
		if c.Notifications.Telegram.BotToken == "" || c.Notifications.Telegram.ChatID == 0 {
			return errors.New("telegram notifications require bot_token and chat_id")
		}
	}
	return nil
}

// ServerTimeout is the bounded per-request timeout for remote calls.
func (c *Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// SessionTTL is the inactivity window after which a draft is abandoned.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLMinutes) * time.Minute
}

// ConflictBuffer is the adjacency gap used for soft-conflict screening.
func (c *Config) ConflictBuffer() time.Duration {
	return time.Duration(c.Recurrence.BufferMinutes) * time.Minute
}

// Retention is how long terminal actions remain visible before purge.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Sync.RetentionDays) * 24 * time.Hour
}
