package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Endpoints EndpointsConfig `yaml:"endpoints"`
	Transport TransportConfig `yaml:"transport"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
	Betting   BettingConfig   `yaml:"betting"`
	Driver    DriverConfig    `yaml:"driver"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Ops       OpsConfig       `yaml:"ops"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type EndpointsConfig struct {
	Sites               []string      `yaml:"sites"` // mirror host list, first entry is the default host
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
}

type TransportConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	HostCooldown      time.Duration `yaml:"host_cooldown"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	UserAgent         string        `yaml:"user_agent"`
}

type AuthConfig struct {
	LoginAttempts int           `yaml:"login_attempts"` // full login attempts before giving up
	WaitTimeout   time.Duration `yaml:"wait_timeout"`   // per UI wait budget
}

type SessionConfig struct {
	LivenessTTL   time.Duration `yaml:"liveness_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	HeartbeatTTL  time.Duration `yaml:"heartbeat_ttl"`
	BlobTTL       time.Duration `yaml:"blob_ttl"`
}

type BettingConfig struct {
	SyncInterval   time.Duration `yaml:"sync_interval"`   // settlement reconciliation pass
	MaxConcurrency int           `yaml:"max_concurrency"` // parallel account workers per dispatch/sync
}

type DriverConfig struct {
	Headless  bool   `yaml:"headless"`
	UserAgent string `yaml:"user_agent"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type OpsConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	// Allow env overrides to avoid committing secrets into configs.
	if v := os.Getenv("BETAGENT_POSTGRES_DSN"); v != "" {
		config.Postgres.DSN = v
	}
	if v := os.Getenv("BETAGENT_REDIS_PASSWORD"); v != "" {
		config.Redis.Password = v
	}
	if v := os.Getenv("BETAGENT_TELEGRAM_TOKEN"); v != "" {
		config.Telegram.BotToken = v
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Endpoints.HealthCheckInterval <= 0 {
		c.Endpoints.HealthCheckInterval = 5 * time.Minute
	}
	if c.Endpoints.FailureThreshold <= 0 {
		c.Endpoints.FailureThreshold = 3
	}
	if c.Endpoints.ProbeTimeout <= 0 {
		c.Endpoints.ProbeTimeout = 15 * time.Second
	}
	if c.Transport.Timeout <= 0 {
		c.Transport.Timeout = 30 * time.Second
	}
	if c.Transport.HostCooldown <= 0 {
		c.Transport.HostCooldown = 30 * time.Second
	}
	if c.Transport.RequestsPerSecond <= 0 {
		c.Transport.RequestsPerSecond = 4
	}
	if c.Auth.LoginAttempts <= 0 {
		c.Auth.LoginAttempts = 2
	}
	if c.Auth.WaitTimeout <= 0 {
		c.Auth.WaitTimeout = 15 * time.Second
	}
	if c.Session.LivenessTTL <= 0 {
		c.Session.LivenessTTL = 30 * time.Second
	}
	if c.Session.SweepInterval <= 0 {
		c.Session.SweepInterval = 60 * time.Second
	}
	if c.Session.HeartbeatTTL <= 0 {
		c.Session.HeartbeatTTL = 120 * time.Second
	}
	if c.Session.BlobTTL <= 0 {
		c.Session.BlobTTL = 12 * time.Hour
	}
	if c.Betting.SyncInterval <= 0 {
		c.Betting.SyncInterval = 5 * time.Minute
	}
	if c.Betting.MaxConcurrency <= 0 {
		c.Betting.MaxConcurrency = 8
	}
}
