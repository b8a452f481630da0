// Package config provides environment-aware configuration for the control
// plane: a struct of defaults, overridden by a YAML file and then by
// environment variables (in that order).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment names the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// ServerConfig controls the HTTP/JSON surface (§6).
type ServerConfig struct {
	Host string `yaml:"host" env:"SERVER_HOST"`
	Port int    `yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls the Postgres-backed persistence layer.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifeSecs int    `yaml:"conn_max_lifetime_seconds" env:"DATABASE_CONN_MAX_LIFETIME_SECONDS"`
	MigrateOnStart  bool   `yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// ConnMaxLifetime returns ConnMaxLifeSecs as a duration.
func (d DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(d.ConnMaxLifeSecs) * time.Second
}

// LoggingConfig controls process logging.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// AuthConfig controls the bearer tokens the HTTP surface accepts.
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	TokenTTL    time.Duration `yaml:"-" env:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" env:"AUTH_TOKEN_TTL"`
}

// RedisConfig controls the go-redis-backed memory fusion backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// PortManagerConfig controls the managed port range and watchdog cadence.
type PortManagerConfig struct {
	RangeStart    int    `yaml:"range_start" env:"PORTS_RANGE_START"`
	RangeEnd      int    `yaml:"range_end" env:"PORTS_RANGE_END"`
	SweepCron     string `yaml:"sweep_cron" env:"PORTS_SWEEP_CRON"`
	HealthPingURL string `yaml:"health_ping_path" env:"PORTS_HEALTH_PING_PATH"`
}

// MissionConfig controls observation loop defaults.
type MissionConfig struct {
	HealthCheckCron string `yaml:"health_check_cron" env:"MISSION_HEALTH_CHECK_CRON"`
	WindowLowSecs   int    `yaml:"window_low_seconds" env:"MISSION_WINDOW_LOW_SECONDS"`
	WindowMedSecs   int    `yaml:"window_medium_seconds" env:"MISSION_WINDOW_MEDIUM_SECONDS"`
	WindowHighSecs  int    `yaml:"window_high_seconds" env:"MISSION_WINDOW_HIGH_SECONDS"`
	WindowCritSecs  int    `yaml:"window_critical_seconds" env:"MISSION_WINDOW_CRITICAL_SECONDS"`
}

// EventMeshConfig controls mesh ring buffer size and route file location.
type EventMeshConfig struct {
	HistorySize  int    `yaml:"history_size" env:"MESH_HISTORY_SIZE"`
	RoutesFile   string `yaml:"routes_file" env:"MESH_ROUTES_FILE"`
	SubscriberQueueSize int `yaml:"subscriber_queue_size" env:"MESH_SUBSCRIBER_QUEUE_SIZE"`
}

// GovernanceConfig controls the policy file location.
type GovernanceConfig struct {
	PoliciesFile string `yaml:"policies_file" env:"GOVERNANCE_POLICIES_FILE"`
}

// ComponentConfig controls the Component Framework's heartbeat watchdog.
type ComponentConfig struct {
	WatchdogCron string `yaml:"watchdog_cron" env:"COMPONENT_WATCHDOG_CRON"`
}

// Config is the top-level configuration for the control plane process.
type Config struct {
	Env        Environment       `yaml:"env" env:"GRACE_ENV"`
	Server     ServerConfig      `yaml:"server"`
	Database   DatabaseConfig    `yaml:"database"`
	Logging    LoggingConfig     `yaml:"logging"`
	Auth       AuthConfig        `yaml:"auth"`
	Redis      RedisConfig       `yaml:"redis"`
	Ports      PortManagerConfig `yaml:"ports"`
	Mission    MissionConfig     `yaml:"mission"`
	Mesh       EventMeshConfig   `yaml:"mesh"`
	Governance GovernanceConfig  `yaml:"governance"`
	Components ComponentConfig   `yaml:"components"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Env: Development,
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifeSecs: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "grace-control-plane",
		},
		Auth: AuthConfig{
			TokenTTLRaw: "1h",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Ports: PortManagerConfig{
			RangeStart:    8000,
			RangeEnd:      8100,
			SweepCron:     "@every 30s",
			HealthPingURL: "/healthz",
		},
		Mission: MissionConfig{
			HealthCheckCron: "@every 2m",
			WindowLowSecs:   int((1 * time.Hour).Seconds()),
			WindowMedSecs:   int((6 * time.Hour).Seconds()),
			WindowHighSecs:  int((24 * time.Hour).Seconds()),
			WindowCritSecs:  int((72 * time.Hour).Seconds()),
		},
		Mesh: EventMeshConfig{
			HistorySize:         1000,
			RoutesFile:          "configs/mesh_routes.yaml",
			SubscriberQueueSize: 256,
		},
		Governance: GovernanceConfig{
			PoliciesFile: "configs/governance_policies.yaml",
		},
		Components: ComponentConfig{
			WatchdogCron: "@every 30s",
		},
	}
}

// Load loads configuration from an optional .env file, an optional YAML file
// named by CONFIG_FILE (or configs/config.yaml), and finally environment
// variables, in increasing priority order.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	if d, err := time.ParseDuration(c.Auth.TokenTTLRaw); err == nil {
		c.Auth.TokenTTL = d
	} else {
		c.Auth.TokenTTL = time.Hour
	}
}
