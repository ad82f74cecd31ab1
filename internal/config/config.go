package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the orchestrator service configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Session     SessionConfig     `mapstructure:"session"`
	Tasks       TasksConfig       `mapstructure:"tasks"`
	CRM         ClientConfig      `mapstructure:"crm"`
	Agent       ClientConfig      `mapstructure:"agent"`
	Prompts     PromptsConfig     `mapstructure:"prompts"`
	Auth        AuthConfig        `mapstructure:"auth"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Health      HealthConfig      `mapstructure:"health"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig selects the SQL store shared by sessions and tasks.
// Driver is "sqlite3" (Path is the file) or "postgres" (DSN).
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

type SessionConfig struct {
	Backend       string        `mapstructure:"backend"` // sql | redis
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
}

type TasksConfig struct {
	Workers       int           `mapstructure:"workers"`
	Buffer        int           `mapstructure:"buffer"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ClientConfig describes one outbound HTTP collaborator
type ClientConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	// HealthPath, when set, is probed with GET by the health checks
	HealthPath string `mapstructure:"health_path"`
}

type PromptsConfig struct {
	Dir      string `mapstructure:"dir"`
	MaxChars int    `mapstructure:"max_chars"`
	// PollInterval enables a modification-time scan next to inotify; 0 disables
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type IdempotencyConfig struct {
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

const envPrefix = "CASEFILL"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "data/orchestrator.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.connect_timeout", 15*time.Second)

	v.SetDefault("session.backend", "sql")
	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.sweep_interval", 10*time.Minute)
	v.SetDefault("session.redis_addr", "localhost:6379")
	v.SetDefault("session.redis_password", "")
	v.SetDefault("session.redis_db", 0)

	v.SetDefault("tasks.workers", 4)
	v.SetDefault("tasks.buffer", 256)
	v.SetDefault("tasks.ttl", 24*time.Hour)
	v.SetDefault("tasks.sweep_interval", 10*time.Minute)

	v.SetDefault("crm.base_url", "http://localhost:8001")
	v.SetDefault("crm.timeout", 30*time.Second)
	v.SetDefault("crm.max_attempts", 3)
	v.SetDefault("crm.initial_backoff", 2*time.Second)
	v.SetDefault("crm.max_backoff", 8*time.Second)
	v.SetDefault("crm.health_path", "")

	v.SetDefault("agent.base_url", "http://localhost:8002")
	v.SetDefault("agent.timeout", 10*time.Minute)
	v.SetDefault("agent.max_attempts", 3)
	v.SetDefault("agent.initial_backoff", 2*time.Second)
	v.SetDefault("agent.max_backoff", 8*time.Second)
	v.SetDefault("agent.health_path", "")

	v.SetDefault("prompts.dir", "")
	v.SetDefault("prompts.max_chars", 24000)
	v.SetDefault("prompts.poll_interval", time.Duration(0))

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("ratelimit.rps", 20.0)
	v.SetDefault("ratelimit.burst", 40)

	v.SetDefault("idempotency.redis_url", "")
	v.SetDefault("idempotency.ttl", 24*time.Hour)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "casefill-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("health.check_interval", 30*time.Second)
	v.SetDefault("health.timeout", 5*time.Second)
}

// Load reads CONFIG_PATH (default config/orchestrator.yaml) and applies
// CASEFILL_* environment overrides. A missing file yields the defaults.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/orchestrator.yaml"
	}
	return LoadFile(cfgPath)
}

// LoadFile loads configuration from an explicit path
func LoadFile(cfgPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgPath != "" {
		if _, err := os.Stat(cfgPath); err == nil {
			v.SetConfigFile(cfgPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects configurations the service cannot start with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite3")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}

	switch c.Session.Backend {
	case "sql", "redis":
	default:
		return fmt.Errorf("unsupported session.backend %q", c.Session.Backend)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Tasks.Workers <= 0 {
		return fmt.Errorf("tasks.workers must be positive")
	}
	if c.CRM.BaseURL == "" || c.Agent.BaseURL == "" {
		return fmt.Errorf("crm.base_url and agent.base_url are required")
	}
	if c.CRM.MaxAttempts <= 0 || c.Agent.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if c.Prompts.MaxChars <= 0 {
		return fmt.Errorf("prompts.max_chars must be positive")
	}
	return nil
}
