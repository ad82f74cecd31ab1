// Package db opens the SQL store shared by the session backend and the task
// queue. SQLite is the single-node default; Postgres is used when several
// orchestrator replicas share state.
package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/casefill/orchestrator/internal/circuitbreaker"
)

// Config holds database configuration
type Config struct {
	Driver          string // sqlite3 | postgres
	Path            string // sqlite file
	DSN             string // postgres connection string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	// ConnectTimeout bounds the startup connection attempts
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.IdleConnections <= 0 {
		c.IdleConnections = 5
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 5 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.Driver == "sqlite3" {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY churn.
		c.MaxConnections, c.IdleConnections = 1, 1
	}
	return c
}

func (c Config) dataSource() (string, error) {
	switch c.Driver {
	case "sqlite3":
		if c.Path == "" {
			return "", errors.New("sqlite3 requires a database path")
		}
		if dir := filepath.Dir(c.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("create database directory: %w", err)
			}
		}
		return "file:" + c.Path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", nil
	case "postgres":
		if c.DSN == "" {
			return "", errors.New("postgres requires a DSN")
		}
		return c.DSN, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", c.Driver)
	}
}

// Client owns the connection pool
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	stats  prometheus.Collector // nil when another pool already exports under this driver
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewClient opens the database, waits for it to accept connections and
// applies the schema.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	dsn, err := cfg.dataSource()
	if err != nil {
		return nil, err
	}
	raw, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	raw.SetMaxOpenConns(cfg.MaxConnections)
	raw.SetMaxIdleConns(cfg.IdleConnections)
	raw.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	if err := waitForDatabase(ctx, raw, logger); err != nil {
		raw.Close()
		return nil, err
	}

	wrapper := circuitbreaker.NewDatabaseWrapper(raw, logger)
	if err := Migrate(ctx, wrapper); err != nil {
		raw.Close()
		return nil, err
	}

	c := &Client{db: wrapper, logger: logger}
	stats := collectors.NewDBStatsCollector(raw.DB, cfg.Driver)
	if err := prometheus.Register(stats); err == nil {
		c.stats = stats
	} else if !errors.As(err, new(prometheus.AlreadyRegisteredError)) {
		logger.Warn("Database pool metrics unavailable", zap.Error(err))
	}

	logger.Info("Database ready",
		zap.String("driver", cfg.Driver),
		zap.Int("max_connections", cfg.MaxConnections),
	)
	return c, nil
}

// waitForDatabase pings with exponential backoff until ctx expires. The raw
// handle is used so startup retries never count against the breaker.
func waitForDatabase(ctx context.Context, raw *sqlx.DB, logger *zap.Logger) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		return raw.PingContext(ctx)
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		logger.Warn("Database not reachable yet", zap.Error(err), zap.Duration("retry_in", next))
	})
	if err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Wrapper returns the breaker-protected handle used by stores
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper { return c.db }

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

// Close releases the pool. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.stats != nil {
			prometheus.Unregister(c.stats)
		}
		c.closeErr = c.db.Close()
		c.logger.Info("Database closed")
	})
	return c.closeErr
}
