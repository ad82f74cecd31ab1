package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/casefill/orchestrator/internal/apperrors"
	"github.com/casefill/orchestrator/internal/circuitbreaker"
	"github.com/casefill/orchestrator/internal/clients"
	cfg "github.com/casefill/orchestrator/internal/config"
	"github.com/casefill/orchestrator/internal/db"
	"github.com/casefill/orchestrator/internal/health"
	"github.com/casefill/orchestrator/internal/httpapi"
	"github.com/casefill/orchestrator/internal/prompts"
	"github.com/casefill/orchestrator/internal/session"
	"github.com/casefill/orchestrator/internal/tasks"
	"github.com/casefill/orchestrator/internal/tracing"
	"github.com/casefill/orchestrator/internal/workflow"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(appCfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Root context is cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      appCfg.Tracing.Enabled,
		ServiceName:  appCfg.Tracing.ServiceName,
		OTLPEndpoint: appCfg.Tracing.OTLPEndpoint,
		SampleRatio:  appCfg.Tracing.SampleRatio,
		Version:      version,
	}, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	// Start circuit breaker metrics collection
	cbStop := make(chan struct{})
	circuitbreaker.StartMetricsCollection(cbStop)
	defer close(cbStop)

	// ------------------------------------------------------------------
	// Storage: SQL store for tasks (and sessions unless redis is chosen)
	// ------------------------------------------------------------------
	dbClient, err := db.NewClient(db.Config{
		Driver:          appCfg.Database.Driver,
		Path:            appCfg.Database.Path,
		DSN:             appCfg.Database.DSN,
		MaxConnections:  appCfg.Database.MaxOpenConns,
		IdleConnections: appCfg.Database.MaxIdleConns,
		MaxLifetime:     appCfg.Database.ConnMaxLifetime,
		ConnectTimeout:  appCfg.Database.ConnectTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbClient.Close()

	backend, closeBackend, err := newSessionBackend(ctx, appCfg.Session, dbClient, logger)
	if err != nil {
		logger.Fatal("Failed to initialize session store", zap.Error(err))
	}
	defer closeBackend()

	sessions := session.NewManager(backend, appCfg.Session.TTL, logger)
	sessions.StartSweeper(ctx, appCfg.Session.SweepInterval)

	// ------------------------------------------------------------------
	// Collaborators
	// ------------------------------------------------------------------
	crm := clients.NewCRMClient(newCaller(clients.ServiceCRM, appCfg.CRM, logger), appCfg.CRM.Timeout)
	agent := clients.NewAgentClient(newCaller(clients.ServiceAgent, appCfg.Agent, logger), appCfg.Agent.Timeout)

	// ------------------------------------------------------------------
	// Prompt templates, hot-reloaded from the override directory
	// ------------------------------------------------------------------
	registry, err := prompts.NewRegistry(appCfg.Prompts.Dir, logger)
	if err != nil {
		logger.Fatal("Failed to load prompt templates", zap.Error(err))
	}
	if appCfg.Prompts.Dir != "" {
		var opts []cfg.WatcherOption
		if appCfg.Prompts.PollInterval > 0 {
			opts = append(opts, cfg.WithPolling(appCfg.Prompts.PollInterval))
		}
		watcher, err := cfg.NewWatcher(appCfg.Prompts.Dir, logger, opts...)
		if err != nil {
			logger.Fatal("Failed to create prompt watcher", zap.Error(err))
		}
		if err := registry.Watch(watcher); err != nil {
			logger.Fatal("Failed to register prompt watcher", zap.Error(err))
		}
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("Prompt hot-reload unavailable", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	// ------------------------------------------------------------------
	// Task queue and orchestrator
	// ------------------------------------------------------------------
	queue := tasks.NewQueue(tasks.NewStore(dbClient.Wrapper()), agent, tasks.Config{
		Workers:       appCfg.Tasks.Workers,
		Buffer:        appCfg.Tasks.Buffer,
		TTL:           appCfg.Tasks.TTL,
		SweepInterval: appCfg.Tasks.SweepInterval,
	}, logger, tasks.WithErrorClassifier(apperrors.Classify))

	orch := workflow.New(sessions, crm, prompts.NewBuilder(registry), queue, workflow.Config{
		PromptBudget: appCfg.Prompts.MaxChars,
	}, logger)
	queue.OnComplete(orch.HandleCompletion)

	if err := queue.Start(ctx); err != nil {
		logger.Fatal("Failed to start task queue", zap.Error(err))
	}

	// ------------------------------------------------------------------
	// Health
	// ------------------------------------------------------------------
	hm := health.NewManager(appCfg.Health.CheckInterval, appCfg.Health.Timeout, logger)
	mustRegister(hm, health.NewDatabaseHealthChecker(dbClient.Wrapper()), logger)
	mustRegister(hm, health.NewSessionStoreHealthChecker(sessions), logger)
	mustRegister(hm, health.NewDependencyHealthChecker(clients.ServiceCRM, crm, probeURL(appCfg.CRM), false), logger)
	mustRegister(hm, health.NewDependencyHealthChecker(clients.ServiceAgent, agent, probeURL(appCfg.Agent), false), logger)
	mustRegister(hm, health.NewBreakerHealthChecker(), logger)

	// ------------------------------------------------------------------
	// HTTP API
	// ------------------------------------------------------------------
	idempotency := httpapi.NewIdempotencyMiddleware(nil, appCfg.Idempotency.TTL, logger)
	if appCfg.Idempotency.RedisURL != "" {
		idemClient, err := httpapi.NewRedisClient(ctx, appCfg.Idempotency.RedisURL)
		if err != nil {
			logger.Warn("Idempotency cache unavailable, replays disabled", zap.Error(err))
		} else {
			defer idemClient.Close()
			idempotency = httpapi.NewIdempotencyMiddleware(idemClient, appCfg.Idempotency.TTL, logger)
			mustRegister(hm, health.PingChecker("idempotency_cache", false, func(ctx context.Context) error {
				return idemClient.Ping(ctx).Err()
			}), logger)
		}
	}

	hm.Start(ctx)
	defer hm.Stop()

	apiMux := http.NewServeMux()
	httpapi.NewHandler(orch, queue, sessions, logger).RegisterRoutes(apiMux)

	auth := httpapi.NewAuthMiddleware(appCfg.Auth.JWTSecret, appCfg.Auth.Issuer, logger)
	if !auth.Enabled() {
		logger.Warn("API authentication disabled; set auth.jwt_secret to enable")
	}
	api := httpapi.Chain(apiMux,
		httpapi.NewTracingMiddleware(logger).Middleware,
		auth.Middleware,
		httpapi.NewRateLimiter(appCfg.RateLimit.RPS, appCfg.RateLimit.Burst, logger).Middleware,
		idempotency.Middleware,
	)

	rootMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(rootMux)
	rootMux.Handle("GET /metrics", promhttp.Handler())
	rootMux.Handle("/api/", api)

	server := &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      rootMux,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErr:
		logger.Error("HTTP server failed", zap.Error(err))
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server", zap.Error(err))
	}
	if err := queue.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to drain task queue", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("Failed to flush traces", zap.Error(err))
	}

	logger.Info("Orchestrator stopped")
}

// newLogger builds a production (json) or development (console) logger at the configured level
func newLogger(lc cfg.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if strings.EqualFold(lc.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func newSessionBackend(ctx context.Context, sc cfg.SessionConfig, dbClient *db.Client, logger *zap.Logger) (session.Backend, func(), error) {
	switch sc.Backend {
	case "", "sql":
		return session.NewSQLBackend(dbClient.Wrapper()), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
		})
		wrapper := circuitbreaker.NewRedisWrapper(client, logger)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := wrapper.Ping(pingCtx); err != nil {
			wrapper.Close()
			return nil, nil, fmt.Errorf("failed to reach session redis at %s: %w", sc.RedisAddr, err)
		}
		logger.Info("Session store using redis", zap.String("addr", sc.RedisAddr), zap.Int("db", sc.RedisDB))
		return session.NewRedisBackend(wrapper), func() { wrapper.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session backend %q", sc.Backend)
	}
}

func newCaller(service string, cc cfg.ClientConfig, logger *zap.Logger) *clients.Caller {
	return clients.NewCaller(clients.CallerConfig{
		Service: service,
		BaseURL: cc.BaseURL,
		Retry: clients.RetryPolicy{
			MaxAttempts:     cc.MaxAttempts,
			InitialInterval: cc.InitialBackoff,
			MaxInterval:     cc.MaxBackoff,
		},
		Headers: map[string]string{"User-Agent": "casefill-orchestrator"},
	}, logger)
}

func probeURL(cc cfg.ClientConfig) string {
	if cc.HealthPath == "" {
		return ""
	}
	return strings.TrimRight(cc.BaseURL, "/") + "/" + strings.TrimLeft(cc.HealthPath, "/")
}

func mustRegister(hm *health.Manager, checker health.Checker, logger *zap.Logger) {
	if err := hm.RegisterChecker(checker); err != nil {
		logger.Fatal("Failed to register health checker", zap.String("checker", checker.Name()), zap.Error(err))
	}
}
