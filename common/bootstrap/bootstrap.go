package bootstrap

import (
	"context"
	"fmt"

	"github.com/lyzr/modelrelay/common/config"
	"github.com/lyzr/modelrelay/common/db"
	"github.com/lyzr/modelrelay/common/kv"
	"github.com/lyzr/modelrelay/common/logger"
	rediscommon "github.com/lyzr/modelrelay/common/redis"
	"github.com/lyzr/modelrelay/common/telemetry"
)

// Setup initializes all service components
// This is the main entry point for all services
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := components.Config

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", cfg.Service.Environment,
	)

	// 3. Connect redis when the store or the event mirror needs it
	needRedis := cfg.Store.Type == "redis" || cfg.Events.RedisChannel != ""
	if needRedis && !options.skipRedis {
		components.Logger.Info("connecting to redis", "addr", cfg.Store.RedisAddr)
		components.Redis, err = rediscommon.Connect(ctx, rediscommon.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		}, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return components.Redis.Close()
		})
	}

	// 4. Initialize key/value store
	switch {
	case cfg.Store.Type == "redis" && components.Redis != nil:
		components.KV = kv.NewRedisStore(components.Redis, cfg.Store.KeyPrefix, components.Logger)
	case cfg.Store.Type == "redis":
		return nil, fmt.Errorf("redis store selected but redis is disabled")
	default:
		components.KV = kv.NewMemoryStore(components.Logger)
		components.addCleanup(components.KV.Close)
	}

	// 5. Initialize history database (if enabled and not skipped)
	if cfg.History.Enabled && !options.skipDB {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, cfg, components.Logger)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing database connection")
			components.DB.Close()
			return nil
		})

		// Run DB init hook if provided
		if options.dbInitHook != nil {
			components.Logger.Info("running database init hook")
			if err := options.dbInitHook(components.DB); err != nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("database init hook failed: %w", err)
			}
		}
	}

	// 6. Telemetry endpoints; the caller runs Telemetry.Start
	if !options.skipTelemetry && (cfg.Telemetry.EnablePprof || cfg.Telemetry.EnableMetrics) {
		components.Telemetry = telemetry.New(
			cfg.Telemetry.EnablePprof,
			cfg.Telemetry.PprofPort,
			cfg.Telemetry.EnableMetrics,
			cfg.Telemetry.MetricsPort,
			components.Logger,
		)
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"store", cfg.Store.Type,
		"redis", components.Redis != nil,
		"db", components.DB != nil,
		"telemetry", components.Telemetry != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error
// Useful for services that can't recover from initialization failure
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
