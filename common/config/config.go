package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Polling   PollingConfig
	Store     StoreConfig
	Events    EventsConfig
	History   HistoryConfig
	Telemetry TelemetryConfig
	Policy    PolicyConfig
	Locator   LocatorConfig
	Settings  SettingsConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	RateLimit   float64 // requests per second per client, 0 disables
	StartLimit  int     // job starts per minute per client, needs redis; 0 disables
	CORSOrigins []string
}

// PollingConfig controls the per-job status polling loops
type PollingConfig struct {
	DownloadInterval  time.Duration
	TransferInterval  time.Duration
	DownloadCap       time.Duration
	TransferCap       time.Duration
	ViewCap           time.Duration
	NotFoundTolerance int
	HealthTimeout     time.Duration
	RequestTimeout    time.Duration
	GateOnHealth      bool
}

// StoreConfig selects the process-wide key/value backend
type StoreConfig struct {
	Type          string // "memory" or "redis"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// EventsConfig holds broadcast settings
type EventsConfig struct {
	Buffer       int
	RedisChannel string // empty disables the redis mirror
}

// HistoryConfig holds the optional Postgres job history sink
type HistoryConfig struct {
	Enabled     bool
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// PolicyConfig holds the auto-transfer rule
type PolicyConfig struct {
	AutoTransferRule   string
	AutoTransferTarget string
}

// LocatorConfig holds repository URL recognition settings
type LocatorConfig struct {
	Host string
}

// SettingsConfig locates the user-editable server settings file
type SettingsConfig struct {
	Path string
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 7070),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
			RateLimit:   getEnvFloat("RATE_LIMIT_RPS", 20),
			StartLimit:  getEnvInt("START_LIMIT_PER_MINUTE", 30),
			CORSOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Polling: PollingConfig{
			DownloadInterval:  getEnvDuration("POLL_DOWNLOAD_INTERVAL", time.Second),
			TransferInterval:  getEnvDuration("POLL_TRANSFER_INTERVAL", 1500*time.Millisecond),
			DownloadCap:       getEnvDuration("POLL_DOWNLOAD_CAP", time.Hour),
			TransferCap:       getEnvDuration("POLL_TRANSFER_CAP", 2*time.Hour),
			ViewCap:           getEnvDuration("POLL_VIEW_CAP", 5*time.Minute),
			NotFoundTolerance: getEnvInt("POLL_NOT_FOUND_TOLERANCE", 5),
			HealthTimeout:     getEnvDuration("SERVER_HEALTH_TIMEOUT", 5*time.Second),
			RequestTimeout:    getEnvDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			GateOnHealth:      getEnvBool("GATE_ON_HEALTH", true),
		},
		Store: StoreConfig{
			Type:          getEnv("STORE_TYPE", "memory"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			KeyPrefix:     getEnv("STORE_KEY_PREFIX", "modelrelay:"),
		},
		Events: EventsConfig{
			Buffer:       getEnvInt("EVENTS_BUFFER", 64),
			RedisChannel: getEnv("EVENTS_REDIS_CHANNEL", ""),
		},
		History: HistoryConfig{
			Enabled:     getEnvBool("HISTORY_ENABLED", false),
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "modelrelay"),
			User:        getEnv("POSTGRES_USER", "modelrelay"),
			Password:    getEnv("POSTGRES_PASSWORD", "modelrelay"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 5),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 1),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", time.Hour),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", false),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
		Policy: PolicyConfig{
			AutoTransferRule:   getEnv("AUTO_TRANSFER_RULE", ""),
			AutoTransferTarget: getEnv("AUTO_TRANSFER_TARGET", "/opt/models/"),
		},
		Locator: LocatorConfig{
			Host: getEnv("HUB_HOST", "huggingface.co"),
		},
		Settings: SettingsConfig{
			Path: getEnv("SETTINGS_PATH", defaultSettingsPath()),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Polling.DownloadInterval <= 0 || c.Polling.TransferInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}

	if c.Polling.DownloadCap < c.Polling.DownloadInterval || c.Polling.TransferCap < c.Polling.TransferInterval {
		return fmt.Errorf("poll caps must be at least one interval")
	}

	if c.Polling.NotFoundTolerance < 0 {
		return fmt.Errorf("not-found tolerance must be >= 0, got %d", c.Polling.NotFoundTolerance)
	}

	switch c.Store.Type {
	case "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("redis store requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown store type: %s", c.Store.Type)
	}

	if c.History.Enabled {
		if c.History.Host == "" {
			return fmt.Errorf("history database host is required")
		}
		if c.History.MaxConns < c.History.MinConns {
			return fmt.Errorf("max_conns must be >= min_conns")
		}
	}

	if c.Policy.AutoTransferRule != "" && c.Policy.AutoTransferTarget == "" {
		return fmt.Errorf("auto-transfer rule requires AUTO_TRANSFER_TARGET")
	}

	if c.Settings.Path == "" {
		return fmt.Errorf("settings path is required")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string for the history sink
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.History.User,
		c.History.Password,
		c.History.Host,
		c.History.Port,
		c.History.Database,
	)
}

func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "modelrelay", "settings.json")
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
