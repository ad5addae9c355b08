package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/inspecta/internal/quota"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "INSPECTA"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = DatabaseDriverSQLite
	defaultDatabasePath       = "inspecta.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultCookieName         = "app_session"
	defaultIssuer             = "tauth"
	defaultDraftsBackend      = DraftsBackendMemory
	defaultRedisURL           = "redis://localhost:6379/0"
	defaultQuotaMeta          = 3
	defaultRealtimeBufferSize = 32
	defaultHeartbeatSeconds   = 25
)

// Supported database drivers.
const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// Supported draft store backends.
const (
	DraftsBackendMemory = "memory"
	DraftsBackendRedis  = "redis"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	LogLevel  string
	LogFormat string

	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string

	DraftsBackend       string
	RequireConfirmation bool
	RedisURL            string

	DefaultMeta int
	Timezone    string

	RealtimeBufferSize int
	HeartbeatInterval  time.Duration
	AllowedOrigins     []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("drafts.backend", defaultDraftsBackend)
	configViper.SetDefault("drafts.require_confirmation", false)
	configViper.SetDefault("redis.url", defaultRedisURL)
	configViper.SetDefault("quota.default_meta", defaultQuotaMeta)
	configViper.SetDefault("quota.timezone", quota.DefaultTimezone)
	configViper.SetDefault("realtime.buffer_size", defaultRealtimeBufferSize)
	configViper.SetDefault("realtime.heartbeat_seconds", defaultHeartbeatSeconds)
	configViper.SetDefault("cors.allowed_origins", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabaseDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:        configViper.GetString("database.path"),
		DatabaseDSN:         configViper.GetString("database.dsn"),
		LogLevel:            configViper.GetString("log.level"),
		LogFormat:           strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		TAuthSigningKey:     configViper.GetString("tauth.signing_secret"),
		TAuthCookieName:     configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:         configViper.GetString("tauth.issuer"),
		DraftsBackend:       strings.ToLower(strings.TrimSpace(configViper.GetString("drafts.backend"))),
		RequireConfirmation: configViper.GetBool("drafts.require_confirmation"),
		RedisURL:            configViper.GetString("redis.url"),
		DefaultMeta:         configViper.GetInt("quota.default_meta"),
		Timezone:            configViper.GetString("quota.timezone"),
		RealtimeBufferSize:  configViper.GetInt("realtime.buffer_size"),
		HeartbeatInterval:   time.Duration(configViper.GetInt("realtime.heartbeat_seconds")) * time.Second,
		AllowedOrigins:      splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitOrigins accepts both list values and the comma separated form used in env vars.
func splitOrigins(raw []string) []string {
	var origins []string
	for _, value := range raw {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DatabaseDriverSQLite, DatabaseDriverPostgres, c.DatabaseDriver)
	}
	switch c.DraftsBackend {
	case DraftsBackendMemory:
	case DraftsBackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("redis.url is required for the redis drafts backend")
		}
	default:
		return fmt.Errorf("drafts.backend must be %q or %q, got %q", DraftsBackendMemory, DraftsBackendRedis, c.DraftsBackend)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.DefaultMeta < 0 {
		return fmt.Errorf("quota.default_meta must not be negative")
	}
	if _, err := quota.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("quota.timezone: %w", err)
	}
	if c.RealtimeBufferSize <= 0 {
		return fmt.Errorf("realtime.buffer_size must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_seconds must be positive")
	}
	return nil
}
