package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "TESSERA"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "tessera.db"
	defaultLogLevel     = "info"

	defaultTokenTTLMinutes      = 30
	defaultSnapshotFlushUpdates = 64
	defaultSnapshotDebounceMs   = 2000
	defaultSnapshotMaxDelayMs   = 30000
	defaultCacheTTLSeconds      = 30
	defaultCacheSize            = 1024
	defaultSessionWriteTimeout  = 5000
	defaultSessionSendBuffer    = 32
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	AuthSigningSecret string
	TokenTTL          time.Duration

	RelaySharedSecret string

	SnapshotFlushUpdates     int
	SnapshotDebounceInterval time.Duration
	SnapshotMaxFlushDelay    time.Duration

	CacheTTL  time.Duration
	CacheSize int

	SessionWriteTimeout time.Duration
	SessionSendBuffer   int
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("snapshot.flush_updates", defaultSnapshotFlushUpdates)
	configViper.SetDefault("snapshot.debounce_ms", defaultSnapshotDebounceMs)
	configViper.SetDefault("snapshot.max_delay_ms", defaultSnapshotMaxDelayMs)
	configViper.SetDefault("cache.ttl_seconds", defaultCacheTTLSeconds)
	configViper.SetDefault("cache.size", defaultCacheSize)
	configViper.SetDefault("session.write_timeout_ms", defaultSessionWriteTimeout)
	configViper.SetDefault("session.send_buffer", defaultSessionSendBuffer)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),

		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,

		RelaySharedSecret: configViper.GetString("relay.shared_secret"),

		SnapshotFlushUpdates:     configViper.GetInt("snapshot.flush_updates"),
		SnapshotDebounceInterval: time.Duration(configViper.GetInt("snapshot.debounce_ms")) * time.Millisecond,
		SnapshotMaxFlushDelay:    time.Duration(configViper.GetInt("snapshot.max_delay_ms")) * time.Millisecond,

		CacheTTL:  time.Duration(configViper.GetInt("cache.ttl_seconds")) * time.Second,
		CacheSize: configViper.GetInt("cache.size"),

		SessionWriteTimeout: time.Duration(configViper.GetInt("session.write_timeout_ms")) * time.Millisecond,
		SessionSendBuffer:   configViper.GetInt("session.send_buffer"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.SnapshotFlushUpdates <= 0 {
		return fmt.Errorf("snapshot.flush_updates must be positive")
	}
	if c.SnapshotDebounceInterval <= 0 || c.SnapshotMaxFlushDelay < c.SnapshotDebounceInterval {
		return fmt.Errorf("snapshot debounce/max delay settings are inconsistent")
	}
	return nil
}
