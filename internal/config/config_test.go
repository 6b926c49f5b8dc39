package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address: %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "tessera.db" {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("unexpected token ttl: %v", cfg.TokenTTL)
	}
	if cfg.SnapshotFlushUpdates != 64 || cfg.SnapshotDebounceInterval != 2*time.Second || cfg.SnapshotMaxFlushDelay != 30*time.Second {
		t.Fatalf("unexpected snapshot policy: %+v", cfg)
	}
	if cfg.CacheTTL != 30*time.Second || cfg.CacheSize != 1024 {
		t.Fatalf("unexpected cache settings: %+v", cfg)
	}
	if cfg.SessionWriteTimeout != 5*time.Second || cfg.SessionSendBuffer != 32 {
		t.Fatalf("unexpected session settings: %+v", cfg)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error without signing secret")
	}
}

func TestLoadRejectsInconsistentSnapshotPolicy(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("snapshot.debounce_ms", 5000)
	configViper.Set("snapshot.max_delay_ms", 1000)

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for max delay below debounce")
	}
}

func TestLoadHonorsOverrides(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("http.address", "127.0.0.1:9999")
	configViper.Set("relay.shared_secret", "relay-secret")
	configViper.Set("cache.ttl_seconds", 5)

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9999" {
		t.Fatalf("unexpected http address: %q", cfg.HTTPAddress)
	}
	if cfg.RelaySharedSecret != "relay-secret" {
		t.Fatalf("unexpected relay secret: %q", cfg.RelaySharedSecret)
	}
	if cfg.CacheTTL != 5*time.Second {
		t.Fatalf("unexpected cache ttl: %v", cfg.CacheTTL)
	}
}
