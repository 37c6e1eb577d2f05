package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address %s", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "workchat.db" {
		t.Fatalf("unexpected database path %s", cfg.DatabasePath)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.HubQueueCapacity != 16 {
		t.Fatalf("unexpected queue capacity %d", cfg.HubQueueCapacity)
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Fatalf("unexpected heartbeat interval %s", cfg.HeartbeatInterval)
	}
	if cfg.MaxMissedChecks != 3 {
		t.Fatalf("unexpected miss budget %d", cfg.MaxMissedChecks)
	}
	if cfg.OrgConnectionCap != 256 {
		t.Fatalf("unexpected org cap %d", cfg.OrgConnectionCap)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected missing signing secret to fail")
	}
}

func TestLoadRejectsNonPositiveHubSettings(t *testing.T) {
	keys := []string{
		"hub.queue_capacity",
		"hub.heartbeat_seconds",
		"hub.max_missed_checks",
		"hub.org_connection_cap",
	}
	for _, key := range keys {
		configViper := NewViper()
		configViper.Set("auth.signing_secret", "test-secret")
		configViper.Set(key, 0)
		if _, err := Load(configViper); err == nil {
			t.Fatalf("expected zero %s to fail", key)
		}
	}
}

func TestLoadOverrides(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")
	configViper.Set("http.address", "127.0.0.1:9999")
	configViper.Set("hub.heartbeat_seconds", 5)

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9999" {
		t.Fatalf("unexpected http address %s", cfg.HTTPAddress)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("unexpected heartbeat interval %s", cfg.HeartbeatInterval)
	}
}
