package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "WORKCHAT"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "workchat.db"
	defaultLogLevel      = "info"
	defaultTokenTTL      = 30
	defaultQueueCapacity = 16
	defaultHeartbeatSecs = 15
	defaultMaxMissed     = 3
	defaultOrgCap        = 256
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	AuthSigningKey    string
	TokenTTL          time.Duration
	HubQueueCapacity  int
	HeartbeatInterval time.Duration
	MaxMissedChecks   int
	OrgConnectionCap  int
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
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTL)
	configViper.SetDefault("hub.queue_capacity", defaultQueueCapacity)
	configViper.SetDefault("hub.heartbeat_seconds", defaultHeartbeatSecs)
	configViper.SetDefault("hub.max_missed_checks", defaultMaxMissed)
	configViper.SetDefault("hub.org_connection_cap", defaultOrgCap)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		AuthSigningKey:    configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		HubQueueCapacity:  configViper.GetInt("hub.queue_capacity"),
		HeartbeatInterval: time.Duration(configViper.GetInt("hub.heartbeat_seconds")) * time.Second,
		MaxMissedChecks:   configViper.GetInt("hub.max_missed_checks"),
		OrgConnectionCap:  configViper.GetInt("hub.org_connection_cap"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.HubQueueCapacity <= 0 {
		return fmt.Errorf("hub.queue_capacity must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("hub.heartbeat_seconds must be positive")
	}
	if c.MaxMissedChecks <= 0 {
		return fmt.Errorf("hub.max_missed_checks must be positive")
	}
	if c.OrgConnectionCap <= 0 {
		return fmt.Errorf("hub.org_connection_cap must be positive")
	}
	return nil
}
