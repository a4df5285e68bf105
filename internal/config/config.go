// Package config loads the sync daemon's runtime configuration from
// environment variables, flags and an optional config file via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "PULSEKEEP"

	defaultControlAddress = "127.0.0.1:7600"
	defaultDatabasePath   = "pulsekeep.db"
	defaultLogLevel       = "info"
	defaultBatchSize      = 50
	defaultProbeInterval  = 15 * time.Second
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	RemoteBaseURL   string
	RemoteBatchSize int
	DatabasePath    string
	LogLevel        string
	ControlAddress  string
	AuthTokenURL    string
	AuthRefreshTok  string
	UserID          string
	Tables          []string
	ProbeAddress    string
	ProbeInterval   time.Duration
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

	configViper.SetDefault("remote.batch_size", defaultBatchSize)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("control.address", defaultControlAddress)
	configViper.SetDefault("reachability.probe_interval", defaultProbeInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		RemoteBaseURL:   configViper.GetString("remote.base_url"),
		RemoteBatchSize: configViper.GetInt("remote.batch_size"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		ControlAddress:  configViper.GetString("control.address"),
		AuthTokenURL:    configViper.GetString("auth.token_url"),
		AuthRefreshTok:  configViper.GetString("auth.refresh_token"),
		UserID:          configViper.GetString("sync.user_id"),
		Tables:          configViper.GetStringSlice("sync.tables"),
		ProbeAddress:    configViper.GetString("reachability.probe_address"),
		ProbeInterval:   configViper.GetDuration("reachability.probe_interval"),
	}

	if cfg.ProbeAddress == "" {
		cfg.ProbeAddress = probeAddressFromBaseURL(cfg.RemoteBaseURL)
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthTokenURL) == "" {
		return fmt.Errorf("auth.token_url is required")
	}
	if strings.TrimSpace(c.AuthRefreshTok) == "" {
		return fmt.Errorf("auth.refresh_token is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("sync.user_id is required")
	}
	if c.RemoteBatchSize <= 0 {
		return fmt.Errorf("remote.batch_size must be positive")
	}
	return nil
}

// probeAddressFromBaseURL derives a host:port reachability probe target from
// the remote base URL when none is configured explicitly.
func probeAddressFromBaseURL(baseURL string) string {
	trimmed := strings.TrimSpace(baseURL)
	trimmed = strings.TrimPrefix(trimmed, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")
	if idx := strings.IndexAny(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	if trimmed == "" {
		return ""
	}
	if !strings.Contains(trimmed, ":") {
		trimmed += ":443"
	}
	return trimmed
}
