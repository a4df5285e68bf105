package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func newConfiguredViper(t *testing.T, overrides map[string]any) *viper.Viper {
	t.Helper()
	configViper := NewViper()
	for key, value := range overrides {
		configViper.Set(key, value)
	}
	return configViper
}

func validOverrides() map[string]any {
	return map[string]any{
		"remote.base_url":    "https://api.pulsekeep.example.com",
		"auth.token_url":     "https://auth.pulsekeep.example.com/token",
		"auth.refresh_token": "refresh-abc",
		"sync.user_id":       "user-1",
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(newConfiguredViper(t, validOverrides()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.RemoteBatchSize != 50 {
		t.Fatalf("unexpected default batch size %d", cfg.RemoteBatchSize)
	}
	if cfg.DatabasePath != "pulsekeep.db" {
		t.Fatalf("unexpected default database path %q", cfg.DatabasePath)
	}
	if cfg.ControlAddress != "127.0.0.1:7600" {
		t.Fatalf("unexpected default control address %q", cfg.ControlAddress)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected default log level %q", cfg.LogLevel)
	}
	if cfg.ProbeInterval != 15*time.Second {
		t.Fatalf("unexpected default probe interval %s", cfg.ProbeInterval)
	}
}

func TestLoadDerivesProbeAddressFromBaseURL(t *testing.T) {
	tests := []struct {
		name     string
		baseURL  string
		expected string
	}{
		{name: "https-with-path", baseURL: "https://api.pulsekeep.example.com/v1", expected: "api.pulsekeep.example.com:443"},
		{name: "explicit-port", baseURL: "http://localhost:8080", expected: "localhost:8080"},
		{name: "bare-host", baseURL: "https://api.pulsekeep.example.com", expected: "api.pulsekeep.example.com:443"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			overrides := validOverrides()
			overrides["remote.base_url"] = tt.baseURL
			cfg, err := Load(newConfiguredViper(t, overrides))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.ProbeAddress != tt.expected {
				t.Fatalf("want %q got %q", tt.expected, cfg.ProbeAddress)
			}
		})
	}
}

func TestLoadKeepsExplicitProbeAddress(t *testing.T) {
	overrides := validOverrides()
	overrides["reachability.probe_address"] = "probe.internal:9443"
	cfg, err := Load(newConfiguredViper(t, overrides))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ProbeAddress != "probe.internal:9443" {
		t.Fatalf("explicit probe address must win, got %q", cfg.ProbeAddress)
	}
}

func TestLoadValidatesRequiredSettings(t *testing.T) {
	required := []string{"remote.base_url", "auth.token_url", "auth.refresh_token", "sync.user_id"}

	for _, missing := range required {
		t.Run(missing, func(t *testing.T) {
			overrides := validOverrides()
			overrides[missing] = ""
			if _, err := Load(newConfiguredViper(t, overrides)); err == nil {
				t.Fatalf("expected error when %s is missing", missing)
			}
		})
	}
}

func TestLoadRejectsNonPositiveBatchSize(t *testing.T) {
	overrides := validOverrides()
	overrides["remote.batch_size"] = 0
	if _, err := Load(newConfiguredViper(t, overrides)); err == nil {
		t.Fatalf("expected error for zero batch size")
	}
}
