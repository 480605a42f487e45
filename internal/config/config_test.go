package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Host:       "0.0.0.0",
		Port:       30814,
		MaxPlayers: 8,
		MaxCars:    1,
		Map:        "gridmap_v2",
		Private:    true,
		LogLevel:   "info",
		LogFormat:  "json",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Port = 0 }, "RELAY_PORT"},
		{"no players", func(c *Config) { c.MaxPlayers = 0 }, "RELAY_MAX_PLAYERS"},
		{"negative cars", func(c *Config) { c.MaxCars = -1 }, "RELAY_MAX_CARS"},
		{"no map", func(c *Config) { c.Map = "" }, "RELAY_MAP"},
		{"negative speed", func(c *Config) { c.SpeedLimit = -1 }, "RELAY_SPEED_LIMIT"},
		{"public without key", func(c *Config) { c.Private = false }, "RELAY_AUTH_KEY"},
		{"public with key", func(c *Config) { c.Private = false; c.AuthKey = "uuid" }, ""},
		{"bad level", func(c *Config) { c.LogLevel = "chatty" }, "LOG_LEVEL"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error mentioning %s", err, tt.wantErr)
			}
		})
	}
}
