package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Bind address shared by the reliable (TCP) and datagram (UDP) listeners.
	Host string `env:"RELAY_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"RELAY_PORT" envDefault:"30814"`

	// Game parameters
	MaxPlayers int    `env:"RELAY_MAX_PLAYERS" envDefault:"8"`
	MaxCars    int    `env:"RELAY_MAX_CARS" envDefault:"1"`
	Map        string `env:"RELAY_MAP" envDefault:"gridmap_v2"`
	Encoding   string `env:"RELAY_ENCODING" envDefault:"utf-8"`

	// Mod transfer
	ModsDir    string  `env:"RELAY_MODS_DIR" envDefault:"./mods"`
	SpeedLimit float64 `env:"RELAY_SPEED_LIMIT" envDefault:"0"` // MiB/s per upload, 0 disables
	UseQueue   bool    `env:"RELAY_USE_QUEUE" envDefault:"false"`

	// Directory listing
	Private     bool   `env:"RELAY_PRIVATE" envDefault:"true"`
	AuthKey     string `env:"RELAY_AUTH_KEY"`
	Name        string `env:"RELAY_NAME" envDefault:"Relay Server"`
	Description string `env:"RELAY_DESCRIPTION" envDefault:"Powered by relayd"`
	Tags        string `env:"RELAY_TAGS" envDefault:"freeroam"`

	// Gameplay toggles
	AllowUnicycle bool `env:"RELAY_ALLOW_UNICYCLE" envDefault:"true"`
	LogChat       bool `env:"RELAY_LOG_CHAT" envDefault:"true"`

	// Rate limiter (accept gating)
	RateMaxCalls int `env:"RELAY_RATE_MAX_CALLS" envDefault:"50"`
	RatePeriod   int `env:"RELAY_RATE_PERIOD_SEC" envDefault:"10"`
	RateBanTime  int `env:"RELAY_RATE_BAN_SEC" envDefault:"300"`

	// Ops surface
	OpsAddr string `env:"RELAY_OPS_ADDR" envDefault:":3082"`
	NATSURL string `env:"RELAY_NATS_URL"` // empty disables the event bridge

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Versions advertised during the handshake and to the directory.
const (
	ClientMajorVersion = "2.0"
	ServerVersion      = "3.4.1"
)

// Load reads configuration from an optional .env file and the environment.
// Priority: environment > .env > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("RELAY_PORT must be 1-65535, got %d", c.Port)
	}
	if c.MaxPlayers < 1 {
		return fmt.Errorf("RELAY_MAX_PLAYERS must be > 0, got %d", c.MaxPlayers)
	}
	if c.MaxCars < 0 {
		return fmt.Errorf("RELAY_MAX_CARS must be >= 0, got %d", c.MaxCars)
	}
	if c.Map == "" {
		return fmt.Errorf("RELAY_MAP is required")
	}
	if c.SpeedLimit < 0 {
		return fmt.Errorf("RELAY_SPEED_LIMIT must be >= 0, got %f", c.SpeedLimit)
	}
	if !c.Private && c.AuthKey == "" {
		return fmt.Errorf("RELAY_AUTH_KEY is required for public servers")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("host", c.Host).
		Int("port", c.Port).
		Int("max_players", c.MaxPlayers).
		Int("max_cars", c.MaxCars).
		Str("map", c.Map).
		Str("mods_dir", c.ModsDir).
		Float64("speed_limit_mib", c.SpeedLimit).
		Bool("use_queue", c.UseQueue).
		Bool("private", c.Private).
		Str("ops_addr", c.OpsAddr).
		Bool("nats_bridge", c.NATSURL != "").
		Str("log_level", c.LogLevel).
		Msg("Server configuration loaded")
}
