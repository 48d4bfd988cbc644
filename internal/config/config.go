// Package config loads the gateway daemon's TOML configuration. The rx22
// core package never touches a config file itself — it only receives
// resolved values through constructor parameters; this package is where
// file I/O and defaulting for the daemon binary happens.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Serial holds the physical connection settings.
type Serial struct {
	Port        string        `toml:"port"`
	Baud        int           `toml:"baud"`
	ReadTimeout time.Duration `toml:"read_timeout"`
}

// Reconnect holds the transport's reconnect backoff settings.
type Reconnect struct {
	InitialDelay time.Duration `toml:"initial_delay"`
	Multiplier   float64       `toml:"multiplier"`
	MaxDelay     time.Duration `toml:"max_delay"`
}

// Commands holds protocol-engine-level defaults.
type Commands struct {
	DefaultTimeout time.Duration `toml:"default_timeout"`
}

// HTTP holds the daemon's control-surface bind address.
type HTTP struct {
	Listen string `toml:"listen"`
}

// Config is the top-level TOML document.
type Config struct {
	Serial    Serial    `toml:"serial"`
	Reconnect Reconnect `toml:"reconnect"`
	Commands  Commands  `toml:"commands"`
	HTTP      HTTP      `toml:"http"`
}

// Default returns the documented defaults for every field, against the
// physical port name the caller intends to open.
func Default(port string) Config {
	return Config{
		Serial: Serial{
			Port:        port,
			Baud:        115200,
			ReadTimeout: 500 * time.Millisecond,
		},
		Reconnect: Reconnect{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
		},
		Commands: Commands{
			DefaultTimeout: 2 * time.Second,
		},
		HTTP: HTTP{
			Listen: ":8080",
		},
	}
}

// Load reads a TOML file at path, applying Default(port) for any field left
// unset in the file, then validates the result.
func Load(path string, port string) (Config, error) {
	cfg := Default(port)
	if path == "" {
		return cfg, nil
	}

	var onDisk Config
	if _, err := toml.DecodeFile(path, &onDisk); err != nil {
		return Config{}, fmt.Errorf("config: failed to load %q: %w", path, err)
	}
	mergeDefaults(&onDisk, cfg)

	if err := Validate(onDisk); err != nil {
		return Config{}, err
	}
	return onDisk, nil
}

func mergeDefaults(cfg *Config, defaults Config) {
	if cfg.Serial.Port == "" {
		cfg.Serial.Port = defaults.Serial.Port
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = defaults.Serial.Baud
	}
	if cfg.Serial.ReadTimeout == 0 {
		cfg.Serial.ReadTimeout = defaults.Serial.ReadTimeout
	}
	if cfg.Reconnect.InitialDelay == 0 {
		cfg.Reconnect.InitialDelay = defaults.Reconnect.InitialDelay
	}
	if cfg.Reconnect.Multiplier == 0 {
		cfg.Reconnect.Multiplier = defaults.Reconnect.Multiplier
	}
	if cfg.Reconnect.MaxDelay == 0 {
		cfg.Reconnect.MaxDelay = defaults.Reconnect.MaxDelay
	}
	if cfg.Commands.DefaultTimeout == 0 {
		cfg.Commands.DefaultTimeout = defaults.Commands.DefaultTimeout
	}
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = defaults.HTTP.Listen
	}
}

// Validate rejects configurations that can never work against the module.
func Validate(cfg Config) error {
	if cfg.Serial.Port == "" {
		return fmt.Errorf("config: serial.port is required")
	}
	if cfg.Serial.Baud <= 0 {
		return fmt.Errorf("config: serial.baud must be positive, got %d", cfg.Serial.Baud)
	}
	if cfg.Serial.ReadTimeout < 0 {
		return fmt.Errorf("config: serial.read_timeout must not be negative")
	}
	if cfg.Reconnect.Multiplier < 1 {
		return fmt.Errorf("config: reconnect.multiplier must be >= 1, got %v", cfg.Reconnect.Multiplier)
	}
	return nil
}
