package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Stream configures the websocket listener.
type Stream struct {
	Enabled          bool   `toml:"enabled"`
	Bind             string `toml:"bind"`
	Path             string `toml:"path"`
	KeepaliveSeconds int    `toml:"keepalive_seconds"`
}

// Datagram configures the UDP listener.
type Datagram struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
}

// Config is the daemon configuration.
type Config struct {
	InstanceID string   `toml:"instance_id"`
	LogLevel   string   `toml:"log_level"`
	Stream     Stream   `toml:"stream"`
	Datagram   Datagram `toml:"datagram"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Stream: Stream{
			Enabled:          true,
			Bind:             ":8080",
			Path:             "/rpc",
			KeepaliveSeconds: 60,
		},
		Datagram: Datagram{
			Enabled: false,
			Bind:    ":8081",
		},
	}
}

// loadConfig reads a TOML config file on top of the defaults. A missing
// file is not an error; the defaults apply.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(contents, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !c.Stream.Enabled && !c.Datagram.Enabled {
		return errors.New("at least one of stream and datagram must be enabled")
	}
	if c.Stream.Enabled && c.Stream.Bind == "" {
		return errors.New("stream.bind must be set")
	}
	if c.Datagram.Enabled && c.Datagram.Bind == "" {
		return errors.New("datagram.bind must be set")
	}
	if c.Stream.KeepaliveSeconds < 0 {
		return errors.New("stream.keepalive_seconds must not be negative")
	}
	return nil
}

func (c *Config) keepalive() time.Duration {
	return time.Duration(c.Stream.KeepaliveSeconds) * time.Second
}
