package models

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// LogLevel is the logging verbosity for the hub process.
type LogLevel string

const (
	LogLevelError LogLevel = "error"
	LogLevelWarn  LogLevel = "warn"
	LogLevelInfo  LogLevel = "info"
	LogLevelDebug LogLevel = "debug"
	LogLevelTrace LogLevel = "trace"
)

// Configuration is the hub's process-wide configuration, loaded from a TOML
// file (or defaulted when absent).
type Configuration struct {
	TimeoutSeconds  uint32   `toml:"timeout_seconds"`
	DefaultChannel  string   `toml:"default_channel"`
	LogLevel        LogLevel `toml:"log_level"`
	ServerHost      string   `toml:"server_host"`
	ServerPort      uint16   `toml:"server_port"`
	MaxConnections  uint32   `toml:"max_connections"`
	MaxMessageSize  uint64   `toml:"max_message_size"`
}

// DefaultConfiguration returns the stock configuration: 5 minute prompt
// timeout, "public" channel, info logging, localhost:8080, 100 connections,
// 10KB messages.
func DefaultConfiguration() Configuration {
	return Configuration{
		TimeoutSeconds: 300,
		DefaultChannel: "public",
		LogLevel:       LogLevelInfo,
		ServerHost:     "127.0.0.1",
		ServerPort:     8080,
		MaxConnections: 100,
		MaxMessageSize: 10240,
	}
}

// LoadConfiguration reads path as TOML, or returns DefaultConfiguration if
// the file does not exist.
func LoadConfiguration(path string) (Configuration, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfiguration(), nil
	}
	var cfg Configuration
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Configuration{}, fmt.Errorf("models: decode configuration %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfiguration writes cfg to path as TOML, creating parent directories
// as needed.
func SaveConfiguration(cfg Configuration, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("models: create config dir %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("models: create configuration %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("models: encode configuration: %w", err)
	}
	return nil
}

// Validate reports every rule violation found in cfg, collecting all
// errors rather than failing fast.
func (cfg Configuration) Validate() []string {
	var errs []string

	if cfg.TimeoutSeconds > 3600 {
		errs = append(errs, "timeout_seconds cannot exceed 3600 (1 hour)")
	}
	if cfg.ServerPort < 1024 {
		errs = append(errs, "server_port must be at least 1024 (privileged ports not allowed)")
	}
	if cfg.MaxConnections > 1000 {
		errs = append(errs, "max_connections cannot exceed 1000")
	}
	if cfg.MaxMessageSize > 102400 {
		errs = append(errs, "max_message_size cannot exceed 102400 bytes (100KB)")
	}
	if !ValidChannelName(cfg.DefaultChannel) {
		errs = append(errs, "default_channel must match channel naming convention")
	}

	return errs
}
