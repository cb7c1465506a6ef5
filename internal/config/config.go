// Package config loads and exposes application configuration (TOML).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath      = "config.toml"
	DefaultHTTPAddr        = ":9201"
	DefaultHookTimeout     = 5 * time.Second
	DefaultSyncTimeoutMs   = 25000
	MaxSyncTimeoutMs       = 60000
	DefaultWorkspaceRoot   = "data/workspaces"
	DefaultSessionIDHeader = "X-Session-ID"
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log     LogConfig     `toml:"log"`
	Server  ServerConfig  `toml:"server"`
	Sandbox SandboxConfig `toml:"sandbox"`
	Sync    SyncConfig    `toml:"sync"`
	Metrics MetricsConfig `toml:"metrics"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the HTTP server listen address and the header
// carrying the transport session id.
type ServerConfig struct {
	Addr            string `toml:"addr"`
	SessionIDHeader string `toml:"session_id_header"`
}

// SandboxConfig holds the per-hook wall-clock timeout and the root
// directory for per-bot workspaces.
type SandboxConfig struct {
	HookTimeout   string `toml:"hook_timeout"`
	WorkspaceRoot string `toml:"workspace_root"`
}

// SyncConfig holds long-poll timeout bounds in milliseconds.
type SyncConfig struct {
	DefaultTimeoutMs int `toml:"default_timeout_ms"`
	MaxTimeoutMs     int `toml:"max_timeout_ms"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// HookTimeoutDuration parses the configured hook timeout, falling back
// to the default on absence or parse failure.
func (c SandboxConfig) HookTimeoutDuration() time.Duration {
	if c.HookTimeout == "" {
		return DefaultHookTimeout
	}
	d, err := time.ParseDuration(c.HookTimeout)
	if err != nil || d <= 0 {
		return DefaultHookTimeout
	}
	return d
}

// Load reads and parses the TOML config file at path and applies
// default values for missing fields. A missing file yields defaults.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr:            DefaultHTTPAddr,
			SessionIDHeader: DefaultSessionIDHeader,
		},
		Sandbox: SandboxConfig{
			WorkspaceRoot: DefaultWorkspaceRoot,
		},
		Sync: SyncConfig{
			DefaultTimeoutMs: DefaultSyncTimeoutMs,
			MaxTimeoutMs:     MaxSyncTimeoutMs,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultHTTPAddr
	}
	if cfg.Server.SessionIDHeader == "" {
		cfg.Server.SessionIDHeader = DefaultSessionIDHeader
	}
	if cfg.Sandbox.WorkspaceRoot == "" {
		cfg.Sandbox.WorkspaceRoot = DefaultWorkspaceRoot
	}
	if cfg.Sync.DefaultTimeoutMs <= 0 {
		cfg.Sync.DefaultTimeoutMs = DefaultSyncTimeoutMs
	}
	if cfg.Sync.MaxTimeoutMs <= 0 {
		cfg.Sync.MaxTimeoutMs = MaxSyncTimeoutMs
	}
	return cfg, nil
}
