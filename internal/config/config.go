// Package config loads server configuration from environment variables.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Supervisor SupervisorConfig
	Terminal   TerminalConfig
	Logging    LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8321"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`
}

// DatabaseConfig holds the persistence layer configuration.
type DatabaseConfig struct {
	Path string `envconfig:"DB_PATH" default:"termtab.db"`
}

// SupervisorConfig selects and tunes the process supervisor.
type SupervisorConfig struct {
	// Backend is "tmux" (detachable, survives restarts) or "local"
	// (direct PTYs, sessions die with the server).
	Backend    string `envconfig:"SUPERVISOR" default:"tmux"`
	TmuxBinary string `envconfig:"TMUX_BINARY" default:"tmux"`
	PipeDir    string `envconfig:"PIPE_DIR" default:""`
}

// TerminalConfig holds per-session defaults.
type TerminalConfig struct {
	// BufferSize bounds the retained output per session, in bytes.
	BufferSize int `envconfig:"BUFFER_SIZE" default:"262144"`

	// Shell runs when a create request names no command. Empty means the
	// user's login shell.
	Shell string `envconfig:"SHELL_CMD" default:""`

	// RecordDir enables asciinema recording of every session when set.
	RecordDir string `envconfig:"RECORD_DIR" default:""`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("TERMTAB", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}
