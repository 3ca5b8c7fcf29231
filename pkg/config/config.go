// Package config provides configuration management for the cellsync daemon.
// It handles loading, validation, and management of the settings that wire
// the sync engine to the financial-modeling service.
//
// Configuration Sources:
//
// Configuration can be loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables
//  3. YAML configuration file
//  4. Default values (lowest priority)
//
// Environment Variables:
//
//   - CELLSYNC_SERVER_URL: Base URL of the REST API
//   - CELLSYNC_WEBSOCKET_URL: URL of the live channel
//   - CELLSYNC_TOKEN: Bearer token
//   - CELLSYNC_TOKEN_FILE: Path to a file containing the bearer token
//   - CELLSYNC_CLIENT_ID: Origin ID stamped on local operations
//   - CELLSYNC_DB: Path of the SQLite store
//   - CELLSYNC_SYNC_INTERVAL: Period of the background sync job
//   - CELLSYNC_REQUEST_TIMEOUT: Timeout of one REST call
//   - CELLSYNC_RECONNECT_DELAY: Delay before the first redial
//   - CELLSYNC_MAX_RECONNECT_DELAY: Cap on the redial delay (0 = uncapped)
//   - CELLSYNC_MAX_RECONNECT_ATTEMPTS: Redials before going offline
//   - CELLSYNC_REQUESTS_PER_SECOND: REST rate limit (0 = unlimited)
//   - CELLSYNC_METRICS_ADDR: Listen address of the /metrics endpoint
//   - CELLSYNC_SOCKET: Path of the local API socket
//   - CELLSYNC_VERBOSE: Enable verbose logging
//
// Security:
//
// The bearer token is never logged or displayed in configuration output.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the cellsync daemon.
type Config struct {
	// Service endpoints
	ServerURL    string `yaml:"server_url"`
	WebSocketURL string `yaml:"websocket_url"`
	Token        string `yaml:"token"`
	TokenFile    string `yaml:"token_file"`

	// Identity and storage
	ClientID string `yaml:"client_id"`
	DBPath   string `yaml:"db"`

	// Behavior
	SyncInterval         time.Duration `yaml:"sync_interval"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay    time.Duration `yaml:"max_reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	RequestsPerSecond    float64       `yaml:"requests_per_second"`

	// Local surfaces
	MetricsAddr string `yaml:"metrics_addr"`
	SocketPath  string `yaml:"socket"`
	Verbose     bool   `yaml:"verbose"`
}

// NewConfig creates a new config with defaults suitable for a single
// workstation.
//
// Default values:
//   - ClientID: random UUID
//   - DBPath: $XDG_DATA_HOME/cellsync/cellsync.db (or ~/.local/share)
//   - SyncInterval: 30s
//   - RequestTimeout: 30s
//   - ReconnectDelay: 1s, uncapped, 10 attempts
//   - SocketPath: $XDG_RUNTIME_DIR/cellsync/cellsync.sock (or ~/.cellsync)
func NewConfig() *Config {
	return &Config{
		ClientID:             uuid.NewString(),
		DBPath:               DefaultDBPath(),
		SyncInterval:         30 * time.Second,
		RequestTimeout:       30 * time.Second,
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 10,
		SocketPath:           DefaultSocketPath(),
	}
}

// LoadFile merges a YAML configuration file into c. Keys absent from the
// file keep their current values. Durations use Go syntax ("30s", "1m").
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables, overriding
// any existing values.
//
// Invalid values are silently ignored, keeping the existing configuration.
func (c *Config) LoadFromEnv() {
	strs := map[string]*string{
		"CELLSYNC_SERVER_URL":    &c.ServerURL,
		"CELLSYNC_WEBSOCKET_URL": &c.WebSocketURL,
		"CELLSYNC_TOKEN":         &c.Token,
		"CELLSYNC_TOKEN_FILE":    &c.TokenFile,
		"CELLSYNC_CLIENT_ID":     &c.ClientID,
		"CELLSYNC_DB":            &c.DBPath,
		"CELLSYNC_METRICS_ADDR":  &c.MetricsAddr,
		"CELLSYNC_SOCKET":        &c.SocketPath,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"CELLSYNC_SYNC_INTERVAL":       &c.SyncInterval,
		"CELLSYNC_REQUEST_TIMEOUT":     &c.RequestTimeout,
		"CELLSYNC_RECONNECT_DELAY":     &c.ReconnectDelay,
		"CELLSYNC_MAX_RECONNECT_DELAY": &c.MaxReconnectDelay,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	if v := os.Getenv("CELLSYNC_MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxReconnectAttempts = n
		}
	}

	if v := os.Getenv("CELLSYNC_REQUESTS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RequestsPerSecond = f
		}
	}

	if v := os.Getenv("CELLSYNC_VERBOSE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Verbose = b
		}
	}
}

// Validate ensures the configuration is valid and internally consistent.
//
// Validation rules:
//   - ServerURL is required and must be http(s)
//   - WebSocketURL defaults to ServerURL with a ws(s) scheme and a /ws path
//   - Token and TokenFile are mutually exclusive; TokenFile is read here
//   - ClientID and DBPath are required
//   - Durations must be positive, MaxReconnectDelay may be zero
//
// Returns an error describing the first validation failure found.
func (c *Config) Validate() error {
	if c.TokenFile != "" {
		if c.Token != "" {
			return fmt.Errorf("cannot specify both --token and --token-file")
		}

		content, err := os.ReadFile(c.TokenFile)
		if err != nil {
			return fmt.Errorf("failed to read token file: %w", err)
		}

		c.Token = strings.TrimSpace(string(content))
	}

	if c.ServerURL == "" {
		return fmt.Errorf("server URL is required (use --server, CELLSYNC_SERVER_URL, or the config file)")
	}
	server, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if server.Scheme != "http" && server.Scheme != "https" {
		return fmt.Errorf("server URL must be http or https, got %q", server.Scheme)
	}

	if c.WebSocketURL == "" {
		c.WebSocketURL = deriveWebSocketURL(server)
	} else {
		ws, err := url.Parse(c.WebSocketURL)
		if err != nil {
			return fmt.Errorf("invalid websocket URL: %w", err)
		}
		if ws.Scheme != "ws" && ws.Scheme != "wss" {
			return fmt.Errorf("websocket URL must be ws or wss, got %q", ws.Scheme)
		}
	}

	if c.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("database path is required")
	}

	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive")
	}
	if c.MaxReconnectDelay < 0 {
		return fmt.Errorf("max reconnect delay must not be negative")
	}
	if c.MaxReconnectDelay > 0 && c.MaxReconnectDelay < c.ReconnectDelay {
		return fmt.Errorf("max reconnect delay %s is below reconnect delay %s", c.MaxReconnectDelay, c.ReconnectDelay)
	}
	if c.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("max reconnect attempts must be positive")
	}
	if c.RequestsPerSecond < 0 {
		return errors.New("requests per second must not be negative")
	}

	return nil
}

func deriveWebSocketURL(server *url.URL) string {
	ws := *server
	if server.Scheme == "https" {
		ws.Scheme = "wss"
	} else {
		ws.Scheme = "ws"
	}
	ws.Path = strings.TrimSuffix(server.Path, "/") + "/ws"
	return ws.String()
}

// DefaultSocketPath returns the default path of the local API socket.
// It prefers XDG_RUNTIME_DIR and falls back to the home directory.
func DefaultSocketPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "cellsync", "cellsync.sock")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cellsync", "cellsync.sock")
	}
	return filepath.Join(os.TempDir(), "cellsync", "cellsync.sock")
}

// DefaultDBPath returns the default path of the SQLite store.
func DefaultDBPath() string {
	if dataDir := os.Getenv("XDG_DATA_HOME"); dataDir != "" {
		return filepath.Join(dataDir, "cellsync", "cellsync.db")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "cellsync", "cellsync.db")
	}
	return filepath.Join(os.TempDir(), "cellsync", "cellsync.db")
}

// String returns a string representation of the config suitable for logging.
// The token is shown as "[hidden]" when set and "[not set]" otherwise.
func (c *Config) String() string {
	tokenDisplay := "[hidden]"
	if c.Token == "" {
		tokenDisplay = "[not set]"
	}

	return fmt.Sprintf(
		"Config{ServerURL: %s, WebSocketURL: %s, Token: %s, ClientID: %s, DB: %s, SyncInterval: %s, RequestTimeout: %s, Socket: %s, Verbose: %v}",
		c.ServerURL, c.WebSocketURL, tokenDisplay, c.ClientID, c.DBPath, c.SyncInterval, c.RequestTimeout, c.SocketPath, c.Verbose,
	)
}
