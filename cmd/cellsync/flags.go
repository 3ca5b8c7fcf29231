// Package main - flags.go binds daemon flags to a config and parses client
// command arguments.
//
// The run command's flags are bound twice: once to a package-level config for
// help output, and once to the config loaded from the file and environment.
// Only flags the user set are replayed onto the second binding.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Veraticus/cellsync/pkg/config"
)

// bindRunFlags registers the daemon flags on fs, storing into cfg.
func bindRunFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Base URL of the modeling service REST API (required)")
	fs.StringVar(&cfg.WebSocketURL, "websocket", cfg.WebSocketURL, "URL of the live channel (default: derived from --server)")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "Bearer token")
	fs.StringVar(&cfg.TokenFile, "token-file", cfg.TokenFile, "Path to file containing the bearer token")
	fs.StringVar(&cfg.ClientID, "client-id", cfg.ClientID, "Origin ID stamped on local edits (persisted next to the database if not set)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path of the SQLite store")
	fs.DurationVar(&cfg.SyncInterval, "sync-interval", cfg.SyncInterval, "Period of the background sync job")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Timeout of one REST call")
	fs.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "Delay before the first redial")
	fs.DurationVar(&cfg.MaxReconnectDelay, "max-reconnect-delay", cfg.MaxReconnectDelay, "Cap on the redial delay (0 = uncapped)")
	fs.IntVar(&cfg.MaxReconnectAttempts, "max-reconnect-attempts", cfg.MaxReconnectAttempts, "Redials before going offline")
	fs.Float64Var(&cfg.RequestsPerSecond, "requests-per-second", cfg.RequestsPerSecond, "REST rate limit (0 = unlimited)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Listen address of the Prometheus /metrics endpoint (empty = disabled)")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Enable verbose logging")
}

// overlayFlags replays every flag the user set on cmd onto cfg.
func overlayFlags(cmd *cobra.Command, cfg *config.Config) error {
	target := pflag.NewFlagSet("overlay", pflag.ContinueOnError)
	bindRunFlags(target, cfg)

	var err error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if err != nil || target.Lookup(f.Name) == nil {
			return
		}
		if setErr := target.Set(f.Name, f.Value.String()); setErr != nil {
			err = fmt.Errorf("invalid --%s: %w", f.Name, setErr)
		}
	})
	return err
}

// clientSocketPath picks the socket a client command dials: the --socket
// flag when set, then CELLSYNC_SOCKET, then the default.
func clientSocketPath(cmd *cobra.Command) string {
	if f := cmd.Flags().Lookup("socket"); f != nil && f.Changed {
		return socketPath
	}
	if env := os.Getenv("CELLSYNC_SOCKET"); env != "" {
		return env
	}
	return socketPath
}

// validateAddress performs basic validation on listen addresses
func validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("empty address")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("address should be in format host:port or :port")
	}
	if strings.ContainsAny(host, " /") {
		return fmt.Errorf("invalid host %q", host)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}

	return nil
}

// parseCellValue turns a command-line argument into a cell value. Arguments
// that parse as JSON keep their JSON type, anything else is a string, so
// "42" is a number and "Q3 plan" is text. Use --string to force text.
func parseCellValue(arg string, forceString bool) any {
	if forceString {
		return arg
	}

	var value any
	if err := json.Unmarshal([]byte(arg), &value); err == nil {
		return value
	}
	return arg
}
