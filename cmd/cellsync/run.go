package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Veraticus/cellsync/pkg/api"
	"github.com/Veraticus/cellsync/pkg/config"
	"github.com/Veraticus/cellsync/pkg/connection"
	"github.com/Veraticus/cellsync/pkg/model"
	"github.com/Veraticus/cellsync/pkg/remote"
	"github.com/Veraticus/cellsync/pkg/store"
	"github.com/Veraticus/cellsync/pkg/sync"
	"github.com/Veraticus/cellsync/pkg/transport"
)

const (
	// shutdownTimeout bounds the graceful stop of the metrics endpoint.
	shutdownTimeout = 10 * time.Second

	// reachabilityInterval is how often the service host is probed.
	reachabilityInterval = 15 * time.Second
	reachabilityTimeout  = 5 * time.Second
)

var (
	// Run command flags.
	runDefaults config.Config
	configFile  string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the cellsync daemon",
		Long: `Run the cellsync daemon.

This starts a background service that:
- Keeps a live channel open to the modeling service and reconnects with backoff
- Queues local edits while offline and replays them when the channel returns
- Resolves conflicting remote edits last-write-wins
- Caches model values so reads keep working offline
- Provides a local API for the status, fetch, push, sync and links commands

Configuration is read from defaults, then the YAML file given with --config
(or CELLSYNC_CONFIG), then CELLSYNC_* environment variables, then flags.

Examples:
  # Start against a service, token from a file
  cellsync run --server https://models.example.com --token-file ~/.cellsync-token

  # Use a config file and expose Prometheus metrics
  cellsync run --config ~/.config/cellsync/config.yaml --metrics-addr 127.0.0.1:9464`,
		RunE: runDaemon,
		Args: cobra.NoArgs,
	}
)

func init() {
	runDefaults = *config.NewConfig()
	runDefaults.ClientID = ""

	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to a YAML config file")
	bindRunFlags(runCmd.Flags(), &runDefaults)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	log := newLogger(cfg.Verbose)

	log.Info("starting cellsync daemon",
		"version", version,
		"client_id", cfg.ClientID,
		"server", cfg.ServerURL,
		"socket", cfg.SocketPath,
	)

	if cfg.Verbose {
		// Log configuration (without token)
		log.Debug("configuration", "config", cfg.String())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runDaemonWithConfig(ctx, cfg, log)
}

// loadRunConfig layers defaults, the config file, the environment and the
// flags the user set, then resolves the client ID and validates.
func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.NewConfig()
	generatedID := cfg.ClientID
	cfg.ClientID = ""

	path := configFile
	if path == "" {
		path = os.Getenv("CELLSYNC_CONFIG")
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.LoadFromEnv()

	if err := overlayFlags(cmd, cfg); err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("socket"); f != nil && f.Changed {
		cfg.SocketPath = socketPath
	}

	if cfg.ClientID == "" {
		id, err := loadClientID(cfg.DBPath, generatedID)
		if err != nil {
			return nil, err
		}
		cfg.ClientID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MetricsAddr != "" {
		if err := validateAddress(cfg.MetricsAddr); err != nil {
			return nil, fmt.Errorf("invalid metrics address %q: %w", cfg.MetricsAddr, err)
		}
	}
	return cfg, nil
}

// loadClientID returns the client ID stored next to the database, storing
// candidate there on first use. Echo detection relies on the ID surviving
// restarts.
func loadClientID(dbPath, candidate string) (string, error) {
	path := filepath.Join(filepath.Dir(dbPath), "client_id")

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read client ID: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(candidate+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write client ID: %w", err)
	}
	return candidate, nil
}

// runDaemonWithConfig executes the daemon with the given configuration until
// ctx is canceled.
func runDaemonWithConfig(ctx context.Context, cfg *config.Config, log *logger) error {
	log.Info("opening store", "db", cfg.DBPath)
	st, err := createStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Error("failed to close store", "error", closeErr)
		}
	}()

	log.Info("initializing connection", "websocket", cfg.WebSocketURL)
	conn, err := createConnection(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	log.Info("initializing sync engine")
	engine, err := sync.New(&sync.Config{
		Store:        st,
		Remote:       remote.New(cfg.ServerURL, remote.Options{Timeout: cfg.RequestTimeout, RequestsPerSecond: cfg.RequestsPerSecond}),
		Connection:   conn,
		Logger:       log.withPrefix("sync"),
		Registerer:   registry,
		ClientID:     cfg.ClientID,
		SyncInterval: cfg.SyncInterval,
	})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to create sync engine: %w", err)
	}
	if cfg.Token != "" {
		if tokenErr := engine.SetToken(cfg.Token); tokenErr != nil {
			log.Error("failed to set token", "error", tokenErr)
		}
	}

	statusLog := log.withPrefix("status")
	engine.OnConnectionStatusChange(func(online bool) {
		statusLog.Info("connection status changed", "online", online)
	})
	engine.OnRemoteChange(func(op model.PendingOperation) {
		statusLog.Debug("remote change applied", "address", op.Address, "origin", op.OriginID)
	})

	if err := engine.Start(ctx); err != nil {
		engine.Destroy()
		return fmt.Errorf("failed to start sync engine: %w", err)
	}
	defer engine.Destroy()

	prober, err := connection.TCPProber(cfg.WebSocketURL, reachabilityTimeout)
	if err != nil {
		return fmt.Errorf("failed to create reachability probe: %w", err)
	}
	go conn.WatchReachability(ctx, prober, reachabilityInterval)

	log.Info("initializing API server", "socket", cfg.SocketPath)
	apiServer, err := api.NewServer(&api.ServerConfig{
		SocketPath: cfg.SocketPath,
		Engine:     engine,
		Version:    version,
		Logger:     log.slog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	defer func() {
		if stopErr := apiServer.Stop(); stopErr != nil {
			log.Error("failed to stop API server", "error", stopErr)
		}
	}()

	if cfg.MetricsAddr != "" {
		metricsServer, serveErr := startMetricsServer(cfg.MetricsAddr, registry, log)
		if serveErr != nil {
			return serveErr
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
				log.Error("failed to stop metrics server", "error", shutdownErr)
			}
		}()
	}

	log.Info("cellsync daemon is running",
		"client_id", cfg.ClientID,
		"pending_operations", len(engine.GetPendingOperations()),
		"linked_cells", len(engine.GetLinkedCells()),
		"socket", cfg.SocketPath,
	)

	<-ctx.Done()
	log.Info("shutting down")

	stats := engine.Stats()
	log.Info("final statistics",
		"local_changes", stats.LocalChanges,
		"immediate_syncs", stats.ImmediateSyncs,
		"queued_operations", stats.QueuedOperations,
		"drained_success", stats.DrainedSuccess,
		"drained_failed", stats.DrainedFailed,
		"remote_changes", stats.RemoteChanges,
		"conflicts_won", stats.ConflictsWon,
		"conflicts_lost", stats.ConflictsLost,
		"pending_operations", len(engine.GetPendingOperations()),
		"uptime", time.Since(stats.StartTime),
	)

	return nil
}

// createStore opens the SQLite store, creating its directory.
func createStore(cfg *config.Config) (store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// createConnection creates the live channel manager.
func createConnection(cfg *config.Config, log *logger) (*connection.Manager, error) {
	dialer := transport.NewWebSocketDialer(cfg.WebSocketURL, log.withPrefix("transport"))

	return connection.New(connection.Config{
		Dialer:      dialer,
		Logger:      log.withPrefix("connection"),
		BaseDelay:   cfg.ReconnectDelay,
		MaxDelay:    cfg.MaxReconnectDelay,
		MaxAttempts: cfg.MaxReconnectAttempts,
	})
}

// startMetricsServer serves the Prometheus registry on addr.
func startMetricsServer(addr string, registry *prometheus.Registry, log *logger) (*http.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on metrics address %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if serveErr := server.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", serveErr)
		}
	}()

	log.Info("serving metrics", "addr", listener.Addr().String())
	return server, nil
}
