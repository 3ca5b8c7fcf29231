package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Veraticus/cellsync/pkg/model"
	linksync "github.com/Veraticus/cellsync/pkg/sync"
)

// requestTimeout bounds one connection including the engine call it makes.
const requestTimeout = 30 * time.Second

// Engine is the part of the sync engine the API serves. *sync.Engine
// implements it.
type Engine interface {
	ClientID() string
	Status() linksync.SyncStatus
	Stats() *linksync.Stats
	ForceSyncAll(ctx context.Context) (linksync.DrainResult, error)
	FetchValue(ctx context.Context, modelPath, reference, version string) (any, error)
	SyncCellChange(ctx context.Context, change linksync.CellChange) error
	GetLinkedCells() []model.LinkedCell
}

// Server implements the local Unix socket API server for cellsync.
type Server struct {
	engine     Engine
	listener   net.Listener
	ctx        context.Context
	logger     *slog.Logger
	cancel     context.CancelFunc
	socketPath string
	version    string
	wg         sync.WaitGroup
	mu         sync.RWMutex
}

// ServerConfig contains configuration for the API server.
type ServerConfig struct {
	Engine     Engine
	Logger     *slog.Logger
	SocketPath string
	Version    string
}

// NewServer creates a new API server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("socket path is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("sync engine is required")
	}

	// Create a discard logger if none provided
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: cfg.SocketPath,
		engine:     cfg.Engine,
		version:    cfg.Version,
		logger:     logger.With("component", "api"),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins listening on the Unix domain socket.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Create socket directory with proper permissions
	socketDir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove old socket if it exists
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", s.socketPath, err)
	}

	// Set socket permissions (user read/write only)
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = listener
	s.logger.Info("api listening", "socket", s.socketPath)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	s.cancel()

	if listener != nil {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("failed to close listener: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("server shutdown timeout")
	}

	_ = os.Remove(s.socketPath)

	return nil
}

// acceptLoop handles incoming connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error("failed to accept connection", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection processes a single client connection.
func (s *Server) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(requestTimeout)); err != nil {
		s.sendError(conn, "failed to set deadline")
		return
	}

	reader := bufio.NewReaderSize(conn, 64*1024)
	line, err := readLine(reader)
	if err != nil {
		s.sendError(conn, fmt.Sprintf("failed to read command: %v", err))
		return
	}

	req, parseErr := ParseRequest(strings.TrimSpace(line))
	if parseErr != nil {
		s.sendError(conn, parseErr.Error())
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()

	s.logger.Debug("handling request", "command", req.Command)

	switch req.Command {
	case CommandStatus:
		s.sendOK(conn, s.status())
	case CommandSync:
		s.handleSync(ctx, conn)
	case CommandFetch:
		s.handleFetch(ctx, conn, req)
	case CommandPush:
		s.handlePush(ctx, conn, req)
	case CommandLinks:
		s.sendOK(conn, s.engine.GetLinkedCells())
	default:
		s.sendError(conn, fmt.Sprintf("Unknown command: %s", req.Command))
	}
}

func (s *Server) handleSync(ctx context.Context, conn net.Conn) {
	result, err := s.engine.ForceSyncAll(ctx)
	if err != nil {
		s.logger.Info("sync request failed", "error", err)
		s.sendError(conn, err.Error())
		return
	}
	s.sendOK(conn, result)
}

func (s *Server) handleFetch(ctx context.Context, conn net.Conn, req *Request) {
	value, err := s.engine.FetchValue(ctx, req.ModelPath, req.Reference, "")
	if err != nil {
		s.sendError(conn, err.Error())
		return
	}
	s.sendOK(conn, FetchResponse{Value: value})
}

// handlePush turns "PUSH <address> <json>" into a cell change. A JSON null
// deletes the cell.
func (s *Server) handlePush(ctx context.Context, conn net.Conn, req *Request) {
	var value any
	if err := json.Unmarshal(req.Value, &value); err != nil {
		s.sendError(conn, fmt.Sprintf("invalid value: %v", err))
		return
	}

	change := linksync.CellChange{Kind: model.OperationUpdate, Address: req.Address, Value: value}
	if value == nil {
		change.Kind = model.OperationDelete
	}

	if err := s.engine.SyncCellChange(ctx, change); err != nil {
		s.sendError(conn, err.Error())
		return
	}
	s.sendOK(conn, s.engine.Status())
}

func (s *Server) status() *StatusResponse {
	status := s.engine.Status()
	stats := s.engine.Stats()

	return &StatusResponse{
		StartTime:         stats.StartTime,
		ClientID:          s.engine.ClientID(),
		Version:           s.version,
		LastSyncTime:      formatLastSyncTime(status.LastSyncTime),
		LastDrain:         status.LastDrain,
		PendingOperations: status.PendingOperations,
		LinkedCells:       status.LinkedCells,
		Online:            status.IsOnline,
		Stats: SyncStats{
			LocalChanges:     stats.LocalChanges,
			ImmediateSyncs:   stats.ImmediateSyncs,
			QueuedOperations: stats.QueuedOperations,
			DrainedSuccess:   stats.DrainedSuccess,
			DrainedFailed:    stats.DrainedFailed,
			RemoteChanges:    stats.RemoteChanges,
			ConflictsWon:     stats.ConflictsWon,
			ConflictsLost:    stats.ConflictsLost,
			CacheFallbacks:   stats.CacheFallbacks,
		},
	}
}

// sendOK sends an OK response with optional data.
func (s *Server) sendOK(conn net.Conn, data any) {
	resp, err := FormatResponse(ResponseOK, data)
	if err != nil {
		s.sendError(conn, err.Error())
		return
	}
	_, _ = conn.Write(resp)
}

// sendError sends an ERROR response.
func (s *Server) sendError(conn net.Conn, msg string) {
	resp, _ := FormatResponse(ResponseError, msg)
	_, _ = conn.Write(resp)
}

// readLine reads one newline-terminated line of at most MaxLineSize bytes.
func readLine(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		if sb.Len()+len(chunk) > MaxLineSize {
			return "", fmt.Errorf("request too large (max: %d bytes)", MaxLineSize)
		}
		sb.Write(chunk)
		if !isPrefix {
			return sb.String(), nil
		}
	}
}

// formatLastSyncTime formats the last sync time for JSON output.
func formatLastSyncTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
