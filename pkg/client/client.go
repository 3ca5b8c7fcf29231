// Package client provides a client library for interacting with the cellsync
// daemon via its Unix socket API.
package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/Veraticus/cellsync/pkg/api"
	"github.com/Veraticus/cellsync/pkg/config"
	"github.com/Veraticus/cellsync/pkg/model"
	linksync "github.com/Veraticus/cellsync/pkg/sync"
)

// ErrNotRunning is returned when no daemon is listening on the socket.
var ErrNotRunning = errors.New("cellsync daemon not running")

// Client provides methods to interact with a running cellsync daemon.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// Config contains configuration for the client.
type Config struct {
	// SocketPath is the path to the Unix domain socket.
	// If empty, uses the default socket path.
	SocketPath string

	// Timeout for operations. Default is 5 seconds. SYNC replays the whole
	// queue, so callers issuing it may want more.
	Timeout time.Duration
}

// DefaultSocketPath returns the default socket path based on XDG standards.
func DefaultSocketPath() string {
	return config.DefaultSocketPath()
}

// New creates a new client with the given configuration.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}

	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = DefaultSocketPath()
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Status retrieves the daemon's current status.
func (c *Client) Status() (*api.StatusResponse, error) {
	var status api.StatusResponse
	if err := c.call("STATUS", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Sync asks the daemon to replay its pending queue.
func (c *Client) Sync() (linksync.DrainResult, error) {
	var result linksync.DrainResult
	err := c.call("SYNC", &result)
	return result, err
}

// Fetch reads one value through the daemon's read-through cache.
func (c *Client) Fetch(modelPath, reference string) (any, error) {
	if modelPath == "" || reference == "" {
		return nil, fmt.Errorf("model path and reference are required")
	}
	if strings.ContainsAny(modelPath, " \n") || strings.Contains(reference, "\n") {
		return nil, fmt.Errorf("invalid model path %q or reference %q", modelPath, reference)
	}

	var resp api.FetchResponse
	if err := c.call(fmt.Sprintf("FETCH %s %s", modelPath, reference), &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// Push records a local edit of address. A nil value deletes the cell.
func (c *Client) Push(address string, value any) (linksync.SyncStatus, error) {
	var status linksync.SyncStatus
	if address == "" || strings.ContainsAny(address, " \n") {
		return status, fmt.Errorf("invalid address %q", address)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return status, fmt.Errorf("failed to encode value: %w", err)
	}

	err = c.call(fmt.Sprintf("PUSH %s %s", address, data), &status)
	return status, err
}

// Links lists the daemon's linked cells.
func (c *Client) Links() ([]model.LinkedCell, error) {
	var links []model.LinkedCell
	if err := c.call("LINKS", &links); err != nil {
		return nil, err
	}
	return links, nil
}

// IsRunning checks if the daemon is running and responsive.
func (c *Client) IsRunning() bool {
	conn, err := c.dial()
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// call sends one request line and decodes the OK payload into out.
func (c *Client) call(line string, out any) error {
	if len(line) > api.MaxLineSize {
		return fmt.Errorf("request too large: %d bytes (max: %d)", len(line), api.MaxLineSize)
	}

	conn, err := c.dial()
	if err != nil {
		return c.handleDialError(err)
	}
	defer func() { _ = conn.Close() }()

	command := strings.SplitN(line, " ", 2)[0]
	if _, writeErr := fmt.Fprintf(conn, "%s\n", line); writeErr != nil {
		return fmt.Errorf("failed to send %s command: %w", strings.ToLower(command), writeErr)
	}

	response, err := c.readResponse(conn)
	if err != nil {
		return err
	}

	payload, err := api.ParseResponse(response)
	if err != nil {
		return fmt.Errorf("%s failed: %w", strings.ToLower(command), err)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", strings.ToLower(command), err)
	}
	return nil
}

// dial establishes a connection to the daemon's socket.
func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, err
	}

	// Set deadline for all operations
	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	return conn, nil
}

// readResponse reads a single line response from the connection.
func (c *Client) readResponse(conn net.Conn) (string, error) {
	reader := bufio.NewReaderSize(conn, 64*1024)
	response, err := reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && response == "" {
			return "", fmt.Errorf("no response from daemon")
		}
		if !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to read response: %w", err)
		}
	}
	return strings.TrimSpace(response), nil
}

// handleDialError provides appropriate error messages for connection failures.
func (c *Client) handleDialError(err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT) {
		return fmt.Errorf("%w (socket: %s)", ErrNotRunning, c.socketPath)
	}
	return fmt.Errorf("failed to connect to daemon: %w", err)
}
