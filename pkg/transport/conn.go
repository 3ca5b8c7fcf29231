package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer dials the service's live endpoint.
type WebSocketDialer struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Header is sent with the opening handshake.
	Header http.Header

	// Logger receives connection lifecycle events.
	Logger Logger
}

// NewWebSocketDialer creates a dialer for url.
func NewWebSocketDialer(url string, logger Logger) *WebSocketDialer {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &WebSocketDialer{URL: url, Logger: logger}
}

// Dial opens a new WebSocket connection.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = DefaultLogger()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: status %d: %w", d.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", d.URL, err)
	}

	logger.Debug("websocket connected", "url", d.URL)
	return NewConn(ws), nil
}

// wsConn implements Conn over a gorilla WebSocket.
type wsConn struct {
	ws *websocket.Conn

	// gorilla allows one concurrent writer
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// NewConn wraps an established WebSocket. It is exported so servers built on
// websocket.Upgrader can speak the same framing.
func NewConn(ws *websocket.Conn) Conn {
	ws.SetReadLimit(MaxMessageSize)
	return &wsConn{ws: ws}
}

// Send encodes and writes one frame.
func (c *wsConn) Send(msg Message) error {
	if c.isClosed() {
		return ErrClosed
	}

	data, err := Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return c.translate(err, "failed to write frame")
	}
	return nil
}

// Receive reads and decodes the next frame.
func (c *wsConn) Receive() (Message, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, c.translate(err, "failed to read frame")
	}
	if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: unexpected websocket message type %d", ErrInvalidMessage, kind)
	}

	return Decode(data)
}

// Close sends a close frame and closes the socket.
func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	return c.ws.Close()
}

func (c *wsConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *wsConn) translate(err error, op string) error {
	if c.isClosed() || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return fmt.Errorf("%s: %w", op, err)
}
