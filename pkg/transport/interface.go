// Package transport provides the duplex channel between cellsync and the
// service's live endpoint. Frames are a tagged union, {type, payload}, and are
// decoded into typed messages once at this boundary; nothing above this
// package handles raw JSON.
package transport

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	// ErrTimeout indicates a timeout occurred
	ErrTimeout = errors.New("operation timed out")

	// ErrClosed indicates the connection is closed
	ErrClosed = errors.New("transport closed")

	// ErrInvalidMessage indicates a malformed or unknown frame
	ErrInvalidMessage = errors.New("invalid message format")
)

// Dialer opens connections to the live endpoint.
type Dialer interface {
	// Dial establishes a new connection. It honors ctx for the handshake only.
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one open duplex channel.
type Conn interface {
	// Send encodes and writes a message. Safe for concurrent use.
	Send(msg Message) error

	// Receive blocks for the next frame. A frame that cannot be decoded
	// returns an error wrapping ErrInvalidMessage and leaves the connection
	// usable. Any other error means the connection is gone.
	Receive() (Message, error)

	// Close closes the connection. Calling Close more than once is a no-op.
	Close() error
}

// HandshakeTimeout is the maximum time allowed for the opening handshake
const HandshakeTimeout = 10 * time.Second

// WriteTimeout bounds a single frame write
const WriteTimeout = 30 * time.Second

// MaxMessageSize is the maximum allowed frame size (1MB)
const MaxMessageSize = 1024 * 1024

// Logger interface for transport logging
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// noopLogger implements Logger with no-op methods
type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...interface{}) {}
func (noopLogger) Info(msg string, args ...interface{})  {}
func (noopLogger) Error(msg string, args ...interface{}) {}

// DefaultLogger returns a no-op logger
func DefaultLogger() Logger {
	return noopLogger{}
}
