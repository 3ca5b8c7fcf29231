// Package connection owns the lifecycle of the single live channel to the
// service. It dials through a transport.Dialer, authenticates, dispatches
// incoming frames in receipt order and reconnects with exponential backoff.
//
// State machine:
//
//	Offline      -> Connecting    Start while reachable, reachability regained, Connect
//	Connecting   -> Online        dial succeeded
//	Connecting   -> Reconnecting  dial failed
//	Online       -> Reconnecting  channel closed while reachable
//	Reconnecting -> Online        redial succeeded
//	Reconnecting -> Offline       unreachable, or MaxAttempts redials failed
//	any          -> Offline       SetReachable(false), Close
//
// Every transition is delivered synchronously, in order, to the status
// callbacks. Callbacks run while the transition is held, so they must not
// call Connect, SetReachable, Close or OnStatusChange.
package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/cellsync/pkg/transport"
)

// Common errors
var (
	// ErrNotConnected indicates a send was attempted while not Online
	ErrNotConnected = errors.New("not connected")

	// ErrClosed indicates the manager has been closed
	ErrClosed = errors.New("connection manager closed")
)

// State is the connection lifecycle state.
type State int

const (
	// Offline means no channel and no reconnect is scheduled
	Offline State = iota
	// Connecting means the first dial is in progress
	Connecting
	// Online means the channel is open and authenticated
	Online
	// Reconnecting means the channel was lost and a redial is scheduled or running
	Reconnecting
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Connecting:
		return "connecting"
	case Online:
		return "online"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Handler receives every decoded frame, one at a time, in receipt order.
type Handler func(msg transport.Message)

// Config holds configuration for the connection manager
type Config struct {
	// Dialer opens the channel (required)
	Dialer transport.Dialer

	// Clock schedules reconnects (defaults to RealClock)
	Clock Clock

	// Logger for connection events (defaults to no-op)
	Logger Logger

	// BaseDelay is the delay before the first redial (default: 1s)
	BaseDelay time.Duration

	// MaxDelay caps the redial delay; zero leaves it uncapped (default: 0)
	MaxDelay time.Duration

	// MaxAttempts is the number of redials before giving up (default: 10)
	MaxAttempts int

	// DialTimeout bounds one dial including authentication (default: transport.HandshakeTimeout)
	DialTimeout time.Duration

	// Unreachable starts the manager believing the network is down
	Unreachable bool
}

// Validate checks the configuration and applies defaults
func (c *Config) Validate() error {
	if c.Dialer == nil {
		return fmt.Errorf("dialer is required")
	}
	if c.Clock == nil {
		c.Clock = RealClock()
	}
	if c.Logger == nil {
		c.Logger = &noopLogger{}
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("max delay must not be negative")
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = transport.HandshakeTimeout
	}
	return nil
}

// Logger interface for connection logging
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// noopLogger is a logger that does nothing
type noopLogger struct{}

func (n *noopLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (n *noopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (n *noopLogger) Error(msg string, keysAndValues ...interface{}) {}
