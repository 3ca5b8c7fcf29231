package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Veraticus/cellsync/pkg/transport"
)

type statusCallback struct {
	fn func(online bool)
	id uint64
}

// Manager owns one live channel and its reconnect schedule.
type Manager struct {
	cfg     Config
	backoff *ExponentialBackoff

	ctx    context.Context
	cancel context.CancelFunc

	// transition serializes state changes together with their notification
	transition sync.Mutex

	mu        sync.Mutex
	state     State
	conn      transport.Conn
	handler   Handler
	timer     Timer
	token     string
	gen       uint64 // identifies the current dial or channel
	timerSeq  uint64 // identifies the current reconnect timer
	reachable bool
	started   bool
	closed    bool

	cbMu      sync.Mutex
	callbacks []statusCallback
	nextCBID  uint64
}

// New creates a manager. It does not dial until Start or Connect.
func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		backoff:   NewExponentialBackoff(cfg.BaseDelay, cfg.MaxDelay, 2.0),
		ctx:       ctx,
		cancel:    cancel,
		reachable: !cfg.Unreachable,
	}, nil
}

// Start enables automatic connection and dials if the network is reachable.
func (m *Manager) Start() error {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.started = true
	shouldConnect := m.reachable && m.state == Offline
	m.mu.Unlock()

	if shouldConnect {
		m.beginConnectLocked()
	}
	return nil
}

// Connect dials now. From Offline it starts a fresh attempt sequence; while a
// redial is scheduled it cancels the timer and dials immediately. It is a
// no-op while Connecting or Online.
func (m *Manager) Connect() error {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	state := m.state
	timerPending := m.timer != nil
	if state == Reconnecting && timerPending {
		m.stopTimerLocked()
	}
	m.mu.Unlock()

	switch state {
	case Offline:
		m.beginConnectLocked()
	case Reconnecting:
		if timerPending {
			m.dialLocked()
		}
	}
	return nil
}

// SetReachable reports a change in network reachability. Losing reachability
// drops the channel and goes Offline; regaining it reconnects once started.
func (m *Manager) SetReachable(reachable bool) {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if m.closed || m.reachable == reachable {
		m.mu.Unlock()
		return
	}
	m.reachable = reachable
	state := m.state
	started := m.started
	var conn transport.Conn
	if !reachable {
		m.stopTimerLocked()
		conn = m.conn
		m.conn = nil
		m.gen++
	}
	m.mu.Unlock()

	m.cfg.Logger.Info("reachability changed", "reachable", reachable)

	if !reachable {
		if conn != nil {
			_ = conn.Close()
		}
		m.setStateLocked(Offline)
		return
	}

	if started && state == Offline {
		m.beginConnectLocked()
	}
}

// SetToken replaces the bearer token. When Online the new token is presented
// on the current channel immediately.
func (m *Manager) SetToken(token string) error {
	m.mu.Lock()
	m.token = token
	conn := m.conn
	online := m.state == Online
	m.mu.Unlock()

	if !online || conn == nil || token == "" {
		return nil
	}
	if err := conn.Send(transport.AuthenticateMessage{Token: token}); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	return nil
}

// SetHandler installs the frame handler. Frames that arrive with no handler
// are dropped.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Send writes a frame on the current channel. It fails with ErrNotConnected
// unless Online.
func (m *Manager) Send(msg transport.Message) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if conn == nil || state != Online {
		return ErrNotConnected
	}
	return conn.Send(msg)
}

// OnStatusChange registers cb and immediately delivers the current online
// state to it. The returned function unregisters cb.
func (m *Manager) OnStatusChange(cb func(online bool)) func() {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.cbMu.Lock()
	m.nextCBID++
	id := m.nextCBID
	m.callbacks = append(m.callbacks, statusCallback{id: id, fn: cb})
	m.cbMu.Unlock()

	m.invoke(cb, m.State() == Online)

	return func() {
		m.cbMu.Lock()
		defer m.cbMu.Unlock()
		for i, c := range m.callbacks {
			if c.id == id {
				m.callbacks = append(m.callbacks[:i], m.callbacks[i+1:]...)
				return
			}
		}
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reachable reports the last known network reachability.
func (m *Manager) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

// IsOnline reports whether the channel is open.
func (m *Manager) IsOnline() bool {
	return m.State() == Online
}

// Attempts returns the number of redials scheduled since the last Online.
func (m *Manager) Attempts() int {
	return m.backoff.Attempts()
}

// Close cancels any scheduled redial, closes the channel and goes Offline.
// Callbacks are cleared after the final Offline notification.
func (m *Manager) Close() error {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopTimerLocked()
	conn := m.conn
	m.conn = nil
	m.gen++
	m.mu.Unlock()

	m.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	m.setStateLocked(Offline)

	m.cbMu.Lock()
	m.callbacks = nil
	m.cbMu.Unlock()
	return nil
}

// beginConnectLocked starts a fresh attempt sequence. Requires m.transition.
func (m *Manager) beginConnectLocked() {
	m.backoff.Reset()
	m.setStateLocked(Connecting)
	m.dialLocked()
}

// dialLocked starts one dial in the background. Requires m.transition.
func (m *Manager) dialLocked() {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.dial(gen)
}

func (m *Manager) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	conn, err := m.cfg.Dialer.Dial(ctx)
	cancel()

	if err == nil {
		m.mu.Lock()
		token := m.token
		m.mu.Unlock()
		if token != "" {
			if sendErr := conn.Send(transport.AuthenticateMessage{Token: token}); sendErr != nil {
				_ = conn.Close()
				conn = nil
				err = fmt.Errorf("failed to authenticate: %w", sendErr)
			}
		}
	}

	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	current := gen == m.gen && !m.closed && (m.state == Connecting || m.state == Reconnecting)
	if current && err == nil {
		m.conn = conn
	}
	m.mu.Unlock()

	if !current {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		m.cfg.Logger.Error("dial failed", "error", err)
		m.retryLocked()
		return
	}

	m.cfg.Logger.Info("connected")
	m.setStateLocked(Online)
	go m.readLoop(conn, gen)
}

// retryLocked schedules the next redial, or gives up and goes Offline.
// Requires m.transition.
func (m *Manager) retryLocked() {
	m.mu.Lock()
	reachable := m.reachable
	m.mu.Unlock()

	if !reachable {
		m.setStateLocked(Offline)
		return
	}

	if attempts := m.backoff.Attempts(); attempts >= m.cfg.MaxAttempts {
		m.cfg.Logger.Error("giving up reconnecting", "attempts", attempts)
		m.setStateLocked(Offline)
		return
	}

	m.setStateLocked(Reconnecting)

	delay := m.backoff.Next()
	m.mu.Lock()
	m.stopTimerLocked()
	seq := m.timerSeq
	m.timer = m.cfg.Clock.AfterFunc(delay, func() { m.onTimer(seq) })
	m.mu.Unlock()

	m.cfg.Logger.Debug("reconnect scheduled", "delay", delay, "attempt", m.backoff.Attempts())
}

func (m *Manager) onTimer(seq uint64) {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	fire := seq == m.timerSeq && m.timer != nil && !m.closed && m.state == Reconnecting
	if fire {
		m.timer = nil
	}
	m.mu.Unlock()

	if fire {
		m.dialLocked()
	}
}

// stopTimerLocked cancels the pending redial. Requires m.mu.
func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

func (m *Manager) readLoop(conn transport.Conn, gen uint64) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			if errors.Is(err, transport.ErrInvalidMessage) {
				m.cfg.Logger.Error("dropping invalid frame", "error", err)
				continue
			}
			m.onChannelClosed(conn, gen, err)
			return
		}

		m.mu.Lock()
		h := m.handler
		m.mu.Unlock()
		if h != nil {
			m.dispatch(h, msg)
		}
	}
}

func (m *Manager) dispatch(h Handler, msg transport.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.cfg.Logger.Error("frame handler panicked", "type", msg.Type(), "panic", r)
		}
	}()
	h(msg)
}

func (m *Manager) onChannelClosed(conn transport.Conn, gen uint64, cause error) {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.gen++
	m.mu.Unlock()

	_ = conn.Close()
	m.cfg.Logger.Info("connection lost", "error", cause)
	m.retryLocked()
}

// setStateLocked records the new state and notifies callbacks. Requires
// m.transition.
func (m *Manager) setStateLocked(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()

	if prev == s {
		return
	}
	if s == Online {
		m.backoff.Reset()
	}

	m.cfg.Logger.Debug("state changed", "from", prev.String(), "to", s.String())

	m.cbMu.Lock()
	callbacks := make([]statusCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.cbMu.Unlock()

	online := s == Online
	for _, c := range callbacks {
		m.invoke(c.fn, online)
	}
}

func (m *Manager) invoke(cb func(bool), online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.cfg.Logger.Error("status callback panicked", "panic", r)
		}
	}()
	cb(online)
}
