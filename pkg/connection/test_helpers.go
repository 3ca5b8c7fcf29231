package connection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Veraticus/cellsync/pkg/transport"
)

// FakeClock is a manually advanced Clock for tests.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFakeClock creates a clock frozen at now.
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

// Now returns the frozen time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run when the clock is advanced past d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, at: c.now.Add(d), delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and runs every due callback in deadline
// order on the calling goroutine.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	remaining := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the original delays of the timers that have neither fired
// nor been stopped.
func (c *FakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	var delays []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			delays = append(delays, t.delay)
		}
	}
	return delays
}

type fakeTimer struct {
	clock   *FakeClock
	at      time.Time
	f       func()
	delay   time.Duration
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// FakeDialer hands out FakeConns, or fails while an error is set.
type FakeDialer struct {
	mu    sync.Mutex
	err   error
	conns []*FakeConn
	dials int
}

// NewFakeDialer creates a dialer that succeeds until SetError is called.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{}
}

// Dial implements transport.Dialer.
func (d *FakeDialer) Dial(ctx context.Context) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.err != nil {
		return nil, d.err
	}
	conn := NewFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

// SetError makes subsequent dials fail with err; nil restores success.
func (d *FakeDialer) SetError(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// Dials returns how many dials were attempted.
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recently opened connection, or nil.
func (d *FakeDialer) Last() *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type received struct {
	msg transport.Message
	err error
}

// FakeConn is an in-memory transport.Conn.
type FakeConn struct {
	incoming chan received
	closed   chan struct{}
	once     sync.Once

	mu      sync.Mutex
	sent    []transport.Message
	sendErr error
}

// NewFakeConn creates an open connection.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		incoming: make(chan received, 64),
		closed:   make(chan struct{}),
	}
}

// Send records msg.
func (c *FakeConn) Send(msg transport.Message) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

// Receive returns the next delivered frame, or ErrClosed once closed.
func (c *FakeConn) Receive() (transport.Message, error) {
	select {
	case r := <-c.incoming:
		return r.msg, r.err
	case <-c.closed:
		return nil, transport.ErrClosed
	}
}

// Close closes the connection.
func (c *FakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Deliver queues msg for Receive.
func (c *FakeConn) Deliver(msg transport.Message) {
	c.incoming <- received{msg: msg}
}

// DeliverError queues err for Receive.
func (c *FakeConn) DeliverError(err error) {
	c.incoming <- received{err: err}
}

// SetSendError makes subsequent sends fail with err.
func (c *FakeConn) SetSendError(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// Sent returns a copy of every frame sent so far.
func (c *FakeConn) Sent() []transport.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]transport.Message, len(c.sent))
	copy(out, c.sent)
	return out
}
