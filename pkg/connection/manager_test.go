package connection

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/cellsync/pkg/model"
	"github.com/Veraticus/cellsync/pkg/transport"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

var errDial = errors.New("dial refused")

// statusRecorder collects status callback deliveries.
type statusRecorder struct {
	mu     sync.Mutex
	events []bool
}

func (r *statusRecorder) record(online bool) {
	r.mu.Lock()
	r.events = append(r.events, online)
	r.mu.Unlock()
}

func (r *statusRecorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.events))
	copy(out, r.events)
	return out
}

type harness struct {
	m      *Manager
	clock  *FakeClock
	dialer *FakeDialer
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clock:  NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		dialer: NewFakeDialer(),
	}
	cfg := Config{Dialer: h.dialer, Clock: h.clock}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	h.m = m
	t.Cleanup(func() { _ = m.Close() })
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State() == want }, waitFor, tick,
		"state %s never reached, at %s", want, h.m.State())
}

// waitTimer waits until exactly one reconnect timer is pending and returns
// its delay.
func (h *harness) waitTimer(t *testing.T) time.Duration {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.clock.Pending()) == 1 }, waitFor, tick)
	return h.clock.Pending()[0]
}

func TestConfigValidate(t *testing.T) {
	t.Run("RequiresDialer", func(t *testing.T) {
		cfg := Config{}
		assert.Error(t, cfg.Validate())
	})

	t.Run("Defaults", func(t *testing.T) {
		cfg := Config{Dialer: NewFakeDialer()}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, time.Second, cfg.BaseDelay)
		assert.Equal(t, time.Duration(0), cfg.MaxDelay)
		assert.Equal(t, 10, cfg.MaxAttempts)
		assert.Equal(t, transport.HandshakeTimeout, cfg.DialTimeout)
		assert.NotNil(t, cfg.Clock)
		assert.NotNil(t, cfg.Logger)
	})

	t.Run("NegativeMaxDelay", func(t *testing.T) {
		cfg := Config{Dialer: NewFakeDialer(), MaxDelay: -time.Second}
		assert.Error(t, cfg.Validate())
	})
}

func TestManagerConnect(t *testing.T) {
	t.Run("StartGoesOnline", func(t *testing.T) {
		h := newHarness(t, nil)
		rec := &statusRecorder{}
		h.m.OnStatusChange(rec.record)

		require.NoError(t, h.m.Start())
		h.waitState(t, Online)

		assert.Equal(t, []bool{false, false, true}, rec.get(), "initial, connecting, online")
		assert.True(t, h.m.IsOnline())
		assert.Equal(t, 1, h.dialer.Dials())
	})

	t.Run("AuthenticatesBeforeOnline", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.m.SetToken("tok-1"))

		framesAtOnline := make(chan []transport.Message, 1)
		h.m.OnStatusChange(func(online bool) {
			if online {
				framesAtOnline <- h.dialer.Last().Sent()
			}
		})

		require.NoError(t, h.m.Start())
		var firstFrames []transport.Message
		select {
		case firstFrames = <-framesAtOnline:
		case <-time.After(waitFor):
			t.Fatal("never went online")
		}

		require.Len(t, firstFrames, 1)
		assert.Equal(t, transport.AuthenticateMessage{Token: "tok-1"}, firstFrames[0])
	})

	t.Run("SetTokenWhileOnline", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.m.Start())
		h.waitState(t, Online)

		require.NoError(t, h.m.SetToken("fresh"))
		assert.Equal(t, []transport.Message{transport.AuthenticateMessage{Token: "fresh"}}, h.dialer.Last().Sent())
	})

	t.Run("StartWhileUnreachableStaysOffline", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.Unreachable = true })
		require.NoError(t, h.m.Start())

		assert.Equal(t, Offline, h.m.State())
		assert.Equal(t, 0, h.dialer.Dials())

		h.m.SetReachable(true)
		h.waitState(t, Online)
	})

	t.Run("SendRequiresOnline", func(t *testing.T) {
		h := newHarness(t, nil)
		err := h.m.Send(transport.SubscribeMessage{})
		assert.ErrorIs(t, err, ErrNotConnected)

		require.NoError(t, h.m.Start())
		h.waitState(t, Online)

		feed := model.Feed{Source: "s", ID: "1", Field: "f"}
		require.NoError(t, h.m.Send(transport.SubscribeMessage{Feed: feed}))
		assert.Equal(t, []transport.Message{transport.SubscribeMessage{Feed: feed}}, h.dialer.Last().Sent())
	})
}

func TestManagerReconnect(t *testing.T) {
	t.Run("BackoffDoublesUncapped", func(t *testing.T) {
		h := newHarness(t, nil)
		h.dialer.SetError(errDial)

		require.NoError(t, h.m.Start())

		for n := 0; n < 6; n++ {
			delay := h.waitTimer(t)
			assert.Equal(t, time.Second*time.Duration(1<<n), delay, "delay before redial %d", n+1)
			assert.Equal(t, Reconnecting, h.m.State())

			dials := h.dialer.Dials()
			h.clock.Advance(delay)
			require.Eventually(t, func() bool { return h.dialer.Dials() == dials+1 }, waitFor, tick)
		}
	})

	t.Run("GivesUpAfterMaxAttempts", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.MaxAttempts = 3 })
		h.dialer.SetError(errDial)
		rec := &statusRecorder{}

		require.NoError(t, h.m.Start())
		for i := 0; i < 3; i++ {
			h.clock.Advance(h.waitTimer(t))
		}

		h.waitState(t, Offline)
		assert.Equal(t, 4, h.dialer.Dials(), "first dial plus three redials")
		assert.Empty(t, h.clock.Pending())

		h.m.OnStatusChange(rec.record)
		assert.Equal(t, []bool{false}, rec.get())
	})

	t.Run("ResetOnOnline", func(t *testing.T) {
		h := newHarness(t, nil)
		h.dialer.SetError(errDial)
		require.NoError(t, h.m.Start())

		h.clock.Advance(h.waitTimer(t))
		assert.Equal(t, 2*time.Second, h.waitTimer(t))

		h.dialer.SetError(nil)
		h.clock.Advance(2 * time.Second)
		h.waitState(t, Online)
		assert.Equal(t, 0, h.m.Attempts())

		// Losing the channel starts over at the base delay.
		h.dialer.Last().Close()
		h.waitState(t, Reconnecting)
		assert.Equal(t, time.Second, h.waitTimer(t))

		h.clock.Advance(time.Second)
		h.waitState(t, Online)
	})

	t.Run("OneTimerAtATime", func(t *testing.T) {
		h := newHarness(t, nil)
		h.dialer.SetError(errDial)
		require.NoError(t, h.m.Start())

		h.waitTimer(t)
		require.NoError(t, h.m.Connect())

		// The explicit dial fails too and schedules exactly one new timer.
		require.Eventually(t, func() bool { return h.dialer.Dials() == 2 }, waitFor, tick)
		assert.Equal(t, 2*time.Second, h.waitTimer(t))
		assert.Len(t, h.clock.Pending(), 1)
	})

	t.Run("UnreachableWhileReconnecting", func(t *testing.T) {
		h := newHarness(t, nil)
		h.dialer.SetError(errDial)
		require.NoError(t, h.m.Start())
		h.waitTimer(t)

		h.m.SetReachable(false)

		assert.Equal(t, Offline, h.m.State())
		assert.Empty(t, h.clock.Pending())

		h.dialer.SetError(nil)
		h.m.SetReachable(true)
		h.waitState(t, Online)
	})

	t.Run("UnreachableWhileOnline", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.m.Start())
		h.waitState(t, Online)
		conn := h.dialer.Last()

		h.m.SetReachable(false)

		assert.Equal(t, Offline, h.m.State())
		assert.True(t, conn.Closed())
		assert.Empty(t, h.clock.Pending(), "no redial while unreachable")
	})

	t.Run("CloseStopsEverything", func(t *testing.T) {
		h := newHarness(t, nil)
		h.dialer.SetError(errDial)
		require.NoError(t, h.m.Start())
		h.waitTimer(t)

		require.NoError(t, h.m.Close())
		assert.Equal(t, Offline, h.m.State())
		assert.Empty(t, h.clock.Pending())
		assert.ErrorIs(t, h.m.Connect(), ErrClosed)
		assert.ErrorIs(t, h.m.Start(), ErrClosed)
	})
}

func TestManagerStatusCallbacks(t *testing.T) {
	t.Run("LateSubscriberGetsCurrentState", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.m.Start())
		h.waitState(t, Online)

		rec := &statusRecorder{}
		h.m.OnStatusChange(rec.record)
		assert.Equal(t, []bool{true}, rec.get())
	})

	t.Run("Unregister", func(t *testing.T) {
		h := newHarness(t, nil)
		rec := &statusRecorder{}
		unregister := h.m.OnStatusChange(rec.record)
		unregister()
		unregister()

		require.NoError(t, h.m.Start())
		h.waitState(t, Online)
		assert.Equal(t, []bool{false}, rec.get())
	})

	t.Run("PanickingCallbackIsIsolated", func(t *testing.T) {
		h := newHarness(t, nil)
		h.m.OnStatusChange(func(online bool) {
			if online {
				panic("boom")
			}
		})
		rec := &statusRecorder{}
		h.m.OnStatusChange(rec.record)

		require.NoError(t, h.m.Start())
		h.waitState(t, Online)
		assert.Equal(t, []bool{false, false, true}, rec.get())
	})

	t.Run("SendFromCallbackOnOnline", func(t *testing.T) {
		h := newHarness(t, nil)
		feed := model.Feed{Source: "s", ID: "1", Field: "f"}
		h.m.OnStatusChange(func(online bool) {
			if online {
				assert.NoError(t, h.m.Send(transport.SubscribeMessage{Feed: feed}))
			}
		})

		require.NoError(t, h.m.Start())
		h.waitState(t, Online)
		assert.Equal(t, []transport.Message{transport.SubscribeMessage{Feed: feed}}, h.dialer.Last().Sent())
	})
}

func TestManagerFrames(t *testing.T) {
	t.Run("DispatchInReceiptOrder", func(t *testing.T) {
		h := newHarness(t, nil)

		var mu sync.Mutex
		var got []string
		h.m.SetHandler(func(msg transport.Message) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, msg.(transport.ModelUpdateMessage).ModelPath)
		})

		require.NoError(t, h.m.Start())
		h.waitState(t, Online)

		conn := h.dialer.Last()
		conn.Deliver(transport.ModelUpdateMessage{ModelPath: "a"})
		conn.DeliverError(transport.ErrInvalidMessage)
		conn.Deliver(transport.ModelUpdateMessage{ModelPath: "b"})
		conn.Deliver(transport.ModelUpdateMessage{ModelPath: "c"})

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 3
		}, waitFor, tick)
		mu.Lock()
		assert.Equal(t, []string{"a", "b", "c"}, got)
		mu.Unlock()
		assert.Equal(t, Online, h.m.State(), "invalid frames do not drop the channel")
	})

	t.Run("HandlerPanicKeepsReading", func(t *testing.T) {
		h := newHarness(t, nil)
		seen := make(chan string, 2)
		h.m.SetHandler(func(msg transport.Message) {
			path := msg.(transport.ModelUpdateMessage).ModelPath
			if path == "bad" {
				panic("handler bug")
			}
			seen <- path
		})

		require.NoError(t, h.m.Start())
		h.waitState(t, Online)

		conn := h.dialer.Last()
		conn.Deliver(transport.ModelUpdateMessage{ModelPath: "bad"})
		conn.Deliver(transport.ModelUpdateMessage{ModelPath: "good"})

		select {
		case p := <-seen:
			assert.Equal(t, "good", p)
		case <-time.After(waitFor):
			t.Fatal("frame after panic not delivered")
		}
	})

	t.Run("StaleChannelCloseIgnored", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.m.Start())
		h.waitState(t, Online)
		first := h.dialer.Last()

		h.m.SetReachable(false)
		h.m.SetReachable(true)
		h.waitState(t, Online)
		second := h.dialer.Last()
		require.NotSame(t, first, second)

		// The first channel's read loop has already exited; closing it again
		// must not disturb the new channel.
		first.Close()
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, Online, h.m.State())
		assert.False(t, second.Closed())
	})
}
