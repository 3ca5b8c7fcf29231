package sync

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Veraticus/cellsync/pkg/connection"
	"github.com/Veraticus/cellsync/pkg/model"
	"github.com/Veraticus/cellsync/pkg/transport"
)

// DataCallback receives each new value of a live feed.
type DataCallback func(value any)

// ErrorCallback receives failures for a live feed, including panics raised
// by the same subscriber's DataCallback.
type ErrorCallback func(err error)

// frameSender is the part of the connection the multiplexer writes to.
type frameSender interface {
	Send(msg transport.Message) error
}

type listener struct {
	onData  DataCallback
	onError ErrorCallback
}

type subscription struct {
	listeners map[uint64]listener
	feed      model.Feed
}

// subscriptionMux maps many listeners onto one wire subscription per feed.
// Only the first listener of a feed sends "subscribe" and only the last one
// to leave sends "unsubscribe".
type subscriptionMux struct {
	sender frameSender
	logger Logger

	mu        sync.Mutex
	subs      map[string]*subscription
	nextID    uint64
	destroyed bool
}

func newSubscriptionMux(sender frameSender, logger Logger) *subscriptionMux {
	return &subscriptionMux{
		sender: sender,
		logger: logger,
		subs:   make(map[string]*subscription),
	}
}

// subscribe adds a listener for feed and returns its idempotent unsubscribe.
func (m *subscriptionMux) subscribe(feed model.Feed, onData DataCallback, onError ErrorCallback) (func(), error) {
	if err := feed.Validate(); err != nil {
		return func() {}, err
	}
	if onData == nil {
		return func() {}, errors.New("data callback is required")
	}
	if onError == nil {
		onError = func(error) {}
	}

	key := feed.Key()

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return func() {}, ErrDestroyed
	}
	sub, exists := m.subs[key]
	if !exists {
		sub = &subscription{feed: feed, listeners: make(map[uint64]listener)}
		m.subs[key] = sub
	}
	m.nextID++
	id := m.nextID
	sub.listeners[id] = listener{onData: onData, onError: onError}
	m.mu.Unlock()

	if !exists {
		m.send(transport.SubscribeMessage{Feed: feed})
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(key, id) })
	}, nil
}

func (m *subscriptionMux) unsubscribe(key string, id uint64) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	sub, ok := m.subs[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(sub.listeners, id)
	empty := len(sub.listeners) == 0
	if empty {
		delete(m.subs, key)
	}
	feed := sub.feed
	m.mu.Unlock()

	if empty {
		m.send(transport.UnsubscribeMessage{Feed: feed})
	}
}

// resubscribeAll re-issues "subscribe" for every feed that has listeners.
func (m *subscriptionMux) resubscribeAll() {
	m.mu.Lock()
	feeds := make([]model.Feed, 0, len(m.subs))
	for _, sub := range m.subs {
		feeds = append(feeds, sub.feed)
	}
	m.mu.Unlock()

	for _, feed := range feeds {
		m.send(transport.SubscribeMessage{Feed: feed})
	}
	if len(feeds) > 0 {
		m.logger.Info("resubscribed live feeds", "count", len(feeds))
	}
}

// dispatchData delivers a value to every listener of the feed.
func (m *subscriptionMux) dispatchData(msg transport.DataUpdateMessage) {
	listeners := m.listenersFor(msg.Key())
	if len(listeners) == 0 {
		m.logger.Debug("data update for feed without listeners", "feed", msg.Key())
		return
	}
	for _, l := range listeners {
		m.deliver(l, msg.Value)
	}
}

// dispatchError routes a feed-scoped error to that feed's listeners. It
// reports whether the error was feed-scoped.
func (m *subscriptionMux) dispatchError(msg transport.ErrorMessage) bool {
	key := msg.SubscriptionKey()
	if key == "" {
		return false
	}
	for _, l := range m.listenersFor(key) {
		m.reportError(l, msg)
	}
	return true
}

func (m *subscriptionMux) listenersFor(key string) []listener {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[key]
	if !ok {
		return nil
	}
	out := make([]listener, 0, len(sub.listeners))
	for _, l := range sub.listeners {
		out = append(out, l)
	}
	return out
}

func (m *subscriptionMux) deliver(l listener, value any) {
	defer func() {
		if r := recover(); r != nil {
			m.reportError(l, fmt.Errorf("live data listener panicked: %v", r))
		}
	}()
	l.onData(value)
}

func (m *subscriptionMux) reportError(l listener, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("live data error listener panicked", "panic", r)
		}
	}()
	l.onError(err)
}

// send writes a frame, tolerating the channel being down: every feed is
// re-issued on the next Online transition.
func (m *subscriptionMux) send(msg transport.Message) {
	if err := m.sender.Send(msg); err != nil {
		if errors.Is(err, connection.ErrNotConnected) {
			m.logger.Debug("deferred live feed frame until online", "type", msg.Type())
			return
		}
		m.logger.Error("failed to send live feed frame", "type", msg.Type(), "error", err)
	}
}

// count returns the number of feeds and the total number of listeners.
func (m *subscriptionMux) count() (feeds, listeners int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.subs {
		listeners += len(sub.listeners)
	}
	return len(m.subs), listeners
}

// destroy drops every subscription. Outstanding unsubscribe functions become
// no-ops and later subscribes fail.
func (m *subscriptionMux) destroy() {
	m.mu.Lock()
	m.destroyed = true
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()
}
