package sync

import (
	"context"
	"sync"

	"github.com/Veraticus/cellsync/pkg/connection"
	"github.com/Veraticus/cellsync/pkg/model"
	"github.com/Veraticus/cellsync/pkg/remote"
	"github.com/Veraticus/cellsync/pkg/transport"
)

// mockRemote implements RemoteAPI for testing
type mockRemote struct {
	mu       sync.Mutex
	values   map[string]any
	readErr  error
	syncErr  error
	syncHook func(op model.PendingOperation) error
	synced   []model.PendingOperation
	unlinked []string
	reads    int
	token    string
	matrix   [][]any
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		values: make(map[string]any),
	}
}

func remoteKey(scope, reference string) string {
	return scope + "|" + reference
}

// SetValue sets what reads of (scope, reference) return.
func (m *mockRemote) SetValue(scope, reference string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[remoteKey(scope, reference)] = value
}

func (m *mockRemote) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

func (m *mockRemote) SetSyncError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncErr = err
}

// SetSyncHook runs hook inside Sync before the error check. It may block.
func (m *mockRemote) SetSyncHook(hook func(op model.PendingOperation) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncHook = hook
}

func (m *mockRemote) read(scope, reference string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads++
	if m.readErr != nil {
		return nil, m.readErr
	}
	return m.values[remoteKey(scope, reference)], nil
}

func (m *mockRemote) GetValue(_ context.Context, modelPath, reference, _ string) (any, error) {
	return m.read(model.ScopeFor(modelPath), reference)
}

func (m *mockRemote) CreateLink(_ context.Context, modelPath, reference, _ string) (any, error) {
	return m.read(model.ScopeFor(modelPath), reference)
}

func (m *mockRemote) ScenarioValue(_ context.Context, scenario, reference string) (any, error) {
	return m.read(model.ScenarioScope(scenario), reference)
}

func (m *mockRemote) Sensitivity(_ context.Context, _ remote.SensitivityRequest) ([][]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	return m.matrix, nil
}

func (m *mockRemote) Audit(_ context.Context, reference, field string) (any, error) {
	return m.read(model.AuditScope(field), reference)
}

func (m *mockRemote) Comments(_ context.Context, reference string) (any, error) {
	return m.read(model.CommentsScope, reference)
}

func (m *mockRemote) Sync(_ context.Context, op model.PendingOperation) error {
	m.mu.Lock()
	hook := m.syncHook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(op); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.syncErr != nil {
		return m.syncErr
	}
	m.synced = append(m.synced, op)
	return nil
}

func (m *mockRemote) Unlink(_ context.Context, localAddress, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlinked = append(m.unlinked, localAddress)
	return nil
}

func (m *mockRemote) SetToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

func (m *mockRemote) Synced() []model.PendingOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PendingOperation, len(m.synced))
	copy(out, m.synced)
	return out
}

func (m *mockRemote) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// mockConnection implements Connection for testing. Status callbacks run
// synchronously inside SetOnline.
type mockConnection struct {
	mu        sync.Mutex
	online    bool
	reachable bool
	state     connection.State
	handler   connection.Handler
	callbacks map[int]func(bool)
	nextID    int
	sent      []transport.Message
	sendErr   error
	connects  int
	token     string
	closed    bool
	startErr  error
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		reachable: true,
		state:     connection.Offline,
		callbacks: make(map[int]func(bool)),
	}
}

func (m *mockConnection) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startErr
}

// SetStartError makes Start fail with err; nil restores success.
func (m *mockConnection) SetStartError(err error) {
	m.mu.Lock()
	m.startErr = err
	m.mu.Unlock()
}

// Observers returns how many status callbacks are registered.
func (m *mockConnection) Observers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.callbacks)
}

func (m *mockConnection) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	return nil
}

func (m *mockConnection) State() connection.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockConnection) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

func (m *mockConnection) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *mockConnection) Send(msg transport.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.online {
		return connection.ErrNotConnected
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockConnection) SetHandler(h connection.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *mockConnection) OnStatusChange(cb func(online bool)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.callbacks[id] = cb
	online := m.online
	m.mu.Unlock()

	cb(online)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.callbacks, id)
	}
}

func (m *mockConnection) SetToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

func (m *mockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.online = false
	m.state = connection.Offline
	return nil
}

// SetOnline flips the channel and runs every status callback.
func (m *mockConnection) SetOnline(online bool) {
	m.mu.Lock()
	m.online = online
	if online {
		m.state = connection.Online
	} else {
		m.state = connection.Offline
	}
	cbs := make([]func(bool), 0, len(m.callbacks))
	for _, cb := range m.callbacks {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(online)
	}
}

// Deliver hands msg to the registered handler as the read loop would.
func (m *mockConnection) Deliver(msg transport.Message) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (m *mockConnection) Sent() []transport.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transport.Message, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockConnection) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// testLogger implements Logger for testing
type testLogger struct {
	mu   sync.Mutex
	logs []logEntry
}

type logEntry struct {
	level string
	msg   string
	kv    []any
}

func newTestLogger() *testLogger {
	return &testLogger{}
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.log("DEBUG", msg, keysAndValues...)
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.log("INFO", msg, keysAndValues...)
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.log("ERROR", msg, keysAndValues...)
}

func (l *testLogger) log(level, msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.logs = append(l.logs, logEntry{
		level: level,
		msg:   msg,
		kv:    keysAndValues,
	})
}

func (l *testLogger) GetLogs() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	logs := make([]logEntry, len(l.logs))
	copy(logs, l.logs)
	return logs
}

// HasMessage reports whether any entry at level has msg.
func (l *testLogger) HasMessage(level, msg string) bool {
	for _, e := range l.GetLogs() {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}
