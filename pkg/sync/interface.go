// Package sync provides the offline-first synchronization engine for cellsync.
// It keeps a spreadsheet client consistent with the financial-modeling service
// across unreliable connectivity.
//
// The engine handles:
//   - Queueing local cell mutations and replaying them when the service is reachable
//   - Resolving conflicts between pending local mutations and remote ones
//   - Multiplexing live data subscriptions over the single live channel
//   - Serving reads from the local cache when the network path fails
//
// Conflict Resolution:
//
// Conflicts are resolved last-write-wins on the operation timestamp. An
// incoming remote operation replaces a pending local one only when its
// timestamp is strictly newer; a tie keeps the local operation. A local
// operation that loses is discarded and never retried.
//
// Deduplication:
//
// Remote operations that carry this engine's client ID are echoes of our own
// writes and are ignored. The engine also keeps an LRU of recently applied
// remote operations so that a frame delivered twice is applied once.
//
// Example Usage:
//
//	engine, err := sync.New(&sync.Config{
//	    Store:      st,
//	    Remote:     remote.New(serverURL, remote.Options{}),
//	    Connection: manager,
//	    Logger:     logger,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Destroy()
package sync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Veraticus/cellsync/pkg/connection"
	"github.com/Veraticus/cellsync/pkg/model"
	"github.com/Veraticus/cellsync/pkg/remote"
	"github.com/Veraticus/cellsync/pkg/store"
	"github.com/Veraticus/cellsync/pkg/transport"
)

var (
	// ErrNoCachedValue indicates a read could not reach the service and
	// nothing was cached for it.
	ErrNoCachedValue = errors.New("no cached value")

	// ErrOffline indicates an operation that requires the service was
	// attempted while offline.
	ErrOffline = errors.New("cannot sync while offline")

	// ErrDestroyed indicates the engine has been destroyed.
	ErrDestroyed = errors.New("engine destroyed")

	// ErrNotStarted indicates a call made before Start loaded the store.
	ErrNotStarted = errors.New("engine not started")

	// ErrInvalidOperation indicates a malformed cell change.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrNetworkUnavailable indicates the request never reached the service.
	ErrNetworkUnavailable = remote.ErrNetworkUnavailable

	// ErrRemoteRejected indicates the service refused the request.
	ErrRemoteRejected = remote.ErrRemoteRejected

	// ErrUnauthorized indicates the service refused the bearer token.
	ErrUnauthorized = remote.ErrUnauthorized
)

// RemoteAPI is the REST surface of the service. *remote.Client implements it.
type RemoteAPI interface {
	GetValue(ctx context.Context, modelPath, reference, version string) (any, error)
	CreateLink(ctx context.Context, modelPath, reference, clientID string) (any, error)
	ScenarioValue(ctx context.Context, scenario, reference string) (any, error)
	Sensitivity(ctx context.Context, req remote.SensitivityRequest) ([][]any, error)
	Audit(ctx context.Context, reference, field string) (any, error)
	Comments(ctx context.Context, reference string) (any, error)
	Sync(ctx context.Context, op model.PendingOperation) error
	Unlink(ctx context.Context, localAddress, clientID string) error
	SetToken(token string)
}

// Connection is the live channel lifecycle. *connection.Manager implements it.
type Connection interface {
	Start() error
	Connect() error
	State() connection.State
	Reachable() bool
	IsOnline() bool
	Send(msg transport.Message) error
	SetHandler(h connection.Handler)
	OnStatusChange(cb func(online bool)) func()
	SetToken(token string) error
	Close() error
}

// SyncStatus is published to sync status observers after every change.
type SyncStatus struct {
	LastSyncTime      time.Time   `json:"lastSyncTime"`
	LastDrain         DrainResult `json:"lastDrain"`
	PendingOperations int         `json:"pendingOperations"`
	LinkedCells       int         `json:"linkedCells"`
	IsOnline          bool        `json:"isOnline"`
}

// DrainResult counts the outcome of one replay of the queue.
type DrainResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// RefreshResult counts the outcome of one linked-cell refresh.
type RefreshResult struct {
	Refreshed int `json:"refreshed"`
	Cached    int `json:"cached"`
	Failed    int `json:"failed"`
}

// Stats contains sync engine statistics.
type Stats struct {
	StartTime        time.Time
	LastSyncTime     time.Time
	LastRemoteChange time.Time
	LocalChanges     uint64
	ImmediateSyncs   uint64
	QueuedOperations uint64
	DrainedSuccess   uint64
	DrainedFailed    uint64
	RemoteChanges    uint64
	RemoteEchoes     uint64
	RemoteDuplicates uint64
	ConflictsWon     uint64
	ConflictsLost    uint64
	CacheFallbacks   uint64
	FramesReceived   uint64
}

// Config holds sync engine configuration.
type Config struct {
	Store      store.Store
	Remote     RemoteAPI
	Connection Connection
	Logger     Logger

	// Registerer receives the engine's metrics. Nil keeps them on a private
	// registry.
	Registerer prometheus.Registerer

	// Now stamps local operations (defaults to time.Now)
	Now func() time.Time

	// ClientID is stamped as originId on every local operation (defaults to a
	// random UUID)
	ClientID string

	// SyncInterval is the period of the background sync job (default: 30s)
	SyncInterval time.Duration

	// DedupeSize bounds the remote operation dedupe cache (default: 1000)
	DedupeSize int
}

// Logger interface for sync engine logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Validate checks if config is valid.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Remote == nil {
		return errors.New("remote is required")
	}
	if c.Connection == nil {
		return errors.New("connection is required")
	}

	// Apply defaults
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = 1000
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = &noopLogger{}
	}

	return nil
}

// noopLogger implements Logger with no operations.
type noopLogger struct{}

func (n *noopLogger) Debug(_ string, _ ...any) {}
func (n *noopLogger) Info(_ string, _ ...any)  {}
func (n *noopLogger) Error(_ string, _ ...any) {}
