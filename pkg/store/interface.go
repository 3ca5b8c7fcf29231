// Package store provides the durable local store for cellsync. It persists
// the records the sync engine must not lose across restarts: pending
// operations, linked cells and cached read values.
//
// Two implementations are provided. SQLiteStore is the durable one used by
// the daemon. MemoryStore keeps everything in process and is used by tests
// and by embedders that do not need persistence.
//
// The store is the source of truth. The engine's in-memory maps are a cache
// of it and are rebuilt from it on start.
package store

import (
	"context"
	"errors"

	"github.com/Veraticus/cellsync/pkg/model"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store closed")
)

// Store is the durable local store.
type Store interface {
	// SavePending inserts or replaces the pending operation for op.Address.
	SavePending(ctx context.Context, op model.PendingOperation) error

	// DeletePending removes the pending operation for address. Deleting a
	// missing address is not an error.
	DeletePending(ctx context.Context, address string) error

	// RetirePending removes the pending operation for address and, when
	// update is non-nil, writes the cache entry in the same transaction.
	RetirePending(ctx context.Context, address string, update *model.CachedValue) error

	// ListPending returns every pending operation ordered by timestamp.
	ListPending(ctx context.Context) ([]model.PendingOperation, error)

	// SaveLink inserts or replaces the linked cell for link.LocalAddress.
	SaveLink(ctx context.Context, link model.LinkedCell) error

	// DeleteLink removes the linked cell for localAddress.
	DeleteLink(ctx context.Context, localAddress string) error

	// ListLinks returns every linked cell ordered by local address.
	ListLinks(ctx context.Context) ([]model.LinkedCell, error)

	// PutCached inserts or replaces the cache entry for (Scope, Reference).
	PutCached(ctx context.Context, value model.CachedValue) error

	// GetCached returns the cache entry for (scope, reference) or ErrNotFound.
	GetCached(ctx context.Context, scope, reference string) (*model.CachedValue, error)

	// Clear removes all pending operations, linked cells and cache entries.
	Clear(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}
