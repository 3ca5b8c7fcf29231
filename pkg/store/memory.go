package store

import (
	"context"
	"sort"
	"sync"

	"github.com/Veraticus/cellsync/pkg/model"
)

// MemoryStore is an in-process Store. Values are copied in and out so callers
// cannot mutate stored records through shared pointers.
type MemoryStore struct {
	pending map[string]model.PendingOperation
	links   map[string]model.LinkedCell
	cache   map[cacheKey]model.CachedValue
	mu      sync.RWMutex
	closed  bool
}

type cacheKey struct {
	scope     string
	reference string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending: make(map[string]model.PendingOperation),
		links:   make(map[string]model.LinkedCell),
		cache:   make(map[cacheKey]model.CachedValue),
	}
}

// SavePending inserts or replaces the pending operation for op.Address.
func (s *MemoryStore) SavePending(_ context.Context, op model.PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.pending[op.Address] = op
	return nil
}

// DeletePending removes the pending operation for address.
func (s *MemoryStore) DeletePending(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	delete(s.pending, address)
	return nil
}

// RetirePending removes the pending operation and applies the cache update
// under one lock.
func (s *MemoryStore) RetirePending(_ context.Context, address string, update *model.CachedValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	delete(s.pending, address)
	if update != nil {
		s.cache[cacheKey{update.Scope, update.Reference}] = *update
	}
	return nil
}

// ListPending returns every pending operation ordered by timestamp.
func (s *MemoryStore) ListPending(_ context.Context) ([]model.PendingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	ops := make([]model.PendingOperation, 0, len(s.pending))
	for _, op := range s.pending {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Timestamp.Equal(ops[j].Timestamp) {
			return ops[i].Address < ops[j].Address
		}
		return ops[i].Timestamp.Before(ops[j].Timestamp)
	})
	return ops, nil
}

// SaveLink inserts or replaces the linked cell for link.LocalAddress.
func (s *MemoryStore) SaveLink(_ context.Context, link model.LinkedCell) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.links[link.LocalAddress] = link
	return nil
}

// DeleteLink removes the linked cell for localAddress.
func (s *MemoryStore) DeleteLink(_ context.Context, localAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	delete(s.links, localAddress)
	return nil
}

// ListLinks returns every linked cell ordered by local address.
func (s *MemoryStore) ListLinks(_ context.Context) ([]model.LinkedCell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	links := make([]model.LinkedCell, 0, len(s.links))
	for _, link := range s.links {
		links = append(links, link)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].LocalAddress < links[j].LocalAddress })
	return links, nil
}

// PutCached inserts or replaces a cache entry.
func (s *MemoryStore) PutCached(_ context.Context, value model.CachedValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.cache[cacheKey{value.Scope, value.Reference}] = value
	return nil
}

// GetCached returns the cache entry for (scope, reference).
func (s *MemoryStore) GetCached(_ context.Context, scope, reference string) (*model.CachedValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	value, ok := s.cache[cacheKey{scope, reference}]
	if !ok {
		return nil, ErrNotFound
	}
	return &value, nil
}

// Clear removes everything.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.pending = make(map[string]model.PendingOperation)
	s.links = make(map[string]model.LinkedCell)
	s.cache = make(map[cacheKey]model.CachedValue)
	return nil
}

// Close marks the store closed. Further calls return ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
