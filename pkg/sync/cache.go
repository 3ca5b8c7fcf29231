package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/cellsync/pkg/model"
	"github.com/Veraticus/cellsync/pkg/store"
)

// readThrough serves point reads network-first with the store as fallback.
type readThrough struct {
	store    store.Store
	online   func() bool
	now      func() time.Time
	logger   Logger
	fallback func()
}

// fetch reads (scope, reference). Offline it answers from the cache or
// fails with ErrNoCachedValue. Online it calls network, writes a success
// through to the cache, and on failure answers from the cache or returns the
// network error. cached reports whether the value came from the cache.
func (r *readThrough) fetch(ctx context.Context, scope, reference string, network func(ctx context.Context) (any, error)) (value any, cached bool, err error) {
	if !r.online() {
		value, err := r.cached(ctx, scope, reference)
		if err != nil {
			return nil, false, err
		}
		return value, true, nil
	}

	value, netErr := network(ctx)
	if netErr == nil {
		entry := model.CachedValue{Scope: scope, Reference: reference, Value: value, CachedAt: r.now()}
		if err := r.store.PutCached(ctx, entry); err != nil {
			r.logger.Error("failed to write through to cache", "scope", scope, "reference", reference, "error", err)
		}
		return value, false, nil
	}

	value, err = r.cached(ctx, scope, reference)
	if err != nil {
		return nil, false, netErr
	}
	r.logger.Debug("serving cached value after network failure",
		"scope", scope,
		"reference", reference,
		"error", netErr,
	)
	if r.fallback != nil {
		r.fallback()
	}
	return value, true, nil
}

func (r *readThrough) cached(ctx context.Context, scope, reference string) (any, error) {
	entry, err := r.store.GetCached(ctx, scope, reference)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s %s: %w", scope, reference, ErrNoCachedValue)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}
	return entry.Value, nil
}
