package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/cellsync/pkg/model"
	"github.com/Veraticus/cellsync/pkg/store"
)

func TestReadThrough(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	errDown := errors.New("dial tcp: connection refused")

	newReader := func(online bool) (*readThrough, *store.MemoryStore, *int) {
		st := store.NewMemoryStore()
		fallbacks := 0
		return &readThrough{
			store:    st,
			online:   func() bool { return online },
			now:      func() time.Time { return now },
			logger:   newTestLogger(),
			fallback: func() { fallbacks++ },
		}, st, &fallbacks
	}

	network := func(value any, err error) func(context.Context) (any, error) {
		return func(context.Context) (any, error) { return value, err }
	}

	tests := []struct {
		name          string
		online        bool
		seed          any
		netValue      any
		netErr        error
		wantValue     any
		wantCached    bool
		wantErr       error
		wantFallbacks int
	}{
		{name: "online success", online: true, netValue: 2.0, wantValue: 2.0},
		{name: "online success overwrites cache", online: true, seed: 1.0, netValue: 2.0, wantValue: 2.0},
		{name: "online failure falls back", online: true, seed: 1.0, netErr: errDown, wantValue: 1.0, wantCached: true, wantFallbacks: 1},
		{name: "online failure without cache", online: true, netErr: errDown, wantErr: errDown},
		{name: "offline with cache", seed: 1.0, netValue: 2.0, wantValue: 1.0, wantCached: true},
		{name: "offline without cache", netValue: 2.0, wantErr: ErrNoCachedValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, st, fallbacks := newReader(tt.online)
			if tt.seed != nil {
				require.NoError(t, st.PutCached(ctx, model.CachedValue{Scope: "models/plan", Reference: "Revenue", Value: tt.seed}))
			}

			value, cached, err := r.fetch(ctx, "models/plan", "Revenue", network(tt.netValue, tt.netErr))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantValue, value)
			assert.Equal(t, tt.wantCached, cached)
			assert.Equal(t, tt.wantFallbacks, *fallbacks)

			entry, err := st.GetCached(ctx, "models/plan", "Revenue")
			require.NoError(t, err)
			assert.Equal(t, tt.wantValue, entry.Value)
		})
	}

	t.Run("offline never calls network", func(t *testing.T) {
		r, _, _ := newReader(false)
		called := false
		_, _, _ = r.fetch(ctx, "s", "r", func(context.Context) (any, error) {
			called = true
			return nil, nil
		})
		assert.False(t, called)
	})

	t.Run("write-through stamps time", func(t *testing.T) {
		r, st, _ := newReader(true)
		_, _, err := r.fetch(ctx, "s", "r", network("v", nil))
		require.NoError(t, err)

		entry, err := st.GetCached(ctx, "s", "r")
		require.NoError(t, err)
		assert.Equal(t, now, entry.CachedAt)
	})

	t.Run("store failure is not a miss", func(t *testing.T) {
		r, st, _ := newReader(false)
		require.NoError(t, st.Close())
		_, _, err := r.fetch(ctx, "s", "r", network(nil, nil))
		assert.ErrorIs(t, err, store.ErrClosed)
		assert.NotErrorIs(t, err, ErrNoCachedValue)
	})
}
