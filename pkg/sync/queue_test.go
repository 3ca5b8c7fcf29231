package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/cellsync/pkg/model"
	"github.com/Veraticus/cellsync/pkg/store"
)

func pendingOp(address string, value any, ts time.Time) model.PendingOperation {
	return model.PendingOperation{
		Timestamp: ts,
		Kind:      model.OperationUpdate,
		Address:   address,
		Value:     value,
		OriginID:  "client-a",
	}
}

func noCache(model.PendingOperation) *model.CachedValue { return nil }

func TestOperationQueuePut(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	q := newOperationQueue(st)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, q.put(ctx, pendingOp("B1", 1.0, base.Add(2*time.Second))))
	require.NoError(t, q.put(ctx, pendingOp("A1", 5.0, base)))
	require.NoError(t, q.put(ctx, pendingOp("A1", 7.0, base.Add(3*time.Second))))

	assert.Equal(t, 2, q.len())
	ops := q.operations()
	require.Len(t, ops, 2)
	assert.Equal(t, "B1", ops[0].Address, "ordered by timestamp")
	assert.Equal(t, 7.0, ops[1].Value, "latest write per address")

	persisted, err := st.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)

	t.Run("load rebuilds from store", func(t *testing.T) {
		reloaded := newOperationQueue(st)
		require.NoError(t, reloaded.load(ctx))
		assert.Equal(t, q.operations(), reloaded.operations())
	})

	t.Run("reset empties memory only", func(t *testing.T) {
		other := newOperationQueue(st)
		require.NoError(t, other.load(ctx))
		other.reset()
		assert.Equal(t, 0, other.len())

		persisted, err := st.ListPending(ctx)
		require.NoError(t, err)
		assert.Len(t, persisted, 2)
	})
}

func TestOperationQueueSequences(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("retireIf ignores superseded entry", func(t *testing.T) {
		st := store.NewMemoryStore()
		q := newOperationQueue(st)
		require.NoError(t, q.put(ctx, pendingOp("A1", 5.0, now)))
		sent, _ := q.get("A1")
		require.NoError(t, q.put(ctx, pendingOp("A1", 7.0, now.Add(time.Second))))

		retired, err := q.retireIf(ctx, "A1", sent.seq, &model.CachedValue{Scope: model.DefaultScope, Reference: "A1", Value: 5.0})
		require.NoError(t, err)
		assert.False(t, retired)

		e, ok := q.get("A1")
		require.True(t, ok)
		assert.Equal(t, 7.0, e.op.Value)
		_, err = st.GetCached(ctx, model.DefaultScope, "A1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("retireIf retires current entry with cache update", func(t *testing.T) {
		st := store.NewMemoryStore()
		q := newOperationQueue(st)
		require.NoError(t, q.put(ctx, pendingOp("A1", 5.0, now)))
		e, _ := q.get("A1")

		retired, err := q.retireIf(ctx, "A1", e.seq, &model.CachedValue{Scope: model.DefaultScope, Reference: "A1", Value: 5.0})
		require.NoError(t, err)
		assert.True(t, retired)
		assert.Equal(t, 0, q.len())

		cached, err := st.GetCached(ctx, model.DefaultScope, "A1")
		require.NoError(t, err)
		assert.Equal(t, 5.0, cached.Value)
	})

	t.Run("retireOlder keeps writes after the mark", func(t *testing.T) {
		st := store.NewMemoryStore()
		q := newOperationQueue(st)
		require.NoError(t, q.put(ctx, pendingOp("A1", 5.0, now)))
		mark := q.seq

		require.NoError(t, q.retireOlder(ctx, "A1", mark, nil))
		assert.Equal(t, 0, q.len())

		mark = q.seq
		require.NoError(t, q.put(ctx, pendingOp("A1", 9.0, now.Add(time.Second))))
		require.NoError(t, q.retireOlder(ctx, "A1", mark, nil))
		assert.Equal(t, 1, q.len())
	})

	t.Run("discard only the expected entry", func(t *testing.T) {
		st := store.NewMemoryStore()
		q := newOperationQueue(st)
		require.NoError(t, q.put(ctx, pendingOp("A1", 5.0, now)))
		old, _ := q.get("A1")
		require.NoError(t, q.put(ctx, pendingOp("A1", 7.0, now.Add(time.Second))))

		dropped, err := q.discard(ctx, "A1", old.seq)
		require.NoError(t, err)
		assert.False(t, dropped)

		current, _ := q.get("A1")
		dropped, err = q.discard(ctx, "A1", current.seq)
		require.NoError(t, err)
		assert.True(t, dropped)

		persisted, err := st.ListPending(ctx)
		require.NoError(t, err)
		assert.Empty(t, persisted)
	})

	t.Run("recordFailure bumps current entry only", func(t *testing.T) {
		st := store.NewMemoryStore()
		q := newOperationQueue(st)
		require.NoError(t, q.put(ctx, pendingOp("A1", 5.0, now)))
		old, _ := q.get("A1")

		require.NoError(t, q.recordFailure(ctx, "A1", old.seq))
		e, _ := q.get("A1")
		assert.Equal(t, 1, e.op.RetryCount)

		require.NoError(t, q.put(ctx, pendingOp("A1", 7.0, now.Add(time.Second))))
		require.NoError(t, q.recordFailure(ctx, "A1", old.seq))
		e, _ = q.get("A1")
		assert.Zero(t, e.op.RetryCount)
	})
}

func TestOperationQueueDrain(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("mixed results", func(t *testing.T) {
		st := store.NewMemoryStore()
		q := newOperationQueue(st)
		require.NoError(t, q.put(ctx, pendingOp("A1", 1.0, now)))
		require.NoError(t, q.put(ctx, pendingOp("B1", 2.0, now.Add(time.Second))))
		require.NoError(t, q.put(ctx, pendingOp("C1", 3.0, now.Add(2*time.Second))))

		var order []string
		send := func(_ context.Context, op model.PendingOperation) error {
			order = append(order, op.Address)
			if op.Address == "B1" {
				return ErrRemoteRejected
			}
			return nil
		}

		result, err := q.drain(ctx, send, func(op model.PendingOperation) *model.CachedValue {
			return cacheUpdateFor(op, now)
		})
		require.NoError(t, err)
		assert.Equal(t, DrainResult{Success: 2, Failed: 1}, result)
		assert.Equal(t, []string{"A1", "B1", "C1"}, order)

		ops := q.operations()
		require.Len(t, ops, 1)
		assert.Equal(t, "B1", ops[0].Address)
		assert.Equal(t, 1, ops[0].RetryCount)

		cached, err := st.GetCached(ctx, model.DefaultScope, "C1")
		require.NoError(t, err)
		assert.Equal(t, 3.0, cached.Value)
	})

	t.Run("cancelled context stops", func(t *testing.T) {
		q := newOperationQueue(store.NewMemoryStore())
		require.NoError(t, q.put(ctx, pendingOp("A1", 1.0, now)))

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := q.drain(cctx, func(context.Context, model.PendingOperation) error { return nil }, noCache)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, q.len())
	})

	t.Run("store failure aborts", func(t *testing.T) {
		st := store.NewMemoryStore()
		q := newOperationQueue(st)
		require.NoError(t, q.put(ctx, pendingOp("A1", 1.0, now)))
		require.NoError(t, st.Close())

		_, err := q.drain(ctx, func(context.Context, model.PendingOperation) error {
			return errors.New("down")
		}, noCache)
		assert.ErrorIs(t, err, store.ErrClosed)
	})

	t.Run("waiter shares running drain", func(t *testing.T) {
		q := newOperationQueue(store.NewMemoryStore())
		require.NoError(t, q.put(ctx, pendingOp("A1", 1.0, now)))

		entered := make(chan struct{})
		release := make(chan struct{})
		calls := 0
		send := func(context.Context, model.PendingOperation) error {
			calls++
			close(entered)
			<-release
			return nil
		}

		first := make(chan DrainResult, 1)
		go func() {
			result, _ := q.drain(ctx, send, noCache)
			first <- result
		}()
		<-entered

		second := make(chan DrainResult, 1)
		go func() {
			result, _ := q.drain(ctx, send, noCache)
			second <- result
		}()
		time.Sleep(20 * time.Millisecond)
		close(release)

		assert.Equal(t, DrainResult{Success: 1}, <-first)
		assert.Equal(t, DrainResult{Success: 1}, <-second)
		assert.Equal(t, 1, calls)
	})

	t.Run("waiter gives up on its own context", func(t *testing.T) {
		q := newOperationQueue(store.NewMemoryStore())
		require.NoError(t, q.put(ctx, pendingOp("A1", 1.0, now)))

		entered := make(chan struct{})
		release := make(chan struct{})
		defer close(release)
		go func() {
			_, _ = q.drain(ctx, func(context.Context, model.PendingOperation) error {
				close(entered)
				<-release
				return nil
			}, noCache)
		}()
		<-entered

		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err := q.drain(cctx, func(context.Context, model.PendingOperation) error { return nil }, noCache)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestOperationQueueInFlight(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("idle address only", func(t *testing.T) {
		q := newOperationQueue(store.NewMemoryStore())
		require.NoError(t, q.put(ctx, pendingOp("A1", 1.0, now)))

		_, idle := q.acquireIdle("A1")
		assert.False(t, idle, "pending address is not idle")
		mark, idle := q.acquireIdle("B1")
		assert.True(t, idle)
		assert.Equal(t, q.seq, mark)
		_, idle = q.acquireIdle("B1")
		assert.False(t, idle, "in flight address is not idle")
		assert.False(t, q.acquire("B1"))

		_, pending := q.release("B1")
		assert.False(t, pending)
		assert.True(t, q.acquire("B1"))
	})

	t.Run("release reports what was queued meanwhile", func(t *testing.T) {
		q := newOperationQueue(store.NewMemoryStore())
		mark, idle := q.acquireIdle("A1")
		require.True(t, idle)
		require.NoError(t, q.put(ctx, pendingOp("A1", 7.0, now)))

		e, ok := q.release("A1")
		require.True(t, ok)
		assert.Equal(t, 7.0, e.op.Value)
		assert.Greater(t, e.seq, mark)
	})

	t.Run("put if absent keeps the newer entry", func(t *testing.T) {
		st := store.NewMemoryStore()
		q := newOperationQueue(st)

		seq, queued, err := q.putIfAbsent(ctx, pendingOp("A1", 5.0, now))
		require.NoError(t, err)
		require.True(t, queued)
		e, _ := q.get("A1")
		assert.Equal(t, seq, e.seq)

		_, queued, err = q.putIfAbsent(ctx, pendingOp("A1", 3.0, now.Add(-time.Second)))
		require.NoError(t, err)
		assert.False(t, queued)

		persisted, err := st.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, persisted, 1)
		assert.Equal(t, 5.0, persisted[0].Value)
	})

	t.Run("drain skips an address in flight", func(t *testing.T) {
		q := newOperationQueue(store.NewMemoryStore())
		require.NoError(t, q.put(ctx, pendingOp("A1", 1.0, now)))
		require.NoError(t, q.put(ctx, pendingOp("B1", 2.0, now.Add(time.Second))))
		require.True(t, q.acquire("A1"))

		var sent []string
		result, err := q.drain(ctx, func(_ context.Context, op model.PendingOperation) error {
			sent = append(sent, op.Address)
			return nil
		}, noCache)
		require.NoError(t, err)
		assert.Equal(t, DrainResult{Success: 1}, result)
		assert.Equal(t, []string{"B1"}, sent)
		assert.Equal(t, 1, q.len())

		q.release("A1")
		result, err = q.drain(ctx, func(context.Context, model.PendingOperation) error { return nil }, noCache)
		require.NoError(t, err)
		assert.Equal(t, DrainResult{Success: 1}, result)
		assert.Zero(t, q.len())
	})

	t.Run("fresh drain runs after the running one", func(t *testing.T) {
		q := newOperationQueue(store.NewMemoryStore())
		require.NoError(t, q.put(ctx, pendingOp("A1", 5.0, now)))

		entered := make(chan struct{})
		release := make(chan struct{})
		var mu sync.Mutex
		var values []any
		send := func(_ context.Context, op model.PendingOperation) error {
			mu.Lock()
			values = append(values, op.Value)
			first := len(values) == 1
			mu.Unlock()
			if first {
				close(entered)
				<-release
			}
			return nil
		}

		done := make(chan struct{})
		go func() {
			_, _ = q.drain(ctx, send, noCache)
			close(done)
		}()
		<-entered

		require.NoError(t, q.put(ctx, pendingOp("A1", 7.0, now.Add(time.Second))))
		fresh := make(chan DrainResult, 1)
		go func() {
			result, _ := q.drainFresh(ctx, send, noCache)
			fresh <- result
		}()
		close(release)
		<-done

		assert.Equal(t, DrainResult{Success: 1}, <-fresh)
		mu.Lock()
		assert.Equal(t, []any{5.0, 7.0}, values)
		mu.Unlock()
		assert.Zero(t, q.len())
	})
}
