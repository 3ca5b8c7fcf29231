package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Veraticus/cellsync/pkg/model"
	"github.com/Veraticus/cellsync/pkg/store"
)

// queueEntry is a pending operation plus the sequence number it was queued
// under. A later write to the same address gets a higher sequence, so a
// drain can tell whether the operation it sent is still the one queued.
type queueEntry struct {
	op  model.PendingOperation
	seq uint64
}

// operationQueue holds at most one pending operation per address, mirrored
// in the store. It also tracks which addresses have a send in flight; at most
// one send per address is outstanding, so the service receives writes to an
// address in the order they were made.
//
// Lock order: writeMu, then mu. writeMu serializes store writes with the
// matching in-memory update so both always agree on the latest operation.
// mu is never held across a store call.
type operationQueue struct {
	store store.Store

	writeMu sync.Mutex

	mu       sync.Mutex
	ops      map[string]queueEntry
	inflight map[string]struct{}
	seq      uint64

	drainMu sync.Mutex
	running *drainCall
}

// drainCall is one in-progress drain that concurrent callers wait on.
type drainCall struct {
	done   chan struct{}
	err    error
	result DrainResult
}

func newOperationQueue(st store.Store) *operationQueue {
	return &operationQueue{
		store:    st,
		ops:      make(map[string]queueEntry),
		inflight: make(map[string]struct{}),
	}
}

// load replaces the in-memory queue with the store's contents.
func (q *operationQueue) load(ctx context.Context) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	ops, err := q.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending operations: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = make(map[string]queueEntry, len(ops))
	for _, op := range ops {
		q.seq++
		q.ops[op.Address] = queueEntry{op: op, seq: q.seq}
	}
	return nil
}

// put persists op and makes it the pending operation for its address,
// replacing any older one.
func (q *operationQueue) put(ctx context.Context, op model.PendingOperation) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	if err := q.store.SavePending(ctx, op); err != nil {
		return fmt.Errorf("failed to persist operation: %w", err)
	}

	q.mu.Lock()
	q.seq++
	q.ops[op.Address] = queueEntry{op: op, seq: q.seq}
	q.mu.Unlock()
	return nil
}

// putIfAbsent persists op only when nothing is pending for its address. It
// returns the sequence op was queued under and whether it was queued.
func (q *operationQueue) putIfAbsent(ctx context.Context, op model.PendingOperation) (uint64, bool, error) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	if _, ok := q.get(op.Address); ok {
		return 0, false, nil
	}
	if err := q.store.SavePending(ctx, op); err != nil {
		return 0, false, fmt.Errorf("failed to persist operation: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.ops[op.Address] = queueEntry{op: op, seq: q.seq}
	return q.seq, true, nil
}

// acquireIdle marks address in flight when nothing is pending or in flight
// for it, and returns the sequence mark taken at that moment. A false return
// means the caller must queue instead of sending.
func (q *operationQueue) acquireIdle(address string) (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.ops[address]; ok {
		return 0, false
	}
	if _, ok := q.inflight[address]; ok {
		return 0, false
	}
	q.inflight[address] = struct{}{}
	return q.seq, true
}

// acquire marks address in flight unless a send for it already is.
func (q *operationQueue) acquire(address string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[address]; ok {
		return false
	}
	q.inflight[address] = struct{}{}
	return true
}

// release clears the in-flight mark of address and returns whatever is
// pending for it now.
func (q *operationQueue) release(address string) (queueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, address)
	e, ok := q.ops[address]
	return e, ok
}

// get returns the pending entry for address.
func (q *operationQueue) get(address string) (queueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.ops[address]
	return e, ok
}

// retireIf removes the entry for address only if it is still the one queued
// under seq, writing update to the cache in the same store transaction. It
// reports whether the entry was retired.
func (q *operationQueue) retireIf(ctx context.Context, address string, seq uint64, update *model.CachedValue) (bool, error) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	if e, ok := q.get(address); !ok || e.seq != seq {
		return false, nil
	}

	if err := q.store.RetirePending(ctx, address, update); err != nil {
		return false, fmt.Errorf("failed to retire operation: %w", err)
	}

	q.mu.Lock()
	delete(q.ops, address)
	q.mu.Unlock()
	return true, nil
}

// retireOlder retires whatever is pending for address if it was queued at or
// before mark, and writes update to the cache. When a newer operation was
// queued after mark it is left alone and the cache is not touched.
func (q *operationQueue) retireOlder(ctx context.Context, address string, mark uint64, update *model.CachedValue) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	e, ok := q.get(address)
	if ok && e.seq > mark {
		return nil
	}

	if err := q.store.RetirePending(ctx, address, update); err != nil {
		return fmt.Errorf("failed to retire operation: %w", err)
	}

	if ok {
		q.mu.Lock()
		delete(q.ops, address)
		q.mu.Unlock()
	}
	return nil
}

// discard drops the entry for address if it is still the one queued under
// seq. It reports whether the entry was dropped.
func (q *operationQueue) discard(ctx context.Context, address string, seq uint64) (bool, error) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	if e, ok := q.get(address); !ok || e.seq != seq {
		return false, nil
	}

	if err := q.store.DeletePending(ctx, address); err != nil {
		return false, fmt.Errorf("failed to discard operation: %w", err)
	}

	q.mu.Lock()
	delete(q.ops, address)
	q.mu.Unlock()
	return true, nil
}

// recordFailure increments and persists the retry count of the entry queued
// under seq. Superseded or discarded entries are left alone.
func (q *operationQueue) recordFailure(ctx context.Context, address string, seq uint64) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	e, ok := q.get(address)
	if !ok || e.seq != seq {
		return nil
	}

	e.op.RetryCount++
	if err := q.store.SavePending(ctx, e.op); err != nil {
		return fmt.Errorf("failed to persist retry count: %w", err)
	}

	q.mu.Lock()
	q.ops[address] = e
	q.mu.Unlock()
	return nil
}

// snapshot returns the queued entries ordered by timestamp.
func (q *operationQueue) snapshot() []queueEntry {
	q.mu.Lock()
	entries := make([]queueEntry, 0, len(q.ops))
	for _, e := range q.ops {
		entries = append(entries, e)
	}
	q.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].op.Timestamp.Equal(entries[j].op.Timestamp) {
			return entries[i].op.Address < entries[j].op.Address
		}
		return entries[i].op.Timestamp.Before(entries[j].op.Timestamp)
	})
	return entries
}

// operations returns copies of the queued operations ordered by timestamp.
func (q *operationQueue) operations() []model.PendingOperation {
	entries := q.snapshot()
	ops := make([]model.PendingOperation, len(entries))
	for i, e := range entries {
		ops[i] = e.op
	}
	return ops
}

// len returns the number of pending operations.
func (q *operationQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// reset empties the in-memory queue. The caller clears the store.
func (q *operationQueue) reset() {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	q.mu.Lock()
	q.ops = make(map[string]queueEntry)
	q.mu.Unlock()
}

// sendFunc pushes one operation to the service.
type sendFunc func(ctx context.Context, op model.PendingOperation) error

// cacheFunc returns the cache write that goes with retiring op.
type cacheFunc func(op model.PendingOperation) *model.CachedValue

// drain sends every queued operation. Acknowledged operations are retired
// together with their cache update; failures bump the retry count. A drain
// requested while another is running waits for it and returns its result.
// Addresses with a send already in flight are skipped.
func (q *operationQueue) drain(ctx context.Context, send sendFunc, cacheFor cacheFunc) (DrainResult, error) {
	q.drainMu.Lock()
	if call := q.running; call != nil {
		q.drainMu.Unlock()
		select {
		case <-call.done:
			return call.result, call.err
		case <-ctx.Done():
			return DrainResult{}, ctx.Err()
		}
	}
	call := &drainCall{done: make(chan struct{})}
	q.running = call
	q.drainMu.Unlock()

	call.result, call.err = q.drainOnce(ctx, send, cacheFor)

	q.drainMu.Lock()
	q.running = nil
	q.drainMu.Unlock()
	close(call.done)

	return call.result, call.err
}

// drainFresh drains with a pass that starts after the call. A running drain
// may have taken its snapshot before the caller queued something, so it is
// waited out rather than joined.
func (q *operationQueue) drainFresh(ctx context.Context, send sendFunc, cacheFor cacheFunc) (DrainResult, error) {
	q.drainMu.Lock()
	call := q.running
	q.drainMu.Unlock()

	if call != nil {
		select {
		case <-call.done:
		case <-ctx.Done():
			return DrainResult{}, ctx.Err()
		}
	}
	return q.drain(ctx, send, cacheFor)
}

func (q *operationQueue) drainOnce(ctx context.Context, send sendFunc, cacheFor cacheFunc) (DrainResult, error) {
	var result DrainResult
	for _, e := range q.snapshot() {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := q.drainEntry(ctx, e.op.Address, send, cacheFor, &result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// drainEntry sends whatever is pending for address unless a send for it is
// already in flight.
func (q *operationQueue) drainEntry(ctx context.Context, address string, send sendFunc, cacheFor cacheFunc, result *DrainResult) error {
	if !q.acquire(address) {
		return nil
	}
	defer q.release(address)

	e, ok := q.get(address)
	if !ok {
		return nil
	}

	if err := send(ctx, e.op); err != nil {
		result.Failed++
		return q.recordFailure(ctx, address, e.seq)
	}

	result.Success++
	_, err := q.retireIf(ctx, address, e.seq, cacheFor(e.op))
	return err
}
