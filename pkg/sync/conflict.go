package sync

import (
	"context"
	"sync/atomic"

	"github.com/Veraticus/cellsync/pkg/model"
)

// Resolution is the outcome of a conflict check.
type Resolution int

const (
	// Accept means the incoming remote operation wins and is applied.
	Accept Resolution = iota
	// Reject means the pending local operation wins.
	Reject
)

// String returns the string representation of the resolution
func (r Resolution) String() string {
	switch r {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Resolve decides between a pending local operation (nil when none exists)
// and an incoming remote operation for the same address. The incoming
// operation is accepted iff its timestamp is strictly after the pending one.
// Equal timestamps keep the local operation.
func Resolve(pending *model.PendingOperation, incoming model.PendingOperation) Resolution {
	if pending == nil {
		return Accept
	}
	if incoming.Timestamp.After(pending.Timestamp) {
		return Accept
	}
	return Reject
}

// resolveIncoming applies Resolve against the queue and, on Accept, discards
// the losing local operation from memory and the store. If a newer local
// write replaces the pending operation during the discard, it is resolved
// again against that write.
func (e *Engine) resolveIncoming(ctx context.Context, incoming model.PendingOperation) (Resolution, error) {
	for {
		entry, ok := e.queue.get(incoming.Address)
		if !ok {
			return Accept, nil
		}

		if Resolve(&entry.op, incoming) == Reject {
			e.logger.Debug("remote operation lost to pending local operation",
				"address", incoming.Address,
				"remote_time", incoming.Timestamp,
				"local_time", entry.op.Timestamp,
			)
			return Reject, nil
		}

		discarded, err := e.queue.discard(ctx, incoming.Address, entry.seq)
		if err != nil {
			return Accept, err
		}
		if discarded {
			atomic.AddUint64(&e.stats.ConflictsLost, 1)
			e.logger.Info("discarded pending local operation superseded by remote",
				"address", incoming.Address,
				"remote_time", incoming.Timestamp,
				"local_time", entry.op.Timestamp,
			)
			return Accept, nil
		}
	}
}
