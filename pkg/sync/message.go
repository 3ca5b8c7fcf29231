package sync

import (
	"fmt"
	"time"

	"github.com/Veraticus/cellsync/pkg/model"
)

// CellChange is a local mutation as reported by the spreadsheet. The engine
// stamps it with a timestamp and origin before it becomes a
// model.PendingOperation.
type CellChange struct {
	Value     any                 `json:"value,omitempty"`
	Kind      model.OperationKind `json:"kind"`
	Address   string              `json:"address"`
	Formula   string              `json:"formula,omitempty"`
	ModelPath string              `json:"modelPath,omitempty"`
}

// Validate checks the change before it is stamped.
func (c CellChange) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidOperation)
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: kind %q", ErrInvalidOperation, c.Kind)
	}
	return nil
}

// stamp turns the change into a pending operation originating here.
func (c CellChange) stamp(now time.Time, originID string) model.PendingOperation {
	return model.PendingOperation{
		Timestamp: now,
		Value:     c.Value,
		Kind:      c.Kind,
		Address:   c.Address,
		Formula:   c.Formula,
		OriginID:  originID,
		ModelPath: c.ModelPath,
	}
}

// cacheUpdateFor is the cache entry implied by an acknowledged or accepted
// operation. Deletes cache a nil value.
func cacheUpdateFor(op model.PendingOperation, now time.Time) *model.CachedValue {
	value := op.Value
	if op.Kind == model.OperationDelete {
		value = nil
	}
	return &model.CachedValue{
		Scope:     model.ScopeFor(op.ModelPath),
		Reference: op.Address,
		Value:     value,
		CachedAt:  now,
	}
}

// dedupeKey identifies one remote operation for duplicate detection.
func dedupeKey(op model.PendingOperation) string {
	return op.OriginID + "|" + op.Address + "|" + op.Timestamp.UTC().Format(time.RFC3339Nano)
}
