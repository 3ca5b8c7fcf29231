// Package model defines the records shared by every layer of cellsync: the
// pending local mutations waiting for the service, the linked cells that bind a
// spreadsheet address to a remote model location, the read-through cache
// entries, and the addressable live feeds.
//
// The types are plain data. Persistence lives in the store package, wire
// encoding in the remote and transport packages, and all behavior in sync.
package model

import (
	"fmt"
	"strings"
	"time"
)

// OperationKind identifies what a pending operation does to its address.
type OperationKind string

const (
	// OperationUpdate overwrites the value or formula of an existing cell.
	OperationUpdate OperationKind = "update"
	// OperationDelete clears a cell.
	OperationDelete OperationKind = "delete"
	// OperationInsert creates a cell that did not exist remotely.
	OperationInsert OperationKind = "insert"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OperationUpdate, OperationDelete, OperationInsert:
		return true
	default:
		return false
	}
}

// Direction describes which way a linked cell flows.
type Direction string

const (
	// Bidirectional links pull remote values and push local edits.
	Bidirectional Direction = "bidirectional"
	// Pull links only read from the service.
	Pull Direction = "pull"
	// Push links only write to the service.
	Push Direction = "push"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case Bidirectional, Pull, Push:
		return true
	default:
		return false
	}
}

// Pulls reports whether refreshes should read this link from the service.
func (d Direction) Pulls() bool {
	return d == Bidirectional || d == Pull
}

// PendingOperation is a locally authored mutation that the service has not
// acknowledged yet. Within a queue it is identified by Address alone: a newer
// write to the same address replaces an older unsent one.
//
// The same shape is used for remote operations arriving over the live
// channel, in which case RetryCount is always zero.
type PendingOperation struct {
	Timestamp  time.Time     `json:"timestamp"`
	Value      any           `json:"value,omitempty"`
	Kind       OperationKind `json:"kind"`
	Address    string        `json:"address"`
	Formula    string        `json:"formula,omitempty"`
	OriginID   string        `json:"originId"`
	ModelPath  string        `json:"modelPath,omitempty"`
	RetryCount int           `json:"retryCount"`
}

// Validate checks the fields every operation must carry.
func (op *PendingOperation) Validate() error {
	if op.Address == "" {
		return fmt.Errorf("operation address is required")
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("invalid operation kind: %q", op.Kind)
	}
	return nil
}

// LinkedCell is a standing binding between a local spreadsheet address and a
// remote model location.
type LinkedCell struct {
	LastSyncedAt    time.Time `json:"lastSyncedAt"`
	LastValue       any       `json:"lastValue,omitempty"`
	LocalAddress    string    `json:"localAddress"`
	ModelPath       string    `json:"modelPath"`
	RemoteReference string    `json:"remoteReference"`
	Direction       Direction `json:"direction"`
}

// CachedValue is a read-through cache entry. Scope is a model path, or one of
// the derived scopes built by ScenarioScope, AuditScope and CommentsScope.
type CachedValue struct {
	CachedAt  time.Time `json:"cachedAt"`
	Value     any       `json:"value"`
	Scope     string    `json:"scope"`
	Reference string    `json:"reference"`
}

// DefaultScope is used for cache entries written by operations that carry no
// model path.
const DefaultScope = "default"

// ScenarioScope returns the cache scope for a named scenario.
func ScenarioScope(name string) string {
	return "scenario:" + name
}

// AuditScope returns the cache scope for audit lookups of one field.
func AuditScope(field string) string {
	return "audit:" + field
}

// CommentsScope is the cache scope for latest-comment lookups.
const CommentsScope = "comments"

// ScopeFor returns the cache scope an operation on modelPath writes to.
func ScopeFor(modelPath string) string {
	if modelPath == "" {
		return DefaultScope
	}
	return modelPath
}

// Feed addresses one live data stream on the service.
type Feed struct {
	Source string `json:"source"`
	ID     string `json:"id"`
	Field  string `json:"field"`
}

// Key returns the composite identity of the feed, "source:id:field".
func (f Feed) Key() string {
	return strings.Join([]string{f.Source, f.ID, f.Field}, ":")
}

// Validate checks that the feed is addressable.
func (f Feed) Validate() error {
	if f.Source == "" || f.ID == "" {
		return fmt.Errorf("feed source and id are required")
	}
	return nil
}
