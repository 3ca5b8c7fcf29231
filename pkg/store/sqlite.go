package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Veraticus/cellsync/pkg/model"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Added index on pending_operations(timestamp) for ordered replay
const currentSchemaVersion = 1

// timeLayout is fixed width so timestamps sort lexically in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the durable Store backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens a SQLite database at path and applies the
// schema. The database runs in WAL mode with a single connection, since
// SQLite allows one writer at a time.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SavePending inserts or replaces the pending operation for op.Address.
func (s *SQLiteStore) SavePending(ctx context.Context, op model.PendingOperation) error {
	value, err := encodeValue(op.Value)
	if err != nil {
		return fmt.Errorf("save pending: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_operations
		(address, kind, value, formula, timestamp, origin_id, model_path, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			kind = excluded.kind,
			value = excluded.value,
			formula = excluded.formula,
			timestamp = excluded.timestamp,
			origin_id = excluded.origin_id,
			model_path = excluded.model_path,
			retry_count = excluded.retry_count
	`,
		op.Address,
		string(op.Kind),
		value,
		op.Formula,
		formatTime(op.Timestamp),
		op.OriginID,
		op.ModelPath,
		op.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("save pending: %w", err)
	}
	return nil
}

// DeletePending removes the pending operation for address.
func (s *SQLiteStore) DeletePending(ctx context.Context, address string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE address = ?`, address); err != nil {
		return fmt.Errorf("delete pending: %w", err)
	}
	return nil
}

// RetirePending removes the pending operation and writes the cache update in
// one transaction.
func (s *SQLiteStore) RetirePending(ctx context.Context, address string, update *model.CachedValue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("retire pending: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_operations WHERE address = ?`, address); err != nil {
		return fmt.Errorf("retire pending: %w", err)
	}

	if update != nil {
		if err := putCached(ctx, tx, *update); err != nil {
			return fmt.Errorf("retire pending: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("retire pending: commit: %w", err)
	}
	return nil
}

// ListPending returns every pending operation ordered by timestamp.
func (s *SQLiteStore) ListPending(ctx context.Context) ([]model.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, kind, value, formula, timestamp, origin_id, model_path, retry_count
		FROM pending_operations
		ORDER BY timestamp, address
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ops []model.PendingOperation
	for rows.Next() {
		var (
			op        model.PendingOperation
			kind      string
			value     sql.NullString
			timestamp string
		)
		if err := rows.Scan(&op.Address, &kind, &value, &op.Formula, &timestamp, &op.OriginID, &op.ModelPath, &op.RetryCount); err != nil {
			return nil, fmt.Errorf("list pending: scan: %w", err)
		}
		op.Kind = model.OperationKind(kind)
		if op.Value, err = decodeValue(value); err != nil {
			return nil, fmt.Errorf("list pending: %s: %w", op.Address, err)
		}
		if op.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, fmt.Errorf("list pending: %s: %w", op.Address, err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return ops, nil
}

// SaveLink inserts or replaces the linked cell for link.LocalAddress.
func (s *SQLiteStore) SaveLink(ctx context.Context, link model.LinkedCell) error {
	value, err := encodeValue(link.LastValue)
	if err != nil {
		return fmt.Errorf("save link: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO linked_cells
		(local_address, model_path, remote_reference, last_synced_at, last_value, direction)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_address) DO UPDATE SET
			model_path = excluded.model_path,
			remote_reference = excluded.remote_reference,
			last_synced_at = excluded.last_synced_at,
			last_value = excluded.last_value,
			direction = excluded.direction
	`,
		link.LocalAddress,
		link.ModelPath,
		link.RemoteReference,
		formatTime(link.LastSyncedAt),
		value,
		string(link.Direction),
	)
	if err != nil {
		return fmt.Errorf("save link: %w", err)
	}
	return nil
}

// DeleteLink removes the linked cell for localAddress.
func (s *SQLiteStore) DeleteLink(ctx context.Context, localAddress string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM linked_cells WHERE local_address = ?`, localAddress); err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	return nil
}

// ListLinks returns every linked cell ordered by local address.
func (s *SQLiteStore) ListLinks(ctx context.Context) ([]model.LinkedCell, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_address, model_path, remote_reference, last_synced_at, last_value, direction
		FROM linked_cells
		ORDER BY local_address
	`)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var links []model.LinkedCell
	for rows.Next() {
		var (
			link      model.LinkedCell
			syncedAt  string
			value     sql.NullString
			direction string
		)
		if err := rows.Scan(&link.LocalAddress, &link.ModelPath, &link.RemoteReference, &syncedAt, &value, &direction); err != nil {
			return nil, fmt.Errorf("list links: scan: %w", err)
		}
		link.Direction = model.Direction(direction)
		if link.LastValue, err = decodeValue(value); err != nil {
			return nil, fmt.Errorf("list links: %s: %w", link.LocalAddress, err)
		}
		if link.LastSyncedAt, err = parseTime(syncedAt); err != nil {
			return nil, fmt.Errorf("list links: %s: %w", link.LocalAddress, err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return links, nil
}

// PutCached inserts or replaces a cache entry.
func (s *SQLiteStore) PutCached(ctx context.Context, value model.CachedValue) error {
	if err := putCached(ctx, s.db, value); err != nil {
		return fmt.Errorf("put cached: %w", err)
	}
	return nil
}

// GetCached returns the cache entry for (scope, reference) or ErrNotFound.
func (s *SQLiteStore) GetCached(ctx context.Context, scope, reference string) (*model.CachedValue, error) {
	var (
		value    sql.NullString
		cachedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT value, cached_at FROM cached_values WHERE scope = ? AND reference = ?
	`, scope, reference).Scan(&value, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cached: %w", err)
	}

	cached := &model.CachedValue{Scope: scope, Reference: reference}
	if cached.Value, err = decodeValue(value); err != nil {
		return nil, fmt.Errorf("get cached: %w", err)
	}
	if cached.CachedAt, err = parseTime(cachedAt); err != nil {
		return nil, fmt.Errorf("get cached: %w", err)
	}
	return cached, nil
}

// Clear removes all pending operations, linked cells and cache entries.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clear: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"pending_operations", "linked_cells", "cached_values"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("clear: commit: %w", err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putCached(ctx context.Context, db execer, value model.CachedValue) error {
	encoded, err := encodeValue(value.Value)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO cached_values (scope, reference, value, cached_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, reference) DO UPDATE SET
			value = excluded.value,
			cached_at = excluded.cached_at
	`, value.Scope, value.Reference, encoded, formatTime(value.CachedAt))
	return err
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if _, err := db.Exec(`
			CREATE INDEX IF NOT EXISTS idx_pending_timestamp
			ON pending_operations(timestamp)
		`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// encodeValue stores scalar values as JSON text; nil becomes SQL NULL.
func encodeValue(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode value: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeValue(s sql.NullString) (any, error) {
	if !s.Valid {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
