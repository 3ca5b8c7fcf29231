// Package testutil provides common test utilities for the cellsync project.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// SocketPath creates a short socket path to avoid macOS path length limits.
// macOS has a 104 character limit for Unix domain socket paths, while Linux has 108.
func SocketPath(t *testing.T) string {
	t.Helper()

	name := fmt.Sprintf("cs-%d-%d.sock", os.Getpid(), time.Now().UnixNano()%100000)
	path := filepath.Join("/tmp", name)

	t.Cleanup(func() {
		_ = os.Remove(path)
	})

	return path
}

// TempDB returns a path for a throwaway SQLite database inside t.TempDir.
func TempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "cellsync.db")
}
