package db

import (
	"context"
	"path/filepath"
	"testing"
)

// OpenTestSQLite opens a migrated status store in t.TempDir() and closes it
// on cleanup.
func OpenTestSQLite(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "status.sqlite"))
	if err != nil {
		t.Fatalf("open test sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
