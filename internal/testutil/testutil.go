package testutil

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/loomhq/loom/internal/state"
)

// OpenTestDB opens a migrated sqlite database under the test's temp dir.
// The connection closes via t.Cleanup.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := state.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// NewTestStore opens a fresh database and wraps it in a Store with a fixed
// id sequence so tests get deterministic row ids.
func NewTestStore(t *testing.T) *state.Store {
	t.Helper()
	db := OpenTestDB(t)
	n := 0
	return state.NewStore(db, state.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("testid-%d", n)
	}))
}
