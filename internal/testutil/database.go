package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"rostersync/internal/database"
	"rostersync/internal/roster"
)

// RosterSchema is a small scheduling schema: two syncable tables (time_off is
// additive) and one configuration table without sync columns.
const RosterSchema = `
CREATE TABLE person (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sync_id TEXT UNIQUE,
    name TEXT,
    phone TEXT,
    modified_at TEXT,
    modified_by TEXT,
    deleted_at TEXT
);
CREATE TABLE time_off (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sync_id TEXT UNIQUE,
    person_sync_id TEXT,
    day TEXT,
    modified_at TEXT,
    modified_by TEXT,
    deleted_at TEXT
);
CREATE TABLE settings (key TEXT PRIMARY KEY, value TEXT);
`

// NewRosterDB creates a SQLite file at path with RosterSchema applied.
// The database is automatically closed when the test completes.
func NewRosterDB(t *testing.T, path string) *database.SnapshotDB {
	t.Helper()

	db, err := database.OpenSnapshot(path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := db.DB().Exec(RosterSchema); err != nil {
		db.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// NewTempRosterDB creates a roster database in a fresh temp directory.
func NewTempRosterDB(t *testing.T) *database.SnapshotDB {
	t.Helper()
	return NewRosterDB(t, filepath.Join(t.TempDir(), "roster.db"))
}

// NewTestStateDB creates a new in-memory state database with migrations applied.
// The database is automatically closed when the test completes.
func NewTestStateDB(t *testing.T) *database.StateDB {
	t.Helper()

	db, err := database.NewStateDB(":memory:")
	if err != nil {
		t.Fatalf("failed to create state database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// Person builds a person row.
func Person(syncID, name, phone string, modifiedAt time.Time, by string) roster.Row {
	return roster.Row{
		roster.ColSyncID:     syncID,
		"name":               name,
		"phone":              phone,
		roster.ColModifiedAt: roster.FormatTimestamp(modifiedAt),
		roster.ColModifiedBy: by,
		roster.ColDeletedAt:  nil,
	}
}

// TimeOff builds a time_off row.
func TimeOff(syncID, personSyncID, day string, modifiedAt time.Time, by string) roster.Row {
	return roster.Row{
		roster.ColSyncID:     syncID,
		"person_sync_id":     personSyncID,
		"day":                day,
		roster.ColModifiedAt: roster.FormatTimestamp(modifiedAt),
		roster.ColModifiedBy: by,
		roster.ColDeletedAt:  nil,
	}
}

// MustUpsert writes rows into table, failing the test on error.
func MustUpsert(t *testing.T, db roster.Database, table string, rows ...roster.Row) {
	t.Helper()
	for _, r := range rows {
		if err := db.UpsertRow(table, r); err != nil {
			t.Fatalf("UpsertRow(%s, %s) error = %v", table, r.SyncID(), err)
		}
	}
}

// MustReadRow reads a row, failing the test on error.
func MustReadRow(t *testing.T, db roster.Database, table, syncID string) roster.Row {
	t.Helper()
	row, err := db.ReadRow(table, syncID)
	if err != nil {
		t.Fatalf("ReadRow(%s, %s) error = %v", table, syncID, err)
	}
	return row
}
