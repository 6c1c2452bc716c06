package database

import (
	"path/filepath"
	"testing"

	"rostersync/internal/roster"
)

const testSchema = `
CREATE TABLE person (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sync_id TEXT UNIQUE,
    name TEXT,
    phone TEXT,
    modified_at TEXT,
    modified_by TEXT,
    deleted_at TEXT
);
CREATE TABLE settings (key TEXT PRIMARY KEY, value TEXT);
INSERT INTO person (id, sync_id, name, phone, modified_at, modified_by)
    VALUES (1, 'P1', 'Ann', '111', '2024-01-01T00:00:00Z', 'alice');
INSERT INTO person (id, sync_id, name, phone, modified_at, modified_by)
    VALUES (2, 'P2', 'Ben', '222', '2024-01-01T00:00:00Z', 'alice');
INSERT INTO settings VALUES ('week_start', 'monday');
`

// newTestSnapshot creates a file-backed snapshot with the test schema.
func newTestSnapshot(t *testing.T) *SnapshotDB {
	t.Helper()

	db, err := OpenSnapshot(filepath.Join(t.TempDir(), "roster.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := db.db.Exec(testSchema); err != nil {
		db.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestSnapshotDB_Tables(t *testing.T) {
	db := newTestSnapshot(t)

	tables, err := db.Tables()
	if err != nil {
		t.Fatalf("Tables() error = %v", err)
	}
	// sqlite_sequence from AUTOINCREMENT is internal and must not be listed
	if len(tables) != 2 || tables[0] != "person" || tables[1] != "settings" {
		t.Errorf("Tables() = %v, want [person settings]", tables)
	}
}

func TestSnapshotDB_ReadTable(t *testing.T) {
	db := newTestSnapshot(t)

	tbl, err := db.ReadTable("person")
	if err != nil {
		t.Fatalf("ReadTable() error = %v", err)
	}
	if !tbl.HasSyncColumns() {
		t.Error("person should carry sync columns")
	}
	if len(tbl.PrimaryKey) != 1 || tbl.PrimaryKey[0] != "id" {
		t.Errorf("PrimaryKey = %v, want [id]", tbl.PrimaryKey)
	}
	if len(tbl.Rows) != 2 {
		t.Fatalf("len(Rows) = %d, want 2", len(tbl.Rows))
	}
	p1 := tbl.Find("P1")
	if p1 == nil || p1["name"] != "Ann" {
		t.Errorf("Find(P1) = %v", p1)
	}

	settings, err := db.ReadTable("settings")
	if err != nil {
		t.Fatalf("ReadTable(settings) error = %v", err)
	}
	if settings.HasSyncColumns() {
		t.Error("settings should not carry sync columns")
	}

	if _, err := db.ReadTable("missing"); err == nil {
		t.Error("ReadTable() of missing table should fail")
	}
}

func TestSnapshotDB_ReadRow(t *testing.T) {
	db := newTestSnapshot(t)

	row, err := db.ReadRow("person", "P2")
	if err != nil {
		t.Fatalf("ReadRow() error = %v", err)
	}
	if row["name"] != "Ben" {
		t.Errorf("ReadRow() name = %v, want Ben", row["name"])
	}

	row, err = db.ReadRow("person", "nope")
	if err != nil {
		t.Fatalf("ReadRow() error = %v", err)
	}
	if row != nil {
		t.Errorf("ReadRow() of absent row = %v, want nil", row)
	}

	if _, err := db.ReadRow("settings", "x"); err == nil {
		t.Error("ReadRow() on a table without sync_id should fail")
	}
}

func TestSnapshotDB_UpsertRow(t *testing.T) {
	t.Run("updates by sync id and keeps local key", func(t *testing.T) {
		db := newTestSnapshot(t)

		err := db.UpsertRow("person", roster.Row{
			"id": int64(99), "sync_id": "P1", "name": "Anna", "phone": "111",
			"modified_at": "2024-02-01T00:00:00Z", "modified_by": "bob", "deleted_at": nil,
		})
		if err != nil {
			t.Fatalf("UpsertRow() error = %v", err)
		}

		row, _ := db.ReadRow("person", "P1")
		if row["name"] != "Anna" || row["modified_by"] != "bob" {
			t.Errorf("row = %v", row)
		}
		if row["id"] != int64(1) {
			t.Errorf("id = %v, local key must not change", row["id"])
		}
	})

	t.Run("inserts with free primary key", func(t *testing.T) {
		db := newTestSnapshot(t)

		if err := db.UpsertRow("person", roster.Row{"id": int64(10), "sync_id": "P3", "name": "Cy"}); err != nil {
			t.Fatalf("UpsertRow() error = %v", err)
		}
		row, _ := db.ReadRow("person", "P3")
		if row == nil || row["id"] != int64(10) {
			t.Errorf("row = %v, want id 10", row)
		}
	})

	t.Run("insert drops colliding primary key", func(t *testing.T) {
		db := newTestSnapshot(t)

		if err := db.UpsertRow("person", roster.Row{"id": int64(1), "sync_id": "P3", "name": "Cy"}); err != nil {
			t.Fatalf("UpsertRow() error = %v", err)
		}
		row, _ := db.ReadRow("person", "P3")
		if row == nil {
			t.Fatal("row not inserted")
		}
		if row["id"] == int64(1) {
			t.Error("colliding id should have been reassigned")
		}
		p1, _ := db.ReadRow("person", "P1")
		if p1["name"] != "Ann" {
			t.Errorf("P1 was overwritten: %v", p1)
		}
	})

	t.Run("rejects row without sync id", func(t *testing.T) {
		db := newTestSnapshot(t)
		if err := db.UpsertRow("person", roster.Row{"name": "Nobody"}); err == nil {
			t.Error("UpsertRow() without sync_id should fail")
		}
	})
}

func TestSnapshotDB_ApplyTable(t *testing.T) {
	db := newTestSnapshot(t)

	person, err := db.ReadTable("person")
	if err != nil {
		t.Fatal(err)
	}
	person.Find("P2")["deleted_at"] = "2024-03-01T00:00:00Z"
	person.Rows = append(person.Rows, roster.Row{"sync_id": "P4", "name": "Dee"})
	if err := db.ApplyTable(person); err != nil {
		t.Fatalf("ApplyTable(person) error = %v", err)
	}

	p2, _ := db.ReadRow("person", "P2")
	if !p2.IsDeleted() {
		t.Errorf("P2 should be tombstoned: %v", p2)
	}
	if p4, _ := db.ReadRow("person", "P4"); p4 == nil {
		t.Error("P4 should be inserted")
	}

	settings := &roster.Table{
		Name: "settings",
		Rows: []roster.Row{{"key": "week_start", "value": "sunday"}, {"key": "tz", "value": "UTC"}},
	}
	if err := db.ApplyTable(settings); err != nil {
		t.Fatalf("ApplyTable(settings) error = %v", err)
	}
	got, _ := db.ReadTable("settings")
	if len(got.Rows) != 2 {
		t.Errorf("settings rows = %v, want replaced contents", got.Rows)
	}
}

func TestSnapshotDB_ExportTo(t *testing.T) {
	db := newTestSnapshot(t)
	dest := filepath.Join(t.TempDir(), "export.db")

	// A second export replaces the first
	for i := 0; i < 2; i++ {
		if err := db.ExportTo(dest); err != nil {
			t.Fatalf("ExportTo() error = %v", err)
		}
	}

	copyDB, err := SnapshotOpener{}.Open(dest)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer copyDB.Close()

	snap, err := roster.ReadSnapshot(copyDB)
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if len(snap.Table("person").Rows) != 2 || len(snap.Table("settings").Rows) != 1 {
		t.Errorf("exported snapshot incomplete: %v", snap.TableNames())
	}
}
