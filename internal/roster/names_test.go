package roster_test

import (
	"testing"
	"time"

	"rostersync/internal/roster"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alice", "alice"},
		{"Alice Smith", "alice-smith"},
		{"  o'Brien  ", "o-brien"},
		{"x.y/z", "x-y-z"},
		{"dept_7", "dept_7"},
		{"!!!", "user"},
		{"", "user"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := roster.Slug(tt.in); got != tt.want {
				t.Errorf("Slug(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestWorkingFile(t *testing.T) {
	name := roster.WorkingFile("Alice Smith")
	if name != "roster.working.alice-smith.db" {
		t.Fatalf("WorkingFile() = %q", name)
	}
	user, ok := roster.ParseWorkingFile(name)
	if !ok || user != "alice-smith" {
		t.Errorf("ParseWorkingFile() = %q, %v", user, ok)
	}

	for _, bad := range []string{"roster.base.db", "roster.working..db", "roster.working.a.b.db", "roster.working.alice.json"} {
		if _, ok := roster.ParseWorkingFile(bad); ok {
			t.Errorf("ParseWorkingFile(%q) should fail", bad)
		}
	}
}

func TestBackupFile(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	name := roster.BackupFile(ts, "roster.working.bob.db")
	if name != "roster.backup.20240115T103000Z.roster.working.bob.db" {
		t.Fatalf("BackupFile() = %q", name)
	}

	got, original, ok := roster.ParseBackupFile(name)
	if !ok || !got.Equal(ts) || original != "roster.working.bob.db" {
		t.Errorf("ParseBackupFile() = %v, %q, %v", got, original, ok)
	}

	if _, _, ok := roster.ParseBackupFile("roster.backup.notatime.x"); ok {
		t.Error("ParseBackupFile() should reject a bad timestamp")
	}
}

func TestSyncStateAndChangeSetFiles(t *testing.T) {
	if got := roster.SyncStateFile("Bob"); got != "roster.sync-state.bob.json" {
		t.Errorf("SyncStateFile() = %q", got)
	}
	if got := roster.ChangeSetFile("s1"); got != "changes/s1.json" {
		t.Errorf("ChangeSetFile() = %q", got)
	}
}
