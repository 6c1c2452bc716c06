package roster_test

import (
	"encoding/json"
	"testing"
	"time"

	"rostersync/internal/roster"
)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value any
		ok    bool
	}{
		{name: "time value", value: want, ok: true},
		{name: "rfc3339", value: "2024-03-01T09:30:00Z", ok: true},
		{name: "sqlite text", value: "2024-03-01 09:30:00", ok: true},
		{name: "unix millis", value: want.UnixMilli(), ok: true},
		{name: "unix seconds", value: want.Unix(), ok: true},
		{name: "bytes", value: []byte("2024-03-01T09:30:00Z"), ok: true},
		{name: "nil", value: nil, ok: false},
		{name: "garbage", value: "not a time", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := roster.ParseTimestamp(tt.value)
			if ok != tt.ok {
				t.Fatalf("ParseTimestamp(%v) ok = %v, want %v", tt.value, ok, tt.ok)
			}
			if ok && !got.Equal(want) {
				t.Errorf("ParseTimestamp(%v) = %v, want %v", tt.value, got, want)
			}
		})
	}
}

func TestRow_Accessors(t *testing.T) {
	row := roster.Row{
		roster.ColSyncID:     "abc",
		roster.ColModifiedAt: "2024-03-01T09:30:00Z",
		roster.ColModifiedBy: "alice",
		roster.ColDeletedAt:  nil,
	}

	if got := row.SyncID(); got != "abc" {
		t.Errorf("SyncID() = %q, want %q", got, "abc")
	}
	if got := row.ModifiedBy(); got != "alice" {
		t.Errorf("ModifiedBy() = %q, want %q", got, "alice")
	}
	if row.IsDeleted() {
		t.Error("IsDeleted() = true for nil deleted_at")
	}

	row[roster.ColDeletedAt] = "2024-03-02T00:00:00Z"
	if !row.IsDeleted() {
		t.Error("IsDeleted() = false after setting deleted_at")
	}
}

func TestRow_ContentEqual(t *testing.T) {
	base := roster.Row{"sync_id": "a", "name": "P1", "phone": int64(5), "modified_at": "2024-01-01T00:00:00Z", "modified_by": "alice"}

	t.Run("ignores modification metadata", func(t *testing.T) {
		other := base.Clone()
		other["modified_at"] = "2024-02-01T00:00:00Z"
		other["modified_by"] = "bob"
		if !base.ContentEqual(other) {
			t.Error("ContentEqual() = false, want true")
		}
	})

	t.Run("detects changed column", func(t *testing.T) {
		other := base.Clone()
		other["name"] = "P2"
		if base.ContentEqual(other) {
			t.Error("ContentEqual() = true, want false")
		}
	})

	t.Run("detects tombstone", func(t *testing.T) {
		other := base.Clone()
		other["deleted_at"] = "2024-02-01T00:00:00Z"
		if base.ContentEqual(other) {
			t.Error("ContentEqual() = true, want false")
		}
	})

	t.Run("normalizes numeric types", func(t *testing.T) {
		other := base.Clone()
		other["phone"] = float64(5)
		if !base.ContentEqual(other) {
			t.Error("ContentEqual() = false, want true")
		}
	})
}

func TestRow_JSONKeepsTypes(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	row := roster.Row{
		"id":      int64(12),
		"rate":    1.5,
		"name":    "P1",
		"avatar":  []byte{0, 1, 2},
		"active":  true,
		"created": ts,
		"note":    nil,
	}

	data, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got roster.Row
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if v, ok := got["id"].(int64); !ok || v != 12 {
		t.Errorf("id = %#v, want int64(12)", got["id"])
	}
	if v, ok := got["avatar"].([]byte); !ok || len(v) != 3 {
		t.Errorf("avatar = %#v, want 3 bytes", got["avatar"])
	}
	if v, ok := got["created"].(time.Time); !ok || !v.Equal(ts) {
		t.Errorf("created = %#v, want %v", got["created"], ts)
	}
	if v, ok := got["note"]; !ok || v != nil {
		t.Errorf("note = %#v, want present nil", got["note"])
	}
}
