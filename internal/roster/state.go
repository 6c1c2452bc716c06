package roster

import "time"

// Offline queue operations.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// QueueEntry is one edit recorded while the shared folder was unreachable.
type QueueEntry struct {
	ID        string
	Table     string
	Operation string
	RowID     string
	Field     string
	OldValue  any
	NewValue  any
	Data      Row
	Timestamp time.Time
	UserID    string
	Synced    bool
}

// QueueStore persists offline queue entries in enqueue order.
type QueueStore interface {
	Append(entry *QueueEntry) error
	Pending() ([]*QueueEntry, error)
	List(limit int) ([]*QueueEntry, error)
	MarkSynced(ids []string) error
	PurgeSynced() (int, error)
	Count() (int, error)
}

// PendingMerge is a merge waiting on conflict resolutions. MergedPath is a
// local snapshot holding base plus every auto-merged row.
type PendingMerge struct {
	ID           string
	CreatedAt    time.Time
	Participants []string
	MergedPath   string
	WorkingFiles []string
	Conflicts    []MergeConflict
}

// PendingStore holds at most one pending merge.
type PendingStore interface {
	SavePending(p *PendingMerge) error
	// LoadPending returns nil without error when no merge is pending.
	LoadPending() (*PendingMerge, error)
	ClearPending() error
}
