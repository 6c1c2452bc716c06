// Package queue records edits made while the shared folder is unreachable and
// replays them, in order, into the local working database.
package queue

import (
	"context"
	"fmt"

	"rostersync/internal/roster"
)

// Queue is the offline edit log of one user. It is constructed explicitly and
// holds no global state, so several sessions can run side by side.
type Queue struct {
	store  roster.QueueStore
	clock  roster.Clock
	ids    roster.IDGenerator
	logger roster.Logger
	user   string
}

// New creates a Queue over store.
func New(store roster.QueueStore, user string, clock roster.Clock, ids roster.IDGenerator, logger roster.Logger) *Queue {
	if clock == nil {
		clock = roster.RealClock{}
	}
	if ids == nil {
		ids = roster.UUIDGenerator{}
	}
	if logger == nil {
		logger = roster.NewNopLogger()
	}
	return &Queue{store: store, clock: clock, ids: ids, logger: logger, user: user}
}

// Enqueue appends e after assigning its id, timestamp and user. The entry is
// returned as stored.
func (q *Queue) Enqueue(e roster.QueueEntry) (*roster.QueueEntry, error) {
	switch e.Operation {
	case roster.OpInsert, roster.OpUpdate, roster.OpDelete:
	default:
		return nil, fmt.Errorf("unknown queue operation %q", e.Operation)
	}
	if e.Table == "" || e.RowID == "" {
		return nil, fmt.Errorf("queue entry requires table and row id")
	}
	if e.Operation == roster.OpInsert && e.Data == nil {
		return nil, fmt.Errorf("insert of %s/%s requires row data", e.Table, e.RowID)
	}

	e.ID = q.ids.New()
	e.Timestamp = q.clock.Now()
	e.UserID = q.user
	e.Synced = false
	if err := q.store.Append(&e); err != nil {
		return nil, fmt.Errorf("enqueueing %s %s/%s: %w", e.Operation, e.Table, e.RowID, err)
	}
	return &e, nil
}

// RecordInsert queues a new row. row must carry its sync id.
func (q *Queue) RecordInsert(table string, row roster.Row) (*roster.QueueEntry, error) {
	return q.Enqueue(roster.QueueEntry{Table: table, Operation: roster.OpInsert, RowID: row.SyncID(), Data: row})
}

// RecordUpdate queues a single-field change.
func (q *Queue) RecordUpdate(table, rowID, field string, oldValue, newValue any) (*roster.QueueEntry, error) {
	return q.Enqueue(roster.QueueEntry{
		Table: table, Operation: roster.OpUpdate, RowID: rowID,
		Field: field, OldValue: oldValue, NewValue: newValue,
	})
}

// RecordDelete queues a soft delete.
func (q *Queue) RecordDelete(table, rowID string) (*roster.QueueEntry, error) {
	return q.Enqueue(roster.QueueEntry{Table: table, Operation: roster.OpDelete, RowID: rowID})
}

func (q *Queue) Pending() ([]*roster.QueueEntry, error) { return q.store.Pending() }

func (q *Queue) List(limit int) ([]*roster.QueueEntry, error) { return q.store.List(limit) }

func (q *Queue) Count() (int, error) { return q.store.Count() }

// ReplayResult counts the outcome of a replay.
type ReplayResult struct {
	Applied int
	Skipped int
	Purged  int
}

// Replay applies pending entries to db in enqueue order. Each entry is marked
// synced as soon as it is applied, so an interrupted replay resumes where it
// stopped. Entries that no longer make sense (update or delete of a row the
// database does not have) are logged, skipped and marked synced.
func (q *Queue) Replay(ctx context.Context, db roster.Database) (ReplayResult, error) {
	var res ReplayResult

	pending, err := q.store.Pending()
	if err != nil {
		return res, fmt.Errorf("reading pending entries: %w", err)
	}

	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		applied, err := apply(db, e)
		if err != nil {
			return res, fmt.Errorf("replaying %s %s/%s: %w", e.Operation, e.Table, e.RowID, err)
		}
		if applied {
			res.Applied++
		} else {
			res.Skipped++
			q.logger.Warn("skipping queue entry for missing row",
				"id", e.ID, "operation", e.Operation, "table", e.Table, "row", e.RowID)
		}
		if err := q.store.MarkSynced([]string{e.ID}); err != nil {
			return res, fmt.Errorf("marking %s synced: %w", e.ID, err)
		}
	}

	if res.Purged, err = q.store.PurgeSynced(); err != nil {
		return res, fmt.Errorf("purging synced entries: %w", err)
	}
	if len(pending) > 0 {
		q.logger.Info("offline queue replayed", "applied", res.Applied, "skipped", res.Skipped)
	}
	return res, nil
}

// apply writes one entry. It reports false when the target row is missing.
func apply(db roster.Database, e *roster.QueueEntry) (bool, error) {
	ts := roster.FormatTimestamp(e.Timestamp)

	if e.Operation == roster.OpInsert {
		row := e.Data.Clone()
		row[roster.ColSyncID] = e.RowID
		row[roster.ColModifiedAt] = ts
		row[roster.ColModifiedBy] = e.UserID
		return true, db.UpsertRow(e.Table, row)
	}

	row, err := db.ReadRow(e.Table, e.RowID)
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, nil
	}

	switch e.Operation {
	case roster.OpUpdate:
		if e.Field != "" {
			row[e.Field] = e.NewValue
		}
		for k, v := range e.Data {
			row[k] = v
		}
	case roster.OpDelete:
		row[roster.ColDeletedAt] = ts
	}
	row[roster.ColModifiedAt] = ts
	row[roster.ColModifiedBy] = e.UserID
	return true, db.UpsertRow(e.Table, row)
}
