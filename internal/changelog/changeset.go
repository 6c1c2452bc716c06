// Package changelog is the legacy reconciliation path: each editing session
// writes its operations to a change-set file in the shared folder, and other
// users replay unseen change sets into their working database. Snapshot
// merging is the canonical model; change sets remain as an audit trail of
// individual edits.
package changelog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"rostersync/internal/roster"
)

// Operation is one edit within a session. For inserts Data is the full row;
// for updates Data holds the changed columns and Previous their old values.
type Operation struct {
	Table     string     `json:"table"`
	Op        string     `json:"op"`
	RowID     string     `json:"rowId"`
	Data      roster.Row `json:"data,omitempty"`
	Previous  roster.Row `json:"previous,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ChangeSet is the content of one session's change file.
type ChangeSet struct {
	ID          string      `json:"id"`
	User        string      `json:"user"`
	Timestamp   time.Time   `json:"timestamp"`
	BaseVersion int64       `json:"baseVersion"`
	Operations  []Operation `json:"operations"`
}

// Recorder collects one session's operations and flushes them to
// changes/<session-id>.json. Operations keep the order they were recorded in.
type Recorder struct {
	folder roster.Folder
	clock  roster.Clock
	logger roster.Logger

	mu  sync.Mutex
	set ChangeSet
}

// NewRecorder starts a session for user on top of baseVersion.
func NewRecorder(folder roster.Folder, user string, baseVersion int64, clock roster.Clock, ids roster.IDGenerator, logger roster.Logger) *Recorder {
	if clock == nil {
		clock = roster.RealClock{}
	}
	if ids == nil {
		ids = roster.UUIDGenerator{}
	}
	if logger == nil {
		logger = roster.NewNopLogger()
	}
	return &Recorder{
		folder: folder,
		clock:  clock,
		logger: logger,
		set: ChangeSet{
			ID:          ids.New(),
			User:        user,
			Timestamp:   clock.Now(),
			BaseVersion: baseVersion,
		},
	}
}

// SessionID returns the change-set id of this session.
func (r *Recorder) SessionID() string {
	return r.set.ID
}

// Record appends op, stamping its time.
func (r *Recorder) Record(op Operation) error {
	switch op.Op {
	case roster.OpInsert, roster.OpUpdate, roster.OpDelete:
	default:
		return fmt.Errorf("unknown operation %q", op.Op)
	}
	if op.Table == "" || op.RowID == "" {
		return fmt.Errorf("operation requires table and row id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	op.Timestamp = r.clock.Now()
	r.set.Operations = append(r.set.Operations, op)
	return nil
}

// Len returns the number of recorded operations.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.set.Operations)
}

// Flush writes the session file. It is a no-op before the first operation.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	if len(r.set.Operations) == 0 {
		r.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(r.set, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encoding change set: %w", err)
	}

	name := roster.ChangeSetFile(r.set.ID)
	if err := r.folder.Write(ctx, name, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	r.logger.Debug("change set flushed", "name", name, "operations", len(r.set.Operations))
	return nil
}
