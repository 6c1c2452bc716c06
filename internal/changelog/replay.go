package changelog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"rostersync/internal/roster"
)

// Replayer applies other users' change sets to a local database.
type Replayer struct {
	folder roster.Folder
	user   string
	clock  roster.Clock
	logger roster.Logger
}

// NewReplayer creates a Replayer for user.
func NewReplayer(folder roster.Folder, user string, clock roster.Clock, logger roster.Logger) *Replayer {
	if clock == nil {
		clock = roster.RealClock{}
	}
	if logger == nil {
		logger = roster.NewNopLogger()
	}
	return &Replayer{folder: folder, user: user, clock: clock, logger: logger}
}

// ReplayReport summarises a replay run.
type ReplayReport struct {
	Applied    []string // change set ids, in replay order
	Operations int
	Skipped    int // operations whose target row was missing
	Corrupt    []string
	Version    int64
}

// Load reads every readable change set in the folder, ordered by timestamp
// then id. Unreadable files are logged and returned by name.
func (r *Replayer) Load(ctx context.Context) ([]*ChangeSet, []string, error) {
	files, err := r.folder.List(ctx, roster.ChangesDir)
	if err != nil {
		return nil, nil, fmt.Errorf("listing change sets: %w", err)
	}

	var sets []*ChangeSet
	var corrupt []string
	for _, f := range files {
		if !strings.HasSuffix(f.Name, ".json") {
			continue
		}
		var buf bytes.Buffer
		if err := r.folder.Read(ctx, f.Name, &buf); err != nil {
			if roster.IsTransient(err) || roster.IsPermission(err) {
				return nil, nil, fmt.Errorf("reading %s: %w", f.Name, err)
			}
			r.logger.Warn("skipping unreadable change set", "name", f.Name, "error", err)
			corrupt = append(corrupt, f.Name)
			continue
		}
		var cs ChangeSet
		if err := json.Unmarshal(buf.Bytes(), &cs); err != nil || cs.ID == "" {
			r.logger.Warn("skipping corrupt change set", "name", f.Name, "error", err)
			corrupt = append(corrupt, f.Name)
			continue
		}
		sets = append(sets, &cs)
	}

	sort.SliceStable(sets, func(i, j int) bool {
		if !sets[i].Timestamp.Equal(sets[j].Timestamp) {
			return sets[i].Timestamp.Before(sets[j].Timestamp)
		}
		return sets[i].ID < sets[j].ID
	})
	return sets, corrupt, nil
}

// Replay applies every change set not yet applied and not authored by this
// user, then records them in the user's sync state. Operations within a set
// are applied in recorded order.
func (r *Replayer) Replay(ctx context.Context, db roster.Database) (*ReplayReport, error) {
	state, err := LoadSyncState(ctx, r.folder, r.user, r.logger)
	if err != nil {
		return nil, err
	}
	sets, corrupt, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}

	report := &ReplayReport{Corrupt: corrupt}
	for _, cs := range sets {
		if roster.Slug(cs.User) == roster.Slug(r.user) || state.Applied(cs.ID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		for _, op := range cs.Operations {
			ok, err := applyOperation(db, cs.User, op)
			if err != nil {
				return report, fmt.Errorf("applying change set %s: %w", cs.ID, err)
			}
			if ok {
				report.Operations++
			} else {
				report.Skipped++
				r.logger.Warn("skipping operation on missing row", "change_set", cs.ID, "table", op.Table, "row", op.RowID)
			}
		}
		state.AppliedChangeIDs = append(state.AppliedChangeIDs, cs.ID)
		state.Version++
		report.Applied = append(report.Applied, cs.ID)
	}

	state.LastSync = r.clock.Now()
	report.Version = state.Version
	if err := SaveSyncState(ctx, r.folder, r.user, state); err != nil {
		return report, err
	}
	if len(report.Applied) > 0 {
		r.logger.Info("change sets replayed", "sets", len(report.Applied), "operations", report.Operations)
	}
	return report, nil
}

// applyOperation writes one operation. It reports false when an update or
// delete targets a row the database does not have.
func applyOperation(db roster.Database, user string, op Operation) (bool, error) {
	ts := roster.FormatTimestamp(op.Timestamp)

	var row roster.Row
	if op.Op == roster.OpInsert {
		row = op.Data.Clone()
		if row == nil {
			row = roster.Row{}
		}
	} else {
		existing, err := db.ReadRow(op.Table, op.RowID)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, nil
		}
		row = existing
		switch op.Op {
		case roster.OpUpdate:
			for k, v := range op.Data {
				row[k] = v
			}
		case roster.OpDelete:
			row[roster.ColDeletedAt] = ts
		default:
			return false, fmt.Errorf("unknown operation %q", op.Op)
		}
	}

	row[roster.ColSyncID] = op.RowID
	row[roster.ColModifiedAt] = ts
	row[roster.ColModifiedBy] = user
	return true, db.UpsertRow(op.Table, row)
}
