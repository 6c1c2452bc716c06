// Package merge reconciles a base snapshot with one or more working copies at
// row granularity, keyed by sync_id.
package merge

import (
	"errors"
	"fmt"

	"rostersync/internal/roster"
)

// Path names the merge variant chosen by working-copy count. All variants
// share one classification pass.
type Path int

const (
	TwoWay Path = iota + 1
	ThreeWay
	NWay
)

func (p Path) String() string {
	switch p {
	case TwoWay:
		return "two-way"
	case ThreeWay:
		return "three-way"
	case NWay:
		return "n-way"
	default:
		return "unknown"
	}
}

// PathFor returns the merge path for n working copies.
func PathFor(n int) Path {
	switch {
	case n <= 1:
		return TwoWay
	case n == 2:
		return ThreeWay
	default:
		return NWay
	}
}

// Side is one working copy tagged with its owner.
type Side struct {
	User     string
	Snapshot *roster.Snapshot
}

// Options controls which tables are merged and how.
type Options struct {
	// AdditiveTables lists tables where concurrent inserts are each valid, so
	// conflicts may be resolved by keeping every version.
	AdditiveTables []string

	// ExcludedTables are configuration tables copied verbatim from base.
	ExcludedTables []string
}

// TableStats counts outcomes for one table.
type TableStats struct {
	Inserted  int
	Updated   int
	Deleted   int
	Conflicts int
}

// AutoMerged is the number of rows accepted from a single modifier.
func (s TableStats) AutoMerged() int {
	return s.Inserted + s.Updated + s.Deleted
}

// SkippedTable records a table left out of the row merge.
type SkippedTable struct {
	Table  string
	Reason string
}

// Result is the outcome of a merge run.
type Result struct {
	Path      Path
	Merged    *roster.Snapshot
	Stats     map[string]*TableStats
	Conflicts []roster.MergeConflict
	Skipped   []SkippedTable
}

// Totals sums the per-table counters.
func (r *Result) Totals() TableStats {
	var total TableStats
	for _, s := range r.Stats {
		total.Inserted += s.Inserted
		total.Updated += s.Updated
		total.Deleted += s.Deleted
		total.Conflicts += s.Conflicts
	}
	return total
}

// AutoMergedCount is the number of rows taken from exactly one modifier.
func (r *Result) AutoMergedCount() int {
	return r.Totals().AutoMerged()
}

var (
	ErrNoBase    = errors.New("merge requires a base snapshot")
	ErrNoSides   = errors.New("merge requires at least one working copy")
	ErrSideCount = errors.New("wrong number of working copies for merge path")
)

// Engine merges snapshots. It holds no per-run state and is safe to reuse.
type Engine struct {
	additive map[string]bool
	excluded map[string]bool
	logger   roster.Logger
}

// NewEngine creates an Engine.
func NewEngine(opts Options, logger roster.Logger) *Engine {
	if logger == nil {
		logger = roster.NewNopLogger()
	}
	e := &Engine{
		additive: make(map[string]bool),
		excluded: make(map[string]bool),
		logger:   logger,
	}
	for _, t := range opts.AdditiveTables {
		e.additive[t] = true
	}
	for _, t := range opts.ExcludedTables {
		e.excluded[t] = true
	}
	return e
}

// TwoWay applies one working copy's edits to base.
func (e *Engine) TwoWay(base *roster.Snapshot, side Side) (*Result, error) {
	return e.merge(TwoWay, base, []Side{side})
}

// ThreeWay merges two working copies against their common base.
func (e *Engine) ThreeWay(base *roster.Snapshot, a, b Side) (*Result, error) {
	return e.merge(ThreeWay, base, []Side{a, b})
}

// NWay merges three or more working copies against base in a single pass.
func (e *Engine) NWay(base *roster.Snapshot, sides []Side) (*Result, error) {
	if len(sides) < 3 {
		return nil, fmt.Errorf("%w: n-way needs at least 3, got %d", ErrSideCount, len(sides))
	}
	return e.merge(NWay, base, sides)
}

// Merge selects the path by len(sides) and merges.
func (e *Engine) Merge(base *roster.Snapshot, sides []Side) (*Result, error) {
	return e.merge(PathFor(len(sides)), base, sides)
}

func (e *Engine) merge(path Path, base *roster.Snapshot, sides []Side) (*Result, error) {
	if base == nil {
		return nil, ErrNoBase
	}
	if len(sides) == 0 {
		return nil, ErrNoSides
	}

	result := &Result{
		Path:   path,
		Merged: roster.NewSnapshot(),
		Stats:  make(map[string]*TableStats),
	}

	for _, name := range base.TableNames() {
		baseTable := base.Table(name)

		if e.excluded[name] {
			result.Merged.Put(baseTable.Clone())
			continue
		}

		if reason := e.unmergeable(baseTable, sides); reason != "" {
			e.logger.Warn("skipping table in merge", "table", name, "reason", reason)
			result.Skipped = append(result.Skipped, SkippedTable{Table: name, Reason: reason})
			result.Merged.Put(baseTable.Clone())
			continue
		}

		merged, stats, conflicts := e.mergeTable(baseTable, sides)
		result.Merged.Put(merged)
		result.Stats[name] = stats
		result.Conflicts = append(result.Conflicts, conflicts...)
	}

	for _, side := range sides {
		for _, name := range side.Snapshot.TableNames() {
			if base.Table(name) == nil && !e.excluded[name] {
				e.logger.Warn("table missing from base, ignoring", "table", name, "user", side.User)
			}
		}
	}

	e.logger.Info("merge complete",
		"path", path.String(),
		"sides", len(sides),
		"auto_merged", result.AutoMergedCount(),
		"conflicts", len(result.Conflicts),
	)
	return result, nil
}

// unmergeable returns why a table cannot take part in the row merge, or "".
func (e *Engine) unmergeable(baseTable *roster.Table, sides []Side) string {
	if !baseTable.HasSyncColumns() {
		return "base table lacks sync columns"
	}
	for _, side := range sides {
		t := side.Snapshot.Table(baseTable.Name)
		if t != nil && !t.HasSyncColumns() {
			return fmt.Sprintf("working copy of %s lacks sync columns", side.User)
		}
	}
	return ""
}

// mergeTable classifies every sync_id appearing in base or any side. Row order
// is base order followed by inserts in side order.
func (e *Engine) mergeTable(baseTable *roster.Table, sides []Side) (*roster.Table, *TableStats, []roster.MergeConflict) {
	stats := &TableStats{}
	var conflicts []roster.MergeConflict

	merged := &roster.Table{
		Name:       baseTable.Name,
		Columns:    append([]string(nil), baseTable.Columns...),
		PrimaryKey: append([]string(nil), baseTable.PrimaryKey...),
	}

	baseIndex := baseTable.Index()
	sideIndexes := make([]map[string]roster.Row, len(sides))
	for i, side := range sides {
		t := side.Snapshot.Table(baseTable.Name)
		if t == nil {
			e.logger.Warn("table missing from working copy", "table", baseTable.Name, "user", side.User)
			sideIndexes[i] = map[string]roster.Row{}
			continue
		}
		sideIndexes[i] = t.Index()
	}

	var order []string
	seen := make(map[string]bool)
	for _, row := range baseTable.Rows {
		id := row.SyncID()
		if id == "" {
			merged.Rows = append(merged.Rows, row.Clone())
			continue
		}
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	for _, side := range sides {
		t := side.Snapshot.Table(baseTable.Name)
		if t == nil {
			continue
		}
		for _, row := range t.Rows {
			id := row.SyncID()
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			order = append(order, id)
		}
	}

	for _, id := range order {
		baseRow := baseIndex[id]

		var modifiers []roster.Modifier
		for i, side := range sides {
			copyRow, ok := sideIndexes[i][id]
			if !ok || !ModifiedInCopy(baseRow, copyRow) {
				continue
			}
			modifiers = append(modifiers, roster.Modifier{
				User:       side.User,
				Row:        project(copyRow, merged.Columns),
				ModifiedAt: copyRow.ModifiedAt(),
			})
		}

		switch len(modifiers) {
		case 0:
			if baseRow != nil {
				merged.Rows = append(merged.Rows, baseRow.Clone())
			}
		case 1:
			row := modifiers[0].Row
			merged.Rows = append(merged.Rows, row)
			switch {
			case baseRow == nil:
				stats.Inserted++
			case row.IsDeleted() && !baseRow.IsDeleted():
				stats.Deleted++
			default:
				stats.Updated++
			}
		default:
			if baseRow != nil {
				merged.Rows = append(merged.Rows, baseRow.Clone())
			}
			stats.Conflicts++
			conflicts = append(conflicts, roster.MergeConflict{
				Table:         baseTable.Name,
				SyncID:        id,
				BaseRow:       baseRow.Clone(),
				Modifiers:     modifiers,
				AllowMultiple: e.additive[baseTable.Name],
			})
		}
	}

	return merged, stats, conflicts
}

// ModifiedInCopy reports whether copyRow is an edit relative to baseRow.
// Inserts always count. Content and tombstone changes count only when the
// copy's modified_at is strictly newer than base's. A row absent from the copy
// is not an edit: deletion travels as a tombstone.
func ModifiedInCopy(baseRow, copyRow roster.Row) bool {
	if copyRow == nil {
		return false
	}
	if baseRow == nil {
		return true
	}
	return copyRow.ModifiedAt().After(baseRow.ModifiedAt())
}

// project restricts row to the given columns so rows from a copy with a newer
// schema still fit base.
func project(row roster.Row, columns []string) roster.Row {
	out := make(roster.Row, len(columns))
	for _, c := range columns {
		if v, ok := row[c]; ok {
			out[c] = v
		}
	}
	return out.Clone()
}
