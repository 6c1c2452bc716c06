package merge

import (
	"fmt"

	"rostersync/internal/roster"
)

// RowChange is one row write produced by resolving a conflict. The row
// replaces any row with the same sync_id, or is inserted.
type RowChange struct {
	Table string
	Row   roster.Row
}

// Resolver turns conflict decisions into row writes.
type Resolver struct {
	user  string
	clock roster.Clock
	idgen roster.IDGenerator
}

// NewResolver creates a Resolver. user is recorded as modified_by on rows the
// resolution itself authors (tombstones).
func NewResolver(user string, clock roster.Clock, idgen roster.IDGenerator) *Resolver {
	return &Resolver{user: user, clock: clock, idgen: idgen}
}

// Unresolved returns the keys of conflicts that have no decision.
func Unresolved(conflicts []roster.MergeConflict, decisions map[string]roster.Resolution) []string {
	var keys []string
	for _, c := range conflicts {
		if _, ok := decisions[c.Key()]; !ok {
			keys = append(keys, c.Key())
		}
	}
	return keys
}

// Resolve validates that every conflict has a decision and returns the row
// writes that apply them. merged supplies table schemas and is updated in
// place. Nothing is written when any conflict is unresolved or any decision is
// invalid.
func (r *Resolver) Resolve(merged *roster.Snapshot, conflicts []roster.MergeConflict, decisions map[string]roster.Resolution) ([]RowChange, error) {
	if missing := Unresolved(conflicts, decisions); len(missing) > 0 {
		return nil, &roster.UnresolvedError{Keys: missing}
	}

	known := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		known[c.Key()] = true
	}
	for key := range decisions {
		if !known[key] {
			return nil, fmt.Errorf("%w: no conflict with key %s", roster.ErrInvalidResolution, key)
		}
	}

	var changes []RowChange
	for _, c := range conflicts {
		table := merged.Table(c.Table)
		if table == nil {
			return nil, fmt.Errorf("%w: table %s not in merged snapshot", roster.ErrInvalidResolution, c.Table)
		}
		rows, err := r.resolveOne(table, c, decisions[c.Key()])
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", c.Key(), err)
		}
		for _, row := range rows {
			changes = append(changes, RowChange{Table: c.Table, Row: row})
		}
	}

	ApplyChanges(merged, changes)
	return changes, nil
}

func (r *Resolver) resolveOne(table *roster.Table, c roster.MergeConflict, decision roster.Resolution) ([]roster.Row, error) {
	switch d := decision.(type) {
	case roster.KeepBase:
		if c.BaseRow == nil {
			return nil, nil
		}
		return []roster.Row{c.BaseRow.Clone()}, nil

	case roster.TakeModifier:
		if d.Index < 0 || d.Index >= len(c.Modifiers) {
			return nil, fmt.Errorf("%w: modifier index %d out of range (%d modifiers)",
				roster.ErrInvalidResolution, d.Index, len(c.Modifiers))
		}
		return []roster.Row{c.Modifiers[d.Index].Row.Clone()}, nil

	case roster.DeleteRow:
		src := c.BaseRow
		if src == nil && len(c.Modifiers) > 0 {
			src = c.Modifiers[0].Row
		}
		if src == nil {
			return nil, nil
		}
		return []roster.Row{r.tombstone(src)}, nil

	case roster.KeepAll:
		if !c.AllowMultiple {
			return nil, fmt.Errorf("%w: keep-all on non-additive table %s", roster.ErrInvalidResolution, c.Table)
		}
		var rows []roster.Row
		for _, m := range c.Modifiers {
			row := m.Row.Clone()
			for _, pk := range table.PrimaryKey {
				delete(row, pk)
			}
			row[roster.ColSyncID] = r.idgen.New()
			row[roster.ColModifiedBy] = m.User
			rows = append(rows, row)
		}
		if c.BaseRow != nil {
			rows = append(rows, r.tombstone(c.BaseRow))
		}
		return rows, nil

	default:
		return nil, fmt.Errorf("%w: unsupported resolution %T", roster.ErrInvalidResolution, decision)
	}
}

func (r *Resolver) tombstone(src roster.Row) roster.Row {
	row := src.Clone()
	now := roster.FormatTimestamp(r.clock.Now())
	row[roster.ColDeletedAt] = now
	row[roster.ColModifiedAt] = now
	row[roster.ColModifiedBy] = r.user
	return row
}

// ApplyChanges writes changes into snap by sync_id.
func ApplyChanges(snap *roster.Snapshot, changes []RowChange) {
	for _, c := range changes {
		t := snap.Table(c.Table)
		if t == nil {
			continue
		}
		t.Put(c.Row)
	}
}
