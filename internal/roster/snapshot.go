package roster

import "sort"

// Table is the full contents of one table in a snapshot, rows in storage order.
type Table struct {
	Name       string
	Columns    []string
	PrimaryKey []string
	Rows       []Row
}

// HasSyncColumns reports whether the table carries the row identity columns
// needed for merging.
func (t *Table) HasSyncColumns() bool {
	var hasID, hasModified bool
	for _, c := range t.Columns {
		switch c {
		case ColSyncID:
			hasID = true
		case ColModifiedAt:
			hasModified = true
		}
	}
	return hasID && hasModified
}

// HasColumn reports whether the table declares the named column.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Find returns the row with the given sync id, or nil.
func (t *Table) Find(syncID string) Row {
	for _, r := range t.Rows {
		if r.SyncID() == syncID {
			return r
		}
	}
	return nil
}

// Index maps sync id to row. Rows without a sync id are left out.
func (t *Table) Index() map[string]Row {
	idx := make(map[string]Row, len(t.Rows))
	for _, r := range t.Rows {
		if id := r.SyncID(); id != "" {
			idx[id] = r
		}
	}
	return idx
}

// Put replaces the row sharing row's sync id, or appends it.
func (t *Table) Put(row Row) {
	id := row.SyncID()
	for i, r := range t.Rows {
		if r.SyncID() == id {
			t.Rows[i] = row
			return
		}
	}
	t.Rows = append(t.Rows, row)
}

// Remove drops the row with the given sync id. It reports whether a row was removed.
func (t *Table) Remove(syncID string) bool {
	for i, r := range t.Rows {
		if r.SyncID() == syncID {
			t.Rows = append(t.Rows[:i], t.Rows[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	out := &Table{
		Name:       t.Name,
		Columns:    append([]string(nil), t.Columns...),
		PrimaryKey: append([]string(nil), t.PrimaryKey...),
		Rows:       make([]Row, len(t.Rows)),
	}
	for i, r := range t.Rows {
		out.Rows[i] = r.Clone()
	}
	return out
}

// Snapshot is a full copy of the scheduling database: base, working copy or
// merged result.
type Snapshot struct {
	Tables map[string]*Table
}

// NewSnapshot creates an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{Tables: make(map[string]*Table)}
}

// Table returns the named table, or nil.
func (s *Snapshot) Table(name string) *Table {
	return s.Tables[name]
}

// Put adds or replaces a table.
func (s *Snapshot) Put(t *Table) {
	s.Tables[t.Name] = t
}

// TableNames returns table names in sorted order.
func (s *Snapshot) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for n := range s.Tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	out := NewSnapshot()
	for _, t := range s.Tables {
		out.Put(t.Clone())
	}
	return out
}

// ReadSnapshot loads every table of db into memory.
func ReadSnapshot(db Database) (*Snapshot, error) {
	names, err := db.Tables()
	if err != nil {
		return nil, err
	}
	snap := NewSnapshot()
	for _, name := range names {
		t, err := db.ReadTable(name)
		if err != nil {
			return nil, err
		}
		snap.Put(t)
	}
	return snap, nil
}
