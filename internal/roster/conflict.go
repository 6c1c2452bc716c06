package roster

import (
	"errors"
	"fmt"
	"time"
)

// Modifier is one side that changed a conflicted row.
type Modifier struct {
	User       string    `json:"user"`
	Row        Row       `json:"row"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// MergeConflict is a row that two or more working copies changed since base.
// Until resolved, the merged snapshot holds BaseRow for it.
type MergeConflict struct {
	Table         string     `json:"table"`
	SyncID        string     `json:"syncId"`
	BaseRow       Row        `json:"baseRow"`
	Modifiers     []Modifier `json:"modifiers"`
	AllowMultiple bool       `json:"allowMultiple"`
}

// Key returns the identifier resolutions are keyed by.
func (c MergeConflict) Key() string {
	return ConflictKey(c.Table, c.SyncID)
}

// ConflictKey formats the "table:sync_id" key of a conflict.
func ConflictKey(table, syncID string) string {
	return table + ":" + syncID
}

// Resolution is the decision for one conflict. The set of implementations is
// closed: KeepBase, TakeModifier, DeleteRow and KeepAll.
type Resolution interface {
	resolution()
	Kind() string
}

// KeepBase leaves the base version of the row in place.
type KeepBase struct{}

// TakeModifier accepts the version of the modifier at Index.
type TakeModifier struct {
	Index int
}

// DeleteRow tombstones the row.
type DeleteRow struct{}

// KeepAll keeps every modifier's version as its own new row. Only valid for
// additive tables.
type KeepAll struct{}

func (KeepBase) resolution()     {}
func (TakeModifier) resolution() {}
func (DeleteRow) resolution()    {}
func (KeepAll) resolution()      {}

func (KeepBase) Kind() string     { return "base" }
func (TakeModifier) Kind() string { return "modifier" }
func (DeleteRow) Kind() string    { return "delete" }
func (KeepAll) Kind() string      { return "all" }

// ErrInvalidResolution is returned for a resolution that cannot apply to its conflict.
var ErrInvalidResolution = errors.New("invalid resolution")

// ParseResolution builds a Resolution from its textual kind. index is only
// used for "modifier".
func ParseResolution(kind string, index int) (Resolution, error) {
	switch kind {
	case "base":
		return KeepBase{}, nil
	case "modifier":
		if index < 0 {
			return nil, fmt.Errorf("%w: negative modifier index %d", ErrInvalidResolution, index)
		}
		return TakeModifier{Index: index}, nil
	case "delete":
		return DeleteRow{}, nil
	case "all":
		return KeepAll{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidResolution, kind)
	}
}
