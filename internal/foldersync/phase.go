package foldersync

import (
	"fmt"

	"rostersync/internal/roster"
)

// Phase is where the shared folder stands from this user's point of view.
type Phase int

const (
	// NoBase: the folder has never been initialised.
	NoBase Phase = iota + 1
	// HasBaseNoMergeNeeded: a base exists and at most one working copy.
	HasBaseNoMergeNeeded
	// NeedsMerge: two or more working copies have to be merged into base.
	NeedsMerge
	// MergePending: a merge produced conflicts that await resolutions.
	MergePending
	// Active: this user holds a working copy forked from the current base.
	Active
)

func (p Phase) String() string {
	switch p {
	case NoBase:
		return "no-base"
	case HasBaseNoMergeNeeded:
		return "has-base"
	case NeedsMerge:
		return "needs-merge"
	case MergePending:
		return "merge-pending"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

var phaseTransitions = map[Phase][]Phase{
	NoBase:               {Active},
	HasBaseNoMergeNeeded: {Active, NeedsMerge},
	NeedsMerge:           {MergePending, Active, HasBaseNoMergeNeeded},
	MergePending:         {Active, NeedsMerge},
	Active:               {NeedsMerge, HasBaseNoMergeNeeded},
}

// CanAdvance reports whether a sync may move the folder from one phase to the
// other. Staying in the same phase is always allowed.
func CanAdvance(from, to Phase) bool {
	if from == to {
		return true
	}
	for _, p := range phaseTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

func checkAdvance(from, to Phase) error {
	if !CanAdvance(from, to) {
		return fmt.Errorf("%w: sync phase %s -> %s", roster.ErrIllegalTransition, from, to)
	}
	return nil
}
