package lock

import (
	"fmt"

	"rostersync/internal/roster"
)

// State is the lifecycle of this machine's claim on the shared lock file.
type State int

const (
	Unlocked State = iota
	Acquiring
	Held
	Released
	LostToOther
	BrokenAsStale
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case Acquiring:
		return "acquiring"
	case Held:
		return "held"
	case Released:
		return "released"
	case LostToOther:
		return "lost-to-other"
	case BrokenAsStale:
		return "broken-as-stale"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	Unlocked:      {Acquiring},
	Acquiring:     {Held, Unlocked, LostToOther},
	Held:          {Released, LostToOther, BrokenAsStale},
	Released:      {Acquiring},
	LostToOther:   {Acquiring},
	BrokenAsStale: {Acquiring},
}

// CanTransition reports whether from -> to is a legal lock transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: lock %s -> %s", roster.ErrIllegalTransition, from, to)
	}
	return nil
}
