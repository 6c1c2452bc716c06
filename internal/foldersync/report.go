package foldersync

import (
	"fmt"
	"strings"

	"rostersync/internal/merge"
	"rostersync/internal/queue"
	"rostersync/internal/roster"
)

// SyncReport describes what one sync, checkpoint or resolution did.
type SyncReport struct {
	Phase Phase

	// Merge outcome; Path is zero when no merge ran.
	Path          merge.Path
	Participants  []string
	Stats         map[string]*merge.TableStats
	AutoMerged    int
	Conflicts     []roster.MergeConflict
	SkippedTables []merge.SkippedTable
	SkippedCopies []string

	// Interrupted is the merge lock of an interrupted merge that was cleared.
	Interrupted *roster.MergeLock
	// Superseded is set when a stored pending merge was discarded.
	Superseded bool

	Initialized bool
	Joined      bool
	Checkpoint  bool
	Published   bool
	Archived    []string

	Queue     queue.ReplayResult
	ChangeSet string
}

func (r *SyncReport) addResult(res *merge.Result) {
	r.Path = res.Path
	r.Stats = res.Stats
	r.AutoMerged = res.AutoMergedCount()
	r.Conflicts = res.Conflicts
	r.SkippedTables = res.Skipped
}

// Summary is a one-line description for logs and operation records.
func (r *SyncReport) Summary() string {
	var parts []string
	parts = append(parts, "phase="+r.Phase.String())
	switch {
	case r.Initialized:
		parts = append(parts, "initialized")
	case r.Joined:
		parts = append(parts, "joined")
	}
	if r.Path != 0 {
		parts = append(parts, fmt.Sprintf("merge=%s participants=%d auto_merged=%d",
			r.Path, len(r.Participants), r.AutoMerged))
	}
	if len(r.Conflicts) > 0 {
		parts = append(parts, fmt.Sprintf("conflicts=%d", len(r.Conflicts)))
	}
	if r.Published {
		parts = append(parts, fmt.Sprintf("published archived=%d", len(r.Archived)))
	}
	if len(r.SkippedCopies) > 0 {
		parts = append(parts, fmt.Sprintf("skipped_copies=%d", len(r.SkippedCopies)))
	}
	if r.Interrupted != nil {
		parts = append(parts, "recovered_interrupted_merge")
	}
	if r.Queue.Applied+r.Queue.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("queue_applied=%d", r.Queue.Applied))
	}
	return strings.Join(parts, " ")
}
