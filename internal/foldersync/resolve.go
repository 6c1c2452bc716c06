package foldersync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"rostersync/internal/merge"
	"rostersync/internal/roster"
)

// PendingConflicts returns the merge waiting on resolutions, or nil.
func (s *Syncer) PendingConflicts() (*roster.PendingMerge, error) {
	return s.pending.LoadPending()
}

// ResolveConflicts applies decisions, keyed by "table:sync_id", to the
// pending merge and publishes it. Every conflict needs a decision; with any
// missing, an error wrapping roster.ErrUnresolvedConflicts is returned and
// nothing changes. If publishing fails the pending merge is left as it was,
// so the same decisions can be submitted again.
func (s *Syncer) ResolveConflicts(ctx context.Context, decisions map[string]roster.Resolution) (*SyncReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &SyncReport{}
	pending, err := s.pending.LoadPending()
	if err != nil {
		return report, fmt.Errorf("loading pending merge: %w", err)
	}
	if pending == nil {
		return report, ErrNoPendingMerge
	}
	s.observe(MergePending)
	report.Participants = pending.Participants
	report.Conflicts = pending.Conflicts

	ml, err := s.ownedMergeLock(ctx, pending)
	if err != nil {
		return report, err
	}
	if ml == nil {
		report.Superseded = true
		if err := s.discardPending(pending); err != nil {
			return report, err
		}
		if err := s.advance(NeedsMerge); err != nil {
			return report, err
		}
		report.Phase = s.phase
		return report, ErrPendingSuperseded
	}

	if s.locker != nil {
		if err := s.locker.Acquire(ctx); err != nil {
			return report, fmt.Errorf("acquiring lock: %w", err)
		}
		defer s.release(ctx)
		if err := s.locker.VerifyOwnLock(ctx); err != nil {
			return report, fmt.Errorf("verifying lock: %w", err)
		}
		stop := s.locker.StartHeartbeat(ctx)
		defer stop()
	}

	// The pending snapshot stays unresolved until publish succeeds, so a
	// failed attempt can be retried without applying the decisions twice.
	resolved := filepath.Join(s.opts.WorkDir, "resolved-"+pending.ID+".db")
	if err := copyLocal(pending.MergedPath, resolved); err != nil {
		return report, fmt.Errorf("copying pending merge: %w", err)
	}
	defer os.Remove(resolved)

	if err := s.applyResolutions(resolved, pending, decisions); err != nil {
		return report, err
	}
	if err := s.publish(ctx, resolved, pending.WorkingFiles, report); err != nil {
		return report, err
	}
	if err := s.discardPending(pending); err != nil {
		return report, err
	}
	s.logger.Info("conflicts resolved", "conflicts", len(pending.Conflicts))
	report.Phase = s.phase
	return report, nil
}

// applyResolutions writes the resolved rows into the snapshot at path, a copy
// of the pending merged snapshot. Resolved rows are stamped with the
// resolution time so that older versions still held in participants' local
// databases do not count as new edits at their next sync.
func (s *Syncer) applyResolutions(path string, pending *roster.PendingMerge, decisions map[string]roster.Resolution) error {
	db, err := s.opener.Open(path)
	if err != nil {
		return fmt.Errorf("opening pending merge: %w", err)
	}
	defer db.Close()

	snap, err := roster.ReadSnapshot(db)
	if err != nil {
		return fmt.Errorf("reading pending merge: %w", err)
	}

	resolver := merge.NewResolver(s.opts.User, s.clock, s.ids)
	changes, err := resolver.Resolve(snap, pending.Conflicts, decisions)
	if err != nil {
		return err
	}

	now := roster.FormatTimestamp(s.clock.Now())
	for _, c := range changes {
		c.Row[roster.ColModifiedAt] = now
		if err := db.UpsertRow(c.Table, c.Row); err != nil {
			return fmt.Errorf("writing resolution for %s: %w", roster.ConflictKey(c.Table, c.Row.SyncID()), err)
		}
	}
	return nil
}
