package foldersync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"rostersync/internal/merge"
	"rostersync/internal/roster"
)

// merge combines every working copy in scan with the base. Conflict-free
// results are published; otherwise the merged snapshot is kept as a pending
// merge.
func (s *Syncer) merge(ctx context.Context, scan *Scan, report *SyncReport) error {
	if s.locker != nil {
		if err := s.locker.Acquire(ctx); err != nil {
			return fmt.Errorf("acquiring lock: %w", err)
		}
		defer s.release(ctx)
		stop := s.locker.StartHeartbeat(ctx)
		defer stop()
	}

	participants := scan.Participants()
	report.Participants = participants
	ml := roster.MergeLock{
		Participants: participants,
		Timestamp:    s.clock.Now(),
		User:         s.opts.User,
		MachineID:    s.opts.MachineID,
	}
	if err := writeMergeLock(ctx, s.folder, ml); err != nil {
		return fmt.Errorf("writing merge lock: %w", err)
	}

	dir, err := os.MkdirTemp(s.opts.WorkDir, "merge-*")
	if err != nil {
		return fmt.Errorf("creating merge dir: %w", err)
	}
	defer os.RemoveAll(dir)

	mergedPath := filepath.Join(s.opts.WorkDir, "merged-"+s.ids.New()+".db")
	keep := false
	defer func() {
		if !keep {
			os.Remove(mergedPath)
		}
	}()

	if err := download(ctx, s.folder, roster.BaseFile, mergedPath); err != nil {
		return err
	}

	sides, consumed, err := s.loadSides(ctx, dir, scan, report)
	if err != nil {
		return err
	}
	if len(sides) == 0 {
		s.logger.Warn("no readable working copies, nothing merged")
		if err := s.folder.Delete(ctx, roster.MergeLockFile); err != nil {
			return fmt.Errorf("removing merge lock: %w", err)
		}
		return s.advance(HasBaseNoMergeNeeded)
	}

	result, err := s.applyMerge(mergedPath, sides)
	if err != nil {
		return err
	}
	report.addResult(result)

	if len(result.Conflicts) > 0 {
		pm := &roster.PendingMerge{
			ID:           s.ids.New(),
			CreatedAt:    ml.Timestamp,
			Participants: participants,
			MergedPath:   mergedPath,
			WorkingFiles: consumed,
			Conflicts:    result.Conflicts,
		}
		if err := s.pending.SavePending(pm); err != nil {
			return fmt.Errorf("saving pending merge: %w", err)
		}
		keep = true
		s.logger.Info("merge has conflicts, waiting for resolutions",
			"conflicts", len(result.Conflicts), "participants", participants)
		return s.advance(MergePending)
	}

	return s.publish(ctx, mergedPath, consumed, report)
}

// loadSides downloads and reads each working copy. Copies that cannot be
// downloaded or read as a database are logged and left out of the merge;
// transient and permission errors abort it.
func (s *Syncer) loadSides(ctx context.Context, dir string, scan *Scan, report *SyncReport) ([]merge.Side, []string, error) {
	var sides []merge.Side
	var consumed []string
	for _, wc := range scan.WorkingCopies {
		local := filepath.Join(dir, wc.Info.Name)
		if err := download(ctx, s.folder, wc.Info.Name, local); err != nil {
			if roster.IsTransient(err) || roster.IsPermission(err) {
				return nil, nil, err
			}
			s.skipCopy(report, wc, err)
			continue
		}

		snap, err := s.readSnapshot(local)
		if err != nil {
			s.skipCopy(report, wc, err)
			continue
		}
		sides = append(sides, merge.Side{User: wc.User, Snapshot: snap})
		consumed = append(consumed, wc.Info.Name)
	}
	return sides, consumed, nil
}

func (s *Syncer) skipCopy(report *SyncReport, wc WorkingCopy, err error) {
	s.logger.Warn("skipping unreadable working copy", "user", wc.User, "name", wc.Info.Name, "error", err)
	report.SkippedCopies = append(report.SkippedCopies, wc.Info.Name)
}

func (s *Syncer) readSnapshot(path string) (*roster.Snapshot, error) {
	db, err := s.opener.Open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return roster.ReadSnapshot(db)
}

// applyMerge merges sides into the base copy at mergedPath and writes the
// merged tables back to it.
func (s *Syncer) applyMerge(mergedPath string, sides []merge.Side) (*merge.Result, error) {
	db, err := s.opener.Open(mergedPath)
	if err != nil {
		return nil, fmt.Errorf("opening base: %w", err)
	}
	defer db.Close()

	base, err := roster.ReadSnapshot(db)
	if err != nil {
		return nil, fmt.Errorf("reading base: %w", err)
	}
	result, err := s.engine.Merge(base, sides)
	if err != nil {
		return nil, err
	}
	for _, name := range result.Merged.TableNames() {
		if _, merged := result.Stats[name]; !merged {
			continue
		}
		if err := db.ApplyTable(result.Merged.Table(name)); err != nil {
			return nil, fmt.Errorf("writing merged table %s: %w", name, err)
		}
	}
	return result, nil
}

// publish makes mergedPath the new base: back up the old base, upload the
// new one, archive the consumed working files, drop the merge lock, ring the
// doorbell and fork a fresh working copy for this user.
func (s *Syncer) publish(ctx context.Context, mergedPath string, workingFiles []string, report *SyncReport) error {
	if s.locker != nil {
		if err := s.locker.VerifyOwnLock(ctx); err != nil {
			return fmt.Errorf("publishing merge: %w", err)
		}
	}

	now := s.clock.Now()
	if err := copyRemote(ctx, s.folder, roster.BaseFile, roster.BackupFile(now, roster.BaseFile)); err != nil && !roster.IsNotFound(err) {
		return fmt.Errorf("backing up base: %w", err)
	}
	if err := upload(ctx, s.folder, mergedPath, roster.BaseFile); err != nil {
		return err
	}

	for _, name := range workingFiles {
		if err := copyRemote(ctx, s.folder, name, roster.BackupFile(now, name)); err != nil {
			if roster.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("archiving %s: %w", name, err)
		}
		if err := s.folder.Delete(ctx, name); err != nil {
			return fmt.Errorf("archiving %s: %w", name, err)
		}
		report.Archived = append(report.Archived, name)
	}

	if err := s.folder.Delete(ctx, roster.MergeLockFile); err != nil {
		return fmt.Errorf("removing merge lock: %w", err)
	}
	s.ring(ctx)

	if err := copyLocal(mergedPath, s.opts.WorkingPath); err != nil {
		return fmt.Errorf("forking working copy: %w", err)
	}
	if err := upload(ctx, s.folder, mergedPath, roster.WorkingFile(s.opts.User)); err != nil {
		return err
	}

	report.Published = true
	s.logger.Info("published new base", "archived", len(report.Archived))
	return s.advance(Active)
}

func (s *Syncer) release(ctx context.Context) {
	if err := s.locker.Release(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("releasing lock", "error", err)
	}
}
