package foldersync

import (
	"context"
	"fmt"

	"rostersync/internal/roster"
)

// Status is a read-only view of the folder for this user.
type Status struct {
	Phase          Phase
	Scan           *Scan
	MergeLockStale bool
	LocalExists    bool
	PendingID      string
	Conflicts      int
}

// Status scans the folder without changing it.
func (s *Syncer) Status(ctx context.Context) (*Status, error) {
	pending, err := s.pending.LoadPending()
	if err != nil {
		return nil, fmt.Errorf("loading pending merge: %w", err)
	}
	scan, err := ScanFolder(ctx, s.folder, s.logger)
	if err != nil {
		return nil, err
	}
	exists, err := fileExists(s.opts.WorkingPath)
	if err != nil {
		return nil, err
	}

	st := &Status{
		Phase:       scan.Phase(s.opts.User, pending != nil),
		Scan:        scan,
		LocalExists: exists,
	}
	if ml := scan.MergeLock; ml != nil {
		st.MergeLockStale = roster.Expired(ml.Timestamp, s.clock.Now(), s.opts.StaleAfter)
	}
	if pending != nil {
		st.PendingID = pending.ID
		st.Conflicts = len(pending.Conflicts)
	}
	return st, nil
}

// CleanupReport lists the backups a cleanup removed.
type CleanupReport struct {
	Deleted []string
	Kept    int
}

// CleanupBackups deletes backups older than the retention period while always
// keeping the KeepBackups newest. With no retention period every backup past
// the newest KeepBackups is deleted.
func (s *Syncer) CleanupBackups(ctx context.Context) (*CleanupReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scan, err := ScanFolder(ctx, s.folder, s.logger)
	if err != nil {
		return nil, err
	}

	report := &CleanupReport{}
	now := s.clock.Now()
	for i, b := range scan.Backups {
		expired := s.opts.BackupRetention <= 0 || roster.Expired(b.Time, now, s.opts.BackupRetention)
		if i < s.opts.KeepBackups || !expired {
			report.Kept++
			continue
		}
		if err := s.folder.Delete(ctx, b.Name); err != nil {
			return report, fmt.Errorf("deleting backup %s: %w", b.Name, err)
		}
		report.Deleted = append(report.Deleted, b.Name)
	}
	if len(report.Deleted) > 0 {
		s.logger.Info("old backups deleted", "deleted", len(report.Deleted), "kept", report.Kept)
	}
	return report, nil
}
