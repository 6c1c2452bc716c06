package foldersync

import (
	"context"
	"time"
)

// Watch syncs immediately, then every interval and whenever the doorbell
// rings, until ctx is done. Sync errors are passed to onSync and do not stop
// the loop. Backups are cleaned up once at start.
func (s *Syncer) Watch(ctx context.Context, interval time.Duration, onSync func(*SyncReport, error)) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	bell, err := s.doorbell.Listen(ctx)
	if err != nil {
		s.logger.Warn("doorbell unavailable, polling only", "error", err)
		bell = nil
	}

	run := func(reason string) {
		s.logger.Debug("sync triggered", "reason", reason)
		report, err := s.Sync(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("sync failed", "error", err)
		}
		if onSync != nil {
			onSync(report, err)
		}
	}

	run("start")
	if _, err := s.CleanupBackups(ctx); err != nil {
		s.logger.Warn("backup cleanup failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			run("interval")
		case _, ok := <-bell:
			if !ok {
				bell = nil
				continue
			}
			run("doorbell")
		}
	}
}
