// Package foldersync runs the shared-folder workflow: upload this user's
// working copy, merge every working copy into a new base when more than one
// exists, publish and archive, and fork a fresh working copy.
package foldersync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rostersync/internal/changelog"
	"rostersync/internal/merge"
	"rostersync/internal/queue"
	"rostersync/internal/roster"
)

var (
	ErrNoLocalDatabase   = errors.New("no local database")
	ErrNoPendingMerge    = errors.New("no merge is pending")
	ErrPendingSuperseded = errors.New("pending merge was superseded by another participant")
)

// Locker is the single-writer lock held around merge and publish.
type Locker interface {
	Acquire(ctx context.Context) error
	VerifyOwnLock(ctx context.Context) error
	StartHeartbeat(ctx context.Context) (stop func())
	Release(ctx context.Context) error
}

// Options configures a Syncer.
type Options struct {
	User      string
	MachineID string

	// WorkingPath is the user's local database file.
	WorkingPath string
	// WorkDir holds downloads and pending merge files. Defaults to a "sync"
	// directory next to WorkingPath.
	WorkDir string

	StaleAfter          time.Duration
	SoloCheckpointAfter time.Duration
	BackupRetention     time.Duration
	KeepBackups         int

	AdditiveTables []string
	ExcludedTables []string

	// RecordChanges writes replayed offline edits to a change-set file.
	RecordChanges bool
}

// Deps are the collaborators of a Syncer. Queue, Locker and Doorbell are
// optional.
type Deps struct {
	Folder   roster.Folder
	Opener   roster.DatabaseOpener
	Pending  roster.PendingStore
	Queue    *queue.Queue
	Locker   Locker
	Doorbell roster.Doorbell
	Clock    roster.Clock
	IDs      roster.IDGenerator
	Logger   roster.Logger
}

// Syncer coordinates one user's participation in a shared folder. Its
// operations are serialised.
type Syncer struct {
	folder   roster.Folder
	opener   roster.DatabaseOpener
	pending  roster.PendingStore
	queue    *queue.Queue
	locker   Locker
	doorbell roster.Doorbell
	clock    roster.Clock
	ids      roster.IDGenerator
	logger   roster.Logger
	engine   *merge.Engine
	opts     Options

	mu    sync.Mutex
	phase Phase
}

// New creates a Syncer.
func New(deps Deps, opts Options) (*Syncer, error) {
	if deps.Folder == nil || deps.Opener == nil || deps.Pending == nil {
		return nil, fmt.Errorf("folder, opener and pending store are required")
	}
	if opts.User == "" || opts.MachineID == "" {
		return nil, fmt.Errorf("user and machine id are required")
	}
	if opts.WorkingPath == "" {
		return nil, fmt.Errorf("working path is required")
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(filepath.Dir(opts.WorkingPath), "sync")
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if deps.Doorbell == nil {
		deps.Doorbell = roster.NopDoorbell{}
	}
	if deps.Clock == nil {
		deps.Clock = roster.RealClock{}
	}
	if deps.IDs == nil {
		deps.IDs = roster.UUIDGenerator{}
	}
	if deps.Logger == nil {
		deps.Logger = roster.NewNopLogger()
	}

	return &Syncer{
		folder:   deps.Folder,
		opener:   deps.Opener,
		pending:  deps.Pending,
		queue:    deps.Queue,
		locker:   deps.Locker,
		doorbell: deps.Doorbell,
		clock:    deps.Clock,
		ids:      deps.IDs,
		logger:   deps.Logger,
		engine: merge.NewEngine(merge.Options{
			AdditiveTables: opts.AdditiveTables,
			ExcludedTables: opts.ExcludedTables,
		}, deps.Logger),
		opts: opts,
	}, nil
}

// Phase returns the phase reached by the last operation.
func (s *Syncer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// observe records a phase read from the folder. Observations are not
// transitions and are never rejected.
func (s *Syncer) observe(p Phase) {
	s.phase = p
}

func (s *Syncer) advance(to Phase) error {
	if s.phase == 0 {
		s.phase = to
		return nil
	}
	if err := checkAdvance(s.phase, to); err != nil {
		return err
	}
	s.phase = to
	return nil
}

// Sync brings this user's working copy and the shared base together. See
// Checkpoint for forcing a merge with a single working copy.
func (s *Syncer) Sync(ctx context.Context) (*SyncReport, error) {
	return s.run(ctx, false)
}

// Checkpoint is Sync that promotes the working copy into the base even when
// no other participant has a working copy.
func (s *Syncer) Checkpoint(ctx context.Context) (*SyncReport, error) {
	return s.run(ctx, true)
}

func (s *Syncer) run(ctx context.Context, force bool) (*SyncReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &SyncReport{}
	if err := os.MkdirAll(s.opts.WorkDir, 0o700); err != nil {
		return report, fmt.Errorf("creating work dir: %w", err)
	}

	pending, err := s.checkPending(ctx, report)
	if err != nil {
		return report, err
	}
	if pending != nil {
		s.observe(MergePending)
		report.Phase = MergePending
		report.Participants = pending.Participants
		report.Conflicts = pending.Conflicts
		return report, nil
	}

	scan, err := ScanFolder(ctx, s.folder, s.logger)
	if err != nil {
		return report, err
	}
	s.observe(scan.Phase(s.opts.User, false))

	exists, err := fileExists(s.opts.WorkingPath)
	if err != nil {
		return report, fmt.Errorf("checking local database: %w", err)
	}
	if !exists {
		if scan.Base == nil {
			return report, fmt.Errorf("%w at %s and the folder has no base", ErrNoLocalDatabase, s.opts.WorkingPath)
		}
		return report, s.join(ctx, report)
	}

	if err := s.replayQueue(ctx, report); err != nil {
		return report, err
	}

	if scan.Base == nil {
		return report, s.initialize(ctx, report)
	}

	if err := s.clearInterruptedMerge(ctx, scan, report); err != nil {
		return report, err
	}

	if err := s.uploadWorking(ctx); err != nil {
		return report, err
	}
	if scan, err = ScanFolder(ctx, s.folder, s.logger); err != nil {
		return report, err
	}
	if err := s.advance(scan.Phase(s.opts.User, false)); err != nil {
		return report, err
	}

	switch {
	case len(scan.WorkingCopies) >= 2:
		err = s.merge(ctx, scan, report)
	case force || s.soloCheckpointDue(scan):
		report.Checkpoint = true
		if err = s.advance(NeedsMerge); err == nil {
			err = s.merge(ctx, scan, report)
		}
	}
	report.Phase = s.phase
	return report, err
}

// checkPending returns the stored pending merge while its merge lock is still
// ours, refreshing the lock's timestamp. A pending merge whose lock was
// broken is discarded.
func (s *Syncer) checkPending(ctx context.Context, report *SyncReport) (*roster.PendingMerge, error) {
	pending, err := s.pending.LoadPending()
	if err != nil {
		return nil, fmt.Errorf("loading pending merge: %w", err)
	}
	if pending == nil {
		return nil, nil
	}

	ml, err := s.ownedMergeLock(ctx, pending)
	if err != nil {
		return nil, err
	}
	if ml == nil {
		s.logger.Warn("discarding superseded pending merge", "id", pending.ID)
		report.Superseded = true
		return nil, s.discardPending(pending)
	}

	ml.Timestamp = s.clock.Now()
	if err := writeMergeLock(ctx, s.folder, *ml); err != nil {
		return nil, fmt.Errorf("refreshing merge lock: %w", err)
	}
	return pending, nil
}

// ownedMergeLock returns the merge lock if it still belongs to pending.
func (s *Syncer) ownedMergeLock(ctx context.Context, pending *roster.PendingMerge) (*roster.MergeLock, error) {
	ml, err := readMergeLock(ctx, s.folder)
	if err != nil {
		if roster.IsNotFound(err) || roster.KindOf(err) == roster.KindInvalid {
			return nil, nil
		}
		return nil, fmt.Errorf("reading merge lock: %w", err)
	}
	if ml.MachineID != s.opts.MachineID || !sameStrings(ml.Participants, pending.Participants) {
		return nil, nil
	}
	return ml, nil
}

func (s *Syncer) discardPending(pending *roster.PendingMerge) error {
	if err := s.pending.ClearPending(); err != nil {
		return fmt.Errorf("clearing pending merge: %w", err)
	}
	if pending.MergedPath != "" {
		os.Remove(pending.MergedPath)
	}
	return nil
}

// clearInterruptedMerge handles a merge lock left in the folder. A fresh
// lock from another machine means a merge is running elsewhere. A stale or
// corrupt lock, or one of ours without a stored pending merge, is an
// interrupted merge: it is reported and removed so the merge runs again.
func (s *Syncer) clearInterruptedMerge(ctx context.Context, scan *Scan, report *SyncReport) error {
	ml := scan.MergeLock
	if ml == nil && !scan.MergeLockCorrupt {
		return nil
	}
	if ml != nil && ml.MachineID != s.opts.MachineID && !roster.Expired(ml.Timestamp, s.clock.Now(), s.opts.StaleAfter) {
		return fmt.Errorf("%w: started by %s at %s", roster.ErrMergeInProgress,
			ml.User, ml.Timestamp.Format(time.RFC3339))
	}

	if ml == nil {
		ml = &roster.MergeLock{}
	}
	s.logger.Warn("found interrupted merge",
		"participants", ml.Participants, "started", ml.Timestamp, "by", ml.User)
	report.Interrupted = ml
	if err := s.folder.Delete(ctx, roster.MergeLockFile); err != nil {
		return fmt.Errorf("removing merge lock: %w", err)
	}
	scan.MergeLock = nil
	scan.MergeLockCorrupt = false
	return nil
}

func (s *Syncer) soloCheckpointDue(scan *Scan) bool {
	if s.opts.SoloCheckpointAfter <= 0 || scan.Base == nil {
		return false
	}
	return s.clock.Now().Sub(scan.Base.ModTime) > s.opts.SoloCheckpointAfter
}

// join creates the local database from the current base.
func (s *Syncer) join(ctx context.Context, report *SyncReport) error {
	if err := download(ctx, s.folder, roster.BaseFile, s.opts.WorkingPath); err != nil {
		return err
	}
	if err := upload(ctx, s.folder, s.opts.WorkingPath, roster.WorkingFile(s.opts.User)); err != nil {
		return err
	}
	s.logger.Info("joined shared folder", "user", s.opts.User)
	report.Joined = true
	if err := s.advance(Active); err != nil {
		return err
	}
	report.Phase = s.phase
	return nil
}

// initialize publishes the local database as the first base.
func (s *Syncer) initialize(ctx context.Context, report *SyncReport) error {
	exported, cleanup, err := s.exportLocal()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := upload(ctx, s.folder, exported, roster.BaseFile); err != nil {
		return err
	}
	if err := upload(ctx, s.folder, exported, roster.WorkingFile(s.opts.User)); err != nil {
		return err
	}
	s.logger.Info("initialised shared folder", "user", s.opts.User)
	s.ring(ctx)

	report.Initialized = true
	report.Published = true
	if err := s.advance(Active); err != nil {
		return err
	}
	report.Phase = s.phase
	return nil
}

// exportLocal writes a consistent copy of the local database into WorkDir.
func (s *Syncer) exportLocal() (string, func(), error) {
	db, err := s.opener.Open(s.opts.WorkingPath)
	if err != nil {
		return "", nil, fmt.Errorf("opening local database: %w", err)
	}
	defer db.Close()

	dest := filepath.Join(s.opts.WorkDir, "export-"+s.ids.New()+".db")
	if err := db.ExportTo(dest); err != nil {
		return "", nil, fmt.Errorf("exporting local database: %w", err)
	}
	return dest, func() { os.Remove(dest) }, nil
}

func (s *Syncer) uploadWorking(ctx context.Context) error {
	exported, cleanup, err := s.exportLocal()
	if err != nil {
		return err
	}
	defer cleanup()

	name := roster.WorkingFile(s.opts.User)
	if err := upload(ctx, s.folder, exported, name); err != nil {
		return err
	}
	s.logger.Debug("working copy uploaded", "name", name)
	return nil
}

// replayQueue applies offline edits to the local database before upload.
func (s *Syncer) replayQueue(ctx context.Context, report *SyncReport) error {
	if s.queue == nil {
		return nil
	}
	entries, err := s.queue.Pending()
	if err != nil {
		return fmt.Errorf("reading offline queue: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	db, err := s.opener.Open(s.opts.WorkingPath)
	if err != nil {
		return fmt.Errorf("opening local database: %w", err)
	}
	res, err := s.queue.Replay(ctx, db)
	db.Close()
	report.Queue = res
	if err != nil {
		return fmt.Errorf("replaying offline queue: %w", err)
	}

	if s.opts.RecordChanges {
		report.ChangeSet = s.recordChanges(ctx, entries)
	}
	return nil
}

// recordChanges writes the replayed entries as one change set. Failures are
// logged; the change log is an audit trail only.
func (s *Syncer) recordChanges(ctx context.Context, entries []*roster.QueueEntry) string {
	rec := changelog.NewRecorder(s.folder, s.opts.User, 0, s.clock, s.ids, s.logger)
	for _, e := range entries {
		if err := rec.Record(operationFor(e)); err != nil {
			s.logger.Warn("skipping change log entry", "id", e.ID, "error", err)
		}
	}
	if err := rec.Flush(ctx); err != nil {
		s.logger.Warn("writing change set", "error", err)
		return ""
	}
	return rec.SessionID()
}

func operationFor(e *roster.QueueEntry) changelog.Operation {
	op := changelog.Operation{
		Table: e.Table,
		Op:    e.Operation,
		RowID: e.RowID,
		Data:  e.Data.Clone(),
	}
	if e.Operation == roster.OpUpdate && e.Field != "" {
		if op.Data == nil {
			op.Data = roster.Row{}
		}
		op.Data[e.Field] = e.NewValue
		op.Previous = roster.Row{e.Field: e.OldValue}
	}
	return op
}

func (s *Syncer) ring(ctx context.Context) {
	if err := s.doorbell.Ring(ctx); err != nil {
		s.logger.Warn("doorbell ring failed", "error", err)
	}
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
