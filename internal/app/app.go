package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"rostersync/internal/changelog"
	"rostersync/internal/config"
	"rostersync/internal/database"
	"rostersync/internal/doorbell"
	"rostersync/internal/encryption"
	"rostersync/internal/folder"
	"rostersync/internal/foldersync"
	"rostersync/internal/lock"
	"rostersync/internal/queue"
	"rostersync/internal/roster"
)

// ErrBusy is returned when another rostersync process of the same user is
// already running a mutating command on this machine.
var ErrBusy = errors.New("another rostersync command is in progress")

// Options tune how a RosterApp is built. All fields are optional.
type Options struct {
	// Passphrase is asked for only when the config selects age encryption.
	Passphrase func() (string, error)
	Verbose    bool

	Clock roster.Clock
	IDs   roster.IDGenerator
}

// RosterApp is the application layer between the CLI and the Syncer.
// It constructs all dependencies from config, exposes high-level operations,
// records them in the operation history and releases resources on Close.
type RosterApp struct {
	cfg      *config.Config
	state    *database.StateDB
	folder   roster.Folder
	queue    *queue.Queue
	locker   *lock.Manager
	doorbell *doorbell.FolderDoorbell
	syncer   *foldersync.Syncer
	clock    roster.Clock
	logger   roster.Logger
	op       *SyncOperation
	runLock  *flock.Flock
	logFile  io.Closer
}

// NewRosterApp creates a fully wired RosterApp from the given config.
// operation identifies the CLI command being run (e.g. "Sync", "Resolve").
// The caller must call Close when done.
func NewRosterApp(ctx context.Context, cfg *config.Config, operation string, opts Options) (*RosterApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = roster.RealClock{}
	}
	ids := opts.IDs
	if ids == nil {
		ids = roster.UUIDGenerator{}
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	opID := clock.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	a := &RosterApp{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		op:      NewSyncOperation(operation, ""),
		logFile: logFile,
	}
	if err := a.build(ctx, ids, opts); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *RosterApp) build(ctx context.Context, ids roster.IDGenerator, opts Options) error {
	cfg := a.cfg

	raw, err := folder.NewFolderFromConfig(ctx, cfg.Folder, a.clock)
	if err != nil {
		return fmt.Errorf("creating folder: %w", err)
	}
	var f roster.Folder = folder.NewRetryingFolder(raw, folder.RetryPolicy{
		Attempts:  cfg.Sync.RetryAttempts,
		BaseDelay: cfg.Sync.RetryBaseDelay.D(),
		MaxDelay:  cfg.Sync.RetryMaxDelay.D(),
	}, a.logger)

	var passphrase string
	if cfg.Encryption.Type == "age" {
		if opts.Passphrase == nil {
			return fmt.Errorf("age encryption requires a passphrase")
		}
		if passphrase, err = opts.Passphrase(); err != nil {
			return fmt.Errorf("reading passphrase: %w", err)
		}
	}
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption, passphrase)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if enc != nil {
		f = folder.NewEncryptedFolder(f, enc)
	}
	a.folder = f

	state, err := database.NewStateDBFromConfig(cfg.State, roster.Slug(cfg.User))
	if err != nil {
		return fmt.Errorf("creating state database: %w", err)
	}
	a.state = state
	if err := state.CheckMigrations(); err != nil {
		return fmt.Errorf("state database schema out of date: %w", err)
	}

	store, err := queue.NewStoreFromConfig(cfg.Queue, state)
	if err != nil {
		return fmt.Errorf("creating queue store: %w", err)
	}
	a.queue = queue.New(store, cfg.User, a.clock, ids, a.logger)

	a.locker = lock.NewManager(f, a.clock, a.logger, lock.Options{
		User:              cfg.User,
		MachineID:         cfg.MachineID,
		StaleAfter:        cfg.Sync.StaleAfter.D(),
		HeartbeatInterval: cfg.Sync.HeartbeatInterval.D(),
		SettleDelay:       cfg.Sync.SettleDelay.D(),
		MaxJitter:         cfg.Sync.MaxJitter.D(),
	})

	bellOpts := doorbell.Options{
		User:         cfg.User,
		MachineID:    cfg.MachineID,
		PollInterval: cfg.Sync.PullInterval.D(),
	}
	if cfg.Folder.Type == "filesystem" {
		bellOpts.WatchDir = cfg.Folder.Path
	}
	a.doorbell = doorbell.New(f, a.clock, ids, a.logger, bellOpts)

	deps := foldersync.Deps{
		Folder:   f,
		Opener:   database.SnapshotOpener{},
		Pending:  state,
		Queue:    a.queue,
		Doorbell: a.doorbell,
		Clock:    a.clock,
		IDs:      ids,
		Logger:   a.logger,
	}
	if cfg.Sync.SingleWriter {
		deps.Locker = a.locker
	}
	syncer, err := foldersync.New(deps, foldersync.Options{
		User:                cfg.User,
		MachineID:           cfg.MachineID,
		WorkingPath:         cfg.Database.WorkingPath,
		WorkDir:             filepath.Join(cfg.BaseDir, "sync", roster.Slug(cfg.User)),
		StaleAfter:          cfg.Sync.StaleAfter.D(),
		SoloCheckpointAfter: cfg.Sync.SoloCheckpointAfter.D(),
		BackupRetention:     cfg.Sync.BackupRetention.D(),
		KeepBackups:         cfg.Sync.KeepBackups,
		AdditiveTables:      cfg.Sync.AdditiveTables,
		ExcludedTables:      cfg.Sync.ExcludedTables,
		RecordChanges:       cfg.Sync.RecordChanges,
	})
	if err != nil {
		return fmt.Errorf("creating syncer: %w", err)
	}
	a.syncer = syncer
	return nil
}

// exclusive persists the operation and takes the per-user run lock on this
// machine. The lock is held until Close.
func (a *RosterApp) exclusive(parameters string) error {
	if a.runLock == nil {
		if err := os.MkdirAll(a.cfg.BaseDir, 0755); err != nil {
			return fmt.Errorf("creating base directory: %w", err)
		}
		path := filepath.Join(a.cfg.BaseDir, "rostersync."+roster.Slug(a.cfg.User)+".run.lock")
		fl := flock.New(path)
		locked, err := fl.TryLock()
		if err != nil {
			return fmt.Errorf("acquiring run lock: %w", err)
		}
		if !locked {
			return ErrBusy
		}
		a.runLock = fl
	}
	return a.persistOperation(parameters)
}

// persistOperation saves the sync operation to the state database, giving it
// an auto-increment ID.
func (a *RosterApp) persistOperation(parameters string) error {
	if a.op.Persisted() {
		return nil
	}
	a.op.Parameters = parameters
	id, err := a.state.CreateSyncOperation(a.op.Operation, a.op.Parameters, a.clock.Now())
	if err != nil {
		return fmt.Errorf("persisting sync operation: %w", err)
	}
	a.op.ID = id
	return nil
}

// Config returns the configuration the app was built from.
func (a *RosterApp) Config() *config.Config {
	return a.cfg
}

// Sync runs one sync cycle.
func (a *RosterApp) Sync(ctx context.Context) (*foldersync.SyncReport, error) {
	if err := a.exclusive(""); err != nil {
		return nil, err
	}
	report, err := a.syncer.Sync(ctx)
	a.recordReport(report, err)
	return report, err
}

// Checkpoint merges even when this user is the only participant.
func (a *RosterApp) Checkpoint(ctx context.Context) (*foldersync.SyncReport, error) {
	if err := a.exclusive(""); err != nil {
		return nil, err
	}
	report, err := a.syncer.Checkpoint(ctx)
	a.recordReport(report, err)
	return report, err
}

func (a *RosterApp) recordReport(report *foldersync.SyncReport, err error) {
	summary := ""
	if report != nil {
		summary = report.Summary()
	}
	a.op.Record(summary, err)
}

// Status describes the shared folder and the local state.
func (a *RosterApp) Status(ctx context.Context) (*foldersync.Status, error) {
	return a.syncer.Status(ctx)
}

// PendingConflicts returns the merge waiting on resolutions, or nil.
func (a *RosterApp) PendingConflicts() (*roster.PendingMerge, error) {
	return a.syncer.PendingConflicts()
}

// ResolveConflicts applies the decisions read from path and publishes the
// pending merge.
func (a *RosterApp) ResolveConflicts(ctx context.Context, path string) (*foldersync.SyncReport, error) {
	if err := a.exclusive(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		a.op.Record("", err)
		return nil, fmt.Errorf("opening decisions: %w", err)
	}
	defer f.Close()

	decisions, err := ParseDecisions(f)
	if err != nil {
		a.op.Record("", err)
		return nil, err
	}
	report, err := a.syncer.ResolveConflicts(ctx, decisions)
	a.recordReport(report, err)
	return report, err
}

// decision is one entry of a decisions file.
type decision struct {
	Kind  string `json:"kind"`
	Index int    `json:"index"`
}

// ParseDecisions reads a decisions file: a JSON object keyed by
// "table:sync_id" whose values name a resolution, for example
//
//	{"person:P1": {"kind": "modifier", "index": 1}, "person:P2": {"kind": "base"}}
func ParseDecisions(r io.Reader) (map[string]roster.Resolution, error) {
	var raw map[string]decision
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding decisions: %w", err)
	}
	out := make(map[string]roster.Resolution, len(raw))
	for key, d := range raw {
		res, err := roster.ParseResolution(d.Kind, d.Index)
		if err != nil {
			return nil, fmt.Errorf("decision %s: %w", key, err)
		}
		out[key] = res
	}
	return out, nil
}

// LockStatus reports the advisory lock file.
func (a *RosterApp) LockStatus(ctx context.Context) (lock.Status, error) {
	return a.locker.Status(ctx)
}

// AcquireLock claims the advisory lock for this machine. The lock stays in
// the folder after the process exits until ReleaseLock or a stale break.
func (a *RosterApp) AcquireLock(ctx context.Context) error {
	if err := a.exclusive(""); err != nil {
		return err
	}
	err := a.locker.Acquire(ctx)
	a.op.Record("lock acquired", err)
	return err
}

// ReleaseLock removes the lock file if this machine owns it.
func (a *RosterApp) ReleaseLock(ctx context.Context) error {
	if err := a.exclusive(""); err != nil {
		return err
	}
	err := a.locker.Release(ctx)
	a.op.Record("lock released", err)
	return err
}

// ForceUnlock removes the lock file whoever owns it.
func (a *RosterApp) ForceUnlock(ctx context.Context) error {
	if err := a.exclusive(""); err != nil {
		return err
	}
	err := a.locker.ForceUnlock(ctx)
	a.op.Record("lock forcibly removed", err)
	return err
}

// QueueEntries lists the most recent offline queue entries.
func (a *RosterApp) QueueEntries(limit int) ([]*roster.QueueEntry, error) {
	return a.queue.List(limit)
}

// ReplayQueue applies pending offline edits to the local working database
// without touching the shared folder.
func (a *RosterApp) ReplayQueue(ctx context.Context) (queue.ReplayResult, error) {
	if err := a.exclusive(""); err != nil {
		return queue.ReplayResult{}, err
	}
	db, err := database.OpenSnapshot(a.cfg.Database.WorkingPath)
	if err != nil {
		a.op.Record("", err)
		return queue.ReplayResult{}, fmt.Errorf("opening working database: %w", err)
	}
	defer db.Close()

	res, err := a.queue.Replay(ctx, db)
	a.op.Record(fmt.Sprintf("applied=%d skipped=%d", res.Applied, res.Skipped), err)
	return res, err
}

// ChangeSets lists the change-set files in the shared folder, oldest first,
// and the names of files that could not be parsed.
func (a *RosterApp) ChangeSets(ctx context.Context) ([]*changelog.ChangeSet, []string, error) {
	return changelog.NewReplayer(a.folder, a.cfg.User, a.clock, a.logger).Load(ctx)
}

// ReplayChanges applies other users' change sets to the local working database.
func (a *RosterApp) ReplayChanges(ctx context.Context) (*changelog.ReplayReport, error) {
	if err := a.exclusive(""); err != nil {
		return nil, err
	}
	db, err := database.OpenSnapshot(a.cfg.Database.WorkingPath)
	if err != nil {
		a.op.Record("", err)
		return nil, fmt.Errorf("opening working database: %w", err)
	}
	defer db.Close()

	report, err := changelog.NewReplayer(a.folder, a.cfg.User, a.clock, a.logger).Replay(ctx, db)
	summary := ""
	if report != nil {
		summary = fmt.Sprintf("applied=%d operations=%d version=%d",
			len(report.Applied), report.Operations, report.Version)
	}
	a.op.Record(summary, err)
	return report, err
}

// Watch syncs every pull interval and whenever another participant rings the
// doorbell, until ctx is cancelled.
func (a *RosterApp) Watch(ctx context.Context, onSync func(*foldersync.SyncReport, error)) error {
	if err := a.exclusive(""); err != nil {
		return err
	}
	err := a.syncer.Watch(ctx, a.cfg.Sync.PullInterval.D(), onSync)
	a.op.Record("watch stopped", err)
	return err
}

// CleanupBackups deletes expired backup files from the shared folder.
func (a *RosterApp) CleanupBackups(ctx context.Context) (*foldersync.CleanupReport, error) {
	if err := a.exclusive(""); err != nil {
		return nil, err
	}
	report, err := a.syncer.CleanupBackups(ctx)
	summary := ""
	if report != nil {
		summary = fmt.Sprintf("deleted=%d kept=%d", len(report.Deleted), len(report.Kept))
	}
	a.op.Record(summary, err)
	return report, err
}

// History returns the most recent sync operations.
func (a *RosterApp) History(limit int) ([]*database.OperationRecord, error) {
	return a.state.ListSyncOperations(limit)
}

// Close finalizes the operation record and closes all resources.
func (a *RosterApp) Close() error {
	var firstErr error
	if a.op.Persisted() {
		if err := a.state.FinishSyncOperation(a.op.ID, a.op.Status, a.op.Summary, a.clock.Now()); err != nil {
			firstErr = fmt.Errorf("finishing sync operation: %w", err)
		}
	}
	if err := a.closeResources(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *RosterApp) closeResources() error {
	var firstErr error
	if a.state != nil {
		if err := a.state.Close(); err != nil {
			firstErr = fmt.Errorf("closing state database: %w", err)
		}
		a.state = nil
	}
	if a.runLock != nil {
		if err := a.runLock.Unlock(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("releasing run lock: %w", err)
		}
		a.runLock = nil
	}
	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}
	return firstErr
}

// DefaultTimeout bounds one-shot commands so a hung remote folder cannot
// block the CLI forever.
const DefaultTimeout = 10 * time.Minute
