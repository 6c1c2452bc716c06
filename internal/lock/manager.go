// Package lock implements the advisory single-writer lock kept as a small JSON
// file in the shared folder.
//
// The protocol is cooperative: it cannot stop a writer that ignores it, and
// the shared folder may propagate writes late. Acquire therefore writes, waits
// for the write to settle and re-reads before claiming success, and callers
// must call VerifyOwnLock immediately before any destructive write-back.
package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"rostersync/internal/roster"
)

// DefaultFileName is the lock file's name in the shared folder.
const DefaultFileName = roster.LockFile

// Options configures a Manager.
type Options struct {
	User      string
	MachineID string
	// FileName defaults to DefaultFileName.
	FileName string

	StaleAfter        time.Duration
	HeartbeatInterval time.Duration
	SettleDelay       time.Duration
	MaxJitter         time.Duration
}

// Manager owns this machine's view of the shared lock. It is safe for
// concurrent use; the heartbeat goroutine and callers share one mutex.
type Manager struct {
	folder roster.Folder
	clock  roster.Clock
	logger roster.Logger
	opts   Options

	mu       sync.Mutex
	state    State
	sequence int64
}

// NewManager creates a Manager in the Unlocked state.
func NewManager(folder roster.Folder, clock roster.Clock, logger roster.Logger, opts Options) *Manager {
	if clock == nil {
		clock = roster.RealClock{}
	}
	if logger == nil {
		logger = roster.NewNopLogger()
	}
	if opts.FileName == "" {
		opts.FileName = DefaultFileName
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = opts.StaleAfter / 10
	}
	return &Manager{folder: folder, clock: clock, logger: logger, opts: opts}
}

// State returns the current lock state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(to State) error {
	if err := checkTransition(m.state, to); err != nil {
		return err
	}
	m.logger.Debug("lock transition", "from", m.state.String(), "to", to.String())
	m.state = to
	return nil
}

// Acquire claims the lock for this machine.
//
// A fresh lock owned by another machine yields a *roster.LockHeldError naming
// the holder. A fresh lock already owned by this machine is resumed without a
// write; a stale one is rewritten with a new timestamp and the next sequence.
// An absent, corrupt or stale lock is claimed after a random jitter, then
// re-read after the settle delay; success is declared only if the re-read
// still names this machine.
func (m *Manager) Acquire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Held {
		return m.verifyLocked(ctx)
	}
	if err := m.setState(Acquiring); err != nil {
		return err
	}

	current, err := m.read(ctx)
	if err != nil {
		m.state = Unlocked
		return fmt.Errorf("reading lock: %w", err)
	}

	now := m.clock.Now()
	if current != nil {
		stale := current.IsStale(now, m.opts.StaleAfter)
		switch {
		case current.MachineID == m.opts.MachineID && !stale:
			m.logger.Info("resuming own lock", "sequence", current.Sequence)
			m.sequence = current.Sequence
			return m.setState(Held)
		case current.MachineID == m.opts.MachineID:
			// A stale own lock would fail the next verify, so it is
			// rewritten before being resumed.
			refreshed := roster.LockInfo{
				User:      m.opts.User,
				Timestamp: now,
				MachineID: m.opts.MachineID,
				Sequence:  current.Sequence + 1,
			}
			if err := m.write(ctx, refreshed); err != nil {
				m.state = Unlocked
				return fmt.Errorf("refreshing own lock: %w", err)
			}
			m.logger.Info("refreshed own stale lock",
				"sequence", refreshed.Sequence, "age", now.Sub(current.Timestamp).String())
			m.sequence = refreshed.Sequence
			return m.setState(Held)
		case !stale:
			m.state = Unlocked
			return &roster.LockHeldError{Holder: *current}
		default:
			m.logger.Warn("breaking stale lock",
				"holder", current.User, "machine", current.MachineID,
				"age", now.Sub(current.Timestamp).String())
		}
	}

	if m.opts.MaxJitter > 0 {
		if err := sleep(ctx, rand.N(m.opts.MaxJitter)); err != nil {
			m.state = Unlocked
			return err
		}
	}

	claim := roster.LockInfo{
		User:      m.opts.User,
		Timestamp: m.clock.Now(),
		MachineID: m.opts.MachineID,
		Sequence:  1,
	}
	if err := m.write(ctx, claim); err != nil {
		m.state = Unlocked
		return fmt.Errorf("writing lock: %w", err)
	}

	if err := sleep(ctx, m.opts.SettleDelay); err != nil {
		m.state = Unlocked
		return err
	}

	reread, err := m.read(ctx)
	if err != nil {
		m.state = Unlocked
		return fmt.Errorf("verifying lock: %w", err)
	}
	if reread == nil {
		m.state = LostToOther
		return fmt.Errorf("lock vanished while settling: %w", roster.ErrLockLost)
	}
	if reread.MachineID != m.opts.MachineID {
		m.logger.Warn("lost lock race", "holder", reread.User, "machine", reread.MachineID)
		m.state = LostToOther
		return &roster.LockHeldError{Holder: *reread}
	}

	m.sequence = reread.Sequence
	m.logger.Info("lock acquired", "user", m.opts.User, "machine", m.opts.MachineID)
	return m.setState(Held)
}

// VerifyOwnLock re-reads the lock file and confirms this machine still owns a
// live lock. It returns an error wrapping roster.ErrLockLost otherwise.
func (m *Manager) VerifyOwnLock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifyLocked(ctx)
}

func (m *Manager) verifyLocked(ctx context.Context) error {
	if m.state != Held {
		return fmt.Errorf("%w: lock is %s", roster.ErrLockLost, m.state)
	}

	current, err := m.read(ctx)
	if err != nil {
		return fmt.Errorf("reading lock: %w", err)
	}
	if current == nil || current.MachineID != m.opts.MachineID {
		m.state = LostToOther
		if current == nil {
			return fmt.Errorf("%w: lock file removed", roster.ErrLockLost)
		}
		return fmt.Errorf("%w: now held by %s on %s", roster.ErrLockLost, current.User, current.MachineID)
	}
	if current.IsStale(m.clock.Now(), m.opts.StaleAfter) {
		m.state = BrokenAsStale
		return fmt.Errorf("%w: own lock went stale at sequence %d", roster.ErrLockLost, current.Sequence)
	}
	m.sequence = current.Sequence
	return nil
}

// Beat rewrites the lock with a fresh timestamp and the next sequence number.
func (m *Manager) Beat(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.verifyLocked(ctx); err != nil {
		return err
	}
	next := roster.LockInfo{
		User:      m.opts.User,
		Timestamp: m.clock.Now(),
		MachineID: m.opts.MachineID,
		Sequence:  m.sequence + 1,
	}
	if err := m.write(ctx, next); err != nil {
		return fmt.Errorf("writing heartbeat: %w", err)
	}
	m.sequence = next.Sequence
	return nil
}

// StartHeartbeat beats every HeartbeatInterval until ctx is done, the returned
// stop function is called, or the lock is lost. stop waits for the goroutine.
func (m *Manager) StartHeartbeat(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.opts.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := m.Beat(ctx)
				switch {
				case err == nil:
				case errors.Is(err, roster.ErrLockLost):
					m.logger.Error("heartbeat stopped", "error", err)
					return
				case ctx.Err() != nil:
					return
				default:
					m.logger.Warn("heartbeat failed", "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Release deletes the lock file if it still names this machine.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.read(ctx)
	if err != nil {
		return fmt.Errorf("reading lock: %w", err)
	}
	if current == nil || current.MachineID != m.opts.MachineID {
		if m.state == Held {
			m.state = LostToOther
		}
		m.logger.Warn("not releasing lock owned by another machine")
		return nil
	}
	if err := m.folder.Delete(ctx, m.opts.FileName); err != nil {
		return fmt.Errorf("deleting lock: %w", err)
	}
	if m.state == Held {
		m.state = Released
	}
	m.logger.Info("lock released")
	return nil
}

// ForceUnlock deletes the lock file whoever owns it.
func (m *Manager) ForceUnlock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.read(ctx)
	if err != nil {
		return fmt.Errorf("reading lock: %w", err)
	}
	if err := m.folder.Delete(ctx, m.opts.FileName); err != nil {
		return fmt.Errorf("deleting lock: %w", err)
	}
	if current != nil {
		m.logger.Warn("lock forcibly removed", "holder", current.User, "machine", current.MachineID)
	}
	if m.state == Held {
		m.state = Released
	}
	return nil
}

// Status describes the lock file as seen from this machine.
type Status struct {
	Info  *roster.LockInfo
	Stale bool
	Mine  bool
	State State
}

// Status reads the lock file without changing state. Info is nil when unlocked.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.read(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("reading lock: %w", err)
	}
	st := Status{Info: current, State: m.state}
	if current != nil {
		st.Stale = current.IsStale(m.clock.Now(), m.opts.StaleAfter)
		st.Mine = current.MachineID == m.opts.MachineID
	}
	return st, nil
}

// read returns the lock file content, or nil when the file is absent or
// cannot be parsed. A corrupt lock is logged and treated as absent.
func (m *Manager) read(ctx context.Context) (*roster.LockInfo, error) {
	var buf bytes.Buffer
	if err := m.folder.Read(ctx, m.opts.FileName, &buf); err != nil {
		if roster.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var info roster.LockInfo
	if err := json.Unmarshal(buf.Bytes(), &info); err != nil || info.MachineID == "" {
		m.logger.Warn("ignoring unreadable lock file", "name", m.opts.FileName, "error", err)
		return nil, nil
	}
	return &info, nil
}

func (m *Manager) write(ctx context.Context, info roster.LockInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding lock: %w", err)
	}
	return m.folder.Write(ctx, m.opts.FileName, bytes.NewReader(data), int64(len(data)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
