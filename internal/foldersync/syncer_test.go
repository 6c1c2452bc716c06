package foldersync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rostersync/internal/encryption"
	"rostersync/internal/folder"
	"rostersync/internal/lock"
	"rostersync/internal/queue"
	"rostersync/internal/roster"
	"rostersync/internal/testutil"
)

func memoryFolder(c roster.Clock) roster.Folder {
	return folder.NewMemoryFolder(c)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Deps{}, Options{User: "alice", MachineID: "m", WorkingPath: "x.db"})
	assert.Error(t, err)

	deps := Deps{Folder: folder.NewMemoryFolder(nil), Opener: nil, Pending: testutil.NewTestStateDB(t)}
	_, err = New(deps, Options{User: "alice", MachineID: "m", WorkingPath: "x.db"})
	assert.Error(t, err)
}

func TestSync_InitializeAndJoin(t *testing.T) {
	w := newWorld(t, memoryFolder)
	alice, bob := twoUsers(t, w)

	assert.True(t, w.exists(roster.BaseFile))
	assert.True(t, w.exists(roster.WorkingFile("alice")))
	assert.True(t, w.exists(roster.WorkingFile("bob")))
	assert.Equal(t, Active, alice.syncer.Phase())
	assert.Equal(t, Active, bob.syncer.Phase())

	row := bob.row(t, "person", "P1")
	require.NotNil(t, row)
	assert.Equal(t, "Ann", row["name"])
}

func TestSync_NoLocalDatabaseAndNoBase(t *testing.T) {
	w := newWorld(t, memoryFolder)
	alice := w.join("alice")

	_, err := alice.syncer.Sync(context.Background())
	assert.ErrorIs(t, err, ErrNoLocalDatabase)
}

func TestSync_SingleModifierIsMerged(t *testing.T) {
	w := newWorld(t, memoryFolder)
	alice, bob := twoUsers(t, w)

	w.clock.Advance(time.Minute)
	alice.edit(t, "person", testutil.Person("P1", "B", "111", w.clock.Now(), "alice"))

	report := alice.sync(t)
	assert.True(t, report.Published)
	assert.Equal(t, 1, report.AutoMerged)
	assert.Empty(t, report.Conflicts)
	assert.ElementsMatch(t, []string{roster.WorkingFile("alice"), roster.WorkingFile("bob")}, report.Archived)
	assert.Equal(t, Active, report.Phase)

	assert.Equal(t, "B", w.baseRow("person", "P1")["name"])
	assert.False(t, w.exists(roster.MergeLockFile))
	assert.True(t, w.exists(roster.WorkingFile("alice")), "fresh working copy forked")
	assert.False(t, w.exists(roster.WorkingFile("bob")))

	// Previous base and both consumed copies were archived.
	assert.Len(t, w.names(roster.BackupPrefix), 3)

	// Bob's next sync picks up the new base without re-applying his stale row.
	report = bob.sync(t)
	assert.True(t, report.Published)
	assert.Equal(t, 0, report.AutoMerged)
	assert.Equal(t, "B", bob.row(t, "person", "P1")["name"])
}

func TestSync_ConflictThenResolve(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, memoryFolder)
	alice, bob := twoUsers(t, w)

	w.clock.Advance(time.Minute)
	alice.edit(t, "person", testutil.Person("P1", "Ann", "555", w.clock.Now(), "alice"))
	w.clock.Advance(time.Minute)
	bob.edit(t, "person", testutil.Person("P1", "Ann", "777", w.clock.Now(), "bob"))
	require.NoError(t, bob.syncer.uploadWorking(ctx))

	report := alice.sync(t)
	assert.Equal(t, MergePending, report.Phase)
	require.Len(t, report.Conflicts, 1)
	conflict := report.Conflicts[0]
	assert.Equal(t, "person:P1", conflict.Key())
	require.Len(t, conflict.Modifiers, 2)
	assert.False(t, report.Published)

	// Base is untouched and the merge lock blocks other participants.
	assert.Equal(t, "111", w.baseRow("person", "P1")["phone"])
	assert.True(t, w.exists(roster.MergeLockFile))
	_, err := bob.syncer.Sync(ctx)
	assert.ErrorIs(t, err, roster.ErrMergeInProgress)

	// Syncing again only reports the pending merge.
	report = alice.sync(t)
	assert.Equal(t, MergePending, report.Phase)
	assert.Len(t, report.Conflicts, 1)

	pending, err := alice.syncer.PendingConflicts()
	require.NoError(t, err)
	require.NotNil(t, pending)

	_, err = alice.syncer.ResolveConflicts(ctx, map[string]roster.Resolution{})
	assert.ErrorIs(t, err, roster.ErrUnresolvedConflicts)

	bobIndex := -1
	for i, m := range conflict.Modifiers {
		if m.User == "bob" {
			bobIndex = i
		}
	}
	require.GreaterOrEqual(t, bobIndex, 0)

	w.clock.Advance(time.Minute)
	report, err = alice.syncer.ResolveConflicts(ctx, map[string]roster.Resolution{
		conflict.Key(): roster.TakeModifier{Index: bobIndex},
	})
	require.NoError(t, err)
	assert.True(t, report.Published)
	assert.Equal(t, Active, report.Phase)

	base := w.baseRow("person", "P1")
	assert.Equal(t, "777", base["phone"])
	assert.True(t, base.ModifiedAt().Equal(w.clock.Now()))
	assert.Equal(t, "777", alice.row(t, "person", "P1")["phone"])
	assert.False(t, w.exists(roster.MergeLockFile))

	pending, err = alice.syncer.PendingConflicts()
	require.NoError(t, err)
	assert.Nil(t, pending)

	// Alice's losing version is not re-applied at her next sync.
	report = alice.sync(t)
	assert.Empty(t, report.Conflicts)
	assert.Equal(t, "777", w.baseRow("person", "P1")["phone"])
}

func TestResolveConflicts_NoPending(t *testing.T) {
	w := newWorld(t, memoryFolder)
	alice := w.join("alice")

	_, err := alice.syncer.ResolveConflicts(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoPendingMerge)
}

func TestResolveConflicts_Superseded(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, memoryFolder)
	alice, bob := twoUsers(t, w)

	w.clock.Advance(time.Minute)
	alice.edit(t, "person", testutil.Person("P1", "Ann", "555", w.clock.Now(), "alice"))
	bob.edit(t, "person", testutil.Person("P1", "Ann", "777", w.clock.Now(), "bob"))
	require.NoError(t, bob.syncer.uploadWorking(ctx))
	report := alice.sync(t)
	require.Len(t, report.Conflicts, 1)

	// Another participant broke the merge lock.
	require.NoError(t, w.folder.Delete(ctx, roster.MergeLockFile))

	_, err := alice.syncer.ResolveConflicts(ctx, map[string]roster.Resolution{
		report.Conflicts[0].Key(): roster.KeepBase{},
	})
	assert.ErrorIs(t, err, ErrPendingSuperseded)

	pending, err := alice.syncer.PendingConflicts()
	require.NoError(t, err)
	assert.Nil(t, pending)
}

// timeOffConflict leaves alice with a pending merge holding one conflict on
// the additive time_off table, edited by both alice and bob.
func timeOffConflict(t *testing.T, w *world, configure ...func(*Deps, *Options)) (*participant, roster.MergeConflict) {
	t.Helper()
	configure = append(configure, func(_ *Deps, o *Options) { o.AdditiveTables = []string{"time_off"} })
	alice := w.join("alice", configure...)
	alice.seed(t, testutil.Person("P1", "Ann", "111", w.t0, "alice"))
	alice.edit(t, "time_off", testutil.TimeOff("T1", "P1", "2025-03-10", w.t0, "alice"))
	require.True(t, alice.sync(t).Initialized)
	bob := w.join("bob", configure...)
	require.True(t, bob.sync(t).Joined)

	w.clock.Advance(time.Minute)
	alice.edit(t, "time_off", testutil.TimeOff("T1", "P1", "2025-03-11", w.clock.Now(), "alice"))
	bob.edit(t, "time_off", testutil.TimeOff("T1", "P1", "2025-03-12", w.clock.Now(), "bob"))
	require.NoError(t, bob.syncer.uploadWorking(context.Background()))

	report := alice.sync(t)
	require.Len(t, report.Conflicts, 1)
	require.True(t, report.Conflicts[0].AllowMultiple)
	return alice, report.Conflicts[0]
}

func TestResolveConflicts_RetryAfterPublishFailure(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, memoryFolder)
	alice, conflict := timeOffConflict(t, w)
	decisions := map[string]roster.Resolution{conflict.Key(): roster.KeepAll{}}

	w.folder.(*folder.MemoryFolder).FailNext("write", roster.BaseFile, roster.KindPermission, 1)
	_, err := alice.syncer.ResolveConflicts(ctx, decisions)
	require.Error(t, err)
	assert.Equal(t, roster.KindPermission, roster.KindOf(err))
	assert.True(t, w.exists(roster.MergeLockFile))
	pending, err := alice.syncer.PendingConflicts()
	require.NoError(t, err)
	require.NotNil(t, pending, "a failed publish keeps the pending merge")

	issued := w.ids.Issued()
	report, err := alice.syncer.ResolveConflicts(ctx, decisions)
	require.NoError(t, err)
	assert.True(t, report.Published)
	assert.Equal(t, issued+2, w.ids.Issued(), "one fresh sync_id per modifier")

	live := w.liveRows("time_off")
	require.Len(t, live, 2)
	var days []any
	for _, r := range live {
		assert.NotEqual(t, "T1", r.SyncID())
		days = append(days, r["day"])
	}
	assert.ElementsMatch(t, []any{"2025-03-11", "2025-03-12"}, days)
	assert.True(t, w.baseRow("time_off", "T1").IsDeleted())
}

func TestResolveConflicts_LockHeldLeavesPendingUntouched(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, memoryFolder)
	alice, conflict := timeOffConflict(t, w, func(d *Deps, o *Options) {
		d.Locker = lock.NewManager(d.Folder, d.Clock, nil, lock.Options{
			User:       o.User,
			MachineID:  o.MachineID,
			StaleAfter: o.StaleAfter,
		})
	})
	decisions := map[string]roster.Resolution{conflict.Key(): roster.KeepAll{}}

	holder := lock.NewManager(w.folder, w.clock, nil, lock.Options{User: "carol", MachineID: "machine-carol"})
	require.NoError(t, holder.Acquire(ctx))

	issued := w.ids.Issued()
	_, err := alice.syncer.ResolveConflicts(ctx, decisions)
	var held *roster.LockHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, issued, w.ids.Issued(), "no rows resolved without the lock")

	require.NoError(t, holder.Release(ctx))
	report, err := alice.syncer.ResolveConflicts(ctx, decisions)
	require.NoError(t, err)
	assert.True(t, report.Published)
	assert.Len(t, w.liveRows("time_off"), 2)
}

func TestSync_MergeLockAtStaleThreshold(t *testing.T) {
	writeMergeLock := func(w *world, age time.Duration) {
		data, err := json.Marshal(roster.MergeLock{
			Participants: []string{"bob", "carol"},
			Timestamp:    w.clock.Ago(age),
			User:         "carol",
			MachineID:    "machine-carol",
		})
		require.NoError(t, err)
		w.write(roster.MergeLockFile, string(data))
	}

	t.Run("one second short blocks", func(t *testing.T) {
		w := newWorld(t, memoryFolder)
		alice, _ := twoUsers(t, w)
		writeMergeLock(w, 5*time.Minute-time.Second)

		st, err := alice.syncer.Status(context.Background())
		require.NoError(t, err)
		assert.False(t, st.MergeLockStale)
		_, err = alice.syncer.Sync(context.Background())
		assert.ErrorIs(t, err, roster.ErrMergeInProgress)
	})

	t.Run("exactly stale is recovered", func(t *testing.T) {
		w := newWorld(t, memoryFolder)
		alice, _ := twoUsers(t, w)
		writeMergeLock(w, 5*time.Minute)

		st, err := alice.syncer.Status(context.Background())
		require.NoError(t, err)
		assert.True(t, st.MergeLockStale)
		report := alice.sync(t)
		require.NotNil(t, report.Interrupted)
		assert.False(t, w.exists(roster.MergeLockFile))
	})
}

func TestSync_InterruptedMergeIsRecovered(t *testing.T) {
	w := newWorld(t, memoryFolder)
	alice, _ := twoUsers(t, w)

	stale := roster.MergeLock{
		Participants: []string{"alice", "bob"},
		Timestamp:    w.clock.Ago(time.Hour),
		User:         "carol",
		MachineID:    "machine-carol",
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	w.write(roster.MergeLockFile, string(data))

	report := alice.sync(t)
	require.NotNil(t, report.Interrupted)
	assert.Equal(t, "carol", report.Interrupted.User)
	assert.True(t, report.Published)
	assert.False(t, w.exists(roster.MergeLockFile))
}

func TestSync_CorruptMergeLockIsRecovered(t *testing.T) {
	w := newWorld(t, memoryFolder)
	alice, _ := twoUsers(t, w)
	w.write(roster.MergeLockFile, "{broken")

	report := alice.sync(t)
	assert.NotNil(t, report.Interrupted)
	assert.True(t, report.Published)
}

func TestSync_FreshMergeLockBlocks(t *testing.T) {
	w := newWorld(t, memoryFolder)
	alice, _ := twoUsers(t, w)

	data, err := json.Marshal(roster.MergeLock{
		Participants: []string{"bob", "carol"},
		Timestamp:    w.clock.Now(),
		User:         "carol",
		MachineID:    "machine-carol",
	})
	require.NoError(t, err)
	w.write(roster.MergeLockFile, string(data))

	_, err = alice.syncer.Sync(context.Background())
	assert.ErrorIs(t, err, roster.ErrMergeInProgress)
}

func TestSync_UnreadableCopyIsSkipped(t *testing.T) {
	w := newWorld(t, memoryFolder)
	alice, _ := twoUsers(t, w)
	w.write(roster.WorkingFile("mallory"), "this is not a database")

	w.clock.Advance(time.Minute)
	alice.edit(t, "person", testutil.Person("P1", "B", "111", w.clock.Now(), "alice"))

	report := alice.sync(t)
	assert.Equal(t, []string{roster.WorkingFile("mallory")}, report.SkippedCopies)
	assert.True(t, report.Published)
	assert.Equal(t, "B", w.baseRow("person", "P1")["name"])
	assert.True(t, w.exists(roster.WorkingFile("mallory")), "unreadable copy is not archived")
}

func TestSync_SoloCheckpoint(t *testing.T) {
	w := newWorld(t, memoryFolder)
	alice := w.join("alice", func(_ *Deps, o *Options) { o.SoloCheckpointAfter = time.Hour })
	alice.seed(t, testutil.Person("P1", "Ann", "111", w.t0, "alice"))
	alice.sync(t)

	w.clock.Advance(time.Minute)
	alice.edit(t, "person", testutil.Person("P1", "B", "111", w.clock.Now(), "alice"))

	report := alice.sync(t)
	assert.False(t, report.Published, "base is recent")
	assert.Equal(t, Active, report.Phase)

	w.clock.Advance(2 * time.Hour)
	report = alice.sync(t)
	assert.True(t, report.Checkpoint)
	assert.True(t, report.Published)
	assert.Equal(t, "two-way", report.Path.String())
	assert.Equal(t, "B", w.baseRow("person", "P1")["name"])
}

func TestCheckpoint_Forced(t *testing.T) {
	w := newWorld(t, memoryFolder)
	alice := w.join("alice")
	alice.seed(t, testutil.Person("P1", "Ann", "111", w.t0, "alice"))
	alice.sync(t)

	w.clock.Advance(time.Minute)
	alice.edit(t, "person", testutil.Person("P2", "Ben", "222", w.clock.Now(), "alice"))

	report, err := alice.syncer.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Published)
	assert.Equal(t, "Ben", w.baseRow("person", "P2")["name"])
}

func TestSync_ReplaysOfflineQueue(t *testing.T) {
	w := newWorld(t, memoryFolder)
	var q *queue.Queue
	alice := w.join("alice", func(d *Deps, o *Options) {
		q = queue.New(queue.NewMemoryStore(), "alice", w.clock, w.ids, nil)
		d.Queue = q
		o.RecordChanges = true
	})
	alice.seed(t, testutil.Person("P1", "Ann", "111", w.t0, "alice"))
	alice.sync(t)

	w.clock.Advance(time.Minute)
	_, err := q.RecordUpdate("person", "P1", "phone", "111", "999")
	require.NoError(t, err)

	report := alice.sync(t)
	assert.Equal(t, 1, report.Queue.Applied)
	require.NotEmpty(t, report.ChangeSet)
	assert.True(t, w.exists(roster.ChangeSetFile(report.ChangeSet)))
	assert.Equal(t, "999", alice.row(t, "person", "P1")["phone"])

	n, err := q.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSync_SingleWriterLock(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, memoryFolder)
	withLock := func(d *Deps, o *Options) {
		d.Locker = lock.NewManager(d.Folder, d.Clock, nil, lock.Options{
			User:       o.User,
			MachineID:  o.MachineID,
			StaleAfter: o.StaleAfter,
		})
	}
	alice, _ := twoUsers(t, w, withLock)

	t.Run("held by another machine", func(t *testing.T) {
		holder := lock.NewManager(w.folder, w.clock, nil, lock.Options{User: "carol", MachineID: "machine-carol"})
		require.NoError(t, holder.Acquire(ctx))
		defer holder.Release(ctx)

		_, err := alice.syncer.Sync(ctx)
		var held *roster.LockHeldError
		require.True(t, errors.As(err, &held))
		assert.Equal(t, "carol", held.Holder.User)
		assert.True(t, w.exists(roster.BaseFile))
	})

	t.Run("acquired and released", func(t *testing.T) {
		report := alice.sync(t)
		assert.True(t, report.Published)
		assert.False(t, w.exists(roster.LockFile))
	})
}

func TestSync_EncryptedFolder(t *testing.T) {
	w := newWorld(t, func(c roster.Clock) roster.Folder {
		return folder.NewEncryptedFolder(folder.NewMemoryFolder(c), encryption.NewTestEncryptor())
	})
	_, bob := twoUsers(t, w)

	assert.Equal(t, "Ann", bob.row(t, "person", "P1")["name"])
	assert.Equal(t, "Ann", w.baseRow("person", "P1")["name"])
}

func TestStatus(t *testing.T) {
	w := newWorld(t, memoryFolder)
	alice := w.join("alice")

	st, err := alice.syncer.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoBase, st.Phase)
	assert.False(t, st.LocalExists)

	alice.seed(t, testutil.Person("P1", "Ann", "111", w.t0, "alice"))
	alice.sync(t)

	st, err = alice.syncer.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Active, st.Phase)
	assert.True(t, st.LocalExists)
	require.NotNil(t, st.Scan.Base)
	assert.Equal(t, []string{"alice"}, st.Scan.Participants())
}

func TestCleanupBackups(t *testing.T) {
	w := newWorld(t, memoryFolder)
	alice := w.join("alice", func(_ *Deps, o *Options) {
		o.KeepBackups = 2
		o.BackupRetention = 24 * time.Hour
	})

	now := w.clock.Now()
	old1 := roster.BackupFile(now.Add(-72*time.Hour), roster.BaseFile)
	old2 := roster.BackupFile(now.Add(-48*time.Hour), roster.BaseFile)
	old3 := roster.BackupFile(now.Add(-47*time.Hour), roster.WorkingFile("bob"))
	recent := roster.BackupFile(now.Add(-time.Hour), roster.BaseFile)
	for _, name := range []string{old1, old2, old3, recent} {
		w.write(name, "x")
	}

	report, err := alice.syncer.CleanupBackups(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{old1, old2}, report.Deleted)
	assert.Equal(t, 2, report.Kept)
	assert.ElementsMatch(t, []string{old3, recent}, w.names(roster.BackupPrefix))
}

func TestWatch_StopsOnCancel(t *testing.T) {
	w := newWorld(t, memoryFolder)
	alice := w.join("alice")
	alice.seed(t, testutil.Person("P1", "Ann", "111", w.t0, "alice"))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- alice.syncer.Watch(ctx, time.Hour, func(r *SyncReport, err error) {
			calls++
			assert.NoError(t, err)
			cancel()
		})
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return")
	}
	assert.Equal(t, 1, calls)
	assert.True(t, w.exists(roster.BaseFile))
}
