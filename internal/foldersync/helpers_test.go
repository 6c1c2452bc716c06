package foldersync

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rostersync/internal/database"
	"rostersync/internal/roster"
	"rostersync/internal/testutil"
)

// world is a shared folder with a common clock and id generator.
type world struct {
	t      *testing.T
	folder roster.Folder
	clock  *testutil.StubClock
	ids    *testutil.StubIDGenerator
	t0     time.Time
}

func newWorld(t *testing.T, folder func(roster.Clock) roster.Folder) *world {
	t.Helper()
	clock := testutil.FixedClock()
	return &world{
		t:      t,
		folder: folder(clock),
		clock:  clock,
		ids:    testutil.NewStubIDGenerator(),
		t0:     clock.Ago(time.Hour),
	}
}

// participant is one user with a local database and a state database.
type participant struct {
	user   string
	path   string
	state  *database.StateDB
	syncer *Syncer
}

func (w *world) join(user string, configure ...func(*Deps, *Options)) *participant {
	w.t.Helper()
	dir := w.t.TempDir()
	p := &participant{
		user:  user,
		path:  filepath.Join(dir, "roster.db"),
		state: testutil.NewTestStateDB(w.t),
	}
	deps := Deps{
		Folder:  w.folder,
		Opener:  database.SnapshotOpener{},
		Pending: p.state,
		Clock:   w.clock,
		IDs:     w.ids,
	}
	opts := Options{
		User:        user,
		MachineID:   "machine-" + user,
		WorkingPath: p.path,
		WorkDir:     filepath.Join(dir, "sync"),
		StaleAfter:  5 * time.Minute,
		KeepBackups: 3,
	}
	for _, c := range configure {
		c(&deps, &opts)
	}
	s, err := New(deps, opts)
	require.NoError(w.t, err)
	p.syncer = s
	return p
}

// seed creates the participant's local database with rows in person.
func (p *participant) seed(t *testing.T, rows ...roster.Row) {
	t.Helper()
	db := testutil.NewRosterDB(t, p.path)
	testutil.MustUpsert(t, db, "person", rows...)
	require.NoError(t, db.Close())
}

// edit upserts rows into the local database.
func (p *participant) edit(t *testing.T, table string, rows ...roster.Row) {
	t.Helper()
	db, err := database.OpenSnapshot(p.path)
	require.NoError(t, err)
	defer db.Close()
	testutil.MustUpsert(t, db, table, rows...)
}

func (p *participant) row(t *testing.T, table, syncID string) roster.Row {
	t.Helper()
	db, err := database.OpenSnapshot(p.path)
	require.NoError(t, err)
	defer db.Close()
	return testutil.MustReadRow(t, db, table, syncID)
}

func (p *participant) sync(t *testing.T) *SyncReport {
	t.Helper()
	report, err := p.syncer.Sync(context.Background())
	require.NoError(t, err)
	return report
}

// baseRow reads a row from the published base.
func (w *world) baseRow(table, syncID string) roster.Row {
	w.t.Helper()
	local := filepath.Join(w.t.TempDir(), "base.db")
	require.NoError(w.t, download(context.Background(), w.folder, roster.BaseFile, local))
	db, err := database.OpenSnapshot(local)
	require.NoError(w.t, err)
	defer db.Close()
	return testutil.MustReadRow(w.t, db, table, syncID)
}

// liveRows returns the rows of table in the published base that are not
// tombstoned.
func (w *world) liveRows(table string) []roster.Row {
	w.t.Helper()
	local := filepath.Join(w.t.TempDir(), "base.db")
	require.NoError(w.t, download(context.Background(), w.folder, roster.BaseFile, local))
	db, err := database.OpenSnapshot(local)
	require.NoError(w.t, err)
	defer db.Close()
	tbl, err := db.ReadTable(table)
	require.NoError(w.t, err)
	var live []roster.Row
	for _, r := range tbl.Rows {
		if !r.IsDeleted() {
			live = append(live, r)
		}
	}
	return live
}

func (w *world) exists(name string) bool {
	w.t.Helper()
	_, err := w.folder.Stat(context.Background(), name)
	if roster.IsNotFound(err) {
		return false
	}
	require.NoError(w.t, err)
	return true
}

func (w *world) names(prefix string) []string {
	w.t.Helper()
	files, err := w.folder.List(context.Background(), prefix)
	require.NoError(w.t, err)
	var names []string
	for _, f := range files {
		names = append(names, f.Name)
	}
	return names
}

func (w *world) write(name, content string) {
	w.t.Helper()
	require.NoError(w.t, w.folder.Write(context.Background(), name, strings.NewReader(content), int64(len(content))))
}

func (w *world) read(name string) []byte {
	w.t.Helper()
	var buf bytes.Buffer
	require.NoError(w.t, w.folder.Read(context.Background(), name, &buf))
	return buf.Bytes()
}

// twoUsers initialises the folder with alice's person P1 and lets bob join.
func twoUsers(t *testing.T, w *world, configure ...func(*Deps, *Options)) (*participant, *participant) {
	t.Helper()
	alice := w.join("alice", configure...)
	alice.seed(t, testutil.Person("P1", "Ann", "111", w.t0, "alice"))
	report := alice.sync(t)
	require.True(t, report.Initialized)

	bob := w.join("bob", configure...)
	report = bob.sync(t)
	require.True(t, report.Joined)
	return alice, bob
}
