package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"rostersync/internal/roster"
)

// SnapshotDB is an open scheduling database file: the user's working
// database, or a downloaded base or working snapshot. The scheduling schema
// belongs to the application; SnapshotDB only relies on the row identity
// columns of syncable tables.
type SnapshotDB struct {
	db   *sql.DB
	path string
}

var _ roster.Database = (*SnapshotDB)(nil)

// OpenSnapshot opens the SQLite file at path. The file is created if missing.
func OpenSnapshot(path string) (*SnapshotDB, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &SnapshotDB{db: db, path: path}, nil
}

// NewSnapshotDBFromDB wraps an existing connection.
func NewSnapshotDBFromDB(db *sql.DB) *SnapshotDB {
	return &SnapshotDB{db: db}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

// SnapshotOpener opens snapshot files with OpenSnapshot.
type SnapshotOpener struct{}

func (SnapshotOpener) Open(path string) (roster.Database, error) {
	return OpenSnapshot(path)
}

// Path returns the file backing the database.
func (s *SnapshotDB) Path() string {
	return s.path
}

// DB exposes the underlying connection for the application's own queries.
func (s *SnapshotDB) DB() *sql.DB {
	return s.db
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Tables returns all user table names, sorted.
func (s *SnapshotDB) Tables() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("listing tables: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// tableInfo is a table's column list and primary key, in declaration order.
type tableInfo struct {
	columns    []string
	primaryKey []string
}

func (ti tableInfo) has(col string) bool {
	for _, c := range ti.columns {
		if c == col {
			return true
		}
	}
	return false
}

func (ti tableInfo) isPK(col string) bool {
	for _, c := range ti.primaryKey {
		if c == col {
			return true
		}
	}
	return false
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func readTableInfo(q querier, table string) (tableInfo, error) {
	rows, err := q.Query("PRAGMA table_info(" + quoteIdent(table) + ")")
	if err != nil {
		return tableInfo{}, fmt.Errorf("reading schema of %s: %w", table, err)
	}
	defer rows.Close()

	type pkCol struct {
		name string
		pos  int
	}
	var info tableInfo
	var pks []pkCol
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return tableInfo{}, fmt.Errorf("reading schema of %s: %w", table, err)
		}
		info.columns = append(info.columns, name)
		if pk > 0 {
			pks = append(pks, pkCol{name: name, pos: pk})
		}
	}
	if err := rows.Err(); err != nil {
		return tableInfo{}, err
	}
	if len(info.columns) == 0 {
		return tableInfo{}, fmt.Errorf("table %s does not exist", table)
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].pos < pks[j].pos })
	for _, p := range pks {
		info.primaryKey = append(info.primaryKey, p.name)
	}
	return info, nil
}

func scanRows(rows *sql.Rows, columns []string) ([]roster.Row, error) {
	var out []roster.Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(roster.Row, len(columns))
		for i, c := range columns {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func selectList(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

// ReadTable loads a table's schema and rows.
func (s *SnapshotDB) ReadTable(name string) (*roster.Table, error) {
	info, err := readTableInfo(s.db, name)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query("SELECT " + selectList(info.columns) + " FROM " + quoteIdent(name))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	defer rows.Close()

	data, err := scanRows(rows, info.columns)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return &roster.Table{
		Name:       name,
		Columns:    info.columns,
		PrimaryKey: info.primaryKey,
		Rows:       data,
	}, nil
}

// ReadRow returns the row with the given sync id, or nil if absent.
func (s *SnapshotDB) ReadRow(table, syncID string) (roster.Row, error) {
	info, err := readTableInfo(s.db, table)
	if err != nil {
		return nil, err
	}
	if !info.has(roster.ColSyncID) {
		return nil, fmt.Errorf("table %s has no %s column", table, roster.ColSyncID)
	}

	rows, err := s.db.Query("SELECT "+selectList(info.columns)+" FROM "+quoteIdent(table)+
		" WHERE "+quoteIdent(roster.ColSyncID)+" = ?", syncID)
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", table, syncID, err)
	}
	defer rows.Close()

	data, err := scanRows(rows, info.columns)
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", table, syncID, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data[0], nil
}

// UpsertRow updates the row sharing row's sync id, or inserts it.
func (s *SnapshotDB) UpsertRow(table string, row roster.Row) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	info, err := readTableInfo(tx, table)
	if err != nil {
		return err
	}
	if err := upsert(tx, table, info, row); err != nil {
		return err
	}
	return tx.Commit()
}

// upsert never rewrites local primary keys of an existing row: they are not
// comparable across copies. On insert, primary key values already taken by a
// different row are dropped so SQLite assigns new ones.
func upsert(tx *sql.Tx, table string, info tableInfo, row roster.Row) error {
	syncID := row.SyncID()
	if syncID == "" {
		return fmt.Errorf("upsert into %s: row has no %s", table, roster.ColSyncID)
	}

	var setCols []string
	var setArgs []any
	for _, c := range info.columns {
		if c == roster.ColSyncID || info.isPK(c) {
			continue
		}
		v, ok := row[c]
		if !ok {
			continue
		}
		setCols = append(setCols, quoteIdent(c)+" = ?")
		setArgs = append(setArgs, v)
	}

	if len(setCols) > 0 {
		res, err := tx.Exec("UPDATE "+quoteIdent(table)+" SET "+strings.Join(setCols, ", ")+
			" WHERE "+quoteIdent(roster.ColSyncID)+" = ?", append(setArgs, syncID)...)
		if err != nil {
			return fmt.Errorf("updating %s/%s: %w", table, syncID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return nil
		}
	} else {
		var one int
		err := tx.QueryRow("SELECT 1 FROM "+quoteIdent(table)+" WHERE "+quoteIdent(roster.ColSyncID)+" = ?", syncID).Scan(&one)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("reading %s/%s: %w", table, syncID, err)
		}
	}

	keepPK, err := primaryKeyFree(tx, table, info, row)
	if err != nil {
		return err
	}

	var cols []string
	var args []any
	for _, c := range info.columns {
		v, ok := row[c]
		if !ok {
			continue
		}
		if info.isPK(c) && c != roster.ColSyncID && !keepPK {
			continue
		}
		cols = append(cols, c)
		args = append(args, v)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	if _, err := tx.Exec("INSERT INTO "+quoteIdent(table)+" ("+selectList(cols)+") VALUES ("+placeholders+")", args...); err != nil {
		return fmt.Errorf("inserting %s/%s: %w", table, syncID, err)
	}
	return nil
}

// primaryKeyFree reports whether row's primary key values are unused in table.
func primaryKeyFree(tx *sql.Tx, table string, info tableInfo, row roster.Row) (bool, error) {
	if len(info.primaryKey) == 0 {
		return true, nil
	}
	var conds []string
	var args []any
	for _, c := range info.primaryKey {
		v, ok := row[c]
		if !ok || v == nil {
			return true, nil
		}
		conds = append(conds, quoteIdent(c)+" = ?")
		args = append(args, v)
	}
	var one int
	err := tx.QueryRow("SELECT 1 FROM "+quoteIdent(table)+" WHERE "+strings.Join(conds, " AND "), args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking primary key of %s: %w", table, err)
	}
	return false, nil
}

// ApplyTable writes t into the database in one transaction. Syncable tables
// are upserted row by row; tables without a sync_id column are replaced
// wholesale.
func (s *SnapshotDB) ApplyTable(t *roster.Table) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	info, err := readTableInfo(tx, t.Name)
	if err != nil {
		return err
	}

	if info.has(roster.ColSyncID) {
		for _, row := range t.Rows {
			if err := upsert(tx, t.Name, info, row); err != nil {
				return err
			}
		}
		return tx.Commit()
	}

	if _, err := tx.Exec("DELETE FROM " + quoteIdent(t.Name)); err != nil {
		return fmt.Errorf("clearing %s: %w", t.Name, err)
	}
	for _, row := range t.Rows {
		var cols []string
		var args []any
		for _, c := range info.columns {
			if v, ok := row[c]; ok {
				cols = append(cols, c)
				args = append(args, v)
			}
		}
		if len(cols) == 0 {
			continue
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
		if _, err := tx.Exec("INSERT INTO "+quoteIdent(t.Name)+" ("+selectList(cols)+") VALUES ("+placeholders+")", args...); err != nil {
			return fmt.Errorf("copying %s: %w", t.Name, err)
		}
	}
	return tx.Commit()
}

// ExportTo writes a consistent copy of the database to destPath using VACUUM INTO.
// An existing file at destPath is replaced.
func (s *SnapshotDB) ExportTo(destPath string) error {
	if err := os.Remove(destPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replacing %s: %w", destPath, err)
	}
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("exporting database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SnapshotDB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
