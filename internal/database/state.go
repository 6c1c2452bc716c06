package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"rostersync/internal/database/migrations"
	"rostersync/internal/roster"
)

// StateDB is the local bookkeeping database: offline queue, pending merge and
// sync operation history. It never travels through the shared folder.
type StateDB struct {
	db   *sql.DB
	path string
}

var (
	_ roster.QueueStore   = (*StateDB)(nil)
	_ roster.PendingStore = (*StateDB)(nil)
)

// NewStateDB opens the state database at path and migrates it to the latest
// schema. path can be ":memory:".
func NewStateDB(path string) (*StateDB, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating state database: %w", err)
	}
	return &StateDB{db: db, path: path}, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *StateDB) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *StateDB) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Close closes the database connection.
func (s *StateDB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Offline queue

// encodeValue stores a single cell with its type, using the row encoding.
func encodeValue(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(roster.Row{"v": v})
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeValue(s sql.NullString) (any, error) {
	if !s.Valid {
		return nil, nil
	}
	var row roster.Row
	if err := json.Unmarshal([]byte(s.String), &row); err != nil {
		return nil, err
	}
	return row["v"], nil
}

func (s *StateDB) Append(e *roster.QueueEntry) error {
	oldValue, err := encodeValue(e.OldValue)
	if err != nil {
		return fmt.Errorf("encoding old value: %w", err)
	}
	newValue, err := encodeValue(e.NewValue)
	if err != nil {
		return fmt.Errorf("encoding new value: %w", err)
	}
	var data sql.NullString
	if e.Data != nil {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("encoding row data: %w", err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}
	field := sql.NullString{String: e.Field, Valid: e.Field != ""}

	_, err = s.db.Exec(`INSERT INTO offline_queue
		(id, table_name, operation, row_id, field, old_value, new_value, data, timestamp, user_id, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Table, e.Operation, e.RowID, field, oldValue, newValue, data,
		e.Timestamp.UTC(), e.UserID, e.Synced)
	if err != nil {
		return fmt.Errorf("appending queue entry: %w", err)
	}
	return nil
}

const queueColumns = `id, table_name, operation, row_id, field, old_value, new_value, data, timestamp, user_id, synced`

func (s *StateDB) queryQueue(query string, args ...any) ([]*roster.QueueEntry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	defer rows.Close()

	var entries []*roster.QueueEntry
	for rows.Next() {
		var (
			e                       roster.QueueEntry
			field, oldV, newV, data sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Table, &e.Operation, &e.RowID, &field, &oldV, &newV, &data,
			&e.Timestamp, &e.UserID, &e.Synced); err != nil {
			return nil, fmt.Errorf("reading queue: %w", err)
		}
		e.Field = field.String
		if e.OldValue, err = decodeValue(oldV); err != nil {
			return nil, fmt.Errorf("decoding queue entry %s: %w", e.ID, err)
		}
		if e.NewValue, err = decodeValue(newV); err != nil {
			return nil, fmt.Errorf("decoding queue entry %s: %w", e.ID, err)
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("decoding queue entry %s: %w", e.ID, err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Pending returns unsynced entries in enqueue order.
func (s *StateDB) Pending() ([]*roster.QueueEntry, error) {
	return s.queryQueue(`SELECT ` + queueColumns + ` FROM offline_queue WHERE synced = 0 ORDER BY seq`)
}

// List returns the most recent entries, newest first. limit <= 0 means all.
func (s *StateDB) List(limit int) ([]*roster.QueueEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryQueue(`SELECT `+queueColumns+` FROM offline_queue ORDER BY seq DESC LIMIT ?`, limit)
}

func (s *StateDB) MarkSynced(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.Exec(`UPDATE offline_queue SET synced = 1 WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("marking queue entries synced: %w", err)
	}
	return nil
}

func (s *StateDB) PurgeSynced() (int, error) {
	res, err := s.db.Exec(`DELETE FROM offline_queue WHERE synced = 1`)
	if err != nil {
		return 0, fmt.Errorf("purging synced queue entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Count returns the number of unsynced entries.
func (s *StateDB) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM offline_queue WHERE synced = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting queue entries: %w", err)
	}
	return n, nil
}

// Pending merge

// SavePending replaces any stored pending merge with p.
func (s *StateDB) SavePending(p *roster.PendingMerge) error {
	participants, err := json.Marshal(p.Participants)
	if err != nil {
		return fmt.Errorf("encoding participants: %w", err)
	}
	workingFiles, err := json.Marshal(p.WorkingFiles)
	if err != nil {
		return fmt.Errorf("encoding working files: %w", err)
	}
	conflicts, err := json.Marshal(p.Conflicts)
	if err != nil {
		return fmt.Errorf("encoding conflicts: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM pending_merge`); err != nil {
		return fmt.Errorf("clearing pending merge: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO pending_merge
		(id, created_at, participants, merged_path, working_files, conflicts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.CreatedAt.UTC(), string(participants), p.MergedPath, string(workingFiles), string(conflicts)); err != nil {
		return fmt.Errorf("saving pending merge: %w", err)
	}
	return tx.Commit()
}

func (s *StateDB) LoadPending() (*roster.PendingMerge, error) {
	var (
		p                                     roster.PendingMerge
		participants, workingFiles, conflicts string
	)
	err := s.db.QueryRow(`SELECT id, created_at, participants, merged_path, working_files, conflicts
		FROM pending_merge LIMIT 1`).Scan(&p.ID, &p.CreatedAt, &participants, &p.MergedPath, &workingFiles, &conflicts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading pending merge: %w", err)
	}
	if err := json.Unmarshal([]byte(participants), &p.Participants); err != nil {
		return nil, fmt.Errorf("decoding participants: %w", err)
	}
	if err := json.Unmarshal([]byte(workingFiles), &p.WorkingFiles); err != nil {
		return nil, fmt.Errorf("decoding working files: %w", err)
	}
	if err := json.Unmarshal([]byte(conflicts), &p.Conflicts); err != nil {
		return nil, fmt.Errorf("decoding conflicts: %w", err)
	}
	return &p, nil
}

func (s *StateDB) ClearPending() error {
	if _, err := s.db.Exec(`DELETE FROM pending_merge`); err != nil {
		return fmt.Errorf("clearing pending merge: %w", err)
	}
	return nil
}

// Sync operation history

// OperationRecord is one CLI operation that touched the shared folder.
type OperationRecord struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt *time.Time
	Operation  string
	Parameters string
	Status     string
	Summary    string
}

func (s *StateDB) CreateSyncOperation(operation, parameters string, startedAt time.Time) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO sync_operations (started_at, operation, parameters) VALUES (?, ?, ?)`,
		startedAt.UTC(), operation, parameters)
	if err != nil {
		return 0, fmt.Errorf("creating sync operation: %w", err)
	}
	return res.LastInsertId()
}

func (s *StateDB) FinishSyncOperation(id int64, status, summary string, finishedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE sync_operations SET finished_at = ?, status = ?, summary = ? WHERE id = ?`,
		finishedAt.UTC(), status, summary, id)
	if err != nil {
		return fmt.Errorf("finishing sync operation: %w", err)
	}
	return nil
}

// ListSyncOperations returns the most recent operations, newest first.
func (s *StateDB) ListSyncOperations(limit int) ([]*OperationRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT id, started_at, finished_at, operation, parameters, status, summary
		FROM sync_operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync operations: %w", err)
	}
	defer rows.Close()

	var ops []*OperationRecord
	for rows.Next() {
		var op OperationRecord
		var finished sql.NullTime
		if err := rows.Scan(&op.ID, &op.StartedAt, &finished, &op.Operation, &op.Parameters, &op.Status, &op.Summary); err != nil {
			return nil, fmt.Errorf("listing sync operations: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			op.FinishedAt = &t
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}
