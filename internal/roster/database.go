package roster

// Database is an open snapshot file of the scheduling database.
type Database interface {
	// Tables returns all user table names, sorted.
	Tables() ([]string, error)

	// ReadTable loads a table's schema and rows.
	ReadTable(name string) (*Table, error)

	// ReadRow returns the row with the given sync id, or nil if absent.
	ReadRow(table, syncID string) (Row, error)

	// UpsertRow updates the row sharing row's sync id, or inserts it.
	// Primary key values that would collide with another row are dropped so
	// the engine assigns fresh ones.
	UpsertRow(table string, row Row) error

	// ApplyTable writes every row of t by sync id in one transaction.
	ApplyTable(t *Table) error

	// ExportTo writes a consistent copy of the database to destPath.
	ExportTo(destPath string) error

	Close() error
}

// DatabaseOpener opens snapshot files.
type DatabaseOpener interface {
	Open(path string) (Database, error)
}
