package app

// SyncOperation tracks a CLI operation against the shared folder.
// Operations are created in memory with ID=0. Only commands that touch the
// folder or the local databases persist them (giving them an auto-increment
// ID from the state database).
type SyncOperation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string // "success" or "error"
	Summary    string
}

// NewSyncOperation creates a new in-memory sync operation.
func NewSyncOperation(operation, parameters string) *SyncOperation {
	return &SyncOperation{
		Operation:  operation,
		Parameters: parameters,
		Status:     "success",
	}
}

// Persisted returns true if this operation has been saved to the database.
func (op *SyncOperation) Persisted() bool {
	return op.ID != 0
}

// Record stores the outcome of the operation. A non-nil err marks it failed
// and replaces the summary with the error text.
func (op *SyncOperation) Record(summary string, err error) {
	if err != nil {
		op.Status = "error"
		op.Summary = err.Error()
		return
	}
	op.Summary = summary
}
