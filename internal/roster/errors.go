package roster

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the closed classification of storage failures. Retry policy is
// decided by kind alone, never by message text.
type ErrorKind int

const (
	// KindNotFound means the named file does not exist.
	KindNotFound ErrorKind = iota + 1
	// KindTransient covers locked, busy, not-yet-synced, throttled and timed-out
	// operations that may succeed when repeated.
	KindTransient
	// KindPermission means access was denied.
	KindPermission
	// KindInvalid means the request itself is malformed (bad name, size mismatch).
	KindInvalid
	// KindIO is any other storage failure. It is reported, never retried.
	KindIO
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindTransient:
		return "transient"
	case KindPermission:
		return "permission denied"
	case KindInvalid:
		return "invalid"
	case KindIO:
		return "io failure"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against any StorageError of the same kind.
var (
	ErrNotFound   = errors.New("not found")
	ErrTransient  = errors.New("transient storage failure")
	ErrPermission = errors.New("permission denied")
	ErrInvalid    = errors.New("invalid storage request")
)

// StorageError is a classified Folder failure.
type StorageError struct {
	Kind ErrorKind
	Op   string
	Name string
	Err  error
}

// NewStorageError wraps err with its classification.
func NewStorageError(kind ErrorKind, op, name string, err error) *StorageError {
	return &StorageError{Kind: kind, Op: op, Name: name, Err: err}
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Name, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Name, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrPermission:
		return e.Kind == KindPermission
	case ErrInvalid:
		return e.Kind == KindInvalid
	}
	return false
}

// KindOf returns the classification of err, or 0 if err is not a StorageError.
func KindOf(err error) ErrorKind {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsTransient(err error) bool  { return errors.Is(err, ErrTransient) }
func IsPermission(err error) bool { return errors.Is(err, ErrPermission) }

// RetryableError is a transient failure that outlived its retry budget. The
// caller may run the whole sync again later.
type RetryableError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Sync and lock sentinels.
var (
	ErrLockHeld            = errors.New("lock held by another machine")
	ErrLockLost            = errors.New("lock no longer owned by this machine")
	ErrMergeInProgress     = errors.New("merge in progress")
	ErrUnresolvedConflicts = errors.New("unresolved conflicts")
	ErrNoBase              = errors.New("shared folder has no base snapshot")
	ErrIllegalTransition   = errors.New("illegal state transition")
)

// LockHeldError reports lock contention with the current holder's identity.
type LockHeldError struct {
	Holder LockInfo
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("lock held by %s on machine %s since %s",
		e.Holder.User, e.Holder.MachineID, e.Holder.Timestamp.Format("2006-01-02 15:04:05"))
}

func (e *LockHeldError) Is(target error) bool { return target == ErrLockHeld }

// UnresolvedError lists conflict keys still missing a resolution.
type UnresolvedError struct {
	Keys []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("%d unresolved conflicts: %s", len(e.Keys), strings.Join(e.Keys, ", "))
}

func (e *UnresolvedError) Is(target error) bool { return target == ErrUnresolvedConflicts }
