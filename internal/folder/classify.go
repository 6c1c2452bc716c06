package folder

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"syscall"

	"rostersync/internal/roster"
)

// transientErrnos are OS errors a sync client or antivirus scanner holding the
// file open can cause. They clear on their own.
var transientErrnos = []error{
	syscall.EBUSY,
	syscall.EAGAIN,
	syscall.ETIMEDOUT,
	syscall.EINTR,
}

// classifyOSError maps a local filesystem error onto the storage taxonomy.
func classifyOSError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var se *roster.StorageError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return roster.NewStorageError(osErrorKind(err), op, name, err)
}

func osErrorKind(err error) roster.ErrorKind {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return roster.KindNotFound
	case errors.Is(err, fs.ErrPermission):
		return roster.KindPermission
	case errors.Is(err, os.ErrDeadlineExceeded):
		return roster.KindTransient
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return roster.KindTransient
		}
	}
	return roster.KindIO
}
