package roster

import (
	"context"
	"io"
	"time"
)

// FileInfo describes one file in the shared folder.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Folder is the shared storage location every participant can read and write.
// Names are slash-separated and relative to the folder root. All errors are
// classified into the StorageError taxonomy.
type Folder interface {
	// List returns files whose names start with prefix, sorted by name.
	List(ctx context.Context, prefix string) ([]FileInfo, error)

	// Stat returns the file's metadata, or a NotFound StorageError.
	Stat(ctx context.Context, name string) (FileInfo, error)

	// Read streams the file's content into w.
	Read(ctx context.Context, name string, w io.Writer) error

	// Write replaces the file atomically with size bytes read from r.
	Write(ctx context.Context, name string, r io.Reader, size int64) error

	// Delete removes the file. Deleting a missing file is not an error.
	Delete(ctx context.Context, name string) error

	// ValidateSetup verifies the folder is reachable and writable.
	ValidateSetup(ctx context.Context) error
}
