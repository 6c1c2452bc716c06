package folder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"rostersync/internal/roster"
)

// FileSystemFolder is a shared folder on the local filesystem, typically a
// directory kept in sync by a desktop client (OneDrive, Dropbox, SharePoint).
// Writes go through a temp file and rename so readers never see partial files.
type FileSystemFolder struct {
	root   string
	ignore *IgnoreMatcher
}

// NewFileSystemFolder creates a folder rooted at root, creating it if needed.
// Files matching ignorePatterns (plus the defaults) are invisible to List.
func NewFileSystemFolder(root string, ignorePatterns []string) (*FileSystemFolder, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create folder root: %w", err)
	}
	patterns := append(append([]string{}, DefaultIgnorePatterns...), ignorePatterns...)
	return &FileSystemFolder{
		root:   root,
		ignore: NewIgnoreMatcher(patterns),
	}, nil
}

// Root returns the directory backing the folder.
func (f *FileSystemFolder) Root() string {
	return f.root
}

// resolve maps a folder name to a local path, rejecting names that escape root.
func (f *FileSystemFolder) resolve(op, name string) (string, error) {
	clean := path.Clean(name)
	if name == "" || path.IsAbs(name) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", roster.NewStorageError(roster.KindInvalid, op, name, errors.New("name outside folder"))
	}
	return filepath.Join(f.root, filepath.FromSlash(clean)), nil
}

// List returns files under root whose names start with prefix.
func (f *FileSystemFolder) List(ctx context.Context, prefix string) ([]roster.FileInfo, error) {
	var files []roster.FileInfo
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p != f.root {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) || f.ignore.Match(name) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		files = append(files, roster.FileInfo{Name: name, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, classifyOSError("list", prefix, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Stat returns metadata for a single file.
func (f *FileSystemFolder) Stat(ctx context.Context, name string) (roster.FileInfo, error) {
	p, err := f.resolve("stat", name)
	if err != nil {
		return roster.FileInfo{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return roster.FileInfo{}, classifyOSError("stat", name, err)
	}
	if info.IsDir() {
		return roster.FileInfo{}, roster.NewStorageError(roster.KindInvalid, "stat", name, errors.New("is a directory"))
	}
	return roster.FileInfo{Name: name, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Read streams the file into w.
func (f *FileSystemFolder) Read(ctx context.Context, name string, w io.Writer) error {
	p, err := f.resolve("read", name)
	if err != nil {
		return err
	}
	file, err := os.Open(p)
	if err != nil {
		return classifyOSError("read", name, err)
	}
	defer file.Close()

	if _, err := io.Copy(w, file); err != nil {
		return classifyOSError("read", name, err)
	}
	return nil
}

// Write replaces the file using atomic write (temp file + rename).
func (f *FileSystemFolder) Write(ctx context.Context, name string, r io.Reader, size int64) error {
	destPath, err := f.resolve("write", name)
	if err != nil {
		return err
	}

	// Create temp file in the same directory to ensure atomic rename works
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return classifyOSError("write", name, err)
	}
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return classifyOSError("write", name, err)
	}
	tmpPath := tmpFile.Name()

	// Clean up temp file on failure
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return classifyOSError("write", name, err)
	}

	if err := tmpFile.Close(); err != nil {
		return classifyOSError("write", name, err)
	}

	if written != size {
		return roster.NewStorageError(roster.KindInvalid, "write", name,
			fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written))
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return classifyOSError("write", name, err)
	}

	success = true
	return nil
}

// Delete removes the file. A missing file is not an error.
func (f *FileSystemFolder) Delete(ctx context.Context, name string) error {
	p, err := f.resolve("delete", name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classifyOSError("delete", name, err)
	}
	return nil
}

// ValidateSetup checks that root is a writable directory.
func (f *FileSystemFolder) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(f.root)
	if err != nil {
		return classifyOSError("validate", f.root, err)
	}
	if !info.IsDir() {
		return roster.NewStorageError(roster.KindInvalid, "validate", f.root, errors.New("not a directory"))
	}

	scratch, err := os.CreateTemp(f.root, ".tmp-validate-*")
	if err != nil {
		return classifyOSError("validate", f.root, err)
	}
	scratch.Close()
	return classifyOSError("validate", f.root, os.Remove(scratch.Name()))
}

// Compile-time check that FileSystemFolder implements roster.Folder interface
var _ roster.Folder = (*FileSystemFolder)(nil)
