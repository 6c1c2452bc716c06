package folder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"rostersync/internal/roster"
)

type memoryFile struct {
	data []byte
	info roster.FileInfo
}

type injectedFault struct {
	op    string
	name  string
	kind  roster.ErrorKind
	times int
}

// MemoryFolder is an in-memory implementation of the Folder interface.
// It is useful for tests, and can inject classified failures to exercise
// retry and skip paths. This implementation is safe for concurrent use.
type MemoryFolder struct {
	clock  roster.Clock
	files  map[string]*memoryFile
	faults []*injectedFault
	mu     sync.RWMutex
}

// NewMemoryFolder creates an empty folder. clock stamps modification times.
func NewMemoryFolder(clock roster.Clock) *MemoryFolder {
	if clock == nil {
		clock = roster.RealClock{}
	}
	return &MemoryFolder{
		clock: clock,
		files: make(map[string]*memoryFile),
	}
}

// FailNext makes the next times calls of op ("list", "stat", "read", "write",
// "delete") on name fail with the given kind. An empty name matches any file.
func (m *MemoryFolder) FailNext(op, name string, kind roster.ErrorKind, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, &injectedFault{op: op, name: name, kind: kind, times: times})
}

// fault consumes a matching injected fault. Caller holds mu.
func (m *MemoryFolder) fault(op, name string) error {
	for i, f := range m.faults {
		if f.op != op || (f.name != "" && f.name != name) {
			continue
		}
		f.times--
		if f.times <= 0 {
			m.faults = append(m.faults[:i], m.faults[i+1:]...)
		}
		return roster.NewStorageError(f.kind, op, name, errors.New("injected failure"))
	}
	return nil
}

// List returns files whose names start with prefix.
func (m *MemoryFolder) List(ctx context.Context, prefix string) ([]roster.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("list", prefix); err != nil {
		return nil, err
	}

	var files []roster.FileInfo
	for name, f := range m.files {
		if strings.HasPrefix(name, prefix) {
			files = append(files, f.info)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Stat returns metadata for a single file.
func (m *MemoryFolder) Stat(ctx context.Context, name string) (roster.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("stat", name); err != nil {
		return roster.FileInfo{}, err
	}
	f, ok := m.files[name]
	if !ok {
		return roster.FileInfo{}, roster.NewStorageError(roster.KindNotFound, "stat", name, nil)
	}
	return f.info, nil
}

// Read writes the file's content to w.
func (m *MemoryFolder) Read(ctx context.Context, name string, w io.Writer) error {
	m.mu.Lock()
	if err := m.fault("read", name); err != nil {
		m.mu.Unlock()
		return err
	}
	f, ok := m.files[name]
	m.mu.Unlock()
	if !ok {
		return roster.NewStorageError(roster.KindNotFound, "read", name, nil)
	}

	if _, err := io.Copy(w, bytes.NewReader(f.data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

// Write stores size bytes read from r under name.
func (m *MemoryFolder) Write(ctx context.Context, name string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) != size {
		return roster.NewStorageError(roster.KindInvalid, "write", name,
			fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("write", name); err != nil {
		return err
	}
	m.files[name] = &memoryFile{
		data: data,
		info: roster.FileInfo{Name: name, Size: size, ModTime: m.clock.Now()},
	}
	return nil
}

// Delete removes the file if present.
func (m *MemoryFolder) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("delete", name); err != nil {
		return err
	}
	delete(m.files, name)
	return nil
}

// ValidateSetup always succeeds for an in-memory folder.
func (m *MemoryFolder) ValidateSetup(ctx context.Context) error {
	return nil
}

// Compile-time check that MemoryFolder implements roster.Folder interface
var _ roster.Folder = (*MemoryFolder)(nil)
