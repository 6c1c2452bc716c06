package queue

import (
	"sync"

	"rostersync/internal/roster"
)

// MemoryStore is an in-memory QueueStore, useful for testing and for
// sessions that accept losing queued edits on exit.
// This implementation is safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	entries []*roster.QueueEntry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(e *roster.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *MemoryStore) Pending() ([]*roster.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*roster.QueueEntry
	for _, e := range s.entries {
		if !e.Synced {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// List returns the most recent entries, newest first. limit <= 0 means all.
func (s *MemoryStore) List(limit int) ([]*roster.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*roster.QueueEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		cp := *s.entries[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) MarkSynced(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	for _, e := range s.entries {
		if set[e.ID] {
			e.Synced = true
		}
	}
	return nil
}

func (s *MemoryStore) PurgeSynced() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	purged := 0
	for _, e := range s.entries {
		if e.Synced {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return purged, nil
}

func (s *MemoryStore) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if !e.Synced {
			n++
		}
	}
	return n, nil
}

// Compile-time check that MemoryStore implements roster.QueueStore interface
var _ roster.QueueStore = (*MemoryStore)(nil)
