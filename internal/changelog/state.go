package changelog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rostersync/internal/roster"
)

// SyncState records which change sets a user has applied.
type SyncState struct {
	Version          int64     `json:"version"`
	AppliedChangeIDs []string  `json:"appliedChangeIds"`
	LastSync         time.Time `json:"lastSync"`
}

// Applied reports whether the change set id was already replayed.
func (s *SyncState) Applied(id string) bool {
	for _, a := range s.AppliedChangeIDs {
		if a == id {
			return true
		}
	}
	return false
}

// LoadSyncState reads the user's sync state. A missing or corrupt file yields
// a fresh state; corruption is logged.
func LoadSyncState(ctx context.Context, folder roster.Folder, user string, logger roster.Logger) (*SyncState, error) {
	if logger == nil {
		logger = roster.NewNopLogger()
	}
	name := roster.SyncStateFile(user)
	var buf bytes.Buffer
	if err := folder.Read(ctx, name, &buf); err != nil {
		if roster.IsNotFound(err) {
			return &SyncState{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}

	var st SyncState
	if err := json.Unmarshal(buf.Bytes(), &st); err != nil {
		logger.Warn("ignoring corrupt sync state", "name", name, "error", err)
		return &SyncState{}, nil
	}
	return &st, nil
}

// SaveSyncState writes the user's sync state.
func SaveSyncState(ctx context.Context, folder roster.Folder, user string, st *SyncState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding sync state: %w", err)
	}
	name := roster.SyncStateFile(user)
	if err := folder.Write(ctx, name, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}
