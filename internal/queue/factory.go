package queue

import (
	"fmt"

	"rostersync/internal/config"
	"rostersync/internal/roster"
)

// NewStoreFromConfig selects the queue store. The sqlite store lives in the
// state database, so state must be non-nil for that type.
func NewStoreFromConfig(cfg config.QueueConfig, state roster.QueueStore) (roster.QueueStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		if state == nil {
			return nil, fmt.Errorf("sqlite queue requires the state database")
		}
		return state, nil
	default:
		return nil, fmt.Errorf("unknown queue type: %s", cfg.Type)
	}
}
