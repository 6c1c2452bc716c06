package database

import (
	"fmt"
	"os"
	"path/filepath"

	"rostersync/internal/config"
)

// NewStateDBFromConfig creates the state database based on the state config type.
// Each user gets their own file so several users can share one machine.
func NewStateDBFromConfig(cfg config.StateConfig, user string) (*StateDB, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite state database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
		return NewStateDB(filepath.Join(cfg.DataDir, user+".state.db"))
	case "memory":
		return NewStateDB(":memory:")
	default:
		return nil, fmt.Errorf("unknown state database type: %s", cfg.Type)
	}
}
