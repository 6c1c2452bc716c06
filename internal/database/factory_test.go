package database

import (
	"os"
	"path/filepath"
	"testing"

	"rostersync/internal/config"
)

func TestNewStateDBFromConfig(t *testing.T) {
	t.Run("memory database", func(t *testing.T) {
		got, err := NewStateDBFromConfig(config.StateConfig{Type: "memory"}, "alice")
		if err != nil {
			t.Fatalf("NewStateDBFromConfig() unexpected error: %v", err)
		}
		defer got.Close()

		if err := got.CheckMigrations(); err != nil {
			t.Errorf("CheckMigrations() error = %v", err)
		}
	})

	t.Run("sqlite database", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "state")
		got, err := NewStateDBFromConfig(config.StateConfig{Type: "sqlite", DataDir: dir}, "alice")
		if err != nil {
			t.Fatalf("NewStateDBFromConfig() unexpected error: %v", err)
		}
		defer got.Close()

		if _, err := os.Stat(filepath.Join(dir, "alice.state.db")); err != nil {
			t.Errorf("state database file not created: %v", err)
		}
	})

	t.Run("sqlite database without data dir", func(t *testing.T) {
		if _, err := NewStateDBFromConfig(config.StateConfig{Type: "sqlite"}, "alice"); err == nil {
			t.Error("NewStateDBFromConfig() expected error for missing data_dir")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, err := NewStateDBFromConfig(config.StateConfig{Type: "postgres"}, "alice"); err == nil {
			t.Error("NewStateDBFromConfig() expected error for unknown type")
		}
	})
}
