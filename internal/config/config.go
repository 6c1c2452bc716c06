package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for rostersync.
type Config struct {
	User       string           `toml:"user"`
	MachineID  string           `toml:"machine_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Folder     FolderConfig     `toml:"folder"`
	Database   DatabaseConfig   `toml:"database"`
	State      StateConfig      `toml:"state"`
	Queue      QueueConfig      `toml:"queue"`
	Encryption EncryptionConfig `toml:"encryption"`
	Sync       SyncConfig       `toml:"sync"`
}

// FolderConfig represents configuration for the shared folder.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type FolderConfig struct {
	Type string `toml:"type"` // "filesystem", "s3", or "memory"

	// FileSystem-specific fields (only used when Type == "filesystem")
	Path   string   `toml:"path,omitempty"`
	Ignore []string `toml:"ignore,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`
}

// DatabaseConfig locates the local scheduling database the user edits.
type DatabaseConfig struct {
	WorkingPath string `toml:"working_path"`
}

// StateConfig represents configuration for the local bookkeeping database
// (offline queue, pending merges, operation history).
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StateConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// QueueConfig selects where offline edits are stored.
type QueueConfig struct {
	Type string `toml:"type"` // "sqlite" (state database) or "memory"
}

// EncryptionConfig selects how snapshots are protected in the shared folder.
type EncryptionConfig struct {
	Type             string `toml:"type"` // "none" (default), "age" or "test"
	ScryptWorkFactor int    `toml:"scrypt_work_factor,omitempty"`
}

// SyncConfig holds the tuning parameters of the lock protocol and sync workflow.
type SyncConfig struct {
	SingleWriter        bool     `toml:"single_writer"`
	StaleAfter          Duration `toml:"stale_after"`
	HeartbeatInterval   Duration `toml:"heartbeat_interval"`
	SettleDelay         Duration `toml:"settle_delay"`
	MaxJitter           Duration `toml:"max_jitter"`
	SoloCheckpointAfter Duration `toml:"solo_checkpoint_after"`
	PullInterval        Duration `toml:"pull_interval"`
	BackupRetention     Duration `toml:"backup_retention"`
	KeepBackups         int      `toml:"keep_backups"`
	RetryAttempts       int      `toml:"retry_attempts"`
	RetryBaseDelay      Duration `toml:"retry_base_delay"`
	RetryMaxDelay       Duration `toml:"retry_max_delay"`
	AdditiveTables      []string `toml:"additive_tables"`
	ExcludedTables      []string `toml:"excluded_tables"`
	RecordChanges       bool     `toml:"record_changes"`
}

// DefaultSyncConfig returns the tuning used when a config file leaves values unset.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		StaleAfter:          Duration(5 * time.Minute),
		HeartbeatInterval:   Duration(30 * time.Second),
		SettleDelay:         Duration(2 * time.Second),
		MaxJitter:           Duration(time.Second),
		SoloCheckpointAfter: Duration(24 * time.Hour),
		PullInterval:        Duration(5 * time.Minute),
		BackupRetention:     Duration(30 * 24 * time.Hour),
		KeepBackups:         5,
		RetryAttempts:       5,
		RetryBaseDelay:      Duration(200 * time.Millisecond),
		RetryMaxDelay:       Duration(10 * time.Second),
	}
}

// applyDefaults fills zero-valued sync parameters.
func (c *Config) applyDefaults() {
	d := DefaultSyncConfig()
	s := &c.Sync
	if s.StaleAfter == 0 {
		s.StaleAfter = d.StaleAfter
	}
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = d.HeartbeatInterval
	}
	if s.SoloCheckpointAfter == 0 {
		s.SoloCheckpointAfter = d.SoloCheckpointAfter
	}
	if s.PullInterval == 0 {
		s.PullInterval = d.PullInterval
	}
	if s.BackupRetention == 0 {
		s.BackupRetention = d.BackupRetention
	}
	if s.KeepBackups == 0 {
		s.KeepBackups = d.KeepBackups
	}
	if s.RetryAttempts == 0 {
		s.RetryAttempts = d.RetryAttempts
	}
	if s.RetryBaseDelay == 0 {
		s.RetryBaseDelay = d.RetryBaseDelay
	}
	if s.RetryMaxDelay == 0 {
		s.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.Encryption.Type == "" {
		c.Encryption.Type = "none"
	}
	if c.Queue.Type == "" {
		c.Queue.Type = "sqlite"
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.MachineID == "" {
		return fmt.Errorf("machine_id is required")
	}
	if c.Sync.HeartbeatInterval >= c.Sync.StaleAfter {
		return fmt.Errorf("heartbeat_interval (%s) must be shorter than stale_after (%s)",
			c.Sync.HeartbeatInterval, c.Sync.StaleAfter)
	}
	if c.Sync.KeepBackups < 0 {
		return fmt.Errorf("keep_backups must not be negative")
	}
	return nil
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(user, machineID, baseDir string) *Config {
	cfg := &Config{
		User:      user,
		MachineID: machineID,
		BaseDir:   baseDir,
		LogDir:    filepath.Join(baseDir, "log"),
		Folder: FolderConfig{
			Type: "filesystem",
			Path: filepath.Join(baseDir, "shared"),
		},
		Database: DatabaseConfig{
			WorkingPath: filepath.Join(baseDir, "roster.db"),
		},
		State: StateConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "state"),
		},
		Queue:      QueueConfig{Type: "sqlite"},
		Encryption: EncryptionConfig{Type: "none"},
		Sync:       DefaultSyncConfig(),
	}
	return cfg
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
