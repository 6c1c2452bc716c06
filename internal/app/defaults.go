package app

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
)

// Environment variables that override the defaults.
const (
	EnvConfigPath = "ROSTERSYNC_CONFIG_PATH"
	EnvHome       = "ROSTERSYNC_HOME"
	EnvUser       = "ROSTERSYNC_USER"
)

// Defaults are the paths and identity used when no config file says otherwise.
type Defaults struct {
	ConfigPath string // ~/.config/rostersync.toml
	BaseDir    string // ~/.local/share/rostersync
	LogDir     string // <BaseDir>/log
	User       string // login name
}

// GetDefaults resolves Defaults, environment variables first.
func GetDefaults() (*Defaults, error) {
	homeDir, homeErr := os.UserHomeDir()
	home := func(parts ...string) (string, error) {
		if homeErr != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", homeErr)
		}
		return filepath.Join(append([]string{homeDir}, parts...)...), nil
	}

	d := &Defaults{
		ConfigPath: os.Getenv(EnvConfigPath),
		BaseDir:    os.Getenv(EnvHome),
		User:       os.Getenv(EnvUser),
	}

	var err error
	if d.ConfigPath == "" {
		if d.ConfigPath, err = home(".config", "rostersync.toml"); err != nil {
			return nil, err
		}
	}
	if d.BaseDir == "" {
		if d.BaseDir, err = home(".local", "share", "rostersync"); err != nil {
			return nil, err
		}
	}
	d.LogDir = filepath.Join(d.BaseDir, "log")

	if d.User == "" {
		if u, err := user.Current(); err == nil {
			d.User = u.Username
		}
	}
	return d, nil
}
