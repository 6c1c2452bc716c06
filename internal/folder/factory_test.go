package folder

import (
	"context"
	"testing"

	"rostersync/internal/config"
)

func TestNewFolderFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.FolderConfig
		wantErr bool
	}{
		{
			name: "memory folder",
			cfg:  config.FolderConfig{Type: "memory"},
		},
		{
			name: "filesystem folder",
			cfg:  config.FolderConfig{Type: "filesystem", Path: t.TempDir()},
		},
		{
			name:    "filesystem folder without path",
			cfg:     config.FolderConfig{Type: "filesystem"},
			wantErr: true,
		},
		{
			name:    "s3 folder without bucket",
			cfg:     config.FolderConfig{Type: "s3"},
			wantErr: true,
		},
		{
			name:    "unknown type",
			cfg:     config.FolderConfig{Type: "ftp"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFolderFromConfig(context.Background(), tt.cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewFolderFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && f == nil {
				t.Error("NewFolderFromConfig() returned nil folder")
			}
		})
	}
}
