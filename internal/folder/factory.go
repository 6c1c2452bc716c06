package folder

import (
	"context"
	"fmt"

	"rostersync/internal/config"
	"rostersync/internal/roster"
)

// NewFolderFromConfig creates a Folder implementation based on the folder config type.
func NewFolderFromConfig(ctx context.Context, cfg config.FolderConfig, clock roster.Clock) (roster.Folder, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryFolder(clock), nil
	case "s3":
		return NewS3Folder(ctx, S3Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	case "filesystem":
		if cfg.Path == "" {
			return nil, fmt.Errorf("filesystem folder requires path to be set")
		}
		return NewFileSystemFolder(cfg.Path, cfg.Ignore)
	default:
		return nil, fmt.Errorf("unknown folder type: %s", cfg.Type)
	}
}
