package foldersync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"rostersync/internal/roster"
)

// upload copies a local file into the folder under name.
func upload(ctx context.Context, folder roster.Folder, localPath, name string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}
	if err := folder.Write(ctx, name, f, info.Size()); err != nil {
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	return nil
}

// download replaces localPath with the folder file name. The file is written
// next to localPath and renamed into place.
func download(ctx context.Context, folder roster.Folder, name, localPath string) error {
	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := folder.Read(ctx, name, tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("downloading %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		return fmt.Errorf("replacing %s: %w", localPath, err)
	}
	return nil
}

// copyLocal replaces dst with a copy of src.
func copyLocal(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".copy-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, dst)
}

// copyRemote duplicates a folder file under a new name.
func copyRemote(ctx context.Context, folder roster.Folder, src, dst string) error {
	var buf bytes.Buffer
	if err := folder.Read(ctx, src, &buf); err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	if err := folder.Write(ctx, dst, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
