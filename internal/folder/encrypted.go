package folder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"rostersync/internal/roster"
)

// EncryptedFolder encrypts snapshot files (names ending in ".db") before they
// reach the inner folder and decrypts them on read. Small JSON coordination
// files stay readable so an operator can inspect a stuck lock.
type EncryptedFolder struct {
	inner     roster.Folder
	encryptor roster.Encryptor
}

// NewEncryptedFolder wraps inner.
func NewEncryptedFolder(inner roster.Folder, encryptor roster.Encryptor) *EncryptedFolder {
	return &EncryptedFolder{inner: inner, encryptor: encryptor}
}

func encrypts(name string) bool {
	return strings.HasSuffix(name, ".db")
}

func (f *EncryptedFolder) List(ctx context.Context, prefix string) ([]roster.FileInfo, error) {
	return f.inner.List(ctx, prefix)
}

func (f *EncryptedFolder) Stat(ctx context.Context, name string) (roster.FileInfo, error) {
	return f.inner.Stat(ctx, name)
}

func (f *EncryptedFolder) Read(ctx context.Context, name string, w io.Writer) error {
	if !encrypts(name) {
		return f.inner.Read(ctx, name, w)
	}
	var ciphertext bytes.Buffer
	if err := f.inner.Read(ctx, name, &ciphertext); err != nil {
		return err
	}
	if err := f.encryptor.Decrypt(&ciphertext, w); err != nil {
		return fmt.Errorf("decrypting %s: %w", name, err)
	}
	return nil
}

func (f *EncryptedFolder) Write(ctx context.Context, name string, r io.Reader, size int64) error {
	if !encrypts(name) {
		return f.inner.Write(ctx, name, r, size)
	}
	var ciphertext bytes.Buffer
	if err := f.encryptor.Encrypt(io.LimitReader(r, size), &ciphertext); err != nil {
		return fmt.Errorf("encrypting %s: %w", name, err)
	}
	return f.inner.Write(ctx, name, bytes.NewReader(ciphertext.Bytes()), int64(ciphertext.Len()))
}

func (f *EncryptedFolder) Delete(ctx context.Context, name string) error {
	return f.inner.Delete(ctx, name)
}

func (f *EncryptedFolder) ValidateSetup(ctx context.Context) error {
	return f.inner.ValidateSetup(ctx)
}

var _ roster.Folder = (*EncryptedFolder)(nil)
