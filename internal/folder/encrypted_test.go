package folder

import (
	"bytes"
	"context"
	"io"
	"testing"
)

// xorEncryptor is a reversible stand-in for a real cipher.
type xorEncryptor struct{}

func (xorEncryptor) Encrypt(r io.Reader, w io.Writer) error { return xorCopy(r, w) }
func (xorEncryptor) Decrypt(r io.Reader, w io.Writer) error { return xorCopy(r, w) }

func xorCopy(r io.Reader, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	for i := range data {
		data[i] ^= 0x5a
	}
	_, err = w.Write(data)
	return err
}

func TestEncryptedFolder(t *testing.T) {
	inner := NewMemoryFolder(nil)
	f := NewEncryptedFolder(inner, xorEncryptor{})
	ctx := context.Background()

	writeString(t, f, "roster.base.db", "SQLite format 3")
	writeString(t, f, "roster.lock", `{"user":"alice"}`)

	var raw bytes.Buffer
	if err := inner.Read(ctx, "roster.base.db", &raw); err != nil {
		t.Fatal(err)
	}
	if raw.String() == "SQLite format 3" {
		t.Error("snapshot stored in plaintext")
	}

	raw.Reset()
	if err := inner.Read(ctx, "roster.lock", &raw); err != nil {
		t.Fatal(err)
	}
	if raw.String() != `{"user":"alice"}` {
		t.Errorf("lock file should stay plaintext, got %q", raw.String())
	}

	var plain bytes.Buffer
	if err := f.Read(ctx, "roster.base.db", &plain); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if plain.String() != "SQLite format 3" {
		t.Errorf("Read() = %q", plain.String())
	}
}
