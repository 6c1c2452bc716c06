package encryption

import (
	"errors"
	"fmt"
	"io"

	"filippo.io/age"

	"rostersync/internal/roster"
)

// AgeEncryptor implements roster.Encryptor using filippo.io/age with a shared
// team passphrase. Every member of the shared folder must be able to read every
// snapshot, so the passphrase is wrapped with age's scrypt recipient rather than
// per-user X25519 keys.
type AgeEncryptor struct {
	passphrase string
	workFactor int
}

var _ roster.Encryptor = (*AgeEncryptor)(nil)

// NewAgeEncryptor creates an AgeEncryptor. A workFactor of zero keeps age's default.
func NewAgeEncryptor(passphrase string, workFactor int) (*AgeEncryptor, error) {
	if passphrase == "" {
		return nil, errors.New("age encryption requires a passphrase")
	}
	return &AgeEncryptor{passphrase: passphrase, workFactor: workFactor}, nil
}

// Encrypt reads plaintext from r and writes age-encrypted ciphertext to w.
func (e *AgeEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	recipient, err := age.NewScryptRecipient(e.passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if e.workFactor > 0 {
		recipient.SetWorkFactor(e.workFactor)
	}

	encWriter, err := age.Encrypt(w, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}

	if _, err := io.Copy(encWriter, r); err != nil {
		return fmt.Errorf("encrypting data: %w", err)
	}

	if err := encWriter.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}

	return nil
}

// Decrypt reads age-encrypted ciphertext from r and writes plaintext to w.
func (e *AgeEncryptor) Decrypt(r io.Reader, w io.Writer) error {
	identity, err := age.NewScryptIdentity(e.passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt identity: %w", err)
	}

	decReader, err := age.Decrypt(r, identity)
	if err != nil {
		return fmt.Errorf("creating decrypted reader: %w", err)
	}

	if _, err := io.Copy(w, decReader); err != nil {
		return fmt.Errorf("decrypting data: %w", err)
	}

	return nil
}
