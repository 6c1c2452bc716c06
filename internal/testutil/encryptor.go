package testutil

import (
	"rostersync/internal/encryption"
	"rostersync/internal/roster"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() roster.Encryptor {
	return encryption.NewTestEncryptor()
}
