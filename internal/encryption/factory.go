package encryption

import (
	"fmt"

	"rostersync/internal/config"
	"rostersync/internal/roster"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
// It returns nil for type "none"; callers then store snapshots unencrypted.
func NewEncryptorFromConfig(cfg config.EncryptionConfig, passphrase string) (roster.Encryptor, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "age":
		enc, err := NewAgeEncryptor(passphrase, cfg.ScryptWorkFactor)
		if err != nil {
			return nil, err
		}
		return enc, nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
