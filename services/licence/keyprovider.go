package licence

import (
	"crypto/sha256"
	"errors"
	"io"
	"strings"

	"smallbiznis-licensing/pkg/config"

	"golang.org/x/crypto/hkdf"
)

const keySize = 32

// KeyProvider supplies the AES-256 key tokens are sealed with.
type KeyProvider interface {
	Key() ([]byte, error)
}

type staticKey struct {
	key []byte
}

func (k *staticKey) Key() ([]byte, error) {
	return k.key, nil
}

// NewKeyProvider derives a 32 byte key from secret with HKDF-SHA256. The same
// secret always yields the same key, so tokens survive restarts.
func NewKeyProvider(secret string) (KeyProvider, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("licence token secret is empty")
	}

	r := hkdf.New(sha256.New, []byte(secret), []byte("licence-token"), []byte(tokenVersion))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return &staticKey{key: key}, nil
}

func ProvideKeyProvider(cfg *config.Config) (KeyProvider, error) {
	return NewKeyProvider(cfg.Licensing.TokenKey)
}
