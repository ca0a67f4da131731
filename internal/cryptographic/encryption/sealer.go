package encryption

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const SaltSize = 16

// Sealer encrypts values at rest with a key derived from a passphrase.
type Sealer struct {
	key []byte
}

// NewSealer derives the sealing key with Argon2id. salt must be SaltSize bytes
// and stored next to the sealed data.
func NewSealer(passphrase string, salt []byte) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("sealer: empty passphrase")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("sealer: salt must be %d bytes", SaltSize)
	}
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
	return &Sealer{key: key}, nil
}

func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// Seal returns nonce || ciphertext. label is bound as associated data so a
// value cannot be moved to another key.
func (s *Sealer) Seal(label string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out, plaintext, []byte(label)), nil
}

func (s *Sealer) Open(label string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	ns := aead.NonceSize()
	if len(sealed) < ns+aead.Overhead() {
		return nil, ErrAuthentication
	}
	plain, err := aead.Open(nil, sealed[:ns], sealed[ns:], []byte(label))
	if err != nil {
		return nil, ErrAuthentication
	}
	return plain, nil
}
