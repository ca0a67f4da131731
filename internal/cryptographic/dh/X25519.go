package dh

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

var errZeroKey = errors.New("x25519: zero public key")

// NewX25519KeyPair generates a clamped X25519 key pair.
func NewX25519KeyPair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("failed to generate private key: %w", err)
	}
	clamp(&priv)
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// PublicKey derives the public half of priv.
func PublicKey(priv [32]byte) (pub [32]byte) {
	curve25519.ScalarBaseMult(&pub, &priv)
	return pub
}

// X25519SharedSecret performs priv * pub. Low-order points are rejected.
func X25519SharedSecret(priv, pub [32]byte) ([]byte, error) {
	if pub == ([32]byte{}) {
		return nil, errZeroKey
	}
	return curve25519.X25519(priv[:], pub[:])
}

func clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
