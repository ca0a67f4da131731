package kdf

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Derive returns n bytes of HKDF-SHA256 output.
func Derive(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("hkdf %s: %w", info, err)
	}
	return out, nil
}

// Split derives two 32-byte keys in one expansion.
func Split(secret, salt, info []byte) (a, b []byte, err error) {
	out, err := Derive(secret, salt, info, 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}
