package encryption

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAEADRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	ct, err := AEADEncrypt(key, []byte("hello"), []byte("ad"))
	require.NoError(t, err)

	pt, err := AEADDecrypt(key, ct, []byte("ad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)

	_, err = AEADDecrypt(key, ct, []byte("other"))
	assert.ErrorIs(t, err, ErrAuthentication)

	ct[len(ct)-1] ^= 1
	_, err = AEADDecrypt(key, ct, []byte("ad"))
	assert.ErrorIs(t, err, ErrAuthentication)

	_, err = AEADDecrypt(key, ct[:4], []byte("ad"))
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestAEADRejectsBadKey(t *testing.T) {
	_, err := AEADEncrypt([]byte("short"), []byte("x"), nil)
	assert.Error(t, err)
}

func TestSealer(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	s, err := NewSealer("correct horse", salt)
	require.NoError(t, err)

	sealed, err := s.Seal("session:bob", []byte("state"))
	require.NoError(t, err)
	pt, err := s.Open("session:bob", sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), pt)

	_, err = s.Open("session:carol", sealed)
	assert.ErrorIs(t, err, ErrAuthentication, "label is bound")

	other, err := NewSealer("wrong", salt)
	require.NoError(t, err)
	_, err = other.Open("session:bob", sealed)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestNewSealerValidates(t *testing.T) {
	_, err := NewSealer("", make([]byte, SaltSize))
	assert.Error(t, err)
	_, err = NewSealer("pw", make([]byte, 3))
	assert.Error(t, err)
}
