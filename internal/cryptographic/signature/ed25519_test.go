package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	pub, priv, err := NewEd25519Keypair()
	require.NoError(t, err)

	sig := ED25519Sign(priv, []byte("bundle"))
	assert.True(t, ED25519Verify(pub, []byte("bundle"), sig))
	assert.False(t, ED25519Verify(pub, []byte("bundle!"), sig))
	assert.False(t, ED25519Verify(pub[:10], []byte("bundle"), sig), "short key")
}
