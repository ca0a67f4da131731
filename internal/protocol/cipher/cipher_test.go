package cipher

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2e_sync/internal/cryptographic/dh"
	"e2e_sync/internal/cryptographic/signature"
	"e2e_sync/internal/model"
	"e2e_sync/internal/protocol/doubleratchet"
	"e2e_sync/internal/protocol/ratchetsession"
	"e2e_sync/internal/protocol/x3dh"
)

type party struct {
	id  *model.Identity
	otk model.OneTimePreKey
}

func newParty(t *testing.T, userID string) *party {
	t.Helper()
	ikPriv, ikPub, err := dh.NewX25519KeyPair()
	require.NoError(t, err)
	signPub, signPriv, err := signature.NewEd25519Keypair()
	require.NoError(t, err)
	spkPriv, spkPub, err := dh.NewX25519KeyPair()
	require.NoError(t, err)
	otkPriv, otkPub, err := dh.NewX25519KeyPair()
	require.NoError(t, err)

	return &party{
		id: &model.Identity{
			UserID: userID, RegistrationID: 1, IKPriv: ikPriv, IKPub: ikPub,
			SigningPriv: signPriv, SigningPub: signPub, CreatedAt: time.Now(),
			SignedPreKey: model.SignedPreKey{
				ID: 1, Priv: spkPriv, Pub: spkPub,
				Signature: signature.ED25519Sign(signPriv, x3dh.SignedPreKeyMessage(1, spkPub)),
			},
		},
		otk: model.OneTimePreKey{ID: 1, Priv: otkPriv, Pub: otkPub},
	}
}

func (p *party) bundle(withOTK bool) *model.PreKeyBundle {
	b := &model.PreKeyBundle{
		UserID: p.id.UserID, RegistrationID: p.id.RegistrationID,
		IdentityKey: p.id.IKPub, SigningKey: p.id.SigningPub,
		SignedPreKeyID: p.id.SignedPreKey.ID, SignedPreKey: p.id.SignedPreKey.Pub,
		SignedPreKeySignature: p.id.SignedPreKey.Signature,
	}
	if withOTK {
		b.OneTimePreKeys = []model.OneTimePreKeyPublic{{ID: p.otk.ID, Pub: p.otk.Pub}}
	}
	return b
}

// initiate returns the initiator's session with to.
func initiate(t *testing.T, from, to *party) *ratchetsession.Session {
	t.Helper()
	st, err := ratchetsession.NewInitiatorState(from.id, to.bundle(true), 0)
	require.NoError(t, err)
	return &ratchetsession.Session{PeerID: to.id.UserID, Current: st}
}

// accept builds the responder session from a handshake envelope.
func accept(t *testing.T, self *party, env *model.Envelope) *ratchetsession.State {
	t.Helper()
	require.NotNil(t, env.Handshake)
	var otk *[32]byte
	if env.Handshake.OneTimePreKeyID == self.otk.ID {
		k := self.otk.Priv
		otk = &k
	}
	st, err := ratchetsession.NewResponderState(self.id, env.Handshake, self.id.SignedPreKey, otk, 0)
	require.NoError(t, err)
	return st
}

func TestHandshakeRoundTrip(t *testing.T) {
	alice, bob := newParty(t, "alice"), newParty(t, "bob")
	aSess := initiate(t, alice, bob)

	aSess, env, err := Encrypt(aSess, "alice", "bob", []byte("hello bob"), "c1")
	require.NoError(t, err)
	require.True(t, env.IsHandshakeMessage())
	assert.Equal(t, "c1", env.CorrelationID)

	bSess := &ratchetsession.Session{PeerID: "alice", Current: accept(t, bob, env)}
	bSess, pt, err := Decrypt(bSess, env)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(pt))
	assert.False(t, bSess.Current.WeakHandshake)

	// still unacknowledged: second message carries the handshake too
	aSess, env2, err := Encrypt(aSess, "alice", "bob", []byte("again"), "c2")
	require.NoError(t, err)
	assert.True(t, env2.IsHandshakeMessage())
	bSess, pt, err = Decrypt(bSess, env2)
	require.NoError(t, err)
	assert.Equal(t, "again", string(pt))

	bSess, reply, err := Encrypt(bSess, "bob", "alice", []byte("hi alice"), "c3")
	require.NoError(t, err)
	assert.False(t, reply.IsHandshakeMessage())

	aSess, pt, err = Decrypt(aSess, reply)
	require.NoError(t, err)
	assert.Equal(t, "hi alice", string(pt))
	assert.True(t, aSess.Current.Acknowledged())

	_, env3, err := Encrypt(aSess, "alice", "bob", []byte("acked"), "c4")
	require.NoError(t, err)
	assert.False(t, env3.IsHandshakeMessage())
	_, _, err = Decrypt(bSess, env3)
	require.NoError(t, err)
}

func TestEncryptDoesNotMutateInput(t *testing.T) {
	alice, bob := newParty(t, "alice"), newParty(t, "bob")
	aSess := initiate(t, alice, bob)
	before := aSess.Clone()

	_, _, err := Encrypt(aSess, "alice", "bob", []byte("x"), "c1")
	require.NoError(t, err)
	assert.Equal(t, before, aSess)
}

func TestOutOfOrderDelivery(t *testing.T) {
	alice, bob := newParty(t, "alice"), newParty(t, "bob")
	aSess := initiate(t, alice, bob)

	var envs []*model.Envelope
	for i := 1; i <= 3; i++ {
		var env *model.Envelope
		var err error
		aSess, env, err = Encrypt(aSess, "alice", "bob", []byte(fmt.Sprintf("M%d", i)), fmt.Sprintf("c%d", i))
		require.NoError(t, err)
		envs = append(envs, env)
	}

	bSess := &ratchetsession.Session{PeerID: "alice", Current: accept(t, bob, envs[2])}
	for _, i := range []int{2, 0, 1} {
		var pt []byte
		var err error
		bSess, pt, err = Decrypt(bSess, envs[i])
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("M%d", i+1), string(pt))
	}
}

func TestReplayIsDesync(t *testing.T) {
	alice, bob := newParty(t, "alice"), newParty(t, "bob")
	aSess := initiate(t, alice, bob)
	_, env, err := Encrypt(aSess, "alice", "bob", []byte("once"), "c1")
	require.NoError(t, err)

	bSess := &ratchetsession.Session{PeerID: "alice", Current: accept(t, bob, env)}
	bSess, _, err = Decrypt(bSess, env)
	require.NoError(t, err)

	_, _, err = Decrypt(bSess, env)
	require.ErrorIs(t, err, model.ErrSessionDesynced)
	assert.ErrorIs(t, err, doubleratchet.ErrMessageReplayed)
}

func TestSimultaneousInitiationConverges(t *testing.T) {
	alice, bob := newParty(t, "alice"), newParty(t, "bob")
	aSess := initiate(t, alice, bob)
	bSess := initiate(t, bob, alice)

	aSess, fromA, err := Encrypt(aSess, "alice", "bob", []byte("from alice"), "a1")
	require.NoError(t, err)
	bSess, fromB, err := Encrypt(bSess, "bob", "alice", []byte("from bob"), "b1")
	require.NoError(t, err)

	// each side installs the peer's handshake as a new current state
	aSess.Install(accept(t, alice, fromB), 0)
	bSess.Install(accept(t, bob, fromA), 0)

	aSess, pt, err := Decrypt(aSess, fromB)
	require.NoError(t, err)
	assert.Equal(t, "from bob", string(pt))
	bSess, pt, err = Decrypt(bSess, fromA)
	require.NoError(t, err)
	assert.Equal(t, "from alice", string(pt))

	// both now send on the state created from the other's handshake
	aSess, a2, err := Encrypt(aSess, "alice", "bob", []byte("a2"), "a2")
	require.NoError(t, err)
	_, pt, err = Decrypt(bSess, a2)
	require.NoError(t, err)
	assert.Equal(t, "a2", string(pt))
	assert.Len(t, aSess.Previous, 1)
}

func TestArchivedStateIsPromoted(t *testing.T) {
	alice, bob := newParty(t, "alice"), newParty(t, "bob")
	aSess := initiate(t, alice, bob)
	aSess, old, err := Encrypt(aSess, "alice", "bob", []byte("old"), "c1")
	require.NoError(t, err)

	bSess := &ratchetsession.Session{PeerID: "alice", Current: accept(t, bob, old)}
	// bob also started a session of his own that became current
	other, err := ratchetsession.NewInitiatorState(bob.id, alice.bundle(false), 0)
	require.NoError(t, err)
	assert.True(t, other.WeakHandshake)
	bSess.Install(other, 0)

	bSess, pt, err := Decrypt(bSess, old)
	require.NoError(t, err)
	assert.Equal(t, "old", string(pt))
	assert.Equal(t, old.Handshake.EphemeralKey, bSess.Current.BaseKey)
}

func TestUnencryptedEnvelope(t *testing.T) {
	env := SealUnencrypted("alice", "bob", []byte("plain"), "c1")
	assert.Equal(t, model.EnvelopeUnencrypted, env.Type)
	assert.False(t, env.IsHandshakeMessage())

	pt, err := OpenUnencrypted(env)
	require.NoError(t, err)
	assert.Equal(t, "plain", string(pt))

	alice, bob := newParty(t, "alice"), newParty(t, "bob")
	_, _, err = Decrypt(initiate(t, alice, bob), env)
	assert.ErrorIs(t, err, model.ErrSessionDesynced)
}
