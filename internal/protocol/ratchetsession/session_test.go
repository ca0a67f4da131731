package ratchetsession

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2e_sync/internal/model"
	"e2e_sync/internal/protocol/doubleratchet"
)

func state(tag byte) *State {
	return &State{BaseKey: [32]byte{tag}, Ratchet: &doubleratchet.State{MaxSkip: 10}}
}

func baseKeys(s *Session) []byte {
	var out []byte
	for _, st := range s.States() {
		out = append(out, st.BaseKey[0])
	}
	return out
}

func TestInstallArchivesAndCaps(t *testing.T) {
	s := &Session{PeerID: "bob"}
	for tag := byte(1); tag <= 5; tag++ {
		s.Install(state(tag), 3)
	}
	assert.Equal(t, []byte{5, 4, 3, 2}, baseKeys(s))
	assert.True(t, s.HasBaseKey([32]byte{2}))
	assert.False(t, s.HasBaseKey([32]byte{1}), "oldest state dropped")
}

func TestPromote(t *testing.T) {
	s := &Session{PeerID: "bob"}
	for tag := byte(1); tag <= 3; tag++ {
		s.Install(state(tag), 3)
	}
	s.Promote(1)
	assert.Equal(t, []byte{1, 3, 2}, baseKeys(s))

	s.Promote(7)
	assert.Equal(t, []byte{1, 3, 2}, baseKeys(s), "out of range is ignored")
}

func TestMarshalRoundTripKeepsPendingHandshake(t *testing.T) {
	s := &Session{PeerID: "bob"}
	st := state(9)
	st.PendingHandshake = &model.Handshake{OneTimePreKeyID: 4}
	s.Install(st, 3)

	data, err := Marshal(s)
	require.NoError(t, err)
	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.False(t, got.Current.Acknowledged())
	assert.Equal(t, uint32(4), got.Current.PendingHandshake.OneTimePreKeyID)

	c := got.Clone()
	c.Current.PendingHandshake.OneTimePreKeyID = 5
	assert.Equal(t, uint32(4), got.Current.PendingHandshake.OneTimePreKeyID)
}

func TestUnmarshalRejectsEmptySession(t *testing.T) {
	_, err := Unmarshal([]byte(`{"peer_id":"bob"}`))
	assert.Error(t, err)
	_, err = Unmarshal([]byte(`{"peer_id":"bob","current":{}}`))
	assert.Error(t, err)
	_, err = Unmarshal([]byte(`not json`))
	assert.Error(t, err)
}
