package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := map[SendState][]SendState{
		StatePending:   {StateSending, StateSent, StateDelivered, StateRead, StateFailed},
		StateSending:   {StatePending, StateSent, StateDelivered, StateRead, StateFailed},
		StateSent:      {StateDelivered, StateRead, StateDeleted},
		StateDelivered: {StateRead, StateDeleted},
		StateRead:      {StateDeleted},
		StateFailed:    nil,
		StateDeleted:   nil,
	}
	all := []SendState{StatePending, StateSending, StateSent, StateDelivered, StateRead, StateFailed, StateDeleted}

	for from, tos := range allowed {
		for _, to := range all {
			assert.Equal(t, contains(tos, to), CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func contains(states []SendState, s SendState) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}

func TestTransitionDeleteClearsPayload(t *testing.T) {
	text := "secret"
	e := MessageEntry{ID: "e1", State: StateSent, Plaintext: &text, Envelope: &Envelope{Ciphertext: []byte{1}}}

	require.NoError(t, e.Transition(StateDeleted))
	assert.Nil(t, e.Plaintext)
	assert.Nil(t, e.Envelope)

	err := e.Transition(StateSent)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, e.Transition(StateDeleted), "same state is a no-op")
}

func TestCloneDoesNotShare(t *testing.T) {
	text := "a"
	e := MessageEntry{Plaintext: &text, Envelope: &Envelope{Handshake: &Handshake{OneTimePreKeyID: 7}}}
	c := e.Clone()
	*c.Plaintext = "b"
	c.Envelope.Handshake.OneTimePreKeyID = 8
	assert.Equal(t, "a", *e.Plaintext)
	assert.Equal(t, uint32(7), e.Envelope.Handshake.OneTimePreKeyID)
}

func TestParseSendState(t *testing.T) {
	s, err := ParseSendState("delivered")
	require.NoError(t, err)
	assert.Equal(t, StateDelivered, s)
	assert.Equal(t, "delivered", s.String())

	_, err = ParseSendState("teleported")
	assert.Error(t, err)
}

func TestConversationIDs(t *testing.T) {
	id := DirectConversationID("bob", "alice")
	assert.Equal(t, id, DirectConversationID("alice", "bob"))

	peer, err := PeerOf(id, "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", peer)

	_, err = PeerOf(id, "mallory")
	assert.Error(t, err)
	_, err = PeerOf("group:1", "alice")
	assert.Error(t, err)
	_, err = PeerOf("dm:alice", "alice")
	assert.Error(t, err)
}
