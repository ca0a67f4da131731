package ratchetsession

import (
	"encoding/json"
	"fmt"
	"time"

	"e2e_sync/internal/cryptographic/dh"
	"e2e_sync/internal/model"
	"e2e_sync/internal/protocol/doubleratchet"
	"e2e_sync/internal/protocol/x3dh"
)

// DefaultMaxArchived is how many superseded states a session keeps.
const DefaultMaxArchived = 3

type (
	// State is one negotiated ratchet with a peer. BaseKey is the initiator's
	// ephemeral key and identifies the handshake that produced the state.
	State struct {
		Ratchet            *doubleratchet.State `json:"ratchet"`
		BaseKey            [32]byte             `json:"base_key"`
		LocalInitiated     bool                 `json:"local_initiated"`
		PeerIdentityKey    [32]byte             `json:"peer_identity_key"`
		PeerRegistrationID uint32               `json:"peer_registration_id"`
		// PendingHandshake is attached to outgoing envelopes until the peer's
		// first message decrypts.
		PendingHandshake *model.Handshake `json:"pending_handshake,omitempty"`
		// WeakHandshake is set when no one-time prekey was available.
		WeakHandshake bool      `json:"weak_handshake,omitempty"`
		CreatedAt     time.Time `json:"created_at"`
	}

	// Session is the persisted record for one peer: the current state and a
	// short list of archived states, most recent first.
	Session struct {
		PeerID    string    `json:"peer_id"`
		Current   *State    `json:"current"`
		Previous  []*State  `json:"previous,omitempty"`
		UpdatedAt time.Time `json:"updated_at"`
	}
)

func (s *State) Clone() *State {
	c := *s
	c.Ratchet = s.Ratchet.Clone()
	if s.PendingHandshake != nil {
		hs := *s.PendingHandshake
		c.PendingHandshake = &hs
	}
	return &c
}

// Acknowledged reports whether the peer has proven it holds the state.
func (s *State) Acknowledged() bool {
	return s.PendingHandshake == nil
}

func (s *Session) Clone() *Session {
	c := &Session{PeerID: s.PeerID, UpdatedAt: s.UpdatedAt}
	if s.Current != nil {
		c.Current = s.Current.Clone()
	}
	for _, p := range s.Previous {
		c.Previous = append(c.Previous, p.Clone())
	}
	return c
}

// HasBaseKey reports whether any state of the session was created from the
// handshake identified by baseKey.
func (s *Session) HasBaseKey(baseKey [32]byte) bool {
	if s.Current != nil && s.Current.BaseKey == baseKey {
		return true
	}
	for _, p := range s.Previous {
		if p.BaseKey == baseKey {
			return true
		}
	}
	return false
}

// Install makes st the current state and archives the old one, keeping at most
// maxArchived archived states.
func (s *Session) Install(st *State, maxArchived int) {
	if maxArchived <= 0 {
		maxArchived = DefaultMaxArchived
	}
	if s.Current != nil {
		s.Previous = append([]*State{s.Current}, s.Previous...)
	}
	if len(s.Previous) > maxArchived {
		s.Previous = s.Previous[:maxArchived]
	}
	s.Current = st
}

// Promote moves archived state i to current.
func (s *Session) Promote(i int) {
	if i < 0 || i >= len(s.Previous) {
		return
	}
	st := s.Previous[i]
	s.Previous = append(s.Previous[:i], s.Previous[i+1:]...)
	s.Previous = append([]*State{s.Current}, s.Previous...)
	s.Current = st
}

// States returns current followed by the archived states.
func (s *Session) States() []*State {
	out := make([]*State, 0, 1+len(s.Previous))
	if s.Current != nil {
		out = append(out, s.Current)
	}
	return append(out, s.Previous...)
}

func Marshal(s *Session) ([]byte, error) {
	return json.Marshal(s)
}

func Unmarshal(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.Current == nil || s.Current.Ratchet == nil {
		return nil, fmt.Errorf("decode session %s: missing current state", s.PeerID)
	}
	return &s, nil
}

// NewInitiatorState runs the sending side of X3DH against a verified bundle.
func NewInitiatorState(self *model.Identity, bundle *model.PreKeyBundle, maxSkip int) (*State, error) {
	if err := x3dh.VerifyPreKeyBundle(bundle); err != nil {
		return nil, err
	}

	ekPriv, ekPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}

	skb := &model.SenderKeyBundle{
		IKPrivA: self.IKPriv,
		EKPrivA: ekPriv,
		IKPubB:  bundle.IdentityKey,
		SPKPubB: bundle.SignedPreKey,
	}
	hs := &model.Handshake{
		IdentityKey:    self.IKPub,
		EphemeralKey:   ekPub,
		SignedPreKeyID: bundle.SignedPreKeyID,
		RegistrationID: self.RegistrationID,
	}
	otk, hasOTK := bundle.OneTimePreKey()
	if hasOTK {
		pub := otk.Pub
		skb.OTKPubB = &pub
		hs.OneTimePreKeyID = otk.ID
	}

	sk, err := x3dh.NewSender().GenerateShareKey(skb)
	if err != nil {
		return nil, err
	}

	ad := x3dh.AssociatedData(self.IKPub, bundle.IdentityKey)
	return &State{
		Ratchet:            doubleratchet.NewInitiatorState(sk, bundle.SignedPreKey, ad, maxSkip),
		BaseKey:            ekPub,
		LocalInitiated:     true,
		PeerIdentityKey:    bundle.IdentityKey,
		PeerRegistrationID: bundle.RegistrationID,
		PendingHandshake:   hs,
		WeakHandshake:      !hasOTK,
		CreatedAt:          time.Now().UTC(),
	}, nil
}

// NewResponderState runs the receiving side of X3DH. spk is the signed prekey
// the initiator used; otkPriv is nil when the handshake named no one-time
// prekey.
func NewResponderState(self *model.Identity, hs *model.Handshake, spk model.SignedPreKey, otkPriv *[32]byte, maxSkip int) (*State, error) {
	rkb := &model.ReceiverKeyBundle{
		IKPubA:   hs.IdentityKey,
		EKPubA:   hs.EphemeralKey,
		IKPrivB:  self.IKPriv,
		SPKPrivB: spk.Priv,
		OTKPrivB: otkPriv,
	}
	sk, err := x3dh.NewReceiver().GenerateShareKey(rkb)
	if err != nil {
		return nil, err
	}

	ad := x3dh.AssociatedData(hs.IdentityKey, self.IKPub)
	return &State{
		Ratchet:            doubleratchet.NewResponderState(sk, spk.Priv, spk.Pub, ad, maxSkip),
		BaseKey:            hs.EphemeralKey,
		PeerIdentityKey:    hs.IdentityKey,
		PeerRegistrationID: hs.RegistrationID,
		WeakHandshake:      otkPriv == nil,
		CreatedAt:          time.Now().UTC(),
	}, nil
}
