package doubleratchet

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"e2e_sync/internal/cryptographic/dh"
	"e2e_sync/internal/cryptographic/encryption"
	"e2e_sync/internal/model"
)

// DefaultMaxSkip bounds both the gap a single message may skip and the number
// of cached skipped message keys.
const DefaultMaxSkip = 1000

var (
	ErrSkipLimitExceeded = errors.New("doubleratchet: skipped-message window exceeded")
	ErrMessageReplayed   = errors.New("doubleratchet: message key already used")
	ErrNoReceivingChain  = errors.New("doubleratchet: no receiving chain key")
	ErrNoRemoteKey       = errors.New("doubleratchet: remote public key (DHr) not set")
)

func headerToAAD(ad []byte, h model.Header) []byte {
	b := make([]byte, len(ad)+32+4+4)
	n := copy(b, ad)
	copy(b[n:n+32], h.Pub[:])
	binary.BigEndian.PutUint32(b[n+32:n+36], h.MsgNum)
	binary.BigEndian.PutUint32(b[n+36:n+40], h.Prev)
	return b
}

func skippedKey(pub [32]byte, msgNum uint32) string {
	return hex.EncodeToString(pub[:]) + ":" + fmt.Sprint(msgNum)
}

// State is the ratchet state for one direction pair. It is not safe for
// concurrent use; callers serialise access per peer.
type State struct {
	RootKey []byte `json:"root_key"`

	// Our current DH (private/public) used for sending ratchets
	DHsPriv [32]byte `json:"dhs_priv"`
	DHsPub  [32]byte `json:"dhs_pub"`

	// Remote party's current DH public key
	DHr [32]byte `json:"dhr"`

	// Chain keys and counters
	SendingChainKey   []byte `json:"cks,omitempty"`
	ReceivingChainKey []byte `json:"ckr,omitempty"`
	Ns                uint32 `json:"ns"`
	Nr                uint32 `json:"nr"`
	PN                uint32 `json:"pn"`

	// Skipped message keys: key => messageKey. SkippedOrder is insertion
	// order, oldest first, used for eviction.
	Skipped      map[string][]byte `json:"skipped"`
	SkippedOrder []string          `json:"skipped_order"`

	// AD is bound into every AEAD call (IK_A || IK_B).
	AD      []byte `json:"ad"`
	MaxSkip int    `json:"max_skip"`
}

// NewInitiatorState seeds the state of the party that ran X3DH as sender. The
// first Send performs the initial DH ratchet against the peer's signed prekey.
func NewInitiatorState(sk []byte, theirSPK [32]byte, ad []byte, maxSkip int) *State {
	return newState(sk, [32]byte{}, [32]byte{}, theirSPK, ad, maxSkip)
}

// NewResponderState seeds the state of the party that received the handshake.
// Our signed prekey acts as the first ratchet key pair.
func NewResponderState(sk []byte, spkPriv, spkPub [32]byte, ad []byte, maxSkip int) *State {
	return newState(sk, spkPriv, spkPub, [32]byte{}, ad, maxSkip)
}

func newState(rootKey []byte, ourPriv, ourPub, theirPub [32]byte, ad []byte, maxSkip int) *State {
	if maxSkip <= 0 {
		maxSkip = DefaultMaxSkip
	}
	return &State{
		RootKey: append([]byte(nil), rootKey...),
		DHsPriv: ourPriv,
		DHsPub:  ourPub,
		DHr:     theirPub,
		Skipped: make(map[string][]byte),
		AD:      append([]byte(nil), ad...),
		MaxSkip: maxSkip,
	}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.RootKey = bytes.Clone(s.RootKey)
	c.SendingChainKey = bytes.Clone(s.SendingChainKey)
	c.ReceivingChainKey = bytes.Clone(s.ReceivingChainKey)
	c.AD = bytes.Clone(s.AD)
	c.Skipped = make(map[string][]byte, len(s.Skipped))
	for k, v := range s.Skipped {
		c.Skipped[k] = bytes.Clone(v)
	}
	c.SkippedOrder = append([]string(nil), s.SkippedOrder...)
	return &c
}

func (s *State) maxSkip() int {
	if s.MaxSkip <= 0 {
		return DefaultMaxSkip
	}
	return s.MaxSkip
}

// initiateSendingRatchet generates a new DH key for this party and derives a
// sending chain key (CKs). Called before the first message of a new sending
// chain.
func (s *State) initiateSendingRatchet() error {
	if s.DHr == ([32]byte{}) {
		return ErrNoRemoteKey
	}
	newPriv, newPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return err
	}
	shared, err := dh.X25519SharedSecret(newPriv, s.DHr)
	if err != nil {
		return fmt.Errorf("X25519 during sending ratchet: %w", err)
	}

	s.RootKey, s.SendingChainKey, err = KDFRootKey(s.RootKey, shared)
	if err != nil {
		return fmt.Errorf("sending ratchet: %w", err)
	}

	s.DHsPriv = newPriv
	s.DHsPub = newPub
	s.Ns = 0
	return nil
}

// saveSkippedMessages stores message keys for indices [Nr, until) of the
// current receiving chain, keyed under theirPub.
func (s *State) saveSkippedMessages(theirPub [32]byte, until uint32) error {
	if until <= s.Nr {
		return nil
	}
	if s.ReceivingChainKey == nil {
		return ErrNoReceivingChain
	}

	toGenerate := int(until - s.Nr)
	if toGenerate > s.maxSkip() {
		return fmt.Errorf("%w: gap of %d (max %d)", ErrSkipLimitExceeded, toGenerate, s.maxSkip())
	}

	for ; toGenerate > 0; toGenerate-- {
		var msgKey []byte
		var err error
		s.ReceivingChainKey, msgKey, err = KDFChainKey(s.ReceivingChainKey)
		if err != nil {
			return err
		}
		k := skippedKey(theirPub, s.Nr)
		s.Skipped[k] = msgKey
		s.SkippedOrder = append(s.SkippedOrder, k)
		s.Nr++
	}

	// oldest keys fall out of the window
	for len(s.SkippedOrder) > s.maxSkip() {
		delete(s.Skipped, s.SkippedOrder[0])
		s.SkippedOrder = s.SkippedOrder[1:]
	}
	return nil
}

func (s *State) takeSkipped(k string) ([]byte, bool) {
	mk, ok := s.Skipped[k]
	if !ok {
		return nil, false
	}
	delete(s.Skipped, k)
	for i, o := range s.SkippedOrder {
		if o == k {
			s.SkippedOrder = append(s.SkippedOrder[:i], s.SkippedOrder[i+1:]...)
			break
		}
	}
	return mk, true
}

// Send produces a header and ciphertext for the plaintext message. It starts a
// new sending chain if there is none.
func (s *State) Send(plaintext []byte) (model.Header, []byte, error) {
	if s.SendingChainKey == nil {
		if err := s.initiateSendingRatchet(); err != nil {
			return model.Header{}, nil, err
		}
	}

	nextCK, msgKey, err := KDFChainKey(s.SendingChainKey)
	if err != nil {
		return model.Header{}, nil, err
	}
	hdr := model.Header{Pub: s.DHsPub, MsgNum: s.Ns, Prev: s.PN}

	ct, err := encryption.AEADEncrypt(msgKey, plaintext, headerToAAD(s.AD, hdr))
	if err != nil {
		return model.Header{}, nil, err
	}
	s.SendingChainKey = nextCK
	s.Ns++
	return hdr, ct, nil
}

// Receive consumes a header and ciphertext and returns the plaintext. It is
// transactional: on any error s is left untouched.
func (s *State) Receive(h model.Header, ciphertext []byte) ([]byte, error) {
	next := s.Clone()
	plain, err := next.receive(h, ciphertext)
	if err != nil {
		return nil, err
	}
	*s = *next
	return plain, nil
}

func (s *State) receive(h model.Header, ciphertext []byte) ([]byte, error) {
	if mk, ok := s.takeSkipped(skippedKey(h.Pub, h.MsgNum)); ok {
		return encryption.AEADDecrypt(mk, ciphertext, headerToAAD(s.AD, h))
	}

	if h.Pub == s.DHr && s.ReceivingChainKey != nil && h.MsgNum < s.Nr {
		return nil, ErrMessageReplayed
	}

	// A different header key means the sender performed a DH ratchet.
	if h.Pub != s.DHr {
		if s.ReceivingChainKey != nil {
			if err := s.saveSkippedMessages(s.DHr, h.Prev); err != nil {
				return nil, err
			}
		}

		shared, err := dh.X25519SharedSecret(s.DHsPriv, h.Pub)
		if err != nil {
			return nil, fmt.Errorf("X25519 during receive ratchet: %w", err)
		}
		s.RootKey, s.ReceivingChainKey, err = KDFRootKey(s.RootKey, shared)
		if err != nil {
			return nil, err
		}
		s.DHr = h.Pub
		s.PN = s.Ns
		s.Ns = 0
		s.Nr = 0
		// our next send starts a fresh chain against the new remote key
		s.SendingChainKey = nil
	}

	if err := s.saveSkippedMessages(s.DHr, h.MsgNum); err != nil {
		return nil, err
	}

	if s.ReceivingChainKey == nil {
		return nil, ErrNoReceivingChain
	}
	var msgKey []byte
	var err error
	s.ReceivingChainKey, msgKey, err = KDFChainKey(s.ReceivingChainKey)
	if err != nil {
		return nil, err
	}
	s.Nr++

	return encryption.AEADDecrypt(msgKey, ciphertext, headerToAAD(s.AD, h))
}
