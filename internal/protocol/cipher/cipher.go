// Package cipher turns plaintext into envelopes and back using a peer's
// ratchet session. Functions never mutate their input session; they return an
// updated copy that the caller persists.
package cipher

import (
	"errors"
	"fmt"

	"e2e_sync/internal/model"
	"e2e_sync/internal/protocol/doubleratchet"
	"e2e_sync/internal/protocol/ratchetsession"
)

// Encrypt seals plaintext with the current state of sess. While the state is
// unacknowledged the handshake material rides along on every envelope.
func Encrypt(sess *ratchetsession.Session, senderID, recipientID string, plaintext []byte, correlationID string) (*ratchetsession.Session, *model.Envelope, error) {
	if sess == nil || sess.Current == nil {
		return nil, nil, model.ErrNoSession
	}

	next := sess.Clone()
	hdr, ct, err := next.Current.Ratchet.Send(plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("ratchet send to %s: %w", recipientID, err)
	}

	env := &model.Envelope{
		SenderID:      senderID,
		RecipientID:   recipientID,
		Type:          model.EnvelopeRatchet,
		Header:        hdr,
		Ciphertext:    ct,
		CorrelationID: correlationID,
	}
	if hs := next.Current.PendingHandshake; hs != nil {
		c := *hs
		env.Handshake = &c
	}
	return next, env, nil
}

// Decrypt opens env with the current state, falling back to archived states.
// The state that opens the envelope becomes current and is marked
// acknowledged. On failure the returned error wraps model.ErrSessionDesynced
// and sess is untouched.
func Decrypt(sess *ratchetsession.Session, env *model.Envelope) (*ratchetsession.Session, []byte, error) {
	if sess == nil || sess.Current == nil {
		return nil, nil, model.ErrNoSession
	}
	if env.Type != model.EnvelopeRatchet {
		return nil, nil, fmt.Errorf("decrypt %s envelope: %w", env.Type, model.ErrSessionDesynced)
	}

	next := sess.Clone()
	states := next.States()

	// try the state the handshake names first
	order := make([]int, 0, len(states))
	if env.Handshake != nil {
		for i, st := range states {
			if st.BaseKey == env.Handshake.EphemeralKey {
				order = append(order, i)
			}
		}
	}
	for i := range states {
		if len(order) == 0 || order[0] != i {
			order = append(order, i)
		}
	}

	var errs []error
	for _, i := range order {
		st := states[i]
		plain, err := st.Ratchet.Receive(env.Header, env.Ciphertext)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		st.PendingHandshake = nil
		if i > 0 {
			next.Promote(i - 1)
		}
		return next, plain, nil
	}

	cause := errors.Join(errs...)
	for _, err := range errs {
		if errors.Is(err, doubleratchet.ErrMessageReplayed) {
			cause = err
			break
		}
	}
	return nil, nil, fmt.Errorf("%w: %w", model.ErrSessionDesynced, cause)
}

// SealUnencrypted builds an explicit plaintext envelope for peers without
// end-to-end encryption capability.
func SealUnencrypted(senderID, recipientID string, plaintext []byte, correlationID string) *model.Envelope {
	return &model.Envelope{
		SenderID:      senderID,
		RecipientID:   recipientID,
		Type:          model.EnvelopeUnencrypted,
		Ciphertext:    append([]byte(nil), plaintext...),
		CorrelationID: correlationID,
	}
}

// OpenUnencrypted returns the body of an unencrypted envelope.
func OpenUnencrypted(env *model.Envelope) ([]byte, error) {
	if env.Type != model.EnvelopeUnencrypted {
		return nil, fmt.Errorf("envelope is %s, not unencrypted", env.Type)
	}
	return append([]byte(nil), env.Ciphertext...), nil
}
