package model

import "errors"

var (
	// ErrIdentityUnavailable is fatal for the device session: key material
	// could not be persisted or loaded.
	ErrIdentityUnavailable = errors.New("identity unavailable")
	// ErrHandshakeFailed means no session could be negotiated with the peer.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrSessionDesynced means an envelope could not be opened with the
	// current ratchet state.
	ErrSessionDesynced = errors.New("session desynced")
	// ErrNetworkUnavailable marks a retryable transport failure.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrConflict marks a duplicate remote row for a correlation id.
	ErrConflict = errors.New("conflict")

	ErrNoSession               = errors.New("no session with peer")
	ErrNoBundle                = errors.New("peer has no published prekey bundle")
	ErrRecipientRevoked        = errors.New("recipient revoked end-to-end encryption")
	ErrOneTimePreKeysExhausted = errors.New("one-time prekeys exhausted")
	ErrPreKeyNotFound          = errors.New("prekey not found")
	ErrInvalidBundle           = errors.New("invalid bundle signature")
	ErrInvalidTransition       = errors.New("invalid state transition")
	ErrNotFound                = errors.New("not found")
)
