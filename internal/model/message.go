package model

type (
	// Header is the message header carried along with each ciphertext.
	Header struct {
		Pub    [32]byte `json:"pub"`      // sender's current ratchet public key
		MsgNum uint32   `json:"msg_num"`  // message number in the sending chain
		Prev   uint32   `json:"prev_len"` // previous sending chain length (PN)
	}

	EnvelopeType uint8

	// Envelope is the wire form of one message payload. It is opaque to the
	// remote store.
	Envelope struct {
		SenderID      string       `json:"sender_id"`
		RecipientID   string       `json:"recipient_id"`
		Type          EnvelopeType `json:"type"`
		Header        Header       `json:"header"`
		Ciphertext    []byte       `json:"ciphertext"`
		Handshake     *Handshake   `json:"handshake,omitempty"`
		CorrelationID string       `json:"correlation_id"`
	}
)

const (
	EnvelopeRatchet EnvelopeType = iota + 1
	// EnvelopeUnencrypted marks an explicit plaintext fallback. It is never
	// produced silently.
	EnvelopeUnencrypted
)

func (t EnvelopeType) String() string {
	switch t {
	case EnvelopeRatchet:
		return "ratchet"
	case EnvelopeUnencrypted:
		return "unencrypted"
	default:
		return "unknown"
	}
}

func (e *Envelope) IsHandshakeMessage() bool {
	return e.Type == EnvelopeRatchet && e.Handshake != nil
}
