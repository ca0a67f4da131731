package cipher

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"e2e_sync/internal/model"
)

// EnvelopeVersion is written into every encoded envelope.
const EnvelopeVersion = 1

var ErrMalformedEnvelope = errors.New("malformed envelope")

const (
	fieldSender      protowire.Number = 1
	fieldRecipient   protowire.Number = 2
	fieldType        protowire.Number = 3
	fieldCorrelation protowire.Number = 4
	fieldHeader      protowire.Number = 5
	fieldCiphertext  protowire.Number = 6
	fieldHandshake   protowire.Number = 7
	fieldVersion     protowire.Number = 8

	headerPub    protowire.Number = 1
	headerMsgNum protowire.Number = 2
	headerPrev   protowire.Number = 3

	hsIdentity     protowire.Number = 1
	hsEphemeral    protowire.Number = 2
	hsSignedPreKey protowire.Number = 3
	hsOneTimeKey   protowire.Number = 4
	hsRegistration protowire.Number = 5
)

// MarshalEnvelope encodes env in protobuf wire format.
func MarshalEnvelope(env *model.Envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, EnvelopeVersion)
	b = appendString(b, fieldSender, env.SenderID)
	b = appendString(b, fieldRecipient, env.RecipientID)
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.Type))
	b = appendString(b, fieldCorrelation, env.CorrelationID)

	if env.Type == model.EnvelopeRatchet {
		var h []byte
		h = protowire.AppendTag(h, headerPub, protowire.BytesType)
		h = protowire.AppendBytes(h, env.Header.Pub[:])
		h = protowire.AppendTag(h, headerMsgNum, protowire.VarintType)
		h = protowire.AppendVarint(h, uint64(env.Header.MsgNum))
		h = protowire.AppendTag(h, headerPrev, protowire.VarintType)
		h = protowire.AppendVarint(h, uint64(env.Header.Prev))
		b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
		b = protowire.AppendBytes(b, h)
	}

	b = protowire.AppendTag(b, fieldCiphertext, protowire.BytesType)
	b = protowire.AppendBytes(b, env.Ciphertext)

	if hs := env.Handshake; hs != nil {
		var h []byte
		h = protowire.AppendTag(h, hsIdentity, protowire.BytesType)
		h = protowire.AppendBytes(h, hs.IdentityKey[:])
		h = protowire.AppendTag(h, hsEphemeral, protowire.BytesType)
		h = protowire.AppendBytes(h, hs.EphemeralKey[:])
		h = protowire.AppendTag(h, hsSignedPreKey, protowire.VarintType)
		h = protowire.AppendVarint(h, uint64(hs.SignedPreKeyID))
		h = protowire.AppendTag(h, hsOneTimeKey, protowire.VarintType)
		h = protowire.AppendVarint(h, uint64(hs.OneTimePreKeyID))
		h = protowire.AppendTag(h, hsRegistration, protowire.VarintType)
		h = protowire.AppendVarint(h, uint64(hs.RegistrationID))
		b = protowire.AppendTag(b, fieldHandshake, protowire.BytesType)
		b = protowire.AppendBytes(b, h)
	}
	return b
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// UnmarshalEnvelope decodes the output of MarshalEnvelope. Unknown fields are
// skipped.
func UnmarshalEnvelope(b []byte) (*model.Envelope, error) {
	env := &model.Envelope{}
	var version uint64
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case fieldVersion:
			version = u
		case fieldSender:
			env.SenderID = string(v)
		case fieldRecipient:
			env.RecipientID = string(v)
		case fieldType:
			env.Type = model.EnvelopeType(u)
		case fieldCorrelation:
			env.CorrelationID = string(v)
		case fieldCiphertext:
			env.Ciphertext = append([]byte(nil), v...)
		case fieldHeader:
			return walk(v, func(num protowire.Number, _ protowire.Type, v []byte, u uint64) error {
				switch num {
				case headerPub:
					return copyKey(&env.Header.Pub, v)
				case headerMsgNum:
					env.Header.MsgNum = uint32(u)
				case headerPrev:
					env.Header.Prev = uint32(u)
				}
				return nil
			})
		case fieldHandshake:
			hs := &model.Handshake{}
			env.Handshake = hs
			return walk(v, func(num protowire.Number, _ protowire.Type, v []byte, u uint64) error {
				switch num {
				case hsIdentity:
					return copyKey(&hs.IdentityKey, v)
				case hsEphemeral:
					return copyKey(&hs.EphemeralKey, v)
				case hsSignedPreKey:
					hs.SignedPreKeyID = uint32(u)
				case hsOneTimeKey:
					hs.OneTimePreKeyID = uint32(u)
				case hsRegistration:
					hs.RegistrationID = uint32(u)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if version != EnvelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedEnvelope, version)
	}
	switch env.Type {
	case model.EnvelopeRatchet, model.EnvelopeUnencrypted:
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformedEnvelope, env.Type)
	}
	return env, nil
}

func copyKey(dst *[32]byte, v []byte) error {
	if len(v) != 32 {
		return fmt.Errorf("%w: key of %d bytes", ErrMalformedEnvelope, len(v))
	}
	copy(dst[:], v)
	return nil
}

// walk calls fn for every field of a message. Bytes fields pass v, varint
// fields pass u.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, typ, nil, u); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
