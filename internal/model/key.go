package model

import "time"

type (
	// Identity is the local user's long-term key material. Private halves never
	// leave the device.
	Identity struct {
		UserID         string    `json:"user_id"`
		RegistrationID uint32    `json:"registration_id"`
		IKPriv         [32]byte  `json:"ik_priv"`
		IKPub          [32]byte  `json:"ik_pub"`
		SigningPriv    []byte    `json:"signing_priv"`
		SigningPub     []byte    `json:"signing_pub"`
		CreatedAt      time.Time `json:"created_at"`

		SignedPreKey         SignedPreKey    `json:"signed_pre_key"`
		PreviousSignedPreKey *SignedPreKey   `json:"previous_signed_pre_key,omitempty"`
		OneTimePreKeys       []OneTimePreKey `json:"one_time_pre_keys"`
		NextPreKeyID         uint32          `json:"next_pre_key_id"`
	}

	SignedPreKey struct {
		ID        uint32    `json:"id"`
		Priv      [32]byte  `json:"priv"`
		Pub       [32]byte  `json:"pub"`
		Signature []byte    `json:"signature"`
		CreatedAt time.Time `json:"created_at"`
	}

	OneTimePreKey struct {
		ID   uint32   `json:"id"`
		Priv [32]byte `json:"priv"`
		Pub  [32]byte `json:"pub"`
	}

	OneTimePreKeyPublic struct {
		ID  uint32   `json:"id" bson:"id"`
		Pub [32]byte `json:"pub" bson:"pub"`
	}

	// PublicBundle is the published public half of an Identity. Signature covers
	// IdentityKey and RegistrationID and is made with the signing key.
	PublicBundle struct {
		UserID         string   `json:"user_id" bson:"user_id"`
		RegistrationID uint32   `json:"registration_id" bson:"registration_id"`
		IdentityKey    [32]byte `json:"identity_key" bson:"identity_key"`
		SigningKey     []byte   `json:"signing_key" bson:"signing_key"`
		Signature      []byte   `json:"signature" bson:"signature"`
	}

	// PreKeyBundle is the handshake material a peer consumes. A fetched bundle
	// carries at most one one-time prekey, which the directory removes.
	PreKeyBundle struct {
		UserID                string                `json:"user_id" bson:"user_id"`
		RegistrationID        uint32                `json:"registration_id" bson:"registration_id"`
		IdentityKey           [32]byte              `json:"identity_key" bson:"identity_key"`
		SigningKey            []byte                `json:"signing_key" bson:"signing_key"`
		SignedPreKeyID        uint32                `json:"signed_pre_key_id" bson:"signed_pre_key_id"`
		SignedPreKey          [32]byte              `json:"signed_pre_key" bson:"signed_pre_key"`
		SignedPreKeySignature []byte                `json:"signed_pre_key_signature" bson:"signed_pre_key_signature"`
		OneTimePreKeys        []OneTimePreKeyPublic `json:"one_time_pre_keys,omitempty" bson:"one_time_pre_keys"`
	}
)

// OneTimePreKey returns the first one-time prekey of the bundle, if any.
func (b *PreKeyBundle) OneTimePreKey() (OneTimePreKeyPublic, bool) {
	if len(b.OneTimePreKeys) == 0 {
		return OneTimePreKeyPublic{}, false
	}
	return b.OneTimePreKeys[0], true
}
