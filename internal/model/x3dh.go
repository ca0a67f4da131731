package model

type (
	// Handshake is the X3DH material embedded in handshake envelopes.
	// OneTimePreKeyID is zero when the initiator found no one-time prekey.
	Handshake struct {
		IdentityKey     [32]byte `json:"identity_key"`
		EphemeralKey    [32]byte `json:"ephemeral_key"`
		SignedPreKeyID  uint32   `json:"signed_pre_key_id"`
		OneTimePreKeyID uint32   `json:"one_time_pre_key_id,omitempty"`
		RegistrationID  uint32   `json:"registration_id"`
	}

	SenderKeyBundle struct {
		IKPrivA [32]byte
		EKPrivA [32]byte

		IKPubB  [32]byte
		SPKPubB [32]byte
		OTKPubB *[32]byte
	}

	ReceiverKeyBundle struct {
		IKPubA [32]byte
		EKPubA [32]byte

		IKPrivB  [32]byte
		SPKPrivB [32]byte
		OTKPrivB *[32]byte
	}
)
