package x3dh

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"e2e_sync/internal/cryptographic/dh"
	"e2e_sync/internal/cryptographic/kdf"
	"e2e_sync/internal/cryptographic/signature"
	"e2e_sync/internal/model"
)

var sharedKeyInfo = []byte("e2e_sync X3DH SharedKey")

type (
	X3DHBase struct {
	}

	X3DHSender struct {
		*X3DHBase
	}

	X3DHReceiver struct {
		*X3DHBase
	}
)

func NewSender() *X3DHSender {
	return &X3DHSender{X3DHBase: &X3DHBase{}}
}

func NewReceiver() *X3DHReceiver {
	return &X3DHReceiver{X3DHBase: &X3DHBase{}}
}

// GenerateShareKey derives SK = HKDF(F || DH1 || DH2 || DH3 [|| DH4]).
func (s *X3DHBase) GenerateShareKey(dh1, dh2, dh3, dh4 []byte) ([]byte, error) {
	// 32 0xFF bytes as domain separator, as for X25519 in the X3DH paper
	concat := bytes.Repeat([]byte{0xFF}, 32)
	concat = append(concat, dh1...)
	concat = append(concat, dh2...)
	concat = append(concat, dh3...)
	if dh4 != nil {
		concat = append(concat, dh4...)
	}

	return kdf.Derive(concat, make([]byte, 32), sharedKeyInfo, 32)
}

func (s *X3DHSender) GenerateShareKey(skb *model.SenderKeyBundle) ([]byte, error) {
	dh1, err := dh.X25519SharedSecret(skb.IKPrivA, skb.SPKPubB)
	if err != nil {
		return nil, fmt.Errorf("DH1: %w", err)
	}

	dh2, err := dh.X25519SharedSecret(skb.EKPrivA, skb.IKPubB)
	if err != nil {
		return nil, fmt.Errorf("DH2: %w", err)
	}

	dh3, err := dh.X25519SharedSecret(skb.EKPrivA, skb.SPKPubB)
	if err != nil {
		return nil, fmt.Errorf("DH3: %w", err)
	}

	var dh4 []byte
	if skb.OTKPubB != nil {
		dh4, err = dh.X25519SharedSecret(skb.EKPrivA, *skb.OTKPubB)
		if err != nil {
			return nil, fmt.Errorf("DH4: %w", err)
		}
	}

	return s.X3DHBase.GenerateShareKey(dh1, dh2, dh3, dh4)
}

func (s *X3DHReceiver) GenerateShareKey(rkb *model.ReceiverKeyBundle) ([]byte, error) {
	dh1, err := dh.X25519SharedSecret(rkb.SPKPrivB, rkb.IKPubA)
	if err != nil {
		return nil, fmt.Errorf("DH1: %w", err)
	}

	dh2, err := dh.X25519SharedSecret(rkb.IKPrivB, rkb.EKPubA)
	if err != nil {
		return nil, fmt.Errorf("DH2: %w", err)
	}

	dh3, err := dh.X25519SharedSecret(rkb.SPKPrivB, rkb.EKPubA)
	if err != nil {
		return nil, fmt.Errorf("DH3: %w", err)
	}

	var dh4 []byte
	if rkb.OTKPrivB != nil {
		dh4, err = dh.X25519SharedSecret(*rkb.OTKPrivB, rkb.EKPubA)
		if err != nil {
			return nil, fmt.Errorf("DH4: %w", err)
		}
	}

	return s.X3DHBase.GenerateShareKey(dh1, dh2, dh3, dh4)
}

// AssociatedData returns IK_A || IK_B, initiator first.
func AssociatedData(initiatorIK, responderIK [32]byte) []byte {
	ad := make([]byte, 0, 64)
	ad = append(ad, initiatorIK[:]...)
	return append(ad, responderIK[:]...)
}

// SignedPreKeyMessage is the byte string covered by a signed prekey signature.
func SignedPreKeyMessage(id uint32, pub [32]byte) []byte {
	msg := make([]byte, 0, 3+4+32)
	msg = append(msg, "spk"...)
	msg = binary.BigEndian.AppendUint32(msg, id)
	return append(msg, pub[:]...)
}

// PublicBundleMessage is the byte string covered by a public bundle signature.
func PublicBundleMessage(userID string, registrationID uint32, ik [32]byte, signingKey []byte) []byte {
	msg := make([]byte, 0, 8+len(userID)+4+32+len(signingKey))
	msg = append(msg, "identity"...)
	msg = append(msg, userID...)
	msg = binary.BigEndian.AppendUint32(msg, registrationID)
	msg = append(msg, ik[:]...)
	return append(msg, signingKey...)
}

// VerifyPublicBundle checks the self-signature of a published identity.
func VerifyPublicBundle(b *model.PublicBundle) error {
	if b == nil {
		return fmt.Errorf("%w: nil bundle", model.ErrInvalidBundle)
	}
	msg := PublicBundleMessage(b.UserID, b.RegistrationID, b.IdentityKey, b.SigningKey)
	if !signature.ED25519Verify(b.SigningKey, msg, b.Signature) {
		return fmt.Errorf("%w: identity of %s", model.ErrInvalidBundle, b.UserID)
	}
	return nil
}

// VerifyPreKeyBundle checks the signed prekey signature before any DH is done
// with it.
func VerifyPreKeyBundle(b *model.PreKeyBundle) error {
	if b == nil {
		return fmt.Errorf("%w: nil bundle", model.ErrInvalidBundle)
	}
	if b.IdentityKey == ([32]byte{}) || b.SignedPreKey == ([32]byte{}) {
		return fmt.Errorf("%w: missing keys for %s", model.ErrInvalidBundle, b.UserID)
	}
	msg := SignedPreKeyMessage(b.SignedPreKeyID, b.SignedPreKey)
	if !signature.ED25519Verify(b.SigningKey, msg, b.SignedPreKeySignature) {
		return fmt.Errorf("%w: signed prekey %d of %s", model.ErrInvalidBundle, b.SignedPreKeyID, b.UserID)
	}
	return nil
}
