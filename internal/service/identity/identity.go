package identity

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"e2e_sync/internal/cryptographic/dh"
	"e2e_sync/internal/cryptographic/signature"
	"e2e_sync/internal/model"
	"e2e_sync/internal/protocol/x3dh"
	"e2e_sync/internal/utils/log"
)

const (
	DefaultOneTimePreKeyCount = 100
	// registration ids live in [1, maxRegistrationID]
	maxRegistrationID = 16380
)

// Keystore persists identities. LoadIdentity returns (nil, nil) when the user
// has none.
type Keystore interface {
	LoadIdentity(ctx context.Context, userID string) (*model.Identity, error)
	SaveIdentity(ctx context.Context, id *model.Identity) error
	DeleteIdentity(ctx context.Context, userID string) error
}

type Options struct {
	OneTimePreKeyCount int
	Now                func() time.Time
}

// Store owns the local identity. Every mutation is persisted before the in
// memory copy changes.
type Store struct {
	keystore Keystore
	otkCount int
	now      func() time.Time
	logger   *zap.Logger

	mu    sync.Mutex
	cache map[string]*model.Identity
}

func NewStore(keystore Keystore, opts Options) *Store {
	if opts.OneTimePreKeyCount <= 0 {
		opts.OneTimePreKeyCount = DefaultOneTimePreKeyCount
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		keystore: keystore,
		otkCount: opts.OneTimePreKeyCount,
		now:      opts.Now,
		logger:   log.Named("identity"),
		cache:    make(map[string]*model.Identity),
	}
}

// GetOrCreateIdentity returns the identity of userID, generating and
// persisting one on first use.
func (s *Store) GetOrCreateIdentity(ctx context.Context, userID string) (*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.cache[userID]; ok {
		return id, nil
	}

	id, err := s.keystore.LoadIdentity(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", model.ErrIdentityUnavailable, userID, err)
	}
	if id != nil {
		s.cache[userID] = id
		return id, nil
	}

	id, err = s.generate(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: generate: %w", model.ErrIdentityUnavailable, err)
	}
	if err := s.keystore.SaveIdentity(ctx, id); err != nil {
		return nil, fmt.Errorf("%w: save %s: %w", model.ErrIdentityUnavailable, userID, err)
	}
	s.cache[userID] = id
	s.logger.Info("created identity", zap.String("user", userID), zap.Uint32("registration_id", id.RegistrationID))
	return id, nil
}

func (s *Store) generate(userID string) (*model.Identity, error) {
	ikPriv, ikPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	signPub, signPriv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, err
	}
	regID, err := newRegistrationID()
	if err != nil {
		return nil, err
	}

	id := &model.Identity{
		UserID:         userID,
		RegistrationID: regID,
		IKPriv:         ikPriv,
		IKPub:          ikPub,
		SigningPriv:    signPriv,
		SigningPub:     signPub,
		CreatedAt:      s.now().UTC(),
		NextPreKeyID:   1,
	}
	spk, err := s.newSignedPreKey(id, 1)
	if err != nil {
		return nil, err
	}
	id.SignedPreKey = spk
	if err := s.topUp(id); err != nil {
		return nil, err
	}
	return id, nil
}

func newRegistrationID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:])%maxRegistrationID + 1, nil
}

func (s *Store) newSignedPreKey(id *model.Identity, keyID uint32) (model.SignedPreKey, error) {
	priv, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		return model.SignedPreKey{}, err
	}
	return model.SignedPreKey{
		ID:        keyID,
		Priv:      priv,
		Pub:       pub,
		Signature: signature.ED25519Sign(id.SigningPriv, x3dh.SignedPreKeyMessage(keyID, pub)),
		CreatedAt: s.now().UTC(),
	}, nil
}

// topUp fills the one-time prekey pool up to the configured count.
func (s *Store) topUp(id *model.Identity) error {
	for len(id.OneTimePreKeys) < s.otkCount {
		priv, pub, err := dh.NewX25519KeyPair()
		if err != nil {
			return err
		}
		if id.NextPreKeyID == 0 {
			id.NextPreKeyID = 1
		}
		id.OneTimePreKeys = append(id.OneTimePreKeys, model.OneTimePreKey{ID: id.NextPreKeyID, Priv: priv, Pub: pub})
		id.NextPreKeyID++
	}
	return nil
}

// update applies fn to a copy of id, persists it and only then publishes it.
func (s *Store) update(ctx context.Context, id *model.Identity, fn func(*model.Identity) error) error {
	next := cloneIdentity(id)
	if err := fn(next); err != nil {
		return err
	}
	if err := s.keystore.SaveIdentity(ctx, next); err != nil {
		return fmt.Errorf("%w: save %s: %w", model.ErrIdentityUnavailable, id.UserID, err)
	}
	*id = *next
	return nil
}

func cloneIdentity(id *model.Identity) *model.Identity {
	c := *id
	c.SigningPriv = append([]byte(nil), id.SigningPriv...)
	c.SigningPub = append([]byte(nil), id.SigningPub...)
	c.SignedPreKey.Signature = append([]byte(nil), id.SignedPreKey.Signature...)
	if id.PreviousSignedPreKey != nil {
		p := *id.PreviousSignedPreKey
		c.PreviousSignedPreKey = &p
	}
	c.OneTimePreKeys = append([]model.OneTimePreKey(nil), id.OneTimePreKeys...)
	return &c
}

// LongTerm returns a copy of the parts of id that never change after
// creation: user, registration id and identity key pair. The copy can be read
// without the store lock while prekeys are consumed or rotated.
func (s *Store) LongTerm(id *model.Identity) *model.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &model.Identity{
		UserID:         id.UserID,
		RegistrationID: id.RegistrationID,
		IKPriv:         id.IKPriv,
		IKPub:          id.IKPub,
		CreatedAt:      id.CreatedAt,
	}
}

// ExportPublicBundle returns the signed public half of id.
func (s *Store) ExportPublicBundle(id *model.Identity) (*model.PublicBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(id.SigningPriv) == 0 {
		return nil, fmt.Errorf("%w: %s has no signing key", model.ErrIdentityUnavailable, id.UserID)
	}
	b := &model.PublicBundle{
		UserID:         id.UserID,
		RegistrationID: id.RegistrationID,
		IdentityKey:    id.IKPub,
		SigningKey:     append([]byte(nil), id.SigningPub...),
	}
	b.Signature = signature.ED25519Sign(id.SigningPriv, x3dh.PublicBundleMessage(b.UserID, b.RegistrationID, b.IdentityKey, b.SigningKey))
	return b, nil
}

// CreatePreKeyBundle tops the one-time prekey pool up and returns the public
// bundle to publish.
func (s *Store) CreatePreKeyBundle(ctx context.Context, id *model.Identity) (*model.PreKeyBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(id.OneTimePreKeys) < s.otkCount {
		if err := s.update(ctx, id, s.topUp); err != nil {
			return nil, err
		}
	}

	b := &model.PreKeyBundle{
		UserID:                id.UserID,
		RegistrationID:        id.RegistrationID,
		IdentityKey:           id.IKPub,
		SigningKey:            append([]byte(nil), id.SigningPub...),
		SignedPreKeyID:        id.SignedPreKey.ID,
		SignedPreKey:          id.SignedPreKey.Pub,
		SignedPreKeySignature: append([]byte(nil), id.SignedPreKey.Signature...),
		OneTimePreKeys:        make([]model.OneTimePreKeyPublic, 0, len(id.OneTimePreKeys)),
	}
	for _, k := range id.OneTimePreKeys {
		b.OneTimePreKeys = append(b.OneTimePreKeys, model.OneTimePreKeyPublic{ID: k.ID, Pub: k.Pub})
	}
	return b, nil
}

// RotateSignedPreKey replaces the signed prekey. The previous key is kept so
// handshakes built against it still complete.
func (s *Store) RotateSignedPreKey(ctx context.Context, id *model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.update(ctx, id, func(next *model.Identity) error {
		spk, err := s.newSignedPreKey(next, next.SignedPreKey.ID+1)
		if err != nil {
			return err
		}
		prev := next.SignedPreKey
		next.PreviousSignedPreKey = &prev
		next.SignedPreKey = spk
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("rotated signed prekey", zap.String("user", id.UserID), zap.Uint32("id", id.SignedPreKey.ID))
	return nil
}

// SignedPreKeyDue reports whether the current signed prekey is older than
// interval.
func (s *Store) SignedPreKeyDue(id *model.Identity, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return interval > 0 && s.now().Sub(id.SignedPreKey.CreatedAt) >= interval
}

// SignedPreKey returns the current or previous signed prekey with keyID.
func (s *Store) SignedPreKey(id *model.Identity, keyID uint32) (model.SignedPreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id.SignedPreKey.ID == keyID {
		return id.SignedPreKey, nil
	}
	if p := id.PreviousSignedPreKey; p != nil && p.ID == keyID {
		return *p, nil
	}
	return model.SignedPreKey{}, fmt.Errorf("%w: signed prekey %d", model.ErrPreKeyNotFound, keyID)
}

// OneTimePreKey returns the private half of keyID without consuming it.
func (s *Store) OneTimePreKey(id *model.Identity, keyID uint32) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range id.OneTimePreKeys {
		if k.ID == keyID {
			return k.Priv, nil
		}
	}
	return [32]byte{}, fmt.Errorf("%w: one-time prekey %d", model.ErrPreKeyNotFound, keyID)
}

// ConsumeOneTimePreKey removes the one-time prekey keyID and returns its
// private half. Each key can be consumed once.
func (s *Store) ConsumeOneTimePreKey(ctx context.Context, id *model.Identity, keyID uint32) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, k := range id.OneTimePreKeys {
		if k.ID == keyID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return [32]byte{}, fmt.Errorf("%w: one-time prekey %d", model.ErrPreKeyNotFound, keyID)
	}
	priv := id.OneTimePreKeys[idx].Priv

	err := s.update(ctx, id, func(next *model.Identity) error {
		next.OneTimePreKeys = append(next.OneTimePreKeys[:idx], next.OneTimePreKeys[idx+1:]...)
		return nil
	})
	if err != nil {
		return [32]byte{}, err
	}
	return priv, nil
}

// OneTimePreKeyCount returns the number of unused one-time prekeys.
func (s *Store) OneTimePreKeyCount(id *model.Identity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(id.OneTimePreKeys)
}

// Destroy forgets the identity of userID locally.
func (s *Store) Destroy(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.keystore.DeleteIdentity(ctx, userID); err != nil {
		return fmt.Errorf("%w: delete %s: %w", model.ErrIdentityUnavailable, userID, err)
	}
	delete(s.cache, userID)
	s.logger.Info("destroyed identity", zap.String("user", userID))
	return nil
}
