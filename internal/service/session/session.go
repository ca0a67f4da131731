package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"e2e_sync/internal/model"
	"e2e_sync/internal/protocol/cipher"
	"e2e_sync/internal/protocol/ratchetsession"
	"e2e_sync/internal/utils/log"
)

const DefaultRequestTimeout = 10 * time.Second

type (
	// Store persists one session per peer. LoadSession returns (nil, nil) when
	// there is none.
	Store interface {
		LoadSession(ctx context.Context, peerID string) (*ratchetsession.Session, error)
		SaveSession(ctx context.Context, s *ratchetsession.Session) error
		DeleteSession(ctx context.Context, peerID string) error
	}

	// KeyDirectory fetches a peer's prekey bundle. A nil bundle with a nil error
	// means the peer has no end-to-end encryption capability.
	KeyDirectory interface {
		FetchBundle(ctx context.Context, userID string) (*model.PreKeyBundle, error)
	}

	// Keys gives access to the local private prekeys. The identity is shared
	// with the key store and only read through it.
	Keys interface {
		LongTerm(id *model.Identity) *model.Identity
		SignedPreKey(id *model.Identity, keyID uint32) (model.SignedPreKey, error)
		OneTimePreKey(id *model.Identity, keyID uint32) ([32]byte, error)
		ConsumeOneTimePreKey(ctx context.Context, id *model.Identity, keyID uint32) ([32]byte, error)
	}

	Options struct {
		// RequireOneTimePreKey fails the handshake when the peer's one-time
		// prekeys are exhausted instead of falling back to the signed prekey.
		RequireOneTimePreKey bool
		MaxSkip              int
		MaxArchivedStates    int
		RequestTimeout       time.Duration
	}

	// Manager owns all ratchet sessions of one local identity. Operations on
	// different peers run in parallel; operations on one peer are serialised.
	Manager struct {
		self      *model.Identity
		// local holds the long-term keys of self, copied once; prekeys are
		// read through keys.
		local     *model.Identity
		keys      Keys
		directory KeyDirectory
		store     Store
		opts      Options
		logger    *zap.Logger

		locks keyedMutex
		group singleflight.Group

		mu       sync.Mutex
		sessions map[string]*ratchetsession.Session
	}
)

func NewManager(self *model.Identity, keys Keys, directory KeyDirectory, store Store, opts Options) *Manager {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxArchivedStates <= 0 {
		opts.MaxArchivedStates = ratchetsession.DefaultMaxArchived
	}
	local := keys.LongTerm(self)
	return &Manager{
		self:      self,
		local:     local,
		keys:      keys,
		directory: directory,
		store:     store,
		opts:      opts,
		logger:    log.Named("session").With(zap.String("user", local.UserID)),
		sessions:  make(map[string]*ratchetsession.Session),
	}
}

// load returns the session for peerID. Callers hold the peer lock.
func (m *Manager) load(ctx context.Context, peerID string) (*ratchetsession.Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	m.mu.Unlock()
	if ok {
		return s, nil
	}

	s, err := m.store.LoadSession(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", peerID, err)
	}
	if s != nil {
		m.remember(s)
	}
	return s, nil
}

func (m *Manager) remember(s *ratchetsession.Session) {
	m.mu.Lock()
	m.sessions[s.PeerID] = s
	m.mu.Unlock()
}

// save persists s and publishes it. Saving is not interrupted by the caller's
// cancellation: once a ratchet step is taken it must reach the store.
func (m *Manager) save(ctx context.Context, s *ratchetsession.Session) error {
	s.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveSession(context.WithoutCancel(ctx), s); err != nil {
		return fmt.Errorf("persist session %s: %w", s.PeerID, err)
	}
	m.remember(s)
	return nil
}

// HasSession reports whether a session with peerID exists.
func (m *Manager) HasSession(ctx context.Context, peerID string) (bool, error) {
	unlock := m.locks.Lock(peerID)
	defer unlock()
	s, err := m.load(ctx, peerID)
	return s != nil, err
}

// GetOrCreateSession returns the session with peerID. Without one, an inbound
// handshake envelope creates the responder side; otherwise the peer's bundle
// is fetched and a handshake is initiated. Concurrent callers share a single
// creation.
func (m *Manager) GetOrCreateSession(ctx context.Context, peerID string, inbound *model.Envelope) (*ratchetsession.Session, error) {
	if inbound != nil && inbound.Handshake != nil {
		unlock := m.locks.Lock(peerID)
		defer unlock()

		s, err := m.load(ctx, peerID)
		if err != nil {
			return nil, err
		}
		if s != nil && s.HasBaseKey(inbound.Handshake.EphemeralKey) {
			return s.Clone(), nil
		}
		next, otkID, err := m.accept(s, peerID, inbound.Handshake)
		if err != nil {
			return nil, err
		}
		if err := m.save(ctx, next); err != nil {
			return nil, err
		}
		m.consume(ctx, otkID)
		return next.Clone(), nil
	}

	unlock := m.locks.Lock(peerID)
	s, err := m.load(ctx, peerID)
	unlock()
	if err != nil {
		return nil, err
	}
	if s != nil {
		return s.Clone(), nil
	}

	// the creation is shared, so one caller giving up must not fail the others
	ch := m.group.DoChan(peerID, func() (any, error) {
		return m.initiate(context.WithoutCancel(ctx), peerID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			m.logger.Debug("joined session creation", zap.String("peer", peerID))
		}
		return res.Val.(*ratchetsession.Session).Clone(), nil
	}
}

// initiate fetches the peer's bundle and creates the initiator session.
func (m *Manager) initiate(ctx context.Context, peerID string) (*ratchetsession.Session, error) {
	fctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	bundle, err := m.directory.FetchBundle(fctx, peerID)
	cancel()
	if err != nil {
		if errors.Is(err, model.ErrRecipientRevoked) {
			return nil, fmt.Errorf("%w: %w", model.ErrHandshakeFailed, err)
		}
		return nil, fmt.Errorf("fetch bundle of %s: %w", peerID, err)
	}
	if bundle == nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrHandshakeFailed, peerID, model.ErrNoBundle)
	}

	if _, ok := bundle.OneTimePreKey(); !ok {
		if m.opts.RequireOneTimePreKey {
			return nil, fmt.Errorf("%w: %s: %w", model.ErrHandshakeFailed, peerID, model.ErrOneTimePreKeysExhausted)
		}
		m.logger.Warn("peer has no one-time prekeys, using signed prekey only", zap.String("peer", peerID))
	}

	st, err := ratchetsession.NewInitiatorState(m.local, bundle, m.opts.MaxSkip)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrHandshakeFailed, peerID, err)
	}

	unlock := m.locks.Lock(peerID)
	defer unlock()

	// an inbound handshake may have won the race
	existing, err := m.load(ctx, peerID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	s := &ratchetsession.Session{PeerID: peerID, Current: st}
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}
	m.logger.Info("initiated session", zap.String("peer", peerID), zap.Bool("weak", st.WeakHandshake))
	return s, nil
}

// accept builds the responder state for hs on top of s (which may be nil). It
// does not persist anything; the returned one-time prekey id must be consumed
// once the result is saved.
func (m *Manager) accept(s *ratchetsession.Session, peerID string, hs *model.Handshake) (*ratchetsession.Session, uint32, error) {
	spk, err := m.keys.SignedPreKey(m.self, hs.SignedPreKeyID)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: from %s: %w", model.ErrHandshakeFailed, peerID, err)
	}

	var otk *[32]byte
	if hs.OneTimePreKeyID != 0 {
		priv, err := m.keys.OneTimePreKey(m.self, hs.OneTimePreKeyID)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: from %s: %w", model.ErrHandshakeFailed, peerID, err)
		}
		otk = &priv
	}

	st, err := ratchetsession.NewResponderState(m.local, hs, spk, otk, m.opts.MaxSkip)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: from %s: %w", model.ErrHandshakeFailed, peerID, err)
	}

	var next *ratchetsession.Session
	if s == nil {
		next = &ratchetsession.Session{PeerID: peerID, Current: st}
	} else {
		if s.Current.PeerIdentityKey != hs.IdentityKey {
			m.logger.Warn("peer identity key changed", zap.String("peer", peerID))
		}
		next = s.Clone()
		next.Install(st, m.opts.MaxArchivedStates)
	}
	return next, hs.OneTimePreKeyID, nil
}

func (m *Manager) consume(ctx context.Context, otkID uint32) {
	if otkID == 0 {
		return
	}
	if _, err := m.keys.ConsumeOneTimePreKey(context.WithoutCancel(ctx), m.self, otkID); err != nil {
		m.logger.Error("consume one-time prekey", zap.Uint32("id", otkID), zap.Error(err))
	}
}

// Encrypt seals plaintext for peerID, creating the session if needed.
func (m *Manager) Encrypt(ctx context.Context, peerID string, plaintext []byte, correlationID string) (*model.Envelope, error) {
	if _, err := m.GetOrCreateSession(ctx, peerID, nil); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(peerID)
	defer unlock()

	s, err := m.load(ctx, peerID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		// reset between creation and encryption
		return nil, fmt.Errorf("encrypt for %s: %w", peerID, model.ErrNoSession)
	}

	next, env, err := cipher.Encrypt(s, m.local.UserID, peerID, plaintext, correlationID)
	if err != nil {
		return nil, err
	}
	if err := m.save(ctx, next); err != nil {
		return nil, err
	}
	return env, nil
}

// Decrypt opens an envelope received from peerID. A handshake envelope with a
// new base key installs a new current state; the previous one stays archived.
func (m *Manager) Decrypt(ctx context.Context, peerID string, env *model.Envelope) ([]byte, error) {
	if env.Type == model.EnvelopeUnencrypted {
		return cipher.OpenUnencrypted(env)
	}

	unlock := m.locks.Lock(peerID)
	defer unlock()

	s, err := m.load(ctx, peerID)
	if err != nil {
		return nil, err
	}

	var otkID uint32
	if hs := env.Handshake; hs != nil && (s == nil || !s.HasBaseKey(hs.EphemeralKey)) {
		s, otkID, err = m.accept(s, peerID, hs)
		if err != nil {
			return nil, err
		}
	}
	if s == nil {
		return nil, fmt.Errorf("%w: from %s: %w", model.ErrSessionDesynced, peerID, model.ErrNoSession)
	}

	next, plain, err := cipher.Decrypt(s, env)
	if err != nil {
		m.logger.Error("decrypt failed", zap.String("peer", peerID), zap.String("correlation_id", env.CorrelationID), zap.Error(err))
		return nil, err
	}
	if err := m.save(ctx, next); err != nil {
		return nil, err
	}
	m.consume(ctx, otkID)
	return plain, nil
}

// Reset drops the session with peerID. The next Encrypt negotiates a new one.
func (m *Manager) Reset(ctx context.Context, peerID string) error {
	unlock := m.locks.Lock(peerID)
	defer unlock()

	if err := m.store.DeleteSession(ctx, peerID); err != nil {
		return fmt.Errorf("delete session %s: %w", peerID, err)
	}
	m.mu.Lock()
	delete(m.sessions, peerID)
	m.mu.Unlock()
	m.logger.Info("session reset", zap.String("peer", peerID))
	return nil
}
