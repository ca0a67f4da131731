// Package memory keeps client state in process memory. It backs tests and
// ephemeral clients; nothing survives a restart.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"e2e_sync/internal/model"
	"e2e_sync/internal/protocol/ratchetsession"
)

type Store struct {
	mu         sync.RWMutex
	identities map[string][]byte
	sessions   map[string][]byte
	outbox     map[string]*model.OutboxItem
	plaintext  map[string]string

	// FailWrites makes every write fail with the given error.
	FailWrites error
}

func NewStore() *Store {
	return &Store{
		identities: make(map[string][]byte),
		sessions:   make(map[string][]byte),
		outbox:     make(map[string]*model.OutboxItem),
		plaintext:  make(map[string]string),
	}
}

func (s *Store) LoadIdentity(_ context.Context, userID string) (*model.Identity, error) {
	s.mu.RLock()
	data, ok := s.identities[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var id model.Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

func (s *Store) SaveIdentity(_ context.Context, id *model.Identity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.identities[id.UserID] = data
	return nil
}

func (s *Store) DeleteIdentity(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.identities, userID)
	return nil
}

// Sessions are stored serialised so callers never share state with the store.
func (s *Store) LoadSession(_ context.Context, peerID string) (*ratchetsession.Session, error) {
	s.mu.RLock()
	data, ok := s.sessions[peerID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return ratchetsession.Unmarshal(data)
}

func (s *Store) SaveSession(_ context.Context, sess *ratchetsession.Session) error {
	data, err := ratchetsession.Marshal(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.sessions[sess.PeerID] = data
	return nil
}

func (s *Store) DeleteSession(_ context.Context, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, peerID)
	return nil
}

// SessionCount returns the number of stored sessions.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) SaveItem(_ context.Context, item *model.OutboxItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	c := *item
	s.outbox[item.EntryID] = &c
	return nil
}

func (s *Store) DeleteItem(_ context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outbox, entryID)
	return nil
}

// LoadItems returns queued items in enqueue order.
func (s *Store) LoadItems(_ context.Context) ([]*model.OutboxItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]*model.OutboxItem, 0, len(s.outbox))
	for _, it := range s.outbox {
		c := *it
		items = append(items, &c)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items, nil
}

func (s *Store) GetPlaintext(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.plaintext[key]
	return v, ok, nil
}

func (s *Store) PutPlaintext(_ context.Context, key, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.plaintext[key] = text
	return nil
}
