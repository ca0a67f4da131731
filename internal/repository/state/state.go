// Package state keeps a client's identity, sessions, outbox and plaintext
// cache in Redis, for clients that run without a local disk.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"e2e_sync/internal/cryptographic/encryption"
	"e2e_sync/internal/model"
	"e2e_sync/internal/protocol/ratchetsession"
	redisSvc "e2e_sync/internal/service/redis"
)

type StateRepo struct {
	redis  *redisSvc.RedisService
	owner  string
	sealer *encryption.Sealer
}

// NewStateRepo stores the state of owner. Values are sealed with sealer when
// it is not nil.
func NewStateRepo(redis *redisSvc.RedisService, owner string, sealer *encryption.Sealer) *StateRepo {
	return &StateRepo{redis: redis, owner: owner, sealer: sealer}
}

var ErrWrongPassphrase = errors.New("wrong passphrase for redis state")

const checkValue = "e2e_sync"

// Unlock derives the sealing key of owner from passphrase. The salt and a
// sealed marker are created on first use; a later passphrase that cannot open
// the marker is rejected.
func Unlock(ctx context.Context, redis *redisSvc.RedisService, owner, passphrase string) (*StateRepo, error) {
	r := &StateRepo{redis: redis, owner: owner}

	salt, err := redis.Get(ctx, r.saltKey())
	if redisSvc.IsNil(err) {
		fresh, err := encryption.NewSalt()
		if err != nil {
			return nil, err
		}
		if err := redis.Set(ctx, r.saltKey(), fresh, 0); err != nil {
			return nil, fmt.Errorf("store salt: %w", err)
		}
		salt = string(fresh)
	} else if err != nil {
		return nil, fmt.Errorf("load salt: %w", err)
	}

	sealer, err := encryption.NewSealer(passphrase, []byte(salt))
	if err != nil {
		return nil, err
	}
	r.sealer = sealer

	check, err := redis.Get(ctx, r.checkKey())
	if redisSvc.IsNil(err) {
		sealed, err := sealer.Seal(r.checkKey(), []byte(checkValue))
		if err != nil {
			return nil, err
		}
		if err := redis.Set(ctx, r.checkKey(), sealed, 0); err != nil {
			return nil, fmt.Errorf("store check: %w", err)
		}
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load check: %w", err)
	}
	if plain, err := sealer.Open(r.checkKey(), []byte(check)); err != nil || string(plain) != checkValue {
		return nil, ErrWrongPassphrase
	}
	return r, nil
}

func (r *StateRepo) seal(label string, data []byte) ([]byte, error) {
	if r.sealer == nil {
		return data, nil
	}
	return r.sealer.Seal(label, data)
}

func (r *StateRepo) open(label string, data []byte) ([]byte, error) {
	if r.sealer == nil {
		return data, nil
	}
	return r.sealer.Open(label, data)
}

func (r *StateRepo) saltKey() string      { return fmt.Sprintf("salt:%s", r.owner) }
func (r *StateRepo) checkKey() string     { return fmt.Sprintf("check:%s", r.owner) }
func (r *StateRepo) identityKey() string  { return fmt.Sprintf("identity:%s", r.owner) }
func (r *StateRepo) sessionsKey() string  { return fmt.Sprintf("sessions:%s", r.owner) }
func (r *StateRepo) outboxKey() string    { return fmt.Sprintf("outbox:%s", r.owner) }
func (r *StateRepo) plaintextKey() string { return fmt.Sprintf("plaintext:%s", r.owner) }

// LoadIdentity returns nil when owner has no identity yet. Only the owner's
// identity lives in this repo.
func (r *StateRepo) LoadIdentity(ctx context.Context, userID string) (*model.Identity, error) {
	if userID != r.owner {
		return nil, fmt.Errorf("state of %s cannot hold identity of %s", r.owner, userID)
	}
	v, err := r.redis.Get(ctx, r.identityKey())
	if redisSvc.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data, err := r.open(r.identityKey(), []byte(v))
	if err != nil {
		return nil, err
	}
	var id model.Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

func (r *StateRepo) SaveIdentity(ctx context.Context, id *model.Identity) error {
	if id.UserID != r.owner {
		return fmt.Errorf("state of %s cannot hold identity of %s", r.owner, id.UserID)
	}
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	if data, err = r.seal(r.identityKey(), data); err != nil {
		return err
	}
	return r.redis.Set(ctx, r.identityKey(), data, 0)
}

func (r *StateRepo) DeleteIdentity(ctx context.Context, userID string) error {
	if userID != r.owner {
		return nil
	}
	return r.redis.Del(ctx, r.identityKey())
}

func (r *StateRepo) SaveSession(ctx context.Context, s *ratchetsession.Session) error {
	data, err := ratchetsession.Marshal(s)
	if err != nil {
		return err
	}
	if data, err = r.seal(r.sessionsKey()+"/"+s.PeerID, data); err != nil {
		return err
	}
	return r.redis.HSet(ctx, r.sessionsKey(), s.PeerID, data)
}

func (r *StateRepo) LoadSession(ctx context.Context, peerID string) (*ratchetsession.Session, error) {
	v, err := r.redis.HGet(ctx, r.sessionsKey(), peerID)
	if redisSvc.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data, err := r.open(r.sessionsKey()+"/"+peerID, []byte(v))
	if err != nil {
		return nil, err
	}
	return ratchetsession.Unmarshal(data)
}

func (r *StateRepo) DeleteSession(ctx context.Context, peerID string) error {
	return r.redis.HDel(ctx, r.sessionsKey(), peerID)
}

func (r *StateRepo) SaveItem(ctx context.Context, item *model.OutboxItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if data, err = r.seal(r.outboxKey(), data); err != nil {
		return err
	}
	return r.redis.HSet(ctx, r.outboxKey(), item.EntryID, data)
}

func (r *StateRepo) DeleteItem(ctx context.Context, entryID string) error {
	return r.redis.HDel(ctx, r.outboxKey(), entryID)
}

func (r *StateRepo) LoadItems(ctx context.Context) ([]*model.OutboxItem, error) {
	vals, err := r.redis.HGetAll(ctx, r.outboxKey())
	if err != nil {
		return nil, err
	}
	items := make([]*model.OutboxItem, 0, len(vals))
	for _, v := range vals {
		data, err := r.open(r.outboxKey(), []byte(v))
		if err != nil {
			return nil, err
		}
		var it model.OutboxItem
		if err := json.Unmarshal(data, &it); err != nil {
			return nil, err
		}
		items = append(items, &it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items, nil
}

func (r *StateRepo) GetPlaintext(ctx context.Context, key string) (string, bool, error) {
	v, err := r.redis.HGet(ctx, r.plaintextKey(), key)
	if redisSvc.IsNil(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	data, err := r.open(r.plaintextKey()+"/"+key, []byte(v))
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func (r *StateRepo) PutPlaintext(ctx context.Context, key, text string) error {
	data, err := r.seal(r.plaintextKey()+"/"+key, []byte(text))
	if err != nil {
		return err
	}
	return r.redis.HSet(ctx, r.plaintextKey(), key, data)
}
