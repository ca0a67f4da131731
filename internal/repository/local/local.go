// Package local is the durable client store: identity, sessions, outbox and
// plaintext cache in one badger database. Every value is sealed with a key
// derived from the user's passphrase.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/shirou/gopsutil/disk"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"e2e_sync/internal/cryptographic/encryption"
	"e2e_sync/internal/model"
	"e2e_sync/internal/protocol/ratchetsession"
	"e2e_sync/internal/utils/log"
)

const (
	keySalt  = "meta:salt"
	keyCheck = "meta:check"

	prefixIdentity  = "identity:"
	prefixSession   = "session:"
	prefixOutbox    = "outbox:"
	prefixPlaintext = "plaintext:"

	checkValue = "e2e_sync"
)

var (
	ErrWrongPassphrase   = errors.New("wrong passphrase for local store")
	ErrInsufficientSpace = errors.New("insufficient free disk space")
)

type (
	Options struct {
		Dir        string
		Passphrase string
		// MinFreeBytes refuses to open when the volume has less free space.
		MinFreeBytes uint64
	}

	Store struct {
		db     *badger.DB
		sealer *encryption.Sealer
	}

	badgerLogger struct{ *zap.SugaredLogger }
)

func (l badgerLogger) Warningf(format string, args ...any) { l.Warnf(format, args...) }

func Open(opts Options) (*Store, error) {
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	if err := checkFreeSpace(opts.Dir, opts.MinFreeBytes); err != nil {
		return nil, err
	}

	logger := log.Named("badger").WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))
	db, err := badger.Open(badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{logger.Sugar()}))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &Store{db: db}
	if err := s.unlock(opts.Passphrase); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func checkFreeSpace(dir string, min uint64) error {
	if min == 0 {
		return nil
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", dir, err)
	}
	if usage.Free < min {
		return fmt.Errorf("%w: %d bytes free, %d required", ErrInsufficientSpace, usage.Free, min)
	}
	return nil
}

// unlock loads or creates the salt and checks the passphrase against the
// sealed marker written on first open.
func (s *Store) unlock(passphrase string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		salt, err := get(txn, keySalt)
		if errors.Is(err, badger.ErrKeyNotFound) {
			if salt, err = encryption.NewSalt(); err != nil {
				return err
			}
			if err := txn.Set([]byte(keySalt), salt); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		sealer, err := encryption.NewSealer(passphrase, salt)
		if err != nil {
			return err
		}
		s.sealer = sealer

		check, err := get(txn, keyCheck)
		if errors.Is(err, badger.ErrKeyNotFound) {
			sealed, err := sealer.Seal(keyCheck, []byte(checkValue))
			if err != nil {
				return err
			}
			return txn.Set([]byte(keyCheck), sealed)
		}
		if err != nil {
			return err
		}
		if plain, err := sealer.Open(keyCheck, check); err != nil || string(plain) != checkValue {
			return ErrWrongPassphrase
		}
		return nil
	})
}

func get(txn *badger.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (s *Store) put(key string, value []byte) error {
	sealed, err := s.sealer.Seal(key, value)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), sealed)
	})
}

func (s *Store) load(key string) ([]byte, bool, error) {
	var sealed []byte
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := get(txn, key)
		sealed = v
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	data, err := s.sealer.Open(key, sealed)
	return data, err == nil, err
}

func (s *Store) delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *Store) LoadIdentity(_ context.Context, userID string) (*model.Identity, error) {
	data, ok, err := s.load(prefixIdentity + userID)
	if err != nil || !ok {
		return nil, err
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
	return s.put(prefixIdentity+id.UserID, data)
}

func (s *Store) DeleteIdentity(_ context.Context, userID string) error {
	return s.delete(prefixIdentity + userID)
}

func (s *Store) LoadSession(_ context.Context, peerID string) (*ratchetsession.Session, error) {
	data, ok, err := s.load(prefixSession + peerID)
	if err != nil || !ok {
		return nil, err
	}
	return ratchetsession.Unmarshal(data)
}

func (s *Store) SaveSession(_ context.Context, sess *ratchetsession.Session) error {
	data, err := ratchetsession.Marshal(sess)
	if err != nil {
		return err
	}
	return s.put(prefixSession+sess.PeerID, data)
}

func (s *Store) DeleteSession(_ context.Context, peerID string) error {
	return s.delete(prefixSession + peerID)
}

func (s *Store) SaveItem(_ context.Context, item *model.OutboxItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return s.put(prefixOutbox+item.EntryID, data)
}

func (s *Store) DeleteItem(_ context.Context, entryID string) error {
	return s.delete(prefixOutbox + entryID)
}

// LoadItems returns queued items in enqueue order.
func (s *Store) LoadItems(_ context.Context) ([]*model.OutboxItem, error) {
	var items []*model.OutboxItem
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixOutbox)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			sealed, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			data, err := s.sealer.Open(string(item.Key()), sealed)
			if err != nil {
				return err
			}
			var o model.OutboxItem
			if err := json.Unmarshal(data, &o); err != nil {
				return err
			}
			items = append(items, &o)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load outbox items: %w", err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items, nil
}

func (s *Store) GetPlaintext(_ context.Context, key string) (string, bool, error) {
	data, ok, err := s.load(prefixPlaintext + key)
	if err != nil || !ok {
		return "", false, err
	}
	return string(data), true, nil
}

func (s *Store) PutPlaintext(_ context.Context, key, text string) error {
	return s.put(prefixPlaintext+key, []byte(text))
}

func (s *Store) Close() error {
	return s.db.Close()
}
