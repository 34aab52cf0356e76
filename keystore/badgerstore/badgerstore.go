// Package badgerstore implements envelopefs.KeyStore on a badger database.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/absfs/envelopefs"
	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const (
	prefixKeyPair = "kp/"
	prefixEntry   = "ent/"
	prefixFile    = "file/"
	prefixSetting = "set/"

	maxRetries = 5
)

var _ envelopefs.KeyStore = (*Store)(nil)

// Config configures a badger key store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in memory, for tests.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	Logger     *logrus.Logger
}

// Store is a KeyStore backed by badger. Each method runs in one transaction;
// write transactions are retried on conflict.
type Store struct {
	db  *badger.DB
	log *logrus.Logger
}

// Open opens or creates the database.
func Open(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if !config.InMemory && config.Path == "" {
		return nil, fmt.Errorf("badger key store needs a path")
	}

	opts := badger.DefaultOptions(config.Path).
		WithInMemory(config.InMemory).
		WithSyncWrites(config.SyncWrites).
		WithLogger(config.Logger.WithField("component", "badger"))
	if config.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening badger key store: %w", err)
	}
	return &Store{db: db, log: config.Logger}, nil
}

func keyPairKey(p envelopefs.Principal) []byte {
	return []byte(prefixKeyPair + p.Key())
}

func entryPrefix(fileID string) []byte {
	return []byte(prefixEntry + fileID + "/")
}

func entryKey(fileID string, p envelopefs.Principal) []byte {
	return append(entryPrefix(fileID), p.Key()...)
}

func fileKey(fileID string) []byte {
	return []byte(prefixFile + fileID)
}

func settingKey(name string) []byte {
	return []byte(prefixSetting + name)
}

// update runs fn in a read-write transaction, retrying on conflict.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.WithField("attempt", attempt+1).Debug("badger transaction conflict, retrying")
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return envelopefs.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func (s *Store) GetKeyPair(ctx context.Context, p envelopefs.Principal) (*envelopefs.KeyPair, error) {
	var kp envelopefs.KeyPair
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keyPairKey(p), &kp)
	})
	if err != nil {
		return nil, err
	}
	return &kp, nil
}

func (s *Store) CreateKeyPair(ctx context.Context, kp *envelopefs.KeyPair) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(keyPairKey(kp.Principal))
		if err == nil {
			return envelopefs.ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, keyPairKey(kp.Principal), kp)
	})
}

func (s *Store) UpdateKeyPair(ctx context.Context, prev, next *envelopefs.KeyPair) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var cur envelopefs.KeyPair
		if err := getJSON(txn, keyPairKey(prev.Principal), &cur); err != nil {
			return err
		}
		if !envelopefs.SameWrappedKey(&cur, prev) {
			return envelopefs.ErrConflict
		}
		return setJSON(txn, keyPairKey(next.Principal), next)
	})
}

func (s *Store) DeleteKeyPair(ctx context.Context, p envelopefs.Principal) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(keyPairKey(p))
	})
}

func (s *Store) PutEntries(ctx context.Context, entries []envelopefs.WrappedKeyEntry) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for i := range entries {
			e := &entries[i]
			if err := setJSON(txn, entryKey(e.FileID, e.Principal), e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetEntry(ctx context.Context, fileID string, p envelopefs.Principal) (*envelopefs.WrappedKeyEntry, error) {
	var e envelopefs.WrappedKeyEntry
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, entryKey(fileID, p), &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// scan calls fn for every item under prefix, in key order.
func scan(txn *badger.Txn, prefix []byte, keysOnly bool, fn func(item *badger.Item) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = !keysOnly
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		more, err := fn(it.Item())
		if err != nil || !more {
			return err
		}
	}
	return nil
}

func (s *Store) ListEntries(ctx context.Context, fileID string) ([]envelopefs.WrappedKeyEntry, error) {
	var out []envelopefs.WrappedKeyEntry
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, entryPrefix(fileID), false, func(item *badger.Item) (bool, error) {
			var e envelopefs.WrappedKeyEntry
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			out = append(out, e)
			return true, err
		})
	})
	return out, err
}

func (s *Store) DeleteEntries(ctx context.Context, fileID string, principals []envelopefs.Principal) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, p := range principals {
			if err := txn.Delete(entryKey(fileID, p)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) PutFile(ctx context.Context, rec *envelopefs.FileRecord) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, fileKey(rec.FileID), rec)
	})
}

func (s *Store) GetFile(ctx context.Context, fileID string) (*envelopefs.FileRecord, error) {
	var rec envelopefs.FileRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, fileKey(fileID), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ListFiles(ctx context.Context, after string, limit int) ([]envelopefs.FileRecord, error) {
	var out []envelopefs.FileRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixFile)
		it := txn.NewIterator(opts)
		defer it.Close()

		start := fileKey(after)
		for it.Seek(start); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			id := strings.TrimPrefix(string(item.Key()), prefixFile)
			if id <= after {
				continue
			}
			var rec envelopefs.FileRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) DeleteFile(ctx context.Context, fileID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var keys [][]byte
		if err := scan(txn, entryPrefix(fileID), true, func(item *badger.Item) (bool, error) {
			keys = append(keys, item.KeyCopy(nil))
			return true, nil
		}); err != nil {
			return err
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.Delete(fileKey(fileID))
	})
}

func (s *Store) GetSetting(ctx context.Context, name string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(settingKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return envelopefs.ErrNotFound
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, err
}

func (s *Store) PutSetting(ctx context.Context, name string, value []byte) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(settingKey(name), value)
	})
}

func (s *Store) DeleteSetting(ctx context.Context, name string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(settingKey(name))
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
