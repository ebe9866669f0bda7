// Package kvstore is a small Badger-backed key/value store used for engine
// state that must survive a restart, such as the market stream cursor.
package kvstore

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/betbot/dutchbet/pkg/sdk/stream"
)

// ErrNotFound is returned by GetJSON when the key does not exist.
var ErrNotFound = errors.New("kvstore: key not found")

type Store struct {
	db *badger.DB
}

type OpenOptions struct {
	// Path of the Badger directory. Empty opens an in-memory store.
	Path string
	// EncryptionKey must be 32 bytes; nil opens the DB unencrypted.
	EncryptionKey []byte
	ReadOnly      bool
}

func Open(opts OpenOptions) (*Store, error) {
	path := strings.TrimSpace(opts.Path)
	bopts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithReadOnly(opts.ReadOnly)
	if path == "" {
		bopts = bopts.WithInMemory(true)
	}
	if len(opts.EncryptionKey) > 0 {
		// encrypted workloads need the index cache
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "kvstore: open")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func normKey(key string) ([]byte, error) {
	k := strings.TrimSpace(key)
	if k == "" {
		return nil, errors.New("kvstore: key is empty")
	}
	return []byte(k), nil
}

// Get returns the raw value and whether the key exists.
func (s *Store) Get(key string) ([]byte, bool, error) {
	k, err := normKey(key)
	if err != nil {
		return nil, false, err
	}
	var (
		out   []byte
		found bool
	)
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "kvstore: get %s", key)
	}
	return out, found, nil
}

func (s *Store) Set(key string, val []byte) error {
	k, err := normKey(key)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, val)
	})
}

func (s *Store) Delete(key string) error {
	k, err := normKey(key)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

func (s *Store) GetJSON(key string, v any) error {
	b, ok, err := s.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return errors.Wrapf(json.Unmarshal(b, v), "kvstore: decode %s", key)
}

func (s *Store) SetJSON(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "kvstore: encode %s", key)
	}
	return s.Set(key, b)
}

const DefaultCursorKey = "stream/cursor"

// CursorStore persists the stream subscription cursor under one key.
type CursorStore struct {
	store *Store
	key   string
}

func (s *Store) Cursors(key string) *CursorStore {
	if key == "" {
		key = DefaultCursorKey
	}
	return &CursorStore{store: s, key: key}
}

// LoadCursor returns a zero cursor when nothing was saved yet.
func (c *CursorStore) LoadCursor(ctx context.Context) (stream.Cursor, error) {
	var cur stream.Cursor
	err := c.store.GetJSON(c.key, &cur)
	if errors.Is(err, ErrNotFound) {
		return stream.Cursor{}, nil
	}
	return cur, err
}

func (c *CursorStore) SaveCursor(ctx context.Context, cur stream.Cursor) error {
	return c.store.SetJSON(c.key, cur)
}

// ParseKey accepts a 32 byte key as hex (optionally 0x-prefixed) or base64.
// Empty input returns nil.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil {
		if len(b) != 32 {
			return nil, errors.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(b) != 32 {
			return nil, errors.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	return nil, errors.New("key must be base64(32 bytes) or hex(32 bytes)")
}
