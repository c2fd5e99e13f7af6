package blacklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	entryPrefix  = []byte("bl:")
	lastResetKey = []byte("meta:last_reset")
)

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	DataPath   string
	InMemory   bool
	SyncWrites bool
}

// BadgerStore keeps the blacklist in an embedded badger database so a
// restarted gateway remembers who it blocked.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

func NewBadgerStore(config BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(config.DataPath)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(config.SyncWrites)
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func entryKey(identity string) []byte {
	return append(append([]byte{}, entryPrefix...), identity...)
}

func (s *BadgerStore) Put(_ context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e.Identity), data)
	})
}

func (s *BadgerStore) Delete(_ context.Context, identity string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(identity))
	})
}

func (s *BadgerStore) List(_ context.Context) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					return fmt.Errorf("failed to decode entry %s: %w", it.Item().Key(), err)
				}
				out = append(out, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Clear(_ context.Context) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("failed to delete %s: %w", k, err)
		}
	}
	return wb.Flush()
}

func (s *BadgerStore) LastReset(_ context.Context) (time.Time, error) {
	var t time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lastResetKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return t.UnmarshalBinary(val)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, ErrNotFound
	}
	return t, err
}

func (s *BadgerStore) SetLastReset(_ context.Context, t time.Time) error {
	data, err := t.MarshalBinary()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(lastResetKey, data)
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
