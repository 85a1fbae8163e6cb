// Package store provides the single embedded durable KV store (badger) that
// backs Jobs, PipelineRuns, scheduler last-fired bookkeeping, and
// caption-check audit records. It knows nothing about those domain types:
// each owning package marshals its own values and picks its own key
// namespace, which keeps this package a dependency-free leaf the way the
// scanner and clients packages are.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/civiccaption/flexcore/log"
)

// SchemaVersion is bumped whenever the on-disk key layout changes in a way
// that requires a migration. Migrations are forward-only: Open refuses to
// run against a store stamped with a newer version than this binary knows.
const SchemaVersion = 1

const schemaVersionKey = "meta/schema_version"

const maxConflictRetries = 5

// Store wraps a badger.DB with json marshal/unmarshal helpers and a
// conflict-retrying Mutate for compare-and-set style updates. It is safe for
// concurrent use by multiple goroutines, matching badger's own guarantees.
type Store struct {
	db *badger.DB
}

// Open opens (creating if absent) the embedded store at dir and checks/sets
// the schema version record.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger store at %s: %w", dir, err)
	}
	s := &Store{db: db}
	if err := s.ensureSchemaVersion(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchemaVersion() error {
	var version int
	found, err := s.Get(schemaVersionKey, &version)
	if err != nil {
		return err
	}
	if !found {
		return s.Put(schemaVersionKey, SchemaVersion)
	}
	if version > SchemaVersion {
		return fmt.Errorf("store schema version %d is newer than this binary supports (%d)", version, SchemaVersion)
	}
	// No migrations defined yet; forward-only migrations would run here,
	// keyed on the stored version, before rewriting schemaVersionKey.
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put JSON-encodes value and stores it under key, unconditionally
// overwriting any prior value.
func (s *Store) Put(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling value for key %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// Get JSON-decodes the value stored at key into dest. Returns found=false,
// nil error if the key does not exist.
func (s *Store) Get(key string, dest any) (bool, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
	})
	if err != nil {
		return false, fmt.Errorf("reading key %s: %w", key, err)
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("unmarshaling value for key %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// IteratePrefix calls fn once per key under prefix, in key order, with the
// raw JSON-encoded value. Iteration stops at the first error fn returns.
func (s *Store) IteratePrefix(prefix string, fn func(key string, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			var value []byte
			if err := item.Value(func(val []byte) error {
				value = append([]byte{}, val...)
				return nil
			}); err != nil {
				return err
			}
			if err := fn(key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// ErrConflict is returned by Mutate when a concurrent writer updated the key
// more than maxConflictRetries times in a row; the caller should treat this
// as a transient infra error and retry at a higher level.
var ErrConflict = fmt.Errorf("store: too many write conflicts")

// Mutate reads the current JSON value at key (nil, false if absent), passes
// it to fn, and writes back fn's returned bytes inside the same badger
// transaction so the read-modify-write is atomic with respect to other
// Mutate/Put callers. Badger's optimistic concurrency control surfaces
// conflicting concurrent transactions as ErrConflict from Commit; Mutate
// retries a bounded number of times before giving up, the same
// compare-and-set shape the job/lease state machine needs without a second
// locking layer.
func (s *Store) Mutate(key string, fn func(current []byte, found bool) ([]byte, error)) error {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(key))
			var current []byte
			found := true
			if err == badger.ErrKeyNotFound {
				found = false
			} else if err != nil {
				return err
			} else if err := item.Value(func(val []byte) error {
				current = append([]byte{}, val...)
				return nil
			}); err != nil {
				return err
			}

			next, err := fn(current, found)
			if err != nil {
				return err
			}
			if next == nil {
				return txn.Delete([]byte(key))
			}
			return txn.Set([]byte(key), next)
		})
		if err == nil {
			return nil
		}
		if err == badger.ErrConflict {
			log.LogNoRequestID("store write conflict, retrying", "key", key, "attempt", attempt)
			continue
		}
		return err
	}
	return ErrConflict
}

// MutateJSON is a generic-friendly wrapper around Mutate for callers that
// want to decode/encode a typed value rather than handle raw bytes. fn
// receives the zero value of T and found=false when the key is absent; if
// fn returns deleted=true the key is removed.
func MutateJSON[T any](s *Store, key string, fn func(current T, found bool) (next T, deleted bool, err error)) error {
	return s.Mutate(key, func(raw []byte, found bool) ([]byte, error) {
		var current T
		if found {
			if err := json.Unmarshal(raw, &current); err != nil {
				return nil, fmt.Errorf("unmarshaling current value for %s: %w", key, err)
			}
		}
		next, deleted, err := fn(current, found)
		if err != nil {
			return nil, err
		}
		if deleted {
			return nil, nil
		}
		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("marshaling next value for %s: %w", key, err)
		}
		return data, nil
	})
}
