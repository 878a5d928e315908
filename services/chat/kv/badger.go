// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kv

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/dgraph-io/badger/v4"
)

// BadgerNamespace prefixes every key written by the Badger store so the
// same DB can also hold archive objects.
const BadgerNamespace = "kv/"

// Badger is a Store on an embedded BadgerDB.
//
// # Description
//
// Update runs inside a Badger read-write transaction. Badger's serializable
// snapshot isolation rejects the commit with badger.ErrConflict when another
// transaction wrote the key after it was read; that is reported as
// ErrConflict. TTLs use Badger's native entry expiry.
//
// # Thread Safety
//
// Safe for concurrent use.
type Badger struct {
	db *badger.DB
}

// NewBadger wraps an open database. The caller keeps ownership of db.
func NewBadger(db *badger.DB) *Badger {
	return &Badger{db: db}
}

func badgerKey(key string) []byte {
	return []byte(BadgerNamespace + key)
}

func newBadgerEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry(badgerKey(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

// Get implements Store.
func (b *Badger) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, datatypes.Unavailable("badger get", err)
	}
	return val, nil
}

// Set implements Store.
func (b *Badger) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(newBadgerEntry(key, value, ttl))
	})
	if err != nil {
		return datatypes.Unavailable("badger set", err)
	}
	return nil
}

// Update implements Store.
func (b *Badger) Update(ctx context.Context, key string, ttl time.Duration, fn Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		var (
			cur   []byte
			found = true
		)
		item, err := txn.Get(badgerKey(key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			found = false
		case err != nil:
			return err
		default:
			if cur, err = item.ValueCopy(nil); err != nil {
				return err
			}
		}

		next, err := fn(cur, found)
		if err != nil {
			return &mutationError{err: err}
		}
		return txn.SetEntry(newBadgerEntry(key, next, ttl))
	})
	if err == nil {
		return nil
	}

	var merr *mutationError
	switch {
	case errors.As(err, &merr):
		return merr.err
	case errors.Is(err, badger.ErrConflict):
		return ErrConflict
	default:
		return datatypes.Unavailable("badger update", err)
	}
}

// Delete implements Store.
func (b *Badger) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(key))
	})
	if err != nil {
		return datatypes.Unavailable("badger delete", err)
	}
	return nil
}

// Keys implements Store.
func (b *Badger) Keys(ctx context.Context, prefix string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = badgerKey(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(keys) >= limit {
				return nil
			}
			k := it.Item().KeyCopy(nil)
			keys = append(keys, string(k[len(BadgerNamespace):]))
		}
		return nil
	})
	if err != nil {
		return nil, datatypes.Unavailable("badger keys", err)
	}
	return keys, nil
}

// Ping implements Store.
func (b *Badger) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.db.IsClosed() {
		return datatypes.Unavailable("badger ping", errors.New("database is closed"))
	}
	return nil
}

// Close implements Store. The database is owned by the caller.
func (b *Badger) Close() error {
	return nil
}

var _ Store = (*Badger)(nil)
