// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// BadgerNamespace prefixes archive keys in a shared Badger DB.
const BadgerNamespace = "archive/"

// BadgerBackend stores archive objects in an embedded BadgerDB.
//
// # Description
//
// Objects are stored as a JSON envelope of data and metadata under
// "archive/" + key, without TTL. Put checks for the key inside the same
// read-write transaction, so two concurrent writers of one key commit at
// most one value; the loser sees badger.ErrConflict, is retried, and then
// finds the key present.
type BadgerBackend struct {
	db *badger.DB
}

type badgerObject struct {
	Data []byte            `json:"data"`
	Meta map[string]string `json:"meta,omitempty"`
}

// NewBadgerBackend wraps an open database. The caller keeps ownership of db.
func NewBadgerBackend(db *badger.DB) *BadgerBackend {
	return &BadgerBackend{db: db}
}

// Name implements Backend.
func (b *BadgerBackend) Name() string { return "badger" }

// Put implements Backend.
func (b *BadgerBackend) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(badgerObject{Data: data, Meta: meta})
	if err != nil {
		return err
	}
	k := []byte(BadgerNamespace + key)

	err = b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(k)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(k, value)
	})
	if err != nil {
		return datatypes.Unavailable("badger archive put", err)
	}
	return nil
}

// Ping implements Backend.
func (b *BadgerBackend) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return datatypes.Unavailable("badger archive ping", badger.ErrDBClosed)
	}
	return ctx.Err()
}

// Get reads back one object. Used by replay tooling and tests.
func (b *BadgerBackend) Get(key string) (Object, error) {
	var obj badgerObject
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(BadgerNamespace + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &obj)
		})
	})
	if err != nil {
		return Object{}, err
	}
	return Object{Data: obj.Data, Meta: obj.Meta}, nil
}

// Count returns the number of archive objects whose key has prefix.
func (b *BadgerBackend) Count(prefix string) (int, error) {
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(BadgerNamespace + prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

var _ Backend = (*BadgerBackend)(nil)
