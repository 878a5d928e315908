// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kv defines the durable key-value contract underneath the session
// and idempotency stores, with memory, Redis and Badger implementations.
//
// # Concurrency Model
//
// Update is an optimistic read-modify-write. The mutation runs without any
// backend lock held; the write commits only if the key did not change since
// it was read, otherwise Update returns ErrConflict and the caller retries.
// No implementation holds an in-process lock across a network call.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get for a missing or expired key.
	ErrNotFound = errors.New("kv: key not found")

	// ErrConflict is returned by Update when another writer committed the
	// key between the read and the write.
	ErrConflict = errors.New("kv: concurrent update conflict")
)

// Mutation computes the next value of a key from its current value.
//
// found is false when the key is absent or expired. A non-nil error aborts
// the update without writing; Update returns that error unchanged.
type Mutation func(current []byte, found bool) (next []byte, err error)

// Store is a key-value backend with TTL and optimistic concurrency.
//
// # Description
//
// Errors other than ErrNotFound and ErrConflict mean the backend is
// unreachable or failed, and wrap datatypes.ErrStorageUnavailable.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value of key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Update applies fn to the current value and writes the result with ttl,
	// failing with ErrConflict if the key changed concurrently.
	Update(ctx context.Context, key string, ttl time.Duration, fn Mutation) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists up to limit live keys starting with prefix, in no
	// particular order. limit <= 0 means no limit.
	Keys(ctx context.Context, prefix string, limit int) ([]string, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
