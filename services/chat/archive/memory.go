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
	"sort"
	"strings"
	"sync"
)

// Object is one stored archive blob.
type Object struct {
	Data []byte
	Meta map[string]string
}

// MemoryBackend keeps objects in process.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryBackend struct {
	mu      sync.Mutex
	objects map[string]Object
	puts    int
	failErr error
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string]Object)}
}

// Name implements Backend.
func (m *MemoryBackend) Name() string { return "memory" }

// Put implements Backend.
func (m *MemoryBackend) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.puts++
	if m.failErr != nil {
		return m.failErr
	}
	if _, exists := m.objects[key]; exists {
		return nil
	}
	metaCopy := make(map[string]string, len(meta))
	for k, v := range meta {
		metaCopy[k] = v
	}
	m.objects[key] = Object{Data: append([]byte(nil), data...), Meta: metaCopy}
	return nil
}

// Ping implements Backend.
func (m *MemoryBackend) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	return ctx.Err()
}

// FailWith makes every Put and Ping return err until called with nil.
func (m *MemoryBackend) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Get returns a stored object.
func (m *MemoryBackend) Get(key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// Keys returns the stored keys with the given prefix, sorted.
func (m *MemoryBackend) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored objects.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Puts returns how many Put calls were made, including failed and
// duplicate ones.
func (m *MemoryBackend) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

var _ Backend = (*MemoryBackend)(nil)
