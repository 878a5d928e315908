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
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sweepable is a store that reclaims expired entries on demand.
type Sweepable interface {
	Sweep() int
}

// Sweeper periodically reclaims expired entries of an in-memory store.
//
// # Description
//
// Expired entries are already invisible to readers; the sweeper only bounds
// memory held by idle sessions. It uses the ticker + done channel pattern
// and runs one pass immediately on Start.
//
// # Thread Safety
//
// Start, Stop and RunNow are safe for concurrent use.
type Sweeper struct {
	store    Sweepable
	interval time.Duration

	mu      sync.Mutex
	running bool
	done    chan struct{}
	exited  chan struct{}
}

// NewSweeper creates a sweeper. interval defaults to one minute.
func NewSweeper(store Sweepable, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: store, interval: interval}
}

// Start launches the background loop.
//
// # Outputs
//
//   - error: Non-nil if the sweeper is already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.exited = make(chan struct{})

	go s.runLoop(ctx, s.done, s.exited)
	return nil
}

// Stop signals the loop and waits for it to exit. Safe to call repeatedly.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	exited := s.exited
	s.mu.Unlock()

	<-exited
}

// RunNow performs one pass synchronously and returns the number removed.
func (s *Sweeper) RunNow() int {
	return s.store.Sweep()
}

func (s *Sweeper) runLoop(ctx context.Context, done <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	if removed := s.store.Sweep(); removed > 0 {
		slog.Debug("kv sweep removed expired entries", "removed", removed)
	}
}
