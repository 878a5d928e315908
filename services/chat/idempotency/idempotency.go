// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package idempotency detects duplicate turn submissions.
//
// # Description
//
// A caller-supplied idempotency key is scoped to its session and stored as
// "idem:{session}:{key}", both parts query-escaped. The first submission
// reserves the key with a short-lived pending entry owned by a random token
// and keeps it alive with Hold while the turn runs; once the turn is
// recorded the owner replaces the entry with the final TurnResponse, kept
// for ResultTTL. A later submission with the same key gets that response
// back unchanged, so a client retry never produces a second archived pair.
//
// # Failure Mode
//
// The store is advisory. If it is unreachable the caller proceeds without
// dedupe; turn ids derived from the idempotency key still keep archive
// objects unique.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/kv"
)

// Outcome is the result of a Claim.
type Outcome int

const (
	// Reserved means the caller owns the key and must Complete or Release it.
	Reserved Outcome = iota

	// Completed means a prior submission finished; Claim.Response holds its result.
	Completed

	// InFlight means another request holds the key.
	InFlight
)

func (o Outcome) String() string {
	switch o {
	case Reserved:
		return "reserved"
	case Completed:
		return "completed"
	case InFlight:
		return "in_flight"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Claim is returned by Store.Claim.
type Claim struct {
	Outcome  Outcome
	Response datatypes.TurnResponse

	// Token identifies the reservation. Set only when Outcome is Reserved.
	Token string
}

// ErrNotOwner is returned by Complete and Release when the reservation was
// lost to another submission.
var ErrNotOwner = errors.New("idempotency reservation not owned")

// Config holds idempotency settings.
//
// # Fields
//
//   - PendingTTL: Lifetime of a reservation between Hold refreshes. A crashed owner frees its key after this. Default: 30s.
//   - ResultTTL: Retention of completed results. Default: 24h.
//   - Wait: How long a duplicate waits for an in-flight turn. Default: 5s.
//   - Timeout: Bound on each store call. Default: 2s.
//   - KeyPrefix: Key namespace. Default: "idem:".
type Config struct {
	PendingTTL time.Duration `mapstructure:"pending_ttl" yaml:"pending_ttl"`
	ResultTTL  time.Duration `mapstructure:"result_ttl" yaml:"result_ttl"`
	Wait       time.Duration `mapstructure:"wait" yaml:"wait"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	KeyPrefix  string        `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PendingTTL: 30 * time.Second,
		ResultTTL:  24 * time.Hour,
		Wait:       5 * time.Second,
		Timeout:    2 * time.Second,
		KeyPrefix:  "idem:",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PendingTTL <= 0 {
		c.PendingTTL = d.PendingTTL
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = d.ResultTTL
	}
	if c.Wait <= 0 {
		c.Wait = d.Wait
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	return c
}

type state string

const (
	statePending state = "pending"
	stateDone    state = "done"
)

type entry struct {
	State     state                   `json:"state"`
	Owner     string                  `json:"owner,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
	Response  *datatypes.TurnResponse `json:"response,omitempty"`
}

// errHeld aborts a reservation attempt when the key already exists.
type errHeld struct {
	entry entry
}

func (e *errHeld) Error() string { return "idempotency key held" }

var errStillInFlight = errors.New("idempotency key still in flight")

// maxClaimConflicts bounds optimistic retries of one Claim.
const maxClaimConflicts = 3

// Store tracks idempotency keys.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	kv  kv.Store
	cfg Config
	now func() time.Time
}

// NewStore creates a Store over backend.
func NewStore(backend kv.Store, cfg Config) *Store {
	return &Store{
		kv:  backend,
		cfg: cfg.withDefaults(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Key returns the storage key of an idempotency key. Both parts are escaped
// so a ':' in either can not make two pairs collide.
func (s *Store) Key(sessionKey, idempotencyKey string) string {
	return s.cfg.KeyPrefix + url.QueryEscape(sessionKey) + ":" + url.QueryEscape(idempotencyKey)
}

// Claim reserves the key or reports its current holder.
//
// # Outputs
//
//   - Claim: Reserved (with its Token), Completed (with the prior response)
//     or InFlight.
//   - error: Wraps datatypes.ErrStorageUnavailable if the store failed.
func (s *Store) Claim(ctx context.Context, sessionKey, idempotencyKey string) (Claim, error) {
	key := s.Key(sessionKey, idempotencyKey)
	token := uuid.NewString()
	pending, err := json.Marshal(entry{State: statePending, Owner: token, CreatedAt: s.now()})
	if err != nil {
		return Claim{}, err
	}

	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		err = s.kv.Update(callCtx, key, s.cfg.PendingTTL, func(cur []byte, found bool) ([]byte, error) {
			if !found {
				return pending, nil
			}
			var e entry
			if err := json.Unmarshal(cur, &e); err != nil {
				// Unreadable entries are taken over.
				return pending, nil
			}
			return nil, &errHeld{entry: e}
		})
		cancel()

		var held *errHeld
		switch {
		case err == nil:
			return Claim{Outcome: Reserved, Token: token}, nil
		case errors.As(err, &held):
			if held.entry.State == stateDone && held.entry.Response != nil {
				return Claim{Outcome: Completed, Response: *held.entry.Response}, nil
			}
			return Claim{Outcome: InFlight}, nil
		case errors.Is(err, kv.ErrConflict) && attempt < maxClaimConflicts:
			continue
		case errors.Is(err, kv.ErrConflict):
			return Claim{Outcome: InFlight}, nil
		case errors.Is(err, datatypes.ErrStorageUnavailable):
			return Claim{}, fmt.Errorf("idempotency claim: %w", err)
		default:
			return Claim{}, datatypes.Unavailable("idempotency claim", err)
		}
	}
}

// Await waits up to Config.Wait for an in-flight key to resolve.
//
// # Description
//
// Polls with exponential backoff by re-claiming the key. It returns as soon
// as the key completes, or as soon as it becomes free (the previous holder's
// reservation expired), in which case the caller now owns it.
//
// # Outputs
//
//   - Claim: Completed or Reserved.
//   - error: datatypes.ErrTurnInProgress if the key is still held after Wait.
func (s *Store) Await(ctx context.Context, sessionKey, idempotencyKey string) (Claim, error) {
	op := func() (Claim, error) {
		c, err := s.Claim(ctx, sessionKey, idempotencyKey)
		if err != nil {
			return Claim{}, err
		}
		if c.Outcome == InFlight {
			return Claim{}, errStillInFlight
		}
		return c, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	c, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(s.cfg.Wait),
	)
	if err != nil {
		if errors.Is(err, datatypes.ErrStorageUnavailable) {
			return Claim{}, err
		}
		return Claim{}, fmt.Errorf("idempotency key %s: %w", idempotencyKey, datatypes.ErrTurnInProgress)
	}
	return c, nil
}

// Hold keeps a reservation alive until the returned stop function is
// called, refreshing it every PendingTTL/3. It stops early once the entry is
// no longer owned by token. stop waits for the refresher to exit.
func (s *Store) Hold(ctx context.Context, sessionKey, idempotencyKey, token string) (stop func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(s.cfg.PendingTTL/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := s.refresh(ctx, sessionKey, idempotencyKey, token)
			switch {
			case err == nil, errors.Is(err, kv.ErrConflict), errors.Is(err, context.Canceled):
			case errors.Is(err, ErrNotOwner):
				return
			default:
				slog.Warn("Failed to extend idempotency reservation",
					"session_id", sessionKey, "error", err)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

func (s *Store) refresh(ctx context.Context, sessionKey, idempotencyKey, token string) error {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.kv.Update(callCtx, s.Key(sessionKey, idempotencyKey), s.cfg.PendingTTL, func(cur []byte, found bool) ([]byte, error) {
		if !found || !owns(cur, token) {
			return nil, ErrNotOwner
		}
		return cur, nil
	})
}

// owns reports whether cur is a pending entry held by token.
func owns(cur []byte, token string) bool {
	var e entry
	if err := json.Unmarshal(cur, &e); err != nil {
		return false
	}
	return e.State == statePending && e.Owner == token
}

// Complete stores the final response of a reserved key for Config.ResultTTL.
//
// # Description
//
// The write only replaces the caller's own pending entry, or a key that has
// expired and not been claimed again. If another submission took the key
// over, Complete returns ErrNotOwner and leaves its entry alone.
func (s *Store) Complete(ctx context.Context, sessionKey, idempotencyKey, token string, resp datatypes.TurnResponse) error {
	data, err := json.Marshal(entry{State: stateDone, CreatedAt: s.now(), Response: &resp})
	if err != nil {
		return err
	}
	key := s.Key(sessionKey, idempotencyKey)
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		err = s.kv.Update(callCtx, key, s.cfg.ResultTTL, func(cur []byte, found bool) ([]byte, error) {
			if found && !owns(cur, token) {
				return nil, ErrNotOwner
			}
			return data, nil
		})
		cancel()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNotOwner):
			return fmt.Errorf("idempotency complete %s: %w", idempotencyKey, err)
		case errors.Is(err, kv.ErrConflict) && attempt < maxClaimConflicts:
			continue
		default:
			return fmt.Errorf("idempotency complete: %w", err)
		}
	}
}

// Release frees a reserved key whose turn did not complete, so a retry can
// run immediately instead of waiting out PendingTTL. A key owned by someone
// else is left alone.
func (s *Store) Release(ctx context.Context, sessionKey, idempotencyKey, token string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	key := s.Key(sessionKey, idempotencyKey)
	cur, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	if !owns(cur, token) {
		return fmt.Errorf("idempotency release %s: %w", idempotencyKey, ErrNotOwner)
	}
	if err := s.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

// Ping checks the backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}
