// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history keeps the recent turns of each authenticated user across
// all of their sessions.
//
// # Description
//
// Each user has one JSON document "user_history:{user}" in the kv store
// holding up to MaxEntries turns, newest first. The document expires TTL
// after the user's last turn. It is a convenience index: the archive stays
// the system of record, and a failed history write never fails a turn.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/kv"
)

// Config holds history settings.
//
// # Fields
//
//   - MaxEntries: Turns kept per user. Default: 100.
//   - TTL: Lifetime of a user's history after their last turn. Default: 24h.
//   - MaxAttempts: Bound on optimistic retries per Add. Default: 5.
//   - KeyPrefix: Key namespace. Default: "user_history:".
type Config struct {
	MaxEntries  int           `mapstructure:"max_entries" yaml:"max_entries"`
	TTL         time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	KeyPrefix   string        `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:  100,
		TTL:         24 * time.Hour,
		MaxAttempts: 5,
		KeyPrefix:   "user_history:",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	return c
}

// DefaultLimit is the number of entries List returns when asked for none.
const DefaultLimit = 20

// Entry is one turn in a user's history.
type Entry struct {
	TurnID     string    `json:"turnId"`
	SessionKey string    `json:"sessionKey"`
	Message    string    `json:"message"`
	Response   string    `json:"response"`
	Timestamp  time.Time `json:"timestamp"`
}

// EntryFromTurn builds the history entry of a recorded turn.
func EntryFromTurn(turn datatypes.ConversationTurn) Entry {
	return Entry{
		TurnID:     turn.TurnID,
		SessionKey: turn.SessionKey,
		Message:    turn.User.Content,
		Response:   turn.Assistant.Content,
		Timestamp:  turn.User.Timestamp,
	}
}

// Store is the per-user history index.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	kv  kv.Store
	cfg Config
}

// NewStore creates a Store over backend.
func NewStore(backend kv.Store, cfg Config) *Store {
	return &Store{kv: backend, cfg: cfg.withDefaults()}
}

func (s *Store) key(userID string) string {
	return s.cfg.KeyPrefix + userID
}

// Add puts e at the head of userID's history. Adding a turn id that is
// already present is a no-op, so re-recording a turn leaves one entry.
func (s *Store) Add(ctx context.Context, userID string, e Entry) error {
	if userID == "" {
		return errors.New("history add: empty user id")
	}

	mutate := func(cur []byte, found bool) ([]byte, error) {
		var entries []Entry
		if found {
			if err := json.Unmarshal(cur, &entries); err != nil {
				slog.Warn("Discarding undecodable user history", "user_id", userID, "error", err)
				entries = nil
			}
		}
		for _, existing := range entries {
			if existing.TurnID == e.TurnID {
				return cur, nil
			}
		}
		next := make([]Entry, 0, min(len(entries)+1, s.cfg.MaxEntries))
		next = append(next, e)
		for _, existing := range entries {
			if len(next) == s.cfg.MaxEntries {
				break
			}
			next = append(next, existing)
		}
		return json.Marshal(next)
	}

	op := func() (struct{}, error) {
		err := s.kv.Update(ctx, s.key(userID), s.cfg.TTL, mutate)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, kv.ErrConflict), errors.Is(err, datatypes.ErrStorageUnavailable):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond

	if _, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.MaxAttempts)),
	); err != nil {
		return fmt.Errorf("history add %s: %w", userID, err)
	}
	return nil
}

// List returns up to limit of userID's most recent turns, newest first.
// An unknown user yields an empty, non-nil slice. limit <= 0 uses
// DefaultLimit.
func (s *Store) List(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	raw, err := s.kv.Get(ctx, s.key(userID))
	if errors.Is(err, kv.ErrNotFound) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history list %s: %w", userID, err)
	}

	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, datatypes.Unavailable("history decode", err)
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}
