// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds the live, evictable conversation context of each
// session key.
//
// # Description
//
// A session is one JSON document in a kv.Store holding the retained
// messages (oldest first) and the session metadata. Appends are optimistic
// read-modify-write cycles retried on conflict, so concurrent turns on the
// same key never silently drop each other's messages. The window is bounded
// by maxLen and truncation always drops from the oldest end.
//
// # TTL
//
// The idle TTL is reset only by a successful Append. Reads never extend a
// session's life.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/kv"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
)

var tracer = otel.Tracer("aleutian.chat.session")

// MaxListSessions caps admin listings.
const MaxListSessions = 100

// Config holds SessionStore settings.
//
// # Fields
//
//   - MaxLen: Default context window in messages. Default: 20.
//   - TTL: Default idle TTL. Default: 72h.
//   - MaxAppendAttempts: Bound on optimistic retries per Append. Default: 10.
//   - RetryInitialInterval / RetryMaxInterval: Backoff between attempts.
//   - KeyPrefix: Key namespace in the kv store. Default: "sess:".
type Config struct {
	MaxLen               int           `mapstructure:"max_len" yaml:"max_len"`
	TTL                  time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MaxAppendAttempts    int           `mapstructure:"max_append_attempts" yaml:"max_append_attempts"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval" yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval" yaml:"retry_max_interval"`
	KeyPrefix            string        `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxLen:               20,
		TTL:                  72 * time.Hour,
		MaxAppendAttempts:    10,
		RetryInitialInterval: 10 * time.Millisecond,
		RetryMaxInterval:     250 * time.Millisecond,
		KeyPrefix:            "sess:",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxLen <= 0 {
		c.MaxLen = d.MaxLen
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.MaxAppendAttempts <= 0 {
		c.MaxAppendAttempts = d.MaxAppendAttempts
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = d.RetryInitialInterval
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = d.RetryMaxInterval
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	return c
}

// Info is the metadata of one session.
type Info struct {
	SessionKey   string    `json:"sessionKey"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	MessageCount int64     `json:"messageCount"`
	Retained     int       `json:"retained"`
}

// document is the stored form of a session.
type document struct {
	Messages     []datatypes.Message `json:"messages"`
	CreatedAt    time.Time           `json:"created_at"`
	LastActivity time.Time           `json:"last_activity"`
	MessageCount int64               `json:"message_count"`
}

func (d document) info(key string) Info {
	return Info{
		SessionKey:   key,
		CreatedAt:    d.CreatedAt,
		LastActivity: d.LastActivity,
		MessageCount: d.MessageCount,
		Retained:     len(d.Messages),
	}
}

// Store is the SessionStore.
//
// # Thread Safety
//
// Safe for concurrent use. No in-process lock is held across backend calls;
// per-key mutual exclusion comes from the backend's optimistic Update.
type Store struct {
	kv      kv.Store
	cfg     Config
	metrics *observability.ChatMetrics
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics records append conflicts on m.
func WithMetrics(m *observability.ChatMetrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the time source for metadata timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a SessionStore over backend.
func NewStore(backend kv.Store, cfg Config, opts ...Option) *Store {
	s := &Store{
		kv:  backend,
		cfg: cfg.withDefaults(),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) key(sessionKey string) string {
	return s.cfg.KeyPrefix + sessionKey
}

func asUnavailable(op string, err error) error {
	if errors.Is(err, datatypes.ErrStorageUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return datatypes.Unavailable(op, err)
}

// load reads and decodes a session document.
func (s *Store) load(ctx context.Context, sessionKey string) (document, bool, error) {
	raw, err := s.kv.Get(ctx, s.key(sessionKey))
	if errors.Is(err, kv.ErrNotFound) {
		return document{}, false, nil
	}
	if err != nil {
		return document{}, false, asUnavailable("session get", err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return document{}, false, asUnavailable("session decode", err)
	}
	return doc, true, nil
}

// Get returns the retained messages of a session, oldest first.
//
// # Description
//
// A missing or expired session yields an empty, non-nil slice and no error.
// Get does not touch the TTL.
//
// # Outputs
//
//   - []datatypes.Message: Retained messages in conversational order.
//   - error: Wraps datatypes.ErrStorageUnavailable if the backend failed.
func (s *Store) Get(ctx context.Context, sessionKey string) ([]datatypes.Message, error) {
	ctx, span := tracer.Start(ctx, "SessionStore.Get")
	defer span.End()

	doc, _, err := s.load(ctx, sessionKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return []datatypes.Message{}, err
	}
	if doc.Messages == nil {
		return []datatypes.Message{}, nil
	}
	span.SetAttributes(attribute.Int("session.retained", len(doc.Messages)))
	return doc.Messages, nil
}

// Append adds msgs to the end of a session and truncates it to maxLen.
//
// # Description
//
// The stored sequence becomes the last maxLen entries of old ++ msgs, and
// the idle TTL restarts. Conflicts with concurrent appends on the same key
// and transient backend failures are retried with exponential backoff up to
// Config.MaxAppendAttempts, each attempt bounded by ctx.
//
// # Inputs
//
//   - sessionKey: Session to update.
//   - msgs: Messages in conversational order. An empty slice is a no-op.
//   - maxLen: Window size in messages. <= 0 uses Config.MaxLen.
//   - ttl: Idle TTL. <= 0 uses Config.TTL.
//
// # Outputs
//
//   - error: Non-nil if no attempt committed.
func (s *Store) Append(ctx context.Context, sessionKey string, msgs []datatypes.Message, maxLen int, ttl time.Duration) error {
	if len(msgs) == 0 {
		return nil
	}
	if maxLen <= 0 {
		maxLen = s.cfg.MaxLen
	}
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}

	ctx, span := tracer.Start(ctx, "SessionStore.Append")
	defer span.End()
	span.SetAttributes(
		attribute.Int("session.append_count", len(msgs)),
		attribute.Int("session.max_len", maxLen),
	)

	mutate := func(cur []byte, found bool) ([]byte, error) {
		var doc document
		if found {
			if err := json.Unmarshal(cur, &doc); err != nil {
				slog.Warn("Discarding undecodable session document",
					"session_id", sessionKey, "error", err)
				doc = document{}
			}
		}
		now := s.now()
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = now
		}
		doc.LastActivity = now
		doc.MessageCount += int64(len(msgs))
		doc.Messages = truncate(append(doc.Messages, msgs...), maxLen)
		return json.Marshal(doc)
	}

	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		err := s.kv.Update(ctx, s.key(sessionKey), ttl, mutate)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, kv.ErrConflict):
			s.metrics.RecordSessionConflict()
			return struct{}{}, err
		case errors.Is(err, datatypes.ErrStorageUnavailable):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitialInterval
	b.MaxInterval = s.cfg.RetryMaxInterval

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.MaxAppendAttempts)),
	)
	span.SetAttributes(attribute.Int("session.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, kv.ErrConflict) {
			return fmt.Errorf("session append %s: gave up after %d attempts: %w", sessionKey, attempts, err)
		}
		return asUnavailable("session append", err)
	}
	return nil
}

// truncate keeps the newest maxLen messages in a fresh slice.
func truncate(msgs []datatypes.Message, maxLen int) []datatypes.Message {
	if len(msgs) <= maxLen {
		return msgs
	}
	out := make([]datatypes.Message, maxLen)
	copy(out, msgs[len(msgs)-maxLen:])
	return out
}

// Info returns a session's metadata, or datatypes.ErrSessionNotFound.
func (s *Store) Info(ctx context.Context, sessionKey string) (Info, error) {
	doc, found, err := s.load(ctx, sessionKey)
	if err != nil {
		return Info{}, err
	}
	if !found {
		return Info{}, datatypes.ErrSessionNotFound
	}
	return doc.info(sessionKey), nil
}

// Delete removes a session. The archive is unaffected.
func (s *Store) Delete(ctx context.Context, sessionKey string) error {
	if err := s.kv.Delete(ctx, s.key(sessionKey)); err != nil {
		return asUnavailable("session delete", err)
	}
	return nil
}

// List returns metadata for up to limit live sessions (capped at 100).
func (s *Store) List(ctx context.Context, limit int) ([]Info, error) {
	if limit <= 0 || limit > MaxListSessions {
		limit = MaxListSessions
	}
	keys, err := s.kv.Keys(ctx, s.cfg.KeyPrefix, limit)
	if err != nil {
		return nil, asUnavailable("session list", err)
	}

	infos := make([]Info, 0, len(keys))
	for _, k := range keys {
		sessionKey := k[len(s.cfg.KeyPrefix):]
		doc, found, err := s.load(ctx, sessionKey)
		if err != nil {
			return nil, err
		}
		if found {
			infos = append(infos, doc.info(sessionKey))
		}
	}
	return infos, nil
}

// Ping checks the backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}
