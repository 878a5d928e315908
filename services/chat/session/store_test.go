// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/kv"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
)

// downStore is a kv.Store whose backend is unreachable.
type downStore struct{}

var errDown = errors.New("connection refused")

func (downStore) Get(context.Context, string) ([]byte, error) {
	return nil, datatypes.Unavailable("down get", errDown)
}
func (downStore) Set(context.Context, string, []byte, time.Duration) error {
	return datatypes.Unavailable("down set", errDown)
}
func (downStore) Update(context.Context, string, time.Duration, kv.Mutation) error {
	return datatypes.Unavailable("down update", errDown)
}
func (downStore) Delete(context.Context, string) error {
	return datatypes.Unavailable("down delete", errDown)
}
func (downStore) Keys(context.Context, string, int) ([]string, error) {
	return nil, datatypes.Unavailable("down keys", errDown)
}
func (downStore) Ping(context.Context) error { return datatypes.Unavailable("down ping", errDown) }
func (downStore) Close() error               { return nil }

func pair(i int) []datatypes.Message {
	return []datatypes.Message{
		{Role: datatypes.RoleUser, Content: fmt.Sprintf("q%d", i)},
		{Role: datatypes.RoleAssistant, Content: fmt.Sprintf("a%d", i)},
	}
}

func contents(msgs []datatypes.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestGet_MissingSessionIsEmpty(t *testing.T) {
	s := NewStore(kv.NewMemory(), DefaultConfig())

	msgs, err := s.Get(context.Background(), "nobody")

	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestAppend_SequentialTurnsKeepNewestWindow(t *testing.T) {
	const maxLen = 6
	for _, turns := range []int{1, 2, 3, 5, 8} {
		t.Run(fmt.Sprintf("%d turns", turns), func(t *testing.T) {
			ctx := context.Background()
			s := NewStore(kv.NewMemory(), DefaultConfig())

			var want []string
			for i := 0; i < turns; i++ {
				require.NoError(t, s.Append(ctx, "s1", pair(i), maxLen, time.Hour))
				want = append(want, fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
			}

			got, err := s.Get(ctx, "s1")
			require.NoError(t, err)

			keep := min(turns*2, maxLen)
			assert.Equal(t, want[len(want)-keep:], contents(got))
		})
	}
}

func TestAppend_TruncatesOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), DefaultConfig())

	for i := 0; i < 10; i++ {
		msg := datatypes.Message{Role: datatypes.RoleUser, Content: fmt.Sprintf("m%d", i)}
		require.NoError(t, s.Append(ctx, "s1", []datatypes.Message{msg}, 4, time.Hour))
	}

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m6", "m7", "m8", "m9"}, contents(got))

	info, err := s.Info(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.MessageCount, "message count includes evicted messages")
	assert.Equal(t, 4, info.Retained)
}

func TestAppend_UsesConfiguredDefaults(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxLen = 2
	s := NewStore(kv.NewMemory(), cfg)

	require.NoError(t, s.Append(ctx, "s1", pair(0), 0, 0))
	require.NoError(t, s.Append(ctx, "s1", pair(1), 0, 0))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "a1"}, contents(got))
}

func TestTTL_ResetOnlyByAppend(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := NewStore(kv.NewMemory(kv.WithClock(clock)), DefaultConfig(), WithClock(clock))

	require.NoError(t, s.Append(ctx, "reader", pair(0), 10, time.Hour))
	require.NoError(t, s.Append(ctx, "writer", pair(0), 10, time.Hour))

	now = now.Add(50 * time.Minute)
	_, err := s.Get(ctx, "reader")
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, "writer", pair(1), 10, time.Hour))

	now = now.Add(20 * time.Minute)

	readerMsgs, err := s.Get(ctx, "reader")
	require.NoError(t, err)
	assert.Empty(t, readerMsgs, "reads must not extend the TTL")

	writerMsgs, err := s.Get(ctx, "writer")
	require.NoError(t, err)
	assert.Len(t, writerMsgs, 4, "append resets the TTL")

	info, err := s.Info(ctx, "writer")
	require.NoError(t, err)
	assert.True(t, info.LastActivity.After(info.CreatedAt))
}

func TestStore_BackendDown(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxAppendAttempts = 3
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = time.Millisecond
	s := NewStore(downStore{}, cfg)

	msgs, err := s.Get(ctx, "s1")
	assert.ErrorIs(t, err, datatypes.ErrStorageUnavailable)
	assert.Empty(t, msgs)

	err = s.Append(ctx, "s1", pair(0), 4, time.Hour)
	assert.ErrorIs(t, err, datatypes.ErrStorageUnavailable)
}

func TestAppend_ConcurrentWritersLoseNothing(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := observability.NewChatMetrics(reg)
	cfg := DefaultConfig()
	cfg.MaxAppendAttempts = 100
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 5 * time.Millisecond
	s := NewStore(kv.NewMemory(), cfg, WithMetrics(metrics))

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Append(ctx, "shared", pair(i), 1000, time.Hour))
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, got, writers*2)

	// Each writer's pair stays adjacent and internally ordered.
	seen := make(map[string]bool)
	for i := 0; i < len(got); i += 2 {
		require.Equal(t, datatypes.RoleUser, got[i].Role)
		require.Equal(t, datatypes.RoleAssistant, got[i+1].Role)
		assert.Equal(t, "a"+got[i].Content[1:], got[i+1].Content)
		seen[got[i].Content] = true
	}
	assert.Len(t, seen, writers)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.SessionAppendConflictsTotal), 0.0)
}

func TestAppend_WorksOverRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	backend := kv.OpenRedis(kv.RedisConfig{Addr: mr.Addr()})
	defer backend.Close()
	s := NewStore(backend, DefaultConfig())

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(ctx, "s1", pair(i), 4, time.Hour))
	}

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "a1", "q2", "a2"}, contents(got))

	ttl := mr.TTL("sess:s1")
	assert.Equal(t, time.Hour, ttl)
}

func TestInfoDeleteList(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), DefaultConfig())

	_, err := s.Info(ctx, "ghost")
	assert.ErrorIs(t, err, datatypes.ErrSessionNotFound)

	require.NoError(t, s.Append(ctx, "a", pair(0), 10, time.Hour))
	require.NoError(t, s.Append(ctx, "b", pair(0), 10, time.Hour))

	infos, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, infos, 2)

	require.NoError(t, s.Delete(ctx, "a"))
	msgs, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	infos, err = s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "b", infos[0].SessionKey)
	assert.Equal(t, int64(2), infos[0].MessageCount)
}

func TestRecall_RanksRetainedMessages(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), DefaultConfig())

	turns := []struct {
		q, a string
		emb  []float32
	}{
		{"budget", "plan the budget", []float32{1, 0, 0}},
		{"team", "grow the team", []float32{0, 1, 0}},
		{"hiring", "hire slowly", []float32{0.1, 0.9, 0}},
	}
	for _, tt := range turns {
		require.NoError(t, s.Append(ctx, "s1", []datatypes.Message{
			{Role: datatypes.RoleUser, Content: tt.q, Embedding: tt.emb},
			{Role: datatypes.RoleAssistant, Content: tt.a},
		}, 10, time.Hour))
	}

	matches, err := s.Recall(ctx, "s1", []float32{0, 1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	assert.Equal(t, "team", matches[0].Message.Content)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
	require.NotNil(t, matches[0].Reply)
	assert.Equal(t, "grow the team", matches[0].Reply.Content)
	assert.Nil(t, matches[0].Message.Embedding)
	assert.Equal(t, "hiring", matches[1].Message.Content)
}

func TestRecall_BoundedByWindow(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), DefaultConfig())

	old := datatypes.Message{Role: datatypes.RoleUser, Content: "old", Embedding: []float32{1, 0}}
	require.NoError(t, s.Append(ctx, "s1", []datatypes.Message{old}, 2, time.Hour))
	require.NoError(t, s.Append(ctx, "s1", pair(1), 2, time.Hour))

	matches, err := s.Recall(ctx, "s1", []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, matches, "evicted messages are not recalled")
}
