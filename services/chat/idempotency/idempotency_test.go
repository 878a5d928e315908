// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/kv"
)

func sampleResponse() datatypes.TurnResponse {
	return datatypes.TurnResponse{
		ResponseText:  "hi",
		SessionKey:    "s1",
		TurnID:        "turn-1",
		TurnTimestamp: time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC),
		ArchiveStatus: datatypes.ArchiveConfirmed,
		TokenCount:    1,
	}
}

func TestClaim_ReserveThenDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), DefaultConfig())

	first, err := s.Claim(ctx, "s1", "k1")
	require.NoError(t, err)
	assert.Equal(t, Reserved, first.Outcome)
	assert.NotEmpty(t, first.Token)

	second, err := s.Claim(ctx, "s1", "k1")
	require.NoError(t, err)
	assert.Equal(t, InFlight, second.Outcome)

	require.NoError(t, s.Complete(ctx, "s1", "k1", first.Token, sampleResponse()))

	third, err := s.Claim(ctx, "s1", "k1")
	require.NoError(t, err)
	assert.Equal(t, Completed, third.Outcome)
	assert.Equal(t, sampleResponse().TurnTimestamp, third.Response.TurnTimestamp)
	assert.Equal(t, "turn-1", third.Response.TurnID)
}

func TestClaim_KeysAreSessionScoped(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), DefaultConfig())

	a, err := s.Claim(ctx, "s1", "k")
	require.NoError(t, err)
	b, err := s.Claim(ctx, "s2", "k")
	require.NoError(t, err)

	assert.Equal(t, Reserved, a.Outcome)
	assert.Equal(t, Reserved, b.Outcome)
	assert.Equal(t, "idem:s1:k", s.Key("s1", "k"))
}

func TestKey_ColonsDoNotCollide(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), DefaultConfig())

	assert.NotEqual(t, s.Key("a:b", "c"), s.Key("a", "b:c"))

	first, err := s.Claim(ctx, "a:b", "c")
	require.NoError(t, err)
	second, err := s.Claim(ctx, "a", "b:c")
	require.NoError(t, err)
	assert.Equal(t, Reserved, first.Outcome)
	assert.Equal(t, Reserved, second.Outcome)
}

func TestClaim_ConcurrentClaimsReserveOnce(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), DefaultConfig())

	var reserved atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.Claim(ctx, "s1", "same")
			if assert.NoError(t, err) && c.Outcome == Reserved {
				reserved.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), reserved.Load())
}

func TestClaim_ExpiredReservationIsFree(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	backend := kv.NewMemory(kv.WithClock(func() time.Time { return now }))
	s := NewStore(backend, Config{PendingTTL: 30 * time.Second})

	c, err := s.Claim(ctx, "s1", "k")
	require.NoError(t, err)
	require.Equal(t, Reserved, c.Outcome)

	now = now.Add(31 * time.Second)

	c, err = s.Claim(ctx, "s1", "k")
	require.NoError(t, err)
	assert.Equal(t, Reserved, c.Outcome)
}

func TestAwait_ReturnsResultOnceCompleted(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), Config{Wait: 2 * time.Second})

	owner, err := s.Claim(ctx, "s1", "k")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = s.Complete(ctx, "s1", "k", owner.Token, sampleResponse())
	}()

	c, err := s.Await(ctx, "s1", "k")
	require.NoError(t, err)
	assert.Equal(t, Completed, c.Outcome)
	assert.Equal(t, "hi", c.Response.ResponseText)
}

func TestAwait_GivesUpWhileInFlight(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), Config{Wait: 100 * time.Millisecond})

	_, err := s.Claim(ctx, "s1", "k")
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Await(ctx, "s1", "k")

	assert.ErrorIs(t, err, datatypes.ErrTurnInProgress)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRelease_FreesKey(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), DefaultConfig())

	owner, err := s.Claim(ctx, "s1", "k")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "s1", "k", owner.Token))

	c, err := s.Claim(ctx, "s1", "k")
	require.NoError(t, err)
	assert.Equal(t, Reserved, c.Outcome)
}

func TestRelease_LeavesForeignReservation(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), DefaultConfig())

	_, err := s.Claim(ctx, "s1", "k")
	require.NoError(t, err)

	err = s.Release(ctx, "s1", "k", "someone-else")
	assert.ErrorIs(t, err, ErrNotOwner)

	c, err := s.Claim(ctx, "s1", "k")
	require.NoError(t, err)
	assert.Equal(t, InFlight, c.Outcome)
}

func TestHold_KeepsReservationPastPendingTTL(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), Config{PendingTTL: 60 * time.Millisecond})

	owner, err := s.Claim(ctx, "s1", "k")
	require.NoError(t, err)
	stop := s.Hold(ctx, "s1", "k", owner.Token)

	time.Sleep(200 * time.Millisecond)
	c, err := s.Claim(ctx, "s1", "k")
	require.NoError(t, err)
	assert.Equal(t, InFlight, c.Outcome, "held reservation must not expire")

	stop()
	stop()
	time.Sleep(150 * time.Millisecond)
	c, err = s.Claim(ctx, "s1", "k")
	require.NoError(t, err)
	assert.Equal(t, Reserved, c.Outcome, "reservation expires once no longer held")
}

func TestComplete_RefusesTakenOverKey(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	backend := kv.NewMemory(kv.WithClock(func() time.Time { return now }))
	s := NewStore(backend, Config{PendingTTL: 30 * time.Second})

	stale, err := s.Claim(ctx, "s1", "k")
	require.NoError(t, err)
	now = now.Add(31 * time.Second)
	fresh, err := s.Claim(ctx, "s1", "k")
	require.NoError(t, err)
	require.Equal(t, Reserved, fresh.Outcome)

	err = s.Complete(ctx, "s1", "k", stale.Token, sampleResponse())
	assert.ErrorIs(t, err, ErrNotOwner)

	resp := sampleResponse()
	resp.TurnID = "turn-2"
	require.NoError(t, s.Complete(ctx, "s1", "k", fresh.Token, resp))

	c, err := s.Claim(ctx, "s1", "k")
	require.NoError(t, err)
	assert.Equal(t, Completed, c.Outcome)
	assert.Equal(t, "turn-2", c.Response.TurnID)
}

func TestComplete_AfterUnclaimedExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	backend := kv.NewMemory(kv.WithClock(func() time.Time { return now }))
	s := NewStore(backend, Config{PendingTTL: 30 * time.Second})

	owner, err := s.Claim(ctx, "s1", "k")
	require.NoError(t, err)
	now = now.Add(31 * time.Second)

	require.NoError(t, s.Complete(ctx, "s1", "k", owner.Token, sampleResponse()))
	c, err := s.Claim(ctx, "s1", "k")
	require.NoError(t, err)
	assert.Equal(t, Completed, c.Outcome)
}

func TestStore_OverRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	backend := kv.OpenRedis(kv.RedisConfig{Addr: mr.Addr()})
	defer backend.Close()
	s := NewStore(backend, DefaultConfig())

	c, err := s.Claim(ctx, "s1", "k")
	require.NoError(t, err)
	assert.Equal(t, Reserved, c.Outcome)
	assert.Equal(t, 30*time.Second, mr.TTL("idem:s1:k"))

	require.NoError(t, s.Complete(ctx, "s1", "k", c.Token, sampleResponse()))
	assert.Equal(t, 24*time.Hour, mr.TTL("idem:s1:k"))

	c, err = s.Claim(ctx, "s1", "k")
	require.NoError(t, err)
	assert.Equal(t, Completed, c.Outcome)

	mr.Close()
	_, err = s.Claim(ctx, "s1", "other")
	assert.ErrorIs(t, err, datatypes.ErrStorageUnavailable)
}
