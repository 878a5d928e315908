// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package archive

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	chatbadger "github.com/AleutianAI/AleutianChat/services/chat/storage/badger"
)

func testTurn() datatypes.ConversationTurn {
	ts := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	return datatypes.ConversationTurn{
		SessionKey: "s1",
		TurnID:     NewTurnID("s1", "nonce-1"),
		User:       datatypes.Message{Role: datatypes.RoleUser, Content: "hello", Timestamp: ts, Embedding: []float32{1, 2}},
		Assistant:  datatypes.Message{Role: datatypes.RoleAssistant, Content: "hi", Timestamp: ts.Add(time.Millisecond), Model: "keyword"},
		Metadata:   map[string]string{datatypes.MetaInstanceID: "node-a"},
	}
}

func TestNewTurnID(t *testing.T) {
	t.Run("idempotency key gives a deterministic id", func(t *testing.T) {
		assert.Equal(t, NewTurnID("s1", "k"), NewTurnID("s1", "k"))
		assert.NotEqual(t, NewTurnID("s1", "k"), NewTurnID("s2", "k"))
		assert.NotEqual(t, NewTurnID("s1", "k"), NewTurnID("s1", "k2"))
	})

	t.Run("no key gives unique v7 ids", func(t *testing.T) {
		a, b := NewTurnID("s1", ""), NewTurnID("s1", "")
		assert.NotEqual(t, a, b)
		parsed, err := uuid.Parse(a)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(7), parsed.Version())
	})

	t.Run("separator prevents ambiguous concatenation", func(t *testing.T) {
		assert.NotEqual(t, NewTurnID("ab", "c"), NewTurnID("a", "bc"))
	})
}

func TestRecordID_DiffersByRole(t *testing.T) {
	turnID := NewTurnID("s1", "k")

	user := RecordID(turnID, datatypes.RoleUser)
	assistant := RecordID(turnID, datatypes.RoleAssistant)

	assert.NotEqual(t, user, assistant)
	assert.Equal(t, user, RecordID(turnID, datatypes.RoleUser))
}

func TestObjectKey_EscapesSessionKey(t *testing.T) {
	rec := datatypes.ArchiveRecord{SessionKey: "team/alpha beta", RecordID: "r1"}

	assert.Equal(t, "conversations/team%2Falpha%20beta/r1.json", ObjectKey(rec))
}

func TestNewRecordAndEncode(t *testing.T) {
	turn := testTurn()

	rec := NewRecord(turn, turn.User)
	assert.Equal(t, RecordID(turn.TurnID, datatypes.RoleUser), rec.RecordID)
	assert.Nil(t, rec.Message.Embedding, "archive copies carry no embedding")

	key, data, meta, err := Encode(rec)
	require.NoError(t, err)
	assert.Equal(t, ObjectKey(rec), key)
	assert.Equal(t, "s1", meta[MetaSessionID])
	assert.Equal(t, turn.TurnID, meta[MetaTurnID])
	assert.Equal(t, "user", meta[MetaRole])
	assert.Equal(t, "2025-05-01T09:30:00Z", meta[MetaTimestamp])
	assert.Equal(t, "node-a", meta[datatypes.MetaInstanceID])

	var decoded datatypes.ArchiveRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "hello", decoded.Message.Content)

	// Metadata is copied, not shared with the turn.
	rec.Metadata["extra"] = "x"
	_, ok := turn.Metadata["extra"]
	assert.False(t, ok)
}

func TestEncode_RejectsIncompleteRecord(t *testing.T) {
	_, _, _, err := Encode(datatypes.ArchiveRecord{SessionKey: "s1"})
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(datatypes.Unavailable("put", assert.AnError)))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(assert.AnError))
	assert.False(t, IsRetryable(context.Canceled))
}

func TestMemoryBackend_PutIsIdempotentByKey(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	require.NoError(t, b.Put(ctx, "k", []byte("first"), nil))
	require.NoError(t, b.Put(ctx, "k", []byte("second"), nil))

	obj, ok := b.Get("k")
	require.True(t, ok)
	assert.Equal(t, "first", string(obj.Data))
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 2, b.Puts())

	b.FailWith(assert.AnError)
	assert.ErrorIs(t, b.Put(ctx, "k2", nil, nil), assert.AnError)
	assert.ErrorIs(t, b.Ping(ctx), assert.AnError)
}

func TestBadgerBackend(t *testing.T) {
	ctx := context.Background()
	db, err := chatbadger.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	b := NewBadgerBackend(db.DB)
	require.NoError(t, b.Ping(ctx))

	meta := map[string]string{MetaRole: "user"}
	require.NoError(t, b.Put(ctx, "conversations/s1/a.json", []byte(`{"a":1}`), meta))
	require.NoError(t, b.Put(ctx, "conversations/s1/a.json", []byte(`{"a":2}`), meta))
	require.NoError(t, b.Put(ctx, "conversations/s2/b.json", []byte(`{"b":1}`), nil))

	obj, err := b.Get("conversations/s1/a.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(obj.Data))
	assert.Equal(t, "user", obj.Meta[MetaRole])

	n, err := b.Count("conversations/s1/")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = b.Count(KeyPrefix)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
