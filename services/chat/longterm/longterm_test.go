// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package longterm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
)

type fakeSink struct {
	name   string
	err    error
	block  bool
	calls  atomic.Int32
	closed atomic.Bool
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Insert(ctx context.Context, _ datatypes.ConversationTurn) error {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func (f *fakeSink) Ping(context.Context) error { return f.err }

func (f *fakeSink) Close() error {
	f.closed.Store(true)
	return nil
}

func sampleTurn() datatypes.ConversationTurn {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return datatypes.ConversationTurn{
		SessionKey: "s1",
		TurnID:     "turn-1",
		User: datatypes.Message{
			Role: datatypes.RoleUser, Content: "hello", Timestamp: ts,
		},
		Assistant: datatypes.Message{
			Role: datatypes.RoleAssistant, Content: "שלום! hi", Timestamp: ts.Add(time.Millisecond), Model: "keyword",
		},
		Embedding: []float32{0.5, 0.25},
		Metadata: map[string]string{
			datatypes.MetaInstanceID:     "node-a",
			datatypes.MetaTokenCount:     "3",
			datatypes.MetaResponseTimeMs: "12",
			datatypes.MetaUserID:         "u1",
		},
	}
}

func TestFanout_IsolatesFailures(t *testing.T) {
	m := observability.NewChatMetrics(prometheus.NewRegistry())
	good := &fakeSink{name: "sql"}
	bad := &fakeSink{name: "neo4j", err: errors.New("graph down")}
	f := NewFanout([]Sink{good, bad}, time.Second, m)

	outcomes := f.Insert(context.Background(), sampleTurn())

	require.Len(t, outcomes, 2)
	assert.Equal(t, "neo4j", outcomes[0].Sink)
	assert.Error(t, outcomes[0].Err)
	assert.Equal(t, "sql", outcomes[1].Sink)
	assert.NoError(t, outcomes[1].Err)
	assert.EqualValues(t, 1, good.calls.Load())

	failed := Failed(outcomes)
	require.Len(t, failed, 1)
	assert.Equal(t, "neo4j", failed[0].Sink)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendWritesTotal.WithLabelValues("sql", string(observability.OutcomeSuccess))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendWritesTotal.WithLabelValues("neo4j", string(observability.OutcomeFailure))))
}

func TestFanout_TimeoutBoundsSlowSink(t *testing.T) {
	slow := &fakeSink{name: "weaviate", block: true}
	fast := &fakeSink{name: "influx"}
	f := NewFanout([]Sink{slow, fast}, 20*time.Millisecond, nil)

	start := time.Now()
	outcomes := f.Insert(context.Background(), sampleTurn())

	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[0].Err)
	assert.ErrorIs(t, outcomes[1].Err, context.DeadlineExceeded)
}

func TestFanout_NoSinks(t *testing.T) {
	f := NewFanout(nil, 0, nil)
	assert.Nil(t, f.Insert(context.Background(), sampleTurn()))
	assert.Equal(t, 0, f.Len())
	assert.NoError(t, f.Close())
}

func TestFanout_PingAndClose(t *testing.T) {
	a := &fakeSink{name: "a"}
	b := &fakeSink{name: "b", err: errors.New("unreachable")}
	f := NewFanout([]Sink{a, b}, time.Second, nil)

	status := f.Ping(context.Background())
	assert.NoError(t, status["a"])
	assert.Error(t, status["b"])

	require.NoError(t, f.Close())
	assert.True(t, a.closed.Load())
	assert.True(t, b.closed.Load())
}

func TestWeaviateProperties(t *testing.T) {
	turn := sampleTurn()
	props := weaviateProperties(turn)

	assert.Equal(t, "s1", props["session_id"])
	assert.Equal(t, "turn-1", props["turn_id"])
	assert.Equal(t, "hello", props["question"])
	assert.Equal(t, "keyword", props["model"])
	assert.Equal(t, turn.User.Timestamp.UnixMilli(), props["timestamp"])
}

func TestNewWeaviateClient_RejectsBadURL(t *testing.T) {
	_, err := NewWeaviateClient("localhost")
	assert.Error(t, err)
}

func TestNeo4jParams(t *testing.T) {
	params := neo4jParams(sampleTurn())

	assert.Equal(t, "turn-1", params["turn_id"])
	assert.Equal(t, "u1", params["user_id"])
	assert.Equal(t, "hello", params["message"])

	_, err := NewNeo4jSink(Neo4jConfig{})
	assert.Error(t, err)
}
