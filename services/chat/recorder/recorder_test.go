// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package recorder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/chat/archive"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/history"
	"github.com/AleutianAI/AleutianChat/services/chat/kv"
	"github.com/AleutianAI/AleutianChat/services/chat/longterm"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
	"github.com/AleutianAI/AleutianChat/services/chat/session"
)

type lossLog struct {
	mu      sync.Mutex
	records []datatypes.ArchiveRecord
}

func (l *lossLog) Record(rec datatypes.ArchiveRecord, reason string) (archive.LossEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return archive.LossEntry{Sequence: int64(len(l.records)), Reason: reason, Record: rec}, nil
}

func (l *lossLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

type failingSessions struct{}

func (failingSessions) Append(context.Context, string, []datatypes.Message, int, time.Duration) error {
	return datatypes.Unavailable("session append", errors.New("connection refused"))
}

type countingLongTerm struct {
	calls atomic.Int32
	err   error
	gate  chan struct{}
}

func (c *countingLongTerm) Insert(ctx context.Context, turn datatypes.ConversationTurn) []longterm.Outcome {
	if c.gate != nil {
		<-c.gate
	}
	c.calls.Add(1)
	return []longterm.Outcome{{Sink: "sql", Err: c.err}}
}

func (c *countingLongTerm) Len() int { return 1 }

type fixture struct {
	backend  *archive.MemoryBackend
	writer   *archive.Writer
	losses   *lossLog
	sessions *session.Store
	metrics  *observability.ChatMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		backend: archive.NewMemoryBackend(),
		losses:  &lossLog{},
		metrics: observability.NewChatMetrics(prometheus.NewRegistry()),
	}
	f.writer = archive.NewWriter(f.backend, archive.Config{
		Timeout:         200 * time.Millisecond,
		MaxRetries:      50,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		QueueSize:       16,
		Workers:         2,
	}, archive.WithLossRecorder(f.losses))
	t.Cleanup(func() { _ = f.writer.Close(context.Background()) })
	f.sessions = session.NewStore(kv.NewMemory(), session.DefaultConfig())
	return f
}

func (f *fixture) recorder(opts ...Option) *Recorder {
	opts = append([]Option{WithMetrics(f.metrics)}, opts...)
	return New(f.writer, f.sessions, Config{SessionMaxLen: 20}, opts...)
}

func newTurn(session, turnID, msg string) datatypes.ConversationTurn {
	return datatypes.ConversationTurn{
		SessionKey: session,
		TurnID:     turnID,
		User:       datatypes.Message{Content: msg},
		Assistant:  datatypes.Message{Content: "reply to " + msg, Model: "keyword"},
		Embedding:  []float32{1, 0},
		Metadata:   map[string]string{datatypes.MetaInstanceID: "node-a"},
	}
}

func TestRecord_Confirmed(t *testing.T) {
	f := newFixture(t)
	r := f.recorder()
	ctx := context.Background()

	res := r.Record(ctx, newTurn("s1", "t1", "hello"))

	assert.Equal(t, datatypes.ArchiveConfirmed, res.ArchiveStatus)
	assert.False(t, res.Degraded)
	assert.NoError(t, res.SessionErr)
	assert.True(t, res.Turn.Assistant.Timestamp.After(res.Turn.User.Timestamp))
	assert.Equal(t, 2, f.backend.Len())

	msgs, err := f.sessions.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, datatypes.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, []float32{1, 0}, msgs[0].Embedding)
	assert.Equal(t, datatypes.RoleAssistant, msgs[1].Role)
	assert.Nil(t, msgs[1].Embedding)

	assert.Equal(t, 1.0, testutil.ToFloat64(
		f.metrics.BackendWritesTotal.WithLabelValues(observability.BackendSession, string(observability.OutcomeSuccess))))
}

func TestRecord_SameTurnIDArchivesOnce(t *testing.T) {
	f := newFixture(t)
	r := f.recorder()

	r.Record(context.Background(), newTurn("s1", "t1", "hello"))
	r.Record(context.Background(), newTurn("s1", "t1", "hello"))

	assert.Equal(t, 2, f.backend.Len())
}

func TestRecord_PermanentArchiveErrorFails(t *testing.T) {
	f := newFixture(t)
	f.backend.FailWith(errors.New("access denied"))
	r := f.recorder()

	start := time.Now()
	res := r.Record(context.Background(), newTurn("s1", "t1", "hello"))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, datatypes.ArchiveFailed, res.ArchiveStatus)
	assert.Equal(t, 2, f.losses.len())

	// The session is an independent domain and still gets the turn.
	msgs, err := f.sessions.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestRecord_TransientArchiveErrorIsPending(t *testing.T) {
	f := newFixture(t)
	f.backend.FailWith(datatypes.Unavailable("put", errors.New("connection reset")))
	r := f.recorder()

	res := r.Record(context.Background(), newTurn("s1", "t1", "hello"))
	assert.Equal(t, datatypes.ArchivePending, res.ArchiveStatus)

	f.backend.FailWith(nil)
	require.NoError(t, f.writer.Close(context.Background()))
	assert.Equal(t, 2, f.backend.Len())
	assert.Zero(t, f.losses.len())
}

func TestRecord_ClosedWriterFails(t *testing.T) {
	f := newFixture(t)
	f.backend.FailWith(datatypes.Unavailable("put", errors.New("connection reset")))
	require.NoError(t, f.writer.Close(context.Background()))
	r := f.recorder()

	res := r.Record(context.Background(), newTurn("s1", "t1", "hello"))

	assert.Equal(t, datatypes.ArchiveFailed, res.ArchiveStatus)
	assert.Equal(t, 2, f.losses.len())
}

func TestRecord_CancelledRequestStillQueues(t *testing.T) {
	f := newFixture(t)
	r := f.recorder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := r.Record(ctx, newTurn("s1", "t1", "hello"))

	assert.Equal(t, datatypes.ArchivePending, res.ArchiveStatus)
	require.NoError(t, f.writer.Close(context.Background()))
	assert.Equal(t, 2, f.backend.Len())
}

func TestRecord_SessionFailureDegrades(t *testing.T) {
	f := newFixture(t)
	r := New(f.writer, failingSessions{}, Config{}, WithMetrics(f.metrics))

	res := r.Record(context.Background(), newTurn("s1", "t1", "hello"))

	assert.Equal(t, datatypes.ArchiveConfirmed, res.ArchiveStatus)
	assert.True(t, res.Degraded)
	assert.ErrorIs(t, res.SessionErr, datatypes.ErrStorageUnavailable)
	assert.Equal(t, 2, f.backend.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(
		f.metrics.BackendWritesTotal.WithLabelValues(observability.BackendSession, string(observability.OutcomeFailure))))
}

func TestRecord_LongTermDetached(t *testing.T) {
	f := newFixture(t)
	lt := &countingLongTerm{gate: make(chan struct{}), err: errors.New("sink down")}
	r := f.recorder(WithLongTerm(lt))

	res := r.Record(context.Background(), newTurn("s1", "t1", "hello"))
	assert.False(t, res.Degraded, "detached sink failures do not degrade")
	assert.Zero(t, lt.calls.Load())

	close(lt.gate)
	require.NoError(t, r.Close(context.Background()))
	assert.EqualValues(t, 1, lt.calls.Load())

	r.Record(context.Background(), newTurn("s1", "t2", "again"))
	assert.EqualValues(t, 1, lt.calls.Load(), "closed recorder skips sinks")
}

func TestRecord_LongTermSyncDegrades(t *testing.T) {
	f := newFixture(t)
	lt := &countingLongTerm{err: errors.New("sink down")}
	r := New(f.writer, f.sessions, Config{LongTermSync: true}, WithLongTerm(lt))

	res := r.Record(context.Background(), newTurn("s1", "t1", "hello"))

	assert.True(t, res.Degraded)
	require.Len(t, res.SinkFailures, 1)
	assert.Equal(t, "sql", res.SinkFailures[0].Sink)
}

func TestRecord_CloseTimesOut(t *testing.T) {
	f := newFixture(t)
	lt := &countingLongTerm{gate: make(chan struct{})}
	r := f.recorder(WithLongTerm(lt))
	r.Record(context.Background(), newTurn("s1", "t1", "hello"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)
	close(lt.gate)
	r.Wait()
}

func TestClock_StrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClock(func() time.Time { return fixed })

	u, a := c.Pair()
	next := c.Now()

	assert.True(t, a.After(u))
	assert.True(t, next.After(a))
	assert.Equal(t, fixed, u)
}

type failingHistory struct{}

func (failingHistory) Add(context.Context, string, history.Entry) error {
	return datatypes.Unavailable("history add", errors.New("connection refused"))
}

func TestRecord_IndexesUserHistory(t *testing.T) {
	f := newFixture(t)
	users := history.NewStore(kv.NewMemory(), history.DefaultConfig())
	r := f.recorder(WithHistory(users))
	ctx := context.Background()

	turn := newTurn("s1", "t1", "hello")
	turn.Metadata[datatypes.MetaUserID] = "app"
	res := r.Record(ctx, turn)
	r.Record(ctx, newTurn("s2", "t2", "anonymous"))

	entries, err := users.List(ctx, "app", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].TurnID)
	assert.Equal(t, "hello", entries[0].Message)
	assert.Equal(t, "reply to hello", entries[0].Response)
	assert.True(t, res.Turn.User.Timestamp.Equal(entries[0].Timestamp))
}

func TestRecord_HistoryFailureDoesNotDegrade(t *testing.T) {
	f := newFixture(t)
	r := f.recorder(WithHistory(failingHistory{}))

	turn := newTurn("s1", "t1", "hello")
	turn.Metadata[datatypes.MetaUserID] = "app"
	res := r.Record(context.Background(), turn)

	assert.Equal(t, datatypes.ArchiveConfirmed, res.ArchiveStatus)
	assert.False(t, res.Degraded)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		f.metrics.BackendWritesTotal.WithLabelValues(observability.BackendHistory, string(observability.OutcomeFailure))))
}
