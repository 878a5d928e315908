// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recorder records a completed chat turn across the archive, the
// session store and the long-term sinks.
//
// # Description
//
// The archive is the durability-critical path and decides the turn's
// ArchiveStatus. The session update and the long-term inserts are
// independent side effects: their failures mark the turn degraded but
// never fail it, since the user already has the answer. The per-user
// history index is weaker still: its failures are only logged.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianChat/services/chat/archive"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/history"
	"github.com/AleutianAI/AleutianChat/services/chat/longterm"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
)

var tracer = otel.Tracer("aleutian.chat.recorder")

// Archiver is the part of archive.Writer the recorder needs.
type Archiver interface {
	Write(ctx context.Context, rec datatypes.ArchiveRecord) error
	Retry(rec datatypes.ArchiveRecord) error
	Lose(rec datatypes.ArchiveRecord, cause error)
}

// SessionAppender is the part of session.Store the recorder needs.
type SessionAppender interface {
	Append(ctx context.Context, sessionKey string, msgs []datatypes.Message, maxLen int, ttl time.Duration) error
}

// HistoryAdder is the part of history.Store the recorder needs.
type HistoryAdder interface {
	Add(ctx context.Context, userID string, e history.Entry) error
}

// LongTerm is the part of longterm.Fanout the recorder needs.
type LongTerm interface {
	Insert(ctx context.Context, turn datatypes.ConversationTurn) []longterm.Outcome
	Len() int
}

// Config holds recorder settings.
//
// # Fields
//
//   - SessionMaxLen: Session window in messages. <= 0 uses the store default.
//   - SessionTTL: Session idle TTL. <= 0 uses the store default.
//   - SessionTimeout: Bound on the session append. Default: 3s.
//   - LongTermSync: Await long-term inserts and fold failures into Degraded.
type Config struct {
	SessionMaxLen  int           `mapstructure:"session_max_len" yaml:"session_max_len"`
	SessionTTL     time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	SessionTimeout time.Duration `mapstructure:"session_timeout" yaml:"session_timeout"`
	LongTermSync   bool          `mapstructure:"long_term_sync" yaml:"long_term_sync"`
}

// Result is the outcome of Record.
type Result struct {
	// Turn is the recorded turn with its timestamps set.
	Turn datatypes.ConversationTurn

	// ArchiveStatus aggregates the two archive records.
	ArchiveStatus datatypes.ArchiveStatus

	// SessionErr is the session append error, if any.
	SessionErr error

	// SinkFailures lists failed long-term inserts. Only set with LongTermSync.
	SinkFailures []longterm.Outcome

	// Degraded is true when the session append or an awaited sink failed.
	Degraded bool
}

// Recorder records turns.
//
// # Thread Safety
//
// Safe for concurrent use. No lock is held across a backend call.
type Recorder struct {
	archive  Archiver
	sessions SessionAppender
	longTerm LongTerm
	history  HistoryAdder
	cfg      Config
	clock    *Clock
	metrics  *observability.ChatMetrics

	mu      sync.Mutex
	closed  bool
	pending conc.WaitGroup
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLongTerm sets the long-term sinks.
func WithLongTerm(lt LongTerm) Option {
	return func(r *Recorder) { r.longTerm = lt }
}

// WithHistory indexes turns of authenticated users in h.
func WithHistory(h HistoryAdder) Option {
	return func(r *Recorder) { r.history = h }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.ChatMetrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithClock sets the timestamp source.
func WithClock(c *Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

// New creates a Recorder.
func New(a Archiver, s SessionAppender, cfg Config, opts ...Option) *Recorder {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 3 * time.Second
	}
	r := &Recorder{
		archive:  a,
		sessions: s,
		cfg:      cfg,
		clock:    NewClock(nil),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Clock returns the recorder's timestamp source.
func (r *Recorder) Clock() *Clock {
	return r.clock
}

// Record stamps and records turn.
//
// # Description
//
// Timestamps are assigned here. The archive pair and the session append
// run concurrently, each with its own bound. A failed inline archive write
// is handed to the background retry queue; a record that can be neither
// written nor queued is journaled as lost. Long-term inserts run detached
// unless LongTermSync is set.
//
// # Inputs
//
//   - ctx: Request context. Cancelling it never cancels a queued retry or a
//     detached sink insert.
//   - turn: SessionKey, TurnID and the message contents must be set.
//
// # Outputs
//
//   - Result: Never an error; every failure is reflected in the result.
func (r *Recorder) Record(ctx context.Context, turn datatypes.ConversationTurn) Result {
	ctx, span := tracer.Start(ctx, "ConversationRecorder.Record")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", turn.SessionKey),
		attribute.String("turn.id", turn.TurnID),
	)

	turn.User.Role = datatypes.RoleUser
	turn.Assistant.Role = datatypes.RoleAssistant
	turn.User.Timestamp, turn.Assistant.Timestamp = r.clock.Pair()
	turn.User.Embedding = turn.Embedding
	turn.Assistant.Embedding = nil

	res := Result{Turn: turn}

	var wg conc.WaitGroup
	wg.Go(func() {
		res.ArchiveStatus = r.recordArchive(ctx, turn)
	})
	wg.Go(func() {
		res.SessionErr = r.recordSession(ctx, turn)
	})
	if userID := turn.Metadata[datatypes.MetaUserID]; r.history != nil && userID != "" {
		wg.Go(func() {
			r.recordHistory(ctx, userID, turn)
		})
	}
	wg.Wait()

	if res.SessionErr != nil {
		res.Degraded = true
	}

	if r.longTerm != nil && r.longTerm.Len() > 0 {
		if r.cfg.LongTermSync {
			res.SinkFailures = longterm.Failed(r.longTerm.Insert(ctx, turn))
			if len(res.SinkFailures) > 0 {
				res.Degraded = true
			}
		} else {
			r.detach(ctx, turn)
		}
	}

	span.SetAttributes(
		attribute.String("archive.status", string(res.ArchiveStatus)),
		attribute.Bool("turn.degraded", res.Degraded),
	)
	if res.ArchiveStatus == datatypes.ArchiveFailed {
		span.SetStatus(codes.Error, "archive failed")
	}
	return res
}

// recordArchive writes the user then the assistant record. Once one write
// fails with a retryable error the rest go straight to the retry queue, so
// a down backend costs at most one inline timeout.
func (r *Recorder) recordArchive(ctx context.Context, turn datatypes.ConversationTurn) datatypes.ArchiveStatus {
	records := []datatypes.ArchiveRecord{
		archive.NewRecord(turn, turn.User),
		archive.NewRecord(turn, turn.Assistant),
	}

	status := datatypes.ArchiveConfirmed
	var inlineErr error
	for _, rec := range records {
		err := inlineErr
		if err == nil {
			err = r.archive.Write(ctx, rec)
			if err == nil {
				continue
			}
			if !archive.IsRetryable(err) && !errors.Is(err, context.Canceled) {
				r.archive.Lose(rec, err)
				status = datatypes.ArchiveFailed
				continue
			}
			inlineErr = err
		}

		if qerr := r.archive.Retry(rec); qerr != nil {
			slog.Error("Archive record could not be queued for retry",
				"session_id", rec.SessionKey,
				"turn_id", rec.TurnID,
				"record_id", rec.RecordID,
				"error", qerr,
			)
			r.archive.Lose(rec, fmt.Errorf("%w (queue: %w)", err, qerr))
			status = datatypes.ArchiveFailed
			continue
		}
		slog.Warn("Archive write queued for background retry",
			"session_id", rec.SessionKey,
			"turn_id", rec.TurnID,
			"record_id", rec.RecordID,
			"error", err,
		)
		if status == datatypes.ArchiveConfirmed {
			status = datatypes.ArchivePending
		}
	}
	return status
}

func (r *Recorder) recordSession(ctx context.Context, turn datatypes.ConversationTurn) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SessionTimeout)
	defer cancel()

	msgs := []datatypes.Message{turn.User, turn.Assistant}
	err := r.sessions.Append(ctx, turn.SessionKey, msgs, r.cfg.SessionMaxLen, r.cfg.SessionTTL)
	if err != nil {
		slog.Error("Session update failed",
			"session_id", turn.SessionKey,
			"turn_id", turn.TurnID,
			"error", err,
		)
		r.metrics.RecordBackendWrite(observability.BackendSession, observability.OutcomeFailure)
		return err
	}
	r.metrics.RecordBackendWrite(observability.BackendSession, observability.OutcomeSuccess)
	return nil
}

func (r *Recorder) recordHistory(ctx context.Context, userID string, turn datatypes.ConversationTurn) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SessionTimeout)
	defer cancel()

	if err := r.history.Add(ctx, userID, history.EntryFromTurn(turn)); err != nil {
		slog.Warn("User history update failed",
			"user_id", userID,
			"session_id", turn.SessionKey,
			"turn_id", turn.TurnID,
			"error", err,
		)
		r.metrics.RecordBackendWrite(observability.BackendHistory, observability.OutcomeFailure)
		return
	}
	r.metrics.RecordBackendWrite(observability.BackendHistory, observability.OutcomeSuccess)
}

// detach runs the long-term inserts in the background, detached from the
// request's cancellation.
func (r *Recorder) detach(ctx context.Context, turn datatypes.ConversationTurn) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		slog.Warn("Recorder closed, skipping long-term stores",
			"session_id", turn.SessionKey, "turn_id", turn.TurnID)
		return
	}
	defer r.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	r.pending.Go(func() {
		r.longTerm.Insert(detached, turn)
	})
}

// Wait blocks until every detached long-term insert has finished. It must
// not race with Record; use Close on shutdown.
func (r *Recorder) Wait() {
	r.pending.Wait()
}

// Close stops detaching new inserts and waits for running ones until ctx ends.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("long-term inserts still running: %w", ctx.Err())
	}
}
