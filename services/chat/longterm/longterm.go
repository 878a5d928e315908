// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package longterm holds the optional long-term stores a turn is copied to.
//
// # Description
//
// Each store is a Sink with a single Insert operation. Sinks are eventually
// consistent side effects of a turn: they are never read on the chat path,
// one sink failing never rolls back or blocks another, and every insert is
// keyed by the turn id so re-delivery does not create duplicates.
//
// # Sinks
//
//   - SQLSink: relational "conversations" table (SQLite or PostgreSQL).
//   - WeaviateSink: ChatTurn objects with the user message embedding as vector.
//   - Neo4jSink: Session-CONTAINS-Question-GENERATES-Answer graph.
//   - InfluxSink: one chat_turn point per turn.
//   - EventSink: turn-recorded events on a watermill publisher.
package longterm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
)

// Sink is one long-term store.
type Sink interface {
	// Name identifies the sink in logs, metrics and health output.
	Name() string

	// Insert stores the turn. It must be idempotent by turn id.
	Insert(ctx context.Context, turn datatypes.ConversationTurn) error
}

// Pinger is implemented by sinks that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Outcome is the result of one sink insert.
type Outcome struct {
	Sink     string
	Err      error
	Duration time.Duration
}

// Fanout inserts a turn into every sink concurrently.
//
// # Thread Safety
//
// Safe for concurrent use.
type Fanout struct {
	sinks   []Sink
	timeout time.Duration
	metrics *observability.ChatMetrics
}

// NewFanout creates a Fanout. timeout bounds each sink's insert; <= 0 uses 5s.
func NewFanout(sinks []Sink, timeout time.Duration, metrics *observability.ChatMetrics) *Fanout {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fanout{sinks: sinks, timeout: timeout, metrics: metrics}
}

// Sinks returns the configured sinks.
func (f *Fanout) Sinks() []Sink {
	return f.sinks
}

// Len returns the number of sinks.
func (f *Fanout) Len() int {
	return len(f.sinks)
}

// Insert runs every sink and returns one Outcome per sink, sorted by name.
// Failures are logged with the session key and turn id.
func (f *Fanout) Insert(ctx context.Context, turn datatypes.ConversationTurn) []Outcome {
	if len(f.sinks) == 0 {
		return nil
	}

	p := pool.NewWithResults[Outcome]().WithMaxGoroutines(len(f.sinks))
	for _, s := range f.sinks {
		p.Go(func() Outcome {
			sinkCtx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()

			start := time.Now()
			err := s.Insert(sinkCtx, turn)
			out := Outcome{Sink: s.Name(), Err: err, Duration: time.Since(start)}

			if err != nil {
				slog.Error("Long-term store insert failed",
					"sink", s.Name(),
					"session_id", turn.SessionKey,
					"turn_id", turn.TurnID,
					"error", err,
				)
				f.metrics.RecordBackendWrite(s.Name(), observability.OutcomeFailure)
			} else {
				f.metrics.RecordBackendWrite(s.Name(), observability.OutcomeSuccess)
			}
			return out
		})
	}

	outcomes := p.Wait()
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Sink < outcomes[j].Sink })
	return outcomes
}

// Ping checks every sink that implements Pinger and returns the error per
// sink name. Sinks without Ping report nil.
func (f *Fanout) Ping(ctx context.Context) map[string]error {
	status := make(map[string]error, len(f.sinks))
	for _, s := range f.sinks {
		var err error
		if p, ok := s.(Pinger); ok {
			pingCtx, cancel := context.WithTimeout(ctx, f.timeout)
			err = p.Ping(pingCtx)
			cancel()
		}
		status[s.Name()] = err
	}
	return status
}

// Close closes every sink that implements io.Closer.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Failed returns the outcomes that carry an error.
func Failed(outcomes []Outcome) []Outcome {
	var failed []Outcome
	for _, o := range outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}
