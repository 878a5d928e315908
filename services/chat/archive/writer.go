// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
)

var tracer = otel.Tracer("aleutian.chat.archive")

var (
	// ErrQueueFull is returned by Retry when the background queue is full.
	ErrQueueFull = errors.New("archive retry queue full")

	// ErrWriterClosed is returned by Retry after Close.
	ErrWriterClosed = errors.New("archive writer closed")
)

// Config holds ArchiveWriter settings.
//
// # Fields
//
//   - Timeout: Bound on one Put attempt. Default: 3s.
//   - MaxRetries: Background attempts per record before it is a permanent loss. Default: 6.
//   - InitialInterval / MaxInterval: Exponential backoff between attempts. Default: 250ms / 30s.
//   - QueueSize: Records that may wait for a background retry. Default: 1024.
//   - Workers: Concurrent background retry workers. Default: 4.
type Config struct {
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	QueueSize       int           `mapstructure:"queue_size" yaml:"queue_size"`
	Workers         int           `mapstructure:"workers" yaml:"workers"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         3 * time.Second,
		MaxRetries:      6,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		QueueSize:       1024,
		Workers:         4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	return c
}

// Writer is the ArchiveWriter.
//
// # Description
//
// Write makes one bounded attempt on the caller's context. Retry hands a
// record to a fixed pool of background workers that run on a context owned
// by the Writer, so request cancellation never reaches a queued record.
// Workers retry transient failures with exponential backoff; a record that
// exhausts MaxRetries, or fails permanently, is logged with its session and
// turn id, counted, and appended to the loss journal.
//
// # Thread Safety
//
// Safe for concurrent use.
type Writer struct {
	backend Backend
	cfg     Config
	losses  LossRecorder
	metrics *observability.ChatMetrics

	queue   chan datatypes.ArchiveRecord
	mu      sync.RWMutex
	closed  bool
	workers conc.WaitGroup

	workCtx   context.Context
	abort     context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Writer.
type Option func(*Writer)

// WithLossRecorder journals permanently lost records.
func WithLossRecorder(r LossRecorder) Option {
	return func(w *Writer) { w.losses = r }
}

// WithMetrics records write outcomes and queue depth on m.
func WithMetrics(m *observability.ChatMetrics) Option {
	return func(w *Writer) { w.metrics = m }
}

// NewWriter creates a Writer over backend and starts its retry workers.
// Call Close to drain them.
func NewWriter(backend Backend, cfg Config, opts ...Option) *Writer {
	cfg = cfg.withDefaults()
	workCtx, abort := context.WithCancel(context.Background())
	w := &Writer{
		backend: backend,
		cfg:     cfg,
		queue:   make(chan datatypes.ArchiveRecord, cfg.QueueSize),
		workCtx: workCtx,
		abort:   abort,
	}
	for _, opt := range opts {
		opt(w)
	}
	for i := 0; i < cfg.Workers; i++ {
		w.workers.Go(w.work)
	}
	return w
}

// Backend returns the underlying blob backend.
func (w *Writer) Backend() Backend {
	return w.backend
}

// Write makes one attempt to store rec, bounded by Config.Timeout.
//
// # Outputs
//
//   - error: nil once the record is durable. IsRetryable reports whether a
//     background retry could still succeed.
func (w *Writer) Write(ctx context.Context, rec datatypes.ArchiveRecord) error {
	ctx, span := tracer.Start(ctx, "ArchiveWriter.Write")
	defer span.End()
	span.SetAttributes(
		attribute.String("archive.backend", w.backend.Name()),
		attribute.String("archive.record_id", rec.RecordID),
		attribute.String("turn.id", rec.TurnID),
	)

	key, data, meta, err := Encode(rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	if err := w.backend.Put(ctx, key, data, meta); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, datatypes.ErrStorageUnavailable) {
			err = datatypes.Unavailable("archive put timed out", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.metrics.RecordBackendWrite(observability.BackendArchive, observability.OutcomeFailure)
		return err
	}
	w.metrics.RecordBackendWrite(observability.BackendArchive, observability.OutcomeSuccess)
	return nil
}

// Retry queues rec for background retry without blocking.
//
// # Outputs
//
//   - error: ErrQueueFull or ErrWriterClosed if the record was not accepted.
func (w *Writer) Retry(rec datatypes.ArchiveRecord) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.queue <- rec:
		w.metrics.RecordBackendWrite(observability.BackendArchive, observability.OutcomeQueued)
		w.metrics.SetRetryQueueDepth(len(w.queue))
		return nil
	default:
		return ErrQueueFull
	}
}

// WriteWithRetry writes rec, retrying transient failures with backoff up to
// Config.MaxRetries attempts. It blocks until success, exhaustion or ctx end.
func (w *Writer) WriteWithRetry(ctx context.Context, rec datatypes.ArchiveRecord) error {
	op := func() (struct{}, error) {
		err := w.Write(ctx, rec)
		if err == nil {
			return struct{}{}, nil
		}
		if !IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialInterval
	b.MaxInterval = w.cfg.MaxInterval

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(w.cfg.MaxRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("Archive write failed, retrying",
				"session_id", rec.SessionKey,
				"turn_id", rec.TurnID,
				"record_id", rec.RecordID,
				"next_attempt_in", next,
				"error", err,
			)
		}),
	)
	return err
}

// Pending returns the number of queued records.
func (w *Writer) Pending() int {
	return len(w.queue)
}

// Ping checks the backend within Config.Timeout.
func (w *Writer) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	return w.backend.Ping(ctx)
}

// Close stops accepting records and drains the queue.
//
// # Description
//
// Workers keep retrying queued records until the queue is empty or ctx
// ends. When ctx ends first the in-flight attempts are aborted and every
// record still queued is recorded as a permanent loss. Close is idempotent.
func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()

		done := make(chan struct{})
		go func() {
			w.workers.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			w.abort()
			<-done
			w.closeErr = fmt.Errorf("archive drain interrupted: %w", ctx.Err())
		}
		w.abort()
		w.metrics.SetRetryQueueDepth(0)
	})
	return w.closeErr
}

func (w *Writer) work() {
	for rec := range w.queue {
		w.metrics.SetRetryQueueDepth(len(w.queue))

		err := w.WriteWithRetry(w.workCtx, rec)
		if err == nil {
			w.metrics.RecordBackendWrite(observability.BackendArchive, observability.OutcomeRetried)
			slog.Info("Archive record written after retry",
				"session_id", rec.SessionKey,
				"turn_id", rec.TurnID,
				"record_id", rec.RecordID,
			)
			continue
		}
		w.lose(rec, err)
	}
}

// lose reports rec as permanently lost.
func (w *Writer) lose(rec datatypes.ArchiveRecord, cause error) {
	slog.Error("Archive record permanently lost",
		"session_id", rec.SessionKey,
		"turn_id", rec.TurnID,
		"record_id", rec.RecordID,
		"error", cause,
	)
	w.metrics.RecordPermanentLoss()
	if w.losses == nil {
		return
	}
	if _, err := w.losses.Record(rec, cause.Error()); err != nil {
		slog.Error("Failed to journal lost archive record",
			"session_id", rec.SessionKey,
			"turn_id", rec.TurnID,
			"record_id", rec.RecordID,
			"error", err,
		)
	}
}

// Lose records rec as a permanent loss without attempting it. Used when a
// record could neither be written nor queued.
func (w *Writer) Lose(rec datatypes.ArchiveRecord, cause error) {
	w.lose(rec, cause)
}
