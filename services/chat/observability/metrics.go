// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the chat service.
//
// # Description
//
// Metrics cover the turn pipeline end to end:
//   - Turn counters by archive status and turn latency
//   - Per-backend write outcomes (session, archive, each long-term sink)
//   - Generation outcomes and latency per generator
//   - Archive retry queue depth and permanent losses
//   - Duplicate submissions, session append conflicts, rate limiting
//
// # Integration
//
// Metrics are registered on the Registerer passed to NewChatMetrics and are
// exposed via /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe. Every Record method is a no-op on a
// nil *ChatMetrics, so components can run without metrics in tests.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for chat metrics
const chatSubsystem = "chat"

// Outcome labels a backend write.
type Outcome string

const (
	// OutcomeSuccess means the write committed.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailure means the write failed and was not retried further.
	OutcomeFailure Outcome = "failure"

	// OutcomeQueued means the write failed and was handed to background retry.
	OutcomeQueued Outcome = "queued"

	// OutcomeRetried means a background retry committed.
	OutcomeRetried Outcome = "retried"
)

// Backend names used as the backend label.
const (
	BackendSession     = "session"
	BackendArchive     = "archive"
	BackendIdempotency = "idempotency"
	BackendHistory     = "user_history"
)

// ChatMetrics holds all Prometheus metrics for the chat service.
type ChatMetrics struct {
	// TurnsTotal counts completed turns.
	// Labels: archive_status (confirmed, pending, failed)
	TurnsTotal *prometheus.CounterVec

	// TurnDurationSeconds measures end-to-end turn latency.
	TurnDurationSeconds prometheus.Histogram

	// BackendWritesTotal counts backend write outcomes.
	// Labels: backend (session, archive, sql, weaviate, ...), outcome
	BackendWritesTotal *prometheus.CounterVec

	// GenerationTotal counts generator calls.
	// Labels: generator, outcome (success, fallback)
	GenerationTotal *prometheus.CounterVec

	// GenerationDurationSeconds measures generator latency.
	// Labels: generator
	GenerationDurationSeconds *prometheus.HistogramVec

	// DuplicateTurnsTotal counts submissions answered from a prior result.
	DuplicateTurnsTotal prometheus.Counter

	// SessionAppendConflictsTotal counts optimistic append conflicts.
	SessionAppendConflictsTotal prometheus.Counter

	// ArchiveRetryQueueDepth is the number of records awaiting retry.
	ArchiveRetryQueueDepth prometheus.Gauge

	// ArchivePermanentLossesTotal counts records whose retries were exhausted.
	ArchivePermanentLossesTotal prometheus.Counter

	// RateLimitedTotal counts rejected requests.
	RateLimitedTotal prometheus.Counter
}

// NewChatMetrics creates and registers the chat metrics on reg.
//
// # Inputs
//
//   - reg: Registry to register on. Use prometheus.NewRegistry() in tests.
//
// # Outputs
//
//   - *ChatMetrics: The registered metrics.
//
// # Limitations
//
//   - Panics if the metrics are already registered on reg.
func NewChatMetrics(reg prometheus.Registerer) *ChatMetrics {
	factory := promauto.With(reg)

	return &ChatMetrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "turns_total",
				Help:      "Total chat turns by archive status",
			},
			[]string{"archive_status"},
		),

		TurnDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "turn_duration_seconds",
				Help:      "End-to-end chat turn duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		BackendWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "backend_writes_total",
				Help:      "Backend write outcomes by backend",
			},
			[]string{"backend", "outcome"},
		),

		GenerationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "generation_total",
				Help:      "Response generation calls by generator and outcome",
			},
			[]string{"generator", "outcome"},
		),

		GenerationDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "generation_duration_seconds",
				Help:      "Response generation latency in seconds",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"generator"},
		),

		DuplicateTurnsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "duplicate_turns_total",
				Help:      "Submissions answered from a previously recorded result",
			},
		),

		SessionAppendConflictsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "session_append_conflicts_total",
				Help:      "Optimistic session append conflicts",
			},
		),

		ArchiveRetryQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "archive_retry_queue_depth",
				Help:      "Archive records waiting for a background retry",
			},
		),

		ArchivePermanentLossesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "archive_permanent_losses_total",
				Help:      "Archive records lost after exhausting retries",
			},
		),

		RateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordTurn records a completed turn.
//
// # Inputs
//
//   - archiveStatus: confirmed, pending or failed.
//   - seconds: Turn duration.
func (m *ChatMetrics) RecordTurn(archiveStatus string, seconds float64) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(archiveStatus).Inc()
	m.TurnDurationSeconds.Observe(seconds)
}

// RecordBackendWrite records one backend write outcome.
func (m *ChatMetrics) RecordBackendWrite(backend string, outcome Outcome) {
	if m == nil {
		return
	}
	m.BackendWritesTotal.WithLabelValues(backend, string(outcome)).Inc()
}

// RecordGeneration records a generator call. fallback is true when the
// fallback text was used instead of the generator's answer.
func (m *ChatMetrics) RecordGeneration(generator string, fallback bool, seconds float64) {
	if m == nil {
		return
	}
	outcome := "success"
	if fallback {
		outcome = "fallback"
	}
	m.GenerationTotal.WithLabelValues(generator, outcome).Inc()
	m.GenerationDurationSeconds.WithLabelValues(generator).Observe(seconds)
}

// RecordDuplicate increments the duplicate turn counter.
func (m *ChatMetrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.DuplicateTurnsTotal.Inc()
}

// RecordSessionConflict increments the session append conflict counter.
func (m *ChatMetrics) RecordSessionConflict() {
	if m == nil {
		return
	}
	m.SessionAppendConflictsTotal.Inc()
}

// SetRetryQueueDepth sets the archive retry queue gauge.
func (m *ChatMetrics) SetRetryQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.ArchiveRetryQueueDepth.Set(float64(depth))
}

// RecordPermanentLoss increments the permanent archive loss counter.
func (m *ChatMetrics) RecordPermanentLoss() {
	if m == nil {
		return
	}
	m.ArchivePermanentLossesTotal.Inc()
}

// RecordRateLimited increments the rate limited counter.
func (m *ChatMetrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}
