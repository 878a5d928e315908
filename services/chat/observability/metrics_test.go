// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*ChatMetrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewChatMetrics(reg), reg
}

func TestNewChatMetrics_RegistersAll(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Touch labelled vectors so they are gathered.
	m.RecordTurn("confirmed", 0.1)
	m.RecordBackendWrite(BackendArchive, OutcomeSuccess)
	m.RecordGeneration("keyword", false, 0.01)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"aleutian_chat_turns_total",
		"aleutian_chat_turn_duration_seconds",
		"aleutian_chat_backend_writes_total",
		"aleutian_chat_generation_total",
		"aleutian_chat_generation_duration_seconds",
		"aleutian_chat_duplicate_turns_total",
		"aleutian_chat_session_append_conflicts_total",
		"aleutian_chat_archive_retry_queue_depth",
		"aleutian_chat_archive_permanent_losses_total",
		"aleutian_chat_rate_limited_total",
	} {
		assert.True(t, names[want], "metric %s not registered", want)
	}
}

func TestNewChatMetrics_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewChatMetrics(reg)

	assert.Panics(t, func() { NewChatMetrics(reg) })
}

func TestRecordTurn(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordTurn("confirmed", 0.2)
	m.RecordTurn("confirmed", 0.3)
	m.RecordTurn("failed", 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("failed")))
}

func TestRecordBackendWrite(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordBackendWrite("sql", OutcomeFailure)
	m.RecordBackendWrite(BackendArchive, OutcomeQueued)
	m.RecordBackendWrite(BackendArchive, OutcomeQueued)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendWritesTotal.WithLabelValues("sql", "failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BackendWritesTotal.WithLabelValues("archive", "queued")))
}

func TestRecordGeneration_Fallback(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordGeneration("openai", true, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.GenerationTotal.WithLabelValues("openai", "fallback")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.GenerationTotal.WithLabelValues("openai", "success")))
}

func TestCountersAndGauge(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordDuplicate()
	m.RecordSessionConflict()
	m.RecordSessionConflict()
	m.RecordPermanentLoss()
	m.RecordRateLimited()
	m.SetRetryQueueDepth(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DuplicateTurnsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionAppendConflictsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ArchivePermanentLossesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitedTotal))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.ArchiveRetryQueueDepth))
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *ChatMetrics

	assert.NotPanics(t, func() {
		m.RecordTurn("confirmed", 1)
		m.RecordBackendWrite(BackendSession, OutcomeFailure)
		m.RecordGeneration("keyword", false, 0)
		m.RecordDuplicate()
		m.RecordSessionConflict()
		m.SetRetryQueueDepth(3)
		m.RecordPermanentLoss()
		m.RecordRateLimited()
	})
}
