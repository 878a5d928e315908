// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(99).String())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warning ", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_WritesServiceAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Service: "chatd", JSON: true, Output: &buf})
	require.NoError(t, err)

	logger.Slog().Info("turn recorded", "session_id", "s1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "turn recorded", rec["msg"])
	assert.Equal(t, "chatd", rec["service"])
	assert.Equal(t, "s1", rec["session_id"])
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: LevelWarn, Output: &buf})
	require.NoError(t, err)

	logger.Slog().Info("hidden")
	logger.Slog().Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	day := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	logger, err := New(Config{
		LogDir:  dir,
		Service: "chatd",
		Output:  &buf,
		Now:     func() time.Time { return day },
	})
	require.NoError(t, err)

	logger.Slog().Error("archive write failed", "turn_id", "t1")
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close(), "Close is idempotent")

	path := filepath.Join(dir, "chatd_2025-03-14.log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "archive write failed", rec["msg"])
	assert.Equal(t, "t1", rec["turn_id"])
	assert.Equal(t, "chatd", rec["service"])

	assert.Contains(t, buf.String(), "archive write failed", "stderr gets the record too")
}

func TestNew_QuietWithLogDir(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	logger, err := New(Config{LogDir: dir, Quiet: true, Output: &buf})
	require.NoError(t, err)
	defer logger.Close()

	logger.Slog().Info("only in file")

	assert.Empty(t, buf.String())
	assert.True(t, strings.HasPrefix(filepath.Base(logger.FilePath()), "aleutian_"))
}

func TestNew_LogDirIsAFile(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	_, err := New(Config{LogDir: filepath.Join(blocker, "logs")})
	assert.Error(t, err)
}

func TestLogger_SetDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger, err := New(Config{Output: &buf})
	require.NoError(t, err)
	logger.SetDefault()

	slog.Info("through the default")
	assert.Contains(t, buf.String(), "through the default")
}

func TestLogger_ConcurrentUse(t *testing.T) {
	logger, err := New(Config{LogDir: t.TempDir(), Quiet: true})
	require.NoError(t, err)
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Slog().Info("concurrent", "i", i)
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(logger.FilePath())
	require.NoError(t, err)
	assert.Equal(t, 20, strings.Count(string(data), "\n"))
}

// =============================================================================
// multiHandler Tests
// =============================================================================

type failingHandler struct{ slog.Handler }

func (failingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (failingHandler) Handle(context.Context, slog.Record) error {
	return errors.New("disk full")
}

func TestMultiHandler_OneFailureDoesNotSilenceOthers(t *testing.T) {
	var buf bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		failingHandler{},
		slog.NewTextHandler(&buf, nil),
	}}

	err := h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "hello", 0))

	assert.Error(t, err)
	assert.Contains(t, buf.String(), "hello")
}

func TestMultiHandler_Enabled(t *testing.T) {
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}
	assert.True(t, h.Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "logs"), expandPath("~/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
}
