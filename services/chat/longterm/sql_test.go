// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package longterm

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQL(t *testing.T) *SQLSink {
	t.Helper()
	sink, err := OpenSQLSink(context.Background(), SQLConfig{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "chat.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func TestSQLSink_InsertIsIdempotent(t *testing.T) {
	sink := openTestSQL(t)
	ctx := context.Background()
	turn := sampleTurn()

	require.NoError(t, sink.Insert(ctx, turn))
	require.NoError(t, sink.Insert(ctx, turn))

	n, err := sink.CountSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	turn.TurnID = "turn-2"
	require.NoError(t, sink.Insert(ctx, turn))
	n, err = sink.CountSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = sink.CountSession(ctx, "other")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLSink_StoresColumns(t *testing.T) {
	sink := openTestSQL(t)
	ctx := context.Background()
	require.NoError(t, sink.Insert(ctx, sampleTurn()))

	var (
		message, response, embedding, userID string
		tokens                               int
	)
	err := sink.db.QueryRowContext(ctx,
		`SELECT message, response, embedding, user_id, token_count FROM conversations WHERE turn_id = ?`,
		"turn-1").Scan(&message, &response, &embedding, &userID, &tokens)
	require.NoError(t, err)

	assert.Equal(t, "hello", message)
	assert.Equal(t, "שלום! hi", response)
	assert.Equal(t, "[0.5,0.25]", embedding)
	assert.Equal(t, "u1", userID)
	assert.Equal(t, 3, tokens)
}

func TestSQLSink_MigrationsRerun(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "chat.db")
	ctx := context.Background()

	first, err := OpenSQLSink(ctx, SQLConfig{DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, first.Insert(ctx, sampleTurn()))
	require.NoError(t, first.Close())

	second, err := OpenSQLSink(ctx, SQLConfig{DSN: dsn})
	require.NoError(t, err)
	defer second.Close()

	n, err := second.CountSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, second.Ping(ctx))
}

func TestOpenSQLSink_Rejects(t *testing.T) {
	_, err := OpenSQLSink(context.Background(), SQLConfig{DSN: " "})
	assert.Error(t, err)

	_, err = OpenSQLSink(context.Background(), SQLConfig{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = ?"
	assert.Equal(t, q, rebind(DriverSQLite, q))
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", rebind(DriverPostgres, q))
}
