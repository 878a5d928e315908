// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) (*LossJournal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive_losses.jsonl")
	j, err := OpenLossJournal(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func TestLossJournal_ChainsEntries(t *testing.T) {
	j, _ := openTestJournal(t)

	first, err := j.Record(testRecord(0), "retries exhausted")
	require.NoError(t, err)
	second, err := j.Record(testRecord(1), "queue full")
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, GenesisHash, first.PrevHash)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, first.EntryHash, second.PrevHash)

	valid, breakIndex, err := j.Verify()
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, int64(-1), breakIndex)
}

func TestLossJournal_ResumesChainOnReopen(t *testing.T) {
	j, path := openTestJournal(t)
	_, err := j.Record(testRecord(0), "lost")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	reopened, err := OpenLossJournal(path)
	require.NoError(t, err)
	defer reopened.Close()

	entry, err := reopened.Record(testRecord(1), "lost")
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Sequence)

	valid, _, err := reopened.Verify()
	require.NoError(t, err)
	assert.True(t, valid)

	entries, err := reopened.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, testRecord(0).RecordID, entries[0].Record.RecordID)
}

func TestLossJournal_DetectsTampering(t *testing.T) {
	j, path := openTestJournal(t)
	for i := 0; i < 3; i++ {
		_, err := j.Record(testRecord(i), "lost")
		require.NoError(t, err)
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	lines[1] = strings.Replace(lines[1], `"content":"hello"`, `"content":"edited"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600))

	valid, breakIndex, err := VerifyLossJournal(path)
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, int64(1), breakIndex)
}

func TestLossJournal_DetectsRemovedEntry(t *testing.T) {
	j, path := openTestJournal(t)
	for i := 0; i < 3; i++ {
		_, err := j.Record(testRecord(i), "lost")
		require.NoError(t, err)
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	kept := []string{lines[0], lines[2]}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(kept, "\n")+"\n"), 0600))

	valid, breakIndex, err := VerifyLossJournal(path)
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, int64(1), breakIndex)
}

func TestLossJournal_FileIsOwnerOnly(t *testing.T) {
	_, path := openTestJournal(t)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLossJournal_RecordAfterClose(t *testing.T) {
	j, _ := openTestJournal(t)
	require.NoError(t, j.Close())

	_, err := j.Record(testRecord(0), "lost")
	assert.Error(t, err)
	assert.NoError(t, j.Close())
}

func TestReadLossJournal_MissingFile(t *testing.T) {
	entries, err := ReadLossJournal(filepath.Join(t.TempDir(), "absent.jsonl"))

	require.NoError(t, err)
	assert.Empty(t, entries)
}
