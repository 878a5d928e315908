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
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// GenesisHash is the PrevHash of the first journal entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// journalFileMode restricts the journal to its owner. Entries hold full
// message content.
const journalFileMode = 0600

// maxJournalLine bounds one JSON line when reading the journal back.
const maxJournalLine = 1 << 20

// LossEntry is one permanently lost archive record.
type LossEntry struct {
	Sequence  int64                   `json:"sequence"`
	Timestamp string                  `json:"timestamp"`
	Reason    string                  `json:"reason"`
	Record    datatypes.ArchiveRecord `json:"record"`
	PrevHash  string                  `json:"prev_hash"`
	EntryHash string                  `json:"entry_hash"`
}

// LossRecorder receives records the writer gave up on.
type LossRecorder interface {
	Record(rec datatypes.ArchiveRecord, reason string) (LossEntry, error)
}

// LossJournal is an append-only, hash-chained JSON-lines file of lost
// archive records.
//
// # Description
//
// Each entry carries the hash of the previous entry, so editing or
// removing a line breaks the chain at that point. Entries hold the full
// record, which lets "chatd archive replay" re-submit them once the
// backend is healthy again.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are serialized.
type LossJournal struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	sequence int64
	prevHash string
	now      func() time.Time
}

// OpenLossJournal opens or creates the journal at path and resumes its chain.
//
// # Inputs
//
//   - path: Journal file. Created with 0600 if missing.
//
// # Outputs
//
//   - *LossJournal: Ready to append.
//   - error: Non-nil if the file cannot be opened or read.
func OpenLossJournal(path string) (*LossJournal, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, journalFileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open loss journal: %w", err)
	}
	j := &LossJournal{
		file:     file,
		path:     path,
		prevHash: GenesisHash,
		now:      func() time.Time { return time.Now().UTC() },
	}

	entries, err := ReadLossJournal(path)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to initialize loss journal chain: %w", err)
	}
	if n := len(entries); n > 0 {
		j.sequence = entries[n-1].Sequence
		j.prevHash = entries[n-1].EntryHash
	}

	slog.Info("Archive loss journal opened",
		"path", path,
		"entries", j.sequence,
	)
	return j, nil
}

// Path returns the journal file path.
func (j *LossJournal) Path() string {
	return j.path
}

// Record appends rec to the journal.
func (j *LossJournal) Record(rec datatypes.ArchiveRecord, reason string) (LossEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return LossEntry{}, fmt.Errorf("loss journal %s is closed", j.path)
	}

	entry := LossEntry{
		Sequence:  j.sequence + 1,
		Timestamp: j.now().Format(time.RFC3339Nano),
		Reason:    reason,
		Record:    rec,
		PrevHash:  j.prevHash,
	}
	hash, err := entryHash(entry)
	if err != nil {
		return LossEntry{}, err
	}
	entry.EntryHash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return LossEntry{}, fmt.Errorf("failed to marshal loss entry: %w", err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return LossEntry{}, fmt.Errorf("failed to write loss entry: %w", err)
	}

	j.sequence = entry.Sequence
	j.prevHash = entry.EntryHash
	return entry, nil
}

// Verify walks the chain.
//
// # Outputs
//
//   - valid: True if every link and entry hash checks out.
//   - breakIndex: Zero-based index of the first bad entry, or -1.
//   - error: Non-nil if the file cannot be read.
func (j *LossJournal) Verify() (valid bool, breakIndex int64, err error) {
	return VerifyLossJournal(j.path)
}

// Entries returns every entry in file order.
func (j *LossJournal) Entries() ([]LossEntry, error) {
	return ReadLossJournal(j.path)
}

// Close closes the journal file. Further Record calls fail.
func (j *LossJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	if err != nil {
		return fmt.Errorf("failed to close loss journal: %w", err)
	}
	return nil
}

// ReadLossJournal reads every entry of the journal at path. A missing file
// has no entries.
func ReadLossJournal(path string) ([]LossEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open loss journal: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxJournalLine)

	var entries []LossEntry
	for scanner.Scan() {
		var e LossEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("loss journal line %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading loss journal: %w", err)
	}
	return entries, nil
}

// VerifyLossJournal checks the hash chain of the journal at path.
func VerifyLossJournal(path string) (valid bool, breakIndex int64, err error) {
	entries, err := ReadLossJournal(path)
	if err != nil {
		return false, -1, err
	}
	prev := GenesisHash
	for i, e := range entries {
		if e.PrevHash != prev {
			return false, int64(i), nil
		}
		hash, err := entryHash(e)
		if err != nil {
			return false, int64(i), err
		}
		if hash != e.EntryHash {
			return false, int64(i), nil
		}
		prev = e.EntryHash
	}
	return true, -1, nil
}

// entryHash hashes every field of e except EntryHash.
func entryHash(e LossEntry) (string, error) {
	rec, err := json.Marshal(e.Record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal loss record: %w", err)
	}
	data := fmt.Sprintf("%d|%s|%s|%s|%s", e.Sequence, e.Timestamp, e.Reason, rec, e.PrevHash)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:]), nil
}

var _ LossRecorder = (*LossJournal)(nil)
