// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive is the durable, append-only history of every message.
//
// # Description
//
// Each ArchiveRecord is written once as a JSON object to a blob Backend under
// a key derived from its session key and record id. Record ids are
// deterministic (a SHA-1 UUID of the turn id and role), so re-writing the same
// logical record lands on the same key and never produces a second visible
// entry. Failed writes are handed to a bounded background retry queue that
// runs detached from the request; records whose retries are exhausted are
// logged as permanent losses and appended to a hash-chained LossJournal for
// later replay.
//
// # Backends
//
//   - Memory: in-process map, for tests and single-node development.
//   - Badger: embedded LSM store sharing the node's Badger instance.
//   - GCS: Google Cloud Storage with a DoesNotExist precondition.
//   - MinIO: any S3-compatible object store.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// Namespace seeds every deterministic turn and record id.
var Namespace = uuid.MustParse("8c5a3f2e-1d4b-5e6f-9a7c-2b3d4e5f6a7b")

// KeyPrefix is the leading path segment of every archive object.
const KeyPrefix = "conversations/"

// Object metadata keys.
const (
	MetaSessionID = "session_id"
	MetaTurnID    = "turn_id"
	MetaRole      = "role"
	MetaTimestamp = "timestamp"
)

// Backend is an append-only blob store.
//
// # Description
//
// Put must be idempotent by key: writing an existing key succeeds without
// changing the stored object. Transient failures (unreachable, timeouts,
// throttling) are wrapped with datatypes.ErrStorageUnavailable so the
// writer retries them; any other error is treated as permanent.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Put stores data under key unless key already exists.
	Put(ctx context.Context, key string, data []byte, meta map[string]string) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}

// NewTurnID returns the id of a turn.
//
// With an idempotency key the id is a SHA-1 UUID of the session key and the
// idempotency key, so a retried submission maps to the same archive objects.
// Without one it is a time-ordered v7 UUID.
func NewTurnID(sessionKey, idempotencyKey string) string {
	if idempotencyKey != "" {
		return uuid.NewSHA1(Namespace, []byte(sessionKey+"\x00"+idempotencyKey)).String()
	}
	return uuid.Must(uuid.NewV7()).String()
}

// RecordID returns the deterministic id of one message of a turn.
func RecordID(turnID string, role datatypes.Role) string {
	return uuid.NewSHA1(Namespace, []byte(turnID+"/"+string(role))).String()
}

// ObjectKey returns the blob key of a record.
func ObjectKey(rec datatypes.ArchiveRecord) string {
	return KeyPrefix + url.PathEscape(rec.SessionKey) + "/" + rec.RecordID + ".json"
}

// NewRecord builds the archive record of one message of a turn.
func NewRecord(turn datatypes.ConversationTurn, msg datatypes.Message) datatypes.ArchiveRecord {
	meta := make(map[string]string, len(turn.Metadata))
	for k, v := range turn.Metadata {
		meta[k] = v
	}
	return datatypes.ArchiveRecord{
		RecordID:   RecordID(turn.TurnID, msg.Role),
		SessionKey: turn.SessionKey,
		TurnID:     turn.TurnID,
		Message:    msg.WithoutEmbedding(),
		Metadata:   meta,
	}
}

// Encode renders a record as its stored object and object metadata.
func Encode(rec datatypes.ArchiveRecord) (key string, data []byte, meta map[string]string, err error) {
	if rec.RecordID == "" || rec.SessionKey == "" {
		return "", nil, nil, errors.New("archive record needs a record id and session key")
	}
	data, err = json.Marshal(rec)
	if err != nil {
		return "", nil, nil, fmt.Errorf("encode archive record %s: %w", rec.RecordID, err)
	}
	meta = map[string]string{
		MetaSessionID: rec.SessionKey,
		MetaTurnID:    rec.TurnID,
		MetaRole:      string(rec.Message.Role),
		MetaTimestamp: rec.Message.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if id := rec.Metadata[datatypes.MetaInstanceID]; id != "" {
		meta[datatypes.MetaInstanceID] = id
	}
	return ObjectKey(rec), data, meta, nil
}

// IsRetryable reports whether a Put error is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, datatypes.ErrStorageUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
