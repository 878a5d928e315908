// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the data structures shared by the chat service.
//
// This file contains the message and record types that flow through the
// session store, the archive and the long-term sinks. Request and response
// types for the HTTP surface live in turn.go.
package datatypes

import (
	"time"
)

// =============================================================================
// Message
// =============================================================================

// Role identifies the author of a Message.
type Role string

const (
	// RoleUser is a message written by the end user.
	RoleUser Role = "user"

	// RoleAssistant is a message produced by a ResponseGenerator.
	RoleAssistant Role = "assistant"

	// RoleSystem is an instruction message. System messages are only ever
	// passed to generators; they are never stored in a session or archived.
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is one entry of a conversation.
//
// # Description
//
// Messages are immutable once created. The session copy is evictable and the
// archive copy is permanent; the two are written independently and are never
// reconciled against each other.
//
// # Fields
//
//   - Role: Author of the message.
//   - Content: Message text.
//   - Timestamp: Assigned by the recorder. UTC.
//   - Model: Originating model id for assistant messages. Empty otherwise.
//   - Embedding: Optional vector of the content. Set for user messages when an
//     embedder is configured. Kept in the session for recall, never returned
//     to HTTP clients.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// WithoutEmbedding returns a copy of m with the embedding dropped.
func (m Message) WithoutEmbedding() Message {
	m.Embedding = nil
	return m
}

// StripEmbeddings returns copies of msgs without embeddings.
func StripEmbeddings(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.WithoutEmbedding()
	}
	return out
}

// =============================================================================
// Archive Record
// =============================================================================

// Metadata keys attached to archive records and long-term rows.
const (
	MetaInstanceID     = "instance_id"
	MetaResponseTimeMs = "response_time_ms"
	MetaTokenCount     = "token_count"
	MetaIdempotencyKey = "idempotency_key"
	MetaUserID         = "user_id"
)

// ArchiveRecord is a write-once archive entry.
//
// # Description
//
// An ArchiveRecord wraps a single Message with the session it belongs to and a
// deterministic record id. Records are addressed by {SessionKey, RecordID}
// and are never mutated or deleted by the chat service.
type ArchiveRecord struct {
	RecordID   string            `json:"record_id"`
	SessionKey string            `json:"session_id"`
	TurnID     string            `json:"turn_id"`
	Message    Message           `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// =============================================================================
// Conversation Turn
// =============================================================================

// ConversationTurn is the unit of work handed to the recorder.
//
// # Description
//
// A turn is not persisted as its own entity. It is the envelope for one
// archive append, one session update and the optional long-term inserts.
// User and Assistant carry content, role and model; their timestamps are
// assigned by the recorder at call time.
type ConversationTurn struct {
	SessionKey     string
	TurnID         string
	IdempotencyKey string
	User           Message
	Assistant      Message
	Embedding      []float32
	Metadata       map[string]string
}

// ArchiveStatus reports how far the durability-critical archive write got.
type ArchiveStatus string

const (
	// ArchiveConfirmed means both records of the turn are durably archived.
	ArchiveConfirmed ArchiveStatus = "confirmed"

	// ArchivePending means at least one record was handed to the background
	// retry queue and is not yet confirmed.
	ArchivePending ArchiveStatus = "pending"

	// ArchiveFailed means at least one record could neither be written nor
	// queued for retry.
	ArchiveFailed ArchiveStatus = "failed"
)
