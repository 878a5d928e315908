// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent records one administrative action.
type AuditEvent struct {
	// EventType categorizes the event: "session.read", "session.delete".
	EventType string

	// Timestamp is when the event occurred. Zero means now.
	Timestamp time.Time

	// UserID is the caller who performed the action.
	UserID string

	// ResourceType and ResourceID identify the affected resource.
	ResourceType string
	ResourceID   string

	// Outcome is "success", "failure" or "denied".
	Outcome string
}

// AuditLogger records administrative actions.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
}

// NopAuditLogger discards every event.
type NopAuditLogger struct{}

// Log implements AuditLogger.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error {
	return nil
}

// SlogAuditLogger writes each event as one structured log line.
type SlogAuditLogger struct {
	Logger *slog.Logger
}

// Log implements AuditLogger.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	logger.InfoContext(ctx, "audit",
		"event_type", event.EventType,
		"timestamp", ts,
		"user_id", event.UserID,
		"resource_type", event.ResourceType,
		"resource_id", event.ResourceID,
		"outcome", event.Outcome,
	)
	return nil
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
