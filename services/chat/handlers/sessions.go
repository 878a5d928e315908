// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/middleware"
	"github.com/AleutianAI/AleutianChat/services/chat/session"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

// DefaultRecallK is the number of matches returned by session search.
const DefaultRecallK = 5

// SessionAdmin is the part of session.Store the admin endpoints use.
type SessionAdmin interface {
	Get(ctx context.Context, sessionKey string) ([]datatypes.Message, error)
	Info(ctx context.Context, sessionKey string) (session.Info, error)
	Delete(ctx context.Context, sessionKey string) error
	List(ctx context.Context, limit int) ([]session.Info, error)
	Recall(ctx context.Context, sessionKey string, query []float32, k int) ([]session.Match, error)
}

// SessionDetail is the body of GET /v1/sessions/:sessionId.
type SessionDetail struct {
	session.Info
	Messages []datatypes.Message `json:"messages"`
}

// SessionHandlers serves the session administration endpoints.
type SessionHandlers struct {
	store    SessionAdmin
	embedder llm.Embedder
	audit    extensions.AuditLogger
}

// NewSessionHandlers creates the handlers. embedder may be nil, which
// disables search. audit may be nil.
func NewSessionHandlers(store SessionAdmin, embedder llm.Embedder, audit extensions.AuditLogger) *SessionHandlers {
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	return &SessionHandlers{store: store, embedder: embedder, audit: audit}
}

func (h *SessionHandlers) record(c *gin.Context, eventType, sessionKey, outcome string) {
	userID := ""
	if info := middleware.GetAuthInfo(c); info != nil {
		userID = info.UserID
	}
	if err := h.audit.Log(c.Request.Context(), extensions.AuditEvent{
		EventType:    eventType,
		Timestamp:    time.Now().UTC(),
		UserID:       userID,
		ResourceType: "session",
		ResourceID:   sessionKey,
		Outcome:      outcome,
	}); err != nil {
		slog.Warn("Failed to write audit event", "event_type", eventType, "error", err)
	}
}

// List serves GET /v1/sessions?limit=N.
func (h *SessionHandlers) List(c *gin.Context) {
	limit := session.MaxListSessions
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	infos, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": infos, "count": len(infos)})
}

// Get serves GET /v1/sessions/:sessionId. Embeddings are not returned.
func (h *SessionHandlers) Get(c *gin.Context) {
	sessionKey := c.Param("sessionId")
	ctx := c.Request.Context()

	info, err := h.store.Info(ctx, sessionKey)
	if errors.Is(err, datatypes.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		slog.Error("Failed to read session", "session_id", sessionKey, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
		return
	}
	msgs, err := h.store.Get(ctx, sessionKey)
	if err != nil {
		slog.Error("Failed to read session messages", "session_id", sessionKey, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
		return
	}

	h.record(c, "session.read", sessionKey, "success")
	c.JSON(http.StatusOK, SessionDetail{Info: info, Messages: datatypes.StripEmbeddings(msgs)})
}

// Delete serves DELETE /v1/sessions/:sessionId. The archive keeps the
// session's records.
func (h *SessionHandlers) Delete(c *gin.Context) {
	sessionKey := c.Param("sessionId")
	slog.Info("Received a request to delete a session", "session_id", sessionKey)

	if err := h.store.Delete(c.Request.Context(), sessionKey); err != nil {
		slog.Error("Failed to delete session", "session_id", sessionKey, "error", err)
		h.record(c, "session.delete", sessionKey, "failure")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to delete session"})
		return
	}
	h.record(c, "session.delete", sessionKey, "success")
	c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_session_id": sessionKey})
}

// Search serves GET /v1/sessions/:sessionId/search?q=...&k=N.
func (h *SessionHandlers) Search(c *gin.Context) {
	sessionKey := c.Param("sessionId")
	if h.embedder == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "session search requires an embedder"})
		return
	}
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	k := DefaultRecallK
	if raw := c.Query("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "k must be a positive integer"})
			return
		}
		k = n
	}

	ctx := c.Request.Context()
	vec, err := h.embedder.Embed(ctx, query)
	if err != nil {
		slog.Error("Failed to embed search query", "session_id", sessionKey, "embedder", h.embedder.Name(), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "embedder unavailable"})
		return
	}
	matches, err := h.store.Recall(ctx, sessionKey, vec, k)
	if err != nil {
		slog.Error("Failed to search session", "session_id", sessionKey, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionKey, "matches": matches})
}
