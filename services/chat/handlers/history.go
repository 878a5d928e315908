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
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/services/chat/history"
)

// MaxHistoryLimit caps GET /v1/conversations/:userId.
const MaxHistoryLimit = 100

// HistoryReader is the part of history.Store the history endpoint uses.
type HistoryReader interface {
	List(ctx context.Context, userID string, limit int) ([]history.Entry, error)
}

// ConversationHistory serves GET /v1/conversations/:userId?limit=N.
//
// Returns the user's most recent turns across sessions, newest first.
// limit defaults to history.DefaultLimit and is capped at MaxHistoryLimit.
func ConversationHistory(store HistoryReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")
		limit := history.DefaultLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = min(n, MaxHistoryLimit)
		}

		entries, err := store.List(c.Request.Context(), userID, limit)
		if err != nil {
			slog.Error("Failed to read user history", "user_id", userID, "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"conversations": entries, "user_id": userID, "count": len(entries)})
	}
}
