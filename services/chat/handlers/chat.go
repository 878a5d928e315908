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

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/middleware"
)

var chatTracer = otel.Tracer("aleutian.chat.handlers")

// IdempotencyKeyHeader carries the idempotency key when the body has none.
const IdempotencyKeyHeader = "Idempotency-Key"

// TurnSubmitter runs one chat turn.
type TurnSubmitter interface {
	Submit(ctx context.Context, req datatypes.TurnRequest) (datatypes.TurnResponse, error)
}

// HandleChat serves POST /v1/chat.
//
// # Outputs
//
//   - 200 with the TurnResponse. Backend failures show up as archiveStatus
//     and degraded, never as an error status.
//   - 400 on a malformed body or a ValidationError.
//   - 409 with Retry-After when a duplicate of an in-flight turn is still running.
func HandleChat(turns TurnSubmitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleChat")
		defer span.End()

		var req datatypes.TurnRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Warn("Failed to parse the chat request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = c.GetHeader(IdempotencyKeyHeader)
		}
		req.UserID = ""
		if info := middleware.GetAuthInfo(c); info != nil {
			req.UserID = info.UserID
		}

		resp, err := turns.Submit(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())

			var verr *datatypes.ValidationError
			switch {
			case errors.As(err, &verr):
				c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
			case errors.Is(err, datatypes.ErrTurnInProgress):
				c.Header("Retry-After", "1")
				c.JSON(http.StatusConflict, gin.H{"error": "a turn with this idempotency key is still in progress"})
			default:
				slog.Error("Chat turn failed", "session_id", req.SessionKey, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
