// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the HTTP middleware of the chat service.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware ──► 401 on a rejected token
//	   │
//	   ▼
//	RateLimit      ──► 429 when the caller's budget is spent
//	   │
//	   ▼
//	RequireAction  ──► 403 when the caller may not act on the resource
//	   │
//	   ▼
//	Handler (retrieves the caller via GetAuthInfo)
//
// With the default NopAuthProvider every request is authenticated as
// "local-user" with admin privileges.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
)

// authInfoKey is the gin context key of the caller's AuthInfo.
const authInfoKey = "aleutian_auth_info"

// SetAuthInfo stores the authenticated caller in the Gin context.
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the authenticated caller, or nil if the request did
// not pass through AuthMiddleware.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// AuthMiddleware validates the bearer token of every request.
//
// # Description
//
// Extracts the token from "Authorization: Bearer <token>", validates it with
// provider and stores the resulting AuthInfo for downstream handlers. A
// missing header is passed to the provider as an empty token, so providers
// decide whether anonymous access is allowed.
//
// # Outputs
//
//   - 401 {"error": "unauthorized"} when the provider rejects the token.
//   - 401 {"error": "authentication failed"} when the provider itself fails.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			slog.Error("Auth provider failed", "path", c.FullPath(), "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication failed",
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// RequireAction checks that the caller may perform action on resourceType.
// The resource id is read from the named route parameter, if any.
//
// # Outputs
//
//   - 401 when no caller is attached to the request.
//   - 403 {"error": "forbidden"} when provider denies the action.
func RequireAction(provider extensions.AuthzProvider, action, resourceType, idParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := GetAuthInfo(c)
		if info == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		req := extensions.AuthzRequest{
			User:         info,
			Action:       action,
			ResourceType: resourceType,
		}
		if idParam != "" {
			req.ResourceID = c.Param(idParam)
		}
		if err := provider.Authorize(c.Request.Context(), req); err != nil {
			slog.Warn("Request denied",
				"user_id", info.UserID,
				"action", action,
				"resource_type", resourceType,
				"resource_id", req.ResourceID,
				"error", err,
			)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// extractBearerToken returns the token of a "Bearer <token>" Authorization
// header, or "" if the header is missing or uses another scheme.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
