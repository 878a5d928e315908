// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/chat/handlers"
	"github.com/AleutianAI/AleutianChat/services/chat/middleware"
)

// Dependencies are the collaborators the routes are wired to.
type Dependencies struct {
	Turns    handlers.TurnSubmitter
	Sessions *handlers.SessionHandlers
	Health   gin.HandlerFunc
	Metrics  gin.HandlerFunc
	Options  extensions.ServiceOptions

	// History and Stats are optional; nil leaves the route unregistered.
	History gin.HandlerFunc
	Stats   gin.HandlerFunc

	// Limiter is optional; nil disables rate limiting.
	Limiter gin.HandlerFunc
}

// SetupRoutes registers every endpoint on router.
//
// /health and /metrics are unauthenticated. Everything under /v1 passes
// through auth and the rate limiter; session administration, user history
// and stats also require authorization.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", deps.Health)
	if deps.Metrics != nil {
		router.GET("/metrics", deps.Metrics)
	}

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(deps.Options.AuthProvider))
	if deps.Limiter != nil {
		v1.Use(deps.Limiter)
	}
	{
		v1.POST("/chat", middleware.RequireAction(deps.Options.AuthzProvider, "submit", "turn", ""),
			handlers.HandleChat(deps.Turns))

		// Session administration routes
		authz := deps.Options.AuthzProvider
		sessions := v1.Group("/sessions")
		{
			sessions.GET("", middleware.RequireAction(authz, "list", "session", ""), deps.Sessions.List)
			sessions.GET("/:sessionId", middleware.RequireAction(authz, "read", "session", "sessionId"), deps.Sessions.Get)
			sessions.GET("/:sessionId/search", middleware.RequireAction(authz, "read", "session", "sessionId"), deps.Sessions.Search)
			sessions.DELETE("/:sessionId", middleware.RequireAction(authz, "delete", "session", "sessionId"), deps.Sessions.Delete)
		}

		if deps.History != nil {
			v1.GET("/conversations/:userId", middleware.RequireAction(authz, "read", "history", "userId"), deps.History)
		}
		if deps.Stats != nil {
			v1.GET("/stats", middleware.RequireAction(authz, "read", "stats", ""), deps.Stats)
		}
	}
}
