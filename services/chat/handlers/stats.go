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
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// StatsSource contributes one section to GET /v1/stats.
type StatsSource struct {
	// Name is the section's key in the response.
	Name string

	// Collect returns the section's fields.
	Collect func(ctx context.Context) (map[string]any, error)
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Timestamp     time.Time                 `json:"timestamp"`
	InstanceID    string                    `json:"instance_id"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Sections      map[string]map[string]any `json:"sections"`
}

// Stats serves GET /v1/stats.
//
// # Description
//
// Collects every source concurrently, each bounded by timeout. A failing
// source reports {"error": ...} in its own section; the response is always
// 200.
func Stats(instanceID string, started time.Time, timeout time.Duration, sources ...StatsSource) gin.HandlerFunc {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(c *gin.Context) {
		now := time.Now().UTC()
		resp := StatsResponse{
			Timestamp:     now,
			InstanceID:    instanceID,
			UptimeSeconds: int64(now.Sub(started).Seconds()),
			Sections:      make(map[string]map[string]any, len(sources)),
		}

		var mu sync.Mutex
		g, ctx := errgroup.WithContext(c.Request.Context())
		for _, src := range sources {
			g.Go(func() error {
				collectCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				section, err := src.Collect(collectCtx)
				if err != nil {
					section = map[string]any{"error": err.Error()}
				}
				mu.Lock()
				resp.Sections[src.Name] = section
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		c.JSON(http.StatusOK, resp)
	}
}
