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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// HealthCheck is one backend check.
type HealthCheck struct {
	// Name is the key in the response's backends map.
	Name string

	// Critical checks turn the whole response into 503 when they fail.
	Critical bool

	// Ping checks the backend.
	Ping func(ctx context.Context) error
}

// BackendStatus is one entry of the health response.
type BackendStatus struct {
	Status   string `json:"status"`
	Critical bool   `json:"critical"`
	Error    string `json:"error,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string                   `json:"status"`
	InstanceID string                   `json:"instance_id"`
	Backends   map[string]BackendStatus `json:"backends"`
}

// Health serves GET /health.
//
// # Description
//
// Runs every check concurrently, each bounded by timeout. The response is
// 503 with status "unavailable" if a critical check fails, 200 with status
// "degraded" if only non-critical checks fail, and 200 "ok" otherwise.
func Health(instanceID string, timeout time.Duration, checks ...HealthCheck) gin.HandlerFunc {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(c *gin.Context) {
		resp := HealthResponse{
			Status:     "ok",
			InstanceID: instanceID,
			Backends:   make(map[string]BackendStatus, len(checks)),
		}

		var mu sync.Mutex
		g, ctx := errgroup.WithContext(c.Request.Context())
		for _, check := range checks {
			g.Go(func() error {
				pingCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				err := check.Ping(pingCtx)

				st := BackendStatus{Status: "ok", Critical: check.Critical}
				if err != nil {
					st.Status = "down"
					st.Error = err.Error()
				}
				mu.Lock()
				resp.Backends[check.Name] = st
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		code := http.StatusOK
		for _, st := range resp.Backends {
			if st.Status == "ok" {
				continue
			}
			if st.Critical {
				resp.Status = "unavailable"
				code = http.StatusServiceUnavailable
				break
			}
			resp.Status = "degraded"
		}
		c.JSON(code, resp)
	}
}

// Metrics serves the Prometheus exposition of gatherer.
func Metrics(gatherer prometheus.Gatherer) gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
