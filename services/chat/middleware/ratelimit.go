// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianChat/services/chat/observability"
)

// Limiter decides whether a client may make another request.
type Limiter interface {
	// Allow consumes one request from key's budget. When it returns false,
	// retryAfter is how long the client should wait.
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

// LocalLimiter is an in-process token bucket per client.
//
// # Description
//
// Each client gets a rate.Limiter refilling perMinute tokens per minute with
// a burst of burst. Buckets unused for idleTTL are dropped on the next
// Allow call that finds the sweep due.
//
// # Thread Safety
//
// Safe for concurrent use.
type LocalLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	clients   map[string]*localBucket
	lastSweep time.Time
	now       func() time.Time
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter creates a limiter allowing perMinute requests per minute.
// burst <= 0 uses perMinute.
func NewLocalLimiter(perMinute, burst int) *LocalLimiter {
	if burst <= 0 {
		burst = perMinute
	}
	return &LocalLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		clients: make(map[string]*localBucket),
		now:     time.Now,
	}
}

// Allow implements Limiter.
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > l.idleTTL {
		for k, b := range l.clients {
			if now.Sub(b.lastSeen) > l.idleTTL {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.clients[key]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = b
	}
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

// Len returns the number of tracked clients.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// RedisLimiter is a fixed-window counter shared by every instance.
//
// # Description
//
// Each request runs INCR on "ratelimit:{key}:{window}" and sets the window
// length as expiry in the same pipeline. A client is allowed while its
// counter is at most limit.
type RedisLimiter struct {
	client redis.UniversalClient
	limit  int64
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a limiter allowing limit requests per window.
func NewRedisLimiter(client redis.UniversalClient, limit int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		client: client,
		limit:  int64(limit),
		window: window,
		prefix: "ratelimit:",
		now:    time.Now,
	}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	windowStart := now.Truncate(l.window)
	redisKey := fmt.Sprintf("%s%s:%d", l.prefix, key, windowStart.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limit counter: %w", err)
	}
	if incr.Val() > l.limit {
		return false, windowStart.Add(l.window).Sub(now), nil
	}
	return true, 0, nil
}

// RateLimit rejects clients that exceed limiter's budget with 429.
//
// # Description
//
// The client key is the authenticated user id, or the client IP for
// anonymous requests. A limiter error fails open: the request is served and
// the error logged.
func RateLimit(limiter Limiter, metrics *observability.ChatMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if info := GetAuthInfo(c); info != nil && info.UserID != "" {
			key = "user:" + info.UserID
		}

		ok, retryAfter, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			slog.Warn("Rate limiter unavailable, allowing request", "client", key, "error", err)
			c.Next()
			return
		}
		if !ok {
			metrics.RecordRateLimited()
			secs := int(math.Ceil(retryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
