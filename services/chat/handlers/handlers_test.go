// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/history"
	"github.com/AleutianAI/AleutianChat/services/chat/kv"
	"github.com/AleutianAI/AleutianChat/services/chat/middleware"
	"github.com/AleutianAI/AleutianChat/services/chat/session"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeSubmitter records the last request and returns a fixed result.
type fakeSubmitter struct {
	last datatypes.TurnRequest
	resp datatypes.TurnResponse
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, req datatypes.TurnRequest) (datatypes.TurnResponse, error) {
	f.last = req
	if f.err != nil {
		return datatypes.TurnResponse{}, f.err
	}
	if f.resp.SessionKey == "" {
		resp := f.resp
		resp.SessionKey = req.SessionKey
		return resp, nil
	}
	return f.resp, nil
}

func postChat(router *gin.Engine, body string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// HandleChat Tests
// =============================================================================

func TestHandleChat_OK(t *testing.T) {
	sub := &fakeSubmitter{resp: datatypes.TurnResponse{
		ResponseText:  "hi",
		TurnID:        "turn-1",
		ArchiveStatus: datatypes.ArchiveConfirmed,
		TokenCount:    1,
	}}
	router := gin.New()
	router.POST("/v1/chat", HandleChat(sub))

	w := postChat(router, `{"sessionKey":"s1","message":"hello"}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.TurnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "hi", resp.ResponseText)
	assert.Equal(t, "s1", resp.SessionKey)
	assert.Equal(t, datatypes.ArchiveConfirmed, resp.ArchiveStatus)
	assert.Contains(t, w.Body.String(), `"archiveStatus":"confirmed"`)
}

func TestHandleChat_IdempotencyKeyHeader(t *testing.T) {
	sub := &fakeSubmitter{}
	router := gin.New()
	router.POST("/v1/chat", HandleChat(sub))

	postChat(router, `{"sessionKey":"s1","message":"hello"}`, map[string]string{IdempotencyKeyHeader: "k-1"})
	assert.Equal(t, "k-1", sub.last.IdempotencyKey)

	postChat(router, `{"sessionKey":"s1","message":"hello","idempotencyKey":"body"}`, map[string]string{IdempotencyKeyHeader: "k-1"})
	assert.Equal(t, "body", sub.last.IdempotencyKey, "the body field wins over the header")
}

func TestHandleChat_UserIDComesFromAuth(t *testing.T) {
	sub := &fakeSubmitter{}
	router := gin.New()
	router.POST("/v1/chat", func(c *gin.Context) {
		middleware.SetAuthInfo(c, &extensions.AuthInfo{UserID: "app"})
	}, HandleChat(sub))

	w := postChat(router, `{"sessionKey":"s1","message":"hello","userId":"mallory"}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "app", sub.last.UserID)
}

func TestHandleChat_BodyUserIDIgnoredWithoutAuth(t *testing.T) {
	sub := &fakeSubmitter{}
	router := gin.New()
	router.POST("/v1/chat", HandleChat(sub))

	postChat(router, `{"sessionKey":"s1","message":"hello","userId":"mallory"}`, nil)
	assert.Empty(t, sub.last.UserID)
}

func TestHandleChat_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantBody string
	}{
		{"malformed body", `{"sessionKey":`, nil, http.StatusBadRequest, "invalid request body"},
		{"validation", `{"sessionKey":"","message":"hello"}`, datatypes.NewValidationError("sessionKey", "is required"), http.StatusBadRequest, `"field":"sessionKey"`},
		{"in progress", `{"sessionKey":"s1","message":"hello"}`, fmt.Errorf("k: %w", datatypes.ErrTurnInProgress), http.StatusConflict, "still in progress"},
		{"unexpected", `{"sessionKey":"s1","message":"hello"}`, errors.New("boom"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.POST("/v1/chat", HandleChat(&fakeSubmitter{err: tt.err}))

			w := postChat(router, tt.body, nil)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
			if tt.wantCode == http.StatusConflict {
				assert.Equal(t, "1", w.Header().Get("Retry-After"))
			}
		})
	}
}

// =============================================================================
// Session Handler Tests
// =============================================================================

func sessionRouter(t *testing.T, embedder llm.Embedder) (*gin.Engine, *session.Store) {
	t.Helper()
	store := session.NewStore(kv.NewMemory(), session.DefaultConfig())
	h := NewSessionHandlers(store, embedder, nil)

	router := gin.New()
	router.GET("/v1/sessions", h.List)
	router.GET("/v1/sessions/:sessionId", h.Get)
	router.DELETE("/v1/sessions/:sessionId", h.Delete)
	router.GET("/v1/sessions/:sessionId/search", h.Search)
	return router, store
}

func seed(t *testing.T, store *session.Store, sessionKey string, embedder llm.Embedder, pairs ...[2]string) {
	t.Helper()
	ctx := context.Background()
	ts := time.Now().UTC()
	for _, p := range pairs {
		user := datatypes.Message{Role: datatypes.RoleUser, Content: p[0], Timestamp: ts}
		if embedder != nil {
			vec, err := embedder.Embed(ctx, p[0])
			require.NoError(t, err)
			user.Embedding = vec
		}
		assistant := datatypes.Message{Role: datatypes.RoleAssistant, Content: p[1], Timestamp: ts.Add(time.Microsecond)}
		require.NoError(t, store.Append(ctx, sessionKey, []datatypes.Message{user, assistant}, 0, 0))
		ts = ts.Add(time.Millisecond)
	}
}

func get(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestSessions_GetAndDelete(t *testing.T) {
	embedder := llm.NewHashingEmbedder(16)
	router, store := sessionRouter(t, embedder)
	seed(t, store, "s1", embedder, [2]string{"hello", "hi"})

	w := get(router, http.MethodGet, "/v1/sessions/s1")
	require.Equal(t, http.StatusOK, w.Code)
	var detail SessionDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, "s1", detail.SessionKey)
	assert.EqualValues(t, 2, detail.MessageCount)
	require.Len(t, detail.Messages, 2)
	assert.Nil(t, detail.Messages[0].Embedding)
	assert.NotContains(t, w.Body.String(), "embedding")

	w = get(router, http.MethodDelete, "/v1/sessions/s1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"deleted_session_id":"s1"`)

	w = get(router, http.MethodGet, "/v1/sessions/s1")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessions_List(t *testing.T) {
	router, store := sessionRouter(t, nil)
	seed(t, store, "a", nil, [2]string{"q", "r"})
	seed(t, store, "b", nil, [2]string{"q", "r"})

	w := get(router, http.MethodGet, "/v1/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Sessions []session.Info `json:"sessions"`
		Count    int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)

	assert.Equal(t, http.StatusBadRequest, get(router, http.MethodGet, "/v1/sessions?limit=zero").Code)
}

func TestSessions_Search(t *testing.T) {
	embedder := llm.NewHashingEmbedder(64)
	router, store := sessionRouter(t, embedder)
	seed(t, store, "s1", embedder,
		[2]string{"how do I reset my password", "use the reset link"},
		[2]string{"what are your opening hours", "nine to five"},
	)

	w := get(router, http.MethodGet, "/v1/sessions/s1/search?q=reset+password&k=1")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Matches []session.Match `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Matches, 1)
	assert.Equal(t, "how do I reset my password", body.Matches[0].Message.Content)
	require.NotNil(t, body.Matches[0].Reply)
	assert.Equal(t, "use the reset link", body.Matches[0].Reply.Content)
	assert.NotContains(t, w.Body.String(), "embedding")

	assert.Equal(t, http.StatusBadRequest, get(router, http.MethodGet, "/v1/sessions/s1/search").Code)
	assert.Equal(t, http.StatusBadRequest, get(router, http.MethodGet, "/v1/sessions/s1/search?q=x&k=-1").Code)
}

func TestSessions_SearchWithoutEmbedder(t *testing.T) {
	router, _ := sessionRouter(t, nil)
	assert.Equal(t, http.StatusNotImplemented, get(router, http.MethodGet, "/v1/sessions/s1/search?q=x").Code)
}

// =============================================================================
// Health Tests
// =============================================================================

func TestHealth(t *testing.T) {
	down := func(context.Context) error { return errors.New("connection refused") }
	up := func(context.Context) error { return nil }

	tests := []struct {
		name       string
		checks     []HealthCheck
		wantCode   int
		wantStatus string
	}{
		{"all up", []HealthCheck{{"session", true, up}, {"archive", true, up}}, http.StatusOK, "ok"},
		{"sink down", []HealthCheck{{"session", true, up}, {"sql", false, down}}, http.StatusOK, "degraded"},
		{"archive down", []HealthCheck{{"archive", true, down}, {"sql", false, down}}, http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.GET("/health", Health("node-a", time.Second, tt.checks...))

			w := get(router, http.MethodGet, "/health")

			assert.Equal(t, tt.wantCode, w.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, "node-a", resp.InstanceID)
			assert.Len(t, resp.Backends, len(tt.checks))
		})
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	router := gin.New()
	router.GET("/metrics", Metrics(reg))

	w := get(router, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_total 1")
}

// =============================================================================
// History and Stats Tests
// =============================================================================

func getJSON(t *testing.T, router *gin.Engine, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestConversationHistory(t *testing.T) {
	ctx := context.Background()
	users := history.NewStore(kv.NewMemory(), history.DefaultConfig())
	for i := 1; i <= 3; i++ {
		require.NoError(t, users.Add(ctx, "app", history.Entry{
			TurnID:     fmt.Sprintf("turn-%d", i),
			SessionKey: "s1",
			Message:    fmt.Sprintf("q%d", i),
			Response:   fmt.Sprintf("a%d", i),
		}))
	}
	router := gin.New()
	router.GET("/v1/conversations/:userId", ConversationHistory(users))

	code, body := getJSON(t, router, "/v1/conversations/app?limit=2")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "app", body["user_id"])
	assert.Equal(t, 2.0, body["count"])
	convs := body["conversations"].([]any)
	assert.Equal(t, "turn-3", convs[0].(map[string]any)["turnId"])

	code, body = getJSON(t, router, "/v1/conversations/nobody")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.0, body["count"])

	code, _ = getJSON(t, router, "/v1/conversations/app?limit=zero")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStats_SectionsAndFailures(t *testing.T) {
	router := gin.New()
	router.GET("/v1/stats", Stats("node-a", time.Now().Add(-time.Minute), time.Second,
		StatsSource{Name: "archive", Collect: func(context.Context) (map[string]any, error) {
			return map[string]any{"backend": "memory", "queue_depth": 0}, nil
		}},
		StatsSource{Name: "redis", Collect: func(context.Context) (map[string]any, error) {
			return nil, errors.New("connection refused")
		}},
	))

	code, body := getJSON(t, router, "/v1/stats")

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "node-a", body["instance_id"])
	assert.GreaterOrEqual(t, body["uptime_seconds"].(float64), 60.0)
	sections := body["sections"].(map[string]any)
	assert.Equal(t, "memory", sections["archive"].(map[string]any)["backend"])
	assert.Equal(t, "connection refused", sections["redis"].(map[string]any)["error"])
}
