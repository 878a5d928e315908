// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package longterm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// WeaviateSink stores each turn as a ChatTurn object.
//
// # Description
//
// The object id is the turn id, so a repeated insert is rejected by Weaviate
// as "already exists" and reported as success. The user message embedding,
// when present, is stored as the object vector.
type WeaviateSink struct {
	client *weaviate.Client
}

// NewWeaviateClient builds a client from a base URL such as
// "http://localhost:12127".
func NewWeaviateClient(rawURL string) (*weaviate.Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid weaviate url %q", rawURL)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}
	return client, nil
}

// NewWeaviateSink wraps client. Call datatypes.EnsureWeaviateSchema first.
func NewWeaviateSink(client *weaviate.Client) *WeaviateSink {
	return &WeaviateSink{client: client}
}

// Name implements Sink.
func (w *WeaviateSink) Name() string { return "weaviate" }

// Insert implements Sink.
func (w *WeaviateSink) Insert(ctx context.Context, turn datatypes.ConversationTurn) error {
	creator := w.client.Data().Creator().
		WithClassName(datatypes.ChatTurnClass).
		WithID(turn.TurnID).
		WithProperties(weaviateProperties(turn))
	if len(turn.Embedding) > 0 {
		creator = creator.WithVector(turn.Embedding)
	}

	if _, err := creator.Do(ctx); err != nil {
		if isAlreadyExists(err) {
			return nil
		}
		return classifyWeaviateError("weaviate insert", err)
	}
	return nil
}

// Ping implements Pinger.
func (w *WeaviateSink) Ping(ctx context.Context) error {
	ready, err := w.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return datatypes.Unavailable("weaviate ping", err)
	}
	if !ready {
		return datatypes.Unavailable("weaviate ping", errors.New("not ready"))
	}
	return nil
}

func weaviateProperties(turn datatypes.ConversationTurn) map[string]interface{} {
	return map[string]interface{}{
		"session_id": turn.SessionKey,
		"turn_id":    turn.TurnID,
		"question":   turn.User.Content,
		"answer":     turn.Assistant.Content,
		"model":      turn.Assistant.Model,
		"timestamp":  turn.User.Timestamp.UnixMilli(),
	}
}

func isAlreadyExists(err error) bool {
	var clientErr *fault.WeaviateClientError
	if !errors.As(err, &clientErr) {
		return false
	}
	return clientErr.StatusCode == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(clientErr.Msg), "already exists")
}

func classifyWeaviateError(op string, err error) error {
	var clientErr *fault.WeaviateClientError
	if errors.As(err, &clientErr) && clientErr.StatusCode >= 400 && clientErr.StatusCode < 500 &&
		clientErr.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w", op, err)
	}
	return datatypes.Unavailable(op, err)
}
