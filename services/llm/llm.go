// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the response generators and embedders used by the
// chat service.
//
// A ResponseGenerator turns a user message plus the session's pre-turn
// history into assistant text. An Embedder turns text into a vector for
// session recall and the vector sinks. Both are narrow on purpose: the chat
// pipeline only depends on these interfaces, never on a vendor SDK.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// GenerationParams are optional sampling settings. Nil fields use the
// backend default.
type GenerationParams struct {
	Temperature *float32 `json:"temperature" mapstructure:"temperature" yaml:"temperature,omitempty"`
	TopK        *int     `json:"top_k" mapstructure:"top_k" yaml:"top_k,omitempty"`
	TopP        *float32 `json:"top_p" mapstructure:"top_p" yaml:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens" mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
	Stop        []string `json:"stop" mapstructure:"stop" yaml:"stop,omitempty"`
}

// ResponseGenerator produces the assistant reply for one turn.
//
// # Description
//
// history is the session context read before this turn, oldest first, and
// may start with a system message. Implementations must not retain it.
//
// # Outputs
//
//   - string: Assistant text.
//   - int: Token count reported by the backend (word count for local generators).
//   - error: Wraps datatypes.ErrGenerationUnavailable on backend failure or timeout.
type ResponseGenerator interface {
	Generate(ctx context.Context, message string, history []datatypes.Message) (string, int, error)
	Name() string
}

// Embedder produces a vector for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Name() string
}

// unavailable wraps a backend failure as ErrGenerationUnavailable.
func unavailable(backend string, err error) error {
	return fmt.Errorf("%s: %w: %w", backend, datatypes.ErrGenerationUnavailable, err)
}

// resolveAPIKey returns key, or the trimmed contents of secretPath when key
// is empty. Container secrets are mounted at /run/secrets.
func resolveAPIKey(key, secretPath string) (string, error) {
	if key != "" {
		return key, nil
	}
	if secretPath == "" {
		return "", fmt.Errorf("api key not set")
	}
	raw, err := os.ReadFile(secretPath)
	if err != nil {
		return "", fmt.Errorf("api key not set and secret not readable at %s: %w", secretPath, err)
	}
	slog.Info("Read API key from secret file", "path", secretPath)
	return strings.TrimSpace(string(raw)), nil
}

// wordCount is the token estimate used by local generators.
func wordCount(s string) int {
	return len(strings.Fields(s))
}
