// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

var tracer = otel.Tracer("aleutian.llm.ollama")

// OllamaConfig configures the Ollama generator and embedder.
type OllamaConfig struct {
	BaseURL        string           `mapstructure:"base_url" yaml:"base_url"`
	Model          string           `mapstructure:"model" yaml:"model"`
	EmbeddingModel string           `mapstructure:"embedding_model" yaml:"embedding_model"`
	Params         GenerationParams `mapstructure:"params" yaml:"params"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaMessage        `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message   ollamaMessage `json:"message"`
	CreatedAt string        `json:"created_at"`
	Done      bool          `json:"done"`
	EvalCount int           `json:"eval_count"`
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// ollamaHTTP is the transport shared by the generator and the embedder.
// Request deadlines come from the caller's context.
type ollamaHTTP struct {
	httpClient *http.Client
	baseURL    string
}

func newOllamaHTTP(baseURL string) (ollamaHTTP, error) {
	if baseURL == "" {
		return ollamaHTTP{}, errors.New("ollama base url not set")
	}
	return ollamaHTTP{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (o ollamaHTTP) post(ctx context.Context, span trace.Span, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request to Ollama: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("ollama call %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body from Ollama: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("ollama %s failed with status %d: %s", path, resp.StatusCode, string(respBody))
		slog.Error("Ollama returned an error", "path", path, "status_code", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to parse Ollama response: %w", err)
	}
	return nil
}

// OllamaGenerator calls /api/chat with streaming disabled.
type OllamaGenerator struct {
	http   ollamaHTTP
	model  string
	params GenerationParams
}

// NewOllamaGenerator creates the generator. Model defaults to gpt-oss.
func NewOllamaGenerator(cfg OllamaConfig) (*OllamaGenerator, error) {
	h, err := newOllamaHTTP(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		slog.Warn("Ollama model not set, defaulting to gpt-oss")
		model = "gpt-oss"
	}
	slog.Info("Initializing Ollama generator", "base_url", h.baseURL, "model", model)
	return &OllamaGenerator{http: h, model: model, params: cfg.Params}, nil
}

// Name implements ResponseGenerator.
func (o *OllamaGenerator) Name() string { return "ollama" }

// Generate implements ResponseGenerator. The token count is eval_count.
func (o *OllamaGenerator) Generate(ctx context.Context, message string, history []datatypes.Message) (string, int, error) {
	ctx, span := tracer.Start(ctx, "OllamaGenerator.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(history)+1),
	)

	msgs := make([]ollamaMessage, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, ollamaMessage{Role: string(datatypes.RoleUser), Content: message})

	var resp ollamaChatResponse
	payload := ollamaChatRequest{Model: o.model, Messages: msgs, Options: o.options()}
	if err := o.http.post(ctx, span, "/api/chat", payload, &resp); err != nil {
		return "", 0, unavailable("ollama", err)
	}
	if resp.Message.Role != string(datatypes.RoleAssistant) {
		slog.Warn("Ollama chat response message role was not 'assistant'", "role", resp.Message.Role)
	}
	tokens := resp.EvalCount
	if tokens == 0 {
		tokens = wordCount(resp.Message.Content)
	}
	span.SetAttributes(attribute.Int("llm.eval_count", tokens))
	return resp.Message.Content, tokens, nil
}

func (o *OllamaGenerator) options() map[string]interface{} {
	options := map[string]interface{}{
		"temperature": float32(0.2),
		"top_k":       20,
		"top_p":       float32(0.9),
	}
	if o.params.Temperature != nil {
		options["temperature"] = *o.params.Temperature
	}
	if o.params.TopK != nil {
		options["top_k"] = *o.params.TopK
	}
	if o.params.TopP != nil {
		options["top_p"] = *o.params.TopP
	}
	if o.params.MaxTokens != nil {
		options["num_predict"] = *o.params.MaxTokens
	}
	if len(o.params.Stop) > 0 {
		options["stop"] = o.params.Stop
	}
	return options
}

// OllamaEmbedder calls /api/embed.
type OllamaEmbedder struct {
	http  ollamaHTTP
	model string
}

// NewOllamaEmbedder creates the embedder. Model defaults to nomic-embed-text.
func NewOllamaEmbedder(cfg OllamaConfig) (*OllamaEmbedder, error) {
	h, err := newOllamaHTTP(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	model := cfg.EmbeddingModel
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaEmbedder{http: h, model: model}, nil
}

// Name implements Embedder.
func (o *OllamaEmbedder) Name() string { return "ollama" }

// Embed implements Embedder.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "OllamaEmbedder.Embed")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	var resp ollamaEmbedResponse
	if err := o.http.post(ctx, span, "/api/embed", ollamaEmbedRequest{Model: o.model, Input: text}, &resp); err != nil {
		return nil, unavailable("ollama embed", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, unavailable("ollama embed", errors.New("no embedding returned"))
	}
	return resp.Embeddings[0], nil
}
