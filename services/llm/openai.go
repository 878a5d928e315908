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
	"context"
	"errors"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// DefaultOpenAISecretPath is where the API key is read from when none is configured.
const DefaultOpenAISecretPath = "/run/secrets/openai_api_key"

// OpenAIConfig configures the OpenAI generator and embedder.
type OpenAIConfig struct {
	APIKey         string           `mapstructure:"api_key" yaml:"api_key"`
	SecretPath     string           `mapstructure:"secret_path" yaml:"secret_path"`
	BaseURL        string           `mapstructure:"base_url" yaml:"base_url"`
	Model          string           `mapstructure:"model" yaml:"model"`
	EmbeddingModel string           `mapstructure:"embedding_model" yaml:"embedding_model"`
	Params         GenerationParams `mapstructure:"params" yaml:"params"`
}

func newOpenAIClient(cfg OpenAIConfig) (*openai.Client, error) {
	secretPath := cfg.SecretPath
	if secretPath == "" {
		secretPath = DefaultOpenAISecretPath
	}
	apiKey, err := resolveAPIKey(cfg.APIKey, secretPath)
	if err != nil {
		slog.Error("OpenAI API key not configured", "path", secretPath)
		return nil, err
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(clientCfg), nil
}

// OpenAIGenerator calls the chat completions API.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
	params GenerationParams
}

// NewOpenAIGenerator creates the generator. Model defaults to gpt-4o-mini.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	client, err := newOpenAIClient(cfg)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OpenAI model not set, defaulting to gpt-4o-mini")
	}
	slog.Info("Initializing OpenAI generator", "model", model)
	return &OpenAIGenerator{client: client, model: model, params: cfg.Params}, nil
}

// Name implements ResponseGenerator.
func (o *OpenAIGenerator) Name() string { return "openai" }

// Generate implements ResponseGenerator. The token count is the completion
// token usage.
func (o *OpenAIGenerator) Generate(ctx context.Context, message string, history []datatypes.Message) (string, int, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openAIRole(m.Role), Content: m.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: message})

	req := openai.ChatCompletionRequest{Model: o.model, Messages: msgs}
	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.MaxTokens != nil {
		req.MaxCompletionTokens = *o.params.MaxTokens
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if len(o.params.Stop) > 0 {
		req.Stop = o.params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("OpenAI API call failed", "model", o.model, "error", err)
		return "", 0, unavailable("openai", err)
	}
	if len(resp.Choices) == 0 {
		return "", 0, unavailable("openai", errors.New("no choices returned"))
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, resp.Usage.CompletionTokens, nil
}

func openAIRole(r datatypes.Role) string {
	switch r {
	case datatypes.RoleSystem:
		return openai.ChatMessageRoleSystem
	case datatypes.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

// OpenAIEmbedder calls the embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder creates the embedder. Model defaults to text-embedding-3-small.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	client, err := newOpenAIClient(cfg)
	if err != nil {
		return nil, err
	}
	model := openai.SmallEmbedding3
	if cfg.EmbeddingModel != "" {
		model = openai.EmbeddingModel(cfg.EmbeddingModel)
	}
	return &OpenAIEmbedder{client: client, model: model}, nil
}

// Name implements Embedder.
func (o *OpenAIEmbedder) Name() string { return "openai" }

// Embed implements Embedder.
func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: o.model,
	})
	if err != nil {
		return nil, unavailable("openai embeddings", err)
	}
	if len(resp.Data) == 0 {
		return nil, unavailable("openai embeddings", errors.New("no embedding returned"))
	}
	return resp.Data[0].Embedding, nil
}
