// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package turns runs one chat turn end to end.
//
// # Pipeline
//
//	Submit
//	   │
//	   ├─► Validate request             (ValidationError is the only hard failure)
//	   ├─► Claim idempotency key        (duplicate → prior response, held while the turn runs)
//	   ├─► Read pre-turn session context (failure → empty context, degraded)
//	   ├─► Embed message ┐
//	   ├─► Generate reply┘ concurrently (failure → fallback text)
//	   ├─► Record turn                  (archive, session, long-term)
//	   └─► Complete idempotency key
package turns

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianChat/services/chat/archive"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/idempotency"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
	"github.com/AleutianAI/AleutianChat/services/chat/recorder"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

var tracer = otel.Tracer("aleutian.chat.turns")

// DefaultFallbackText is returned when generation fails.
const DefaultFallbackText = "מצטער, אירעה שגיאה טכנית. אנא נסה שוב."

// FallbackModel is the model recorded for fallback replies.
const FallbackModel = "fallback"

// SessionReader is the part of session.Store the pipeline reads from.
type SessionReader interface {
	Get(ctx context.Context, sessionKey string) ([]datatypes.Message, error)
}

// TurnRecorder is the part of recorder.Recorder the pipeline needs.
type TurnRecorder interface {
	Record(ctx context.Context, turn datatypes.ConversationTurn) recorder.Result
}

// Config holds pipeline settings.
//
// # Fields
//
//   - SessionTimeout: Bound on the context read. Default: 3s.
//   - GenerationTimeout: Bound on the generator call. Default: 60s.
//   - EmbeddingTimeout: Bound on the embedder call. Default: 10s.
//   - FallbackText: Reply used when generation fails. Default: DefaultFallbackText.
//   - SystemPrompt: Prepended to the generation history of a new session. Never stored.
//   - InstanceID: Recorded in turn metadata.
type Config struct {
	SessionTimeout    time.Duration `mapstructure:"session_timeout" yaml:"session_timeout"`
	GenerationTimeout time.Duration `mapstructure:"generation_timeout" yaml:"generation_timeout"`
	EmbeddingTimeout  time.Duration `mapstructure:"embedding_timeout" yaml:"embedding_timeout"`
	FallbackText      string        `mapstructure:"fallback_text" yaml:"fallback_text"`
	SystemPrompt      string        `mapstructure:"system_prompt" yaml:"system_prompt"`
	InstanceID        string        `mapstructure:"instance_id" yaml:"instance_id"`
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 3 * time.Second
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 60 * time.Second
	}
	if c.EmbeddingTimeout <= 0 {
		c.EmbeddingTimeout = 10 * time.Second
	}
	if c.FallbackText == "" {
		c.FallbackText = DefaultFallbackText
	}
	return c
}

// Processor runs turns.
//
// # Thread Safety
//
// Safe for concurrent use.
type Processor struct {
	sessions  SessionReader
	generator llm.ResponseGenerator
	recorder  TurnRecorder
	embedder  llm.Embedder
	idem      *idempotency.Store
	metrics   *observability.ChatMetrics
	cfg       Config
	now       func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithEmbedder enables message embeddings.
func WithEmbedder(e llm.Embedder) Option {
	return func(p *Processor) { p.embedder = e }
}

// WithIdempotency enables duplicate detection.
func WithIdempotency(s *idempotency.Store) Option {
	return func(p *Processor) { p.idem = s }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.ChatMetrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor creates a Processor.
func NewProcessor(sessions SessionReader, gen llm.ResponseGenerator, rec TurnRecorder, cfg Config, opts ...Option) *Processor {
	p := &Processor{
		sessions:  sessions,
		generator: gen,
		recorder:  rec,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit runs one turn.
//
// # Outputs
//
//   - datatypes.TurnResponse: The reply and the archive outcome.
//   - error: A *datatypes.ValidationError, or datatypes.ErrTurnInProgress
//     when a duplicate of an in-flight turn did not resolve in time. Backend
//     failures never surface here.
func (p *Processor) Submit(ctx context.Context, req datatypes.TurnRequest) (datatypes.TurnResponse, error) {
	ctx, span := tracer.Start(ctx, "TurnProcessor.Submit")
	defer span.End()
	start := p.now()

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.TurnResponse{}, err
	}
	span.SetAttributes(attribute.String("session.id", req.SessionKey))

	token, prior, err := p.claim(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.TurnResponse{}, err
	}
	if prior != nil {
		p.metrics.RecordDuplicate()
		span.SetAttributes(attribute.Bool("turn.duplicate", true))
		return *prior, nil
	}

	var resp datatypes.TurnResponse
	if token != "" {
		resp = p.runHeld(ctx, req, token)
	} else {
		resp = p.run(ctx, req)
	}

	p.metrics.RecordTurn(string(resp.ArchiveStatus), p.now().Sub(start).Seconds())
	span.SetAttributes(
		attribute.String("turn.id", resp.TurnID),
		attribute.String("archive.status", string(resp.ArchiveStatus)),
	)
	return resp, nil
}

// claim reserves the idempotency key and returns the reservation token, or
// the prior response of a completed duplicate. An unavailable store disables
// dedupe for the turn; deterministic archive ids still keep the archive free
// of duplicates.
func (p *Processor) claim(ctx context.Context, req datatypes.TurnRequest) (string, *datatypes.TurnResponse, error) {
	if p.idem == nil || req.IdempotencyKey == "" {
		return "", nil, nil
	}

	c, err := p.idem.Claim(ctx, req.SessionKey, req.IdempotencyKey)
	if err == nil && c.Outcome == idempotency.InFlight {
		c, err = p.idem.Await(ctx, req.SessionKey, req.IdempotencyKey)
		if errors.Is(err, datatypes.ErrTurnInProgress) {
			return "", nil, err
		}
	}
	if err != nil {
		slog.Warn("Idempotency store unavailable, proceeding without dedupe",
			"session_id", req.SessionKey, "error", err)
		p.metrics.RecordBackendWrite(observability.BackendIdempotency, observability.OutcomeFailure)
		return "", nil, nil
	}

	switch c.Outcome {
	case idempotency.Completed:
		resp := c.Response
		return "", &resp, nil
	case idempotency.Reserved:
		return c.Token, nil, nil
	}
	return "", nil, nil
}

// runHeld runs a reserved turn, keeping the reservation alive until the
// result is stored. A turn that panics releases its key so a retry does not
// wait out the reservation.
func (p *Processor) runHeld(ctx context.Context, req datatypes.TurnRequest, token string) datatypes.TurnResponse {
	detached := context.WithoutCancel(ctx)
	stop := p.idem.Hold(ctx, req.SessionKey, req.IdempotencyKey, token)
	completed := false
	defer func() {
		stop()
		if completed {
			return
		}
		if err := p.idem.Release(detached, req.SessionKey, req.IdempotencyKey, token); err != nil {
			slog.Warn("Failed to release idempotency key of an aborted turn",
				"session_id", req.SessionKey, "error", err)
		}
	}()

	resp := p.run(ctx, req)

	stop()
	if err := p.idem.Complete(detached, req.SessionKey, req.IdempotencyKey, token, resp); err != nil {
		slog.Warn("Failed to store idempotent result",
			"session_id", req.SessionKey, "turn_id", resp.TurnID, "error", err)
	}
	completed = true
	return resp
}

func (p *Processor) run(ctx context.Context, req datatypes.TurnRequest) datatypes.TurnResponse {
	history, readErr := p.readContext(ctx, req.SessionKey)

	var (
		embedding []float32
		text      string
		tokens    int
		model     string
		genTime   time.Duration
	)
	var wg conc.WaitGroup
	if p.embedder != nil {
		wg.Go(func() {
			embedding = p.embed(ctx, req)
		})
	}
	wg.Go(func() {
		genStart := p.now()
		text, tokens, model = p.generate(ctx, req, history)
		genTime = p.now().Sub(genStart)
	})
	wg.Wait()

	meta := map[string]string{
		datatypes.MetaResponseTimeMs: strconv.FormatInt(genTime.Milliseconds(), 10),
		datatypes.MetaTokenCount:     strconv.Itoa(tokens),
	}
	if p.cfg.InstanceID != "" {
		meta[datatypes.MetaInstanceID] = p.cfg.InstanceID
	}
	if req.IdempotencyKey != "" {
		meta[datatypes.MetaIdempotencyKey] = req.IdempotencyKey
	}
	if req.UserID != "" {
		meta[datatypes.MetaUserID] = req.UserID
	}

	turn := datatypes.ConversationTurn{
		SessionKey:     req.SessionKey,
		TurnID:         archive.NewTurnID(req.SessionKey, req.IdempotencyKey),
		IdempotencyKey: req.IdempotencyKey,
		User:           datatypes.Message{Role: datatypes.RoleUser, Content: req.Message},
		Assistant:      datatypes.Message{Role: datatypes.RoleAssistant, Content: text, Model: model},
		Embedding:      embedding,
		Metadata:       meta,
	}
	res := p.recorder.Record(ctx, turn)

	return datatypes.TurnResponse{
		ResponseText:  text,
		SessionKey:    req.SessionKey,
		TurnID:        res.Turn.TurnID,
		TurnTimestamp: res.Turn.User.Timestamp,
		ArchiveStatus: res.ArchiveStatus,
		Degraded:      res.Degraded || readErr != nil,
		TokenCount:    tokens,
	}
}

// readContext returns the pre-turn context. A failed read yields an empty
// context.
func (p *Processor) readContext(ctx context.Context, sessionKey string) ([]datatypes.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SessionTimeout)
	defer cancel()

	history, err := p.sessions.Get(ctx, sessionKey)
	if err != nil {
		slog.Warn("Session context unavailable, continuing without context",
			"session_id", sessionKey, "error", err)
		return nil, err
	}
	return history, nil
}

func (p *Processor) embed(ctx context.Context, req datatypes.TurnRequest) []float32 {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.EmbeddingTimeout)
	defer cancel()

	vec, err := p.embedder.Embed(ctx, req.Message)
	if err != nil {
		slog.Warn("Embedding failed, recording turn without embedding",
			"session_id", req.SessionKey, "embedder", p.embedder.Name(), "error", err)
		return nil
	}
	return vec
}

// generate calls the generator with the pre-turn context. Any failure,
// timeout or empty reply yields the fallback text.
func (p *Processor) generate(ctx context.Context, req datatypes.TurnRequest, history []datatypes.Message) (string, int, string) {
	genHistory := datatypes.StripEmbeddings(history)
	if len(genHistory) == 0 && p.cfg.SystemPrompt != "" {
		genHistory = []datatypes.Message{{Role: datatypes.RoleSystem, Content: p.cfg.SystemPrompt}}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.GenerationTimeout)
	defer cancel()

	start := p.now()
	text, tokens, err := p.generator.Generate(ctx, req.Message, genHistory)
	elapsed := p.now().Sub(start).Seconds()

	if err == nil && text != "" {
		p.metrics.RecordGeneration(p.generator.Name(), false, elapsed)
		return text, tokens, p.generator.Name()
	}
	if err == nil {
		err = errors.New("empty reply")
	}
	slog.Error("Response generation failed, using fallback text",
		"session_id", req.SessionKey,
		"generator", p.generator.Name(),
		"error", err,
	)
	p.metrics.RecordGeneration(p.generator.Name(), true, elapsed)
	return p.cfg.FallbackText, 0, FallbackModel
}
