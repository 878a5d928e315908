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
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// DefaultTurnsTopic is the topic turn events are published on.
const DefaultTurnsTopic = "chat.turns"

// TurnRecordedEvent is the payload of a turn event.
type TurnRecordedEvent struct {
	Type       string            `json:"type"`
	TurnID     string            `json:"turn_id"`
	SessionKey string            `json:"session_id"`
	User       datatypes.Message `json:"user"`
	Assistant  datatypes.Message `json:"assistant"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// EventSink publishes a TurnRecordedEvent per turn.
//
// # Description
//
// The watermill message UUID is the turn id, so consumers can drop
// redelivered events. Any watermill Publisher works; production uses a
// Redis stream publisher, tests use gochannel.
type EventSink struct {
	pub   message.Publisher
	topic string
}

// NewEventSink wraps pub. An empty topic uses DefaultTurnsTopic.
func NewEventSink(pub message.Publisher, topic string) *EventSink {
	if topic == "" {
		topic = DefaultTurnsTopic
	}
	return &EventSink{pub: pub, topic: topic}
}

// NewRedisStreamPublisher builds a Redis stream publisher over client.
func NewRedisStreamPublisher(client redis.UniversalClient, logger *slog.Logger) (message.Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, watermill.NewSlogLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create redis stream publisher: %w", err)
	}
	return pub, nil
}

// Name implements Sink.
func (e *EventSink) Name() string { return "events" }

// Topic returns the publish topic.
func (e *EventSink) Topic() string { return e.topic }

// Insert implements Sink.
func (e *EventSink) Insert(ctx context.Context, turn datatypes.ConversationTurn) error {
	payload, err := json.Marshal(TurnRecordedEvent{
		Type:       "turn.recorded",
		TurnID:     turn.TurnID,
		SessionKey: turn.SessionKey,
		User:       turn.User.WithoutEmbedding(),
		Assistant:  turn.Assistant.WithoutEmbedding(),
		Metadata:   turn.Metadata,
	})
	if err != nil {
		return fmt.Errorf("encode turn event: %w", err)
	}

	msg := message.NewMessage(turn.TurnID, payload)
	msg.Metadata.Set("session_id", turn.SessionKey)
	msg.SetContext(ctx)

	if err := e.pub.Publish(e.topic, msg); err != nil {
		return datatypes.Unavailable("publish turn event", err)
	}
	return nil
}

// Close closes the publisher.
func (e *EventSink) Close() error {
	return e.pub.Close()
}
