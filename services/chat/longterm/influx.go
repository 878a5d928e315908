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
	"unicode/utf8"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// TurnMeasurement is the InfluxDB measurement of turn points.
const TurnMeasurement = "chat_turn"

// InfluxConfig configures the time-series sink.
type InfluxConfig struct {
	URL    string `mapstructure:"url" yaml:"url"`
	Token  string `mapstructure:"token" yaml:"token"`
	Org    string `mapstructure:"org" yaml:"org"`
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
}

// InfluxSink writes one point per turn.
//
// # Description
//
// Tags are the low-cardinality dimensions (model, instance); session and
// turn ids are fields. A point is identified by measurement, tag set and
// timestamp, so a repeated insert overwrites the same point.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxSink creates the client.
func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx sink: url, org and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

// Name implements Sink.
func (s *InfluxSink) Name() string { return "influx" }

// Insert implements Sink.
func (s *InfluxSink) Insert(ctx context.Context, turn datatypes.ConversationTurn) error {
	p := influxdb2.NewPointWithMeasurement(TurnMeasurement).
		AddTag("model", turn.Assistant.Model).
		AddTag("instance_id", turn.Metadata[datatypes.MetaInstanceID]).
		AddField("session_id", turn.SessionKey).
		AddField("turn_id", turn.TurnID).
		AddField("message_chars", utf8.RuneCountInString(turn.User.Content)).
		AddField("response_chars", utf8.RuneCountInString(turn.Assistant.Content)).
		AddField("token_count", metaInt(turn.Metadata, datatypes.MetaTokenCount)).
		AddField("response_time_ms", metaInt(turn.Metadata, datatypes.MetaResponseTimeMs)).
		SetTime(turn.User.Timestamp)

	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return datatypes.Unavailable("influx write", err)
	}
	return nil
}

// Ping implements Pinger.
func (s *InfluxSink) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return datatypes.Unavailable("influx ping", err)
	}
	if !ok {
		return datatypes.Unavailable("influx ping", errors.New("server not ready"))
	}
	return nil
}

// Close releases the client.
func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}
