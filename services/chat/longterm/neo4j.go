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

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// Neo4jConfig configures the graph sink.
type Neo4jConfig struct {
	URI      string `mapstructure:"uri" yaml:"uri"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
}

// turnGraphCypher links a turn into the session graph. Question and Answer
// nodes are keyed by turn id, so replaying a turn merges onto the same nodes.
const turnGraphCypher = `
MERGE (s:Session {id: $session_id})
MERGE (q:Question {turn_id: $turn_id})
  ON CREATE SET q.text = $message, q.timestamp = $asked_at
MERGE (a:Answer {turn_id: $turn_id})
  ON CREATE SET a.text = $response, a.model = $model, a.timestamp = $answered_at
MERGE (s)-[:CONTAINS]->(q)
MERGE (s)-[:CONTAINS]->(a)
MERGE (q)-[:GENERATES]->(a)
FOREACH (_ IN CASE WHEN $user_id <> '' THEN [1] ELSE [] END |
  MERGE (u:User {id: $user_id})
  MERGE (u)-[:HAS_SESSION]->(s))
`

// Neo4jSink writes the Session-CONTAINS-Question-GENERATES-Answer graph.
type Neo4jSink struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4jSink creates a driver for cfg.URI. Connectivity is checked lazily.
func NewNeo4jSink(cfg Neo4jConfig) (*Neo4jSink, error) {
	if cfg.URI == "" {
		return nil, errors.New("neo4j sink: uri is required")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	return &Neo4jSink{driver: driver, database: cfg.Database}, nil
}

// Name implements Sink.
func (n *Neo4jSink) Name() string { return "neo4j" }

// Insert implements Sink.
func (n *Neo4jSink) Insert(ctx context.Context, turn datatypes.ConversationTurn) error {
	var opts []neo4j.ExecuteQueryConfigurationOption
	if n.database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(n.database))
	}
	_, err := neo4j.ExecuteQuery(ctx, n.driver, turnGraphCypher, neo4jParams(turn),
		neo4j.EagerResultTransformer, opts...)
	if err != nil {
		return datatypes.Unavailable("neo4j insert", err)
	}
	return nil
}

// Ping implements Pinger.
func (n *Neo4jSink) Ping(ctx context.Context) error {
	if err := n.driver.VerifyConnectivity(ctx); err != nil {
		return datatypes.Unavailable("neo4j ping", err)
	}
	return nil
}

// Close closes the driver.
func (n *Neo4jSink) Close() error {
	return n.driver.Close(context.Background())
}

func neo4jParams(turn datatypes.ConversationTurn) map[string]any {
	return map[string]any{
		"session_id":  turn.SessionKey,
		"turn_id":     turn.TurnID,
		"message":     turn.User.Content,
		"response":    turn.Assistant.Content,
		"model":       turn.Assistant.Model,
		"asked_at":    turn.User.Timestamp.UnixMilli(),
		"answered_at": turn.Assistant.Timestamp.UnixMilli(),
		"user_id":     turn.Metadata[datatypes.MetaUserID],
	}
}
