// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// Match is one recalled exchange.
type Match struct {
	Message datatypes.Message  `json:"message"`
	Reply   *datatypes.Message `json:"reply,omitempty"`
	Score   float64            `json:"score"`
}

// Recall ranks the session's own retained messages by similarity to query.
//
// # Description
//
// A nearest-neighbour scan over the embeddings stored with the session. The
// candidate set is the retained window, so the scan is bounded by maxLen and
// needs no separate index. Messages without an embedding, or with one of a
// different dimension, are skipped. Each match carries the assistant reply
// that followed it when that reply is still retained.
//
// # Inputs
//
//   - sessionKey: Session to search.
//   - query: Query embedding.
//   - k: Maximum number of matches. <= 0 returns all candidates.
//
// # Outputs
//
//   - []Match: Best first. Empty when nothing is comparable.
//   - error: Wraps datatypes.ErrStorageUnavailable on backend failure.
func (s *Store) Recall(ctx context.Context, sessionKey string, query []float32, k int) ([]Match, error) {
	msgs, err := s.Get(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	q := toFloat64(query)
	qNorm := floats.Norm(q, 2)
	if qNorm == 0 {
		return []Match{}, nil
	}

	matches := make([]Match, 0, len(msgs))
	for i, m := range msgs {
		if len(m.Embedding) != len(q) {
			continue
		}
		v := toFloat64(m.Embedding)
		vNorm := floats.Norm(v, 2)
		if vNorm == 0 {
			continue
		}
		match := Match{
			Message: m.WithoutEmbedding(),
			Score:   floats.Dot(q, v) / (qNorm * vNorm),
		}
		if i+1 < len(msgs) && msgs[i+1].Role == datatypes.RoleAssistant {
			reply := msgs[i+1].WithoutEmbedding()
			match.Reply = &reply
		}
		matches = append(matches, match)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
