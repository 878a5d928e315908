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
	"hash/fnv"
	"strings"
	"unicode"

	"gonum.org/v1/gonum/floats"
)

// DefaultHashingDims is the vector size of the hashing embedder.
const DefaultHashingDims = 256

// HashingEmbedder is a local feature-hashing embedder.
//
// Each lower-cased word and adjacent word pair is hashed into one of Dims
// buckets with a hash-derived sign, then the vector is L2 normalised. The
// same text always yields the same vector, and texts that share words have
// positive cosine similarity. It needs no model server.
type HashingEmbedder struct {
	dims int
}

// NewHashingEmbedder creates the embedder. dims <= 0 uses DefaultHashingDims.
func NewHashingEmbedder(dims int) *HashingEmbedder {
	if dims <= 0 {
		dims = DefaultHashingDims
	}
	return &HashingEmbedder{dims: dims}
}

// Name implements Embedder.
func (h *HashingEmbedder) Name() string { return "hashing" }

// Dims returns the vector size.
func (h *HashingEmbedder) Dims() int { return h.dims }

// Embed implements Embedder. Text without words yields a zero vector.
func (h *HashingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	vec := make([]float64, h.dims)
	for i, w := range words {
		h.add(vec, w)
		if i > 0 {
			h.add(vec, words[i-1]+" "+w)
		}
	}

	if norm := floats.Norm(vec, 2); norm > 0 {
		floats.Scale(1/norm, vec)
	}
	out := make([]float32, h.dims)
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out, nil
}

func (h *HashingEmbedder) add(vec []float64, feature string) {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(feature))
	sum := hasher.Sum64()

	idx := int(sum % uint64(h.dims))
	if sum>>63 == 1 {
		vec[idx]--
	} else {
		vec[idx]++
	}
}
