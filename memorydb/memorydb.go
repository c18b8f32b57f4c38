// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package memorydb defines the vector store contract used to persist memory
// records, plus helpers shared by its implementations.
package memorydb

import (
	"context"
	"errors"
	"math"
	"slices"
	"strings"

	"github.com/poiesic/docmem/core"
)

var (
	// ErrIndexNotFound is returned when an operation targets an index that
	// was never created (or has been deleted).
	ErrIndexNotFound = errors.New("index not found")

	// ErrRecordNotFound is returned by Get for an unknown record id.
	ErrRecordNotFound = errors.New("memory record not found")

	// ErrDimensionMismatch indicates a vector whose size differs from the index.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// MemoryDb is a vector store holding memory records grouped in indexes.
// Implementations must be safe for concurrent use.
type MemoryDb interface {
	// CreateIndex creates the index if it does not exist. vectorSize may be
	// zero for indexes holding records without vectors.
	CreateIndex(ctx context.Context, index string, vectorSize int) error

	// DeleteIndex removes an index and every record in it.
	DeleteIndex(ctx context.Context, index string) error

	// Upsert creates or replaces the record with the same id.
	// Returns ErrIndexNotFound if the index does not exist.
	Upsert(ctx context.Context, index string, record *core.MemoryRecord) error

	// Delete removes a record. Missing records and indexes are not errors.
	Delete(ctx context.Context, index string, id string) error

	// Get returns a record by id.
	Get(ctx context.Context, index string, id string) (*core.MemoryRecord, error)

	// GetSimilar returns up to limit records whose relevance to vector is at
	// least minRelevance, most relevant first. Records must carry every tag
	// value listed in filter.
	GetSimilar(ctx context.Context, index string, vector []float32, limit int, minRelevance float32, filter core.TagCollection) ([]*Match, error)

	// Close releases resources held by the store.
	Close() error
}

// Match is a record returned by a similarity query.
type Match struct {
	Record    *core.MemoryRecord
	Relevance float32
}

// NormalizeIndexName maps an index name to the subset of characters every
// backend accepts: lowercase letters, digits, '-' and '_'.
func NormalizeIndexName(index string) string {
	index = strings.ToLower(strings.TrimSpace(index))
	if index == "" {
		return "default"
	}
	var b strings.Builder
	for _, r := range index {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 if
// either vector is empty or zero.
func CosineSimilarity(a, b []float32) float32 {
	n := min(len(a), len(b))
	if n == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// MatchesFilter reports whether the record carries every tag value in filter.
func MatchesFilter(record *core.MemoryRecord, filter core.TagCollection) bool {
	for k, values := range filter {
		for _, v := range values {
			if !slices.Contains(record.Tags[k], v) {
				return false
			}
		}
	}
	return true
}

// SortMatches orders matches by relevance, highest first, and truncates to limit.
func SortMatches(matches []*Match, limit int) []*Match {
	slices.SortStableFunc(matches, func(a, b *Match) int {
		if a.Relevance > b.Relevance {
			return -1
		}
		if a.Relevance < b.Relevance {
			return 1
		}
		return 0
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}
