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


package search

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/poiesic/docmem/ai"
	"github.com/poiesic/docmem/core"
	"github.com/poiesic/docmem/memorydb"
)

const (
	// DefaultLimit is the number of results returned when a query sets none.
	DefaultLimit = 10

	verbatimBoost = 0.3
)

// Query describes one search request.
type Query struct {
	// Index to search. Empty selects the searcher's default index.
	Index string
	Text  string
	// Limit caps the number of results. Zero selects the default.
	Limit int
	// MinRelevance drops matches below this cosine similarity. Zero selects
	// the searcher's default.
	MinRelevance float32
	// Filter restricts results to records carrying every listed tag value.
	Filter core.TagCollection
}

// Result is a memory record matching a query.
type Result struct {
	Record *core.MemoryRecord
	// Relevance is the best similarity reported by any memory db.
	Relevance float32
	// Score ranks results: relevance plus the verbatim boost.
	Score    float32
	Verbatim bool
}

// DocumentID returns the id of the document the record was built from.
func (r *Result) DocumentID() string {
	return firstTag(r.Record, core.ReservedDocumentIdTag)
}

// Text returns the partition text stored with the record.
func (r *Result) Text() string {
	return r.Record.Payload[core.ReservedPayloadTextField]
}

// FileName returns the name of the source file.
func (r *Result) FileName() string {
	return r.Record.Payload[core.ReservedPayloadFileNameField]
}

// URL returns the source URL for records built from web pages.
func (r *Result) URL() string {
	return r.Record.Payload[core.ReservedPayloadUrlField]
}

func firstTag(record *core.MemoryRecord, key string) string {
	if values := record.Tags[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// Searcher runs similarity queries across every configured memory db.
type Searcher struct {
	memoryDbs    []memorydb.MemoryDb
	embedder     ai.Embedder
	defaultIndex string
	limit        int
	minRelevance float32
	logger       *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithDefaultIndex sets the index searched when a query names none.
// Default is "default".
func WithDefaultIndex(index string) Option {
	return func(s *Searcher) error {
		if index == "" {
			return goerr.Wrap(core.ErrConfiguration, "default index must not be empty")
		}
		s.defaultIndex = index
		return nil
	}
}

// WithDefaultLimit sets the result limit used when a query sets none.
func WithDefaultLimit(limit int) Option {
	return func(s *Searcher) error {
		if limit <= 0 {
			return goerr.Wrap(core.ErrConfiguration, "limit must be positive", goerr.V("limit", limit))
		}
		s.limit = limit
		return nil
	}
}

// WithMinRelevance sets the relevance threshold used when a query sets none.
func WithMinRelevance(minRelevance float32) Option {
	return func(s *Searcher) error {
		if minRelevance < 0 || minRelevance > 1 {
			return goerr.Wrap(core.ErrConfiguration, "min relevance must be within [0, 1]", goerr.V("min_relevance", minRelevance))
		}
		s.minRelevance = minRelevance
		return nil
	}
}

// NewSearcher creates a new searcher.
func NewSearcher(memoryDbs []memorydb.MemoryDb, embedder ai.Embedder, opts ...Option) (*Searcher, error) {
	if len(memoryDbs) == 0 {
		return nil, ErrMemoryDbRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}

	s := &Searcher{
		memoryDbs:    memoryDbs,
		embedder:     embedder,
		defaultIndex: "default",
		limit:        DefaultLimit,
		logger:       slog.Default(),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "searcher")

	return s, nil
}

// Search returns the records most similar to the query text.
func (s *Searcher) Search(ctx context.Context, q Query) ([]*Result, error) {
	return s.SearchWithMonitor(ctx, q, nil)
}

// SearchWithMonitor is Search with callbacks at each stage of the search.
func (s *Searcher) SearchWithMonitor(ctx context.Context, q Query, monitor SearchMonitor) ([]*Result, error) {
	if monitor == nil {
		monitor = &noopMonitor{}
	}
	if strings.TrimSpace(q.Text) == "" {
		return nil, ErrEmptyQuery
	}
	if q.Index == "" {
		q.Index = s.defaultIndex
	}
	if q.Limit <= 0 {
		q.Limit = s.limit
	}
	if q.MinRelevance <= 0 {
		q.MinRelevance = s.minRelevance
	}

	monitor.Start(q)

	vector, err := s.embedder.EmbedText(ctx, q.Text)
	if err != nil {
		s.logger.Error("error generating embedding for query", "query", q.Text, "err", err)
		return nil, goerr.Wrap(err, "failed to embed query")
	}
	monitor.AfterEmbedding(len(vector))

	best := make(map[string]*Result)
	for i, db := range s.memoryDbs {
		matches, err := db.GetSimilar(ctx, q.Index, vector, q.Limit, q.MinRelevance, q.Filter)
		if errors.Is(err, memorydb.ErrIndexNotFound) {
			s.logger.Debug("index not found, skipping memory db", "index", q.Index, "store", i)
			continue
		}
		if err != nil {
			s.logger.Error("error querying for similar records", "index", q.Index, "store", i, "err", err)
			return nil, goerr.Wrap(err, "similarity search failed", goerr.V("index", q.Index), goerr.V("store", i))
		}
		monitor.AfterStoreSearch(i, matches)

		for _, m := range matches {
			if m.Relevance < q.MinRelevance {
				continue
			}
			if prev, ok := best[m.Record.ID]; ok && prev.Relevance >= m.Relevance {
				continue
			}
			best[m.Record.ID] = &Result{Record: m.Record, Relevance: m.Relevance}
		}
	}

	results := make([]*Result, 0, len(best))
	for _, r := range best {
		r.Score = r.Relevance
		if containsAllQueryWords(r.Text(), q.Text) {
			r.Verbatim = true
			r.Score += verbatimBoost
			monitor.VerbatimHit(r)
		}
		results = append(results, r)
	}

	// Sort by score descending, record id for a stable order
	slices.SortFunc(results, func(a, b *Result) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return strings.Compare(a.Record.ID, b.Record.ID)
	})
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	monitor.Finish(results)

	return results, nil
}
