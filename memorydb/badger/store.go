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


// Package badger implements memorydb.MemoryDb on top of the BadgerDB backend
// shared with the pipeline repository. Similarity queries scan the index.
package badger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/poiesic/docmem/core"
	"github.com/poiesic/docmem/memorydb"
	storebadger "github.com/poiesic/docmem/storage/badger"
)

// Key prefixes for different data types
const (
	indexPrefix  = "mdbidx"
	recordPrefix = "mdbrec"
)

type indexInfo struct {
	VectorSize int `json:"vector_size"`
}

// Store implements memorydb.MemoryDb for BadgerDB.
type Store struct {
	backend *storebadger.Backend
}

var _ memorydb.MemoryDb = (*Store)(nil)

// NewStore creates a memory db on an open backend.
func NewStore(backend *storebadger.Backend) *Store {
	return &Store{backend: backend}
}

// Close is a no-op; the backend is owned by the caller.
func (s *Store) Close() error {
	return nil
}

func makeIndexKey(index string) []byte {
	return []byte(fmt.Sprintf("%s:%s", indexPrefix, memorydb.NormalizeIndexName(index)))
}

func makeRecordPrefix(index string) []byte {
	return []byte(fmt.Sprintf("%s:%s:", recordPrefix, memorydb.NormalizeIndexName(index)))
}

func makeRecordKey(index, id string) []byte {
	return append(makeRecordPrefix(index), id...)
}

func readIndex(tx *badger.Txn, index string) (*indexInfo, error) {
	val, err := storebadger.Get(tx, makeIndexKey(index))
	if err != nil || val == nil {
		return nil, err
	}
	var info indexInfo
	if err := json.Unmarshal(val, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CreateIndex creates the index if it does not exist. An index created without
// a vector size adopts the first non-zero size it is created with.
func (s *Store) CreateIndex(ctx context.Context, index string, vectorSize int) error {
	return s.backend.Update(ctx, func(tx *badger.Txn) error {
		info, err := readIndex(tx, index)
		if err != nil {
			return err
		}
		if info != nil && (info.VectorSize == vectorSize || vectorSize == 0) {
			return nil
		}
		if info != nil && info.VectorSize != 0 {
			return fmt.Errorf("%w: index %q has size %d, requested %d",
				memorydb.ErrDimensionMismatch, index, info.VectorSize, vectorSize)
		}
		val, err := json.Marshal(indexInfo{VectorSize: vectorSize})
		if err != nil {
			return err
		}
		return tx.Set(makeIndexKey(index), val)
	})
}

// DeleteIndex removes an index and its records.
func (s *Store) DeleteIndex(ctx context.Context, index string) error {
	return s.backend.Update(ctx, func(tx *badger.Txn) error {
		if err := storebadger.DeletePrefix(tx, makeRecordPrefix(index)); err != nil {
			return err
		}
		return tx.Delete(makeIndexKey(index))
	})
}

// Upsert creates or replaces a record.
func (s *Store) Upsert(ctx context.Context, index string, record *core.MemoryRecord) error {
	return s.backend.Update(ctx, func(tx *badger.Txn) error {
		info, err := readIndex(tx, index)
		if err != nil {
			return err
		}
		if info == nil {
			return fmt.Errorf("%w: %s", memorydb.ErrIndexNotFound, index)
		}
		if info.VectorSize > 0 && len(record.Vector) > 0 && len(record.Vector) != info.VectorSize {
			return fmt.Errorf("%w: got %d, index %q has %d",
				memorydb.ErrDimensionMismatch, len(record.Vector), index, info.VectorSize)
		}
		val, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Set(makeRecordKey(index, record.ID), val)
	})
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, index string, id string) error {
	return s.backend.Update(ctx, func(tx *badger.Txn) error {
		return tx.Delete(makeRecordKey(index, id))
	})
}

// Get returns a record by id.
func (s *Store) Get(ctx context.Context, index string, id string) (*core.MemoryRecord, error) {
	var record *core.MemoryRecord
	err := s.backend.View(ctx, func(tx *badger.Txn) error {
		val, err := storebadger.Get(tx, makeRecordKey(index, id))
		if err != nil {
			return err
		}
		if val == nil {
			return memorydb.ErrRecordNotFound
		}
		record = &core.MemoryRecord{}
		return json.Unmarshal(val, record)
	})
	return record, err
}

// GetSimilar scans the index and ranks records by cosine similarity.
func (s *Store) GetSimilar(ctx context.Context, index string, vector []float32, limit int, minRelevance float32, filter core.TagCollection) ([]*memorydb.Match, error) {
	var matches []*memorydb.Match
	err := s.backend.View(ctx, func(tx *badger.Txn) error {
		return storebadger.ScanPrefix(tx, makeRecordPrefix(index), func(_, val []byte) error {
			var record core.MemoryRecord
			if err := json.Unmarshal(val, &record); err != nil {
				return err
			}
			// Skip records without embeddings
			if len(record.Vector) == 0 || !memorydb.MatchesFilter(&record, filter) {
				return nil
			}
			relevance := memorydb.CosineSimilarity(vector, record.Vector)
			if relevance >= minRelevance {
				matches = append(matches, &memorydb.Match{Record: &record, Relevance: relevance})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return memorydb.SortMatches(matches, limit), nil
}

// Count returns the number of records in an index.
func (s *Store) Count(ctx context.Context, index string) (int, error) {
	n := 0
	err := s.backend.View(ctx, func(tx *badger.Txn) error {
		return storebadger.ScanPrefix(tx, makeRecordPrefix(index), func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}
