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


// Package postgres implements memorydb.MemoryDb on Postgres with the pgvector
// extension. Every index is a table named "<prefix><normalized index>".
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"

	"github.com/poiesic/docmem/core"
	"github.com/poiesic/docmem/memorydb"
)

// DefaultTablePrefix is prepended to index names.
const DefaultTablePrefix = "docmem_"

// SQLSTATE codes.
const (
	undefinedTable  = "42P01"
	duplicateTable  = "42P07"
	uniqueViolation = "23505"
)

// Store implements memorydb.MemoryDb using Postgres + pgvector.
type Store struct {
	db     *pgxpool.Pool
	prefix string
}

var _ memorydb.MemoryDb = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTablePrefix overrides DefaultTablePrefix.
func WithTablePrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// NewStore connects to Postgres and ensures the vector extension exists.
func NewStore(ctx context.Context, connStr string, opts ...Option) (*Store, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect to Postgres")
	}
	s := &Store{db: db, prefix: DefaultTablePrefix}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := db.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "failed to enable pgvector")
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// TableName returns the quoted table holding an index.
func (s *Store) TableName(index string) string {
	return pgx.Identifier{s.prefix + memorydb.NormalizeIndexName(index)}.Sanitize()
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTable
}

// isConcurrentCreate reports whether err comes from another session creating
// the same table: CREATE TABLE IF NOT EXISTS is not atomic and the loser of
// the race fails on the pg_type or pg_class unique index.
func isConcurrentCreate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == duplicateTable || pgErr.Code == uniqueViolation)
}

// CreateIndex creates the index table if it does not exist. The vector column
// is unconstrained so records without vectors can share the table. A
// concurrent creation of the same table counts as success.
func (s *Store) CreateIndex(ctx context.Context, index string, vectorSize int) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			embedding  vector,
			tags       JSONB NOT NULL DEFAULT '{}'::jsonb,
			payload    JSONB NOT NULL DEFAULT '{}'::jsonb
		)`, s.TableName(index)))
	if isConcurrentCreate(err) {
		return nil
	}
	if err != nil {
		return goerr.Wrap(err, "failed to create index table", goerr.V("index", index), goerr.V("vector_size", vectorSize))
	}
	return nil
}

// DeleteIndex drops the index table.
func (s *Store) DeleteIndex(ctx context.Context, index string) error {
	if _, err := s.db.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.TableName(index))); err != nil {
		return goerr.Wrap(err, "failed to drop index table", goerr.V("index", index))
	}
	return nil
}

// Upsert creates or replaces a record.
func (s *Store) Upsert(ctx context.Context, index string, record *core.MemoryRecord) error {
	tags, err := json.Marshal(record.Tags)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(record.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, embedding, tags, payload)
		VALUES ($1, $2::vector, $3::jsonb, $4::jsonb)
		ON CONFLICT (id) DO UPDATE
		SET embedding = EXCLUDED.embedding, tags = EXCLUDED.tags, payload = EXCLUDED.payload`,
		s.TableName(index)), record.ID, VectorLiteral(record.Vector), string(tags), string(payload))
	if isUndefinedTable(err) {
		return goerr.Wrap(memorydb.ErrIndexNotFound, "index table missing", goerr.V("index", index))
	}
	if err != nil {
		return goerr.Wrap(err, "failed to upsert record", goerr.V("index", index), goerr.V("id", record.ID))
	}
	return nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, index string, id string) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.TableName(index)), id)
	if err != nil && !isUndefinedTable(err) {
		return goerr.Wrap(err, "failed to delete record", goerr.V("index", index), goerr.V("id", id))
	}
	return nil
}

// Get returns a record by id.
func (s *Store) Get(ctx context.Context, index string, id string) (*core.MemoryRecord, error) {
	row := s.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT id, COALESCE(embedding::text, ''), tags::text, payload::text FROM %s WHERE id = $1`,
		s.TableName(index)), id)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memorydb.ErrRecordNotFound
	}
	if isUndefinedTable(err) {
		return nil, goerr.Wrap(memorydb.ErrIndexNotFound, "index table missing", goerr.V("index", index))
	}
	return record, err
}

// GetSimilar ranks records by cosine distance.
func (s *Store) GetSimilar(ctx context.Context, index string, vector []float32, limit int, minRelevance float32, filter core.TagCollection) ([]*memorydb.Match, error) {
	if limit <= 0 {
		limit = 10
	}
	if filter == nil {
		filter = core.TagCollection{}
	}
	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT id, embedding::text, tags::text, payload::text, 1 - (embedding <=> $1::vector) AS relevance
		FROM %s
		WHERE embedding IS NOT NULL AND tags @> $2::jsonb
		ORDER BY embedding <=> $1::vector
		LIMIT $3`, s.TableName(index)), VectorLiteral(vector), string(filterJSON), limit)
	if isUndefinedTable(err) {
		return nil, goerr.Wrap(memorydb.ErrIndexNotFound, "index table missing", goerr.V("index", index))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "similarity query failed", goerr.V("index", index))
	}
	defer rows.Close()

	var matches []*memorydb.Match
	for rows.Next() {
		var (
			record    core.MemoryRecord
			embedding string
			tags      string
			payload   string
			relevance float64
		)
		if err := rows.Scan(&record.ID, &embedding, &tags, &payload, &relevance); err != nil {
			return nil, err
		}
		if err := decodeRecord(&record, embedding, tags, payload); err != nil {
			return nil, err
		}
		if float32(relevance) >= minRelevance {
			matches = append(matches, &memorydb.Match{Record: &record, Relevance: float32(relevance)})
		}
	}
	return matches, rows.Err()
}

func scanRecord(row pgx.Row) (*core.MemoryRecord, error) {
	var (
		record    core.MemoryRecord
		embedding string
		tags      string
		payload   string
	)
	if err := row.Scan(&record.ID, &embedding, &tags, &payload); err != nil {
		return nil, err
	}
	if err := decodeRecord(&record, embedding, tags, payload); err != nil {
		return nil, err
	}
	return &record, nil
}

func decodeRecord(record *core.MemoryRecord, embedding, tags, payload string) error {
	record.Vector = ParseVector(embedding)
	if err := json.Unmarshal([]byte(tags), &record.Tags); err != nil {
		return goerr.Wrap(err, "invalid tags column", goerr.V("id", record.ID))
	}
	if err := json.Unmarshal([]byte(payload), &record.Payload); err != nil {
		return goerr.Wrap(err, "invalid payload column", goerr.V("id", record.ID))
	}
	return nil
}

// VectorLiteral renders a vector in pgvector text form, or nil (SQL NULL)
// for an empty vector.
func VectorLiteral(v []float32) *string {
	if len(v) == 0 {
		return nil
	}
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'f', -1, 32)
	}
	s := "[" + strings.Join(parts, ",") + "]"
	return &s
}

// ParseVector parses the pgvector text form.
func ParseVector(text string) []float32 {
	text = strings.Trim(text, "[]")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	parts := strings.Split(text, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			continue
		}
		vec = append(vec, float32(f))
	}
	return vec
}
