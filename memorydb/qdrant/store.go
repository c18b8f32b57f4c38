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


// Package qdrant implements memorydb.MemoryDb over the Qdrant REST API.
//
// Qdrant point ids must be integers or UUIDs, so the point id is derived from
// the record id with core.IDFromContent and the record id is kept in the
// point payload.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/poiesic/docmem/core"
	"github.com/poiesic/docmem/memorydb"
)

const (
	payloadIDField      = "id"
	payloadTagsField    = "tags"
	payloadPayloadField = "payload"
)

// DefaultCollectionPrefix is prepended to index names.
const DefaultCollectionPrefix = "docmem-"

type qdrantStatus struct {
	State string
	Error string
}

func (s *qdrantStatus) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		s.State = strings.ToLower(v)
		return nil
	}
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj.Error != "" {
		s.State = "error"
		s.Error = obj.Error
	}
	return nil
}

type qdrantEnvelope[T any] struct {
	Status qdrantStatus `json:"status"`
	Result T            `json:"result"`
}

type qdrantPoint struct {
	ID      uint64          `json:"id"`
	Vector  json.RawMessage `json:"vector,omitempty"`
	Payload pointPayload    `json:"payload"`
	Score   float32         `json:"score,omitempty"`
}

type pointPayload struct {
	ID      string             `json:"id"`
	Tags    core.TagCollection `json:"tags"`
	Payload map[string]string  `json:"payload"`
}

type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("qdrant http %d: %s", e.status, e.body)
}

// Store implements memorydb.MemoryDb for Qdrant.
type Store struct {
	baseURL string
	apiKey  string
	prefix  string
	client  *http.Client
}

var _ memorydb.MemoryDb = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithAPIKey sets the api-key header.
func WithAPIKey(key string) Option {
	return func(s *Store) {
		s.apiKey = key
	}
}

// WithHTTPClient overrides the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Store) {
		s.client = client
	}
}

// WithCollectionPrefix overrides DefaultCollectionPrefix.
func WithCollectionPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// NewStore creates a Qdrant-backed memory db.
func NewStore(baseURL string, opts ...Option) *Store {
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	s := &Store{
		baseURL: strings.TrimRight(baseURL, "/"),
		prefix:  DefaultCollectionPrefix,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// CollectionName returns the collection holding an index.
func (s *Store) CollectionName(index string) string {
	return s.prefix + memorydb.NormalizeIndexName(index)
}

// PointID derives the numeric point id of a record.
func PointID(recordID string) uint64 {
	return uint64(core.IDFromContent(recordID))
}

func (s *Store) collectionPath(index string, suffix string) string {
	return "/collections/" + url.PathEscape(s.CollectionName(index)) + suffix
}

// CreateIndex creates the collection if it does not exist.
func (s *Store) CreateIndex(ctx context.Context, index string, vectorSize int) error {
	exists, err := s.collectionExists(ctx, index)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	vectors := map[string]any{}
	if vectorSize > 0 {
		vectors = map[string]any{"size": vectorSize, "distance": "Cosine"}
	}
	err = s.do(ctx, http.MethodPut, s.collectionPath(index, ""), map[string]any{"vectors": vectors}, nil)
	var he *httpError
	if errors.As(err, &he) && he.status == http.StatusConflict {
		// Created concurrently by another worker.
		return nil
	}
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return nil
	}
	if err != nil {
		return goerr.Wrap(err, "failed to create collection", goerr.V("index", index))
	}
	return nil
}

func (s *Store) collectionExists(ctx context.Context, index string) (bool, error) {
	err := s.do(ctx, http.MethodGet, s.collectionPath(index, ""), nil, nil)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, goerr.Wrap(err, "failed to read collection", goerr.V("index", index))
	}
	return true, nil
}

// DeleteIndex deletes the collection.
func (s *Store) DeleteIndex(ctx context.Context, index string) error {
	err := s.do(ctx, http.MethodDelete, s.collectionPath(index, ""), nil, nil)
	if err != nil && !isNotFound(err) {
		return goerr.Wrap(err, "failed to delete collection", goerr.V("index", index))
	}
	return nil
}

// Upsert creates or replaces a point.
func (s *Store) Upsert(ctx context.Context, index string, record *core.MemoryRecord) error {
	var vector any = map[string]any{}
	if len(record.Vector) > 0 {
		vector = record.Vector
	}
	req := map[string]any{
		"points": []map[string]any{{
			"id":     PointID(record.ID),
			"vector": vector,
			"payload": map[string]any{
				payloadIDField:      record.ID,
				payloadTagsField:    record.Tags,
				payloadPayloadField: record.Payload,
			},
		}},
	}
	err := s.do(ctx, http.MethodPut, s.collectionPath(index, "/points?wait=true"), req, nil)
	if isNotFound(err) {
		return goerr.Wrap(memorydb.ErrIndexNotFound, "collection missing", goerr.V("index", index))
	}
	if err != nil {
		return goerr.Wrap(err, "failed to upsert point", goerr.V("index", index), goerr.V("id", record.ID))
	}
	return nil
}

// Delete removes a point.
func (s *Store) Delete(ctx context.Context, index string, id string) error {
	req := map[string]any{"points": []uint64{PointID(id)}}
	err := s.do(ctx, http.MethodPost, s.collectionPath(index, "/points/delete?wait=true"), req, nil)
	if err != nil && !isNotFound(err) {
		return goerr.Wrap(err, "failed to delete point", goerr.V("index", index), goerr.V("id", id))
	}
	return nil
}

// Get returns a record by id.
func (s *Store) Get(ctx context.Context, index string, id string) (*core.MemoryRecord, error) {
	req := map[string]any{
		"ids":          []uint64{PointID(id)},
		"with_payload": true,
		"with_vector":  true,
	}
	var resp qdrantEnvelope[[]qdrantPoint]
	err := s.do(ctx, http.MethodPost, s.collectionPath(index, "/points"), req, &resp)
	if isNotFound(err) {
		return nil, goerr.Wrap(memorydb.ErrIndexNotFound, "collection missing", goerr.V("index", index))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read point", goerr.V("index", index), goerr.V("id", id))
	}
	if len(resp.Result) == 0 {
		return nil, memorydb.ErrRecordNotFound
	}
	return toRecord(resp.Result[0]), nil
}

// GetSimilar runs a filtered vector search.
func (s *Store) GetSimilar(ctx context.Context, index string, vector []float32, limit int, minRelevance float32, filter core.TagCollection) ([]*memorydb.Match, error) {
	if limit <= 0 {
		limit = 10
	}
	req := map[string]any{
		"vector":          vector,
		"limit":           limit,
		"with_vector":     true,
		"with_payload":    true,
		"score_threshold": minRelevance,
	}
	if must := filterConditions(filter); len(must) > 0 {
		req["filter"] = map[string]any{"must": must}
	}
	var resp qdrantEnvelope[[]qdrantPoint]
	err := s.do(ctx, http.MethodPost, s.collectionPath(index, "/points/search"), req, &resp)
	if isNotFound(err) {
		return nil, goerr.Wrap(memorydb.ErrIndexNotFound, "collection missing", goerr.V("index", index))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "search failed", goerr.V("index", index))
	}
	matches := make([]*memorydb.Match, 0, len(resp.Result))
	for _, p := range resp.Result {
		matches = append(matches, &memorydb.Match{Record: toRecord(p), Relevance: p.Score})
	}
	return memorydb.SortMatches(matches, limit), nil
}

func filterConditions(filter core.TagCollection) []map[string]any {
	var must []map[string]any
	for k, values := range filter {
		for _, v := range values {
			must = append(must, map[string]any{
				"key":   payloadTagsField + "." + k,
				"match": map[string]any{"value": v},
			})
		}
	}
	return must
}

func toRecord(p qdrantPoint) *core.MemoryRecord {
	record := &core.MemoryRecord{
		ID:      p.Payload.ID,
		Tags:    p.Payload.Tags,
		Payload: p.Payload.Payload,
	}
	var vec []float32
	if len(p.Vector) > 0 && json.Unmarshal(p.Vector, &vec) == nil {
		record.Vector = vec
	}
	if record.Tags == nil {
		record.Tags = make(core.TagCollection)
	}
	if record.Payload == nil {
		record.Payload = make(map[string]string)
	}
	return record
}

func isNotFound(err error) bool {
	var he *httpError
	return errors.As(err, &he) && he.status == http.StatusNotFound
}

func (s *Store) do(ctx context.Context, method, path string, body any, out any) error {
	u := s.baseURL + path

	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if resp.StatusCode >= 400 {
		return &httpError{status: resp.StatusCode, body: strings.TrimSpace(string(payload))}
	}

	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return err
		}
	}
	return nil
}
