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


package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/docmem/core"
	"github.com/poiesic/docmem/memorydb"
)

// DefaultSaveConcurrency is the number of artifacts saved in parallel.
const DefaultSaveConcurrency = 4

// SaveRecordsHandler materializes artifacts into memory records in every
// configured memory db, after deleting the records of superseded executions
// that the current execution does not reproduce.
//
// When embedding generation is enabled a record is built from each
// TextEmbeddingVector artifact. Otherwise records are built directly from
// partition and synthetic artifacts and carry no vector.
type SaveRecordsHandler struct {
	stepName          string
	orchestrator      Orchestrator
	memoryDbs         []memorydb.MemoryDb
	embeddingsEnabled bool
	concurrency       int
	now               func() time.Time
	logger            *slog.Logger
}

// SaveOption configures a SaveRecordsHandler.
type SaveOption func(*SaveRecordsHandler)

// WithConcurrency bounds the number of artifacts processed in parallel.
func WithConcurrency(n int) SaveOption {
	return func(h *SaveRecordsHandler) {
		if n > 0 {
			h.concurrency = n
		}
	}
}

// WithSaveClock overrides the clock used for the last update payload field.
func WithSaveClock(now func() time.Time) SaveOption {
	return func(h *SaveRecordsHandler) {
		if now != nil {
			h.now = now
		}
	}
}

// WithSaveLogger sets the handler logger.
func WithSaveLogger(logger *slog.Logger) SaveOption {
	return func(h *SaveRecordsHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewSaveRecordsHandler creates the record saving handler for stepName.
// It fails with core.ErrConfiguration when no memory db is configured.
func NewSaveRecordsHandler(stepName string, orchestrator Orchestrator, opts ...SaveOption) (*SaveRecordsHandler, error) {
	h := &SaveRecordsHandler{
		stepName:          stepName,
		orchestrator:      orchestrator,
		memoryDbs:         orchestrator.MemoryDbs(),
		embeddingsEnabled: orchestrator.EmbeddingGenerationEnabled(),
		concurrency:       DefaultSaveConcurrency,
		now:               orchestrator.Now,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("handler", stepName)

	if len(h.memoryDbs) == 0 {
		h.logger.Error("handler not ready, no memory db configured")
		return nil, goerr.Wrap(core.ErrConfiguration, "no memory db configured", goerr.V("step", stepName))
	}
	h.logger.Info("handler ready", "memory_dbs", len(h.memoryDbs), "embeddings", h.embeddingsEnabled)
	return h, nil
}

func (h *SaveRecordsHandler) StepName() string {
	return h.stepName
}

func (h *SaveRecordsHandler) Invoke(ctx context.Context, p *core.DataPipeline) (bool, *core.DataPipeline, error) {
	h.logger.Debug("saving memory records", "index", p.Index, "document_id", p.DocumentID)

	if err := h.purge(ctx, p); err != nil {
		return false, p, err
	}
	p.PreviousExecutionsToPurge = nil

	var (
		found bool
		err   error
	)
	if h.embeddingsEnabled {
		found, err = h.saveEmbeddings(ctx, p)
	} else {
		found, err = h.savePartitions(ctx, p)
	}
	if err != nil {
		return false, p, err
	}

	if !found {
		h.logger.Warn("no artifacts found, nothing to save, moving to next pipeline step",
			"index", p.Index, "document_id", p.DocumentID, "embeddings", h.embeddingsEnabled)
	}
	return true, p, nil
}

// recordSource is an artifact together with the record id it produces.
type recordSource struct {
	recordID string
	file     *core.FileDetails
	artifact *core.GeneratedFileDetails
}

func artifactsOf(p *core.DataPipeline, types ...core.ArtifactType) []recordSource {
	var out []recordSource
	for _, f := range p.Files {
		for _, g := range f.GeneratedFilesOfType(types...) {
			out = append(out, recordSource{
				recordID: core.RecordID(p.DocumentID, g.ID),
				file:     f,
				artifact: g,
			})
		}
	}
	return out
}

func embeddingArtifacts(p *core.DataPipeline) []recordSource {
	return artifactsOf(p, core.ArtifactTypeTextEmbeddingVector)
}

func partitionArtifacts(p *core.DataPipeline) []recordSource {
	return artifactsOf(p, core.ArtifactTypeTextPartition, core.ArtifactTypeSyntheticData)
}

// purge deletes from every memory db the records of superseded executions
// that the current execution does not produce again.
func (h *SaveRecordsHandler) purge(ctx context.Context, p *core.DataPipeline) error {
	if len(p.PreviousExecutionsToPurge) == 0 {
		return nil
	}

	current := partitionArtifacts(p)
	if h.embeddingsEnabled {
		current = embeddingArtifacts(p)
	}
	keep := make(map[string]bool, len(current))
	for _, src := range current {
		keep[src.recordID] = true
	}

	var stale []string
	seen := make(map[string]bool)
	for _, old := range p.PreviousExecutionsToPurge {
		candidates := append(embeddingArtifacts(old), partitionArtifacts(old)...)
		for _, src := range candidates {
			if keep[src.recordID] || seen[src.recordID] {
				continue
			}
			seen[src.recordID] = true
			stale = append(stale, src.recordID)
		}
	}

	err := h.runAll(ctx, len(stale), func(ctx context.Context, i int) error {
		id := stale[i]
		for _, db := range h.memoryDbs {
			h.logger.Debug("deleting old record", "record_id", id)
			if err := db.Delete(ctx, p.Index, id); err != nil && !errors.Is(err, memorydb.ErrIndexNotFound) {
				return goerr.Wrap(err, "failed to delete old record", goerr.V("index", p.Index), goerr.V("record_id", id))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	h.logger.Debug("previous executions purged", "executions", len(p.PreviousExecutionsToPurge), "deleted", len(stale))
	return nil
}

func (h *SaveRecordsHandler) saveEmbeddings(ctx context.Context, p *core.DataPipeline) (bool, error) {
	sources := embeddingArtifacts(p)
	pending := h.unprocessed(sources)
	indexes := newIndexCache()

	err := h.runAll(ctx, len(pending), func(ctx context.Context, i int) error {
		src := pending[i]

		raw, err := h.orchestrator.ReadTextFile(ctx, p, src.artifact.Name)
		if err != nil {
			return err
		}
		content, err := decodeEmbedding(src.artifact.Name, raw)
		if err != nil {
			return err
		}

		text, err := h.orchestrator.ReadTextFile(ctx, p, content.SourceFileName)
		if err != nil {
			return err
		}
		url, err := h.sourceURL(ctx, p, src.file)
		if err != nil {
			return err
		}

		record, err := h.prepareRecord(p, recordFields{
			recordID:        src.recordID,
			file:            src.file,
			url:             url,
			partitionID:     src.artifact.SourcePartitionID,
			text:            text,
			partitionNumber: src.artifact.PartitionNumber,
			sectionNumber:   src.artifact.SectionNumber,
			vector:          content.Vector,
			provider:        content.GeneratorProvider,
			generator:       content.GeneratorName,
			tags:            src.artifact.Tags,
		})
		if err != nil {
			return err
		}

		if err := h.store(ctx, indexes, p.Index, record); err != nil {
			return err
		}
		src.artifact.MarkProcessedBy(h)
		return nil
	})
	return len(sources) > 0, err
}

func (h *SaveRecordsHandler) savePartitions(ctx context.Context, p *core.DataPipeline) (bool, error) {
	sources := partitionArtifacts(p)
	pending := h.unprocessed(sources)
	indexes := newIndexCache()

	err := h.runAll(ctx, len(pending), func(ctx context.Context, i int) error {
		src := pending[i]

		if !isText(src.artifact.MimeType) {
			h.logger.Warn("file cannot be saved, type not supported",
				"file", src.artifact.Name, "mime_type", src.artifact.MimeType,
				"err", core.ErrUnsupportedArtifact)
			return nil
		}

		text, err := h.orchestrator.ReadTextFile(ctx, p, src.artifact.Name)
		if err != nil {
			return err
		}
		url, err := h.sourceURL(ctx, p, src.file)
		if err != nil {
			return err
		}

		record, err := h.prepareRecord(p, recordFields{
			recordID:        src.recordID,
			file:            src.file,
			url:             url,
			partitionID:     src.artifact.ID,
			text:            text,
			partitionNumber: src.artifact.PartitionNumber,
			sectionNumber:   src.artifact.SectionNumber,
			tags:            src.artifact.Tags,
		})
		if err != nil {
			return err
		}

		if err := h.store(ctx, indexes, p.Index, record); err != nil {
			return err
		}
		src.artifact.MarkProcessedBy(h)
		return nil
	})
	return len(sources) > 0, err
}

func (h *SaveRecordsHandler) unprocessed(sources []recordSource) []recordSource {
	var out []recordSource
	for _, src := range sources {
		if src.artifact.AlreadyProcessedBy(h) {
			h.logger.Debug("file already processed by this handler", "file", src.artifact.Name)
			continue
		}
		out = append(out, src)
	}
	return out
}

func decodeEmbedding(name, raw string) (*core.EmbeddingFileContent, error) {
	var content core.EmbeddingFileContent
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &content); err != nil {
		return nil, goerr.Wrap(errors.Join(core.ErrDeserialization, err), "malformed embedding file", goerr.V("file", name))
	}
	if content.SourceFileName == "" {
		return nil, goerr.Wrap(core.ErrDeserialization, "embedding file has no source file", goerr.V("file", name))
	}
	return &content, nil
}

func (h *SaveRecordsHandler) sourceURL(ctx context.Context, p *core.DataPipeline, f *core.FileDetails) (string, error) {
	if f.MimeType != core.MimeTypeWebPageURL {
		return "", nil
	}
	data, err := h.orchestrator.ReadFile(ctx, p, f.Name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// store upserts a record in every memory db. An upsert rejected because the
// index does not exist is retried exactly once after forcing index creation.
func (h *SaveRecordsHandler) store(ctx context.Context, indexes *indexCache, index string, record *core.MemoryRecord) error {
	dimensions := len(record.Vector)
	for i, db := range h.memoryDbs {
		if err := indexes.ensure(ctx, i, db, index, dimensions, false); err != nil {
			return goerr.Wrap(err, "failed to create index", goerr.V("index", index))
		}

		h.logger.Debug("saving record", "record_id", record.ID, "index", index)
		err := db.Upsert(ctx, index, record)
		if errors.Is(err, memorydb.ErrIndexNotFound) {
			h.logger.Warn("index not found, attempting to create it", "index", index, "err", err)
			if err := indexes.ensure(ctx, i, db, index, dimensions, true); err != nil {
				return goerr.Wrap(err, "failed to create index", goerr.V("index", index))
			}
			h.logger.Debug("retry: saving record", "record_id", record.ID, "index", index)
			err = db.Upsert(ctx, index, record)
		}
		if err != nil {
			return goerr.Wrap(err, "failed to save record", goerr.V("index", index), goerr.V("record_id", record.ID))
		}
	}
	return nil
}

type recordFields struct {
	recordID        string
	file            *core.FileDetails
	url             string
	partitionID     string
	text            string
	partitionNumber int
	sectionNumber   int
	vector          []float32
	provider        string
	generator       string
	tags            core.TagCollection
}

// prepareRecord builds the memory record of one artifact. Artifact tags are
// merged last and may not reuse a key set by the handler.
func (h *SaveRecordsHandler) prepareRecord(p *core.DataPipeline, f recordFields) (*core.MemoryRecord, error) {
	record := core.NewMemoryRecord(f.recordID)

	record.Tags.Add(core.ReservedDocumentIdTag, p.DocumentID)
	record.Tags.Add(core.ReservedFileTypeTag, f.file.MimeType)
	record.Tags.Add(core.ReservedFileIdTag, f.file.ID)
	record.Payload[core.ReservedPayloadFileNameField] = f.file.Name
	record.Payload[core.ReservedPayloadUrlField] = f.url

	record.Vector = f.vector
	record.Payload[core.ReservedPayloadTextField] = f.text
	record.Payload[core.ReservedPayloadVectorProviderField] = f.provider
	record.Payload[core.ReservedPayloadVectorGeneratorField] = f.generator

	record.Tags.Add(core.ReservedFilePartitionTag, f.partitionID)
	record.Tags.Add(core.ReservedFilePartitionNumberTag, strconv.Itoa(f.partitionNumber))
	record.Tags.Add(core.ReservedFileSectionNumberTag, strconv.Itoa(f.sectionNumber))

	record.Payload[core.ReservedPayloadLastUpdateField] = h.now().UTC().Format(core.LastUpdateLayout)

	for key := range f.tags {
		if _, exists := record.Tags[key]; exists {
			return nil, goerr.Wrap(core.ErrReservedTag, "tag collides with a reserved record tag",
				goerr.V("tag", key), goerr.V("record_id", f.recordID))
		}
	}
	f.tags.CopyTo(record.Tags)

	return record, nil
}

// runAll runs task for 0..n-1 on a bounded pool. The first error cancels the
// remaining tasks and is returned.
func (h *SaveRecordsHandler) runAll(ctx context.Context, n int, task func(ctx context.Context, i int) error) error {
	if n == 0 {
		return ctx.Err()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool, err := ants.NewPool(min(h.concurrency, n))
	if err != nil {
		return goerr.Wrap(err, "failed to create save pool")
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i := 0; i < n && runCtx.Err() == nil; i++ {
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if runCtx.Err() != nil {
				return
			}
			if err := task(runCtx, i); err != nil {
				fail(err)
			}
		})
		if submitErr != nil {
			wg.Done()
			fail(goerr.Wrap(submitErr, "failed to schedule save"))
		}
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// indexCache memoizes index creation per (memory db, index, dimensions)
// within one invocation.
type indexCache struct {
	mu      sync.Mutex
	entries map[string]*indexEntry
}

type indexEntry struct {
	mu      sync.Mutex
	created bool
}

func newIndexCache() *indexCache {
	return &indexCache{entries: make(map[string]*indexEntry)}
}

func (c *indexCache) ensure(ctx context.Context, store int, db memorydb.MemoryDb, index string, dimensions int, force bool) error {
	key := fmt.Sprintf("%d::%s::%d", store, index, dimensions)

	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		entry = &indexEntry{}
		c.entries[key] = entry
	}
	c.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.created && !force {
		return nil
	}
	if err := db.CreateIndex(ctx, index, dimensions); err != nil {
		return err
	}
	entry.created = true
	return nil
}
