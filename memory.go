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


package docmem

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/m-mizutani/goerr/v2"
	"github.com/poiesic/docmem/ai"
	"github.com/poiesic/docmem/ai/mock"
	"github.com/poiesic/docmem/ai/openai"
	"github.com/poiesic/docmem/config"
	"github.com/poiesic/docmem/core"
	"github.com/poiesic/docmem/ingestion"
	"github.com/poiesic/docmem/ingestion/handlers"
	"github.com/poiesic/docmem/memorydb"
	mdbbadger "github.com/poiesic/docmem/memorydb/badger"
	"github.com/poiesic/docmem/memorydb/postgres"
	"github.com/poiesic/docmem/memorydb/qdrant"
	"github.com/poiesic/docmem/queue"
	"github.com/poiesic/docmem/queue/memory"
	"github.com/poiesic/docmem/queue/sqlite"
	"github.com/poiesic/docmem/reindex"
	"github.com/poiesic/docmem/search"
	"github.com/poiesic/docmem/storage"
	"github.com/poiesic/docmem/storage/badger"
	"github.com/poiesic/docmem/storage/gcs"
)

// Memory wires storage, queue, vector stores and the AI provider described
// by a config.Config into an ingestion orchestrator and a searcher.
type Memory struct {
	cfg          *config.Config
	backend      *badger.Backend
	pipelines    storage.PipelineRepository
	content      storage.ContentStorage
	transport    queue.Transport
	memoryDbs    []memorydb.MemoryDb
	provider     ai.AIProvider
	orchestrator *ingestion.Orchestrator
	searcher     *search.Searcher
	baseLogger   *slog.Logger
	logger       *slog.Logger
}

// Option configures a Memory.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	provider   ai.AIProvider
	transport  queue.Transport
	httpClient *http.Client
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithAIProvider replaces the provider built from the embedding config.
func WithAIProvider(provider ai.AIProvider) Option {
	return func(o *options) {
		o.provider = provider
	}
}

// WithTransport replaces the queue transport built from the queue config.
// The Memory takes ownership and closes it.
func WithTransport(transport queue.Transport) Option {
	return func(o *options) {
		o.transport = transport
	}
}

// WithHTTPClient sets the client used to download web page files.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// Open builds a Memory from cfg. Everything opened before a failure is closed.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Memory, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	m := &Memory{
		cfg:        cfg,
		transport:  o.transport,
		provider:   o.provider,
		baseLogger: o.logger,
		logger:     o.logger.With("component", "memory"),
	}
	if err := m.open(ctx, o); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Memory) open(ctx context.Context, o *options) error {
	var err error

	// Open backend
	m.backend, err = badger.OpenBackend(m.cfg.Storage.Path, m.cfg.Storage.InMemory)
	if err != nil {
		return err
	}
	m.pipelines = badger.NewPipelineRepository(m.backend)

	switch m.cfg.Storage.Content {
	case config.ContentGCS:
		content, err := gcs.NewContentStorage(ctx, m.cfg.Storage.Bucket)
		if err != nil {
			return err
		}
		m.content = content
	default:
		m.content = badger.NewContentStorage(m.backend)
	}

	if m.transport == nil {
		if m.transport, err = openTransport(m.cfg.Queue); err != nil {
			return err
		}
	}

	for _, dbCfg := range m.cfg.MemoryDbs {
		db, err := m.openMemoryDb(ctx, dbCfg)
		if err != nil {
			return err
		}
		m.memoryDbs = append(m.memoryDbs, db)
	}

	if m.provider == nil {
		if m.provider, err = newProvider(m.cfg.Embedding); err != nil {
			return err
		}
	}

	if err := m.newOrchestrator(o); err != nil {
		return err
	}

	m.searcher, err = search.NewSearcher(m.memoryDbs, m.provider.Embedder(),
		search.WithLogger(o.logger),
		search.WithDefaultIndex(m.cfg.Ingestion.DefaultIndex),
		search.WithDefaultLimit(m.cfg.Search.Limit),
		search.WithMinRelevance(m.cfg.Search.MinRelevance),
	)
	return err
}

func openTransport(cfg config.QueueConfig) (queue.Transport, error) {
	if cfg.Type == config.QueueSQLite {
		transport, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return transport, nil
	}
	return memory.New(), nil
}

func (m *Memory) openMemoryDb(ctx context.Context, cfg config.MemoryDbConfig) (memorydb.MemoryDb, error) {
	switch cfg.Type {
	case config.MemoryDbPostgres:
		store, err := postgres.NewStore(ctx, cfg.DSN, postgres.WithTablePrefix(cfg.Prefix))
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.MemoryDbQdrant:
		return qdrant.NewStore(cfg.Endpoint, qdrant.WithAPIKey(cfg.APIKey), qdrant.WithCollectionPrefix(cfg.Prefix)), nil
	default:
		return mdbbadger.NewStore(m.backend), nil
	}
}

func newProvider(cfg config.EmbeddingConfig) (ai.AIProvider, error) {
	if cfg.Provider == config.ProviderMock {
		return mock.NewMockProvider(), nil
	}
	opts := []ai.ConfigOption{
		ai.WithHost(cfg.Host),
		ai.WithEmbeddingModel(cfg.Model),
		ai.WithAPIKey(cfg.APIKey),
	}
	if cfg.SummaryModel != "" {
		opts = append(opts, ai.WithSummaryModel(cfg.SummaryModel))
	}
	return openai.NewProvider(ai.NewConfig(opts...))
}

func (m *Memory) newOrchestrator(o *options) error {
	orch, ing := m.cfg.Orchestration, m.cfg.Ingestion

	orchestrator, err := ingestion.NewOrchestrator(m.pipelines, m.content, m.transport, m.memoryDbs,
		ingestion.WithLogger(o.logger),
		ingestion.WithPoolSize(orch.Workers),
		ingestion.WithRetryPolicy(ingestion.RetryPolicy{
			MaxAttempts: orch.MaxAttempts,
			BaseDelay:   orch.BaseDelay,
			MaxDelay:    orch.MaxDelay,
		}),
		ingestion.WithEmbedders(m.provider.Embedder()),
		ingestion.WithEmbeddingGeneration(ing.GenerateEmbeddings),
		ingestion.WithDefaultSteps(ing.DefaultSteps...),
		ingestion.WithLease(m.cfg.Queue.Lease),
		ingestion.WithPollInterval(m.cfg.Queue.PollInterval),
	)
	if err != nil {
		return err
	}
	m.orchestrator = orchestrator

	extractOpts := []handlers.ExtractOption{handlers.WithExtractLogger(o.logger)}
	if o.httpClient != nil {
		extractOpts = append(extractOpts, handlers.WithHTTPClient(o.httpClient))
	}
	embed, err := handlers.NewGenerateEmbeddingsHandler(ingestion.StepGenEmbeddings, orchestrator, handlers.RateLimitConfig{
		RequestsPerSecond: m.cfg.Embedding.RequestsPerSecond,
		BurstSize:         m.cfg.Embedding.Burst,
	}, o.logger)
	if err != nil {
		return err
	}
	saveOpts := []handlers.SaveOption{
		handlers.WithConcurrency(ing.SaveConcurrency),
		handlers.WithSaveLogger(o.logger),
	}
	save, err := handlers.NewSaveRecordsHandler(ingestion.StepSaveRecords, orchestrator, saveOpts...)
	if err != nil {
		return err
	}
	saveEmbeddings, err := handlers.NewSaveRecordsHandler(ingestion.StepSaveEmbeddings, orchestrator, saveOpts...)
	if err != nil {
		return err
	}

	for _, h := range []ingestion.StepHandler{
		handlers.NewTextExtractionHandler(ingestion.StepExtract, orchestrator, extractOpts...),
		handlers.NewTextPartitioningHandler(ingestion.StepPartition, orchestrator,
			handlers.WithChunkSize(ing.ChunkSize),
			handlers.WithChunkOverlap(ing.ChunkOverlap),
			handlers.WithPartitionLogger(o.logger),
		),
		handlers.NewSummarizationHandler(ingestion.StepSummarize, orchestrator, m.provider.Summarizer(), o.logger),
		embed,
		save,
		saveEmbeddings,
	} {
		if err := orchestrator.AddHandler(h); err != nil {
			return err
		}
	}
	return nil
}

// Document is an upload request.
type Document struct {
	// Index defaults to the configured default index.
	Index         string
	DocumentID    string
	UserID        string
	CollectionIDs []string
	Tags          core.TagCollection
	// Steps defaults to the configured default steps.
	Steps []string
	Files []ingestion.UploadedFile
}

// ImportDocument stores the files, creates the document's pipeline and
// dispatches its first step. A document id that was imported before is
// reprocessed and the records of the previous import are replaced.
//
// The returned status describes the accepted pipeline. An error wrapping
// ingestion.ErrEnqueue means the pipeline was stored but not dispatched.
func (m *Memory) ImportDocument(ctx context.Context, doc Document) (*ingestion.Status, error) {
	index := doc.Index
	if index == "" {
		index = m.cfg.Ingestion.DefaultIndex
	}

	builder := m.orchestrator.PrepareNewFileUploadPipeline(index, doc.DocumentID, doc.UserID, doc.CollectionIDs, doc.Tags).
		ThenSteps(doc.Steps...)
	for _, f := range doc.Files {
		builder.AddFile(f)
	}
	pipeline, err := builder.Build(ctx)
	if err != nil {
		return nil, err
	}

	if err := m.orchestrator.Start(ctx, pipeline); err != nil {
		m.logger.Error("document import not dispatched", "index", index, "document_id", doc.DocumentID, "err", err)
		return nil, err
	}
	m.logger.Info("document import accepted", "index", index, "document_id", doc.DocumentID,
		"execution_id", pipeline.ExecutionID, "files", len(pipeline.Files))
	return ingestion.StatusOf(pipeline), nil
}

// GetDocumentStatus returns the progress of a document's pipeline. It fails
// with storage.ErrNotFound when the document is unknown.
func (m *Memory) GetDocumentStatus(ctx context.Context, index, documentID string) (*ingestion.Status, error) {
	return m.orchestrator.GetStatus(ctx, m.index(index), documentID)
}

// IsDocumentReady reports whether the document's pipeline has completed.
func (m *Memory) IsDocumentReady(ctx context.Context, index, documentID string) (bool, error) {
	return m.orchestrator.IsDocumentReady(ctx, m.index(index), documentID)
}

// ResubmitDocument restarts a failed pipeline from its current step.
func (m *Memory) ResubmitDocument(ctx context.Context, index, documentID string) error {
	return m.orchestrator.Resubmit(ctx, m.index(index), documentID)
}

// Search returns the memory records most similar to the query.
func (m *Memory) Search(ctx context.Context, q search.Query) ([]*search.Result, error) {
	return m.searcher.Search(ctx, q)
}

// Reindex re-imports the finished documents of an index from their stored
// source files. Progress lines are written to progress.
func (m *Memory) Reindex(ctx context.Context, index string, cfg *reindex.Config, progress io.Writer) (*reindex.Summary, error) {
	return reindex.NewReindexer(m.orchestrator, cfg, progress, m.baseLogger).Run(ctx, m.index(index))
}

// RunWorkers processes pipeline steps until ctx is cancelled.
func (m *Memory) RunWorkers(ctx context.Context) error {
	return m.orchestrator.Run(ctx)
}

// Orchestrator exposes the underlying orchestrator.
func (m *Memory) Orchestrator() *ingestion.Orchestrator {
	return m.orchestrator
}

// Config returns the configuration the Memory was opened with.
func (m *Memory) Config() *config.Config {
	return m.cfg
}

func (m *Memory) index(index string) string {
	if index == "" {
		return m.cfg.Ingestion.DefaultIndex
	}
	return index
}

// Close releases every component. It returns the joined errors of the
// components that failed to close.
func (m *Memory) Close() error {
	var errs []error
	closeOne := func(name string, fn func() error) {
		if err := fn(); err != nil {
			m.logger.Error("error closing component", "component", name, "err", err)
			errs = append(errs, goerr.Wrap(err, "failed to close component", goerr.V("component", name)))
		}
	}

	if m.orchestrator != nil {
		m.orchestrator.Release()
	}
	if m.provider != nil {
		closeOne("ai provider", m.provider.Close)
	}
	if m.transport != nil {
		closeOne("queue", m.transport.Close)
	}
	for _, db := range m.memoryDbs {
		closeOne("memory db", db.Close)
	}
	if m.content != nil {
		closeOne("content storage", m.content.Close)
	}
	if m.pipelines != nil {
		closeOne("pipeline repository", m.pipelines.Close)
	}
	if m.backend != nil {
		closeOne("backend", m.backend.Close)
	}
	return errors.Join(errs...)
}
