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


package ingestion

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/oklog/ulid/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/docmem/ai"
	"github.com/poiesic/docmem/core"
	"github.com/poiesic/docmem/memorydb"
	"github.com/poiesic/docmem/queue"
	"github.com/poiesic/docmem/retry"
	"github.com/poiesic/docmem/storage"
)

// Orchestrator builds pipelines, dispatches their steps through a queue and
// persists every state transition.
type Orchestrator struct {
	pipelines storage.PipelineRepository
	content   storage.ContentStorage
	transport queue.Transport
	memoryDbs []memorydb.MemoryDb
	embedders []ai.Embedder

	embeddingGeneration *bool
	defaultSteps        []string
	retry               RetryPolicy
	lease               time.Duration
	pollInterval        time.Duration
	poolSize            int
	pool                *ants.Pool
	now                 func() time.Time
	logger              *slog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]StepHandler
}

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) error {
		if logger == nil {
			logger = slog.Default()
		}
		o.logger = logger
		return nil
	}
}

// WithPoolSize sets the number of concurrent workers started by Run.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(o *Orchestrator) error {
		if size < 1 {
			size = 1
		}
		o.poolSize = size
		return nil
	}
}

// WithRetryPolicy sets the retry budget and backoff of failed steps.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *Orchestrator) error {
		o.retry = policy.normalize()
		return nil
	}
}

// WithEmbedders sets the embedding generators available to handlers.
func WithEmbedders(embedders ...ai.Embedder) Option {
	return func(o *Orchestrator) error {
		o.embedders = append(o.embedders, embedders...)
		return nil
	}
}

// WithEmbeddingGeneration forces embedding generation on or off. By default
// it is enabled when at least one embedder is configured.
func WithEmbeddingGeneration(enabled bool) Option {
	return func(o *Orchestrator) error {
		o.embeddingGeneration = &enabled
		return nil
	}
}

// WithDefaultSteps sets the steps used by builders that do not specify any.
func WithDefaultSteps(steps ...string) Option {
	return func(o *Orchestrator) error {
		if len(steps) > 0 {
			o.defaultSteps = slices.Clone(steps)
		}
		return nil
	}
}

// WithLease sets how long a dequeued message stays invisible to other workers.
// Default is 5 minutes.
func WithLease(lease time.Duration) Option {
	return func(o *Orchestrator) error {
		if lease > 0 {
			o.lease = lease
		}
		return nil
	}
}

// WithPollInterval sets how long an idle worker waits before polling again.
// Default is 500ms.
func WithPollInterval(interval time.Duration) Option {
	return func(o *Orchestrator) error {
		if interval > 0 {
			o.pollInterval = interval
		}
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) error {
		if now != nil {
			o.now = now
		}
		return nil
	}
}

// NewOrchestrator creates an orchestrator. At least one memory db is required.
func NewOrchestrator(
	pipelines storage.PipelineRepository,
	content storage.ContentStorage,
	transport queue.Transport,
	memoryDbs []memorydb.MemoryDb,
	opts ...Option,
) (*Orchestrator, error) {
	if pipelines == nil {
		return nil, ErrPipelineRepositoryRequired
	}
	if content == nil {
		return nil, ErrContentStorageRequired
	}
	if transport == nil {
		return nil, ErrTransportRequired
	}
	if len(memoryDbs) == 0 {
		return nil, ErrMemoryDbRequired
	}

	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}

	o := &Orchestrator{
		pipelines:    pipelines,
		content:      content,
		transport:    transport,
		memoryDbs:    slices.Clone(memoryDbs),
		defaultSteps: slices.Clone(DefaultSteps),
		retry:        DefaultRetryPolicy(),
		lease:        5 * time.Minute,
		pollInterval: 500 * time.Millisecond,
		poolSize:     poolSize,
		now:          time.Now,
		logger:       slog.Default(),
		handlers:     make(map[string]StepHandler),
	}

	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	if o.EmbeddingGenerationEnabled() && len(o.embedders) == 0 {
		return nil, ErrEmbedderRequired
	}

	pool, err := ants.NewPool(o.poolSize)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create worker pool", goerr.V("size", o.poolSize))
	}
	o.pool = pool
	o.logger = o.logger.With("component", "orchestrator")

	return o, nil
}

// Release releases the worker pool. The orchestrator should not be used after calling Release.
func (o *Orchestrator) Release() {
	if o.pool != nil {
		o.pool.Release()
	}
}

// AddHandler registers the handler of a step, replacing any previous one.
// It is safe to call while workers are running.
func (o *Orchestrator) AddHandler(handler StepHandler) error {
	name := handler.StepName()
	if name == "" {
		return goerr.New("handler step name is empty")
	}
	o.handlersMu.Lock()
	defer o.handlersMu.Unlock()
	o.handlers[name] = handler
	o.logger.Info("handler registered", "step", name)
	return nil
}

func (o *Orchestrator) handler(step string) (StepHandler, bool) {
	o.handlersMu.RLock()
	defer o.handlersMu.RUnlock()
	h, ok := o.handlers[step]
	return h, ok
}

// HandledSteps returns the steps with a registered handler, sorted by name.
func (o *Orchestrator) HandledSteps() []string {
	o.handlersMu.RLock()
	defer o.handlersMu.RUnlock()
	steps := make([]string, 0, len(o.handlers))
	for name := range o.handlers {
		steps = append(steps, name)
	}
	slices.Sort(steps)
	return steps
}

// MemoryDbs returns the configured vector stores.
func (o *Orchestrator) MemoryDbs() []memorydb.MemoryDb {
	return slices.Clone(o.memoryDbs)
}

// Embedders returns the configured embedding generators.
func (o *Orchestrator) Embedders() []ai.Embedder {
	return slices.Clone(o.embedders)
}

// EmbeddingGenerationEnabled reports whether records are saved from embedding
// artifacts rather than directly from partitions.
func (o *Orchestrator) EmbeddingGenerationEnabled() bool {
	if o.embeddingGeneration != nil {
		return *o.embeddingGeneration
	}
	return len(o.embedders) > 0
}

// Now returns the current time of the orchestrator's clock.
func (o *Orchestrator) Now() time.Time {
	return o.now()
}

// Start persists a built pipeline as running and queues its first step.
//
// The running snapshot is saved before the step is enqueued, so a worker that
// receives the message always finds the state it expects. When enqueueing
// fails the error wraps ErrEnqueue and the created snapshot is stored again.
func (o *Orchestrator) Start(ctx context.Context, pipeline *core.DataPipeline) error {
	if err := core.ValidatePipeline(pipeline); err != nil {
		return err
	}
	if pipeline.State != core.PipelineStateCreated {
		return goerr.Wrap(ErrPipelineNotRunnable, "pipeline already started",
			goerr.V("document_id", pipeline.DocumentID), goerr.V("state", pipeline.State))
	}
	return o.dispatch(ctx, pipeline, pipeline.Clone())
}

// Resubmit restarts a failed pipeline from the step that failed, with a fresh
// retry budget and a new execution id.
func (o *Orchestrator) Resubmit(ctx context.Context, index, documentID string) error {
	pipeline, err := o.pipelines.GetPipeline(ctx, index, documentID)
	if err != nil {
		return goerr.Wrap(err, "failed to load pipeline", goerr.V("index", index), goerr.V("document_id", documentID))
	}
	if pipeline.State != core.PipelineStateFailed {
		return goerr.Wrap(ErrPipelineNotRunnable, "only failed pipelines can be resubmitted",
			goerr.V("document_id", documentID), goerr.V("state", pipeline.State))
	}
	failed := pipeline.Clone()
	pipeline.ExecutionID = newExecutionID()
	pipeline.Attempts = 0
	pipeline.LastError = ""
	return o.dispatch(ctx, pipeline, failed)
}

// dispatch persists pipeline as running and enqueues its current step. If
// the enqueue fails, restore is persisted in its place.
func (o *Orchestrator) dispatch(ctx context.Context, pipeline, restore *core.DataPipeline) error {
	next := pipeline.Clone()
	if next.Complete() {
		next.State = core.PipelineStateCompleted
		return o.save(ctx, next)
	}
	next.State = core.PipelineStateRunning
	if err := o.save(ctx, next); err != nil {
		return err
	}

	msg := queue.Message{
		Index:       next.Index,
		DocumentID:  next.DocumentID,
		ExecutionID: next.ExecutionID,
		Step:        next.CurrentStepName(),
	}
	if err := o.transport.Enqueue(ctx, msg.Step, msg, 0); err != nil {
		if restoreErr := o.save(ctx, restore); restoreErr != nil {
			o.logger.Error("failed to restore pipeline after enqueue failure",
				"document_id", next.DocumentID, "err", restoreErr)
		}
		return goerr.Wrap(errors.Join(ErrEnqueue, err), "failed to enqueue first step",
			goerr.V("document_id", next.DocumentID), goerr.V("step", msg.Step))
	}

	*pipeline = *next
	o.logger.Info("pipeline started", "index", next.Index, "document_id", next.DocumentID,
		"execution_id", next.ExecutionID, "step", msg.Step)
	return nil
}

// save persists a pipeline, retrying transient storage failures.
func (o *Orchestrator) save(ctx context.Context, pipeline *core.DataPipeline) error {
	err := retry.WithBackoff(ctx, o.logger, func() error {
		return o.pipelines.SavePipeline(ctx, pipeline)
	}, 3, 50*time.Millisecond)
	if err != nil {
		return goerr.Wrap(err, "failed to persist pipeline",
			goerr.V("index", pipeline.Index), goerr.V("document_id", pipeline.DocumentID))
	}
	return nil
}

// ReadFile reads a file of the pipeline's container. Reads are not cached.
func (o *Orchestrator) ReadFile(ctx context.Context, pipeline *core.DataPipeline, fileName string) ([]byte, error) {
	data, err := o.content.ReadFile(ctx, pipeline.Index, pipeline.ContainerID, fileName)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read file",
			goerr.V("container_id", pipeline.ContainerID), goerr.V("file", fileName))
	}
	return data, nil
}

// ReadTextFile reads a file of the pipeline's container as UTF-8 text with any
// byte order mark removed.
func (o *Orchestrator) ReadTextFile(ctx context.Context, pipeline *core.DataPipeline, fileName string) (string, error) {
	data, err := o.ReadFile(ctx, pipeline, fileName)
	if err != nil {
		return "", err
	}
	return string(trimBOM(data)), nil
}

// WriteFile writes a file to the pipeline's container.
func (o *Orchestrator) WriteFile(ctx context.Context, pipeline *core.DataPipeline, fileName string, data []byte) error {
	if err := o.content.WriteFile(ctx, pipeline.Index, pipeline.ContainerID, fileName, data); err != nil {
		return goerr.Wrap(err, "failed to write file",
			goerr.V("container_id", pipeline.ContainerID), goerr.V("file", fileName))
	}
	return nil
}

// GetPipeline returns the stored state of a document's pipeline.
func (o *Orchestrator) GetPipeline(ctx context.Context, index, documentID string) (*core.DataPipeline, error) {
	return o.pipelines.GetPipeline(ctx, index, documentID)
}

// ListPipelines returns the stored state of every pipeline of an index.
func (o *Orchestrator) ListPipelines(ctx context.Context, index string) ([]*core.DataPipeline, error) {
	pipelines, err := o.pipelines.ListPipelines(ctx, index)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list pipelines", goerr.V("index", index))
	}
	return pipelines, nil
}

func newExecutionID() string {
	return ulid.Make().String()
}

func trimBOM(data []byte) []byte {
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		return data[3:]
	}
	return data
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
