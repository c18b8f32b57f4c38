package ingestion

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/poiesic/docmem/ai/mock"
	"github.com/poiesic/docmem/core"
	"github.com/poiesic/docmem/memorydb"
	mdbbadger "github.com/poiesic/docmem/memorydb/badger"
	"github.com/poiesic/docmem/queue"
	"github.com/poiesic/docmem/queue/memory"
	"github.com/poiesic/docmem/storage"
	storebadger "github.com/poiesic/docmem/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	o         *Orchestrator
	transport *memory.Transport
	pipelines *storebadger.PipelineRepository
	content   *storebadger.ContentStorage
	memoryDb  *mdbbadger.Store
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	pipelines, content, backend, err := storebadger.NewMemoryStores()
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	f := &fixture{
		transport: memory.New(),
		pipelines: pipelines,
		content:   content,
		memoryDb:  mdbbadger.NewStore(backend),
	}

	opts = append([]Option{
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3}),
		WithEmbeddingGeneration(false),
	}, opts...)
	o, err := NewOrchestrator(pipelines, content, f.transport, []memorydb.MemoryDb{f.memoryDb}, opts...)
	require.NoError(t, err)
	t.Cleanup(o.Release)
	f.o = o
	return f
}

// recorder is a step handler that counts invocations and can be told to fail.
type recorder struct {
	name       string
	calls      int
	executions []string
	failTimes  int
	failAlways bool
}

func (r *recorder) StepName() string {
	return r.name
}

func (r *recorder) Invoke(ctx context.Context, p *core.DataPipeline) (bool, *core.DataPipeline, error) {
	r.calls++
	r.executions = append(r.executions, p.ExecutionID)
	if r.failAlways || r.calls <= r.failTimes {
		return false, p, fmt.Errorf("%s exploded", r.name)
	}
	return true, p, nil
}

func (f *fixture) register(t *testing.T, names ...string) map[string]*recorder {
	t.Helper()
	out := make(map[string]*recorder, len(names))
	for _, n := range names {
		r := &recorder{name: n}
		require.NoError(t, f.o.AddHandler(r))
		out[n] = r
	}
	return out
}

func (f *fixture) build(t *testing.T, documentID string, steps ...string) *core.DataPipeline {
	t.Helper()
	p, err := f.o.PrepareNewFileUploadPipeline("default", documentID, "alice", []string{"c1"}, nil).
		ThenSteps(steps...).
		AddFile(UploadedFile{Name: "notes.txt", Data: []byte("hello world")}).
		Build(context.Background())
	require.NoError(t, err)
	return p
}

type failingTransport struct {
	*memory.Transport
	failEnqueue bool
}

func (t *failingTransport) Enqueue(ctx context.Context, q string, msg queue.Message, delay time.Duration) error {
	if t.failEnqueue {
		return errors.New("broker unavailable")
	}
	return t.Transport.Enqueue(ctx, q, msg, delay)
}

func TestNewOrchestratorRequiresCollaborators(t *testing.T) {
	pipelines, content, backend, err := storebadger.NewMemoryStores()
	require.NoError(t, err)
	defer backend.Close()
	dbs := []memorydb.MemoryDb{mdbbadger.NewStore(backend)}
	transport := memory.New()

	_, err = NewOrchestrator(nil, content, transport, dbs)
	assert.ErrorIs(t, err, ErrPipelineRepositoryRequired)

	_, err = NewOrchestrator(pipelines, nil, transport, dbs)
	assert.ErrorIs(t, err, ErrContentStorageRequired)

	_, err = NewOrchestrator(pipelines, content, nil, dbs)
	assert.ErrorIs(t, err, ErrTransportRequired)

	_, err = NewOrchestrator(pipelines, content, transport, nil)
	assert.ErrorIs(t, err, core.ErrConfiguration)

	_, err = NewOrchestrator(pipelines, content, transport, dbs, WithEmbeddingGeneration(true))
	assert.ErrorIs(t, err, ErrEmbedderRequired)

	o, err := NewOrchestrator(pipelines, content, transport, dbs, WithEmbedders(mock.NewMockEmbedder()))
	require.NoError(t, err)
	defer o.Release()
	assert.True(t, o.EmbeddingGenerationEnabled())
	assert.Len(t, o.MemoryDbs(), 1)
	assert.Len(t, o.Embedders(), 1)
}

func TestBuildPersistsCreatedPipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, DefaultSteps...)

	p := f.build(t, "doc1")

	assert.Equal(t, core.PipelineStateCreated, p.State)
	assert.Equal(t, DefaultSteps, p.Steps)
	assert.Equal(t, "usr.alice.op.doc1", p.ContainerID)
	assert.NotEmpty(t, p.ExecutionID)
	require.Len(t, p.Files, 1)
	assert.Equal(t, core.MimeTypePlainText, p.Files[0].MimeType)
	assert.Equal(t, int64(11), p.Files[0].Size)

	stored, err := f.pipelines.GetPipeline(ctx, "default", "doc1")
	require.NoError(t, err)
	assert.Equal(t, p.ExecutionID, stored.ExecutionID)
	assert.Equal(t, core.PipelineStateCreated, stored.State)

	data, err := f.content.ReadFile(ctx, "default", "usr.alice.op.doc1", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, 0, f.transport.Len(StepExtract))
}

func TestBuildValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.o.PrepareNewFileUploadPipeline("default", "doc1", "alice", nil, nil).Build(ctx)
	assert.ErrorIs(t, err, core.ErrInvalidPipeline)

	_, err = f.o.PrepareNewFileUploadPipeline("default", "doc1", "alice", nil, core.TagCollection{"__document_id": {"x"}}).
		AddFile(UploadedFile{Name: "a.txt"}).
		Build(ctx)
	assert.ErrorIs(t, err, core.ErrReservedTag)

	_, err = f.o.PrepareNewFileUploadPipeline("default", "doc1", "", nil, nil).
		AddFile(UploadedFile{Name: "a.txt"}).
		Build(ctx)
	assert.ErrorIs(t, err, core.ErrInvalidPipeline)

	_, err = f.o.PrepareNewFileUploadPipeline("default", "doc1", "alice", nil, nil).
		AddFile(UploadedFile{Name: "a.txt"}).
		AddFile(UploadedFile{Name: "a.txt"}).
		Build(ctx)
	assert.ErrorIs(t, err, core.ErrInvalidPipeline)

	_, err = f.o.PrepareNewFileUploadPipeline("default", "doc1", "alice", nil, nil).
		ThenSteps(StepExtract, "unknown").
		AddFile(UploadedFile{Name: "a.txt"}).
		Build(ctx)
	assert.ErrorIs(t, err, core.ErrInvalidPipeline)
	assert.Contains(t, err.Error(), `"unknown"`)

	_, err = f.pipelines.GetPipeline(ctx, "default", "doc1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunPipelineToCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handlers := f.register(t, "a", "b", "c")

	p := f.build(t, "doc1", "a", "b", "c")
	require.NoError(t, f.o.Start(ctx, p))
	assert.Equal(t, core.PipelineStateRunning, p.State)
	assert.Equal(t, 1, f.transport.Len("a"))

	require.NoError(t, f.o.RunUntilIdle(ctx))

	for _, name := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, handlers[name].calls, name)
	}

	status, err := f.o.GetStatus(ctx, "default", "doc1")
	require.NoError(t, err)
	assert.Equal(t, core.PipelineStateCompleted, status.State)
	assert.True(t, status.Completed)
	assert.Equal(t, []string{"a", "b", "c"}, status.CompletedSteps)
	assert.Empty(t, status.RemainingSteps)
	assert.Equal(t, 3, status.CurrentStep)

	ready, err := f.o.IsDocumentReady(ctx, "default", "doc1")
	require.NoError(t, err)
	assert.True(t, ready)

	for _, q := range []string{"a", "b", "c"} {
		assert.Equal(t, 0, f.transport.Len(q), q)
	}
}

func TestStartEnqueueFailureHasNoSideEffects(t *testing.T) {
	pipelines, content, backend, err := storebadger.NewMemoryStores()
	require.NoError(t, err)
	defer backend.Close()
	transport := &failingTransport{Transport: memory.New()}

	o, err := NewOrchestrator(pipelines, content, transport, []memorydb.MemoryDb{mdbbadger.NewStore(backend)})
	require.NoError(t, err)
	defer o.Release()
	ctx := context.Background()
	for _, step := range DefaultSteps {
		require.NoError(t, o.AddHandler(&recorder{name: step}))
	}

	p, err := o.PrepareNewFileUploadPipeline("default", "doc1", "alice", nil, nil).
		AddFile(UploadedFile{Name: "a.txt", Data: []byte("x")}).
		Build(ctx)
	require.NoError(t, err)

	transport.failEnqueue = true
	err = o.Start(ctx, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnqueue)
	assert.Equal(t, core.PipelineStateCreated, p.State)

	stored, err := pipelines.GetPipeline(ctx, "default", "doc1")
	require.NoError(t, err)
	assert.Equal(t, core.PipelineStateCreated, stored.State)
	assert.Equal(t, 0, transport.Len(StepExtract))

	transport.failEnqueue = false
	require.NoError(t, o.Start(ctx, p))
	assert.Equal(t, 1, transport.Len(StepExtract))

	err = o.Start(ctx, p)
	assert.ErrorIs(t, err, ErrPipelineNotRunnable)
}

// eagerTransport hands the first enqueued message to a worker before
// Enqueue returns.
type eagerTransport struct {
	*memory.Transport
	o     *Orchestrator
	fired bool
	err   error
}

func (t *eagerTransport) Enqueue(ctx context.Context, q string, msg queue.Message, delay time.Duration) error {
	if err := t.Transport.Enqueue(ctx, q, msg, delay); err != nil {
		return err
	}
	if !t.fired {
		t.fired = true
		_, t.err = t.o.ProcessNext(ctx, q)
	}
	return nil
}

func TestStartDoesNotOverwriteWorkerProgress(t *testing.T) {
	pipelines, content, backend, err := storebadger.NewMemoryStores()
	require.NoError(t, err)
	defer backend.Close()
	transport := &eagerTransport{Transport: memory.New()}

	o, err := NewOrchestrator(pipelines, content, transport, []memorydb.MemoryDb{mdbbadger.NewStore(backend)},
		WithEmbeddingGeneration(false))
	require.NoError(t, err)
	defer o.Release()
	transport.o = o
	ctx := context.Background()

	a, b := &recorder{name: "a"}, &recorder{name: "b"}
	require.NoError(t, o.AddHandler(a))
	require.NoError(t, o.AddHandler(b))

	p, err := o.PrepareNewFileUploadPipeline("default", "doc1", "alice", nil, nil).
		ThenSteps("a", "b").
		AddFile(UploadedFile{Name: "a.txt", Data: []byte("x")}).
		Build(ctx)
	require.NoError(t, err)

	require.NoError(t, o.Start(ctx, p))
	require.NoError(t, transport.err)
	assert.Equal(t, 1, a.calls)

	stored, err := pipelines.GetPipeline(ctx, "default", "doc1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentStep)
	assert.Equal(t, 1, transport.Len("b"))

	require.NoError(t, o.RunUntilIdle(ctx))
	assert.Equal(t, 1, b.calls)

	status, err := o.GetStatus(ctx, "default", "doc1")
	require.NoError(t, err)
	assert.Equal(t, core.PipelineStateCompleted, status.State)
	assert.Equal(t, []string{"a", "b"}, status.CompletedSteps)
}

func TestResubmitEnqueueFailureKeepsFailedPipeline(t *testing.T) {
	pipelines, content, backend, err := storebadger.NewMemoryStores()
	require.NoError(t, err)
	defer backend.Close()
	transport := &failingTransport{Transport: memory.New()}

	o, err := NewOrchestrator(pipelines, content, transport, []memorydb.MemoryDb{mdbbadger.NewStore(backend)},
		WithEmbeddingGeneration(false), WithRetryPolicy(RetryPolicy{MaxAttempts: 1}))
	require.NoError(t, err)
	defer o.Release()
	ctx := context.Background()
	require.NoError(t, o.AddHandler(&recorder{name: "a", failAlways: true}))

	p, err := o.PrepareNewFileUploadPipeline("default", "doc1", "alice", nil, nil).
		ThenSteps("a").
		AddFile(UploadedFile{Name: "a.txt", Data: []byte("x")}).
		Build(ctx)
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, p))
	require.NoError(t, o.RunUntilIdle(ctx))

	failed, err := pipelines.GetPipeline(ctx, "default", "doc1")
	require.NoError(t, err)
	require.Equal(t, core.PipelineStateFailed, failed.State)

	transport.failEnqueue = true
	err = o.Resubmit(ctx, "default", "doc1")
	assert.ErrorIs(t, err, ErrEnqueue)

	stored, err := pipelines.GetPipeline(ctx, "default", "doc1")
	require.NoError(t, err)
	assert.Equal(t, core.PipelineStateFailed, stored.State)
	assert.Equal(t, failed.ExecutionID, stored.ExecutionID)
	assert.Equal(t, failed.Attempts, stored.Attempts)
	assert.Equal(t, failed.LastError, stored.LastError)
}

func TestRetryThenSucceed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handlers := f.register(t, "a", "b")
	handlers["a"].failTimes = 2

	p := f.build(t, "doc1", "a", "b")
	require.NoError(t, f.o.Start(ctx, p))
	require.NoError(t, f.o.RunUntilIdle(ctx))

	assert.Equal(t, 3, handlers["a"].calls)
	assert.Equal(t, 1, handlers["b"].calls)

	stored, err := f.pipelines.GetPipeline(ctx, "default", "doc1")
	require.NoError(t, err)
	assert.Equal(t, core.PipelineStateCompleted, stored.State)
	assert.Equal(t, 0, stored.Attempts)
	assert.Empty(t, stored.LastError)
}

func TestRetryExhaustionFailsPipelineAndResubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handlers := f.register(t, "a", "b")
	handlers["b"].failAlways = true

	p := f.build(t, "doc1", "a", "b")
	require.NoError(t, f.o.Start(ctx, p))
	require.NoError(t, f.o.RunUntilIdle(ctx))

	assert.Equal(t, 1, handlers["a"].calls)
	assert.Equal(t, 3, handlers["b"].calls)

	status, err := f.o.GetStatus(ctx, "default", "doc1")
	require.NoError(t, err)
	assert.Equal(t, core.PipelineStateFailed, status.State)
	assert.True(t, status.Failed)
	assert.Equal(t, 3, status.Attempts)
	assert.Equal(t, 1, status.CurrentStep)
	assert.Contains(t, status.LastError, "b exploded")
	assert.Equal(t, 0, f.transport.Len("b"))

	ready, err := f.o.IsDocumentReady(ctx, "default", "doc1")
	require.NoError(t, err)
	assert.False(t, ready)

	handlers["b"].failAlways = false
	handlers["b"].failTimes = 0
	require.NoError(t, f.o.Resubmit(ctx, "default", "doc1"))
	require.NoError(t, f.o.RunUntilIdle(ctx))

	status, err = f.o.GetStatus(ctx, "default", "doc1")
	require.NoError(t, err)
	assert.Equal(t, core.PipelineStateCompleted, status.State)
	assert.Equal(t, 1, handlers["a"].calls)
	assert.NotEqual(t, p.ExecutionID, status.ExecutionID)

	err = f.o.Resubmit(ctx, "default", "doc1")
	assert.ErrorIs(t, err, ErrPipelineNotRunnable)
}

func TestDuplicateDeliveryReEnqueuesCurrentStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handlers := f.register(t, "a", "b")

	p := f.build(t, "doc1", "a", "b")
	require.NoError(t, f.o.Start(ctx, p))

	ok, err := f.o.ProcessNext(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, f.transport.Len("b"))

	// Redelivery of the step that already completed.
	dup := queue.Message{Index: "default", DocumentID: "doc1", ExecutionID: p.ExecutionID, Step: "a"}
	require.NoError(t, f.transport.Enqueue(ctx, "a", dup, 0))

	ok, err = f.o.ProcessNext(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, handlers["a"].calls)
	assert.Equal(t, 2, f.transport.Len("b"))

	require.NoError(t, f.o.RunUntilIdle(ctx))
	assert.Equal(t, 1, handlers["b"].calls)

	ready, err := f.o.IsDocumentReady(ctx, "default", "doc1")
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestReimportSupersedesPreviousExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handlers := f.register(t, "a")

	first := f.build(t, "doc1", "a")
	require.NoError(t, f.o.Start(ctx, first))

	second := f.build(t, "doc1", "a")
	require.Len(t, second.PreviousExecutionsToPurge, 1)
	assert.Equal(t, first.ExecutionID, second.PreviousExecutionsToPurge[0].ExecutionID)
	require.NoError(t, f.o.Start(ctx, second))

	require.NoError(t, f.o.RunUntilIdle(ctx))

	assert.Equal(t, []string{second.ExecutionID}, handlers["a"].executions)

	third := f.build(t, "doc1", "a")
	require.Len(t, third.PreviousExecutionsToPurge, 2)
	assert.Equal(t, first.ExecutionID, third.PreviousExecutionsToPurge[0].ExecutionID)
	assert.Equal(t, second.ExecutionID, third.PreviousExecutionsToPurge[1].ExecutionID)
}

func TestProcessNextWithoutHandler(t *testing.T) {
	f := newFixture(t)

	_, err := f.o.ProcessNext(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestUnknownDocumentStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.o.GetStatus(ctx, "default", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ready, err := f.o.IsDocumentReady(ctx, "default", "missing")
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, WithPoolSize(2), WithPollInterval(10*time.Millisecond))
	handlers := f.register(t, "a")
	p := f.build(t, "doc1", "a")
	require.NoError(t, f.o.Start(context.Background(), p))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.o.Run(ctx) }()

	require.Eventually(t, func() bool {
		ready, err := f.o.IsDocumentReady(context.Background(), "default", "doc1")
		return err == nil && ready
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not stop")
	}
	assert.Equal(t, 1, handlers["a"].calls)
}

func TestFileProxies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, DefaultSteps...)
	p := f.build(t, "doc1")

	require.NoError(t, f.o.WriteFile(ctx, p, "bom.txt", []byte("\xEF\xBB\xBFhi")))
	text, err := f.o.ReadTextFile(ctx, p, "bom.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi", text)

	_, err = f.o.ReadFile(ctx, p, "missing.txt")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
