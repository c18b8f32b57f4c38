package handlers_test

import (
	"context"
	"strconv"
	"testing"

	"github.com/poiesic/docmem/ai/mock"
	"github.com/poiesic/docmem/core"
	"github.com/poiesic/docmem/ingestion"
	"github.com/poiesic/docmem/ingestion/handlers"
	"github.com/poiesic/docmem/memorydb"
	mdbbadger "github.com/poiesic/docmem/memorydb/badger"
	"github.com/poiesic/docmem/queue/memory"
	storebadger "github.com/poiesic/docmem/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleText = `Badger is an embeddable key value store written in Go.

It keeps keys in an LSM tree and values in a separate log.

Vector stores index embeddings so that similar passages can be found quickly.

Pipelines move each document through extraction, partitioning and indexing.`

type harness struct {
	o        *ingestion.Orchestrator
	store    *mdbbadger.Store
	embedder *mock.MockEmbedder
}

func newHarness(t *testing.T, embeddings bool) *harness {
	t.Helper()
	pipelines, content, backend, err := storebadger.NewMemoryStores()
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	h := &harness{
		store:    mdbbadger.NewStore(backend),
		embedder: mock.NewMockEmbedder(),
	}
	h.embedder.Dimensions = 8

	o, err := ingestion.NewOrchestrator(pipelines, content, memory.New(), []memorydb.MemoryDb{h.store},
		ingestion.WithEmbedders(h.embedder),
		ingestion.WithEmbeddingGeneration(embeddings),
	)
	require.NoError(t, err)
	t.Cleanup(o.Release)
	h.o = o

	require.NoError(t, o.AddHandler(handlers.NewTextExtractionHandler(ingestion.StepExtract, o)))
	require.NoError(t, o.AddHandler(handlers.NewTextPartitioningHandler(ingestion.StepPartition, o, handlers.WithChunkSize(80), handlers.WithChunkOverlap(0))))
	gen, err := handlers.NewGenerateEmbeddingsHandler(ingestion.StepGenEmbeddings, o, handlers.RateLimitConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, o.AddHandler(gen))
	for _, step := range []string{ingestion.StepSaveRecords, ingestion.StepSaveEmbeddings} {
		save, err := handlers.NewSaveRecordsHandler(step, o)
		require.NoError(t, err)
		require.NoError(t, o.AddHandler(save))
	}
	return h
}

func (h *harness) importText(t *testing.T, documentID, text string, steps ...string) *core.DataPipeline {
	t.Helper()
	ctx := context.Background()
	p, err := h.o.PrepareNewFileUploadPipeline("default", documentID, "alice", nil, core.TagCollection{"project": {"docs"}}).
		ThenSteps(steps...).
		AddFile(ingestion.UploadedFile{Name: "notes.txt", Data: []byte(text)}).
		Build(ctx)
	require.NoError(t, err)
	require.NoError(t, h.o.Start(ctx, p))
	require.NoError(t, h.o.RunUntilIdle(ctx))

	stored, err := h.o.GetPipeline(ctx, "default", documentID)
	require.NoError(t, err)
	require.Equal(t, core.PipelineStateCompleted, stored.State, stored.LastError)
	return stored
}

func partitionsOf(p *core.DataPipeline) []*core.GeneratedFileDetails {
	var out []*core.GeneratedFileDetails
	for _, f := range p.Files {
		out = append(out, f.GeneratedFilesOfType(core.ArtifactTypeTextPartition)...)
	}
	return out
}

func TestPipelineWithEmbeddings(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	p := h.importText(t, "doc1", sampleText,
		ingestion.StepExtract, ingestion.StepPartition, ingestion.StepGenEmbeddings, ingestion.StepSaveRecords)

	partitions := partitionsOf(p)
	require.Greater(t, len(partitions), 1)

	count, err := h.store.Count(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, len(partitions), count)

	for _, f := range p.Files {
		for _, emb := range f.GeneratedFilesOfType(core.ArtifactTypeTextEmbeddingVector) {
			record, err := h.store.Get(ctx, "default", core.RecordID("doc1", emb.ID))
			require.NoError(t, err)
			assert.Len(t, record.Vector, 8)
			assert.Equal(t, []string{"doc1"}, record.Tags[core.ReservedDocumentIdTag])
			assert.Equal(t, []string{"docs"}, record.Tags["project"])
			assert.Equal(t, []string{emb.SourcePartitionID}, record.Tags[core.ReservedFilePartitionTag])
			assert.Equal(t, "mock", record.Payload[core.ReservedPayloadVectorProviderField])
			assert.Equal(t, "mock-embedding", record.Payload[core.ReservedPayloadVectorGeneratorField])
			assert.NotEmpty(t, record.Payload[core.ReservedPayloadTextField])
			assert.True(t, emb.ProcessedBy.Contains(ingestion.StepSaveRecords))
		}
	}

	matches, err := h.store.GetSimilar(ctx, "default", mustEmbed(t, h.embedder, partitionText(t, h, p, partitions[0])), 1, 0, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, []string{partitions[0].ID}, matches[0].Record.Tags[core.ReservedFilePartitionTag])
}

func TestPipelineWithoutEmbeddings(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	p := h.importText(t, "doc1", sampleText,
		ingestion.StepExtract, ingestion.StepPartition, ingestion.StepSaveRecords)

	partitions := partitionsOf(p)
	require.NotEmpty(t, partitions)
	assert.Equal(t, 0, h.embedder.CallCount())

	for _, part := range partitions {
		record, err := h.store.Get(ctx, "default", core.RecordID("doc1", part.ID))
		require.NoError(t, err)
		assert.Empty(t, record.Vector)
		assert.Equal(t, "", record.Payload[core.ReservedPayloadVectorProviderField])
		assert.Equal(t, "", record.Payload[core.ReservedPayloadVectorGeneratorField])
		assert.Equal(t, []string{part.ID}, record.Tags[core.ReservedFilePartitionTag])
		assert.True(t, part.ProcessedBy.Contains(ingestion.StepSaveRecords))
	}
}

func TestPipelineSaveEmbeddingsStep(t *testing.T) {
	steps := []string{ingestion.StepExtract, ingestion.StepPartition, ingestion.StepGenEmbeddings, ingestion.StepSaveEmbeddings}

	for _, embeddings := range []bool{true, false} {
		t.Run("embeddings "+strconv.FormatBool(embeddings), func(t *testing.T) {
			h := newHarness(t, embeddings)
			ctx := context.Background()

			p := h.importText(t, "doc1", sampleText, steps...)
			require.Len(t, p.Files, 1)
			file := p.Files[0]

			partitions := partitionsOf(p)
			require.NotEmpty(t, partitions)
			count, err := h.store.Count(ctx, "default")
			require.NoError(t, err)
			assert.Equal(t, len(partitions), count)

			for _, part := range partitions {
				id := part.ID
				if embeddings {
					embs := file.GeneratedFilesOfType(core.ArtifactTypeTextEmbeddingVector)
					for _, emb := range embs {
						if emb.SourcePartitionID == part.ID {
							id = emb.ID
						}
					}
					require.NotEqual(t, part.ID, id, "no embedding for %s", part.Name)
				}

				record, err := h.store.Get(ctx, "default", core.RecordID("doc1", id))
				require.NoError(t, err)
				assert.Equal(t, []string{"doc1"}, record.Tags[core.ReservedDocumentIdTag])
				assert.Equal(t, []string{file.ID}, record.Tags[core.ReservedFileIdTag])
				assert.Equal(t, []string{strconv.Itoa(part.PartitionNumber)}, record.Tags[core.ReservedFilePartitionNumberTag])
				if embeddings {
					assert.NotEmpty(t, record.Vector)
					assert.Equal(t, "mock", record.Payload[core.ReservedPayloadVectorProviderField])
				} else {
					assert.Empty(t, record.Vector)
					assert.Equal(t, "", record.Payload[core.ReservedPayloadVectorProviderField])
					assert.Equal(t, "", record.Payload[core.ReservedPayloadVectorGeneratorField])
				}
			}
		})
	}
}

func TestPipelineReimportPurgesOldRecords(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	steps := []string{ingestion.StepExtract, ingestion.StepPartition, ingestion.StepGenEmbeddings, ingestion.StepSaveRecords}

	first := h.importText(t, "doc1", sampleText, steps...)
	require.Greater(t, len(partitionsOf(first)), 1)

	second := h.importText(t, "doc1", "A much shorter document.", steps...)
	assert.Empty(t, second.PreviousExecutionsToPurge)

	count, err := h.store.Count(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, len(partitionsOf(second)), count)

	for _, f := range first.Files {
		for _, emb := range f.GeneratedFilesOfType(core.ArtifactTypeTextEmbeddingVector) {
			_, err := h.store.Get(ctx, "default", core.RecordID("doc1", emb.ID))
			assert.ErrorIs(t, err, memorydb.ErrRecordNotFound)
		}
	}
}

func partitionText(t *testing.T, h *harness, p *core.DataPipeline, part *core.GeneratedFileDetails) string {
	t.Helper()
	text, err := h.o.ReadTextFile(context.Background(), p, part.Name)
	require.NoError(t, err)
	return text
}

func mustEmbed(t *testing.T, e *mock.MockEmbedder, text string) []float32 {
	t.Helper()
	v, err := e.EmbedText(context.Background(), text)
	require.NoError(t, err)
	return v
}
