package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/poiesic/docmem/ai"
	"github.com/poiesic/docmem/ai/mock"
	"github.com/poiesic/docmem/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSourcePipeline(t *testing.T, o *fakeOrchestrator, name, mimeType string, data []byte) *core.DataPipeline {
	t.Helper()
	p := &core.DataPipeline{
		Index:       testIndex,
		DocumentID:  "doc1",
		ContainerID: "usr.alice.op.doc1",
		State:       core.PipelineStateRunning,
		Tags:        core.TagCollection{"project": {"docs"}},
		Files: []*core.FileDetails{{
			ID:       "file1",
			Name:     name,
			MimeType: mimeType,
			Tags:     core.TagCollection{"lang": {"en"}},
		}},
	}
	require.NoError(t, o.WriteFile(context.Background(), p, name, data))
	return p
}

func extractedOf(t *testing.T, p *core.DataPipeline) *core.GeneratedFileDetails {
	t.Helper()
	extracted := p.Files[0].GeneratedFilesOfType(core.ArtifactTypeExtractedText)
	require.Len(t, extracted, 1)
	return extracted[0]
}

func TestExtractPlainText(t *testing.T) {
	o := newFakeOrchestrator(false)
	p := newSourcePipeline(t, o, "notes.txt", core.MimeTypePlainText, []byte("hello world"))
	h := NewTextExtractionHandler("extract", o)

	ok, p, err := h.Invoke(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)

	g := extractedOf(t, p)
	assert.Equal(t, "notes.txt.extract.txt", g.Name)
	assert.Equal(t, core.MimeTypePlainText, g.MimeType)
	assert.Equal(t, core.ArtifactID("file1", g.Name), g.ID)
	assert.Equal(t, []string{"docs"}, g.Tags["project"])
	assert.Equal(t, []string{"en"}, g.Tags["lang"])
	assert.True(t, p.Files[0].ProcessedBy.Contains("extract"))

	text, err := o.ReadTextFile(context.Background(), p, g.Name)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestExtractIsIdempotent(t *testing.T) {
	o := newFakeOrchestrator(false)
	p := newSourcePipeline(t, o, "notes.md", core.MimeTypeMarkDown, []byte("# Title\n\nBody"))
	h := NewTextExtractionHandler("extract", o)

	for i := 0; i < 2; i++ {
		ok, out, err := h.Invoke(context.Background(), p)
		require.NoError(t, err)
		require.True(t, ok)
		p = out
	}
	g := extractedOf(t, p)
	assert.Equal(t, core.MimeTypeMarkDown, g.MimeType)
	assert.Equal(t, "notes.md.extract.md", g.Name)
}

func TestExtractHTML(t *testing.T) {
	o := newFakeOrchestrator(false)
	page := "<html><head><title>t</title></head><body><p>Hello</p><p>there</p></body></html>"
	p := newSourcePipeline(t, o, "page.html", core.MimeTypeHTML, []byte(page))
	h := NewTextExtractionHandler("extract", o)

	ok, p, err := h.Invoke(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)

	g := extractedOf(t, p)
	assert.Equal(t, core.MimeTypePlainText, g.MimeType)
	text, err := o.ReadTextFile(context.Background(), p, g.Name)
	require.NoError(t, err)
	assert.Contains(t, text, "Hello")
	assert.NotContains(t, text, "<p>")
}

func TestExtractWebPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("remote content"))
	}))
	defer srv.Close()

	o := newFakeOrchestrator(false)
	p := newSourcePipeline(t, o, "link.url", core.MimeTypeWebPageURL, []byte(srv.URL+"\n"))
	h := NewTextExtractionHandler("extract", o, WithHTTPClient(srv.Client()))

	ok, p, err := h.Invoke(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)

	text, err := o.ReadTextFile(context.Background(), p, extractedOf(t, p).Name)
	require.NoError(t, err)
	assert.Equal(t, "remote content", text)
}

func TestExtractWebPageErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	o := newFakeOrchestrator(false)
	p := newSourcePipeline(t, o, "link.url", core.MimeTypeWebPageURL, []byte(srv.URL))
	h := NewTextExtractionHandler("extract", o, WithHTTPClient(srv.Client()))

	ok, p, err := h.Invoke(context.Background(), p)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.False(t, p.Files[0].ProcessedBy.Contains("extract"))
}

func TestExtractUnsupportedType(t *testing.T) {
	o := newFakeOrchestrator(false)
	p := newSourcePipeline(t, o, "image.png", "image/png", []byte{0x89, 0x50})
	h := NewTextExtractionHandler("extract", o)

	ok, p, err := h.Invoke(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, p.Files[0].GeneratedFiles)
	assert.True(t, p.Files[0].ProcessedBy.Contains("extract"))
}

func extractAndPartition(t *testing.T, o *fakeOrchestrator, text string, opts ...PartitionOption) *core.DataPipeline {
	t.Helper()
	p := newSourcePipeline(t, o, "notes.txt", core.MimeTypePlainText, []byte(text))
	_, p, err := NewTextExtractionHandler("extract", o).Invoke(context.Background(), p)
	require.NoError(t, err)
	ok, p, err := NewTextPartitioningHandler("partition", o, opts...).Invoke(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)
	return p
}

func TestPartitionSplitsText(t *testing.T) {
	o := newFakeOrchestrator(false)
	text := strings.Repeat("alpha beta gamma delta epsilon zeta eta theta. ", 10)
	p := extractAndPartition(t, o, text, WithChunkSize(60), WithChunkOverlap(0))

	partitions := p.Files[0].GeneratedFilesOfType(core.ArtifactTypeTextPartition)
	require.Greater(t, len(partitions), 1)

	numbers := make(map[int]bool)
	for _, part := range partitions {
		numbers[part.PartitionNumber] = true
		assert.Equal(t, partitionName(p.Files[0], part.PartitionNumber, core.MimeTypePlainText), part.Name)
		assert.Equal(t, core.MimeTypePlainText, part.MimeType)
		assert.Equal(t, []string{"docs"}, part.Tags["project"])

		chunk, err := o.ReadTextFile(context.Background(), p, part.Name)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(chunk), 60)
	}
	for i := 0; i < len(partitions); i++ {
		assert.True(t, numbers[i], "missing partition %d", i)
	}
	assert.True(t, p.Files[0].ProcessedBy.Contains("partition"))
}

func TestPartitionRerunKeepsArtifacts(t *testing.T) {
	o := newFakeOrchestrator(false)
	p := extractAndPartition(t, o, "short text")
	before := len(p.Files[0].GeneratedFiles)

	ok, p, err := NewTextPartitioningHandler("partition", o).Invoke(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, p.Files[0].GeneratedFiles, before)
	assert.Len(t, p.Files[0].GeneratedFilesOfType(core.ArtifactTypeTextPartition), 1)
}

func TestSummarizeWritesSyntheticArtifact(t *testing.T) {
	o := newFakeOrchestrator(false)
	p := extractAndPartition(t, o, "First sentence here. Second sentence follows.")
	summarizer := mock.NewMockSummarizer()

	h := NewSummarizationHandler("summarize", o, summarizer, nil)
	ok, p, err := h.Invoke(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)

	synthetic := p.Files[0].GeneratedFilesOfType(core.ArtifactTypeSyntheticData)
	require.Len(t, synthetic, 1)
	assert.Equal(t, "notes.txt.summary.txt", synthetic[0].Name)
	assert.Equal(t, []string{core.SyntheticTypeSummary}, synthetic[0].Tags[core.ReservedSyntheticTypeTag])
	assert.Equal(t, 1, summarizer.CallCount())

	ok, _, err = h.Invoke(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, summarizer.CallCount())
}

func TestSummarizeFailure(t *testing.T) {
	o := newFakeOrchestrator(false)
	p := extractAndPartition(t, o, "Some text.")
	summarizer := mock.NewMockSummarizer()
	summarizer.SummarizeFunc = func(ctx context.Context, text string) (string, error) {
		return "", errors.New("model offline")
	}

	ok, p, err := NewSummarizationHandler("summarize", o, summarizer, nil).Invoke(context.Background(), p)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Empty(t, p.Files[0].GeneratedFilesOfType(core.ArtifactTypeSyntheticData))
}

func TestGenerateEmbeddingsRequiresEmbedder(t *testing.T) {
	_, err := NewGenerateEmbeddingsHandler("gen_embeddings", newFakeOrchestrator(true), RateLimitConfig{}, nil)
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestGenerateEmbeddings(t *testing.T) {
	o := newFakeOrchestrator(true)
	first := mock.NewMockEmbedder()
	first.Dimensions = 4
	second := mock.NewMockEmbedder()
	second.Model = "other/model:v1"
	second.Dimensions = 6
	o.embedders = []ai.Embedder{first, second}

	p := extractAndPartition(t, o, "alpha beta gamma delta", WithChunkSize(12), WithChunkOverlap(0))
	partitions := p.Files[0].GeneratedFilesOfType(core.ArtifactTypeTextPartition)
	require.NotEmpty(t, partitions)

	h, err := NewGenerateEmbeddingsHandler("gen_embeddings", o, RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 10}, nil)
	require.NoError(t, err)
	ok, p, err := h.Invoke(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)

	embeddings := p.Files[0].GeneratedFilesOfType(core.ArtifactTypeTextEmbeddingVector)
	assert.Len(t, embeddings, 2*len(partitions))
	assert.Equal(t, len(partitions), first.CallCount())
	assert.Equal(t, len(partitions), second.CallCount())

	byPartition := make(map[string]*core.GeneratedFileDetails)
	for _, part := range partitions {
		byPartition[part.ID] = part
		assert.True(t, part.ProcessedBy.Contains("gen_embeddings"))
	}
	for _, emb := range embeddings {
		source, ok := byPartition[emb.SourcePartitionID]
		require.True(t, ok)
		assert.Equal(t, source.PartitionNumber, emb.PartitionNumber)
		assert.Equal(t, core.MimeTypeTextEmbeddingVector, emb.MimeType)
		assert.NotContains(t, emb.Name, "/")

		raw, err := o.ReadFile(context.Background(), p, emb.Name)
		require.NoError(t, err)
		var content core.EmbeddingFileContent
		require.NoError(t, json.Unmarshal(raw, &content))
		assert.Equal(t, source.Name, content.SourceFileName)
		assert.Equal(t, "mock", content.GeneratorProvider)
		assert.Equal(t, content.VectorSize, len(content.Vector))
		assert.Equal(t, "2024-01-02T03:04:05Z", content.TimeStamp)
	}

	ok, _, err = h.Invoke(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, len(partitions), first.CallCount())
}

func TestGenerateEmbeddingsFailure(t *testing.T) {
	o := newFakeOrchestrator(true)
	embedder := mock.NewMockEmbedder()
	embedder.EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("rate limited")
	}
	o.embedders = []ai.Embedder{embedder}

	p := extractAndPartition(t, o, "some text")
	h, err := NewGenerateEmbeddingsHandler("gen_embeddings", o, RateLimitConfig{}, nil)
	require.NoError(t, err)

	ok, p, err := h.Invoke(context.Background(), p)
	assert.Error(t, err)
	assert.False(t, ok)
	for _, part := range p.Files[0].GeneratedFilesOfType(core.ArtifactTypeTextPartition) {
		assert.False(t, part.ProcessedBy.Contains("gen_embeddings"))
	}
}
