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
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/poiesic/docmem/ai"
	"github.com/poiesic/docmem/core"
	"golang.org/x/time/rate"
)

// RateLimitConfig bounds requests sent to each embedding generator.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate. Zero disables limiting.
	RequestsPerSecond float64
	// BurstSize is the maximum burst size.
	BurstSize int
}

// GenerateEmbeddingsHandler computes a vector for every partition and
// synthetic artifact with every configured embedder, and stores each vector
// as a TextEmbeddingVector artifact.
type GenerateEmbeddingsHandler struct {
	stepName     string
	orchestrator Orchestrator
	embedders    []ai.Embedder
	limiter      *rate.Limiter
	logger       *slog.Logger
}

// NewGenerateEmbeddingsHandler creates the embedding handler for stepName
// using the orchestrator's embedders.
func NewGenerateEmbeddingsHandler(stepName string, orchestrator Orchestrator, limits RateLimitConfig, logger *slog.Logger) (*GenerateEmbeddingsHandler, error) {
	embedders := orchestrator.Embedders()
	if len(embedders) == 0 {
		return nil, goerr.Wrap(core.ErrConfiguration, "embedding handler requires at least one embedder", goerr.V("step", stepName))
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	burst := limits.BurstSize
	if limits.RequestsPerSecond > 0 {
		limit = rate.Limit(limits.RequestsPerSecond)
	}
	if burst < 1 {
		burst = 1
	}

	return &GenerateEmbeddingsHandler{
		stepName:     stepName,
		orchestrator: orchestrator,
		embedders:    embedders,
		limiter:      rate.NewLimiter(limit, burst),
		logger:       logger.With("handler", stepName),
	}, nil
}

func (h *GenerateEmbeddingsHandler) StepName() string {
	return h.stepName
}

func (h *GenerateEmbeddingsHandler) Invoke(ctx context.Context, p *core.DataPipeline) (bool, *core.DataPipeline, error) {
	for _, f := range p.Files {
		sources := f.GeneratedFilesOfType(core.ArtifactTypeTextPartition, core.ArtifactTypeSyntheticData)
		for _, source := range sources {
			if source.AlreadyProcessedBy(h) {
				continue
			}
			if !isText(source.MimeType) {
				h.logger.Warn("file cannot be used to generate embeddings, type not supported",
					"file", source.Name, "mime_type", source.MimeType)
				continue
			}

			text, err := h.orchestrator.ReadTextFile(ctx, p, source.Name)
			if err != nil {
				return false, p, err
			}

			for _, embedder := range h.embedders {
				if err := h.embed(ctx, p, f, source, embedder, text); err != nil {
					return false, p, err
				}
			}
			source.MarkProcessedBy(h)
		}
	}
	return true, p, nil
}

func (h *GenerateEmbeddingsHandler) embed(ctx context.Context, p *core.DataPipeline, f *core.FileDetails, source *core.GeneratedFileDetails, embedder ai.Embedder, text string) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}

	vector, err := embedder.EmbedText(ctx, text)
	if err != nil {
		return goerr.Wrap(err, "failed to generate embedding",
			goerr.V("file", source.Name), goerr.V("generator", embedder.ModelName()))
	}

	content, err := json.Marshal(core.EmbeddingFileContent{
		SourceFileName:    source.Name,
		GeneratorProvider: embedder.ProviderName(),
		GeneratorName:     embedder.ModelName(),
		VectorSize:        len(vector),
		Vector:            vector,
		TimeStamp:         h.orchestrator.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return goerr.Wrap(err, "failed to serialize embedding", goerr.V("file", source.Name))
	}

	name := embeddingName(source, embedder.ModelName())
	if err := h.orchestrator.WriteFile(ctx, p, name, content); err != nil {
		return err
	}

	artifact := newArtifact(f, name, core.MimeTypeTextEmbeddingVector, core.ArtifactTypeTextEmbeddingVector, content)
	artifact.SourcePartitionID = source.ID
	artifact.PartitionNumber = source.PartitionNumber
	artifact.SectionNumber = source.SectionNumber
	artifact.Tags = source.Tags.Clone()
	f.AddGeneratedFile(artifact)

	h.logger.Debug("embedding generated", "file", source.Name, "artifact", name, "dimensions", len(vector))
	return nil
}
