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
	"log/slog"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/poiesic/docmem/core"
	"github.com/tmc/langchaingo/textsplitter"
)

// Default partitioning settings, in characters.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 100
)

// TextPartitioningHandler splits extracted text into partition artifacts.
type TextPartitioningHandler struct {
	stepName     string
	orchestrator Orchestrator
	splitter     textsplitter.TextSplitter
	logger       *slog.Logger
}

// PartitionOption configures a TextPartitioningHandler.
type PartitionOption func(*partitionConfig)

type partitionConfig struct {
	chunkSize    int
	chunkOverlap int
	logger       *slog.Logger
}

// WithChunkSize sets the maximum partition size in characters.
func WithChunkSize(size int) PartitionOption {
	return func(c *partitionConfig) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}

// WithChunkOverlap sets the number of characters shared by consecutive partitions.
func WithChunkOverlap(overlap int) PartitionOption {
	return func(c *partitionConfig) {
		if overlap >= 0 {
			c.chunkOverlap = overlap
		}
	}
}

// WithPartitionLogger sets the handler logger.
func WithPartitionLogger(logger *slog.Logger) PartitionOption {
	return func(c *partitionConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewTextPartitioningHandler creates the partitioning handler for stepName.
func NewTextPartitioningHandler(stepName string, orchestrator Orchestrator, opts ...PartitionOption) *TextPartitioningHandler {
	cfg := partitionConfig{
		chunkSize:    DefaultChunkSize,
		chunkOverlap: DefaultChunkOverlap,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.chunkOverlap >= cfg.chunkSize {
		cfg.chunkOverlap = cfg.chunkSize / 10
	}

	return &TextPartitioningHandler{
		stepName:     stepName,
		orchestrator: orchestrator,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cfg.chunkSize),
			textsplitter.WithChunkOverlap(cfg.chunkOverlap),
		),
		logger: cfg.logger.With("handler", stepName),
	}
}

func (h *TextPartitioningHandler) StepName() string {
	return h.stepName
}

func (h *TextPartitioningHandler) Invoke(ctx context.Context, p *core.DataPipeline) (bool, *core.DataPipeline, error) {
	for _, f := range p.Files {
		if f.AlreadyProcessedBy(h) {
			continue
		}

		n := 0
		for _, extracted := range f.GeneratedFilesOfType(core.ArtifactTypeExtractedText) {
			if err := ctx.Err(); err != nil {
				return false, p, err
			}
			if !isText(extracted.MimeType) {
				h.logger.Warn("extracted file type not supported", "file", extracted.Name, "mime_type", extracted.MimeType)
				continue
			}

			text, err := h.orchestrator.ReadTextFile(ctx, p, extracted.Name)
			if err != nil {
				return false, p, err
			}
			chunks, err := h.splitter.SplitText(text)
			if err != nil {
				return false, p, goerr.Wrap(err, "failed to split text", goerr.V("file", extracted.Name))
			}

			for _, chunk := range chunks {
				if strings.TrimSpace(chunk) == "" {
					continue
				}
				name := partitionName(f, n, extracted.MimeType)
				content := []byte(chunk)
				if err := h.orchestrator.WriteFile(ctx, p, name, content); err != nil {
					return false, p, err
				}
				artifact := newArtifact(f, name, extracted.MimeType, core.ArtifactTypeTextPartition, content)
				artifact.PartitionNumber = n
				artifact.SectionNumber = extracted.SectionNumber
				artifact.Tags = extracted.Tags.Clone()
				f.AddGeneratedFile(artifact)
				n++
			}
		}

		f.MarkProcessedBy(h)
		h.logger.Debug("file partitioned", "file", f.Name, "partitions", n)
	}
	return true, p, nil
}
