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
	"slices"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/poiesic/docmem/ai"
	"github.com/poiesic/docmem/core"
)

// SummarizationHandler writes one synthetic summary artifact per source file,
// generated from the file's partitions.
type SummarizationHandler struct {
	stepName     string
	orchestrator Orchestrator
	summarizer   ai.Summarizer
	logger       *slog.Logger
}

// NewSummarizationHandler creates the summarization handler for stepName.
func NewSummarizationHandler(stepName string, orchestrator Orchestrator, summarizer ai.Summarizer, logger *slog.Logger) *SummarizationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SummarizationHandler{
		stepName:     stepName,
		orchestrator: orchestrator,
		summarizer:   summarizer,
		logger:       logger.With("handler", stepName),
	}
}

func (h *SummarizationHandler) StepName() string {
	return h.stepName
}

func (h *SummarizationHandler) Invoke(ctx context.Context, p *core.DataPipeline) (bool, *core.DataPipeline, error) {
	for _, f := range p.Files {
		if f.AlreadyProcessedBy(h) {
			continue
		}

		partitions := f.GeneratedFilesOfType(core.ArtifactTypeTextPartition)
		var sb strings.Builder
		for _, part := range sortedByPartition(partitions) {
			text, err := h.orchestrator.ReadTextFile(ctx, p, part.Name)
			if err != nil {
				return false, p, err
			}
			sb.WriteString(text)
			sb.WriteString("\n")
		}

		if sb.Len() == 0 {
			h.logger.Debug("no partitions to summarize", "file", f.Name)
			f.MarkProcessedBy(h)
			continue
		}

		summary, err := h.summarizer.Summarize(ctx, sb.String())
		if err != nil {
			return false, p, goerr.Wrap(err, "summarization failed", goerr.V("file", f.Name))
		}
		if summary == "" {
			h.logger.Warn("summarizer returned no text", "file", f.Name)
			f.MarkProcessedBy(h)
			continue
		}

		name := summaryName(f)
		content := []byte(summary)
		if err := h.orchestrator.WriteFile(ctx, p, name, content); err != nil {
			return false, p, err
		}
		artifact := newArtifact(f, name, core.MimeTypePlainText, core.ArtifactTypeSyntheticData, content)
		artifact.Tags = inheritedTags(p, f)
		artifact.Tags.Add(core.ReservedSyntheticTypeTag, core.SyntheticTypeSummary)
		f.AddGeneratedFile(artifact)
		f.MarkProcessedBy(h)
		h.logger.Debug("summary generated", "file", f.Name, "size", len(content))
	}
	return true, p, nil
}

func sortedByPartition(files []*core.GeneratedFileDetails) []*core.GeneratedFileDetails {
	out := slices.Clone(files)
	slices.SortStableFunc(out, func(a, b *core.GeneratedFileDetails) int {
		return a.PartitionNumber - b.PartitionNumber
	})
	return out
}
