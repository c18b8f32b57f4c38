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


// Package handlers implements the standard pipeline steps: text extraction,
// partitioning, summarization, embedding generation and the save_records step
// that reconciles memory records across every configured vector store.
package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/poiesic/docmem/ai"
	"github.com/poiesic/docmem/core"
	"github.com/poiesic/docmem/memorydb"
)

// Orchestrator is the subset of ingestion.Orchestrator the handlers use.
type Orchestrator interface {
	ReadFile(ctx context.Context, pipeline *core.DataPipeline, fileName string) ([]byte, error)
	ReadTextFile(ctx context.Context, pipeline *core.DataPipeline, fileName string) (string, error)
	WriteFile(ctx context.Context, pipeline *core.DataPipeline, fileName string, data []byte) error
	MemoryDbs() []memorydb.MemoryDb
	Embedders() []ai.Embedder
	EmbeddingGenerationEnabled() bool
	Now() time.Time
}

func isText(mimeType string) bool {
	return mimeType == core.MimeTypePlainText || mimeType == core.MimeTypeMarkDown
}

// inheritedTags returns the document tags merged with the file's tags.
func inheritedTags(p *core.DataPipeline, f *core.FileDetails) core.TagCollection {
	tags := p.Tags.Clone()
	if tags == nil {
		tags = make(core.TagCollection)
	}
	f.Tags.CopyTo(tags)
	return tags
}

// newArtifact describes a generated file whose id is derived from its parent
// and name, so re-running a step replaces rather than duplicates it.
func newArtifact(parent *core.FileDetails, name, mimeType string, kind core.ArtifactType, data []byte) *core.GeneratedFileDetails {
	return &core.GeneratedFileDetails{
		ID:           core.ArtifactID(parent.ID, name),
		ParentID:     parent.ID,
		Name:         name,
		Size:         int64(len(data)),
		MimeType:     mimeType,
		ArtifactType: kind,
		ContentHash:  core.ContentHash(data),
	}
}

func extractedName(f *core.FileDetails, mimeType string) string {
	if mimeType == core.MimeTypeMarkDown {
		return f.Name + ".extract.md"
	}
	return f.Name + ".extract.txt"
}

func partitionName(f *core.FileDetails, n int, mimeType string) string {
	if mimeType == core.MimeTypeMarkDown {
		return fmt.Sprintf("%s.partition.%d.md", f.Name, n)
	}
	return fmt.Sprintf("%s.partition.%d.txt", f.Name, n)
}

func summaryName(f *core.FileDetails) string {
	return f.Name + ".summary.txt"
}

func embeddingName(source *core.GeneratedFileDetails, generator string) string {
	return source.Name + "." + sanitizeName(generator) + ".text_embedding"
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
