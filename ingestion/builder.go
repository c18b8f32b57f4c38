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
	"fmt"
	"slices"

	"github.com/m-mizutani/goerr/v2"
	"github.com/oklog/ulid/v2"
	"github.com/poiesic/docmem/core"
	"github.com/poiesic/docmem/storage"
)

// UploadedFile is a source file submitted with a document.
type UploadedFile struct {
	Name     string
	MimeType string
	Data     []byte
	Tags     core.TagCollection
}

// PipelineBuilder assembles a new pipeline. Call Build to upload its files and
// persist it in the created state.
type PipelineBuilder struct {
	o             *Orchestrator
	index         string
	documentID    string
	userID        string
	collectionIDs []string
	tags          core.TagCollection
	steps         []string
	files         []UploadedFile
}

// PrepareNewFileUploadPipeline starts building a pipeline for a document upload.
func (o *Orchestrator) PrepareNewFileUploadPipeline(index, documentID, userID string, collectionIDs []string, tags core.TagCollection) *PipelineBuilder {
	return &PipelineBuilder{
		o:             o,
		index:         index,
		documentID:    documentID,
		userID:        userID,
		collectionIDs: slices.Clone(collectionIDs),
		tags:          tags.Clone(),
	}
}

// Then appends a step.
func (b *PipelineBuilder) Then(step string) *PipelineBuilder {
	b.steps = append(b.steps, step)
	return b
}

// ThenSteps appends several steps in order.
func (b *PipelineBuilder) ThenSteps(steps ...string) *PipelineBuilder {
	b.steps = append(b.steps, steps...)
	return b
}

// AddFile adds a source file. An empty MIME type is guessed from the file name.
func (b *PipelineBuilder) AddFile(file UploadedFile) *PipelineBuilder {
	if file.MimeType == "" {
		file.MimeType = core.MimeTypeFromFileName(file.Name)
	}
	b.files = append(b.files, file)
	return b
}

// Build validates the pipeline, uploads its files to the document's container
// and persists the created snapshot. When the document already has a pipeline
// it is attached to PreviousExecutionsToPurge so its records are reconciled by
// the new run.
func (b *PipelineBuilder) Build(ctx context.Context) (*core.DataPipeline, error) {
	if err := core.ValidateDocumentID(b.documentID); err != nil {
		return nil, err
	}
	if b.userID == "" {
		return nil, fmt.Errorf("%w: user id is empty", core.ErrInvalidPipeline)
	}
	if len(b.files) == 0 {
		return nil, fmt.Errorf("%w: no files", core.ErrInvalidPipeline)
	}

	steps := b.steps
	if len(steps) == 0 {
		steps = b.o.defaultSteps
	}

	now := b.o.now().UTC()
	pipeline := &core.DataPipeline{
		Index:         b.index,
		DocumentID:    b.documentID,
		ExecutionID:   newExecutionID(),
		ContainerID:   core.ContainerIDFor(b.userID, b.documentID),
		UserID:        b.userID,
		CollectionIDs: b.collectionIDs,
		Steps:         slices.Clone(steps),
		State:         core.PipelineStateCreated,
		Tags:          b.tags,
		Creation:      now,
		LastUpdate:    now,
	}
	if err := core.ValidatePipeline(pipeline); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(b.files))
	for _, f := range b.files {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: file without name", core.ErrInvalidPipeline)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("%w: duplicate file %q", core.ErrInvalidPipeline, f.Name)
		}
		seen[f.Name] = true
		if err := core.ValidateTags(f.Tags); err != nil {
			return nil, err
		}
	}

	for _, step := range pipeline.Steps {
		if _, ok := b.o.handler(step); !ok {
			return nil, fmt.Errorf("%w: no handler registered for step %q", core.ErrInvalidPipeline, step)
		}
	}

	previous, err := b.o.pipelines.GetPipeline(ctx, b.index, b.documentID)
	switch {
	case err == nil:
		pipeline.PreviousExecutionsToPurge = previous.Snapshot()
		b.o.logger.Info("document re-imported, previous execution will be purged",
			"document_id", b.documentID, "previous_execution_id", previous.ExecutionID)
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, goerr.Wrap(err, "failed to load previous pipeline", goerr.V("document_id", b.documentID))
	}

	for _, f := range b.files {
		if err := b.o.WriteFile(ctx, pipeline, f.Name, f.Data); err != nil {
			return nil, err
		}
		pipeline.Files = append(pipeline.Files, &core.FileDetails{
			ID:          ulid.Make().String(),
			Name:        f.Name,
			Size:        int64(len(f.Data)),
			MimeType:    f.MimeType,
			ContentHash: core.ContentHash(f.Data),
			Tags:        f.Tags.Clone(),
		})
	}

	if err := b.o.save(ctx, pipeline); err != nil {
		return nil, err
	}
	b.o.logger.Debug("pipeline created", "index", pipeline.Index, "document_id", pipeline.DocumentID,
		"files", len(pipeline.Files), "steps", pipeline.Steps)
	return pipeline, nil
}
