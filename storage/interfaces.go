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


package storage

import (
	"context"

	"github.com/poiesic/docmem/core"
)

// PipelineRepository persists DataPipeline snapshots, keyed by index and document id.
// Implementations must be thread-safe and support concurrent access.
type PipelineRepository interface {
	// SavePipeline stores the pipeline, replacing any previous snapshot of
	// the same (index, document id).
	SavePipeline(ctx context.Context, pipeline *core.DataPipeline) error

	// GetPipeline retrieves the latest snapshot.
	// Returns ErrNotFound if the pipeline doesn't exist.
	GetPipeline(ctx context.Context, index, documentID string) (*core.DataPipeline, error)

	// DeletePipeline removes a snapshot. Deleting a missing pipeline is not an error.
	DeletePipeline(ctx context.Context, index, documentID string) error

	// ListPipelines returns every snapshot stored under index.
	ListPipelines(ctx context.Context, index string) ([]*core.DataPipeline, error)

	// Close releases resources held by the repository.
	Close() error
}

// ContentStorage stores source files and generated artifacts. Files are
// grouped in containers (one per document) within an index.
type ContentStorage interface {
	// WriteFile creates or replaces a file.
	WriteFile(ctx context.Context, index, containerID, fileName string, data []byte) error

	// ReadFile returns the content of a file.
	// Returns ErrNotFound if the file doesn't exist.
	ReadFile(ctx context.Context, index, containerID, fileName string) ([]byte, error)

	// FileExists reports whether a file exists.
	FileExists(ctx context.Context, index, containerID, fileName string) (bool, error)

	// DeleteContainer removes every file of a container.
	DeleteContainer(ctx context.Context, index, containerID string) error

	// Close releases resources held by the storage.
	Close() error
}
