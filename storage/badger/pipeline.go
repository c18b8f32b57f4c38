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


package badger

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/docmem/core"
	"github.com/poiesic/docmem/storage"
)

// PipelineRepository implements storage.PipelineRepository for BadgerDB.
type PipelineRepository struct {
	backend *Backend
}

var _ storage.PipelineRepository = (*PipelineRepository)(nil)

// NewPipelineRepository creates a new PipelineRepository.
func NewPipelineRepository(backend *Backend) *PipelineRepository {
	return &PipelineRepository{
		backend: backend,
	}
}

// Close is a no-op; the backend is owned by the caller.
func (r *PipelineRepository) Close() error {
	return nil
}

// SavePipeline persists a pipeline snapshot.
func (r *PipelineRepository) SavePipeline(ctx context.Context, pipeline *core.DataPipeline) error {
	if err := storage.ValidateKey(pipeline.Index, pipeline.DocumentID); err != nil {
		return err
	}
	if r.backend.IsClosed() {
		return storage.ErrStorageClosed
	}
	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		pipeline.LastUpdate = time.Now().UTC()
		if pipeline.Creation.IsZero() {
			pipeline.Creation = pipeline.LastUpdate
		}
		value, err := storage.MarshalPipeline(pipeline)
		if err != nil {
			return err
		}
		return tx.Set(makePipelineKey(pipeline.Index, pipeline.DocumentID), value)
	})
}

// GetPipeline retrieves a pipeline snapshot.
func (r *PipelineRepository) GetPipeline(ctx context.Context, index, documentID string) (*core.DataPipeline, error) {
	if r.backend.IsClosed() {
		return nil, storage.ErrStorageClosed
	}
	var pipeline *core.DataPipeline
	err := r.backend.View(ctx, func(tx *badger.Txn) error {
		val, err := Get(tx, makePipelineKey(index, documentID))
		if err != nil {
			return err
		}
		if val == nil {
			return storage.ErrNotFound
		}
		pipeline, err = storage.UnmarshalPipeline(val)
		return err
	})
	return pipeline, err
}

// DeletePipeline removes a pipeline snapshot.
func (r *PipelineRepository) DeletePipeline(ctx context.Context, index, documentID string) error {
	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		return tx.Delete(makePipelineKey(index, documentID))
	})
}

// ListPipelines returns every pipeline of an index, ordered by document id.
func (r *PipelineRepository) ListPipelines(ctx context.Context, index string) ([]*core.DataPipeline, error) {
	var pipelines []*core.DataPipeline
	err := r.backend.View(ctx, func(tx *badger.Txn) error {
		return ScanPrefix(tx, makePipelineIndexPrefix(index), func(_, val []byte) error {
			p, err := storage.UnmarshalPipeline(val)
			if err != nil {
				return err
			}
			pipelines = append(pipelines, p)
			return nil
		})
	})
	return pipelines, err
}
