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


package reindex

import (
	"context"

	"github.com/poiesic/docmem/core"
)

const (
	// DefaultBatchSize is the default number of pipelines handed to each batch
	DefaultBatchSize = 50
)

// PipelineLister lists the stored pipelines of an index.
type PipelineLister interface {
	ListPipelines(ctx context.Context, index string) ([]*core.DataPipeline, error)
}

// PipelineIterator walks the pipelines of an index in batches.
type PipelineIterator struct {
	lister    PipelineLister
	index     string
	batchSize int
}

func NewPipelineIterator(lister PipelineLister, index string, batchSize int) *PipelineIterator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &PipelineIterator{
		lister:    lister,
		index:     index,
		batchSize: batchSize,
	}
}

// ForEach calls fn for each batch of pipelines accepted by keep, in document
// id order. Iteration stops on the first error from fn. Context cancellation
// is checked between batches.
func (it *PipelineIterator) ForEach(ctx context.Context, keep func(*core.DataPipeline) bool, fn func([]*core.DataPipeline) error) error {
	pipelines, err := it.Collect(ctx, keep)
	if err != nil {
		return err
	}
	return eachBatch(ctx, pipelines, it.batchSize, fn)
}

func eachBatch(ctx context.Context, pipelines []*core.DataPipeline, size int, fn func([]*core.DataPipeline) error) error {
	for i := 0; i < len(pipelines); i += size {
		end := min(i+size, len(pipelines))
		if err := fn(pipelines[i:end]); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// Collect returns every pipeline of the index accepted by keep. A nil keep
// accepts all pipelines.
func (it *PipelineIterator) Collect(ctx context.Context, keep func(*core.DataPipeline) bool) ([]*core.DataPipeline, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	all, err := it.lister.ListPipelines(ctx, it.index)
	if err != nil {
		return nil, err
	}
	if keep == nil {
		return all, nil
	}

	pipelines := all[:0:0]
	for _, p := range all {
		if keep(p) {
			pipelines = append(pipelines, p)
		}
	}
	return pipelines, nil
}
