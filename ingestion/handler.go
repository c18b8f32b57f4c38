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

	"github.com/poiesic/docmem/core"
)

// Default step names. StepSaveEmbeddings is an alias of StepSaveRecords
// served by the same reconciler.
const (
	StepExtract        = "extract"
	StepPartition      = "partition"
	StepGenEmbeddings  = "gen_embeddings"
	StepSummarize      = "summarize"
	StepSaveRecords    = "save_records"
	StepSaveEmbeddings = "save_embeddings"
)

// DefaultSteps is the step sequence used when a pipeline is built without explicit steps.
var DefaultSteps = []string{StepExtract, StepPartition, StepGenEmbeddings, StepSaveRecords}

// StepHandler executes one named pipeline step.
//
// Invoke may be called more than once for the same step because queue delivery
// is at-least-once. Implementations use processed-by markers and deterministic
// ids so that a repeated invocation converges on the same external state.
// The returned pipeline is persisted as is. A false result or a non-nil error
// counts as a failed attempt.
type StepHandler interface {
	core.Named
	Invoke(ctx context.Context, pipeline *core.DataPipeline) (bool, *core.DataPipeline, error)
}

// HandlerFunc adapts a function to a StepHandler.
type HandlerFunc struct {
	Name string
	Fn   func(ctx context.Context, pipeline *core.DataPipeline) (bool, *core.DataPipeline, error)
}

func (h HandlerFunc) StepName() string {
	return h.Name
}

func (h HandlerFunc) Invoke(ctx context.Context, pipeline *core.DataPipeline) (bool, *core.DataPipeline, error) {
	return h.Fn(ctx, pipeline)
}
