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
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/poiesic/docmem/core"
)

// Status is the externally visible progress of a document's pipeline.
type Status struct {
	Index          string             `json:"index"`
	DocumentID     string             `json:"document_id"`
	ExecutionID    string             `json:"execution_id"`
	State          core.PipelineState `json:"state"`
	Completed      bool               `json:"completed"`
	Failed         bool               `json:"failed"`
	CurrentStep    int                `json:"current_step"`
	Steps          []string           `json:"steps"`
	CompletedSteps []string           `json:"completed_steps"`
	RemainingSteps []string           `json:"remaining_steps"`
	Attempts       int                `json:"attempts"`
	LastError      string             `json:"last_error,omitempty"`
	Tags           core.TagCollection `json:"tags,omitempty"`
	Creation       time.Time          `json:"creation"`
	LastUpdate     time.Time          `json:"last_update"`
}

// StatusOf summarizes a pipeline.
func StatusOf(p *core.DataPipeline) *Status {
	return &Status{
		Index:          p.Index,
		DocumentID:     p.DocumentID,
		ExecutionID:    p.ExecutionID,
		State:          p.State,
		Completed:      p.State == core.PipelineStateCompleted,
		Failed:         p.State == core.PipelineStateFailed,
		CurrentStep:    p.CurrentStep,
		Steps:          p.Steps,
		CompletedSteps: p.CompletedSteps(),
		RemainingSteps: p.RemainingSteps(),
		Attempts:       p.Attempts,
		LastError:      p.LastError,
		Tags:           p.Tags,
		Creation:       p.Creation,
		LastUpdate:     p.LastUpdate,
	}
}

// GetStatus returns the status of a document's pipeline.
// Returns an error wrapping storage.ErrNotFound for unknown documents.
func (o *Orchestrator) GetStatus(ctx context.Context, index, documentID string) (*Status, error) {
	p, err := o.pipelines.GetPipeline(ctx, index, documentID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read pipeline status",
			goerr.V("index", index), goerr.V("document_id", documentID))
	}
	return StatusOf(p), nil
}

// IsDocumentReady reports whether the document's pipeline completed. Unknown
// documents are not ready.
func (o *Orchestrator) IsDocumentReady(ctx context.Context, index, documentID string) (bool, error) {
	st, err := o.GetStatus(ctx, index, documentID)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return st.Completed, nil
}
