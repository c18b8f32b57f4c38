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


package core

import (
	"encoding/json"
	"slices"
	"time"
)

// ArtifactType classifies a file generated by a pipeline step.
type ArtifactType int

const (
	ArtifactTypeUndefined ArtifactType = iota
	ArtifactTypeTextPartition
	ArtifactTypeExtractedText
	ArtifactTypeTextEmbeddingVector
	ArtifactTypeSyntheticData
)

func (a ArtifactType) String() string {
	switch a {
	case ArtifactTypeTextPartition:
		return "text_partition"
	case ArtifactTypeExtractedText:
		return "extracted_text"
	case ArtifactTypeTextEmbeddingVector:
		return "text_embedding_vector"
	case ArtifactTypeSyntheticData:
		return "synthetic_data"
	default:
		return "undefined"
	}
}

// PipelineState is the coarse lifecycle state of a pipeline.
type PipelineState string

const (
	PipelineStateCreated   PipelineState = "created"
	PipelineStateRunning   PipelineState = "running"
	PipelineStateCompleted PipelineState = "completed"
	PipelineStateFailed    PipelineState = "failed"
)

// Terminal reports whether no further automatic progress happens in this state.
func (s PipelineState) Terminal() bool {
	return s == PipelineStateCompleted || s == PipelineStateFailed
}

// HandlerSet records the step handlers that already processed a file.
type HandlerSet []string

// Contains reports whether the set contains name.
func (h HandlerSet) Contains(name string) bool {
	return slices.Contains(h, name)
}

// Named is implemented by anything identified by a step name, typically a step handler.
type Named interface {
	StepName() string
}

// GeneratedFileDetails describes an artifact produced by a step.
type GeneratedFileDetails struct {
	ID                string        `json:"id"`
	ParentID          string        `json:"parent_id"`
	SourcePartitionID string        `json:"source_partition_id,omitempty"`
	Name              string        `json:"name"`
	Size              int64         `json:"size"`
	MimeType          string        `json:"mime_type"`
	ArtifactType      ArtifactType  `json:"artifact_type"`
	PartitionNumber   int           `json:"partition_number"`
	SectionNumber     int           `json:"section_number"`
	ContentHash       string        `json:"content_hash,omitempty"`
	Tags              TagCollection `json:"tags,omitempty"`
	ProcessedBy       HandlerSet    `json:"processed_by,omitempty"`
}

// AlreadyProcessedBy reports whether the given handler has already processed the file.
func (f *GeneratedFileDetails) AlreadyProcessedBy(h Named) bool {
	return f.ProcessedBy.Contains(h.StepName())
}

// MarkProcessedBy records that the given handler processed the file.
func (f *GeneratedFileDetails) MarkProcessedBy(h Named) {
	if f.AlreadyProcessedBy(h) {
		return
	}
	f.ProcessedBy = append(f.ProcessedBy, h.StepName())
}

// FileDetails describes a source file uploaded with a pipeline.
type FileDetails struct {
	ID              string                           `json:"id"`
	Name            string                           `json:"name"`
	Size            int64                            `json:"size"`
	MimeType        string                           `json:"mime_type"`
	ContentHash     string                           `json:"content_hash,omitempty"`
	Tags            TagCollection                    `json:"tags,omitempty"`
	PartitionNumber int                              `json:"partition_number"`
	SectionNumber   int                              `json:"section_number"`
	ProcessedBy     HandlerSet                       `json:"processed_by,omitempty"`
	GeneratedFiles  map[string]*GeneratedFileDetails `json:"generated_files,omitempty"`
}

// AlreadyProcessedBy reports whether the given handler has already processed the file.
func (f *FileDetails) AlreadyProcessedBy(h Named) bool {
	return f.ProcessedBy.Contains(h.StepName())
}

// MarkProcessedBy records that the given handler processed the file.
func (f *FileDetails) MarkProcessedBy(h Named) {
	if f.AlreadyProcessedBy(h) {
		return
	}
	f.ProcessedBy = append(f.ProcessedBy, h.StepName())
}

// AddGeneratedFile attaches an artifact, replacing any artifact with the same id.
func (f *FileDetails) AddGeneratedFile(g *GeneratedFileDetails) {
	if f.GeneratedFiles == nil {
		f.GeneratedFiles = make(map[string]*GeneratedFileDetails)
	}
	g.ParentID = f.ID
	f.GeneratedFiles[g.ID] = g
}

// GeneratedFilesOfType returns the artifacts of the given type sorted by id.
func (f *FileDetails) GeneratedFilesOfType(types ...ArtifactType) []*GeneratedFileDetails {
	var out []*GeneratedFileDetails
	for _, g := range f.GeneratedFiles {
		if slices.Contains(types, g.ArtifactType) {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, b *GeneratedFileDetails) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// DataPipeline is the persisted state of one processing run of a document.
type DataPipeline struct {
	Index         string         `json:"index"`
	DocumentID    string         `json:"document_id"`
	ExecutionID   string         `json:"execution_id"`
	ContainerID   string         `json:"container_id"`
	UserID        string         `json:"user_id"`
	CollectionIDs []string       `json:"collection_ids,omitempty"`
	Steps         []string       `json:"steps"`
	CurrentStep   int            `json:"current_step"`
	State         PipelineState  `json:"state"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	Tags          TagCollection  `json:"tags,omitempty"`
	Creation      time.Time      `json:"creation"`
	LastUpdate    time.Time      `json:"last_update"`
	Files         []*FileDetails `json:"files"`

	// PreviousExecutionsToPurge holds immutable snapshots of superseded runs.
	PreviousExecutionsToPurge []*DataPipeline `json:"previous_executions_to_purge,omitempty"`
}

// ContainerIDFor builds the content storage container of a user's document.
func ContainerIDFor(userID, documentID string) string {
	return "usr." + userID + ".op." + documentID
}

// Complete reports whether every step has been executed.
func (p *DataPipeline) Complete() bool {
	return p.CurrentStep >= len(p.Steps)
}

// CurrentStepName returns the name of the step to execute next, or "" once complete.
func (p *DataPipeline) CurrentStepName() string {
	if p.Complete() {
		return ""
	}
	return p.Steps[p.CurrentStep]
}

// CompletedSteps returns the steps already executed.
func (p *DataPipeline) CompletedSteps() []string {
	n := min(p.CurrentStep, len(p.Steps))
	return slices.Clone(p.Steps[:n])
}

// RemainingSteps returns the steps not yet executed.
func (p *DataPipeline) RemainingSteps() []string {
	n := min(p.CurrentStep, len(p.Steps))
	return slices.Clone(p.Steps[n:])
}

// MoveToNextStep advances the step pointer and resets the attempt counter.
func (p *DataPipeline) MoveToNextStep() {
	if p.Complete() {
		return
	}
	p.CurrentStep++
	p.Attempts = 0
	p.LastError = ""
}

// GetFile returns the source file with the given id.
func (p *DataPipeline) GetFile(id string) (*FileDetails, error) {
	for _, f := range p.Files {
		if f.ID == id {
			return f, nil
		}
	}
	return nil, ErrFileNotFound
}

// HasStep reports whether the pipeline includes the given step.
func (p *DataPipeline) HasStep(name string) bool {
	return slices.Contains(p.Steps, name)
}

// Clone returns a deep copy of the pipeline.
func (p *DataPipeline) Clone() *DataPipeline {
	data, err := json.Marshal(p)
	if err != nil {
		// Every field is JSON safe; failure here is a programming error.
		panic(err)
	}
	var out DataPipeline
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

// Snapshot returns a copy suitable for PreviousExecutionsToPurge: nested purge
// lists are flattened into the returned slice so snapshots never nest.
func (p *DataPipeline) Snapshot() []*DataPipeline {
	cp := p.Clone()
	out := append([]*DataPipeline(nil), cp.PreviousExecutionsToPurge...)
	cp.PreviousExecutionsToPurge = nil
	return append(out, cp)
}
