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
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/poiesic/docmem/core"
	"github.com/poiesic/docmem/ingestion"
	"github.com/poiesic/docmem/retry"
)

// Config holds configuration for a reindex run.
type Config struct {
	// BatchSize is the number of pipelines handled per batch
	BatchSize int

	// ReportInterval is how often to report progress (number of documents)
	ReportInterval int

	// MaxRetries is the maximum number of attempts to queue a re-import
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff
	RetryDelay time.Duration

	// Steps replaces the step list of every re-imported document. Empty keeps
	// each document's own steps.
	Steps []string

	// IncludeUnfinished also re-imports pipelines that are still created or
	// running. Their pending messages are dropped as stale.
	IncludeUnfinished bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      DefaultBatchSize,
		ReportInterval: 10,
		MaxRetries:     3,
		RetryDelay:     1 * time.Second,
	}
}

// Summary reports the outcome of a reindex run.
type Summary struct {
	Index     string
	Total     int
	Reindexed int
	// Failed maps document ids to the reason they were not re-imported.
	Failed map[string]error
}

// Reindexer re-imports the documents of an index through an orchestrator.
type Reindexer struct {
	orchestrator *ingestion.Orchestrator
	config       *Config
	progress     io.Writer
	logger       *slog.Logger
}

// NewReindexer creates a new reindexer.
// progress: where to write progress output (typically os.Stderr)
func NewReindexer(orchestrator *ingestion.Orchestrator, config *Config, progress io.Writer, logger *slog.Logger) *Reindexer {
	if config == nil {
		config = DefaultConfig()
	}
	if progress == nil {
		progress = io.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reindexer{
		orchestrator: orchestrator,
		config:       config,
		progress:     progress,
		logger:       logger.With("component", "reindexer"),
	}
}

func (r *Reindexer) selected(p *core.DataPipeline) bool {
	if r.config.IncludeUnfinished {
		return true
	}
	return p.State == core.PipelineStateCompleted || p.State == core.PipelineStateFailed
}

// Run re-imports every selected document of index. A document that cannot be
// re-imported is recorded in the summary and the run continues; Run only
// fails when the pipelines cannot be listed or ctx is done.
func (r *Reindexer) Run(ctx context.Context, index string) (*Summary, error) {
	if r.config.MaxRetries <= 0 {
		return nil, ErrInvalidMaxAttempts
	}

	iterator := NewPipelineIterator(r.orchestrator, index, r.config.BatchSize)
	pipelines, err := iterator.Collect(ctx, r.selected)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to collect pipelines", goerr.V("index", index))
	}

	summary := &Summary{Index: index, Total: len(pipelines), Failed: make(map[string]error)}
	if summary.Total == 0 {
		fmt.Fprintf(r.progress, "No documents to reindex in %s\n", index)
		return summary, nil
	}
	fmt.Fprintf(r.progress, "Reindexing %d documents in %s (batch size: %d)\n",
		summary.Total, index, iterator.batchSize)

	tracker := NewProgressTracker(r.progress, summary.Total, r.config.ReportInterval)
	tracker.Start()

	err = eachBatch(ctx, pipelines, iterator.batchSize, func(batch []*core.DataPipeline) error {
		for _, p := range batch {
			if err := r.reimport(ctx, p); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Error("failed to reindex document", "index", index, "document_id", p.DocumentID, "err", err)
				summary.Failed[p.DocumentID] = err
				tracker.Failed()
				continue
			}
			summary.Reindexed++
			tracker.Succeeded()
		}
		return nil
	})
	if err != nil {
		return summary, err
	}

	tracker.Finish()

	elapsed := tracker.Elapsed()
	fmt.Fprintf(r.progress, "Reindex queued. %d of %d documents in %v, %d failed\n",
		summary.Reindexed, summary.Total, elapsed.Round(time.Millisecond), len(summary.Failed))

	return summary, nil
}

// reimport rebuilds a pipeline from its stored source files and starts it.
func (r *Reindexer) reimport(ctx context.Context, p *core.DataPipeline) error {
	if len(p.Files) == 0 {
		return ErrNoSourceFiles
	}

	steps := r.config.Steps
	if len(steps) == 0 {
		steps = p.Steps
	}
	builder := r.orchestrator.PrepareNewFileUploadPipeline(p.Index, p.DocumentID, p.UserID, p.CollectionIDs, p.Tags).
		ThenSteps(steps...)
	for _, f := range p.Files {
		data, err := r.orchestrator.ReadFile(ctx, p, f.Name)
		if err != nil {
			return err
		}
		builder.AddFile(ingestion.UploadedFile{
			Name:     f.Name,
			MimeType: f.MimeType,
			Data:     data,
			Tags:     f.Tags,
		})
	}

	next, err := builder.Build(ctx)
	if err != nil {
		return err
	}
	return retry.WithBackoff(ctx, r.logger, func() error {
		return r.orchestrator.Start(ctx, next)
	}, r.config.MaxRetries, r.config.RetryDelay)
}
