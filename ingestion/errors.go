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
	"errors"
	"fmt"

	"github.com/poiesic/docmem/core"
)

var (
	// ErrEnqueue is returned when a step could not be durably queued. No
	// pipeline state is persisted when it is returned by Start or Resubmit.
	ErrEnqueue = errors.New("unable to enqueue pipeline step")

	// ErrHandlerFailure wraps a failed step invocation.
	ErrHandlerFailure = errors.New("step handler failed")

	// ErrNoHandler is returned when no handler is registered for a step.
	ErrNoHandler = errors.New("no handler registered for step")

	// ErrPipelineNotRunnable is returned when a pipeline cannot be started or resubmitted in its current state.
	ErrPipelineNotRunnable = errors.New("pipeline cannot be started in its current state")

	// ErrPipelineRepositoryRequired is returned when a pipeline repository is not provided.
	ErrPipelineRepositoryRequired = fmt.Errorf("%w: pipeline repository required", core.ErrConfiguration)

	// ErrContentStorageRequired is returned when a content storage is not provided.
	ErrContentStorageRequired = fmt.Errorf("%w: content storage required", core.ErrConfiguration)

	// ErrTransportRequired is returned when a queue transport is not provided.
	ErrTransportRequired = fmt.Errorf("%w: queue transport required", core.ErrConfiguration)

	// ErrMemoryDbRequired is returned when no vector store is configured.
	ErrMemoryDbRequired = fmt.Errorf("%w: at least one memory db required", core.ErrConfiguration)

	// ErrEmbedderRequired is returned when embedding generation is enabled without an embedder.
	ErrEmbedderRequired = fmt.Errorf("%w: embedding generation enabled but no embedder configured", core.ErrConfiguration)
)
