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


// Package storage provides the storage abstraction layer for docmem.
//
// This package defines repository interfaces that decouple storage implementation
// from the ingestion pipeline. Two concerns are covered:
//
//   - PipelineRepository: DataPipeline snapshots, one per (index, document id)
//   - ContentStorage: uploaded files and the artifacts generated from them
//
// Implementations live in sub-packages (badger, gcs). Constructors return
// concrete types; callers depend on the interfaces declared here.
//
// # Usage
//
//	backend, err := badger.OpenBackend("/path/to/db", false)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer backend.Close()
//
//	pipelines := badger.NewPipelineRepository(backend)
//	content := badger.NewContentStorage(backend)
//
// # Thread Safety
//
// All implementations must be thread-safe and support
// concurrent access from multiple goroutines.
//
// # Context Support
//
// All repository methods accept context.Context for cancellation
// and timeout support.
package storage
