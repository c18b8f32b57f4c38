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


// Package reindex re-imports the stored documents of an index.
//
// Every document whose pipeline has finished is rebuilt from the source files
// kept in content storage and dispatched again, so its memory records are
// regenerated with the current embedders, partitioning settings and steps.
// The records of the previous run are purged by the new run's save step.
//
// This package supports batch iteration over stored pipelines, progress
// tracking and retry with exponential backoff when a step cannot be queued.
package reindex
