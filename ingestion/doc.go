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


// Package ingestion drives documents through their processing steps.
//
// An Orchestrator builds a DataPipeline for an upload, persists it, and
// dispatches each step through a queue.Transport. Workers dequeue step
// messages, invoke the StepHandler registered for the step and persist the
// returned state before acknowledging the message. A failed invocation is
// retried with exponential backoff until the RetryPolicy budget is spent,
// after which the pipeline is marked failed until it is resubmitted.
//
// Delivery is at-least-once. Messages carry the pipeline's execution id so
// messages of a superseded run are dropped, and handlers rely on
// processed-by markers and deterministic ids to tolerate redelivery.
package ingestion
