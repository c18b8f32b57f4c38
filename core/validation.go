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
	"fmt"
	"strings"
)

// ValidatePipeline validates a DataPipeline according to domain rules.
//
// Validation rules:
//   - Index and DocumentID must not be empty
//   - at least one step, with no empty step names
//   - CurrentStep must be within [0, len(Steps)]
//   - caller tags must not use reserved names
//
// NOT validated:
//   - Files (a pipeline may be created before its files are uploaded)
func ValidatePipeline(p *DataPipeline) error {
	if p == nil {
		return fmt.Errorf("%w: pipeline is nil", ErrInvalidPipeline)
	}
	if p.Index == "" {
		return fmt.Errorf("%w: index is empty", ErrInvalidPipeline)
	}
	if p.DocumentID == "" {
		return fmt.Errorf("%w: document id is empty", ErrInvalidPipeline)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPipeline)
	}
	for i, s := range p.Steps {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: step %d has no name", ErrInvalidPipeline, i)
		}
	}
	if p.CurrentStep < 0 || p.CurrentStep > len(p.Steps) {
		return fmt.Errorf("%w: current step %d out of range", ErrInvalidPipeline, p.CurrentStep)
	}
	if err := ValidateTags(p.Tags); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPipeline, err)
	}
	return nil
}

// ValidateTags rejects empty tag names and names in the reserved namespace.
func ValidateTags(tags TagCollection) error {
	for k := range tags {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: empty name", ErrInvalidTag)
		}
		if IsReservedTag(k) {
			return fmt.Errorf("%w: %q", ErrReservedTag, k)
		}
	}
	return nil
}

// ValidateDocumentID checks that an id can be embedded in record ids and container names.
func ValidateDocumentID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: document id is empty", ErrInvalidPipeline)
	}
	if strings.ContainsAny(id, "/\\ \t\n") {
		return fmt.Errorf("%w: document id %q contains invalid characters", ErrInvalidPipeline, id)
	}
	return nil
}
