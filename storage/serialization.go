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


package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/poiesic/docmem/core"
)

// MarshalPipeline serializes a DataPipeline to bytes.
func MarshalPipeline(pipeline *core.DataPipeline) ([]byte, error) {
	data, err := json.Marshal(pipeline)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return data, nil
}

// UnmarshalPipeline deserializes a DataPipeline from bytes.
func UnmarshalPipeline(data []byte) (*core.DataPipeline, error) {
	var pipeline core.DataPipeline
	if err := json.Unmarshal(data, &pipeline); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return &pipeline, nil
}

// ValidateKey checks the parts of a content or pipeline key.
func ValidateKey(parts ...string) error {
	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, "\x00/") {
			return fmt.Errorf("%w: %q", ErrInvalidKey, p)
		}
	}
	return nil
}
