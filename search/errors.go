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


package search

import (
	"errors"
	"fmt"

	"github.com/poiesic/docmem/core"
)

var (
	// ErrMemoryDbRequired is returned when no memory db is provided.
	ErrMemoryDbRequired = fmt.Errorf("%w: at least one memory db required", core.ErrConfiguration)

	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = fmt.Errorf("%w: embedder required", core.ErrConfiguration)

	// ErrEmptyQuery is returned for a query with no text.
	ErrEmptyQuery = errors.New("query text is empty")
)
