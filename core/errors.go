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

import "errors"

var (
	// ErrConfiguration indicates a required collaborator or setting is missing.
	// It is fatal at startup and never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidPipeline indicates a DataPipeline failed validation.
	ErrInvalidPipeline = errors.New("invalid pipeline")

	// ErrInvalidTag indicates a tag with an empty or malformed name.
	ErrInvalidTag = errors.New("invalid tag")

	// ErrReservedTag indicates a caller supplied tag uses a reserved name.
	ErrReservedTag = errors.New("tag name is reserved")

	// ErrFileNotFound indicates a pipeline does not contain the requested file.
	ErrFileNotFound = errors.New("file not found in pipeline")

	// ErrDeserialization indicates a malformed artifact payload.
	ErrDeserialization = errors.New("unable to deserialize artifact")

	// ErrUnsupportedArtifact indicates an artifact whose type cannot be handled.
	ErrUnsupportedArtifact = errors.New("unsupported artifact")
)
