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
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/go-crypt/x/blake2b"
)

// ID is a 64-bit content-derived identifier.
type ID uint64

// IDFromContent generates a deterministic ID from text content using BLAKE2b hashing.
// This ensures that identical content produces identical IDs.
func IDFromContent(text string) ID {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return ID(binary.LittleEndian.Uint64(sum))
}

// String renders the ID as 16 lowercase hex digits.
func (id ID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// ContentHash returns a hex BLAKE2b-256 digest of data.
func ContentHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}

// ArtifactID derives the id of a generated file from its parent file and its
// storage name, so a step that is re-executed produces the same ids again.
func ArtifactID(parentID, name string) string {
	return IDFromContent(parentID + "/" + name).String()
}

// RecordID derives the memory record id of a document part.
//
// The value is a pure function of its inputs. Vector stores serialize it in
// different ways, so it must never be used for querying: filter on the
// reserved tags instead.
func RecordID(documentID, partID string) string {
	return "d=" + documentID + "//p=" + partID
}

// TagCollection maps a tag name to one or more values.
type TagCollection map[string][]string

// Add appends a value to the given tag, skipping exact duplicates.
func (t TagCollection) Add(key, value string) {
	for _, v := range t[key] {
		if v == value {
			return
		}
	}
	t[key] = append(t[key], value)
}

// Clone returns a deep copy of the collection.
func (t TagCollection) Clone() TagCollection {
	if t == nil {
		return nil
	}
	out := make(TagCollection, len(t))
	for k, values := range t {
		out[k] = append([]string(nil), values...)
	}
	return out
}

// CopyTo merges every tag of t into dst.
func (t TagCollection) CopyTo(dst TagCollection) {
	for k, values := range t {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

// Pairs flattens the collection into "key:value" strings.
func (t TagCollection) Pairs() []string {
	var out []string
	for k, values := range t {
		for _, v := range values {
			out = append(out, k+":"+v)
		}
	}
	return out
}

// IsReservedTag reports whether key belongs to the namespace used by the system.
func IsReservedTag(key string) bool {
	return strings.HasPrefix(key, ReservedTagPrefix)
}

// MemoryRecord is the unit stored in a vector store.
type MemoryRecord struct {
	ID      string            `json:"id"`
	Vector  []float32         `json:"vector,omitempty"`
	Tags    TagCollection     `json:"tags"`
	Payload map[string]string `json:"payload"`
}

// NewMemoryRecord creates an empty record with initialized collections.
func NewMemoryRecord(id string) *MemoryRecord {
	return &MemoryRecord{
		ID:      id,
		Tags:    make(TagCollection),
		Payload: make(map[string]string),
	}
}

// EmbeddingFileContent is the payload of a TextEmbeddingVector artifact.
type EmbeddingFileContent struct {
	SourceFileName    string    `json:"source_file"`
	GeneratorProvider string    `json:"generator_provider"`
	GeneratorName     string    `json:"generator_name"`
	VectorSize        int       `json:"vector_size"`
	Vector            []float32 `json:"vector"`
	TimeStamp         string    `json:"timestamp"`
}
