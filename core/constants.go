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
	"path/filepath"
	"strings"
)

// ReservedTagPrefix marks tag names owned by the system. Caller supplied tags
// may not use it.
const ReservedTagPrefix = "__"

// Reserved record tags.
const (
	ReservedDocumentIdTag          = "__document_id"
	ReservedFileIdTag              = "__file_id"
	ReservedFilePartitionTag       = "__file_part"
	ReservedFilePartitionNumberTag = "__part_n"
	ReservedFileSectionNumberTag   = "__sect_n"
	ReservedFileTypeTag            = "__file_type"
	ReservedSyntheticTypeTag       = "__synth"
)

// SyntheticTypeSummary marks synthetic artifacts that summarize a file.
const SyntheticTypeSummary = "summary"

// Reserved record payload fields.
const (
	ReservedPayloadTextField            = "text"
	ReservedPayloadFileNameField        = "file"
	ReservedPayloadUrlField             = "url"
	ReservedPayloadLastUpdateField      = "last_update"
	ReservedPayloadVectorProviderField  = "vector_provider"
	ReservedPayloadVectorGeneratorField = "vector_generator"
)

// LastUpdateLayout is the UTC, second precision layout of the last update payload field.
const LastUpdateLayout = "2006-01-02T15:04:05"

// Supported MIME types.
const (
	MimeTypePlainText           = "text/plain"
	MimeTypeMarkDown            = "text/markdown"
	MimeTypeHTML                = "text/html"
	MimeTypeJSON                = "application/json"
	MimeTypeWebPageURL          = "text/x-uri"
	MimeTypeTextEmbeddingVector = "float[]"
	MimeTypeUnknown             = "application/octet-stream"
)

var mimeTypesByExtension = map[string]string{
	".txt":      MimeTypePlainText,
	".text":     MimeTypePlainText,
	".md":       MimeTypeMarkDown,
	".markdown": MimeTypeMarkDown,
	".htm":      MimeTypeHTML,
	".html":     MimeTypeHTML,
	".json":     MimeTypeJSON,
	".url":      MimeTypeWebPageURL,
}

// MimeTypeFromFileName guesses the MIME type from the file extension.
func MimeTypeFromFileName(name string) string {
	if mt, ok := mimeTypesByExtension[strings.ToLower(filepath.Ext(name))]; ok {
		return mt
	}
	return MimeTypeUnknown
}
