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


package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/docmem"
	"github.com/poiesic/docmem/core"
	"github.com/poiesic/docmem/ingestion"
	"github.com/poiesic/docmem/logging"
	"github.com/poiesic/docmem/storage"
)

const maxUploadMemory = 32 << 20

type server struct {
	memory  *docmem.Memory
	started time.Time
	logger  *slog.Logger
}

// uploadAccepted is the body of a 202 upload response.
type uploadAccepted struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// problem is an RFC 7807 error body.
type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func newServer(m *docmem.Memory, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{
		memory:  m,
		started: time.Now(),
		logger:  logger.With("component", "http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handlePing)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /upload-status", s.handleUploadStatus)
	return s.withRequestLogger(mux)
}

func (s *server) withRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := s.logger.With("request_id", uuid.NewString(), "method", r.Method, "path", r.URL.Path)
		logger.Debug("request received")
		next.ServeHTTP(w, r.WithContext(logging.With(r.Context(), logger)))
	})
}

func (s *server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	logger := logging.From(r.Context())

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid upload request", err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	doc, err := documentFromForm(r.MultipartForm)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid upload request", err.Error())
		return
	}

	status, err := s.memory.ImportDocument(r.Context(), doc)
	if err != nil {
		code := statusCodeFor(err)
		logger.Error("document upload failed", "document_id", doc.DocumentID, "status", code, "err", err)
		writeProblem(w, code, http.StatusText(code), err.Error())
		return
	}

	location := "/upload-status?" + url.Values{
		"index":      {status.Index},
		"documentId": {status.DocumentID},
	}.Encode()
	w.Header().Set("Location", location)
	writeJSON(w, http.StatusAccepted, uploadAccepted{
		ID:      status.DocumentID,
		Message: "Document upload completed, ingestion pipeline started",
		Count:   len(doc.Files),
	})
}

func (s *server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	documentID := q.Get("documentId")
	if documentID == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid status request", "documentId is required")
		return
	}

	status, err := s.memory.GetDocumentStatus(r.Context(), q.Get("index"), documentID)
	if err != nil {
		code := statusCodeFor(err)
		if code == http.StatusInternalServerError {
			logging.From(r.Context()).Error("failed to read document status", "document_id", documentID, "err", err)
		}
		writeProblem(w, code, http.StatusText(code), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// documentFromForm reads the upload fields. Every file part, whatever its
// field name, becomes a document file. Files are ordered by field name, then
// file name.
func documentFromForm(form *multipart.Form) (docmem.Document, error) {
	doc := docmem.Document{
		Index:         formValue(form, "index"),
		DocumentID:    formValue(form, "documentId"),
		UserID:        formValue(form, "userId"),
		CollectionIDs: splitValues(form.Value["collectionIds"]),
		Steps:         splitValues(form.Value["steps"]),
	}

	tags, err := parseTags(form.Value["tags"])
	if err != nil {
		return doc, err
	}
	doc.Tags = tags

	for _, field := range slices.Sorted(maps.Keys(form.File)) {
		headers := slices.Clone(form.File[field])
		slices.SortStableFunc(headers, func(a, b *multipart.FileHeader) int {
			return strings.Compare(a.Filename, b.Filename)
		})
		for _, fh := range headers {
			data, err := readPart(fh)
			if err != nil {
				return doc, err
			}
			doc.Files = append(doc.Files, ingestion.UploadedFile{
				Name:     fh.Filename,
				MimeType: partMimeType(fh),
				Data:     data,
			})
		}
	}
	if len(doc.Files) == 0 {
		return doc, errors.New("no files uploaded")
	}
	return doc, nil
}

func formValue(form *multipart.Form, key string) string {
	if values := form.Value[key]; len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

// splitValues accepts repeated fields as well as comma separated lists.
func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open uploaded file %s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read uploaded file %s: %w", fh.Filename, err)
	}
	return data, nil
}

// partMimeType returns the declared content type unless it is the generic
// default, in which case the type is inferred from the file name.
func partMimeType(fh *multipart.FileHeader) string {
	ct := fh.Header.Get("Content-Type")
	if ct == "" || strings.HasPrefix(ct, "application/octet-stream") {
		return ""
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

func statusCodeFor(err error) int {
	switch {
	case errors.Is(err, ingestion.ErrEnqueue):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidPipeline),
		errors.Is(err, core.ErrInvalidTag),
		errors.Is(err, core.ErrReservedTag):
		return http.StatusBadRequest
	case errors.Is(err, ingestion.ErrPipelineNotRunnable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, code int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(problem{Title: title, Status: code, Detail: detail})
}
