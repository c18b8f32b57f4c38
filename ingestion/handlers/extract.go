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


package handlers

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/poiesic/docmem/core"
	"github.com/tmc/langchaingo/documentloaders"
)

const maxWebPageSize = 10 << 20

// TextExtractionHandler turns each source file into an extracted text artifact.
type TextExtractionHandler struct {
	stepName     string
	orchestrator Orchestrator
	httpClient   *http.Client
	logger       *slog.Logger
}

// ExtractOption configures a TextExtractionHandler.
type ExtractOption func(*TextExtractionHandler)

// WithHTTPClient sets the client used to download web page files.
func WithHTTPClient(client *http.Client) ExtractOption {
	return func(h *TextExtractionHandler) {
		if client != nil {
			h.httpClient = client
		}
	}
}

// WithExtractLogger sets the handler logger.
func WithExtractLogger(logger *slog.Logger) ExtractOption {
	return func(h *TextExtractionHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewTextExtractionHandler creates the extraction handler for stepName.
func NewTextExtractionHandler(stepName string, orchestrator Orchestrator, opts ...ExtractOption) *TextExtractionHandler {
	h := &TextExtractionHandler{
		stepName:     stepName,
		orchestrator: orchestrator,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("handler", stepName)
	return h
}

func (h *TextExtractionHandler) StepName() string {
	return h.stepName
}

func (h *TextExtractionHandler) Invoke(ctx context.Context, p *core.DataPipeline) (bool, *core.DataPipeline, error) {
	for _, f := range p.Files {
		if f.AlreadyProcessedBy(h) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return false, p, err
		}

		data, err := h.orchestrator.ReadFile(ctx, p, f.Name)
		if err != nil {
			return false, p, err
		}

		text, mimeType, err := h.extract(ctx, f, data)
		if err != nil {
			return false, p, goerr.Wrap(err, "text extraction failed", goerr.V("file", f.Name))
		}
		if mimeType == "" {
			h.logger.Warn("file type not supported, nothing extracted", "file", f.Name, "mime_type", f.MimeType)
			f.MarkProcessedBy(h)
			continue
		}

		name := extractedName(f, mimeType)
		content := []byte(text)
		if err := h.orchestrator.WriteFile(ctx, p, name, content); err != nil {
			return false, p, err
		}
		artifact := newArtifact(f, name, mimeType, core.ArtifactTypeExtractedText, content)
		artifact.Tags = inheritedTags(p, f)
		f.AddGeneratedFile(artifact)
		f.MarkProcessedBy(h)
		h.logger.Debug("text extracted", "file", f.Name, "artifact", name, "size", len(content))
	}
	return true, p, nil
}

// extract returns the text of a file and its MIME type, or an empty MIME
// type when the file type is not supported.
func (h *TextExtractionHandler) extract(ctx context.Context, f *core.FileDetails, data []byte) (string, string, error) {
	switch f.MimeType {
	case core.MimeTypePlainText, core.MimeTypeJSON:
		return string(data), core.MimeTypePlainText, nil
	case core.MimeTypeMarkDown:
		return string(data), core.MimeTypeMarkDown, nil
	case core.MimeTypeHTML:
		text, err := htmlToText(ctx, bytes.NewReader(data))
		return text, core.MimeTypePlainText, err
	case core.MimeTypeWebPageURL:
		return h.fetch(ctx, strings.TrimSpace(string(data)))
	default:
		return "", "", nil
	}
}

func (h *TextExtractionHandler) fetch(ctx context.Context, url string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", goerr.Wrap(err, "invalid web page url", goerr.V("url", url))
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", "", goerr.Wrap(err, "failed to download web page", goerr.V("url", url))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", "", goerr.New("unexpected web page status", goerr.V("url", url), goerr.V("status", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebPageSize))
	if err != nil {
		return "", "", goerr.Wrap(err, "failed to read web page", goerr.V("url", url))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case core.MimeTypeHTML, "":
		text, err := htmlToText(ctx, bytes.NewReader(body))
		return text, core.MimeTypePlainText, err
	case core.MimeTypeMarkDown:
		return string(body), core.MimeTypeMarkDown, nil
	case core.MimeTypePlainText, core.MimeTypeJSON:
		return string(body), core.MimeTypePlainText, nil
	default:
		h.logger.Warn("web page content type not supported", "url", url, "content_type", mediaType)
		return "", "", nil
	}
}

func htmlToText(ctx context.Context, r io.Reader) (string, error) {
	docs, err := documentloaders.NewHTML(r).Load(ctx)
	if err != nil {
		return "", goerr.Wrap(err, "failed to parse html")
	}
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		if s := strings.TrimSpace(d.PageContent); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
