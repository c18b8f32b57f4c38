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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/poiesic/docmem"
	"github.com/poiesic/docmem/config"
	"github.com/poiesic/docmem/core"
	"github.com/poiesic/docmem/ingestion"
	"github.com/poiesic/docmem/logging"
	"github.com/poiesic/docmem/reindex"
	"github.com/poiesic/docmem/search"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "docmem",
		Usage: "Document ingestion pipelines and semantic memory search",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML configuration file",
				EnvVars: []string{"DOCMEM_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP upload service and pipeline workers",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Listen address (overrides server.addr)",
					},
					&cli.BoolFlag{
						Name:  "no-workers",
						Usage: "Only accept uploads, leave step processing to separate workers",
					},
				},
			},
			{
				Name:   "worker",
				Usage:  "Process pipeline steps from the queue",
				Action: workerCommand,
			},
			{
				Name:      "import",
				Usage:     "Import files as one document",
				ArgsUsage: "FILE...",
				Action:    importCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "document-id",
						Aliases:  []string{"d"},
						Usage:    "Document id",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "user",
						Aliases:  []string{"u"},
						Usage:    "Id of the user owning the document",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "index",
						Usage: "Index to import into (defaults to ingestion.default_index)",
					},
					&cli.StringSliceFlag{
						Name:  "tag",
						Usage: "Document tag as key:value (repeatable)",
					},
					&cli.StringSliceFlag{
						Name:  "collection",
						Usage: "Collection id (repeatable)",
					},
					&cli.StringSliceFlag{
						Name:  "step",
						Usage: "Pipeline step (repeatable, defaults to ingestion.default_steps)",
					},
					&cli.BoolFlag{
						Name:  "wait",
						Usage: "Process the pipeline in this process before returning",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show the pipeline status of a document",
				Action: statusCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "document-id",
						Aliases:  []string{"d"},
						Usage:    "Document id",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "index",
						Usage: "Index of the document (defaults to ingestion.default_index)",
					},
				},
			},
			{
				Name:   "reindex",
				Usage:  "Re-import the finished documents of an index from their stored files",
				Action: reindexCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "index",
						Usage: "Index to reindex (defaults to ingestion.default_index)",
					},
					&cli.StringSliceFlag{
						Name:  "step",
						Usage: "Replacement pipeline step (repeatable, defaults to each document's steps)",
					},
					&cli.BoolFlag{
						Name:  "include-unfinished",
						Usage: "Also re-import documents whose pipeline is still pending",
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of documents to process in each batch",
						Value: reindex.DefaultBatchSize,
					},
					&cli.IntFlag{
						Name:  "report-interval",
						Usage: "Report progress every N documents",
						Value: 10,
					},
					&cli.IntFlag{
						Name:  "max-retries",
						Usage: "Maximum attempts to queue each document",
						Value: 3,
					},
					&cli.DurationFlag{
						Name:  "retry-delay",
						Usage: "Base delay for exponential backoff",
						Value: 1 * time.Second,
					},
					&cli.BoolFlag{
						Name:  "wait",
						Usage: "Process the pipelines in this process before returning",
					},
				},
			},
			{
				Name:      "search",
				Usage:     "Search memory records",
				ArgsUsage: "QUERY...",
				Action:    searchCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "index",
						Usage: "Index to search (defaults to ingestion.default_index)",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of results (defaults to search.limit)",
					},
					&cli.Float64Flag{
						Name:  "min-relevance",
						Usage: "Minimum cosine similarity (defaults to search.min_relevance)",
					},
					&cli.StringSliceFlag{
						Name:  "tag",
						Usage: "Only return records carrying key:value (repeatable)",
					},
				},
			},
		},
	}
}

func setupLogger(c *cli.Context) error {
	level := c.String("log-level")
	if _, err := logging.ParseLevel(level); err != nil {
		return err
	}
	slog.SetDefault(logging.New(level, c.App.ErrWriter))
	return nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openMemory(c *cli.Context) (*docmem.Memory, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	m, err := docmem.Open(c.Context, cfg, docmem.WithLogger(slog.Default()))
	if err != nil {
		return nil, fmt.Errorf("failed to open docmem: %w", err)
	}
	return m, nil
}

func serveCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := openMemory(c)
	if err != nil {
		return err
	}
	defer m.Close()

	addr := c.String("addr")
	if addr == "" {
		addr = m.Config().Server.Addr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           newServer(m, slog.Default()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	workersDone := make(chan struct{})
	if c.Bool("no-workers") {
		close(workersDone)
	} else {
		go func() {
			defer close(workersDone)
			if err := m.RunWorkers(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("workers stopped: %w", err)
			}
		}()
	}
	go func() {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		slog.Error("error shutting down http server", "err", shutdownErr)
	}
	stop()
	<-workersDone
	return err
}

func workerCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := openMemory(c)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.RunWorkers(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func importCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("at least one file is required")
	}
	tags, err := parseTags(c.StringSlice("tag"))
	if err != nil {
		return err
	}

	doc := docmem.Document{
		Index:         c.String("index"),
		DocumentID:    c.String("document-id"),
		UserID:        c.String("user"),
		CollectionIDs: c.StringSlice("collection"),
		Tags:          tags,
		Steps:         c.StringSlice("step"),
	}
	for _, path := range c.Args().Slice() {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		doc.Files = append(doc.Files, ingestion.UploadedFile{Name: filepath.Base(path), Data: data})
	}

	m, err := openMemory(c)
	if err != nil {
		return err
	}
	defer m.Close()

	status, err := m.ImportDocument(c.Context, doc)
	if err != nil {
		return err
	}
	if c.Bool("wait") {
		if err := m.Orchestrator().RunUntilIdle(c.Context); err != nil {
			return fmt.Errorf("pipeline processing failed: %w", err)
		}
		if status, err = m.GetDocumentStatus(c.Context, status.Index, status.DocumentID); err != nil {
			return err
		}
	}
	return printJSON(c, status)
}

func statusCommand(c *cli.Context) error {
	m, err := openMemory(c)
	if err != nil {
		return err
	}
	defer m.Close()

	status, err := m.GetDocumentStatus(c.Context, c.String("index"), c.String("document-id"))
	if err != nil {
		return err
	}
	return printJSON(c, status)
}

func reindexCommand(c *cli.Context) error {
	cfg := &reindex.Config{
		BatchSize:         c.Int("batch-size"),
		ReportInterval:    c.Int("report-interval"),
		MaxRetries:        c.Int("max-retries"),
		RetryDelay:        c.Duration("retry-delay"),
		Steps:             c.StringSlice("step"),
		IncludeUnfinished: c.Bool("include-unfinished"),
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be greater than 0")
	}
	if cfg.MaxRetries <= 0 {
		return fmt.Errorf("max-retries must be greater than 0")
	}

	m, err := openMemory(c)
	if err != nil {
		return err
	}
	defer m.Close()

	summary, err := m.Reindex(c.Context, c.String("index"), cfg, c.App.ErrWriter)
	if err != nil {
		return fmt.Errorf("reindex failed: %w", err)
	}
	if c.Bool("wait") {
		if err := m.Orchestrator().RunUntilIdle(c.Context); err != nil {
			return fmt.Errorf("pipeline processing failed: %w", err)
		}
	}
	if len(summary.Failed) > 0 {
		return fmt.Errorf("%d of %d documents could not be reindexed", len(summary.Failed), summary.Total)
	}
	return nil
}

func searchCommand(c *cli.Context) error {
	text := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("a query is required")
	}
	filter, err := parseTags(c.StringSlice("tag"))
	if err != nil {
		return err
	}

	m, err := openMemory(c)
	if err != nil {
		return err
	}
	defer m.Close()

	results, err := m.Search(c.Context, search.Query{
		Index:        c.String("index"),
		Text:         text,
		Limit:        c.Int("limit"),
		MinRelevance: float32(c.Float64("min-relevance")),
		Filter:       filter,
	})
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "Found %d hits\n", len(results))
	for i, hit := range results {
		fmt.Fprintf(w, "%d: '%s' (%s/%s)[%0.3f]\n", i, hit.Text(), hit.DocumentID(), hit.FileName(), hit.Score)
	}
	return nil
}

// parseTags converts key:value pairs into a tag collection.
func parseTags(pairs []string) (core.TagCollection, error) {
	tags := core.TagCollection{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: %q is not key:value", core.ErrInvalidTag, pair)
		}
		tags.Add(key, strings.TrimSpace(value))
	}
	return tags, nil
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
