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


// Package config loads the docmem YAML configuration.
//
// A configuration file only needs the values that differ from Default:
// Load decodes the file on top of the defaults and validates the result.
package config

import (
	"os"
	"slices"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/poiesic/docmem/core"
	"gopkg.in/yaml.v3"
)

// Content storage backends.
const (
	ContentBadger = "badger"
	ContentGCS    = "gcs"
)

// Queue transports.
const (
	QueueMemory = "memory"
	QueueSQLite = "sqlite"
)

// Memory db types.
const (
	MemoryDbBadger   = "badger"
	MemoryDbPostgres = "postgres"
	MemoryDbQdrant   = "qdrant"
)

// Embedding providers.
const (
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
)

type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Queue         QueueConfig         `yaml:"queue"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	MemoryDbs     []MemoryDbConfig    `yaml:"memory_dbs"`
	Search        SearchConfig        `yaml:"search"`
	Server        ServerConfig        `yaml:"server"`
}

// StorageConfig selects where pipeline state and uploaded files live.
// Pipeline state always lives in the BadgerDB at Path.
type StorageConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
	// Content is the file storage backend: badger or gcs.
	Content string `yaml:"content"`
	Bucket  string `yaml:"bucket"`
}

type QueueConfig struct {
	Type         string        `yaml:"type"`
	Path         string        `yaml:"path"`
	Lease        time.Duration `yaml:"lease"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// OrchestrationConfig holds the worker pool size and the retry policy of
// failed steps.
type OrchestrationConfig struct {
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type IngestionConfig struct {
	DefaultIndex       string   `yaml:"default_index"`
	DefaultSteps       []string `yaml:"default_steps"`
	GenerateEmbeddings bool     `yaml:"generate_embeddings"`
	SaveConcurrency    int      `yaml:"save_concurrency"`
	ChunkSize          int      `yaml:"chunk_size"`
	ChunkOverlap       int      `yaml:"chunk_overlap"`
}

// EmbeddingConfig configures the OpenAI compatible endpoint used for
// embeddings and summaries.
type EmbeddingConfig struct {
	Provider          string  `yaml:"provider"`
	Host              string  `yaml:"host"`
	Model             string  `yaml:"model"`
	SummaryModel      string  `yaml:"summary_model"`
	APIKey            string  `yaml:"api_key"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// MemoryDbConfig describes one vector store. Every configured store
// receives every record.
type MemoryDbConfig struct {
	Type     string `yaml:"type"`
	DSN      string `yaml:"dsn"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Prefix   string `yaml:"prefix"`
}

type SearchConfig struct {
	Limit        int     `yaml:"limit"`
	MinRelevance float32 `yaml:"min_relevance"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration for a single process with local storage
// and an Ollama embedding endpoint.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:    "docmem_data",
			Content: ContentBadger,
		},
		Queue: QueueConfig{
			Type:         QueueMemory,
			Lease:        5 * time.Minute,
			PollInterval: 500 * time.Millisecond,
		},
		Orchestration: OrchestrationConfig{
			Workers:     4,
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
		},
		Ingestion: IngestionConfig{
			DefaultIndex:       "default",
			DefaultSteps:       []string{"extract", "partition", "gen_embeddings", "save_records"},
			GenerateEmbeddings: true,
			SaveConcurrency:    4,
			ChunkSize:          1000,
			ChunkOverlap:       100,
		},
		Embedding: EmbeddingConfig{
			Provider:     ProviderOpenAI,
			Host:         "http://localhost:11434/v1",
			Model:        "embeddinggemma",
			SummaryModel: "qwen2.5:3b",
		},
		MemoryDbs: []MemoryDbConfig{{Type: MemoryDbBadger}},
		Search: SearchConfig{
			Limit: 10,
		},
		Server: ServerConfig{
			Addr: ":9001",
		},
	}
}

// Load reads the YAML file at path on top of Default and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid config file", goerr.V("path", path))
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, goerr.Wrap(err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(msg string, values ...goerr.Option) error {
	return goerr.Wrap(core.ErrConfiguration, msg, values...)
}

// Validate checks the configuration. Errors wrap core.ErrConfiguration.
func (c *Config) Validate() error {
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Queue.validate(); err != nil {
		return err
	}
	if err := c.Orchestration.validate(); err != nil {
		return err
	}
	if err := c.Ingestion.validate(); err != nil {
		return err
	}
	if err := c.Embedding.validate(); err != nil {
		return err
	}

	if len(c.MemoryDbs) == 0 {
		return invalid("at least one memory db is required")
	}
	for i, db := range c.MemoryDbs {
		if err := db.validate(); err != nil {
			return goerr.Wrap(err, "invalid memory db", goerr.V("position", i))
		}
	}

	if c.Search.Limit <= 0 {
		return invalid("search limit must be positive", goerr.V("limit", c.Search.Limit))
	}
	if c.Search.MinRelevance < 0 || c.Search.MinRelevance > 1 {
		return invalid("search min relevance must be within [0, 1]", goerr.V("min_relevance", c.Search.MinRelevance))
	}
	return nil
}

func (s StorageConfig) validate() error {
	if !s.InMemory && s.Path == "" {
		return invalid("storage path is required unless in_memory is set")
	}
	switch s.Content {
	case ContentBadger:
	case ContentGCS:
		if s.Bucket == "" {
			return invalid("gcs content storage requires a bucket")
		}
	default:
		return invalid("unknown content storage", goerr.V("content", s.Content))
	}
	return nil
}

func (q QueueConfig) validate() error {
	switch q.Type {
	case QueueMemory:
	case QueueSQLite:
		if q.Path == "" {
			return invalid("sqlite queue requires a path")
		}
	default:
		return invalid("unknown queue type", goerr.V("type", q.Type))
	}
	if q.Lease <= 0 {
		return invalid("queue lease must be positive", goerr.V("lease", q.Lease))
	}
	if q.PollInterval <= 0 {
		return invalid("queue poll interval must be positive", goerr.V("poll_interval", q.PollInterval))
	}
	return nil
}

func (o OrchestrationConfig) validate() error {
	if o.Workers <= 0 {
		return invalid("workers must be positive", goerr.V("workers", o.Workers))
	}
	if o.MaxAttempts <= 0 {
		return invalid("max attempts must be positive", goerr.V("max_attempts", o.MaxAttempts))
	}
	if o.BaseDelay <= 0 {
		return invalid("base delay must be positive", goerr.V("base_delay", o.BaseDelay))
	}
	if o.MaxDelay < o.BaseDelay {
		return invalid("max delay must not be less than base delay",
			goerr.V("base_delay", o.BaseDelay), goerr.V("max_delay", o.MaxDelay))
	}
	return nil
}

func (i IngestionConfig) validate() error {
	if i.DefaultIndex == "" {
		return invalid("default index is required")
	}
	if len(i.DefaultSteps) == 0 {
		return invalid("at least one default step is required")
	}
	for n, step := range i.DefaultSteps {
		if step == "" {
			return invalid("step name must not be empty", goerr.V("position", n))
		}
	}
	if i.SaveConcurrency <= 0 {
		return invalid("save concurrency must be positive", goerr.V("save_concurrency", i.SaveConcurrency))
	}
	if i.ChunkSize <= 0 {
		return invalid("chunk size must be positive", goerr.V("chunk_size", i.ChunkSize))
	}
	if i.ChunkOverlap < 0 || i.ChunkOverlap >= i.ChunkSize {
		return invalid("chunk overlap must be within [0, chunk size)",
			goerr.V("chunk_size", i.ChunkSize), goerr.V("chunk_overlap", i.ChunkOverlap))
	}
	return nil
}

func (e EmbeddingConfig) validate() error {
	switch e.Provider {
	case ProviderMock:
	case ProviderOpenAI:
		if e.Host == "" {
			return invalid("embedding host is required")
		}
		if e.Model == "" {
			return invalid("embedding model is required")
		}
	default:
		return invalid("unknown embedding provider", goerr.V("provider", e.Provider))
	}
	if e.RequestsPerSecond < 0 {
		return invalid("requests per second must not be negative", goerr.V("requests_per_second", e.RequestsPerSecond))
	}
	return nil
}

func (m MemoryDbConfig) validate() error {
	switch m.Type {
	case MemoryDbBadger:
	case MemoryDbPostgres:
		if m.DSN == "" {
			return invalid("postgres memory db requires a dsn")
		}
	case MemoryDbQdrant:
		if m.Endpoint == "" {
			return invalid("qdrant memory db requires an endpoint")
		}
	default:
		return invalid("unknown memory db type", goerr.V("type", m.Type))
	}
	return nil
}

// HasStep reports whether the default step list includes step.
func (i IngestionConfig) HasStep(step string) bool {
	return slices.Contains(i.DefaultSteps, step)
}
