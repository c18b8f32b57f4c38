package handlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/poiesic/docmem/ai"
	"github.com/poiesic/docmem/core"
	"github.com/poiesic/docmem/memorydb"
	"github.com/poiesic/docmem/storage"
)

type fakeOrchestrator struct {
	mu         sync.Mutex
	files      map[string][]byte
	dbs        []memorydb.MemoryDb
	embedders  []ai.Embedder
	embeddings bool
	now        time.Time
}

func newFakeOrchestrator(embeddings bool, dbs ...memorydb.MemoryDb) *fakeOrchestrator {
	return &fakeOrchestrator{
		files:      make(map[string][]byte),
		dbs:        dbs,
		embeddings: embeddings,
		now:        time.Date(2024, 1, 2, 3, 4, 5, 600, time.UTC),
	}
}

func fileKey(p *core.DataPipeline, name string) string {
	return p.ContainerID + "/" + name
}

func (o *fakeOrchestrator) ReadFile(ctx context.Context, p *core.DataPipeline, name string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.files[fileKey(p, name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, name)
	}
	return data, nil
}

func (o *fakeOrchestrator) ReadTextFile(ctx context.Context, p *core.DataPipeline, name string) (string, error) {
	data, err := o.ReadFile(ctx, p, name)
	return string(data), err
}

func (o *fakeOrchestrator) WriteFile(ctx context.Context, p *core.DataPipeline, name string, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[fileKey(p, name)] = data
	return nil
}

func (o *fakeOrchestrator) MemoryDbs() []memorydb.MemoryDb { return o.dbs }
func (o *fakeOrchestrator) Embedders() []ai.Embedder { return o.embedders }
func (o *fakeOrchestrator) EmbeddingGenerationEnabled() bool { return o.embeddings }
func (o *fakeOrchestrator) Now() time.Time { return o.now }

// fakeMemoryDb records every call. notFoundUpserts makes that many upserts
// fail with ErrIndexNotFound regardless of the index state.
type fakeMemoryDb struct {
	mu              sync.Mutex
	indexes         map[string]int
	records         map[string]map[string]*core.MemoryRecord
	creates         int
	upserts         int
	deletes         []string
	notFoundUpserts int
}

func newFakeMemoryDb() *fakeMemoryDb {
	return &fakeMemoryDb{
		indexes: make(map[string]int),
		records: make(map[string]map[string]*core.MemoryRecord),
	}
}

func (m *fakeMemoryDb) CreateIndex(ctx context.Context, index string, vectorSize int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	m.indexes[index] = vectorSize
	if m.records[index] == nil {
		m.records[index] = make(map[string]*core.MemoryRecord)
	}
	return nil
}

func (m *fakeMemoryDb) DeleteIndex(ctx context.Context, index string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.indexes, index)
	delete(m.records, index)
	return nil
}

func (m *fakeMemoryDb) Upsert(ctx context.Context, index string, record *core.MemoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.notFoundUpserts > 0 {
		m.notFoundUpserts--
		return fmt.Errorf("%w: %s", memorydb.ErrIndexNotFound, index)
	}
	if _, ok := m.indexes[index]; !ok {
		return fmt.Errorf("%w: %s", memorydb.ErrIndexNotFound, index)
	}
	m.records[index][record.ID] = record
	return nil
}

func (m *fakeMemoryDb) Delete(ctx context.Context, index string, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, id)
	delete(m.records[index], id)
	return nil
}

func (m *fakeMemoryDb) Get(ctx context.Context, index string, id string) (*core.MemoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[index][id]
	if !ok {
		return nil, memorydb.ErrRecordNotFound
	}
	return r, nil
}

func (m *fakeMemoryDb) GetSimilar(ctx context.Context, index string, vector []float32, limit int, minRelevance float32, filter core.TagCollection) ([]*memorydb.Match, error) {
	return nil, nil
}

func (m *fakeMemoryDb) Close() error { return nil }

// seed stores a record directly, bypassing call counters.
func (m *fakeMemoryDb) seed(index, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[index] == nil {
		m.records[index] = make(map[string]*core.MemoryRecord)
	}
	m.indexes[index] = 0
	m.records[index][id] = core.NewMemoryRecord(id)
}

func (m *fakeMemoryDb) ids(index string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id := range m.records[index] {
		out = append(out, id)
	}
	return out
}

func (m *fakeMemoryDb) counts() (creates, upserts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates, m.upserts
}
