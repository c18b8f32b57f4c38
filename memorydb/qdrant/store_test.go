package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/docmem/core"
	"github.com/poiesic/docmem/memorydb"
)

// fakeQdrant implements the subset of the REST API used by Store.
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string]map[uint64]json.RawMessage
	creates     int
	requests    []string
}

func newFakeQdrant(t *testing.T) (*fakeQdrant, *httptest.Server) {
	f := &fakeQdrant{collections: map[string]map[uint64]json.RawMessage{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeQdrant) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/collections/"), "/")
	name := parts[0]
	points, exists := f.collections[name]

	notFound := func() {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":{"error":"Not found: Collection doesn't exist!"}}`))
	}
	ok := func(result any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "result": result})
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		if !exists {
			notFound()
			return
		}
		ok(map[string]any{})
	case len(parts) == 1 && r.Method == http.MethodPut:
		f.creates++
		f.collections[name] = map[uint64]json.RawMessage{}
		ok(true)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if !exists {
			notFound()
			return
		}
		delete(f.collections, name)
		ok(true)
	case !exists:
		notFound()
	case len(parts) == 2 && r.Method == http.MethodPut:
		var req struct {
			Points []json.RawMessage `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		for _, raw := range req.Points {
			var p struct {
				ID uint64 `json:"id"`
			}
			_ = json.Unmarshal(raw, &p)
			points[p.ID] = raw
		}
		ok(map[string]any{"status": "completed"})
	case len(parts) == 2 && r.Method == http.MethodPost:
		var req struct {
			IDs []uint64 `json:"ids"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		var out []json.RawMessage
		for _, id := range req.IDs {
			if raw, found := points[id]; found {
				out = append(out, raw)
			}
		}
		ok(out)
	case len(parts) == 3 && parts[2] == "delete":
		var req struct {
			Points []uint64 `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		for _, id := range req.Points {
			delete(points, id)
		}
		ok(map[string]any{"status": "completed"})
	case len(parts) == 3 && parts[2] == "search":
		var out []map[string]any
		for _, raw := range points {
			var p map[string]any
			_ = json.Unmarshal(raw, &p)
			p["score"] = 0.9
			out = append(out, p)
		}
		ok(out)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func TestStore_Lifecycle(t *testing.T) {
	fake, srv := newFakeQdrant(t)
	s := NewStore(srv.URL, WithAPIKey("secret"))
	ctx := context.Background()

	r := core.NewMemoryRecord(core.RecordID("doc1", "p1"))
	r.Vector = []float32{1, 0}
	r.Tags.Add(core.ReservedDocumentIdTag, "doc1")
	r.Payload[core.ReservedPayloadTextField] = "hello"

	err := s.Upsert(ctx, "default", r)
	assert.ErrorIs(t, err, memorydb.ErrIndexNotFound)

	require.NoError(t, s.CreateIndex(ctx, "default", 2))
	require.NoError(t, s.CreateIndex(ctx, "default", 2))
	assert.Equal(t, 1, fake.creates)

	require.NoError(t, s.Upsert(ctx, "default", r))

	got, err := s.Get(ctx, "default", r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, []float32{1, 0}, got.Vector)
	assert.Equal(t, "hello", got.Payload[core.ReservedPayloadTextField])
	assert.Equal(t, []string{"doc1"}, got.Tags[core.ReservedDocumentIdTag])

	matches, err := s.GetSimilar(ctx, "default", []float32{1, 0}, 5, 0.5, core.TagCollection{"user": {"a"}})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 0.9, matches[0].Relevance, 1e-6)

	require.NoError(t, s.Delete(ctx, "default", r.ID))
	_, err = s.Get(ctx, "default", r.ID)
	assert.ErrorIs(t, err, memorydb.ErrRecordNotFound)

	require.NoError(t, s.DeleteIndex(ctx, "default"))
	require.NoError(t, s.DeleteIndex(ctx, "default"))
	require.NoError(t, s.Delete(ctx, "default", r.ID))
}

func TestStore_RecordWithoutVector(t *testing.T) {
	_, srv := newFakeQdrant(t)
	s := NewStore(srv.URL)
	ctx := context.Background()

	require.NoError(t, s.CreateIndex(ctx, "default", 0))
	r := core.NewMemoryRecord("d=doc//p=1")
	require.NoError(t, s.Upsert(ctx, "default", r))

	got, err := s.Get(ctx, "default", r.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Vector)
}

func TestPointID(t *testing.T) {
	assert.Equal(t, PointID("d=a//p=b"), PointID("d=a//p=b"))
	assert.NotEqual(t, PointID("d=a//p=b"), PointID("d=a//p=c"))
}

func TestCollectionName(t *testing.T) {
	s := NewStore("")
	assert.Equal(t, "docmem-my-index", s.CollectionName("My Index"))
}
