package memory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/perchlabs/agentd/pkg/models"
)

// fakeEmbedder maps texts to deterministic 3-dimensional vectors so tests
// can control similarity ordering without a network.
type fakeEmbedder struct {
	vectors map[string][]float32
	fail    bool
	calls   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("embedder down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
			continue
		}
		// Default vector keyed off the first byte keeps unknown texts
		// distinct from each other.
		b := float32(1)
		if len(t) > 0 {
			b = float32(t[0])
		}
		out[i] = []float32{b, 1, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) Name() string      { return "fake" }
func (f *fakeEmbedder) Dimension() int    { return 3 }
func (f *fakeEmbedder) MaxBatchSize() int { return 16 }

func newTestStore(t *testing.T, emb *fakeEmbedder) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "memory.db"), emb)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSearchOrdersByDistance(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"cats are great":      {1, 0, 0},
		"dogs are loyal":      {0.9, 0.1, 0},
		"tax filing deadline": {0, 0, 1},
		"tell me about cats":  {1, 0, 0},
	}}
	store := newTestStore(t, emb)
	ctx := context.Background()

	for _, content := range []string{"cats are great", "dogs are loyal", "tax filing deadline"} {
		if _, err := store.StoreChunk(ctx, &models.MemoryChunk{Content: content, Type: models.ChunkTypeNote}); err != nil {
			t.Fatalf("StoreChunk(%q): %v", content, err)
		}
	}

	results, err := store.Search(ctx, "tell me about cats", 2, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Chunk.Content != "cats are great" {
		t.Errorf("top result = %q, want the cat chunk", results[0].Chunk.Content)
	}
	if results[0].Distance > results[1].Distance {
		t.Errorf("results not in ascending distance order: %f > %f", results[0].Distance, results[1].Distance)
	}
	if results[0].Distance > 0.001 {
		t.Errorf("identical vectors should have near-zero distance, got %f", results[0].Distance)
	}
}

func TestSearchSourcePrefixFilter(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{}}
	store := newTestStore(t, emb)
	ctx := context.Background()

	chunks := []*models.MemoryChunk{
		{Content: "alpha", Source: "docs/guide.md", Type: models.ChunkTypeKnowledge},
		{Content: "bravo", Source: "docs/faq.md", Type: models.ChunkTypeKnowledge},
		{Content: "charlie", Source: "mail/inbox", Type: models.ChunkTypeKnowledge},
	}
	if _, err := store.StoreChunks(ctx, chunks); err != nil {
		t.Fatalf("StoreChunks: %v", err)
	}

	results, err := store.Search(ctx, "anything", 10, &SearchOptions{SourcePrefix: "docs/"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results with docs/ prefix, want 2", len(results))
	}
	for _, r := range results {
		if !strings.HasPrefix(r.Chunk.Source, "docs/") {
			t.Errorf("result source %q escaped the prefix filter", r.Chunk.Source)
		}
	}
}

func TestStoreChunkEmbedFailureStoresNothing(t *testing.T) {
	emb := &fakeEmbedder{fail: true}
	store := newTestStore(t, emb)
	ctx := context.Background()

	if _, err := store.StoreChunk(ctx, &models.MemoryChunk{Content: "doomed"}); err == nil {
		t.Fatal("expected error from failing embedder")
	}
	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("store has %d chunks after failed embed, want 0", n)
	}
}

func TestStoreChunksSingleBatchCall(t *testing.T) {
	emb := &fakeEmbedder{}
	store := newTestStore(t, emb)
	ctx := context.Background()

	chunks := []*models.MemoryChunk{
		{Content: "one"}, {Content: "two"}, {Content: "three"},
	}
	ids, err := store.StoreChunks(ctx, chunks)
	if err != nil {
		t.Fatalf("StoreChunks: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("got %d ids, want 3", len(ids))
	}
	if emb.calls != 1 {
		t.Errorf("embedder called %d times, want 1 batched call", emb.calls)
	}
}

func TestDeleteSource(t *testing.T) {
	emb := &fakeEmbedder{}
	store := newTestStore(t, emb)
	ctx := context.Background()

	chunks := []*models.MemoryChunk{
		{Content: "a", Source: "web/example.com/page1"},
		{Content: "b", Source: "web/example.com/page2"},
		{Content: "c", Source: "web/other.com/page"},
	}
	if _, err := store.StoreChunks(ctx, chunks); err != nil {
		t.Fatalf("StoreChunks: %v", err)
	}

	n, err := store.DeleteSource(ctx, "web/example.com/")
	if err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d chunks, want 2", n)
	}
	remaining, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if remaining != 1 {
		t.Errorf("%d chunks remain, want 1", remaining)
	}
}

func TestDeleteChunkIdempotent(t *testing.T) {
	emb := &fakeEmbedder{}
	store := newTestStore(t, emb)
	ctx := context.Background()

	id, err := store.StoreChunk(ctx, &models.MemoryChunk{Content: "temp"})
	if err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}
	if err := store.DeleteChunk(ctx, id); err != nil {
		t.Fatalf("DeleteChunk: %v", err)
	}
	if err := store.DeleteChunk(ctx, id); err != nil {
		t.Errorf("second DeleteChunk errored: %v", err)
	}
	if err := store.DeleteChunk(ctx, 99999); err != nil {
		t.Errorf("DeleteChunk of absent id errored: %v", err)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"length mismatch", []float32{1}, []float32{1, 2}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if diff := got - tt.want; diff > 0.0001 || diff < -0.0001 {
				t.Errorf("cosineSimilarity = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	in := []float32{0.5, -1.25, 3.75, 0}
	out := decodeEmbedding(encodeEmbedding(in))
	if len(out) != len(in) {
		t.Fatalf("decoded %d floats, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("index %d: got %f, want %f", i, out[i], in[i])
		}
	}
	if decodeEmbedding(nil) != nil {
		t.Error("decodeEmbedding(nil) should be nil")
	}
	if decodeEmbedding([]byte{1, 2, 3}) != nil {
		t.Error("decodeEmbedding of odd-length data should be nil")
	}
}
