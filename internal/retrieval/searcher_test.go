package retrieval

import (
	"context"
	"path/filepath"
	"testing"
)

// fakeEmbedder maps known texts to fixed unit vectors.
type fakeEmbedder struct {
	vectors map[string][]float32
	calls   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f.vectors[t]
		if !ok {
			v = []float32{0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}

func testSearcher(t *testing.T) (*Searcher, *fakeEmbedder) {
	t.Helper()

	store, err := NewLocalStore(filepath.Join(t.TempDir(), "index.json"))
	if err != nil {
		t.Fatalf("local store: %v", err)
	}

	emb := &fakeEmbedder{vectors: map[string][]float32{
		"the lighthouse stood empty":  {1, 0, 0},
		"mira charted the coast":      {0, 1, 0},
		"storm clouds over saltmarsh": {0, 0, 1},
		"lighthouse":                  {1, 0, 0},
	}}

	s, err := NewSearcher(store, NewKeywordIndex(), emb)
	if err != nil {
		t.Fatalf("searcher: %v", err)
	}

	err = s.Index(context.Background(), []Document{
		{ID: "d1", Content: "the lighthouse stood empty"},
		{ID: "d2", Content: "mira charted the coast"},
		{ID: "d3", Content: "storm clouds over saltmarsh"},
	})
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	return s, emb
}

func TestHybridSearchPrefersAgreement(t *testing.T) {
	s, _ := testSearcher(t)

	// "lighthouse" matches d1 by keyword and by vector, so fusion must rank
	// it first.
	got, err := s.Search(context.Background(), "lighthouse", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) == 0 || got[0].ID != "d1" {
		t.Errorf("expected d1 first, got %+v", got)
	}
}

func TestQueryEmbeddingIsCached(t *testing.T) {
	s, emb := testSearcher(t)
	ctx := context.Background()

	before := emb.calls
	if _, err := s.queryEmbedding(ctx, "lighthouse"); err != nil {
		t.Fatalf("embed: %v", err)
	}
	// ristretto admits asynchronously; wait for the set to land
	s.embedCache.Wait()
	if _, err := s.queryEmbedding(ctx, "lighthouse"); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if emb.calls != before+1 {
		t.Errorf("expected one embed call, got %d", emb.calls-before)
	}
}

func TestBM25RanksTermFrequency(t *testing.T) {
	k := NewKeywordIndex()
	k.Add([]Document{
		{ID: "a", Content: "storm storm storm at sea"},
		{ID: "b", Content: "a storm passed quietly"},
		{ID: "c", Content: "nothing happened today"},
	})

	got := k.Search("storm", 3)
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(got))
	}
	if got[0].Document.ID != "a" {
		t.Errorf("expected higher term frequency first, got %s", got[0].Document.ID)
	}
}

func TestFuseDeterministicOrder(t *testing.T) {
	d1 := &Document{ID: "x"}
	d2 := &Document{ID: "y"}

	// Same single-list rank for both, so scores tie and the id breaks it.
	a := fuse(2, []SearchResult{{Document: d1, Score: 1}}, []SearchResult{{Document: d2, Score: 1}})
	b := fuse(2, []SearchResult{{Document: d2, Score: 1}}, []SearchResult{{Document: d1, Score: 1}})

	if a[0].Document.ID != b[0].Document.ID {
		t.Errorf("fusion order not deterministic: %s vs %s", a[0].Document.ID, b[0].Document.ID)
	}
}

func TestLocalStorePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")

	store, err := NewLocalStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	store.Add([]Document{{ID: "d1", Content: "hello", Embedding: []float32{1, 0}}})
	if err := store.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := NewLocalStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if docs := reloaded.Documents(); len(docs) != 1 || docs[0].ID != "d1" {
		t.Errorf("index not persisted: %+v", docs)
	}
}
