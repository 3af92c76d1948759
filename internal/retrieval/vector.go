// Package retrieval is the hybrid search index over prose snippets: a local
// vector store and a BM25 keyword index, merged with reciprocal rank fusion.
package retrieval

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Document is a chunk of prose in the index.
type Document struct {
	ID        string                 `json:"id"`
	Source    string                 `json:"source"` // note path, chapter, etc.
	Content   string                 `json:"content"`
	Embedding []float32              `json:"embedding"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SearchResult is a single ranked match.
type SearchResult struct {
	Document *Document
	Score    float64
}

// VectorStore is the semantic-search half of the index.
type VectorStore interface {
	Add(docs []Document) error
	Search(queryEmbedding []float32, limit int) ([]SearchResult, error)
	Clear() error
	Save() error
	Load() error
}

// LocalStore implements VectorStore with an in-memory slice and JSON
// persistence. Fine for a local writing tool up to ~10k chunks; a proper
// vector DB only makes sense beyond that.
type LocalStore struct {
	mu   sync.RWMutex
	path string
	docs []Document
}

func NewLocalStore(path string) (*LocalStore, error) {
	s := &LocalStore{
		path: path,
		docs: make([]Document, 0),
	}
	// Pick up an existing index if there is one
	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *LocalStore) Add(docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, docs...)
	return nil
}

func (s *LocalStore) Search(query []float32, limit int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.docs) == 0 {
		return nil, nil
	}

	results := make([]SearchResult, 0, len(s.docs))
	for i := range s.docs {
		score := cosineSimilarity(query, s.docs[i].Embedding)
		results = append(results, SearchResult{
			Document: &s.docs[i],
			Score:    score,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

func (s *LocalStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make([]Document, 0)
	return nil
}

func (s *LocalStore) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	data, err := json.Marshal(s.docs)
	if err != nil {
		return err
	}

	return os.WriteFile(s.path, data, 0644)
}

func (s *LocalStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &s.docs)
}

// Documents returns a snapshot of the indexed documents.
func (s *LocalStore) Documents() []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Document, len(s.docs))
	copy(out, s.docs)
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i] * b[i])
		normA += float64(a[i] * a[i])
		normB += float64(b[i] * b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
