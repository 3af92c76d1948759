package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"

	"github.com/storyloom/storyloom/internal/workflow"
)

// rrfK dampens the contribution of lower ranks in reciprocal rank fusion.
const rrfK = 60

// Embedder turns texts into vectors. The provider package satisfies this.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Searcher is the hybrid retrieval collaborator: BM25 and vector search run
// side by side and the ranked lists are merged with RRF. Implements
// workflow.Retriever.
type Searcher struct {
	vectors  VectorStore
	keywords *KeywordIndex
	embedder Embedder

	// Query embeddings are cached so revision loops re-querying the same
	// text skip the embedding round trip.
	embedCache *ristretto.Cache
}

// NewSearcher builds a searcher over the given stores.
func NewSearcher(vectors VectorStore, keywords *KeywordIndex, embedder Embedder) (*Searcher, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embed cache: %w", err)
	}

	return &Searcher{
		vectors:    vectors,
		keywords:   keywords,
		embedder:   embedder,
		embedCache: cache,
	}, nil
}

// Index embeds documents and adds them to both halves of the index.
func (s *Searcher) Index(ctx context.Context, docs []Document) error {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}

	embeddings, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}
	if len(embeddings) != len(docs) {
		return fmt.Errorf("embedder returned %d vectors for %d documents", len(embeddings), len(docs))
	}
	for i := range docs {
		docs[i].Embedding = embeddings[i]
	}

	if err := s.vectors.Add(docs); err != nil {
		return err
	}
	s.keywords.Add(docs)

	return s.vectors.Save()
}

// Search runs both rankers and fuses the results. If embedding fails the
// search degrades to keyword-only rather than failing the caller.
func (s *Searcher) Search(ctx context.Context, query string, maxResults int) ([]workflow.Snippet, error) {
	if maxResults <= 0 {
		maxResults = 5
	}

	keyword := s.keywords.Search(query, maxResults*2)

	var vector []SearchResult
	embedding, err := s.queryEmbedding(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Msg("query embedding failed, keyword-only search")
	} else {
		vector, err = s.vectors.Search(embedding, maxResults*2)
		if err != nil {
			return nil, err
		}
	}

	fused := fuse(maxResults, keyword, vector)

	snippets := make([]workflow.Snippet, len(fused))
	for i, r := range fused {
		snippets[i] = workflow.Snippet{ID: r.Document.ID, Content: r.Document.Content, Score: r.Score}
	}
	return snippets, nil
}

func (s *Searcher) queryEmbedding(ctx context.Context, query string) ([]float32, error) {
	if cached, ok := s.embedCache.Get(query); ok {
		return cached.([]float32), nil
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vecs))
	}

	s.embedCache.Set(query, vecs[0], 1)
	return vecs[0], nil
}

// fuse merges ranked lists by reciprocal rank fusion: each document scores
// the sum of 1/(rrfK + rank) over the lists it appears in.
func fuse(limit int, lists ...[]SearchResult) []SearchResult {
	scores := make(map[string]float64)
	byID := make(map[string]*Document)

	for _, list := range lists {
		for rank, r := range list {
			scores[r.Document.ID] += 1.0 / float64(rrfK+rank+1)
			byID[r.Document.ID] = r.Document
		}
	}

	fused := make([]SearchResult, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, SearchResult{Document: byID[id], Score: score})
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].Document.ID < fused[j].Document.ID
	})

	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused
}
