package retrieval

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// BM25 parameters. Standard values; not worth configuring per corpus.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// KeywordIndex ranks documents by BM25 over tokenized content.
type KeywordIndex struct {
	mu        sync.RWMutex
	docs      []Document
	termFreqs []map[string]int // per-doc term counts, parallel to docs
	docLens   []int
	docFreq   map[string]int // term → number of docs containing it
	totalLen  int
}

func NewKeywordIndex() *KeywordIndex {
	return &KeywordIndex{docFreq: make(map[string]int)}
}

func (k *KeywordIndex) Add(docs []Document) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, d := range docs {
		terms := tokenize(d.Content)
		freq := make(map[string]int, len(terms))
		for _, t := range terms {
			freq[t]++
		}
		for t := range freq {
			k.docFreq[t]++
		}
		k.docs = append(k.docs, d)
		k.termFreqs = append(k.termFreqs, freq)
		k.docLens = append(k.docLens, len(terms))
		k.totalLen += len(terms)
	}
}

func (k *KeywordIndex) Clear() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.docs = nil
	k.termFreqs = nil
	k.docLens = nil
	k.docFreq = make(map[string]int)
	k.totalLen = 0
}

// Search returns the top matches for query by BM25 score. Documents scoring
// zero are not returned.
func (k *KeywordIndex) Search(query string, limit int) []SearchResult {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if len(k.docs) == 0 {
		return nil
	}

	avgLen := float64(k.totalLen) / float64(len(k.docs))
	terms := tokenize(query)

	var results []SearchResult
	for i := range k.docs {
		score := 0.0
		for _, t := range terms {
			tf := float64(k.termFreqs[i][t])
			if tf == 0 {
				continue
			}
			df := float64(k.docFreq[t])
			idf := math.Log(1 + (float64(len(k.docs))-df+0.5)/(df+0.5))
			norm := 1 - bm25B + bm25B*float64(k.docLens[i])/avgLen
			score += idf * tf * (bm25K1 + 1) / (tf + bm25K1*norm)
		}
		if score > 0 {
			results = append(results, SearchResult{Document: &k.docs[i], Score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
