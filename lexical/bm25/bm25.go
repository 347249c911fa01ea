package bm25

import (
	"maps"
	"math"
	"sync"

	"github.com/hupe1980/tiersearch/lexical"
	"github.com/hupe1980/tiersearch/model"
	"github.com/hupe1980/tiersearch/query"
)

const (
	k1 = 1.2
	b  = 0.75
)

// IDF returns the inverse document frequency of a term found in df of n documents.
func IDF(n, df int) float64 {
	// IDF = log(1 + (N - n + 0.5) / (n + 0.5))
	N := float64(n)
	d := float64(df)
	return math.Log(1 + (N-d+0.5)/(d+0.5))
}

// Score returns the BM25 contribution of one term occurrence count.
func Score(idf float64, tf, docLen int, avgDL float64) float32 {
	if avgDL <= 0 {
		avgDL = 1
	}
	f := float64(tf)
	num := f * (k1 + 1)
	denom := f + k1*(1-b+b*(float64(docLen)/avgDL))
	return float32(idf * (num / denom))
}

// MemoryIndex is a simple in-memory BM25 index.
type MemoryIndex struct {
	mu          sync.RWMutex
	inverted    map[string]map[model.DocKey]int
	docTerms    map[model.DocKey][]string
	docLengths  map[model.DocKey]int
	totalLength int64
}

// New creates a new MemoryIndex.
func New() *MemoryIndex {
	return &MemoryIndex{
		inverted:   make(map[string]map[model.DocKey]int),
		docTerms:   make(map[model.DocKey][]string),
		docLengths: make(map[model.DocKey]int),
	}
}

// Ensure MemoryIndex implements lexical.Index
var _ lexical.Index = (*MemoryIndex)(nil)

// Add implements lexical.Index.
func (idx *MemoryIndex) Add(key model.DocKey, tokens []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.docLengths[key]; ok {
		idx.deleteLocked(key)
	}

	tf := make(map[string]int)
	for _, t := range tokens {
		tf[t]++
	}

	terms := make([]string, 0, len(tf))
	for t, count := range tf {
		postings, ok := idx.inverted[t]
		if !ok {
			postings = make(map[model.DocKey]int)
			idx.inverted[t] = postings
		}
		postings[key] = count
		terms = append(terms, t)
	}

	idx.docTerms[key] = terms
	idx.docLengths[key] = len(tokens)
	idx.totalLength += int64(len(tokens))
}

// Clone returns an independent copy of the index.
func (idx *MemoryIndex) Clone() *MemoryIndex {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := &MemoryIndex{
		inverted:    make(map[string]map[model.DocKey]int, len(idx.inverted)),
		docTerms:    maps.Clone(idx.docTerms),
		docLengths:  maps.Clone(idx.docLengths),
		totalLength: idx.totalLength,
	}
	for t, postings := range idx.inverted {
		out.inverted[t] = maps.Clone(postings)
	}
	return out
}

// Delete implements lexical.Index.
func (idx *MemoryIndex) Delete(key model.DocKey) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.deleteLocked(key)
}

func (idx *MemoryIndex) deleteLocked(key model.DocKey) {
	length, ok := idx.docLengths[key]
	if !ok {
		return
	}
	for _, t := range idx.docTerms[key] {
		postings := idx.inverted[t]
		delete(postings, key)
		if len(postings) == 0 {
			delete(idx.inverted, t)
		}
	}
	delete(idx.docTerms, key)
	delete(idx.docLengths, key)
	idx.totalLength -= int64(length)
}

// Search implements lexical.Index.
func (idx *MemoryIndex) Search(token string, mod query.Modifier) map[model.DocKey]float32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	scores := make(map[model.DocKey]float32)
	n := len(idx.docLengths)
	if n == 0 {
		return scores
	}
	avgDL := float64(idx.totalLength) / float64(n)

	score := func(postings map[model.DocKey]int) {
		idf := IDF(n, len(postings))
		for key, tf := range postings {
			s := Score(idf, tf, idx.docLengths[key], avgDL)
			if s > scores[key] {
				scores[key] = s
			}
		}
	}

	if mod.Kind == query.ModTerm || mod.Kind == query.ModPhrase {
		if postings, ok := idx.inverted[token]; ok {
			score(postings)
		}
		return scores
	}
	for term, postings := range idx.inverted {
		if lexical.MatchToken(term, token, mod) {
			score(postings)
		}
	}
	return scores
}

// Len implements lexical.Index.
func (idx *MemoryIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docLengths)
}
