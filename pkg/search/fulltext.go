// Package search provides the sparse lexical side of retrieval: a
// BM25-scored inverted index, rank fusion for hybrid queries, and a
// result cache.
package search

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// BM25 parameters. k1 controls term-frequency saturation, b controls
// document-length normalization.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// minTokenLength filters out one-rune tokens.
const minTokenLength = 2

// Document is a searchable document: an identifier and its text.
type Document struct {
	ID   string
	Text string
}

// FullTextIndex implements BM25-scored full-text search over an
// inverted index of tokenized document text.
type FullTextIndex struct {
	mu sync.RWMutex

	// invertedIndex maps term -> {docID -> term frequency}.
	invertedIndex map[string]map[string]int
	docTokens     map[string][]string // retained so removal reverses indexing
	docLengths    map[string]int
	totalLength   int
	docCount      int
}

// FullTextResult is a search hit with its BM25 score.
type FullTextResult struct {
	ID    string
	Score float64
}

// NewFullTextIndex creates an empty index.
func NewFullTextIndex() *FullTextIndex {
	return &FullTextIndex{
		invertedIndex: make(map[string]map[string]int),
		docTokens:     make(map[string][]string),
		docLengths:    make(map[string]int),
	}
}

// Tokenize splits text on non-letter, non-digit runes, case-folds, and
// drops tokens shorter than two runes. Splitting is Unicode-aware, so
// non-ASCII text tokenizes on the same rules as ASCII.
func Tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	filtered := make([]string, 0, len(words))
	for _, word := range words {
		if utf8.RuneCountInString(word) >= minTokenLength {
			filtered = append(filtered, word)
		}
	}

	return filtered
}

// Index adds or replaces a document.
func (idx *FullTextIndex) Index(doc Document) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.docTokens[doc.ID]; exists {
		idx.removeLocked(doc.ID)
	}

	tokens := Tokenize(doc.Text)
	idx.docTokens[doc.ID] = tokens
	idx.docLengths[doc.ID] = len(tokens)
	idx.totalLength += len(tokens)
	idx.docCount++

	termFreq := make(map[string]int)
	for _, token := range tokens {
		termFreq[token]++
	}

	for term, freq := range termFreq {
		postings := idx.invertedIndex[term]
		if postings == nil {
			postings = make(map[string]int)
			idx.invertedIndex[term] = postings
		}
		postings[doc.ID] = freq
	}
}

// Remove deletes a document. Removing an unknown id is a no-op.
func (idx *FullTextIndex) Remove(docID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.docTokens[docID]; exists {
		idx.removeLocked(docID)
	}
}

func (idx *FullTextIndex) removeLocked(docID string) {
	tokens := idx.docTokens[docID]
	seen := make(map[string]bool, len(tokens))
	for _, token := range tokens {
		if seen[token] {
			continue
		}
		seen[token] = true

		if postings, exists := idx.invertedIndex[token]; exists {
			delete(postings, docID)
			if len(postings) == 0 {
				delete(idx.invertedIndex, token)
			}
		}
	}

	idx.totalLength -= idx.docLengths[docID]
	delete(idx.docTokens, docID)
	delete(idx.docLengths, docID)
	idx.docCount--
}

// Size returns the number of indexed documents.
func (idx *FullTextIndex) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.docCount
}

// Search tokenizes the query text and ranks with SearchTerms.
func (idx *FullTextIndex) Search(query string, k int) []FullTextResult {
	return idx.SearchTerms(Tokenize(query), k)
}

// SearchTerms ranks documents by BM25 over pre-tokenized query terms.
// Results are sorted by descending score, ties by ascending id so equal
// scores rank deterministically.
func (idx *FullTextIndex) SearchTerms(terms []string, k int) []FullTextResult {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.docCount == 0 || len(terms) == 0 || k <= 0 {
		return nil
	}

	avgdl := float64(idx.totalLength) / float64(idx.docCount)
	scores := make(map[string]float64)

	for _, term := range terms {
		postings, exists := idx.invertedIndex[strings.ToLower(term)]
		if !exists {
			continue
		}

		// IDF+ keeps every term contribution positive:
		// log(1 + (N - df + 0.5) / (df + 0.5)).
		n := float64(idx.docCount)
		df := float64(len(postings))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))

		for docID, termFreq := range postings {
			tf := float64(termFreq)
			dl := float64(idx.docLengths[docID])

			numerator := tf * (bm25K1 + 1)
			denominator := tf + bm25K1*(1-bm25B+bm25B*(dl/avgdl))

			scores[docID] += idf * (numerator / denominator)
		}
	}

	results := make([]FullTextResult, 0, len(scores))
	for docID, score := range scores {
		results = append(results, FullTextResult{ID: docID, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if k < len(results) {
		results = results[:k]
	}

	return results
}
