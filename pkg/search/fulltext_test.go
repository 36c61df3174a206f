package search

import (
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"basic", "Rust systems programming", []string{"rust", "systems", "programming"}},
		{"punctuation", "hello, world! foo-bar", []string{"hello", "world", "foo", "bar"}},
		{"short tokens dropped", "a an of to go", []string{"an", "of", "to", "go"}},
		{"digits kept", "http2 v3 x", []string{"http2", "v3"}},
		{"unicode", "Grüße München", []string{"grüße", "münchen"}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("token %d: got %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func buildIndex() *FullTextIndex {
	idx := NewFullTextIndex()
	idx.Index(Document{ID: "d1", Text: "rust systems programming"})
	idx.Index(Document{ID: "d2", Text: "python data science"})
	idx.Index(Document{ID: "d3", Text: "rust embedded systems"})
	return idx
}

func TestBM25Ranking(t *testing.T) {
	idx := buildIndex()

	results := idx.SearchTerms([]string{"rust", "systems"}, 10)
	if len(results) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(results))
	}
	for _, r := range results {
		if r.ID == "d2" {
			t.Error("python document must not match rust query")
		}
		if r.Score <= 0 {
			t.Errorf("BM25 scores must be positive, got %f for %s", r.Score, r.ID)
		}
	}

	// A term that appears in only one document matches only that document.
	results = idx.SearchTerms([]string{"python"}, 10)
	if len(results) != 1 || results[0].ID != "d2" {
		t.Fatalf("expected only d2, got %v", results)
	}
}

func TestBM25TermFrequency(t *testing.T) {
	idx := NewFullTextIndex()
	idx.Index(Document{ID: "once", Text: "database engine storage"})
	idx.Index(Document{ID: "thrice", Text: "database database database"})

	results := idx.SearchTerms([]string{"database"}, 10)
	if len(results) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(results))
	}
	if results[0].ID != "thrice" {
		t.Errorf("higher term frequency should rank first, got %s", results[0].ID)
	}
}

func TestRemoveDocument(t *testing.T) {
	idx := buildIndex()
	idx.Remove("d1")

	if idx.Size() != 2 {
		t.Fatalf("expected 2 documents, got %d", idx.Size())
	}

	results := idx.SearchTerms([]string{"programming"}, 10)
	if len(results) != 0 {
		t.Errorf("removed document still matches: %v", results)
	}

	// Removing an unknown id is a no-op.
	idx.Remove("nope")
	if idx.Size() != 2 {
		t.Errorf("no-op remove changed size: %d", idx.Size())
	}
}

func TestReindexReplaces(t *testing.T) {
	idx := buildIndex()
	idx.Index(Document{ID: "d1", Text: "completely different topic"})

	if idx.Size() != 3 {
		t.Fatalf("reindex must not change document count, got %d", idx.Size())
	}
	if results := idx.SearchTerms([]string{"rust"}, 10); len(results) != 1 {
		t.Errorf("old terms of d1 should be gone, got %v", results)
	}
	if results := idx.SearchTerms([]string{"topic"}, 10); len(results) != 1 || results[0].ID != "d1" {
		t.Errorf("new terms of d1 should match, got %v", results)
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	idx := NewFullTextIndex()
	if results := idx.Search("anything", 5); results != nil {
		t.Errorf("empty index should return nil, got %v", results)
	}
}

func TestSearchDeterministicTies(t *testing.T) {
	idx := NewFullTextIndex()
	idx.Index(Document{ID: "bb", Text: "shared term"})
	idx.Index(Document{ID: "aa", Text: "shared term"})

	// Identical documents score identically; ties order by id.
	results := idx.SearchTerms([]string{"shared"}, 10)
	if len(results) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(results))
	}
	if results[0].ID != "aa" || results[1].ID != "bb" {
		t.Errorf("ties must order by ascending id, got %s then %s", results[0].ID, results[1].ID)
	}
}
