package search

import (
	"math"
	"testing"
)

func TestFuseRRFIdenticalOrderings(t *testing.T) {
	// When both lists agree, the fused ordering equals both.
	dense := []Ranked{{"a", 0.9}, {"b", 0.8}, {"c", 0.7}}
	sparse := []Ranked{{"a", 12.0}, {"b", 8.0}, {"c", 3.0}}

	fused := FuseRRF(dense, sparse, 0.5, 3)
	want := []string{"a", "b", "c"}
	for i, f := range fused {
		if f.ID != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, f.ID, want[i])
		}
	}
}

func TestFuseRRFScores(t *testing.T) {
	dense := []Ranked{{"a", 0.9}, {"b", 0.8}}
	sparse := []Ranked{{"b", 5.0}, {"a", 4.0}}

	fused := FuseRRF(dense, sparse, 0.5, 10)

	byID := make(map[string]Fused)
	for _, f := range fused {
		byID[f.ID] = f
	}

	// a: dense rank 1, sparse rank 2 -> 0.5/61 + 0.5/62
	wantA := 0.5/61.0 + 0.5/62.0
	if math.Abs(byID["a"].Score-wantA) > 1e-12 {
		t.Errorf("a: got %.12f, want %.12f", byID["a"].Score, wantA)
	}

	// b: dense rank 2, sparse rank 1 -> same sum; a and b tie.
	wantB := 0.5/62.0 + 0.5/61.0
	if math.Abs(byID["b"].Score-wantB) > 1e-12 {
		t.Errorf("b: got %.12f, want %.12f", byID["b"].Score, wantB)
	}
}

func TestFuseRRFAbsenceContributesZero(t *testing.T) {
	dense := []Ranked{{"a", 0.9}}
	sparse := []Ranked{{"b", 5.0}}

	fused := FuseRRF(dense, sparse, 0.5, 10)
	if len(fused) != 2 {
		t.Fatalf("expected union of both lists, got %d", len(fused))
	}

	for _, f := range fused {
		want := 0.5 / 61.0
		if math.Abs(f.Score-want) > 1e-12 {
			t.Errorf("%s: got %.12f, want %.12f", f.ID, f.Score, want)
		}
	}
}

func TestFuseRRFTieBreaksByDenseScoreThenID(t *testing.T) {
	// Equal RRF sums: both docs are rank 1 in one list and rank 2 in
	// the other. The higher dense score wins.
	dense := []Ranked{{"x", 0.9}, {"y", 0.8}}
	sparse := []Ranked{{"y", 7.0}, {"x", 6.0}}

	fused := FuseRRF(dense, sparse, 0.5, 2)
	if fused[0].ID != "x" {
		t.Errorf("tie must break toward the higher dense score, got %s first", fused[0].ID)
	}

	// Same RRF, same dense score: the lexicographically smaller id wins.
	dense = []Ranked{{"zz", 0.5}, {"aa", 0.5}}
	sparse = []Ranked{{"aa", 3.0}, {"zz", 3.0}}

	fused = FuseRRF(dense, sparse, 0.5, 2)
	if fused[0].ID != "aa" {
		t.Errorf("final tie must break toward the smaller id, got %s first", fused[0].ID)
	}
}

func TestFuseRRFAlphaWeights(t *testing.T) {
	dense := []Ranked{{"d", 0.9}}
	sparse := []Ranked{{"s", 5.0}}

	// alpha = 1: only the dense list contributes.
	fused := FuseRRF(dense, sparse, 1.0, 2)
	if fused[0].ID != "d" {
		t.Errorf("alpha=1 should rank the dense hit first, got %s", fused[0].ID)
	}
	for _, f := range fused {
		if f.ID == "s" && f.Score != 0 {
			t.Errorf("alpha=1 should zero the sparse contribution, got %f", f.Score)
		}
	}

	// alpha = 0: only the sparse list contributes.
	fused = FuseRRF(dense, sparse, 0.0, 2)
	if fused[0].ID != "s" {
		t.Errorf("alpha=0 should rank the sparse hit first, got %s", fused[0].ID)
	}
}

func TestFuseRRFTruncatesToK(t *testing.T) {
	dense := []Ranked{{"a", 3}, {"b", 2}, {"c", 1}}
	fused := FuseRRF(dense, nil, 0.5, 2)
	if len(fused) != 2 {
		t.Errorf("expected k=2 results, got %d", len(fused))
	}
}

func TestFuseRRFRanksRecorded(t *testing.T) {
	dense := []Ranked{{"a", 0.9}, {"b", 0.8}}
	sparse := []Ranked{{"b", 5.0}}

	fused := FuseRRF(dense, sparse, 0.5, 10)
	for _, f := range fused {
		switch f.ID {
		case "a":
			if f.DenseRank != 1 || f.SparseRank != 0 {
				t.Errorf("a: ranks %d/%d", f.DenseRank, f.SparseRank)
			}
		case "b":
			if f.DenseRank != 2 || f.SparseRank != 1 {
				t.Errorf("b: ranks %d/%d", f.DenseRank, f.SparseRank)
			}
			if f.SparseScore != 5.0 {
				t.Errorf("b: sparse score %f", f.SparseScore)
			}
		}
	}
}
