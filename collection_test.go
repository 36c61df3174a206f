package quiver

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quiverdb/quiver/pkg/observability"
)

func testDeps() collectionDeps {
	return collectionDeps{
		logger:        observability.Nop(),
		metrics:       observability.NewMetrics(prometheus.NewRegistry()),
		queryCacheCap: 128,
		queryCacheTTL: time.Minute,
		tableCacheCap: 16,
	}
}

func testCollection(t *testing.T, cfg CollectionConfig) *Collection {
	t.Helper()
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}
	c, err := newCollection("test", cfg, testDeps())
	if err != nil {
		t.Fatalf("newCollection failed: %v", err)
	}
	return c
}

func basicConfig(dim int) CollectionConfig {
	cfg := DefaultCollectionConfig(dim)
	cfg.HNSW.Seed = 42
	return cfg
}

func randomRecords(n, dim int, seed int64) []VectorRecord {
	rng := rand.New(rand.NewSource(seed))
	out := make([]VectorRecord, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = rng.Float32()*2 - 1
		}
		out[i] = VectorRecord{ID: string(rune('a'+i%26)) + string(rune('0'+i/26%10)) + string(rune('0'+i/260)), Vector: v}
	}
	return out
}

// Scenario: three vectors under cosine, query near the first axis.
func TestBasicLifecycle(t *testing.T) {
	cfg := basicConfig(3)
	cfg.HNSW.EfConstruction = 100
	cfg.HNSW.EfSearch = 32
	c := testCollection(t, cfg)
	ctx := context.Background()

	err := c.Insert(ctx,
		VectorRecord{ID: "a", Vector: []float32{1, 0, 0}},
		VectorRecord{ID: "b", Vector: []float32{0, 1, 0}},
		VectorRecord{ID: "c", Vector: []float32{1, 1, 0}},
	)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	resp, err := c.Search(ctx, []float32{1, 0.1, 0}, 2)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	if resp.Results[0].ID != "a" || resp.Results[1].ID != "c" {
		t.Fatalf("expected [a c], got [%s %s]", resp.Results[0].ID, resp.Results[1].ID)
	}
	if resp.Results[0].Score <= resp.Results[1].Score {
		t.Errorf("score(a)=%f must exceed score(c)=%f", resp.Results[0].Score, resp.Results[1].Score)
	}
}

// Scenario: delete then rebuild drops tombstones physically.
func TestDeleteAndRebuild(t *testing.T) {
	cfg := basicConfig(3)
	c := testCollection(t, cfg)
	ctx := context.Background()

	c.Insert(ctx,
		VectorRecord{ID: "a", Vector: []float32{1, 0, 0}},
		VectorRecord{ID: "b", Vector: []float32{0, 1, 0}},
		VectorRecord{ID: "c", Vector: []float32{1, 1, 0}},
	)

	if err := c.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	resp, _ := c.Search(ctx, []float32{1, 0.1, 0}, 2)
	if len(resp.Results) != 2 || resp.Results[0].ID != "c" || resp.Results[1].ID != "b" {
		ids := []string{}
		for _, r := range resp.Results {
			ids = append(ids, r.ID)
		}
		t.Fatalf("expected [c b] after deleting a, got %v", ids)
	}

	stats := c.Stats()
	if stats.Live != 2 || stats.Tombstoned != 1 {
		t.Fatalf("expected live=2 tombstoned=1, got %+v", stats)
	}
	// 1/3 tombstoned crosses the 0.20 threshold.
	if !stats.RebuildNeeded {
		t.Error("expected rebuild_needed after crossing the threshold")
	}

	if err := c.Rebuild(); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	stats = c.Stats()
	if stats.Live != 2 || stats.Tombstoned != 0 || stats.RebuildNeeded {
		t.Fatalf("expected clean stats after rebuild, got %+v", stats)
	}

	// Results survive the rebuild.
	resp, _ = c.Search(ctx, []float32{1, 0.1, 0}, 2)
	if resp.Results[0].ID != "c" {
		t.Errorf("post-rebuild search changed: %v", resp.Results)
	}
}

func TestInsertErrors(t *testing.T) {
	c := testCollection(t, basicConfig(3))
	ctx := context.Background()

	if err := c.Insert(ctx, VectorRecord{ID: "short", Vector: []float32{1, 2}}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
	if err := c.Insert(ctx, VectorRecord{ID: "nan", Vector: []float32{1, float32(nan()), 0}}); !errors.Is(err, ErrInvalidVector) {
		t.Errorf("expected ErrInvalidVector for NaN, got %v", err)
	}
	if err := c.Insert(ctx, VectorRecord{ID: "zero", Vector: []float32{0, 0, 0}}); !errors.Is(err, ErrInvalidVector) {
		t.Errorf("cosine zero vector must be rejected, got %v", err)
	}

	c.Insert(ctx, VectorRecord{ID: "dup", Vector: []float32{1, 0, 0}})
	if err := c.Insert(ctx, VectorRecord{ID: "dup", Vector: []float32{0, 1, 0}}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	// No partial state: the failing inserts left nothing behind.
	if stats := c.Stats(); stats.Live != 1 {
		t.Errorf("expected a single live vector, got %+v", stats)
	}
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func TestUpsertReplaces(t *testing.T) {
	c := testCollection(t, basicConfig(3))
	ctx := context.Background()

	c.Insert(ctx, VectorRecord{ID: "x", Vector: []float32{1, 0, 0}, Payload: map[string]interface{}{"v": 1.0}})
	if err := c.Upsert(ctx, VectorRecord{ID: "x", Vector: []float32{0, 1, 0}, Payload: map[string]interface{}{"v": 2.0}}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := c.Get("x")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Payload["v"] != 2.0 {
		t.Errorf("payload not replaced: %v", got.Payload)
	}
	if got.Vector[1] != 1 {
		t.Errorf("vector not replaced: %v", got.Vector)
	}

	stats := c.Stats()
	if stats.Live != 1 || stats.Tombstoned != 1 {
		t.Errorf("upsert should tombstone the old node: %+v", stats)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	c := testCollection(t, basicConfig(3))
	ctx := context.Background()

	c.Insert(ctx, VectorRecord{ID: "a", Vector: []float32{1, 0, 0}})
	if err := c.Delete(ctx, "ghost", "a", "ghost"); err != nil {
		t.Fatalf("Delete with unknown ids must succeed: %v", err)
	}
	if stats := c.Stats(); stats.Live != 0 {
		t.Errorf("expected 0 live, got %+v", stats)
	}
}

func TestGetNotFound(t *testing.T) {
	c := testCollection(t, basicConfig(3))
	if _, err := c.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSearchEmptyCollection(t *testing.T) {
	c := testCollection(t, basicConfig(3))
	resp, err := c.Search(context.Background(), []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("empty search must not error: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("expected no results, got %d", len(resp.Results))
	}
}

func TestSearchKExceedsLiveCount(t *testing.T) {
	c := testCollection(t, basicConfig(3))
	ctx := context.Background()
	c.Insert(ctx,
		VectorRecord{ID: "a", Vector: []float32{1, 0, 0}},
		VectorRecord{ID: "b", Vector: []float32{0, 1, 0}},
	)

	resp, _ := c.Search(ctx, []float32{1, 1, 0}, 100)
	if len(resp.Results) != 2 {
		t.Errorf("expected all live vectors without padding, got %d", len(resp.Results))
	}
}

func TestSearchDimensionMismatch(t *testing.T) {
	c := testCollection(t, basicConfig(3))
	if _, err := c.Search(context.Background(), []float32{1, 2}, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestGetThenSearchSelf(t *testing.T) {
	// A stored vector must come back as its own nearest neighbor.
	c := testCollection(t, basicConfig(8))
	ctx := context.Background()

	records := randomRecords(100, 8, 3)
	if err := c.Insert(ctx, records...); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	for _, rec := range records[:20] {
		got, err := c.Get(rec.ID)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", rec.ID, err)
		}
		resp, err := c.Search(ctx, got.Vector, 1)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(resp.Results) != 1 || resp.Results[0].ID != rec.ID {
			t.Errorf("self search for %s returned %v", rec.ID, resp.Results)
		}
	}
}

func TestDimensionOneCosine(t *testing.T) {
	c := testCollection(t, basicConfig(1))
	ctx := context.Background()

	c.Insert(ctx,
		VectorRecord{ID: "pos", Vector: []float32{5}},
		VectorRecord{ID: "neg", Vector: []float32{-3}},
	)

	// Normalization makes both vectors ±1; scores are exactly ±1.
	resp, _ := c.Search(ctx, []float32{2}, 2)
	if resp.Results[0].ID != "pos" || resp.Results[0].Score != 1 {
		t.Errorf("expected pos with score 1, got %+v", resp.Results[0])
	}
	if resp.Results[1].ID != "neg" || resp.Results[1].Score != -1 {
		t.Errorf("expected neg with score -1, got %+v", resp.Results[1])
	}
}

func TestUpdatePayload(t *testing.T) {
	cfg := basicConfig(3)
	cfg.Hybrid = true
	c := testCollection(t, cfg)
	ctx := context.Background()

	c.Insert(ctx, VectorRecord{ID: "a", Vector: []float32{1, 0, 0}, Payload: map[string]interface{}{"text": "old words"}})

	if err := c.UpdatePayload(ctx, "a", map[string]interface{}{"text": "brand new words"}); err != nil {
		t.Fatalf("UpdatePayload failed: %v", err)
	}
	got, _ := c.Get("a")
	if got.Payload["text"] != "brand new words" {
		t.Errorf("payload not updated: %v", got.Payload)
	}

	if err := c.UpdatePayload(ctx, "ghost", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// Scenario: hybrid search over three documents, sparse terms favoring
// the rust documents, dense query favoring systems programming.
func TestHybridSearchScenario(t *testing.T) {
	cfg := basicConfig(4)
	cfg.Hybrid = true
	c := testCollection(t, cfg)
	ctx := context.Background()

	c.Insert(ctx,
		VectorRecord{ID: "doc1", Vector: []float32{1, 0, 0, 0},
			Payload: map[string]interface{}{"text": "rust systems programming"}},
		VectorRecord{ID: "doc2", Vector: []float32{0, 1, 0, 0},
			Payload: map[string]interface{}{"text": "python data science"}},
		VectorRecord{ID: "doc3", Vector: []float32{0.9, 0.1, 0, 0},
			Payload: map[string]interface{}{"text": "rust embedded systems"}},
	)

	results, err := c.HybridSearch(ctx, []float32{1, 0, 0, 0}, []string{"rust", "systems"}, 2, 0.5)
	if err != nil {
		t.Fatalf("HybridSearch failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	// Both rust documents outrank the python one, and the dense-closer
	// doc1 wins the tie.
	if results[0].ID != "doc1" || results[1].ID != "doc3" {
		t.Errorf("expected [doc1 doc3], got [%s %s]", results[0].ID, results[1].ID)
	}
	for _, r := range results {
		if r.ID == "doc2" {
			t.Error("python document must not make the top 2")
		}
	}
}

func TestHybridSearchRequiresFlag(t *testing.T) {
	c := testCollection(t, basicConfig(3))
	if _, err := c.HybridSearch(context.Background(), []float32{1, 0, 0}, []string{"x"}, 1, 0.5); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestSearchText(t *testing.T) {
	c := testCollection(t, basicConfig(3))
	ctx := context.Background()

	c.Insert(ctx, VectorRecord{ID: "a", Vector: []float32{1, 0, 0}})

	if _, err := c.SearchText(ctx, "anything", 1); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected error without embedder, got %v", err)
	}

	c.BindEmbedder(EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 0, 0}, nil
	}))

	resp, err := c.SearchText(ctx, "anything", 1)
	if err != nil {
		t.Fatalf("SearchText failed: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "a" {
		t.Errorf("unexpected results: %v", resp.Results)
	}
}

func TestTrainQuantizerLifecycle(t *testing.T) {
	cfg := basicConfig(8)
	cfg.Quantization.Enabled = true
	cfg.Quantization.Type = "scalar"
	c := testCollection(t, cfg)
	ctx := context.Background()

	// Training needs data.
	if err := c.TrainQuantizer(0); !errors.Is(err, ErrInsufficientSamples) {
		t.Errorf("expected ErrInsufficientSamples on empty collection, got %v", err)
	}

	c.Insert(ctx, randomRecords(100, 8, 5)...)
	if err := c.TrainQuantizer(0); err != nil {
		t.Fatalf("TrainQuantizer failed: %v", err)
	}
	if !c.Stats().QuantizerTrained {
		t.Error("stats should report a trained quantizer")
	}

	// Retraining without an explicit event is rejected.
	if err := c.TrainQuantizer(0); !errors.Is(err, ErrQuantizerTrained) {
		t.Errorf("expected ErrQuantizerTrained, got %v", err)
	}

	// Quantized search still finds the right neighbors.
	rec, _ := c.Get(randomRecords(100, 8, 5)[7].ID)
	resp, err := c.Search(ctx, rec.Vector, 1)
	if err != nil {
		t.Fatalf("quantized search failed: %v", err)
	}
	if resp.Results[0].ID != rec.ID {
		t.Errorf("quantized self-search returned %s", resp.Results[0].ID)
	}

	// The quantized search consulted the distance-table cache.
	if stats, ok := c.TableCacheStats(); !ok || stats.Hits+stats.Misses == 0 {
		t.Errorf("table cache unused: %+v", stats)
	}
}

func TestTrainQuantizerDisabled(t *testing.T) {
	c := testCollection(t, basicConfig(4))
	if err := c.TrainQuantizer(10); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

// Quantized and exact collections built identically must mostly agree
// on top-10 sets.
func TestScalarQuantizationParity(t *testing.T) {
	dim := 16
	records := randomRecords(400, dim, 11)

	exactCfg := basicConfig(dim)
	exact := testCollection(t, exactCfg)

	quantCfg := basicConfig(dim)
	quantCfg.Quantization.Enabled = true
	quant := testCollection(t, quantCfg)

	ctx := context.Background()
	if err := exact.Insert(ctx, records...); err != nil {
		t.Fatal(err)
	}
	if err := quant.Insert(ctx, records...); err != nil {
		t.Fatal(err)
	}
	if err := quant.TrainQuantizer(0); err != nil {
		t.Fatal(err)
	}

	queries := randomRecords(40, dim, 13)
	var overlap float64
	for _, q := range queries {
		a, err := exact.Search(ctx, q.Vector, 10)
		if err != nil {
			t.Fatal(err)
		}
		b, err := quant.Search(ctx, q.Vector, 10)
		if err != nil {
			t.Fatal(err)
		}

		setA := make(map[string]bool)
		for _, r := range a.Results {
			setA[r.ID] = true
		}
		inter := 0
		for _, r := range b.Results {
			if setA[r.ID] {
				inter++
			}
		}
		union := len(a.Results) + len(b.Results) - inter
		if union > 0 {
			overlap += float64(inter) / float64(union)
		}
	}
	overlap /= float64(len(queries))

	if overlap < 0.8 {
		t.Errorf("average top-10 Jaccard overlap too low: %.2f", overlap)
	}
}

func TestSearchDeadlineTruncation(t *testing.T) {
	c := testCollection(t, basicConfig(8))
	ctx := context.Background()
	c.Insert(ctx, randomRecords(200, 8, 17)...)

	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()

	resp, err := c.Search(expired, randomRecords(1, 8, 19)[0].Vector, 5)
	if err != nil {
		t.Fatalf("deadline search must deliver partials, got error: %v", err)
	}
	if !resp.Truncated {
		t.Error("expected Truncated flag")
	}
}

func TestQueryCacheInvalidatedByMutation(t *testing.T) {
	c := testCollection(t, basicConfig(3))
	ctx := context.Background()

	c.Insert(ctx, VectorRecord{ID: "a", Vector: []float32{1, 0, 0}})
	query := []float32{1, 0, 0}

	c.Search(ctx, query, 1)
	c.Search(ctx, query, 1) // served from cache

	if stats := c.QueryCacheStats(); stats.Hits == 0 {
		t.Fatalf("expected a cache hit, got %+v", stats)
	}

	c.Insert(ctx, VectorRecord{ID: "b", Vector: []float32{0.99, 0.1, 0}})
	resp, _ := c.Search(ctx, query, 2)
	if len(resp.Results) != 2 {
		t.Errorf("stale cache served after mutation: %v", resp.Results)
	}
}

func TestReadYourWrites(t *testing.T) {
	c := testCollection(t, basicConfig(3))
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		id := string(rune('a' + i%26)) + string(rune('0' + i/26))
		v := []float32{float32(i + 1), float32(i % 7), 1}
		if err := c.Insert(ctx, VectorRecord{ID: id, Vector: v}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		got, err := c.Get(id)
		if err != nil {
			t.Fatalf("insert not visible to Get: %v", err)
		}
		resp, err := c.Search(ctx, got.Vector, 1)
		if err != nil || len(resp.Results) == 0 || resp.Results[0].ID != id {
			t.Fatalf("insert not visible to Search: %v %v", resp, err)
		}
	}
}
