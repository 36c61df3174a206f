package quiver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/pkg/config"
	"github.com/quiverdb/quiver/pkg/observability"
)

func testStoreConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Storage.DataDir = dir
	cfg.Autosave.IntervalSeconds = 3600 // keep the background loop quiet
	cfg.Autosave.SnapshotsPerMinute = 0
	return cfg
}

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	store, err := Open(
		WithConfig(testStoreConfig(dir)),
		WithLogger(observability.Nop()),
		WithMetrics(observability.NewMetrics(prometheus.NewRegistry())),
	)
	require.NoError(t, err)
	return store
}

func TestCreateListDeleteCollections(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()
	ctx := context.Background()

	_, err := store.CreateCollection(ctx, "alpha", DefaultCollectionConfig(4))
	require.NoError(t, err)
	_, err = store.CreateCollection(ctx, "beta", DefaultCollectionConfig(8))
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "beta"}, store.ListCollections())

	// Duplicate name.
	_, err = store.CreateCollection(ctx, "alpha", DefaultCollectionConfig(4))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	info, err := store.GetCollectionInfo("alpha")
	require.NoError(t, err)
	assert.Equal(t, 4, info.Config.Dimension)
	assert.Equal(t, MetricCosine, info.Config.Metric)

	require.NoError(t, store.DeleteCollection(ctx, "alpha"))
	assert.Equal(t, []string{"beta"}, store.ListCollections())
	assert.ErrorIs(t, store.DeleteCollection(ctx, "alpha"), ErrNotFound)

	_, err = store.Collection("alpha")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateCollectionValidation(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()
	ctx := context.Background()

	tests := []struct {
		name   string
		cname  string
		mutate func(*CollectionConfig)
	}{
		{"zero dimension", "c1", func(c *CollectionConfig) { c.Dimension = 0 }},
		{"bad metric", "c2", func(c *CollectionConfig) { c.Metric = "manhattan" }},
		{"m too small", "c3", func(c *CollectionConfig) { c.HNSW.M = 1 }},
		{"ef below m", "c4", func(c *CollectionConfig) { c.HNSW.EfConstruction = 4; c.HNSW.M = 16 }},
		{"negative ef search", "c5", func(c *CollectionConfig) { c.HNSW.EfSearch = -1 }},
		{"quantized-only product", "c6", func(c *CollectionConfig) {
			c.Quantization.Enabled = true
			c.Quantization.Type = "product"
			c.Quantization.Only = true
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultCollectionConfig(4)
			tt.mutate(&cfg)
			_, err := store.CreateCollection(ctx, tt.cname, cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	// Bad names.
	_, err := store.CreateCollection(ctx, "", DefaultCollectionConfig(4))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = store.CreateCollection(ctx, "a/b", DefaultCollectionConfig(4))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStoreDispatch(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()
	ctx := context.Background()

	_, err := store.CreateCollection(ctx, "docs", DefaultCollectionConfig(3))
	require.NoError(t, err)

	require.NoError(t, store.Insert(ctx, "docs", VectorRecord{ID: "a", Vector: []float32{1, 0, 0}}))
	require.NoError(t, store.Upsert(ctx, "docs", VectorRecord{ID: "a", Vector: []float32{0, 1, 0}}))

	rec, err := store.Get("docs", "a")
	require.NoError(t, err)
	assert.Equal(t, float32(1), rec.Vector[1])

	resp, err := store.Search(ctx, "docs", []float32{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "a", resp.Results[0].ID)

	stats, err := store.Stats("docs")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Live)

	require.NoError(t, store.Delete(ctx, "docs", "a"))
	require.NoError(t, store.Rebuild("docs"))

	// Unknown collection errors propagate from every dispatcher.
	assert.ErrorIs(t, store.Insert(ctx, "ghost", VectorRecord{ID: "x", Vector: []float32{1, 0, 0}}), ErrNotFound)
	_, err = store.Search(ctx, "ghost", []float32{1, 0, 0}, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStore(t *testing.T) {
	store, err := Open(
		WithoutPersistence(),
		WithLogger(observability.Nop()),
		WithMetrics(observability.NewMetrics(prometheus.NewRegistry())),
	)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	_, err = store.CreateCollection(ctx, "mem", DefaultCollectionConfig(2))
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, "mem", VectorRecord{ID: "a", Vector: []float32{1, 0}}))

	resp, err := store.Search(ctx, "mem", []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Results[0].ID)

	require.NoError(t, store.ForceSave("mem")) // durability no-op in memory
}

// Crash recovery: everything inserted before the crash is present after
// reopening, whether it was snapshotted or only logged.
func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := openTestStore(t, dir)
	cfg := DefaultCollectionConfig(4)
	cfg.HNSW.Seed = 7
	_, err := store.CreateCollection(ctx, "docs", cfg)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, store.Insert(ctx, "docs", VectorRecord{
			ID:      fmt.Sprintf("pre-%03d", i),
			Vector:  []float32{float32(i + 1), 1, 0, 0},
			Payload: map[string]interface{}{"n": float64(i)},
		}))
	}
	require.NoError(t, store.ForceSave("docs"))

	for i := 0; i < 50; i++ {
		require.NoError(t, store.Insert(ctx, "docs", VectorRecord{
			ID:     fmt.Sprintf("post-%03d", i),
			Vector: []float32{1, float32(i + 1), 0, 0},
		}))
	}
	// Simulated crash: the store is abandoned without Close.

	reopened := openTestStore(t, dir)
	defer reopened.Close()

	assert.Empty(t, reopened.RecoveryWarnings())

	stats, err := reopened.Stats("docs")
	require.NoError(t, err)
	assert.Equal(t, 150, stats.Live)
	assert.Equal(t, uint64(150), stats.LastSeq)

	// Spot checks across both the snapshotted and the replayed range.
	rec, err := reopened.Get("docs", "pre-042")
	require.NoError(t, err)
	assert.Equal(t, float64(42), rec.Payload["n"])
	_, err = reopened.Get("docs", "post-049")
	require.NoError(t, err)

	resp, err := reopened.Search(ctx, "docs", []float32{1, 50, 0, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, "post-049", resp.Results[0].ID)
}

// A torn log tail is truncated at the corruption point: recovery keeps
// the verifiable prefix and reports a warning.
func TestTornLogRecovery(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := openTestStore(t, dir)
	_, err := store.CreateCollection(ctx, "docs", DefaultCollectionConfig(2))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Insert(ctx, "docs", VectorRecord{
			ID:     fmt.Sprintf("v-%02d", i),
			Vector: []float32{float32(i + 1), 1},
		}))
	}
	// Simulated crash, then a torn final record.
	logPath := filepath.Join(dir, "docs", "log-1")
	info, err := os.Stat(logPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(logPath, info.Size()-3))

	reopened := openTestStore(t, dir)
	defer reopened.Close()

	warnings := reopened.RecoveryWarnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "corrupt log tail")

	stats, err := reopened.Stats("docs")
	require.NoError(t, err)
	assert.Equal(t, 9, stats.Live, "the torn record is lost, the rest survives")
	assert.Equal(t, uint64(9), stats.LastSeq)

	_, err = reopened.Get("docs", "v-09")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Snapshot -> recover -> snapshot produces byte-identical images modulo
// generation numbers.
func TestSnapshotIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := openTestStore(t, dir)
	_, err := store.CreateCollection(ctx, "docs", DefaultCollectionConfig(4))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, store.Insert(ctx, "docs", VectorRecord{
			ID:      fmt.Sprintf("v-%02d", i),
			Vector:  []float32{float32(i), 1, 2, 3},
			Payload: map[string]interface{}{"i": float64(i)},
		}))
	}
	require.NoError(t, store.Delete(ctx, "docs", "v-03"))
	require.NoError(t, store.ForceSave("docs"))

	first, err := os.ReadFile(filepath.Join(dir, "docs", "snapshot-1"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened := openTestStore(t, dir)
	defer reopened.Close()
	require.NoError(t, reopened.ForceSave("docs"))

	second, err := os.ReadFile(filepath.Join(dir, "docs", "snapshot-2"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// A quantized hybrid collection survives restart with its codebook.
func TestRecoveryRestoresQuantizerAndHybrid(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := openTestStore(t, dir)
	cfg := DefaultCollectionConfig(8)
	cfg.Hybrid = true
	cfg.Quantization.Enabled = true
	_, err := store.CreateCollection(ctx, "docs", cfg)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, store.Insert(ctx, "docs", VectorRecord{
			ID:      fmt.Sprintf("v-%02d", i),
			Vector:  []float32{float32(i + 1), 1, 2, 3, 4, 5, 6, 7},
			Payload: map[string]interface{}{"text": fmt.Sprintf("document number %d", i)},
		}))
	}
	require.NoError(t, store.TrainQuantizer("docs", 0))
	require.NoError(t, store.ForceSave("docs"))
	require.NoError(t, store.Close())

	reopened := openTestStore(t, dir)
	defer reopened.Close()

	stats, err := reopened.Stats("docs")
	require.NoError(t, err)
	assert.True(t, stats.QuantizerTrained, "codebook must survive restart")

	results, err := reopened.HybridSearch(ctx, "docs",
		[]float32{30, 1, 2, 3, 4, 5, 6, 7}, []string{"number", "29"}, 3, 0.5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "v-29", results[0].ID)
}

func TestRecoveryAfterDeleteAndRebuild(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := openTestStore(t, dir)
	_, err := store.CreateCollection(ctx, "docs", DefaultCollectionConfig(2))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Insert(ctx, "docs", VectorRecord{
			ID:     fmt.Sprintf("v-%d", i),
			Vector: []float32{float32(i + 1), 1},
		}))
	}
	require.NoError(t, store.Delete(ctx, "docs", "v-0", "v-1", "v-2"))
	require.NoError(t, store.Rebuild("docs"))
	require.NoError(t, store.Close())

	reopened := openTestStore(t, dir)
	defer reopened.Close()

	stats, err := reopened.Stats("docs")
	require.NoError(t, err)
	assert.Equal(t, 7, stats.Live)
	assert.Equal(t, 0, stats.Tombstoned)

	_, err = reopened.Get("docs", "v-0")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reopened.Get("docs", "v-5")
	assert.NoError(t, err)
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	_, err := store.CreateCollection(context.Background(), "docs", DefaultCollectionConfig(2))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.Collection("docs")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = store.CreateCollection(context.Background(), "more", DefaultCollectionConfig(2))
	assert.ErrorIs(t, err, ErrClosed)
}
