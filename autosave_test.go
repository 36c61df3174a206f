package quiver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/pkg/config"
	"github.com/quiverdb/quiver/pkg/observability"
)

func openAutosaveStore(t *testing.T, dir string, intervalSeconds int) *Store {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataDir = dir
	cfg.Autosave.IntervalSeconds = intervalSeconds
	cfg.Autosave.SnapshotsPerMinute = 0

	store, err := Open(
		WithConfig(cfg),
		WithLogger(observability.Nop()),
		WithMetrics(observability.NewMetrics(prometheus.NewRegistry())),
	)
	require.NoError(t, err)
	return store
}

func TestForceSaveClearsDirty(t *testing.T) {
	store := openAutosaveStore(t, t.TempDir(), 3600)
	defer store.Close()
	ctx := context.Background()

	collection, err := store.CreateCollection(ctx, "docs", DefaultCollectionConfig(2))
	require.NoError(t, err)

	require.NoError(t, store.Insert(ctx, "docs", VectorRecord{ID: "a", Vector: []float32{1, 0}}))
	assert.True(t, collection.Dirty())

	require.NoError(t, store.ForceSave("docs"))
	assert.False(t, collection.Dirty())

	assert.ErrorIs(t, store.ForceSave("ghost"), ErrNotFound)
}

func TestBackgroundAutosaveTick(t *testing.T) {
	dir := t.TempDir()
	store := openAutosaveStore(t, dir, 1)
	defer store.Close()
	ctx := context.Background()

	collection, err := store.CreateCollection(ctx, "docs", DefaultCollectionConfig(2))
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, "docs", VectorRecord{ID: "a", Vector: []float32{1, 0}}))

	// Within a couple of ticks the dirty collection gets snapshotted.
	deadline := time.Now().Add(5 * time.Second)
	for collection.Dirty() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	assert.False(t, collection.Dirty(), "autosave tick should have snapshotted")

	_, err = os.Stat(filepath.Join(dir, "docs", "snapshot-1"))
	assert.NoError(t, err)
}

func TestBackgroundRebuildOnThreshold(t *testing.T) {
	store := openAutosaveStore(t, t.TempDir(), 1)
	defer store.Close()
	ctx := context.Background()

	collection, err := store.CreateCollection(ctx, "docs", DefaultCollectionConfig(2))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Insert(ctx, "docs", VectorRecord{
			ID: fmt.Sprintf("v-%d", i), Vector: []float32{float32(i + 1), 1},
		}))
	}
	require.NoError(t, store.Delete(ctx, "docs", "v-0", "v-1", "v-2", "v-3"))
	assert.True(t, collection.RebuildNeeded())

	deadline := time.Now().Add(5 * time.Second)
	for collection.RebuildNeeded() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	stats := collection.Stats()
	assert.False(t, stats.RebuildNeeded, "background tick should have rebuilt")
	assert.Equal(t, 6, stats.Live)
	assert.Equal(t, 0, stats.Tombstoned)
}

func TestForceSaveAllSavesOnlyDirty(t *testing.T) {
	dir := t.TempDir()
	store := openAutosaveStore(t, dir, 3600)
	defer store.Close()
	ctx := context.Background()

	_, err := store.CreateCollection(ctx, "clean", DefaultCollectionConfig(2))
	require.NoError(t, err)
	_, err = store.CreateCollection(ctx, "dirty", DefaultCollectionConfig(2))
	require.NoError(t, err)

	require.NoError(t, store.Insert(ctx, "dirty", VectorRecord{ID: "a", Vector: []float32{1, 0}}))
	require.NoError(t, store.ForceSaveAll())

	_, err = os.Stat(filepath.Join(dir, "dirty", "snapshot-1"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "clean", "snapshot-1"))
	assert.True(t, os.IsNotExist(err), "clean collection should not have been snapshotted")
}

func TestCloseFlushesDirtyCollections(t *testing.T) {
	dir := t.TempDir()
	store := openAutosaveStore(t, dir, 3600)
	ctx := context.Background()

	_, err := store.CreateCollection(ctx, "docs", DefaultCollectionConfig(2))
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, "docs", VectorRecord{ID: "a", Vector: []float32{1, 0}}))
	require.NoError(t, store.Close())

	_, err = os.Stat(filepath.Join(dir, "docs", "snapshot-1"))
	assert.NoError(t, err, "close should flush dirty collections")
}
