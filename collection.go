package quiver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quiverdb/quiver/internal/quantization"
	"github.com/quiverdb/quiver/internal/storage"
	"github.com/quiverdb/quiver/pkg/hnsw"
	"github.com/quiverdb/quiver/pkg/observability"
	"github.com/quiverdb/quiver/pkg/search"
)

// Collection owns one dense HNSW index, an optional quantizer, an
// optional sparse BM25 index, and the payload store. All mutations are
// serialized by a per-collection writer lock and recorded in the
// operation log before the in-memory state changes; reads run fully in
// parallel.
type Collection struct {
	name    string
	cfg     CollectionConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	engine   *storage.Engine   // nil for a purely in-memory store
	onChange func(name string) // auto-save hook, invoked after every mutation

	// writeMu serializes mutations and rebuilds. mu guards the maps and
	// the index pointer for readers; writers take both.
	writeMu sync.Mutex
	mu      sync.RWMutex

	index    *hnsw.Index
	ids      map[string]uint32 // external id -> arena index
	rev      []string          // arena index -> external id, "" when tombstoned
	payloads map[string]map[string]interface{}
	sparse   map[string][]SparseFeature
	text     *search.FullTextIndex // non-nil when hybrid is enabled

	quantizer quantization.Quantizer // non-nil when quantization is enabled
	tables    *quantization.TableCache
	results   *search.LRUCache
	embedder  Embedder

	seq           atomic.Uint64
	dirty         atomic.Bool
	rebuildNeeded atomic.Bool
	rebuilding    atomic.Bool
}

// collectionDeps carries everything a collection borrows from the
// store.
type collectionDeps struct {
	engine        *storage.Engine
	logger        *observability.Logger
	metrics       *observability.Metrics
	onChange      func(name string)
	queryCacheCap int
	queryCacheTTL time.Duration
	tableCacheCap int
}

func newCollection(name string, cfg CollectionConfig, deps collectionDeps) (*Collection, error) {
	index, err := hnsw.New(hnsw.Config{
		Dimension:      cfg.Dimension,
		M:              cfg.HNSW.M,
		EfConstruction: cfg.HNSW.EfConstruction,
		EfSearch:       cfg.HNSW.EfSearch,
		MaxLayer:       cfg.HNSW.MaxLayer,
		Seed:           cfg.HNSW.Seed,
		Distance:       distanceFor(cfg.Metric),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	c := &Collection{
		name:     name,
		cfg:      cfg,
		logger:   deps.logger.WithField("collection", name),
		metrics:  deps.metrics,
		engine:   deps.engine,
		onChange: deps.onChange,
		index:    index,
		ids:      make(map[string]uint32),
		payloads: make(map[string]map[string]interface{}),
		sparse:   make(map[string][]SparseFeature),
		results:  search.NewLRUCache(deps.queryCacheCap, deps.queryCacheTTL),
	}

	if cfg.Hybrid {
		c.text = search.NewFullTextIndex()
	}

	if cfg.Quantization.Enabled {
		quantizer, err := quantization.New(quantization.Config{
			Type:       quantization.Type(cfg.Quantization.Type),
			Metric:     quantMetricFor(cfg.Metric),
			Dimension:  cfg.Dimension,
			Subvectors: cfg.Quantization.Subvectors,
			Bits:       cfg.Quantization.Bits,
			Seed:       cfg.HNSW.Seed,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		c.quantizer = quantizer
		c.tables = quantization.NewTableCache(deps.tableCacheCap)
	}

	return c, nil
}

func distanceFor(m Metric) hnsw.DistanceFunc {
	switch m {
	case MetricEuclidean:
		return hnsw.EuclideanDistance
	case MetricDot:
		return hnsw.DotProductDistance
	default:
		return hnsw.CosineDistance
	}
}

func quantMetricFor(m Metric) quantization.DistanceMetric {
	switch m {
	case MetricEuclidean:
		return quantization.Euclidean
	case MetricDot:
		return quantization.DotProduct
	default:
		return quantization.Cosine
	}
}

// scoreFromDistance converts the internal lower-is-better distance into
// the metric-native higher-is-better score.
func (c *Collection) scoreFromDistance(d float32) float32 {
	if c.cfg.Metric == MetricCosine {
		return 1.0 - d
	}
	return -d
}

// Name returns the collection's name.
func (c *Collection) Name() string {
	return c.name
}

// Config returns the collection's configuration.
func (c *Collection) Config() CollectionConfig {
	return c.cfg
}

// BindEmbedder attaches an embedding provider, enabling SearchText.
func (c *Collection) BindEmbedder(e Embedder) {
	c.mu.Lock()
	c.embedder = e
	c.mu.Unlock()
}

// prepare validates and normalizes a vector for this collection. For
// the cosine metric the stored vector is L2-normalized; a zero vector
// cannot be normalized and is rejected.
func (c *Collection) prepare(v []float32) ([]float32, error) {
	if err := validateVector(v, c.cfg.Dimension); err != nil {
		return nil, err
	}

	if c.cfg.Metric == MetricCosine {
		if hnsw.NormL2(v) == 0 {
			return nil, fmt.Errorf("%w: zero vector cannot be normalized for cosine", ErrInvalidVector)
		}
		return hnsw.Normalize(v), nil
	}

	out := make([]float32, len(v))
	copy(out, v)
	return out, nil
}

// Insert adds records with strict id uniqueness: a duplicate id fails
// that record with ErrAlreadyExists. Each record is atomic — earlier
// records of the same call stay committed when a later one fails.
func (c *Collection) Insert(ctx context.Context, records ...VectorRecord) error {
	return c.write(ctx, records, false)
}

// Upsert adds records, replacing any existing record with the same id
// (tombstone + insert).
func (c *Collection) Upsert(ctx context.Context, records ...VectorRecord) error {
	return c.write(ctx, records, true)
}

func (c *Collection) write(ctx context.Context, records []VectorRecord, upsert bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for i := range records {
		rec := &records[i]
		if rec.ID == "" {
			return fmt.Errorf("%w: empty id", ErrInvalidVector)
		}

		vec, err := c.prepare(rec.Vector)
		if err != nil {
			return fmt.Errorf("record %q: %w", rec.ID, err)
		}

		c.mu.RLock()
		_, exists := c.ids[rec.ID]
		c.mu.RUnlock()

		if exists && !upsert {
			return fmt.Errorf("%w: id %q", ErrAlreadyExists, rec.ID)
		}

		// Cancellation is honored only before the log append; once the
		// record is committed the in-memory apply always follows.
		if err := ctx.Err(); err != nil {
			return err
		}

		seq := c.seq.Load() + 1
		if err := c.logAppend(&storage.LogRecord{
			Seq:     seq,
			Op:      storage.OpInsert,
			ID:      rec.ID,
			Vector:  vec,
			Sparse:  sparsePairs(rec.Sparse),
			Payload: rec.Payload,
		}); err != nil {
			return err
		}

		c.applyInsert(rec.ID, vec, rec.Sparse, rec.Payload)
		c.seq.Store(seq)

		if exists {
			c.metrics.VectorsUpserted.Inc()
		} else {
			c.metrics.VectorsInserted.Inc()
		}
		c.markMutated()
	}

	// Upserts tombstone the replaced nodes, so they move the rebuild
	// threshold just as deletes do.
	c.checkRebuildThreshold()
	return nil
}

// applyInsert installs a committed insert in memory. It must not fail:
// the record is already in the log. The caller serializes applies with
// the writer lock, so the index pointer is stable here; the map lock is
// held only around map updates, never around the distance computations
// inside the graph insert.
func (c *Collection) applyInsert(id string, vec []float32, sparse []SparseFeature, payload map[string]interface{}) {
	var code []byte
	if c.quantizer != nil && c.quantizer.Trained() {
		code, _ = c.quantizer.Encode(vec)
	}

	c.mu.Lock()
	if old, exists := c.ids[id]; exists {
		// Re-insert of a live id: tombstone the old node first.
		c.index.Delete(old)
		c.rev[old] = ""
	}
	index := c.index
	c.mu.Unlock()

	internal, err := index.Insert(vec, code)
	if err != nil {
		// The vector was validated before the log append; an insert
		// failure here is an invariant violation, not a caller error.
		c.logger.Error("insert apply failed", map[string]interface{}{"id": id, "error": err.Error()})
		return
	}

	c.mu.Lock()
	c.ids[id] = internal
	for int(internal) >= len(c.rev) {
		c.rev = append(c.rev, "")
	}
	c.rev[internal] = id

	if payload != nil {
		c.payloads[id] = payload
	} else {
		delete(c.payloads, id)
	}
	if len(sparse) > 0 {
		c.sparse[id] = sparse
	} else {
		delete(c.sparse, id)
	}

	if c.text != nil {
		c.text.Index(search.Document{ID: id, Text: payloadText(payload)})
	}
	c.mu.Unlock()

	c.results.Clear()
}

// Delete tombstones the given ids. Unknown ids are silently skipped, so
// the call is idempotent.
func (c *Collection) Delete(ctx context.Context, ids ...string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for _, id := range ids {
		c.mu.RLock()
		_, exists := c.ids[id]
		c.mu.RUnlock()
		if !exists {
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		seq := c.seq.Load() + 1
		if err := c.logAppend(&storage.LogRecord{
			Seq: seq,
			Op:  storage.OpDelete,
			ID:  id,
		}); err != nil {
			return err
		}

		c.applyDelete(id)
		c.seq.Store(seq)
		c.metrics.VectorsDeleted.Inc()
		c.markMutated()
	}

	c.checkRebuildThreshold()
	return nil
}

func (c *Collection) applyDelete(id string) {
	c.mu.Lock()
	internal, exists := c.ids[id]
	if !exists {
		c.mu.Unlock()
		return
	}

	c.index.Delete(internal)
	delete(c.ids, id)
	c.rev[internal] = ""
	delete(c.payloads, id)
	delete(c.sparse, id)

	if c.text != nil {
		c.text.Remove(id)
	}
	c.mu.Unlock()

	c.results.Clear()
}

// UpdatePayload replaces the payload of an existing record without
// touching its vector.
func (c *Collection) UpdatePayload(ctx context.Context, id string, payload map[string]interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	_, exists := c.ids[id]
	c.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: id %q", ErrNotFound, id)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	seq := c.seq.Load() + 1
	if err := c.logAppend(&storage.LogRecord{
		Seq:     seq,
		Op:      storage.OpUpdatePayload,
		ID:      id,
		Payload: payload,
	}); err != nil {
		return err
	}

	c.applyUpdatePayload(id, payload)
	c.seq.Store(seq)
	c.markMutated()
	return nil
}

func (c *Collection) applyUpdatePayload(id string, payload map[string]interface{}) {
	c.mu.Lock()
	if _, exists := c.ids[id]; exists {
		if payload != nil {
			c.payloads[id] = payload
		} else {
			delete(c.payloads, id)
		}
		if c.text != nil {
			c.text.Index(search.Document{ID: id, Text: payloadText(payload)})
		}
	}
	c.mu.Unlock()

	c.results.Clear()
}

func (c *Collection) logAppend(rec *storage.LogRecord) error {
	if c.engine == nil {
		return nil
	}
	return c.engine.Append(c.name, rec)
}

func (c *Collection) markMutated() {
	c.dirty.Store(true)
	live, tombstoned := c.index.Live(), c.index.Tombstoned()
	c.metrics.RecordCollectionSize(c.name, live, tombstoned)
	if c.onChange != nil {
		c.onChange(c.name)
	}
}

func (c *Collection) checkRebuildThreshold() {
	if c.index.TombstonedFraction() > c.cfg.RebuildThreshold {
		c.rebuildNeeded.Store(true)
	}
}

// Get returns the stored record for an id. For the cosine metric the
// returned vector is the normalized form kept by the index.
func (c *Collection) Get(id string) (VectorRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	internal, exists := c.ids[id]
	if !exists {
		return VectorRecord{}, fmt.Errorf("%w: id %q", ErrNotFound, id)
	}

	vector, err := c.index.Vector(internal)
	if err != nil {
		return VectorRecord{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	return VectorRecord{
		ID:      id,
		Vector:  vector,
		Sparse:  append([]SparseFeature(nil), c.sparse[id]...),
		Payload: clonePayload(c.payloads[id]),
	}, nil
}

// Search returns the k nearest live records, sorted by descending
// score; ties break toward the record inserted earlier. A deadline on
// the context is honored between beam iterations and yields a truncated
// partial result rather than an error.
func (c *Collection) Search(ctx context.Context, query []float32, k int) (*SearchResponse, error) {
	return c.SearchWithEf(ctx, query, k, 0)
}

// SearchWithEf is Search with an explicit beam width; ef = 0 uses the
// collection's configured ef_search.
func (c *Collection) SearchWithEf(ctx context.Context, query []float32, k int, ef int) (*SearchResponse, error) {
	start := time.Now()

	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", ErrInvalidConfig)
	}
	q, err := c.prepare(query)
	if err != nil {
		return nil, err
	}

	if cached, ok := c.results.Get(search.VectorQueryKey(q, k, ef)); ok {
		c.metrics.QueryCacheHits.Inc()
		return cached.(*SearchResponse), nil
	}
	c.metrics.QueryCacheMisses.Inc()

	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	resp, err := c.searchDense(q, k, ef, deadline)
	if err != nil {
		return nil, err
	}

	if !resp.Truncated {
		c.results.Put(search.VectorQueryKey(q, k, ef), resp)
	}
	c.metrics.RecordSearch(time.Since(start), len(resp.Results), resp.Truncated)
	return resp, nil
}

// searchDense runs the dense path: quantized candidate generation with
// full-precision rerank when a trained quantizer is present, plain HNSW
// otherwise.
func (c *Collection) searchDense(q []float32, k int, ef int, deadline time.Time) (*SearchResponse, error) {
	c.mu.RLock()
	index := c.index
	quantized := c.quantizer != nil && c.quantizer.Trained()
	c.mu.RUnlock()

	opts := hnsw.SearchOptions{Ef: ef, Deadline: deadline}
	fetch := k

	if quantized {
		table, hit, err := c.tables.GetOrBuild(c.quantizer, q)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		if hit {
			c.metrics.TableCacheHits.Inc()
		} else {
			c.metrics.TableCacheMisses.Inc()
		}
		opts.CodeDistance = table.Distance

		if !c.cfg.Quantization.Only {
			// Oversample for the exact rerank.
			fetch = 2 * k
			if fetch < 50 {
				fetch = 50
			}
			if opts.Ef < fetch {
				opts.Ef = fetch
			}
		}
	}

	res, err := index.SearchWithOptions(q, fetch, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	hits := res.Results
	if quantized && !c.cfg.Quantization.Only {
		hits = c.rerank(index, q, hits, k)
	}

	out := &SearchResponse{
		Results:   make([]SearchResult, 0, min(k, len(hits))),
		Truncated: res.Truncated,
		Visited:   res.Visited,
	}

	c.mu.RLock()
	for _, h := range hits {
		if len(out.Results) >= k {
			break
		}
		id := c.lookupID(h.ID)
		if id == "" {
			continue
		}
		out.Results = append(out.Results, SearchResult{
			ID:      id,
			Score:   c.scoreFromDistance(h.Distance),
			Payload: clonePayload(c.payloads[id]),
		})
	}
	c.mu.RUnlock()

	return out, nil
}

// rerank rescores quantized candidates against the full-precision
// vectors and returns them in exact order.
func (c *Collection) rerank(index *hnsw.Index, q []float32, hits []hnsw.Result, k int) []hnsw.Result {
	distance := distanceFor(c.cfg.Metric)

	exact := make([]hnsw.Result, 0, len(hits))
	for _, h := range hits {
		node := index.Node(h.ID)
		if node == nil {
			continue
		}
		exact = append(exact, hnsw.Result{ID: h.ID, Distance: distance(q, node.Vector())})
	}

	sort.Slice(exact, func(i, j int) bool {
		if exact[i].Distance != exact[j].Distance {
			return exact[i].Distance < exact[j].Distance
		}
		return exact[i].ID < exact[j].ID
	})

	if k < len(exact) {
		exact = exact[:k]
	}
	return exact
}

// lookupID maps an arena index to its external id; "" for tombstones.
// Caller holds c.mu.
func (c *Collection) lookupID(internal uint32) string {
	if int(internal) >= len(c.rev) {
		return ""
	}
	return c.rev[internal]
}

// SearchText embeds the text with the bound provider and searches.
func (c *Collection) SearchText(ctx context.Context, text string, k int) (*SearchResponse, error) {
	c.mu.RLock()
	embedder := c.embedder
	c.mu.RUnlock()

	if embedder == nil {
		return nil, fmt.Errorf("%w: no embedding provider bound", ErrInvalidConfig)
	}

	vector, err := embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	return c.Search(ctx, vector, k)
}

// HybridSearch fuses dense and sparse rankings by reciprocal rank
// fusion. alpha weights the dense list; 0.5 is the classic unweighted
// fusion. The sparse query is a list of terms matched against the
// BM25 index over payload text.
func (c *Collection) HybridSearch(ctx context.Context, query []float32, sparseTerms []string, k int, alpha float64) ([]HybridResult, error) {
	if c.text == nil {
		return nil, fmt.Errorf("%w: hybrid search is not enabled for collection %q", ErrInvalidConfig, c.name)
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", ErrInvalidConfig)
	}

	key := search.HybridQueryKey(query, sparseTerms, k, alpha)
	if cached, ok := c.results.Get(key); ok {
		c.metrics.QueryCacheHits.Inc()
		return cached.([]HybridResult), nil
	}
	c.metrics.QueryCacheMisses.Inc()

	// Both lists are oversampled so fusion sees enough overlap.
	depth := 2 * k

	denseResp, err := c.Search(ctx, query, depth)
	if err != nil {
		return nil, err
	}

	dense := make([]search.Ranked, len(denseResp.Results))
	for i, r := range denseResp.Results {
		dense[i] = search.Ranked{ID: r.ID, Score: float64(r.Score)}
	}

	sparse := c.text.SearchTerms(sparseTerms, depth)
	sparseRanked := make([]search.Ranked, len(sparse))
	for i, r := range sparse {
		sparseRanked[i] = search.Ranked{ID: r.ID, Score: r.Score}
	}

	fused := search.FuseRRF(dense, sparseRanked, alpha, k)

	out := make([]HybridResult, len(fused))
	c.mu.RLock()
	for i, f := range fused {
		out[i] = HybridResult{
			ID:          f.ID,
			Score:       f.Score,
			DenseScore:  f.DenseScore,
			SparseScore: f.SparseScore,
			Payload:     clonePayload(c.payloads[f.ID]),
		}
	}
	c.mu.RUnlock()

	if !denseResp.Truncated {
		c.results.Put(key, out)
	}
	return out, nil
}

// TrainQuantizer builds the codebook from up to sampleSize live vectors
// (0 = all). After training, existing vectors are back-filled with
// codes and subsequent writes are quantized. Training twice is an
// error; the codebook stays fixed until an explicit retraining event.
func (c *Collection) TrainQuantizer(sampleSize int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.quantizer == nil {
		return fmt.Errorf("%w: quantization is not enabled for collection %q", ErrInvalidConfig, c.name)
	}
	if c.quantizer.Trained() {
		return ErrQuantizerTrained
	}

	c.mu.RLock()
	sample := make([][]float32, 0, len(c.ids))
	for i := 0; i < c.index.Len(); i++ {
		if sampleSize > 0 && len(sample) >= sampleSize {
			break
		}
		node := c.index.Node(uint32(i))
		if node == nil || node.Deleted() {
			continue
		}
		sample = append(sample, node.Vector())
	}
	c.mu.RUnlock()

	need := quantization.MinTrainingSamples(
		quantization.Type(c.cfg.Quantization.Type), c.cfg.Quantization.Bits)
	if len(sample) < need {
		return fmt.Errorf("%w: have %d vectors, need at least %d", ErrInsufficientSamples, len(sample), need)
	}

	if err := c.quantizer.Train(sample); err != nil {
		if strings.Contains(err.Error(), "samples") {
			return fmt.Errorf("%w: %v", ErrInsufficientSamples, err)
		}
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	// Back-fill codes for everything already in the arena.
	c.mu.Lock()
	for i := 0; i < c.index.Len(); i++ {
		node := c.index.Node(uint32(i))
		if node == nil {
			continue
		}
		if code, err := c.quantizer.Encode(node.Vector()); err == nil {
			c.index.SetCode(uint32(i), code)
		}
	}
	c.mu.Unlock()

	c.tables.Clear()
	c.results.Clear()

	if c.engine != nil {
		codebook, err := c.quantizer.Marshal()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		header := c.storageHeader()
		header.Codebook = codebook
		if err := c.engine.UpdateHeader(header); err != nil {
			return fmt.Errorf("persist codebook: %w", err)
		}
	}

	c.markMutated()
	c.logger.Info("quantizer trained", map[string]interface{}{
		"type":    c.cfg.Quantization.Type,
		"samples": len(sample),
	})
	return nil
}

// Rebuild constructs a fresh graph from live records only, dropping
// tombstones physically. Reads continue against the old graph while the
// new one builds; the swap happens under a short exclusive lock.
func (c *Collection) Rebuild() error {
	if !c.rebuilding.CompareAndSwap(false, true) {
		return nil // a rebuild is already running
	}
	defer c.rebuilding.Store(false)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Collect live records in arena order so the fresh graph is
	// deterministic for the collection's seed.
	c.mu.RLock()
	type liveRecord struct {
		id  string
		vec []float32
	}
	live := make([]liveRecord, 0, c.index.Live())
	for i := 0; i < c.index.Len(); i++ {
		node := c.index.Node(uint32(i))
		if node == nil || node.Deleted() {
			continue
		}
		live = append(live, liveRecord{id: c.rev[i], vec: node.Vector()})
	}
	c.mu.RUnlock()

	fresh, err := hnsw.New(hnsw.Config{
		Dimension:      c.cfg.Dimension,
		M:              c.cfg.HNSW.M,
		EfConstruction: c.cfg.HNSW.EfConstruction,
		EfSearch:       c.cfg.HNSW.EfSearch,
		MaxLayer:       c.cfg.HNSW.MaxLayer,
		Seed:           c.cfg.HNSW.Seed,
		Distance:       distanceFor(c.cfg.Metric),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	quantized := c.quantizer != nil && c.quantizer.Trained()
	ids := make(map[string]uint32, len(live))
	rev := make([]string, 0, len(live))

	for _, r := range live {
		var code []byte
		if quantized {
			code, _ = c.quantizer.Encode(r.vec)
		}
		internal, err := fresh.Insert(r.vec, code)
		if err != nil {
			return fmt.Errorf("%w: rebuild insert: %v", ErrInternal, err)
		}
		ids[r.id] = internal
		rev = append(rev, r.id)
	}

	c.mu.Lock()
	c.index = fresh
	c.ids = ids
	c.rev = rev
	c.mu.Unlock()

	c.results.Clear()
	c.rebuildNeeded.Store(false)
	c.metrics.Rebuilds.Inc()
	c.markMutated()

	c.logger.Info("index rebuilt", map[string]interface{}{"live": len(live)})
	return nil
}

// Stats returns collection counters.
func (c *Collection) Stats() CollectionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	live := c.index.Live()
	tombstoned := c.index.Tombstoned()

	return CollectionStats{
		Name:             c.name,
		Total:            live + tombstoned,
		Live:             live,
		Tombstoned:       tombstoned,
		RebuildNeeded:    c.rebuildNeeded.Load(),
		LastSeq:          c.seq.Load(),
		QuantizerTrained: c.quantizer != nil && c.quantizer.Trained(),
		MaxLayer:         c.index.MaxLayer(),
	}
}

// TableCacheStats exposes the quantization distance-table cache
// counters read-only.
func (c *Collection) TableCacheStats() (quantization.CacheStats, bool) {
	if c.tables == nil {
		return quantization.CacheStats{}, false
	}
	return c.tables.Stats(), true
}

// QueryCacheStats exposes the result cache counters read-only.
func (c *Collection) QueryCacheStats() search.CacheStats {
	return c.results.Stats()
}

// Dirty reports whether the collection has mutations not yet
// snapshotted.
func (c *Collection) Dirty() bool {
	return c.dirty.Load()
}

// RebuildNeeded reports whether the tombstoned fraction crossed the
// rebuild threshold.
func (c *Collection) RebuildNeeded() bool {
	return c.rebuildNeeded.Load()
}

// snapshot writes a consistent image of the collection through the
// persistence engine. The writer lock is held across the snapshot and
// the log rotation: a write landing in the superseded log generation
// after the view was taken would be deleted with it. Readers are not
// blocked; only writers wait out the disk write.
func (c *Collection) snapshot() error {
	if c.engine == nil {
		c.dirty.Store(false)
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data := c.snapshotView()
	if err := c.engine.Snapshot(c.name, data); err != nil {
		return err
	}

	c.dirty.Store(false)
	return nil
}

// snapshotView assembles the on-disk image. Caller holds writeMu.
func (c *Collection) snapshotView() *storage.SnapshotData {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := c.index.Len()
	entry, maxLayer := c.index.EntryPoint()

	data := &storage.SnapshotData{
		Dimension:  c.cfg.Dimension,
		Records:    make([]storage.SnapshotRecord, 0, n),
		EntryPoint: int32(entry),
		MaxLayer:   int32(maxLayer),
		Seed:       c.index.Seed(),
		LastSeq:    c.seq.Load(),
	}

	for i := 0; i < n; i++ {
		node := c.index.Node(uint32(i))
		if node == nil {
			continue
		}

		id := c.rev[i]
		rec := storage.SnapshotRecord{
			ID:      id,
			Deleted: node.Deleted(),
			Level:   node.Level(),
			Vector:  node.Vector(),
			Code:    node.Code(),
			Sparse:  sparsePairs(c.sparse[id]),
			Payload: c.payloads[id],
		}

		rec.Neighbors = make([][]uint32, node.Level()+1)
		for layer := 0; layer <= node.Level(); layer++ {
			rec.Neighbors[layer] = node.Neighbors(layer)
		}

		data.Records = append(data.Records, rec)
	}

	return data
}

// restore rebuilds the collection's in-memory state from a recovered
// snapshot and log tail. Returns the recovery warnings wrapped as a
// CorruptLog error when the tail was torn, after state is fully
// restored.
func (c *Collection) restore(rec *storage.RecoveredCollection) error {
	if rec.Header.Codebook != nil && c.quantizer != nil {
		if err := c.quantizer.Unmarshal(rec.Header.Codebook); err != nil {
			return fmt.Errorf("restore codebook: %w", err)
		}
	}

	if rec.Snapshot != nil {
		if err := c.restoreSnapshot(rec.Snapshot); err != nil {
			return err
		}
		c.seq.Store(rec.Snapshot.LastSeq)
	}

	for _, entry := range rec.Tail {
		switch entry.Op {
		case storage.OpInsert:
			c.applyInsert(entry.ID, entry.Vector, sparseFeatures(entry.Sparse), entry.Payload)
		case storage.OpDelete:
			c.applyDelete(entry.ID)
		case storage.OpUpdatePayload:
			c.applyUpdatePayload(entry.ID, entry.Payload)
		}
		c.seq.Store(entry.Seq)
	}

	c.checkRebuildThreshold()
	c.metrics.RecordCollectionSize(c.name, c.index.Live(), c.index.Tombstoned())

	if len(rec.Warnings) > 0 {
		return fmt.Errorf("%w: %s", ErrCorruptLog, strings.Join(rec.Warnings, "; "))
	}
	return nil
}

func (c *Collection) restoreSnapshot(snap *storage.SnapshotData) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range snap.Records {
		r := &snap.Records[i]
		if err := c.index.RestoreNode(uint32(i), r.Vector, r.Code, r.Level, r.Deleted); err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		for layer, neighbors := range r.Neighbors {
			if err := c.index.RestoreNeighbors(uint32(i), layer, neighbors); err != nil {
				return fmt.Errorf("%w: %v", ErrInternal, err)
			}
		}

		c.rev = append(c.rev, r.ID)
		if r.Deleted || r.ID == "" {
			continue
		}

		c.ids[r.ID] = uint32(i)
		if r.Payload != nil {
			c.payloads[r.ID] = r.Payload
		}
		if len(r.Sparse) > 0 {
			c.sparse[r.ID] = sparseFeatures(r.Sparse)
		}
		if c.text != nil {
			c.text.Index(search.Document{ID: r.ID, Text: payloadText(r.Payload)})
		}
	}

	if snap.EntryPoint >= 0 {
		if err := c.index.RestoreEntryPoint(int(snap.EntryPoint), int(snap.MaxLayer)); err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
	}

	return nil
}

// storageHeader renders the collection's configuration for the header
// file.
func (c *Collection) storageHeader() *storage.Header {
	return &storage.Header{
		Name:             c.name,
		Dimension:        c.cfg.Dimension,
		Metric:           string(c.cfg.Metric),
		M:                c.cfg.HNSW.M,
		EfConstruction:   c.cfg.HNSW.EfConstruction,
		EfSearch:         c.cfg.HNSW.EfSearch,
		MaxLayer:         c.cfg.HNSW.MaxLayer,
		Seed:             c.cfg.HNSW.Seed,
		QuantEnabled:     c.cfg.Quantization.Enabled,
		QuantType:        c.cfg.Quantization.Type,
		QuantSubvectors:  c.cfg.Quantization.Subvectors,
		QuantBits:        c.cfg.Quantization.Bits,
		QuantOnly:        c.cfg.Quantization.Only,
		HybridEnabled:    c.cfg.Hybrid,
		RebuildThreshold: c.cfg.RebuildThreshold,
	}
}

func configFromHeader(h *storage.Header) CollectionConfig {
	return CollectionConfig{
		Dimension: h.Dimension,
		Metric:    Metric(h.Metric),
		HNSW: HNSWConfig{
			M:              h.M,
			EfConstruction: h.EfConstruction,
			EfSearch:       h.EfSearch,
			MaxLayer:       h.MaxLayer,
			Seed:           h.Seed,
		},
		Quantization: QuantizationConfig{
			Enabled:    h.QuantEnabled,
			Type:       h.QuantType,
			Subvectors: h.QuantSubvectors,
			Bits:       h.QuantBits,
			Only:       h.QuantOnly,
		},
		Hybrid:           h.HybridEnabled,
		RebuildThreshold: h.RebuildThreshold,
	}
}

// payloadText concatenates the string-valued payload fields in key
// order; this is the text the sparse index tokenizes.
func payloadText(payload map[string]interface{}) string {
	if len(payload) == 0 {
		return ""
	}

	keys := make([]string, 0, len(payload))
	for k, v := range payload {
		if _, ok := v.(string); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = payload[k].(string)
	}
	return strings.Join(parts, " ")
}

func clonePayload(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return nil
	}
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func sparsePairs(features []SparseFeature) []storage.SparsePair {
	if len(features) == 0 {
		return nil
	}
	out := make([]storage.SparsePair, len(features))
	for i, f := range features {
		out[i] = storage.SparsePair{Index: f.Index, Weight: f.Weight}
	}
	return out
}

func sparseFeatures(pairs []storage.SparsePair) []SparseFeature {
	if len(pairs) == 0 {
		return nil
	}
	out := make([]SparseFeature, len(pairs))
	for i, p := range pairs {
		out[i] = SparseFeature{Index: p.Index, Weight: p.Weight}
	}
	return out
}
