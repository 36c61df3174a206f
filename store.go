package quiver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/quiverdb/quiver/internal/storage"
	"github.com/quiverdb/quiver/pkg/config"
	"github.com/quiverdb/quiver/pkg/observability"
)

// Store is the process-wide façade: it owns the collection map, brokers
// every external call to the named collection, and wires persistence
// and auto-save underneath. Reads against distinct collections are
// fully parallel; the store lock is exclusive only for collection
// lifecycle.
type Store struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics

	engine   *storage.Engine // nil when running in-memory
	autosave *AutoSave

	mu          sync.RWMutex
	collections map[string]*Collection
	closed      bool

	recoveryWarnings []string
}

type storeOptions struct {
	cfg      *config.Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	inMemory bool
}

// Option configures a Store.
type Option func(*storeOptions)

// WithConfig supplies a full configuration.
func WithConfig(cfg *config.Config) Option {
	return func(o *storeOptions) { o.cfg = cfg }
}

// WithDataDir overrides the storage directory.
func WithDataDir(dir string) Option {
	return func(o *storeOptions) {
		if o.cfg == nil {
			o.cfg = config.Default()
		}
		o.cfg.Storage.DataDir = dir
	}
}

// WithLogger supplies the logger.
func WithLogger(logger *observability.Logger) Option {
	return func(o *storeOptions) { o.logger = logger }
}

// WithMetrics supplies a metrics set; useful in tests to avoid the
// shared default registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *storeOptions) { o.metrics = m }
}

// WithoutPersistence runs the store purely in memory: no log, no
// snapshots, nothing survives the process.
func WithoutPersistence() Option {
	return func(o *storeOptions) { o.inMemory = true }
}

// Open creates or reopens a store. Existing collections under the data
// directory are recovered: snapshot loaded, log tail replayed,
// corrupt tails truncated and reported as warnings (RecoveryWarnings).
func Open(opts ...Option) (*Store, error) {
	o := &storeOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg == nil {
		o.cfg = config.Default()
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if o.logger == nil {
		o.logger = observability.NewLogger(observability.ParseLogLevel(o.cfg.Log.Level), nil)
	}
	if o.metrics == nil {
		o.metrics = observability.Default()
	}

	s := &Store{
		cfg:         o.cfg,
		logger:      o.logger,
		metrics:     o.metrics,
		collections: make(map[string]*Collection),
	}

	if !o.inMemory {
		engine, err := storage.Open(o.cfg.Storage.DataDir, storage.Options{
			QueueDepth: o.cfg.Storage.LogQueueDepth,
			SyncWrites: o.cfg.Storage.SyncWrites,
			Logger:     o.logger,
			Metrics:    o.metrics,
		})
		if err != nil {
			return nil, err
		}
		s.engine = engine

		if err := s.recover(); err != nil {
			engine.Close()
			return nil, err
		}
	}

	s.autosave = newAutoSave(autoSaveDeps{
		interval:  o.cfg.AutosaveInterval(),
		perMinute: o.cfg.Autosave.SnapshotsPerMinute,
		logger:    o.logger,
		metrics:   o.metrics,
		lookup:    s.lookupCollection,
		list:      s.collectionNames,
	})
	s.autosave.Start()

	return s, nil
}

func (s *Store) recover() error {
	names := s.engine.Collections()
	sort.Strings(names)

	for _, name := range names {
		recovered, err := s.engine.Recover(name)
		if err != nil {
			return fmt.Errorf("recover collection %q: %w", name, err)
		}

		cfg := configFromHeader(recovered.Header)
		cfg.normalize()
		if err := cfg.validate(); err != nil {
			return fmt.Errorf("recover collection %q: %w", name, err)
		}

		collection, err := newCollection(name, cfg, s.collectionDeps())
		if err != nil {
			return fmt.Errorf("recover collection %q: %w", name, err)
		}

		if err := collection.restore(recovered); err != nil {
			if errors.Is(err, ErrCorruptLog) {
				// State is consistent up to the corruption point; keep
				// the collection and surface the warning.
				s.recoveryWarnings = append(s.recoveryWarnings, err.Error())
			} else {
				return fmt.Errorf("recover collection %q: %w", name, err)
			}
		}

		s.collections[name] = collection
		s.logger.Info("collection recovered", map[string]interface{}{
			"collection": name,
			"live":       collection.Stats().Live,
			"last_seq":   collection.Stats().LastSeq,
		})
	}

	return nil
}

func (s *Store) collectionDeps() collectionDeps {
	return collectionDeps{
		engine:        s.engine,
		logger:        s.logger,
		metrics:       s.metrics,
		onChange:      s.markChanged,
		queryCacheCap: s.cfg.Cache.QueryCapacity,
		queryCacheTTL: s.cfg.Cache.QueryTTL,
		tableCacheCap: s.cfg.Cache.TableCapacity,
	}
}

func (s *Store) markChanged(name string) {
	if s.autosave != nil {
		s.autosave.MarkChanged(name)
	}
}

func (s *Store) lookupCollection(name string) *Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collections[name]
}

func (s *Store) collectionNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RecoveryWarnings returns the non-fatal conditions recovery reported,
// such as truncated corrupt log tails.
func (s *Store) RecoveryWarnings() []string {
	return append([]string(nil), s.recoveryWarnings...)
}

func validCollectionName(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00") && name != "." && name != ".."
}

// CreateCollection validates the configuration, persists the creation
// durably, and registers the collection. The creation acknowledgement
// survives an immediate crash: the header, manifest, and creation log
// record are synced before this returns.
func (s *Store) CreateCollection(ctx context.Context, name string, cfg CollectionConfig) (*Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validCollectionName(name) {
		return nil, fmt.Errorf("%w: invalid collection name %q", ErrInvalidConfig, name)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if _, exists := s.collections[name]; exists {
		return nil, fmt.Errorf("%w: collection %q", ErrAlreadyExists, name)
	}

	collection, err := newCollection(name, cfg, s.collectionDeps())
	if err != nil {
		return nil, err
	}

	if s.engine != nil {
		header := collection.storageHeader()
		if err := s.engine.CreateCollection(header, map[string]interface{}{
			"name":      name,
			"dimension": cfg.Dimension,
			"metric":    string(cfg.Metric),
		}); err != nil {
			return nil, fmt.Errorf("persist collection creation: %w", err)
		}
	}

	s.collections[name] = collection
	s.logger.Info("collection created", map[string]interface{}{
		"collection": name,
		"dimension":  cfg.Dimension,
		"metric":     string(cfg.Metric),
	})
	return collection, nil
}

// Collection returns a collection by name.
func (s *Store) Collection(name string) (*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	collection, exists := s.collections[name]
	if !exists {
		return nil, fmt.Errorf("%w: collection %q", ErrNotFound, name)
	}
	return collection, nil
}

// DeleteCollection removes a collection and its on-disk files.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, exists := s.collections[name]; !exists {
		return fmt.Errorf("%w: collection %q", ErrNotFound, name)
	}

	if s.engine != nil {
		if err := s.engine.DropCollection(name); err != nil {
			return err
		}
	}

	delete(s.collections, name)
	s.autosave.Forget(name)
	s.metrics.ForgetCollection(name)
	s.logger.Info("collection deleted", map[string]interface{}{"collection": name})
	return nil
}

// ListCollections returns the collection names in sorted order.
func (s *Store) ListCollections() []string {
	return s.collectionNames()
}

// CollectionInfo pairs a collection's configuration with its current
// statistics.
type CollectionInfo struct {
	Config CollectionConfig
	Stats  CollectionStats
}

// GetCollectionInfo returns configuration and statistics for one
// collection.
func (s *Store) GetCollectionInfo(name string) (CollectionInfo, error) {
	collection, err := s.Collection(name)
	if err != nil {
		return CollectionInfo{}, err
	}
	return CollectionInfo{Config: collection.Config(), Stats: collection.Stats()}, nil
}

// Insert inserts records into the named collection.
func (s *Store) Insert(ctx context.Context, collection string, records ...VectorRecord) error {
	c, err := s.Collection(collection)
	if err != nil {
		return err
	}
	return c.Insert(ctx, records...)
}

// Upsert upserts records into the named collection.
func (s *Store) Upsert(ctx context.Context, collection string, records ...VectorRecord) error {
	c, err := s.Collection(collection)
	if err != nil {
		return err
	}
	return c.Upsert(ctx, records...)
}

// Delete tombstones ids in the named collection.
func (s *Store) Delete(ctx context.Context, collection string, ids ...string) error {
	c, err := s.Collection(collection)
	if err != nil {
		return err
	}
	return c.Delete(ctx, ids...)
}

// Get returns one record from the named collection.
func (s *Store) Get(collection, id string) (VectorRecord, error) {
	c, err := s.Collection(collection)
	if err != nil {
		return VectorRecord{}, err
	}
	return c.Get(id)
}

// Search runs a dense search against the named collection.
func (s *Store) Search(ctx context.Context, collection string, query []float32, k int) (*SearchResponse, error) {
	c, err := s.Collection(collection)
	if err != nil {
		return nil, err
	}
	return c.Search(ctx, query, k)
}

// SearchText embeds and searches against the named collection.
func (s *Store) SearchText(ctx context.Context, collection, text string, k int) (*SearchResponse, error) {
	c, err := s.Collection(collection)
	if err != nil {
		return nil, err
	}
	return c.SearchText(ctx, text, k)
}

// HybridSearch runs a fused dense+sparse search against the named
// collection.
func (s *Store) HybridSearch(ctx context.Context, collection string, query []float32, sparseTerms []string, k int, alpha float64) ([]HybridResult, error) {
	c, err := s.Collection(collection)
	if err != nil {
		return nil, err
	}
	return c.HybridSearch(ctx, query, sparseTerms, k, alpha)
}

// TrainQuantizer trains the named collection's quantizer.
func (s *Store) TrainQuantizer(collection string, sampleSize int) error {
	c, err := s.Collection(collection)
	if err != nil {
		return err
	}
	return c.TrainQuantizer(sampleSize)
}

// Rebuild rebuilds the named collection's index.
func (s *Store) Rebuild(collection string) error {
	c, err := s.Collection(collection)
	if err != nil {
		return err
	}
	return c.Rebuild()
}

// Stats returns statistics for the named collection.
func (s *Store) Stats(collection string) (CollectionStats, error) {
	c, err := s.Collection(collection)
	if err != nil {
		return CollectionStats{}, err
	}
	return c.Stats(), nil
}

// ForceSave snapshots one collection now, giving the caller a
// durability point.
func (s *Store) ForceSave(collection string) error {
	if _, err := s.Collection(collection); err != nil {
		return err
	}
	return s.autosave.ForceSave(collection)
}

// ForceSaveAll snapshots every dirty collection now.
func (s *Store) ForceSaveAll() error {
	return s.autosave.ForceSaveAll()
}

// Close stops the auto-save loop, flushes dirty collections, and closes
// the persistence engine.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.autosave.Stop()

	var firstErr error
	if err := s.autosave.ForceSaveAll(); err != nil {
		firstErr = err
	}

	if s.engine != nil {
		if err := s.engine.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
