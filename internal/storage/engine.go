package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quiverdb/quiver/pkg/observability"
)

// Engine owns the on-disk files of every collection: one directory per
// collection holding a manifest, a header, the current snapshot
// generation, and the current log generation. All log appends flow
// through a single background writer goroutine (the serialized task
// queue); snapshots and rotations are serialized against it with the
// engine lock.
type Engine struct {
	basePath   string
	syncWrites bool
	logger     *observability.Logger
	metrics    *observability.Metrics

	mu          sync.Mutex
	collections map[string]*collectionFiles
	closed      bool

	queue chan *appendRequest
	wg    sync.WaitGroup
}

type collectionFiles struct {
	name     string
	dir      string
	manifest Manifest
	log      *appendLog
}

type appendRequest struct {
	collection string
	record     *LogRecord
	done       chan error
}

// Options configure an Engine.
type Options struct {
	// QueueDepth bounds the pending-append queue (default 10000).
	QueueDepth int

	// SyncWrites fsyncs each log append.
	SyncWrites bool

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Open creates or reopens an engine rooted at basePath and discovers
// existing collection directories.
func Open(basePath string, opts Options) (*Engine, error) {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 10000
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewDefaultLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.Default()
	}

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create base directory: %w", err)
	}

	e := &Engine{
		basePath:    basePath,
		syncWrites:  opts.SyncWrites,
		logger:      opts.Logger.WithField("component", "storage"),
		metrics:     opts.Metrics,
		collections: make(map[string]*collectionFiles),
		queue:       make(chan *appendRequest, opts.QueueDepth),
	}

	if err := e.discover(); err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go e.writeLoop()

	return e, nil
}

func (e *Engine) discover() error {
	entries, err := os.ReadDir(e.basePath)
	if err != nil {
		return fmt.Errorf("storage: read base directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		dir := filepath.Join(e.basePath, name)

		manifest, err := readManifest(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // not a collection directory
			}
			return fmt.Errorf("storage: collection %s: %w", name, err)
		}

		log, err := openAppendLog(filepath.Join(dir, logName(manifest.LogGen)), e.syncWrites)
		if err != nil {
			return err
		}

		e.collections[name] = &collectionFiles{
			name:     name,
			dir:      dir,
			manifest: manifest,
			log:      log,
		}
	}

	return nil
}

// writeLoop drains the append queue. One goroutine means the log
// defines a total order per collection without per-append locking.
func (e *Engine) writeLoop() {
	defer e.wg.Done()

	for req := range e.queue {
		e.metrics.LogQueueDepth.Set(float64(len(e.queue)))

		// The lock spans the append so a concurrent snapshot cannot
		// rotate the log file out from under the write.
		e.mu.Lock()
		cf := e.collections[req.collection]
		var err error
		if cf == nil {
			err = fmt.Errorf("%w: %s", ErrUnknownCollection, req.collection)
		} else {
			err = cf.log.append(req.record)
		}
		e.mu.Unlock()

		if err == nil {
			e.metrics.LogAppends.Inc()
		}
		req.done <- err
	}
}

// Append queues one record for the collection's log and waits for it to
// be committed. When the queue is saturated the write is rejected with
// ErrOverloaded instead of blocking.
func (e *Engine) Append(collection string, record *LogRecord) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("storage: engine is closed")
	}
	e.mu.Unlock()

	req := &appendRequest{
		collection: collection,
		record:     record,
		done:       make(chan error, 1),
	}

	select {
	case e.queue <- req:
	default:
		e.metrics.LogRejected.Inc()
		return ErrOverloaded
	}

	return <-req.done
}

// CreateCollection creates the collection directory, header, initial
// log generation, and manifest, then records the creation as the log's
// first entry. Everything is synced before returning so creation
// acknowledgements survive an immediate crash.
func (e *Engine) CreateCollection(header *Header, configPayload map[string]interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("storage: engine is closed")
	}
	if _, exists := e.collections[header.Name]; exists {
		return fmt.Errorf("storage: collection %s already exists", header.Name)
	}

	dir := filepath.Join(e.basePath, header.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: create collection directory: %w", err)
	}

	cleanup := func() { os.RemoveAll(dir) }

	if err := writeHeader(dir, header); err != nil {
		cleanup()
		return err
	}

	manifest := Manifest{SnapshotGen: 0, LogGen: 1}
	log, err := openAppendLog(filepath.Join(dir, logName(manifest.LogGen)), e.syncWrites)
	if err != nil {
		cleanup()
		return err
	}

	if err := log.append(&LogRecord{Seq: 0, Op: OpCreateCollection, Payload: configPayload}); err != nil {
		log.close()
		cleanup()
		return err
	}
	if err := log.file.Sync(); err != nil {
		log.close()
		cleanup()
		return fmt.Errorf("storage: sync creation record: %w", err)
	}

	if err := writeManifest(dir, manifest); err != nil {
		log.close()
		cleanup()
		return err
	}

	e.collections[header.Name] = &collectionFiles{
		name:     header.Name,
		dir:      dir,
		manifest: manifest,
		log:      log,
	}

	e.logger.Info("collection created", map[string]interface{}{"collection": header.Name})
	return nil
}

// DropCollection records the deletion, closes the log, and removes the
// collection directory.
func (e *Engine) DropCollection(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cf, exists := e.collections[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}

	// Best-effort tombstone record; the directory removal is the real
	// deletion.
	cf.log.append(&LogRecord{Op: OpDeleteCollection})
	if err := cf.log.close(); err != nil {
		e.logger.Warn("closing log during drop", map[string]interface{}{"collection": name, "error": err.Error()})
	}

	delete(e.collections, name)
	if err := os.RemoveAll(cf.dir); err != nil {
		return fmt.Errorf("storage: remove collection directory: %w", err)
	}

	e.logger.Info("collection dropped", map[string]interface{}{"collection": name})
	return nil
}

// Collections lists the names the engine has directories for.
func (e *Engine) Collections() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	return names
}

// UpdateHeader rewrites the header file, e.g. after quantizer training
// produces a codebook.
func (e *Engine) UpdateHeader(header *Header) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cf, exists := e.collections[header.Name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, header.Name)
	}

	return writeHeader(cf.dir, header)
}

// Snapshot writes a new snapshot generation for the collection, flips
// the manifest to it, rotates the log, and removes the superseded
// files. Crash-safety walks through the manifest: until the manifest
// write lands, recovery still sees the old snapshot + old log.
func (e *Engine) Snapshot(name string, data *SnapshotData) error {
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	cf, exists := e.collections[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}

	oldManifest := cf.manifest
	next := Manifest{
		SnapshotGen: oldManifest.SnapshotGen + 1,
		LogGen:      oldManifest.LogGen + 1,
	}

	if err := writeSnapshot(cf.dir, next.SnapshotGen, data); err != nil {
		return err
	}

	newLog, err := openAppendLog(filepath.Join(cf.dir, logName(next.LogGen)), e.syncWrites)
	if err != nil {
		os.Remove(filepath.Join(cf.dir, snapshotName(next.SnapshotGen)))
		return err
	}

	if err := writeManifest(cf.dir, next); err != nil {
		newLog.close()
		os.Remove(filepath.Join(cf.dir, snapshotName(next.SnapshotGen)))
		os.Remove(filepath.Join(cf.dir, logName(next.LogGen)))
		return err
	}

	// The manifest now points at the new generation; the old files are
	// garbage and their removal may fail without harm.
	oldLog := cf.log
	cf.log = newLog
	cf.manifest = next
	oldLog.close()
	if oldManifest.SnapshotGen > 0 {
		os.Remove(filepath.Join(cf.dir, snapshotName(oldManifest.SnapshotGen)))
	}
	os.Remove(filepath.Join(cf.dir, logName(oldManifest.LogGen)))

	e.metrics.RecordSnapshot(time.Since(start))
	e.logger.Info("snapshot written", map[string]interface{}{
		"collection": name,
		"generation": next.SnapshotGen,
		"last_seq":   data.LastSeq,
		"records":    len(data.Records),
	})
	return nil
}

// RecoveredCollection is the result of recovering one collection:
// header, optional snapshot image, and the log tail to replay on top of
// it. Warnings report non-fatal conditions such as a truncated corrupt
// tail.
type RecoveredCollection struct {
	Header   *Header
	Snapshot *SnapshotData // nil when no snapshot generation exists
	Tail     []*LogRecord  // records with Seq > snapshot.LastSeq, in order
	Warnings []string
}

// Recover loads a collection's durable state: manifest, header,
// snapshot, and the verifiable prefix of the log. Entries at or below
// the snapshot's sequence number are dropped so replay is idempotent; a
// CRC failure truncates the tail and is reported as a warning rather
// than an error.
func (e *Engine) Recover(name string) (*RecoveredCollection, error) {
	e.mu.Lock()
	cf, exists := e.collections[name]
	e.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}

	header, err := readHeader(cf.dir)
	if err != nil {
		return nil, err
	}

	out := &RecoveredCollection{Header: header}

	var lastSeq uint64
	if cf.manifest.SnapshotGen > 0 {
		snapshot, err := readSnapshot(cf.dir, cf.manifest.SnapshotGen, header.Dimension)
		if err != nil {
			return nil, err
		}
		out.Snapshot = snapshot
		lastSeq = snapshot.LastSeq
	}

	records, torn, err := readLog(filepath.Join(cf.dir, logName(cf.manifest.LogGen)))
	if err != nil {
		return nil, err
	}
	if torn {
		e.metrics.CorruptLogTails.Inc()
		warning := fmt.Sprintf("corrupt log tail in %s/%s: replay stopped after %d records",
			name, logName(cf.manifest.LogGen), len(records))
		out.Warnings = append(out.Warnings, warning)
		e.logger.Warn(warning)
	}

	for _, rec := range records {
		if rec.Op == OpCreateCollection || rec.Op == OpDeleteCollection {
			continue
		}
		if rec.Seq <= lastSeq {
			continue
		}
		out.Tail = append(out.Tail, rec)
	}
	e.metrics.ReplayedEntries.Add(float64(len(out.Tail)))

	return out, nil
}

// Close drains the append queue and closes every log.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.queue)
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for _, cf := range e.collections {
		if err := cf.log.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
