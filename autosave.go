package quiver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quiverdb/quiver/pkg/observability"
	"golang.org/x/time/rate"
)

// AutoSave watches per-collection change flags and periodically
// snapshots what changed. It is a single cooperative loop, not a pool:
// snapshots across collections are intentionally serialized, and a rate
// limiter paces them further so compaction cannot monopolize disk
// bandwidth.
type AutoSave struct {
	interval time.Duration
	limiter  *rate.Limiter
	logger   *observability.Logger
	metrics  *observability.Metrics
	lookup   func(name string) *Collection
	list     func() []string

	mu      sync.Mutex
	changed map[string]bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

type autoSaveDeps struct {
	interval  time.Duration
	perMinute int
	logger    *observability.Logger
	metrics   *observability.Metrics
	lookup    func(name string) *Collection
	list      func() []string
}

func newAutoSave(deps autoSaveDeps) *AutoSave {
	limit := rate.Inf
	if deps.perMinute > 0 {
		limit = rate.Limit(float64(deps.perMinute) / 60.0)
	}

	return &AutoSave{
		interval: deps.interval,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   deps.logger.WithField("component", "autosave"),
		metrics:  deps.metrics,
		lookup:   deps.lookup,
		list:     deps.list,
		changed:  make(map[string]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background loop.
func (a *AutoSave) Start() {
	a.startOnce.Do(func() {
		go a.run()
	})
}

// Stop terminates the loop and waits for it to finish.
func (a *AutoSave) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
		<-a.done
	})
}

// MarkChanged flags a collection as having mutations since its last
// snapshot.
func (a *AutoSave) MarkChanged(name string) {
	a.mu.Lock()
	a.changed[name] = true
	a.mu.Unlock()
}

// Forget drops a deleted collection's flag.
func (a *AutoSave) Forget(name string) {
	a.mu.Lock()
	delete(a.changed, name)
	a.mu.Unlock()
}

func (a *AutoSave) run() {
	defer close(a.done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

// tick is one compaction pass: rebuild collections whose tombstone
// fraction crossed the threshold, then snapshot everything flagged as
// changed. Failures keep the flag set so the next tick retries.
func (a *AutoSave) tick() {
	for _, name := range a.list() {
		collection := a.lookup(name)
		if collection == nil {
			continue
		}

		if collection.RebuildNeeded() {
			if err := collection.Rebuild(); err != nil {
				a.logger.Error("background rebuild failed", map[string]interface{}{
					"collection": name, "error": err.Error(),
				})
			}
		}

		a.mu.Lock()
		dirty := a.changed[name]
		a.mu.Unlock()

		if !dirty {
			continue
		}

		if err := a.save(name, collection, true); err != nil {
			a.logger.Error("autosave failed", map[string]interface{}{
				"collection": name, "error": err.Error(),
			})
		}
	}

	a.metrics.Compactions.Inc()
}

// save snapshots one collection and clears its flag on success.
func (a *AutoSave) save(name string, collection *Collection, paced bool) error {
	if paced {
		if err := a.limiter.Wait(context.Background()); err != nil {
			return err
		}
	}

	if err := collection.snapshot(); err != nil {
		return err
	}

	a.mu.Lock()
	delete(a.changed, name)
	a.mu.Unlock()
	return nil
}

// ForceSave snapshots one collection immediately, bypassing the pacing
// limiter: the caller is asking for a durability point.
func (a *AutoSave) ForceSave(name string) error {
	collection := a.lookup(name)
	if collection == nil {
		return fmt.Errorf("%w: collection %q", ErrNotFound, name)
	}

	return a.save(name, collection, false)
}

// ForceSaveAll snapshots every dirty collection immediately.
func (a *AutoSave) ForceSaveAll() error {
	var firstErr error
	for _, name := range a.list() {
		collection := a.lookup(name)
		if collection == nil || !collection.Dirty() {
			continue
		}
		if err := a.save(name, collection, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
