// Package cache implements the two experience caches that let the agent
// skip LLM calls: the code cache (successful generated programs keyed by
// goal, locators, task and URL) and the DOM cache (page analysis results
// keyed by URL, DOM structure and task intent). Both share a Milvus
// collection manager with lazy dimension probing and a single-worker
// write-behind queue so inserts never block the agent turn.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/milvus-io/milvus/client/v2/column"

	"github.com/1122414/AutoWeb/internal/embedding"
	"github.com/1122414/AutoWeb/internal/logging"
	"github.com/1122414/AutoWeb/internal/vecstore"
)

// Gateway is the slice of the vector store the caches rely on.
// *vecstore.Store satisfies it.
type Gateway interface {
	EnsureCollection(ctx context.Context, tag string, spec vecstore.CollectionSpec, dim int) error
	HybridSearch(ctx context.Context, tag, collection string, queries []vecstore.AnnQuery, weights, defaults []float64, limit int, outputFields []string) ([]vecstore.Hit, error)
	InsertColumns(ctx context.Context, tag, collection string, cols ...column.Column) error
	Delete(ctx context.Context, tag, collection, filter string) (int64, error)
	Count(ctx context.Context, tag, collection string) (int64, error)
}

// failureRecord is one line in the cache failure audit log.
type failureRecord struct {
	CacheID   string `json:"cache_id"`
	CacheType string `json:"cache_type"`
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason"`
}

// base holds the state shared by both cache managers: the collection
// guard, the probed embedding dimension and the write-behind worker.
type base struct {
	tag      string
	gateway  Gateway
	embedder embedding.Engine
	spec     vecstore.CollectionSpec
	failures *logging.Appender
	writer   *asyncWriter

	mu    sync.Mutex
	ready bool
	dim   int
}

func newBase(tag string, gateway Gateway, embedder embedding.Engine, spec vecstore.CollectionSpec, failures *logging.Appender) *base {
	return &base{
		tag:      tag,
		gateway:  gateway,
		embedder: embedder,
		spec:     spec,
		failures: failures,
		writer:   newAsyncWriter(tag),
	}
}

// ensureReady probes the embedding dimension once and makes the
// collection exist with a compatible schema. Safe for repeated calls.
func (b *base) ensureReady(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return nil
	}
	vec, err := b.embedder.Embed(ctx, b.tag+"_dim_probe")
	if err != nil {
		return fmt.Errorf("%s dim probe: %w", b.tag, err)
	}
	if len(vec) == 0 {
		return fmt.Errorf("%s dim probe returned an empty vector", b.tag)
	}
	b.dim = len(vec)
	if err := b.gateway.EnsureCollection(ctx, b.tag, b.spec, b.dim); err != nil {
		return err
	}
	b.ready = true
	return nil
}

func (b *base) dimension() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dim
}

// Invalidate permanently deletes a cache entry. This is the only way an
// entry leaves the collection; failed hits are merely audited.
func (b *base) Invalidate(ctx context.Context, cacheID string) bool {
	if cacheID == "" {
		return false
	}
	if err := b.ensureReady(ctx); err != nil {
		logging.CacheWarn("[%s] invalidate skipped, collection not ready: %v", b.tag, err)
		return false
	}
	safe := strings.ReplaceAll(cacheID, `"`, `\"`)
	deleted, err := b.gateway.Delete(ctx, b.tag, b.spec.Name, fmt.Sprintf(`cache_id == "%s"`, safe))
	if err != nil {
		logging.CacheWarn("[%s] invalidate error: %v", b.tag, err)
		return false
	}
	logging.Cache("[%s] invalidated %s (%d rows)", b.tag, cacheID, deleted)
	return true
}

// RecordFailure appends an audit line for a cache hit that later failed.
// Entries are never auto-deleted; the per-turn breaker suppresses them
// and a human decides whether to invalidate.
func (b *base) RecordFailure(cacheID, cacheType, reason string) {
	if cacheID == "" || b.failures == nil {
		return
	}
	rec := failureRecord{
		CacheID:   cacheID,
		CacheType: cacheType,
		Timestamp: time.Now().Format("2006-01-02T15:04:05"),
		Reason:    reason,
	}
	if err := b.failures.Append(rec); err != nil {
		logging.CacheWarn("[%s] failure audit write failed: %v", b.tag, err)
		return
	}
	logging.Cache("[%s] recorded failure for %s: %s", b.tag, cacheID, reason)
}

// Count reports the rows currently visible in the collection.
func (b *base) Count(ctx context.Context) (int64, error) {
	if err := b.ensureReady(ctx); err != nil {
		return 0, err
	}
	return b.gateway.Count(ctx, b.tag, b.spec.Name)
}

// Close drains pending write-behind jobs with a bounded wait.
func (b *base) Close(timeout time.Duration) {
	b.writer.close(timeout)
}

// asyncWriter runs submitted jobs on a single goroutine so writes to one
// collection are observed in submission order.
type asyncWriter struct {
	tag  string
	jobs chan func(context.Context)
	done chan struct{}
	once sync.Once
}

const writerQueueDepth = 64

func newAsyncWriter(tag string) *asyncWriter {
	w := &asyncWriter{
		tag:  tag,
		jobs: make(chan func(context.Context), writerQueueDepth),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *asyncWriter) run() {
	defer close(w.done)
	for job := range w.jobs {
		job(context.Background())
	}
}

// submit queues a job. Returns false when the queue is closed or full;
// a full queue means the store is unreachable and blocking the agent
// turn on it would not help.
func (w *asyncWriter) submit(job func(context.Context)) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case w.jobs <- job:
		return true
	default:
		logging.CacheWarn("[%s] write queue full, dropping save", w.tag)
		return false
	}
}

// close stops accepting jobs and waits up to timeout for the worker to
// drain. Unwritten jobs are logged, not silently lost.
func (w *asyncWriter) close(timeout time.Duration) {
	w.once.Do(func() {
		logging.Cache("[%s] waiting for background writes...", w.tag)
		close(w.jobs)
		select {
		case <-w.done:
			logging.Cache("[%s] background writes finished", w.tag)
		case <-time.After(timeout):
			logging.CacheWarn("[%s] shutdown timeout, %d writes unflushed", w.tag, len(w.jobs))
		}
	})
}
