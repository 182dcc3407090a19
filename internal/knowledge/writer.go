package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"

	"github.com/1122414/AutoWeb/internal/config"
	"github.com/1122414/AutoWeb/internal/embedding"
	"github.com/1122414/AutoWeb/internal/logging"
	"github.com/1122414/AutoWeb/internal/vecstore"
)

// Gateway is the slice of the vector store the knowledge base relies on.
// *vecstore.Store satisfies it.
type Gateway interface {
	EnsureCollection(ctx context.Context, tag string, spec vecstore.CollectionSpec, dim int) error
	InsertColumns(ctx context.Context, tag, collection string, cols ...column.Column) error
	Search(ctx context.Context, tag, collection, field string, vector []float32, limit int, filter string, outputFields []string) ([]vecstore.Hit, error)
	Query(ctx context.Context, tag, collection, filter string, outputFields []string, limit int) ([]vecstore.Hit, error)
}

// kbCollectionSpec is the knowledge-base schema: one embedded text body,
// six indexed fixed fields, everything else in the dynamic JSON column.
func kbCollectionSpec(name string) vecstore.CollectionSpec {
	return vecstore.CollectionSpec{
		Name:        name,
		Description: "Crawled web content with dynamic metadata",
		Fields: []vecstore.FieldSpec{
			{Name: "vector", Type: entity.FieldTypeFloatVector},
			{Name: "text", Type: entity.FieldTypeVarChar, MaxLength: 8000},
			{Name: "source", Type: entity.FieldTypeVarChar, MaxLength: 512, Indexed: true},
			{Name: "title", Type: entity.FieldTypeVarChar, MaxLength: 512, Indexed: true},
			{Name: "category", Type: entity.FieldTypeVarChar, MaxLength: 64, Indexed: true},
			{Name: "data_type", Type: entity.FieldTypeVarChar, MaxLength: 64, Indexed: true},
			{Name: "platform", Type: entity.FieldTypeVarChar, MaxLength: 64, Indexed: true},
			{Name: "crawled_at", Type: entity.FieldTypeVarChar, MaxLength: 32, Indexed: true},
		},
	}
}

const writerTag = "KnowledgeWriter"

// flushQueueDepth bounds in-flight batches. At the default buffer size
// that is over a hundred documents before Add would ever block.
const flushQueueDepth = 16

// Writer buffers crawled rows and writes them to Milvus in batches on a
// single background worker, so scraping code never waits on the store.
type Writer struct {
	gateway    Gateway
	embedder   embedding.Engine
	registry   Registry
	spec       vecstore.CollectionSpec
	bufferSize int
	maxContent int

	mu     sync.Mutex
	ready  bool
	dim    int
	buffer []Document

	jobs    chan []Document
	done    chan struct{}
	pending sync.WaitGroup
	once    sync.Once
}

func NewWriter(gateway Gateway, embedder embedding.Engine, registry Registry, cfg config.KnowledgeConfig) *Writer {
	w := &Writer{
		gateway:    gateway,
		embedder:   embedder,
		registry:   registry,
		spec:       kbCollectionSpec(cfg.Collection),
		bufferSize: cfg.BufferSize,
		maxContent: cfg.MaxContentLength,
		jobs:       make(chan []Document, flushQueueDepth),
		done:       make(chan struct{}),
	}
	if w.bufferSize <= 0 {
		w.bufferSize = 10
	}
	if w.maxContent <= 0 {
		w.maxContent = 5000
	}
	go w.run()
	return w
}

// Collection returns the collection name rows are written to.
func (w *Writer) Collection() string {
	return w.spec.Name
}

// Add converts crawled content into documents and buffers them. Content
// may be a plain string, a single row map, or a slice of rows. Rows
// whose text body is too short are dropped. Returns the number of
// documents buffered.
func (w *Writer) Add(ctx context.Context, content interface{}, source string) int {
	items := normalizeItems(content)
	if len(items) == 0 {
		return 0
	}
	now := time.Now()

	docs := make([]Document, 0, len(items))
	samples := make(map[string]interface{})

	for _, item := range items {
		text := textContent(item)
		if utf8.RuneCountInString(text) < minTextLength {
			continue
		}
		text = truncateText(text, w.maxContent)

		var doc Document
		if row, ok := item.(map[string]interface{}); ok {
			meta, pct := extractMetadata(row, source, now)
			doc = Document{Text: text, Metadata: meta, pctFields: pct}
			for k, v := range meta {
				if _, seen := samples[k]; !seen {
					samples[k] = v
				}
			}
		} else {
			doc = Document{Text: text, Metadata: defaultMetadata(source, now)}
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return 0
	}

	if removed := sanitizeFormatConsistency(docs); removed > 0 {
		logging.Knowledge("dropped %d values with inconsistent percent formatting", removed)
	}

	// Fields are registered before the rows land so the analyzer sees
	// them even while the batch is still in flight.
	if w.registry != nil && len(samples) > 0 {
		if err := w.registry.Register(ctx, samples); err != nil {
			logging.KnowledgeWarn("field registration failed: %v", err)
		}
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, docs...)
	size := len(w.buffer)
	w.mu.Unlock()

	logging.Knowledge("buffered %d docs (%d pending, %d fields seen)", len(docs), size, len(samples))

	if size >= w.bufferSize {
		w.Flush()
	}
	return len(docs)
}

// Flush hands the current buffer to the background worker. Non-blocking
// unless flushQueueDepth batches are already in flight.
func (w *Writer) Flush() {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	logging.Knowledge("flushing %d docs to %s", len(batch), w.spec.Name)
	w.pending.Add(1)
	if !w.submit(batch) {
		w.pending.Done()
		logging.KnowledgeWarn("writer closed, dropping %d docs", len(batch))
	}
}

func (w *Writer) submit(batch []Document) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	w.jobs <- batch
	return true
}

func (w *Writer) run() {
	defer close(w.done)
	for batch := range w.jobs {
		if err := w.saveBatch(context.Background(), batch); err != nil {
			logging.KnowledgeWarn("batch write failed, %d docs lost: %v", len(batch), err)
		}
		w.pending.Done()
	}
}

// FlushAndWait flushes the buffer and blocks until every in-flight batch
// has been written, or the timeout passes. Returns false on timeout.
func (w *Writer) FlushAndWait(timeout time.Duration) bool {
	w.Flush()

	waited := make(chan struct{})
	go func() {
		w.pending.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return true
	case <-time.After(timeout):
		logging.KnowledgeWarn("flush wait timed out after %s", timeout)
		return false
	}
}

// Close flushes remaining documents and stops the worker, waiting up to
// timeout for pending writes. Safe to call more than once.
func (w *Writer) Close(timeout time.Duration) {
	w.once.Do(func() {
		w.Flush()
		close(w.jobs)
		select {
		case <-w.done:
			logging.Knowledge("writer stopped, all batches written")
		case <-time.After(timeout):
			logging.KnowledgeWarn("writer shutdown timed out, %d batches unflushed", len(w.jobs))
		}
	})
}

func (w *Writer) ensureReady(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ready {
		return nil
	}
	vec, err := w.embedder.Embed(ctx, writerTag+"_dim_probe")
	if err != nil {
		return fmt.Errorf("%s dim probe: %w", writerTag, err)
	}
	if len(vec) == 0 {
		return fmt.Errorf("%s dim probe returned an empty vector", writerTag)
	}
	w.dim = len(vec)
	if err := w.gateway.EnsureCollection(ctx, writerTag, w.spec, w.dim); err != nil {
		return err
	}
	w.ready = true
	return nil
}

// saveBatch embeds and inserts one batch. Runs on the worker goroutine.
func (w *Writer) saveBatch(ctx context.Context, docs []Document) error {
	if err := w.ensureReady(ctx); err != nil {
		return err
	}

	texts := make([]string, len(docs))
	for i := range docs {
		texts[i] = docs[i].Text
	}
	vectors, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("embed batch returned %d vectors for %d docs", len(vectors), len(docs))
	}

	n := len(docs)
	fixed := make(map[string][]string, len(FixedFields))
	for _, f := range FixedFields {
		fixed[f] = make([]string, 0, n)
	}
	dynamic := make([][]byte, 0, n)

	for i := range docs {
		for _, f := range FixedFields {
			fixed[f] = append(fixed[f], stringify(docs[i].Metadata[f]))
		}
		extra := make(map[string]interface{})
		for k, v := range docs[i].Metadata {
			if !isFixedField(k) {
				extra[k] = v
			}
		}
		raw, jerr := json.Marshal(extra)
		if jerr != nil {
			raw = []byte("{}")
		}
		dynamic = append(dynamic, raw)
	}

	w.mu.Lock()
	dim := w.dim
	w.mu.Unlock()

	cols := []column.Column{
		column.NewColumnFloatVector("vector", dim, vectors),
		column.NewColumnVarChar("text", texts),
	}
	for _, f := range FixedFields {
		cols = append(cols, column.NewColumnVarChar(f, fixed[f]))
	}
	cols = append(cols, column.NewColumnJSONBytes("$meta", dynamic).WithIsDynamic(true))

	if err := w.gateway.InsertColumns(ctx, writerTag, w.spec.Name, cols...); err != nil {
		return err
	}
	logging.Knowledge("wrote %d docs to %s", n, w.spec.Name)
	return nil
}

// normalizeItems converts the accepted Add payload shapes into a flat
// item slice.
func normalizeItems(content interface{}) []interface{} {
	switch v := content.(type) {
	case nil:
		return nil
	case string:
		return []interface{}{v}
	case map[string]interface{}:
		return []interface{}{v}
	case []map[string]interface{}:
		items := make([]interface{}, 0, len(v))
		for _, row := range v {
			items = append(items, row)
		}
		return items
	case []interface{}:
		return v
	default:
		return []interface{}{v}
	}
}
