package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"golang.org/x/sync/errgroup"

	"github.com/1122414/AutoWeb/internal/config"
	"github.com/1122414/AutoWeb/internal/embedding"
	"github.com/1122414/AutoWeb/internal/logging"
	"github.com/1122414/AutoWeb/internal/state"
	"github.com/1122414/AutoWeb/internal/vecstore"
)

const (
	taskIntentMax  = 2000
	suggestionsMax = 65535
	domSearchFloor = 8
)

var domCacheDefaultWeights = []float64{0.2, 0.7, 0.1}

var domCacheOutputFields = []string{
	"cache_id", "url_pattern", "dom_hash", "task_intent", "locator_suggestions", "expire_at",
}

// DOMCacheHit is one page analysis retrieved from the DOM cache.
type DOMCacheHit struct {
	ID                 string
	Score              float64
	LocatorSuggestions []state.LocatorStrategy
	URLPattern         string
	DOMHash            string
	TaskIntent         string
}

// DOMCacheManager stores Observer analyses keyed by three vectors (URL
// pattern, compacted DOM, task intent). Entries expire on a TTL and a
// hit must additionally pass a hard task-intent similarity gate, because
// a structurally identical page under a different task would hand the
// Coder the wrong locators.
type DOMCacheManager struct {
	*base
	enabled    bool
	threshold  float64
	topK       int
	ttl        time.Duration
	taskMinSim float64
	weights    []float64
}

func domCacheSpec(name string) vecstore.CollectionSpec {
	return vecstore.CollectionSpec{
		Name:        name,
		Description: "Observer DOM cache with hybrid vectors",
		Fields: []vecstore.FieldSpec{
			{Name: "url_vector", Type: entity.FieldTypeFloatVector},
			{Name: "dom_vector", Type: entity.FieldTypeFloatVector},
			{Name: "task_vector", Type: entity.FieldTypeFloatVector},
			{Name: "cache_id", Type: entity.FieldTypeVarChar, MaxLength: 128, Indexed: true},
			{Name: "url_pattern", Type: entity.FieldTypeVarChar, MaxLength: urlPatternMax, Indexed: true},
			{Name: "task_intent", Type: entity.FieldTypeVarChar, MaxLength: taskIntentMax},
			{Name: "dom_hash", Type: entity.FieldTypeVarChar, MaxLength: 64, Indexed: true},
			{Name: "locator_suggestions", Type: entity.FieldTypeVarChar, MaxLength: suggestionsMax},
			{Name: "created_at", Type: entity.FieldTypeVarChar, MaxLength: 32},
			{Name: "updated_at", Type: entity.FieldTypeVarChar, MaxLength: 32},
			{Name: "expire_at", Type: entity.FieldTypeVarChar, MaxLength: 32},
			{Name: "hit_count", Type: entity.FieldTypeInt64},
			{Name: "fail_count", Type: entity.FieldTypeInt64},
		},
	}
}

// NewDOMCache builds the DOM cache manager from config.
func NewDOMCache(gateway Gateway, embedder embedding.Engine, cfg config.DOMCacheConfig, failures *logging.Appender) *DOMCacheManager {
	ttlHours := max(cfg.TTLHours, 1)
	return &DOMCacheManager{
		base:       newBase("DomCache", gateway, embedder, domCacheSpec(cfg.Collection), failures),
		enabled:    cfg.Enabled,
		threshold:  cfg.Threshold,
		topK:       cfg.TopK,
		ttl:        time.Duration(ttlHours) * time.Hour,
		taskMinSim: cfg.TaskMinSim,
		weights:    []float64{cfg.Weights.URL, cfg.Weights.DOM, cfg.Weights.Task},
	}
}

// Enabled reports whether DOM cache lookups should be attempted.
func (m *DOMCacheManager) Enabled() bool {
	return m.enabled
}

// Threshold is the similarity floor a hit must reach to be consumed.
func (m *DOMCacheManager) Threshold() float64 {
	return m.threshold
}

// TopK is the configured number of hits callers should inspect.
func (m *DOMCacheManager) TopK() int {
	return m.topK
}

type domQueryVectors struct {
	url  []float32
	dom  []float32
	task []float32
}

func (m *DOMCacheManager) embedFields(ctx context.Context, urlPattern, domSkeleton, taskIntent string) (*domQueryVectors, error) {
	vecs := &domQueryVectors{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		vecs.url, err = m.embedder.Embed(gctx, urlPattern)
		return err
	})
	g.Go(func() (err error) {
		vecs.dom, err = m.embedder.Embed(gctx, CompactDOM(domSkeleton))
		return err
	})
	g.Go(func() (err error) {
		vecs.task, err = m.embedder.Embed(gctx, taskIntent)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vecs, nil
}

// Search retrieves prior analyses of this page for this task. Hits pass
// through three gates in order: TTL on the stored expire_at, the hybrid
// score squashed against the threshold, and the task-intent cosine gate.
func (m *DOMCacheManager) Search(ctx context.Context, userTask, currentURL, domSkeleton string) []DOMCacheHit {
	if !m.enabled {
		return nil
	}
	if err := m.ensureReady(ctx); err != nil {
		logging.CacheWarn("[DomCache] search skipped: %v", err)
		return nil
	}
	urlPattern := NormalizeURL(currentURL)
	taskIntent := TaskIntent(userTask)
	vecs, err := m.embedFields(ctx, urlPattern, domSkeleton, taskIntent)
	if err != nil {
		logging.CacheWarn("[DomCache] query embedding failed: %v", err)
		return nil
	}

	limit := max(m.topK, domSearchFloor)
	queries := []vecstore.AnnQuery{
		{Field: "url_vector", Vector: vecs.url, TopK: limit},
		{Field: "dom_vector", Vector: vecs.dom, TopK: limit},
		{Field: "task_vector", Vector: vecs.task, TopK: limit},
	}
	raw, err := m.gateway.HybridSearch(ctx, m.tag, m.spec.Name,
		queries, m.weights, domCacheDefaultWeights, limit, domCacheOutputFields)
	if err != nil {
		logging.CacheWarn("[DomCache] search error: %v", err)
		return nil
	}
	alive := vecstore.FilterNotExpired(raw, "expire_at", time.Now(), m.tag)

	hits := make([]DOMCacheHit, 0, len(alive))
	for _, h := range alive {
		score := SquashScore(h.Score)
		if score < m.threshold {
			continue
		}
		if !m.passesTaskGate(ctx, vecs.task, h.String("task_intent")) {
			continue
		}
		hits = append(hits, DOMCacheHit{
			ID:                 h.String("cache_id"),
			Score:              score,
			LocatorSuggestions: decodeSuggestions(h.String("locator_suggestions")),
			URLPattern:         h.String("url_pattern"),
			DOMHash:            h.String("dom_hash"),
			TaskIntent:         h.String("task_intent"),
		})
		if len(hits) >= m.topK && m.topK > 0 {
			break
		}
	}
	if len(hits) > 0 {
		logging.DOMCache("[DomCache] hit score=%.4f url=%s", hits[0].Score, hits[0].URLPattern)
	}
	return hits
}

// passesTaskGate re-embeds the stored task intent and requires cosine
// similarity against the query task vector. URL and DOM weights alone
// can push a wrong-task entry over the hybrid threshold; this gate is
// what keeps "scrape prices" from reusing "log in" locators.
func (m *DOMCacheManager) passesTaskGate(ctx context.Context, queryTaskVec []float32, storedIntent string) bool {
	hitVec, err := m.embedder.Embed(ctx, storedIntent)
	if err != nil {
		logging.CacheWarn("[DomCache] task gate embedding failed: %v", err)
		return false
	}
	sim, err := embedding.CosineSimilarity(queryTaskVec, hitVec)
	if err != nil || sim < m.taskMinSim {
		logging.DOMCache("[DomCache] skip hit by task gate: sim=%.4f < min=%.2f", sim, m.taskMinSim)
		return false
	}
	return true
}

// Save submits a fresh analysis for background storage. Empty locator
// lists never enter the cache; a cached empty analysis would permanently
// blind the Observer on that page.
func (m *DOMCacheManager) Save(userTask, currentURL, domSkeleton string, suggestions []state.LocatorStrategy) bool {
	if !m.enabled {
		return false
	}
	if len(suggestions) == 0 {
		logging.DOMCache("[DomCache] skip save: empty locator suggestions")
		return false
	}
	logging.DOMCache("[DomCache] queued async save, url=%s, task_len=%d", NormalizeURL(currentURL), len(userTask))
	return m.writer.submit(func(ctx context.Context) {
		m.saveNow(ctx, userTask, currentURL, domSkeleton, suggestions)
	})
}

func (m *DOMCacheManager) saveNow(ctx context.Context, userTask, currentURL, domSkeleton string, suggestions []state.LocatorStrategy) {
	if err := m.ensureReady(ctx); err != nil {
		logging.CacheWarn("[DomCache] save skipped: %v", err)
		return
	}
	urlPattern := NormalizeURL(currentURL)
	taskIntent := TaskIntent(userTask)
	vecs, err := m.embedFields(ctx, urlPattern, domSkeleton, taskIntent)
	if err != nil {
		logging.CacheWarn("[DomCache] save embedding failed: %v", err)
		return
	}

	encoded, err := json.Marshal(suggestions)
	if err != nil {
		logging.CacheWarn("[DomCache] suggestions encoding failed: %v", err)
		return
	}
	now := time.Now()
	domHash := ComputeDOMHash(domSkeleton)
	cacheID := domHash + "_" + now.Format("20060102150405")
	nowStr := now.Format(timestampLayout)
	expireStr := vecstore.FormatExpireAt(now.Add(m.ttl))
	dim := m.dimension()

	err = m.gateway.InsertColumns(ctx, m.tag, m.spec.Name,
		column.NewColumnFloatVector("url_vector", dim, [][]float32{vecs.url}),
		column.NewColumnFloatVector("dom_vector", dim, [][]float32{vecs.dom}),
		column.NewColumnFloatVector("task_vector", dim, [][]float32{vecs.task}),
		column.NewColumnVarChar("cache_id", []string{cacheID}),
		column.NewColumnVarChar("url_pattern", []string{urlPattern}),
		column.NewColumnVarChar("task_intent", []string{truncate(taskIntent, taskIntentMax)}),
		column.NewColumnVarChar("dom_hash", []string{domHash}),
		column.NewColumnVarChar("locator_suggestions", []string{truncate(string(encoded), suggestionsMax)}),
		column.NewColumnVarChar("created_at", []string{nowStr}),
		column.NewColumnVarChar("updated_at", []string{nowStr}),
		column.NewColumnVarChar("expire_at", []string{expireStr}),
		column.NewColumnInt64("hit_count", []int64{0}),
		column.NewColumnInt64("fail_count", []int64{0}),
	)
	if err != nil {
		logging.CacheWarn("[DomCache] save failed: %v", err)
		return
	}
	logging.DOMCache("[DomCache] saved cache_id=%s, url=%s, ttl=%s", cacheID, urlPattern, m.ttl)
}

// RecordFailure audits a DOM-cache hit whose locators later failed.
func (m *DOMCacheManager) RecordFailure(cacheID, reason string) {
	m.base.RecordFailure(cacheID, "dom_cache", reason)
}

func decodeSuggestions(raw string) []state.LocatorStrategy {
	if raw == "" {
		return nil
	}
	var out []state.LocatorStrategy
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
