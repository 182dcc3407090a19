package cache

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"golang.org/x/sync/errgroup"

	"github.com/1122414/AutoWeb/internal/config"
	"github.com/1122414/AutoWeb/internal/embedding"
	"github.com/1122414/AutoWeb/internal/logging"
	"github.com/1122414/AutoWeb/internal/vecstore"
)

const (
	goalMax           = 2000
	locatorInfoMax    = 6400
	userTaskMax       = 6400
	codeStoreMax      = 16000
	codeWarnLength    = 6400
	navigationCodeMax = 200
	codeSearchFloor   = 10
)

var codeCacheDefaultWeights = []float64{0.6, 0.2, 0.1, 0.1}

var codeCacheOutputFields = []string{
	"cache_id", "code", "url_pattern", "goal", "user_task", "success_count",
}

// CodeCacheHit is one reusable program retrieved from the code cache.
type CodeCacheHit struct {
	ID           string
	Code         string
	Score        float64
	URLPattern   string
	Goal         string
	UserTask     string
	SuccessCount int64
}

// CodeCacheManager stores verified generated programs keyed by four
// vectors (step goal, locator summary, user task, URL pattern) and
// serves them back through a weighted hybrid search.
type CodeCacheManager struct {
	*base
	enabled            bool
	threshold          float64
	duplicateThreshold float64
	topK               int
	weights            []float64
}

func codeCacheSpec(name string) vecstore.CollectionSpec {
	return vecstore.CollectionSpec{
		Name:        name,
		Description: "Verified automation code keyed by goal/locator/task/url vectors",
		Fields: []vecstore.FieldSpec{
			{Name: "goal_vector", Type: entity.FieldTypeFloatVector},
			{Name: "locator_vector", Type: entity.FieldTypeFloatVector},
			{Name: "user_task_vector", Type: entity.FieldTypeFloatVector},
			{Name: "url_vector", Type: entity.FieldTypeFloatVector},
			{Name: "cache_id", Type: entity.FieldTypeVarChar, MaxLength: 128, Indexed: true},
			{Name: "url_pattern", Type: entity.FieldTypeVarChar, MaxLength: urlPatternMax, Indexed: true},
			{Name: "dom_hash", Type: entity.FieldTypeVarChar, MaxLength: 64, Indexed: true},
			{Name: "goal", Type: entity.FieldTypeVarChar, MaxLength: goalMax},
			{Name: "locator_info", Type: entity.FieldTypeVarChar, MaxLength: locatorInfoMax},
			{Name: "user_task", Type: entity.FieldTypeVarChar, MaxLength: userTaskMax},
			{Name: "code", Type: entity.FieldTypeVarChar, MaxLength: codeStoreMax},
			{Name: "created_at", Type: entity.FieldTypeVarChar, MaxLength: 32},
			{Name: "last_used_at", Type: entity.FieldTypeVarChar, MaxLength: 32},
			{Name: "success_count", Type: entity.FieldTypeInt64},
			{Name: "fail_count", Type: entity.FieldTypeInt64},
		},
	}
}

// NewCodeCache builds the code cache manager. The collection is created
// lazily on first use so a dead vector store never blocks startup.
func NewCodeCache(gateway Gateway, embedder embedding.Engine, cfg config.CodeCacheConfig, failures *logging.Appender) *CodeCacheManager {
	return &CodeCacheManager{
		base:               newBase("CodeCache", gateway, embedder, codeCacheSpec(cfg.Collection), failures),
		enabled:            cfg.Enabled,
		threshold:          cfg.Threshold,
		duplicateThreshold: cfg.DuplicateThreshold,
		topK:               cfg.TopK,
		weights:            []float64{cfg.Weights.Goal, cfg.Weights.Locator, cfg.Weights.UserTask, cfg.Weights.URL},
	}
}

// Enabled reports whether retrieval should be attempted at all.
func (m *CodeCacheManager) Enabled() bool {
	return m.enabled
}

type codeQueryVectors struct {
	goal     []float32
	locator  []float32
	userTask []float32
	url      []float32
}

// embedQueryFields runs the four query embeddings in parallel; any
// single failure fails the whole lookup.
func (m *CodeCacheManager) embedQueryFields(ctx context.Context, goal, locatorInfo, userTask, urlPattern string) (*codeQueryVectors, error) {
	vecs := &codeQueryVectors{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		vecs.goal, err = m.embedder.Embed(gctx, truncate(goal, goalMax))
		return err
	})
	g.Go(func() (err error) {
		vecs.locator, err = m.embedder.Embed(gctx, truncate(locatorInfo, locatorInfoMax))
		return err
	})
	g.Go(func() (err error) {
		vecs.userTask, err = m.embedder.Embed(gctx, truncate(userTask, userTaskMax))
		return err
	})
	g.Go(func() (err error) {
		vecs.url, err = m.embedder.Embed(gctx, urlPattern)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (m *CodeCacheManager) annQueries(vecs *codeQueryVectors, limit int) []vecstore.AnnQuery {
	return []vecstore.AnnQuery{
		{Field: "goal_vector", Vector: vecs.goal, TopK: limit},
		{Field: "locator_vector", Vector: vecs.locator, TopK: limit},
		{Field: "user_task_vector", Vector: vecs.userTask, TopK: limit},
		{Field: "url_vector", Vector: vecs.url, TopK: limit},
	}
}

// Search retrieves cached programs for the current step. Scores are
// squashed to [0,1]; only hits at or above the similarity threshold come
// back, best first.
func (m *CodeCacheManager) Search(ctx context.Context, userTask, goal, currentURL, locatorInfo string) []CodeCacheHit {
	if !m.enabled {
		return nil
	}
	if err := m.ensureReady(ctx); err != nil {
		logging.CacheWarn("[CodeCache] search skipped: %v", err)
		return nil
	}
	urlPattern := NormalizeURL(currentURL)
	vecs, err := m.embedQueryFields(ctx, goal, locatorInfo, userTask, urlPattern)
	if err != nil {
		logging.CacheWarn("[CodeCache] query embedding failed: %v", err)
		return nil
	}

	limit := max(m.topK, codeSearchFloor)
	raw, err := m.gateway.HybridSearch(ctx, m.tag, m.spec.Name,
		m.annQueries(vecs, limit), m.weights, codeCacheDefaultWeights, limit, codeCacheOutputFields)
	if err != nil {
		logging.CacheWarn("[CodeCache] search error: %v", err)
		return nil
	}

	hits := make([]CodeCacheHit, 0, len(raw))
	for _, h := range raw {
		score := SquashScore(h.Score)
		if score < m.threshold {
			continue
		}
		hits = append(hits, CodeCacheHit{
			ID:           h.String("cache_id"),
			Code:         h.String("code"),
			Score:        score,
			URLPattern:   h.String("url_pattern"),
			Goal:         h.String("goal"),
			UserTask:     h.String("user_task"),
			SuccessCount: h.Int("success_count"),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > m.topK && m.topK > 0 {
		hits = hits[:m.topK]
	}
	if len(hits) > 0 {
		logging.Cache("[CodeCache] %d hits above threshold %.2f (best %.4f)", len(hits), m.threshold, hits[0].Score)
	} else {
		logging.Cache("[CodeCache] no hit above threshold %.2f", m.threshold)
	}
	return hits
}

// Save submits a verified program for background storage. Pure
// navigation snippets are skipped synchronously; the duplicate check and
// the insert run on the write-behind worker.
func (m *CodeCacheManager) Save(goal, userTask, locatorInfo, currentURL, domSkeleton, code string) bool {
	if !m.enabled {
		return false
	}
	if looksLikeNavigation(code) {
		logging.Cache("[CodeCache] skipping pure navigation code (%d chars)", len(code))
		return false
	}
	if len(code) > codeWarnLength {
		logging.CacheWarn("[CodeCache] code is long (%d chars); the planner should split this step", len(code))
	}

	logging.Cache("[CodeCache] queued background save (code: %d chars)", len(code))
	return m.writer.submit(func(ctx context.Context) {
		m.saveNow(ctx, goal, userTask, locatorInfo, currentURL, domSkeleton, code)
	})
}

func (m *CodeCacheManager) saveNow(ctx context.Context, goal, userTask, locatorInfo, currentURL, domSkeleton, code string) {
	if err := m.ensureReady(ctx); err != nil {
		logging.CacheWarn("[CodeCache] save skipped: %v", err)
		return
	}
	urlPattern := NormalizeURL(currentURL)
	vecs, err := m.embedQueryFields(ctx, goal, locatorInfo, userTask, urlPattern)
	if err != nil {
		logging.CacheWarn("[CodeCache] save embedding failed: %v", err)
		return
	}
	if m.isDuplicate(ctx, vecs) {
		return
	}

	now := time.Now()
	domHash := ComputeDOMHash(domSkeleton)
	cacheID := domHash + "_" + now.Format("20060102150405")
	nowStr := now.Format(timestampLayout)
	dim := m.dimension()

	err = m.gateway.InsertColumns(ctx, m.tag, m.spec.Name,
		column.NewColumnFloatVector("goal_vector", dim, [][]float32{vecs.goal}),
		column.NewColumnFloatVector("locator_vector", dim, [][]float32{vecs.locator}),
		column.NewColumnFloatVector("user_task_vector", dim, [][]float32{vecs.userTask}),
		column.NewColumnFloatVector("url_vector", dim, [][]float32{vecs.url}),
		column.NewColumnVarChar("cache_id", []string{cacheID}),
		column.NewColumnVarChar("url_pattern", []string{urlPattern}),
		column.NewColumnVarChar("dom_hash", []string{domHash}),
		column.NewColumnVarChar("goal", []string{truncate(goal, goalMax)}),
		column.NewColumnVarChar("locator_info", []string{truncate(locatorInfo, locatorInfoMax)}),
		column.NewColumnVarChar("user_task", []string{truncate(userTask, userTaskMax)}),
		column.NewColumnVarChar("code", []string{truncate(code, codeStoreMax)}),
		column.NewColumnVarChar("created_at", []string{nowStr}),
		column.NewColumnVarChar("last_used_at", []string{nowStr}),
		column.NewColumnInt64("success_count", []int64{1}),
		column.NewColumnInt64("fail_count", []int64{0}),
	)
	if err != nil {
		logging.CacheWarn("[CodeCache] background save failed: %v", err)
		return
	}
	logging.Cache("[CodeCache] background save done: %s (url=%s)", cacheID, urlPattern)
}

// isDuplicate re-searches with the prepared query vectors and reports
// whether an existing entry already covers this program.
func (m *CodeCacheManager) isDuplicate(ctx context.Context, vecs *codeQueryVectors) bool {
	raw, err := m.gateway.HybridSearch(ctx, m.tag, m.spec.Name,
		m.annQueries(vecs, 1), m.weights, codeCacheDefaultWeights, 1, []string{"cache_id"})
	if err != nil {
		logging.CacheWarn("[CodeCache] duplicate check error: %v", err)
		return false
	}
	for _, h := range raw {
		if score := SquashScore(h.Score); score >= m.duplicateThreshold {
			logging.Cache("[CodeCache] similar entry exists (score=%.4f >= %.2f), skipping save", score, m.duplicateThreshold)
			return true
		}
	}
	return false
}

// RecordFailure audits a cached program that failed after retrieval.
func (m *CodeCacheManager) RecordFailure(cacheID, reason string) {
	m.base.RecordFailure(cacheID, "code_cache", reason)
}

// MarkUsed records a consumption of a cache entry. Entries are immutable
// once written, so usage is tracked in the log only.
func (m *CodeCacheManager) MarkUsed(cacheID string, success bool) {
	outcome := "success"
	if !success {
		outcome = "fail"
	}
	logging.Cache("[CodeCache] recording %s for %s", outcome, cacheID)
}

// looksLikeNavigation reports whether code is a trivial open-a-page
// snippet: short, a navigate call, and at most three meaningful lines.
// Those are cheaper to regenerate than to retrieve.
func looksLikeNavigation(code string) bool {
	if len(code) > navigationCodeMax {
		return false
	}
	lower := strings.ToLower(code)
	if !strings.Contains(lower, "navigate(") && !strings.Contains(lower, "tab.get(") {
		return false
	}
	meaningful := 0
	for _, line := range strings.Split(code, "\n") {
		t := strings.ToLower(strings.TrimSpace(line))
		if t == "" || strings.HasPrefix(t, "print") || strings.HasPrefix(t, "fmt.print") {
			continue
		}
		meaningful++
	}
	return meaningful <= 3
}
