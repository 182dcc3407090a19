package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/1122414/AutoWeb/internal/config"
	"github.com/1122414/AutoWeb/internal/embedding"
	"github.com/1122414/AutoWeb/internal/llm"
	"github.com/1122414/AutoWeb/internal/logging"
	"github.com/1122414/AutoWeb/internal/vecstore"
)

const (
	qaTag = "KnowledgeQA"

	// sortScanLimit caps how many rows the sort path pulls into memory.
	sortScanLimit = 500

	// sparseCorpusLimit caps the rows pulled to build the per-query
	// BM25 index.
	sparseCorpusLimit = 3000

	// rrfConstant dampens the influence of top ranks during fusion.
	rrfConstant = 60
)

// rrfWeights balance the dense and sparse legs during fusion.
var rrfWeights = []float64{0.5, 0.5}

// QueryAnalysis is the retrieval plan derived from a question.
type QueryAnalysis struct {
	FilterExpr  string
	SearchQuery string
	SortField   string
	SortOrder   string
}

// QAService answers questions over the knowledge base. Questions take
// one of two paths: explicit ranking questions scan and sort rows
// directly; everything else runs hybrid dense+BM25 retrieval with rank
// fusion and optional cross-encoder reranking before generation.
type QAService struct {
	gateway    Gateway
	embedder   embedding.Engine
	llm        llm.Client
	registry   Registry
	reranker   *Reranker
	collection string
	spec       vecstore.CollectionSpec

	mu    sync.Mutex
	ready bool
}

func NewQAService(gateway Gateway, embedder embedding.Engine, client llm.Client, registry Registry, reranker *Reranker, cfg config.KnowledgeConfig) *QAService {
	return &QAService{
		gateway:    gateway,
		embedder:   embedder,
		llm:        client,
		registry:   registry,
		reranker:   reranker,
		collection: cfg.Collection,
		spec:       kbCollectionSpec(cfg.Collection),
	}
}

// Answer runs the full QA pipeline for one question.
func (qa *QAService) Answer(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", fmt.Errorf("empty question")
	}
	logging.QA("question: %s", question)

	analysis := qa.Analyze(ctx, question)
	if analysis.SortField != "" {
		return qa.answerBySort(ctx, question, analysis)
	}
	return qa.answerBySemantic(ctx, question, analysis)
}

// Analyze asks the LLM for a retrieval plan. Failures degrade to a plain
// semantic search over the full question rather than erroring out.
func (qa *QAService) Analyze(ctx context.Context, question string) QueryAnalysis {
	fallback := QueryAnalysis{SearchQuery: question}

	fields := FormatFieldsForPrompt(ctx, qa.registry)
	raw, err := qa.llm.Complete(ctx, buildAnalyzerPrompt(fields, question))
	if err != nil {
		logging.QA("query analysis failed: %v", err)
		return fallback
	}
	doc, err := llm.SalvageJSON(raw)
	if err != nil {
		logging.QA("query analysis returned no JSON: %v", err)
		return fallback
	}

	var parsed struct {
		FilterExpr  string `json:"filter_expr"`
		Expr        string `json:"expr"`
		SearchQuery string `json:"search_query"`
		SortField   string `json:"sort_field"`
		SortOrder   string `json:"sort_order"`
	}
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		logging.QA("query analysis unparseable: %v", err)
		return fallback
	}

	analysis := QueryAnalysis{
		FilterExpr:  strings.TrimSpace(parsed.FilterExpr),
		SearchQuery: strings.TrimSpace(parsed.SearchQuery),
		SortField:   strings.TrimSpace(parsed.SortField),
		SortOrder:   strings.ToLower(strings.TrimSpace(parsed.SortOrder)),
	}
	if analysis.FilterExpr == "" {
		analysis.FilterExpr = strings.TrimSpace(parsed.Expr)
	}
	if analysis.SearchQuery == "" {
		analysis.SearchQuery = question
	}
	if analysis.SortField != "" && analysis.SortOrder != "asc" {
		analysis.SortOrder = "desc"
	}
	logging.QA("analysis filter=%q query=%q sort=%s/%s",
		analysis.FilterExpr, analysis.SearchQuery, analysis.SortField, analysis.SortOrder)
	return analysis
}

var (
	topNPattern  = regexp.MustCompile(`(?i)(?:前|top)\s*(\d+)`)
	cnTopPattern = regexp.MustCompile(`前([一二两三四五六七八九十]+)`)
)

var globalKeywords = []string{"全部", "所有", "列表", "清单", "总结", "分析", "all", "summary", "list"}

// retrievalK sizes the result set by question shape: explicit "top N"
// requests get 2N (floor 15), sweeping questions get 15, the rest 10.
func retrievalK(question string) int {
	if m := topNPattern.FindStringSubmatch(question); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return max(n*2, 15)
		}
	}
	if m := cnTopPattern.FindStringSubmatch(question); m != nil {
		if n := cnNumToInt(m[1]); n > 0 {
			return max(n*2, 15)
		}
	}
	lower := strings.ToLower(question)
	for _, kw := range globalKeywords {
		if strings.Contains(lower, kw) {
			return 15
		}
	}
	return 10
}

var cnDigits = map[rune]int{
	'一': 1, '二': 2, '两': 2, '三': 3, '四': 4,
	'五': 5, '六': 6, '七': 7, '八': 8, '九': 9,
}

// cnNumToInt reads Chinese numerals from 一 through 九十九.
func cnNumToInt(cn string) int {
	result := 0
	for _, ch := range cn {
		if ch == '十' {
			if result == 0 {
				result = 1
			}
			result *= 10
		} else if d, ok := cnDigits[ch]; ok {
			result += d
		}
	}
	return result
}

// qaDoc is one retrieved snippet plus its visible metadata.
type qaDoc struct {
	Text string
	Meta map[string]interface{}
}

// ---------------------------------------------------------------------------
// Sort path
// ---------------------------------------------------------------------------

func (qa *QAService) answerBySort(ctx context.Context, question string, analysis QueryAnalysis) (string, error) {
	logging.QA("sort path: field=%s order=%s", analysis.SortField, analysis.SortOrder)

	if err := qa.ensureReady(ctx); err != nil {
		return "", err
	}

	outputFields := append([]string{"text"}, FixedFields...)
	if !containsString(outputFields, analysis.SortField) {
		outputFields = append(outputFields, analysis.SortField)
	}

	hits, err := qa.gateway.Query(ctx, qaTag, qa.collection, "pk >= 0", outputFields, sortScanLimit)
	if err != nil {
		return "", fmt.Errorf("sort scan: %w", err)
	}
	if len(hits) == 0 {
		return "The knowledge base is empty; there is nothing to sort.", nil
	}

	sortHitsByField(hits, analysis.SortField, analysis.SortOrder == "desc")

	k := retrievalK(question)
	if len(hits) > k {
		hits = hits[:k]
	}

	docs := make([]qaDoc, 0, len(hits))
	for _, hit := range hits {
		text := stringify(normalizeFieldValue(hit.Fields["text"]))
		if text == "" {
			continue
		}
		meta := make(map[string]interface{}, len(FixedFields)+1)
		for _, f := range FixedFields {
			meta[f] = normalizeFieldValue(hit.Fields[f])
		}
		meta[analysis.SortField] = normalizeFieldValue(hit.Fields[analysis.SortField])
		docs = append(docs, qaDoc{Text: text, Meta: meta})
	}
	if len(docs) == 0 {
		return "No usable rows found to sort.", nil
	}

	return qa.generateAnswer(ctx, question, docs)
}

// sortHitsByField orders hits by a field value: numbers by value, then
// strings lexically, rows without the field always last.
func sortHitsByField(hits []vecstore.Hit, field string, desc bool) {
	const (
		kindNumber = iota
		kindString
		kindMissing
	)
	type key struct {
		kind int
		num  float64
		str  string
	}
	keys := make([]key, len(hits))
	for i, hit := range hits {
		raw := normalizeFieldValue(hit.Fields[field])
		s := stringify(raw)
		switch {
		case raw == nil || s == "":
			keys[i] = key{kind: kindMissing}
		default:
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				keys[i] = key{kind: kindNumber, num: f}
			} else {
				keys[i] = key{kind: kindString, str: s}
			}
		}
	}

	idx := make([]int, len(hits))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ka, kb := keys[idx[a]], keys[idx[b]]
		if ka.kind != kb.kind {
			return ka.kind < kb.kind
		}
		switch ka.kind {
		case kindNumber:
			if desc {
				return ka.num > kb.num
			}
			return ka.num < kb.num
		case kindString:
			if desc {
				return ka.str > kb.str
			}
			return ka.str < kb.str
		default:
			return false
		}
	})

	reordered := make([]vecstore.Hit, len(hits))
	for i, j := range idx {
		reordered[i] = hits[j]
	}
	copy(hits, reordered)
}

// ---------------------------------------------------------------------------
// Semantic path
// ---------------------------------------------------------------------------

func (qa *QAService) answerBySemantic(ctx context.Context, question string, analysis QueryAnalysis) (string, error) {
	targetK := retrievalK(question)
	recallK := targetK * 3
	logging.QA("semantic path: query=%q targetK=%d recallK=%d", analysis.SearchQuery, targetK, recallK)

	if err := qa.ensureReady(ctx); err != nil {
		return "", err
	}

	dense := qa.denseSearch(ctx, analysis.SearchQuery, recallK, analysis.FilterExpr)
	sparse := qa.sparseSearch(ctx, analysis.SearchQuery, recallK)

	fused := fuseRRF([][]qaDoc{dense, sparse}, rrfWeights)
	if len(fused) == 0 {
		return "No relevant information found in the knowledge base.", nil
	}

	unique := dedupeDocs(fused)
	logging.QA("retrieved %d unique docs (dense=%d, sparse=%d)", len(unique), len(dense), len(sparse))

	final := unique
	if len(final) > targetK {
		final = final[:targetK]
	}
	if qa.reranker != nil {
		texts := make([]string, len(unique))
		for i := range unique {
			texts[i] = unique[i].Text
		}
		order, err := qa.reranker.Rerank(ctx, question, texts, targetK)
		if err != nil {
			logging.QA("rerank failed, keeping fusion order: %v", err)
		} else if len(order) > 0 {
			reranked := make([]qaDoc, 0, len(order))
			for _, i := range order {
				reranked = append(reranked, unique[i])
			}
			final = reranked
		}
	}

	return qa.generateAnswer(ctx, question, final)
}

// denseSearch runs vector retrieval. A non-empty filter that matches
// nothing is retried unfiltered: a hallucinated filter must not hide
// real data.
func (qa *QAService) denseSearch(ctx context.Context, query string, k int, filter string) []qaDoc {
	vector, err := qa.embedder.Embed(ctx, query)
	if err != nil {
		logging.QA("dense search skipped, embedding failed: %v", err)
		return nil
	}

	outputFields := append(append([]string{"text"}, FixedFields...), "$meta")
	hits, err := qa.gateway.Search(ctx, qaTag, qa.collection, "vector", vector, k, filter, outputFields)
	if err != nil {
		logging.QA("dense search failed: %v", err)
		return nil
	}
	if len(hits) == 0 && filter != "" {
		logging.QA("filter %q matched nothing, retrying unfiltered", filter)
		hits, err = qa.gateway.Search(ctx, qaTag, qa.collection, "vector", vector, k, "", outputFields)
		if err != nil {
			logging.QA("unfiltered dense search failed: %v", err)
			return nil
		}
	}
	return docsFromHits(hits)
}

// sparseSearch builds a BM25 index over a bounded pull of stored rows
// and scores the query against it.
func (qa *QAService) sparseSearch(ctx context.Context, query string, k int) []qaDoc {
	outputFields := append([]string{"text"}, FixedFields...)
	hits, err := qa.gateway.Query(ctx, qaTag, qa.collection, "pk >= 0", outputFields, sparseCorpusLimit)
	if err != nil {
		logging.QA("sparse corpus pull failed: %v", err)
		return nil
	}
	docs := docsFromHits(hits)
	if len(docs) == 0 {
		return nil
	}

	texts := make([]string, len(docs))
	for i := range docs {
		texts[i] = docs[i].Text
	}
	ranked := newBM25Index(texts).search(query, k)

	out := make([]qaDoc, 0, len(ranked))
	for _, i := range ranked {
		out = append(out, docs[i])
	}
	return out
}

// fuseRRF merges ranked lists with weighted reciprocal rank fusion,
// keyed on snippet text.
func fuseRRF(lists [][]qaDoc, weights []float64) []qaDoc {
	type fusedDoc struct {
		doc   qaDoc
		score float64
		seq   int
	}
	scores := make(map[string]*fusedDoc)
	seq := 0

	for li, list := range lists {
		weight := 0.0
		if li < len(weights) {
			weight = weights[li]
		}
		for rank, doc := range list {
			f, ok := scores[doc.Text]
			if !ok {
				f = &fusedDoc{doc: doc, seq: seq}
				seq++
				scores[doc.Text] = f
			}
			f.score += weight * (1.0 / float64(rank+rrfConstant))
		}
	}

	fused := make([]*fusedDoc, 0, len(scores))
	for _, f := range scores {
		fused = append(fused, f)
	}
	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		return fused[i].seq < fused[j].seq
	})

	out := make([]qaDoc, 0, len(fused))
	for _, f := range fused {
		out = append(out, f.doc)
	}
	return out
}

// dedupeFingerprintLen bounds the prefix used to spot near-duplicate
// snippets from overlapping crawls.
const dedupeFingerprintLen = 100

func dedupeDocs(docs []qaDoc) []qaDoc {
	seen := make(map[string]bool, len(docs))
	out := make([]qaDoc, 0, len(docs))
	for _, doc := range docs {
		fp := doc.Text
		if runes := []rune(fp); len(runes) > dedupeFingerprintLen {
			fp = string(runes[:dedupeFingerprintLen])
		}
		if seen[fp] {
			continue
		}
		seen[fp] = true
		out = append(out, doc)
	}
	return out
}

// ---------------------------------------------------------------------------
// Generation
// ---------------------------------------------------------------------------

func (qa *QAService) generateAnswer(ctx context.Context, question string, docs []qaDoc) (string, error) {
	logging.QA("generating answer from %d docs", len(docs))
	answer, err := qa.llm.Complete(ctx, buildAnswerPrompt(formatDocs(docs), question))
	if err != nil {
		return "", fmt.Errorf("answer generation: %w", err)
	}
	return answer, nil
}

// formatDocs renders snippets with their meaningful metadata for the
// answer prompt.
func formatDocs(docs []qaDoc) string {
	parts := make([]string, 0, len(docs))
	for i, doc := range docs {
		text := fmt.Sprintf("[Snippet %d] %s", i+1, doc.Text)

		keys := make([]string, 0, len(doc.Meta))
		for k := range doc.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		metaParts := make([]string, 0, len(keys))
		for _, k := range keys {
			if k == "text" || k == "pk" || k == "vector" {
				continue
			}
			v := stringify(doc.Meta[k])
			if strings.TrimSpace(v) == "" {
				continue
			}
			metaParts = append(metaParts, k+": "+v)
		}
		if len(metaParts) > 0 {
			text += "\n  Metadata: " + strings.Join(metaParts, ", ")
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n")
}

// ---------------------------------------------------------------------------
// Shared plumbing
// ---------------------------------------------------------------------------

func (qa *QAService) ensureReady(ctx context.Context) error {
	qa.mu.Lock()
	defer qa.mu.Unlock()
	if qa.ready {
		return nil
	}
	vec, err := qa.embedder.Embed(ctx, qaTag+"_dim_probe")
	if err != nil {
		return fmt.Errorf("%s dim probe: %w", qaTag, err)
	}
	if len(vec) == 0 {
		return fmt.Errorf("%s dim probe returned an empty vector", qaTag)
	}
	if err := qa.gateway.EnsureCollection(ctx, qaTag, qa.spec, len(vec)); err != nil {
		return err
	}
	qa.ready = true
	return nil
}

// docsFromHits converts store rows into QA docs, splicing dynamic JSON
// fields into the metadata map.
func docsFromHits(hits []vecstore.Hit) []qaDoc {
	docs := make([]qaDoc, 0, len(hits))
	for _, hit := range hits {
		text := stringify(normalizeFieldValue(hit.Fields["text"]))
		if text == "" {
			continue
		}
		meta := make(map[string]interface{}, len(hit.Fields))
		for k, v := range hit.Fields {
			if k == "text" || k == "pk" || k == "vector" {
				continue
			}
			if k == "$meta" {
				if extra, ok := normalizeFieldValue(v).(map[string]interface{}); ok {
					for ek, ev := range extra {
						meta[ek] = ev
					}
				}
				continue
			}
			meta[k] = normalizeFieldValue(v)
		}
		docs = append(docs, qaDoc{Text: text, Meta: meta})
	}
	return docs
}

// normalizeFieldValue unwraps dynamic-field values, which arrive from
// the store as raw JSON bytes.
func normalizeFieldValue(v interface{}) interface{} {
	raw, ok := v.([]byte)
	if !ok {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
