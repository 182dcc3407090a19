package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/1122414/AutoWeb/internal/logging"
)

// Reranker scores retrieved documents against the question with a
// cross-encoder served over HTTP (TEI, vLLM and compatible servers all
// speak this request shape). QA degrades to fusion order when reranking
// is unconfigured or fails, so it is never on the critical path.
type Reranker struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewReranker returns nil when no base URL is configured; callers treat
// a nil reranker as "keep retrieval order".
func NewReranker(baseURL, model string) *Reranker {
	if baseURL == "" {
		return nil
	}
	endpoint := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(endpoint, "/rerank") {
		endpoint += "/rerank"
	}
	return &Reranker{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

// Rerank returns document positions ordered by relevance, best first,
// at most topN of them.
func (r *Reranker) Rerank(ctx context.Context, query string, docs []string, topN int) ([]int, error) {
	if len(docs) == 0 || topN <= 0 {
		return nil, nil
	}

	payload, err := json.Marshal(rerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: docs,
		TopN:      topN,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var parsed rerankResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	results := parsed.Results[:0]
	for _, res := range parsed.Results {
		if res.Index >= 0 && res.Index < len(docs) {
			results = append(results, res)
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RelevanceScore > results[j].RelevanceScore
	})
	if len(results) > topN {
		results = results[:topN]
	}

	order := make([]int, 0, len(results))
	for _, res := range results {
		order = append(order, res.Index)
	}
	logging.QA("reranked %d docs in %dms, kept %d", len(docs), time.Since(start).Milliseconds(), len(order))
	return order, nil
}
