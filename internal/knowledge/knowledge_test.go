package knowledge

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/milvus-io/milvus/client/v2/column"

	"github.com/1122414/AutoWeb/internal/config"
	"github.com/1122414/AutoWeb/internal/vecstore"
)

// Shared fakes for the knowledge package tests. The gateway fake records
// every call and pops canned results in FIFO order, so tests can assert
// both what was asked of the store and how its answers were used.

type fakeEmbedder struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls++
	return deriveVector(text), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 4 }
func (f *fakeEmbedder) Name() string    { return "fake" }

func (f *fakeEmbedder) embedCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// deriveVector maps text to a deterministic non-zero 4-dim vector.
func deriveVector(text string) []float32 {
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()
	vec := make([]float32, 4)
	for i := range vec {
		seed = seed*1664525 + 1013904223
		vec[i] = float32(seed%1000)/1000.0 + 0.001
	}
	return vec
}

type insertCall struct {
	collection string
	cols       []column.Column
}

type searchCall struct {
	collection string
	field      string
	filter     string
	limit      int
	fields     []string
}

type queryCall struct {
	collection string
	filter     string
	fields     []string
	limit      int
}

type fakeGateway struct {
	mu sync.Mutex

	ensures  []string
	inserts  []insertCall
	searches []searchCall
	queries  []queryCall

	searchResults [][]vecstore.Hit
	queryResults  [][]vecstore.Hit

	ensureErr error
	insertErr error
	searchErr error
	queryErr  error
}

func (g *fakeGateway) EnsureCollection(_ context.Context, tag string, _ vecstore.CollectionSpec, _ int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ensureErr != nil {
		return g.ensureErr
	}
	g.ensures = append(g.ensures, tag)
	return nil
}

func (g *fakeGateway) InsertColumns(_ context.Context, _, collection string, cols ...column.Column) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.insertErr != nil {
		return g.insertErr
	}
	g.inserts = append(g.inserts, insertCall{collection: collection, cols: cols})
	return nil
}

func (g *fakeGateway) Search(_ context.Context, _, collection, field string, _ []float32, limit int, filter string, outputFields []string) ([]vecstore.Hit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.searchErr != nil {
		return nil, g.searchErr
	}
	g.searches = append(g.searches, searchCall{
		collection: collection, field: field, filter: filter, limit: limit, fields: outputFields,
	})
	if len(g.searchResults) == 0 {
		return nil, nil
	}
	hits := g.searchResults[0]
	g.searchResults = g.searchResults[1:]
	return hits, nil
}

func (g *fakeGateway) Query(_ context.Context, _, collection, filter string, outputFields []string, limit int) ([]vecstore.Hit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	g.queries = append(g.queries, queryCall{
		collection: collection, filter: filter, fields: outputFields, limit: limit,
	})
	if len(g.queryResults) == 0 {
		return nil, nil
	}
	hits := g.queryResults[0]
	g.queryResults = g.queryResults[1:]
	return hits, nil
}

func (g *fakeGateway) ensureCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.ensures...)
}

func (g *fakeGateway) insertCalls() []insertCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]insertCall(nil), g.inserts...)
}

func (g *fakeGateway) searchCalls() []searchCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]searchCall(nil), g.searches...)
}

func (g *fakeGateway) queryCalls() []queryCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]queryCall(nil), g.queries...)
}

type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
	err       error
}

func (f *fakeLLM) Complete(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.prompts = append(f.prompts, prompt)
	if len(f.responses) == 0 {
		return "", nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeLLM) CompleteWithSystem(ctx context.Context, _, userPrompt string) (string, error) {
	return f.Complete(ctx, userPrompt)
}

func (f *fakeLLM) sentPrompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

type fakeRegistry struct {
	mu         sync.Mutex
	registered []map[string]interface{}
	fields     map[string]FieldInfo
	err        error
}

func (r *fakeRegistry) Register(_ context.Context, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	copied := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	r.registered = append(r.registered, copied)
	return nil
}

func (r *fakeRegistry) DynamicFields(context.Context) (map[string]FieldInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	out := make(map[string]FieldInfo, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	return out, nil
}

func (r *fakeRegistry) registerCalls() []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]interface{}(nil), r.registered...)
}

func configRegistry(backend, path, redisURL string) config.RegistryConfig {
	return config.RegistryConfig{Backend: backend, Path: path, RedisURL: redisURL}
}

// textHit builds a store row with a text body and extra fields.
func textHit(text string, extra map[string]interface{}) vecstore.Hit {
	fields := map[string]interface{}{"text": text}
	for k, v := range extra {
		fields[k] = v
	}
	return vecstore.Hit{ID: 1, Score: 0.9, Fields: fields}
}
