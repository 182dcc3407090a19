package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewEngineRejectsUnknownProvider(t *testing.T) {
	if _, err := NewEngine(Config{Provider: "word2vec"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestNewEngineAPIRequiresKey(t *testing.T) {
	if _, err := NewEngine(Config{Provider: "api"}); err == nil {
		t.Error("expected error for missing API key")
	}
}

func TestAPIEngineEmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req apiEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Input) != 2 {
			t.Errorf("expected 2 inputs, got %d", len(req.Input))
		}
		// Return out of order to exercise index handling.
		resp := map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": []float32{0, 1, 0}, "index": 1},
				{"embedding": []float32{1, 0, 0}, "index": 0},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e, err := NewAPIEngine(srv.URL, "test-key", "test-embed")
	if err != nil {
		t.Fatalf("NewAPIEngine failed: %v", err)
	}

	vecs, err := e.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("index-based ordering broken: %v", vecs)
	}
	if e.Dimensions() != 3 {
		t.Errorf("expected learned dims 3, got %d", e.Dimensions())
	}
	if e.Name() != "api:test-embed" {
		t.Errorf("unexpected name: %s", e.Name())
	}
}

func TestAPIEngineErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "bad key"}}`))
	}))
	defer srv.Close()

	e, _ := NewAPIEngine(srv.URL, "bad", "m")
	if _, err := e.Embed(context.Background(), "x"); err == nil {
		t.Error("expected error for 401 response")
	}
}

func TestOllamaEngineEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req ollamaEmbedRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "bge-m3" {
			t.Errorf("unexpected model: %s", req.Model)
		}
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.1, 0.2}})
	}))
	defer srv.Close()

	e, err := NewOllamaEngine(srv.URL, "")
	if err != nil {
		t.Fatalf("NewOllamaEngine failed: %v", err)
	}

	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 2 {
		t.Errorf("expected 2 dims, got %d", len(vec))
	}
	if e.Dimensions() != 2 {
		t.Errorf("expected learned dims 2, got %d", e.Dimensions())
	}

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(vecs) != 3 {
		t.Errorf("expected 3 vectors, got %d", len(vecs))
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name    string
		a, b    []float32
		want    float64
		wantErr bool
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1.0, false},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0, false},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0, false},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0.0, false},
		{"dim mismatch", []float32{1}, []float32{1, 2}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
