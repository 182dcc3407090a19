// Package embedding provides vector embedding generation for cache and
// knowledge-base search. Supports OpenAI-compatible HTTP endpoints,
// local Ollama, and Google GenAI backends.
package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/1122414/AutoWeb/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings, or 0 when it
	// is not yet known (probe with Embed first)
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "api", "ollama" or "genai"
	Provider string `json:"provider"`

	// Model name for the chosen provider
	Model string `json:"model"`

	// API key (api and genai providers)
	APIKey string `json:"api_key"`

	// Base URL (api provider endpoint or ollama server)
	BaseURL string `json:"base_url"`
}

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg Config) (Engine, error) {
	logging.Embedding("Creating embedding engine with provider=%s model=%s", cfg.Provider, cfg.Model)

	switch cfg.Provider {
	case "api":
		return NewAPIEngine(cfg.BaseURL, cfg.APIKey, cfg.Model)
	case "ollama":
		return NewOllamaEngine(cfg.BaseURL, cfg.Model)
	case "genai":
		return NewGenAIEngine(cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'api', 'ollama' or 'genai')", cfg.Provider)
	}
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i]) * float64(b[i])
		aMagnitude += float64(a[i]) * float64(a[i])
		bMagnitude += float64(b[i]) * float64(b[i])
	}

	if aMagnitude == 0 || bMagnitude == 0 {
		return 0, nil
	}

	return dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude)), nil
}
