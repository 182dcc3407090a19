package llm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/1122414/AutoWeb/internal/config"
	"github.com/1122414/AutoWeb/internal/logging"
)

// Factory hands out chat clients per node role. Clients are cached by
// model and endpoint so roles sharing a model share one rate limiter.
type Factory struct {
	cfg *config.Config

	mu    sync.Mutex
	cache map[string]Client
}

// NewFactory creates a client factory backed by cfg.
func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		cfg:   cfg,
		cache: make(map[string]Client),
	}
}

// ForRole returns the client for a node role (planner, coder, verifier,
// observer). Roles without an override share the default model client.
func (f *Factory) ForRole(role string) Client {
	model := f.cfg.ModelFor(role)
	return f.forModel(model)
}

// Default returns the client for the default model.
func (f *Factory) Default() Client {
	return f.forModel(f.cfg.LLM.ModelName)
}

func (f *Factory) forModel(model string) Client {
	key := fmt.Sprintf("%s|%s", model, f.cfg.LLM.BaseURL)

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.cache[key]; ok {
		return c
	}

	c := f.build(model)
	f.cache[key] = c
	return c
}

// build selects the provider for a model. Gemini models without an
// OpenAI-compatible gateway in front of them go through the GenAI SDK;
// everything else speaks chat/completions.
func (f *Factory) build(model string) Client {
	if strings.HasPrefix(model, "gemini") && !isOpenAICompatible(f.cfg.LLM.BaseURL) {
		c, err := NewGenAIClient(f.cfg.LLM.APIKey, model)
		if err == nil {
			return c
		}
		logging.LLM("GenAI client unavailable for %s (%v), using chat/completions", model, err)
	}
	return NewOpenAIClient(ClientConfig{
		APIKey:  f.cfg.LLM.APIKey,
		BaseURL: f.cfg.LLM.BaseURL,
		Model:   model,
		Timeout: f.cfg.GetLLMTimeout(),
	})
}

// isOpenAICompatible reports whether base points at a chat/completions
// gateway rather than the native Gemini endpoint.
func isOpenAICompatible(base string) bool {
	if base == "" {
		return false
	}
	return !strings.Contains(base, "generativelanguage.googleapis.com")
}
