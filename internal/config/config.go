package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all AutoWeb configuration.
type Config struct {
	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Embedding provider configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Vector store configuration
	Milvus MilvusConfig `yaml:"milvus"`

	// Generated-code cache
	CodeCache CodeCacheConfig `yaml:"code_cache"`

	// DOM analysis cache
	DOMCache DOMCacheConfig `yaml:"dom_cache"`

	// Knowledge base writer and query service
	Knowledge KnowledgeConfig `yaml:"knowledge"`

	// Dynamic field registry
	Registry RegistryConfig `yaml:"field_registry"`

	// Browser session
	Browser BrowserConfig `yaml:"browser"`

	// Data artifact output
	Output OutputConfig `yaml:"output"`

	// Graph checkpoint persistence
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Keyword lists for continuity detection and RAG routing
	Keywords KeywordsConfig `yaml:"keywords"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the chat model endpoints. The per-node model
// names fall back to ModelName when empty.
type LLMConfig struct {
	ModelName     string `yaml:"model_name"`
	APIKey        string `yaml:"api_key"`
	BaseURL       string `yaml:"base_url"`
	PlannerModel  string `yaml:"planner_model"`
	CoderModel    string `yaml:"coder_model"`
	VerifierModel string `yaml:"verifier_model"`
	ObserverModel string `yaml:"observer_model"`
	Timeout       string `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Type      string `yaml:"type"` // api, ollama, genai
	ModelName string `yaml:"model_name"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
}

// MilvusConfig configures the vector store connection.
type MilvusConfig struct {
	URI string `yaml:"uri"`
}

// CodeCacheWeights holds the hybrid ranker weights for code cache search.
type CodeCacheWeights struct {
	Goal     float64 `yaml:"goal"`
	Locator  float64 `yaml:"locator"`
	UserTask float64 `yaml:"user_task"`
	URL      float64 `yaml:"url"`
}

// CodeCacheConfig configures the generated-code cache.
type CodeCacheConfig struct {
	Enabled            bool             `yaml:"enabled"`
	Collection         string           `yaml:"collection"`
	Threshold          float64          `yaml:"threshold"`
	DuplicateThreshold float64          `yaml:"duplicate_threshold"`
	TopK               int              `yaml:"top_k"`
	Weights            CodeCacheWeights `yaml:"weights"`
}

// DOMCacheWeights holds the hybrid ranker weights for DOM cache search.
type DOMCacheWeights struct {
	URL  float64 `yaml:"url"`
	DOM  float64 `yaml:"dom"`
	Task float64 `yaml:"task"`
}

// DOMCacheConfig configures the DOM analysis cache.
type DOMCacheConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Collection string          `yaml:"collection"`
	Threshold  float64         `yaml:"threshold"`
	TopK       int             `yaml:"top_k"`
	TTLHours   int             `yaml:"ttl_hours"`
	TaskMinSim float64         `yaml:"task_min_sim"`
	Weights    DOMCacheWeights `yaml:"weights"`
}

// KnowledgeConfig configures the knowledge base writer and QA retrieval.
type KnowledgeConfig struct {
	Collection       string `yaml:"collection"`
	BufferSize       int    `yaml:"buffer_size"`
	MaxContentLength int    `yaml:"max_content_length"`
	RerankerBaseURL  string `yaml:"reranker_base_url"`
	RerankerModel    string `yaml:"reranker_model"`
}

// RegistryConfig configures the dynamic field registry backend.
type RegistryConfig struct {
	Backend  string `yaml:"backend"` // json, redis
	Path     string `yaml:"path"`
	RedisURL string `yaml:"redis_url"`
}

// BrowserConfig configures the Chromium session.
type BrowserConfig struct {
	Headless    bool   `yaml:"headless"`
	UserDataDir string `yaml:"user_data_dir"`
}

// OutputConfig configures where extracted data artifacts land.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// CheckpointConfig configures graph state persistence.
type CheckpointConfig struct {
	Backend string `yaml:"backend"` // memory, sqlite
	Path    string `yaml:"path"`
}

// KeywordsConfig holds the keyword lists that drive task continuity
// detection and RAG task routing. All matching is substring based.
type KeywordsConfig struct {
	Continuation []string `yaml:"continuation"`
	RAGStore     []string `yaml:"rag_store"`
	RAGQuery     []string `yaml:"rag_query"`
	RAGGoal      []string `yaml:"rag_goal"`
	RAGDone      []string `yaml:"rag_done"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode bool   `yaml:"debug_mode"`
	Dir       string `yaml:"dir"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			ModelName: "deepseek-chat",
			BaseURL:   "https://api.deepseek.com/v1",
			Timeout:   "60s",
		},

		Embedding: EmbeddingConfig{
			Type:      "api",
			ModelName: "text-embedding-3-small",
		},

		Milvus: MilvusConfig{
			URI: "http://localhost:19530",
		},

		CodeCache: CodeCacheConfig{
			Enabled:            true,
			Collection:         "code_cache",
			Threshold:          0.90,
			DuplicateThreshold: 0.90,
			TopK:               3,
			Weights:            CodeCacheWeights{Goal: 0.6, Locator: 0.2, UserTask: 0.1, URL: 0.1},
		},

		DOMCache: DOMCacheConfig{
			Enabled:    true,
			Collection: "dom_cache",
			Threshold:  0.90,
			TopK:       3,
			TTLHours:   168,
			TaskMinSim: 0.8,
			Weights:    DOMCacheWeights{URL: 0.2, DOM: 0.7, Task: 0.1},
		},

		Knowledge: KnowledgeConfig{
			Collection:       "kb_documents",
			BufferSize:       10,
			MaxContentLength: 5000,
		},

		Registry: RegistryConfig{
			Backend: "json",
			Path:    "data/field_registry.json",
		},

		Browser: BrowserConfig{
			Headless:    false,
			UserDataDir: "data/browser_profile",
		},

		Output: OutputConfig{
			Dir: "output",
		},

		Checkpoint: CheckpointConfig{
			Backend: "memory",
			Path:    "data/checkpoints.db",
		},

		Keywords: KeywordsConfig{
			Continuation: []string{"continue", "go on", "next page", "keep going", "current page", "this page", "same site"},
			// Store/query lists match against plan text, so they must be
			// KB-specific phrases; bare verbs like "save" appear in every
			// file-export step and would misroute the whole turn.
			RAGStore: []string{"store in knowledge base", "store into knowledge base", "save to knowledge base", "save into knowledge base", "ingest into knowledge base", "import into knowledge base", "store in kb", "save to kb"},
			RAGQuery: []string{"ask the knowledge base", "query the knowledge base", "search the knowledge base", "look up in knowledge base", "ask kb", "query kb"},
			RAGGoal:  []string{"knowledge base", "knowledgebase", "kb"},
			RAGDone:  []string{"stored in kb", "knowledge base updated", "kb import complete", "saved to knowledge base", "into vector knowledge base"},
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Dir:       "logs",
		},
	}
}

// Load loads configuration from a YAML file. Missing file falls back to
// defaults. Environment variables override both.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	setString(&c.LLM.ModelName, "MODEL_NAME")
	setString(&c.LLM.APIKey, "API_KEY")
	setString(&c.LLM.BaseURL, "BASE_URL")
	setString(&c.LLM.PlannerModel, "PLANNER_MODEL_NAME")
	setString(&c.LLM.CoderModel, "CODER_MODEL_NAME")
	setString(&c.LLM.VerifierModel, "VERIFIER_MODEL_NAME")
	setString(&c.LLM.ObserverModel, "OBSERVER_MODEL_NAME")

	setString(&c.Embedding.Type, "EMBEDDING_TYPE")
	setString(&c.Embedding.ModelName, "EMBEDDING_MODEL_NAME")
	setString(&c.Embedding.APIKey, "EMBEDDING_API_KEY")
	setString(&c.Embedding.BaseURL, "EMBEDDING_BASE_URL")

	setString(&c.Milvus.URI, "MILVUS_URI")

	setBool(&c.CodeCache.Enabled, "CODE_CACHE_ENABLED")
	setString(&c.CodeCache.Collection, "CODE_CACHE_COLLECTION")
	setFloat(&c.CodeCache.Threshold, "CODE_CACHE_THRESHOLD")
	setFloat(&c.CodeCache.DuplicateThreshold, "CODE_CACHE_DUPLICATE_THRESHOLD")
	setInt(&c.CodeCache.TopK, "CODE_CACHE_TOP_K")
	setFloat(&c.CodeCache.Weights.Goal, "CODE_CACHE_WEIGHT_GOAL")
	setFloat(&c.CodeCache.Weights.Locator, "CODE_CACHE_WEIGHT_LOCATOR")
	setFloat(&c.CodeCache.Weights.UserTask, "CODE_CACHE_WEIGHT_USER_TASK")
	setFloat(&c.CodeCache.Weights.URL, "CODE_CACHE_WEIGHT_URL")

	setBool(&c.DOMCache.Enabled, "DOM_CACHE_ENABLED")
	setString(&c.DOMCache.Collection, "DOM_CACHE_COLLECTION")
	setFloat(&c.DOMCache.Threshold, "DOM_CACHE_THRESHOLD")
	setInt(&c.DOMCache.TopK, "DOM_CACHE_TOP_K")
	setInt(&c.DOMCache.TTLHours, "DOM_CACHE_TTL_HOURS")
	setFloat(&c.DOMCache.TaskMinSim, "DOM_CACHE_TASK_MIN_SIM")
	setFloat(&c.DOMCache.Weights.URL, "DOM_CACHE_WEIGHT_URL")
	setFloat(&c.DOMCache.Weights.DOM, "DOM_CACHE_WEIGHT_DOM")
	setFloat(&c.DOMCache.Weights.Task, "DOM_CACHE_WEIGHT_TASK")

	setString(&c.Knowledge.Collection, "KB_COLLECTION")
	setInt(&c.Knowledge.BufferSize, "KB_BUFFER_SIZE")
	setString(&c.Knowledge.RerankerBaseURL, "RERANKER_BASE_URL")
	setString(&c.Knowledge.RerankerModel, "RERANKER_MODEL_NAME")

	setString(&c.Registry.Backend, "FIELD_REGISTRY_BACKEND")
	setString(&c.Registry.Path, "FIELD_REGISTRY_PATH")
	setString(&c.Registry.RedisURL, "REDIS_URL")

	setBool(&c.Browser.Headless, "HEADLESS_MODE")
	setString(&c.Browser.UserDataDir, "BROWSER_USER_DATA_DIR")

	setString(&c.Output.Dir, "OUTPUT_DIR")

	setString(&c.Checkpoint.Backend, "CHECKPOINT_BACKEND")
	setString(&c.Checkpoint.Path, "CHECKPOINT_PATH")

	setList(&c.Keywords.Continuation, "CONTINUE_KEYWORDS")
	setList(&c.Keywords.RAGStore, "RAG_STORE_KEYWORDS")
	setList(&c.Keywords.RAGQuery, "RAG_QUERY_KEYWORDS")
	setList(&c.Keywords.RAGGoal, "RAG_GOAL_KEYWORDS")
	setList(&c.Keywords.RAGDone, "RAG_DONE_KEYWORDS")

	setBool(&c.Logging.DebugMode, "DEBUG_MODE")
	setString(&c.Logging.Dir, "LOG_DIR")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.ToLower(v)); err == nil {
			*dst = b
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// DOMCacheTTL returns the DOM cache retention horizon as a duration.
func (c *Config) DOMCacheTTL() time.Duration {
	hours := c.DOMCache.TTLHours
	if hours <= 0 {
		hours = 168
	}
	return time.Duration(hours) * time.Hour
}

// ModelFor returns the model name for a node role, falling back to the
// default model when no per-node override is set.
func (c *Config) ModelFor(role string) string {
	var m string
	switch role {
	case "planner":
		m = c.LLM.PlannerModel
	case "coder":
		m = c.LLM.CoderModel
	case "verifier":
		m = c.LLM.VerifierModel
	case "observer":
		m = c.LLM.ObserverModel
	}
	if m == "" {
		m = c.LLM.ModelName
	}
	return m
}

// ValidEmbeddingTypes lists all supported embedding providers.
var ValidEmbeddingTypes = []string{"api", "ollama", "genai"}

// ValidRegistryBackends lists all supported field registry backends.
var ValidRegistryBackends = []string{"json", "redis"}

// ValidCheckpointBackends lists all supported checkpoint backends.
var ValidCheckpointBackends = []string{"memory", "sqlite"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !contains(ValidEmbeddingTypes, c.Embedding.Type) {
		return fmt.Errorf("invalid embedding type: %s (valid: %v)", c.Embedding.Type, ValidEmbeddingTypes)
	}
	if !contains(ValidRegistryBackends, c.Registry.Backend) {
		return fmt.Errorf("invalid field registry backend: %s (valid: %v)", c.Registry.Backend, ValidRegistryBackends)
	}
	if !contains(ValidCheckpointBackends, c.Checkpoint.Backend) {
		return fmt.Errorf("invalid checkpoint backend: %s (valid: %v)", c.Checkpoint.Backend, ValidCheckpointBackends)
	}
	if c.Milvus.URI == "" {
		return fmt.Errorf("milvus uri not configured (set MILVUS_URI)")
	}
	if c.CodeCache.Threshold < 0 || c.CodeCache.Threshold > 1 {
		return fmt.Errorf("code cache threshold %v out of range [0,1]", c.CodeCache.Threshold)
	}
	if c.DOMCache.Threshold < 0 || c.DOMCache.Threshold > 1 {
		return fmt.Errorf("dom cache threshold %v out of range [0,1]", c.DOMCache.Threshold)
	}
	if c.DOMCache.TaskMinSim < 0 || c.DOMCache.TaskMinSim > 1 {
		return fmt.Errorf("dom cache task_min_sim %v out of range [0,1]", c.DOMCache.TaskMinSim)
	}
	if c.DOMCache.TTLHours <= 0 {
		return fmt.Errorf("dom cache ttl_hours must be positive, got %d", c.DOMCache.TTLHours)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
