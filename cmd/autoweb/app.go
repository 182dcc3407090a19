package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/1122414/AutoWeb/internal/agent"
	"github.com/1122414/AutoWeb/internal/browser"
	"github.com/1122414/AutoWeb/internal/cache"
	"github.com/1122414/AutoWeb/internal/config"
	"github.com/1122414/AutoWeb/internal/embedding"
	"github.com/1122414/AutoWeb/internal/graph"
	"github.com/1122414/AutoWeb/internal/knowledge"
	"github.com/1122414/AutoWeb/internal/llm"
	"github.com/1122414/AutoWeb/internal/logging"
	"github.com/1122414/AutoWeb/internal/state"
	"github.com/1122414/AutoWeb/internal/supervisor"
	"github.com/1122414/AutoWeb/internal/toolbox"
	"github.com/1122414/AutoWeb/internal/vecstore"
)

const (
	// flushTimeout bounds write-behind drains at shutdown.
	flushTimeout = 10 * time.Second
)

// app holds every wired component for one process. Vector-backed pieces
// (caches, KB) may be nil when the vector store is unreachable; the
// agent then runs without them rather than refusing to start.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	store  *vecstore.Store
	models *llm.Factory

	codeCache *cache.CodeCacheManager
	domCache  *cache.DOMCacheManager
	failures  *logging.Appender

	registry knowledge.Registry
	writer   *knowledge.Writer
	qa       *knowledge.QAService

	browser *browser.Manager
	kit     *toolbox.Kit
	runner  *toolbox.GoRunner
}

// newApp wires the component stack bottom-up: logging, models, vector
// store, caches, knowledge base, browser, toolbox. The browser launches
// lazily on first use, so subcommands that never touch a page pay
// nothing for it.
func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	if err := logging.Initialize(cfg.Logging.Dir, cfg.Logging.DebugMode); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.SetCodeLogDir(cfg.Logging.Dir)

	a := &app{cfg: cfg, log: log}
	a.models = llm.NewFactory(cfg)

	embedder, err := embedding.NewEngine(embedding.Config{
		Provider: cfg.Embedding.Type,
		Model:    cfg.Embedding.ModelName,
		APIKey:   cfg.Embedding.APIKey,
		BaseURL:  cfg.Embedding.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding engine: %w", err)
	}

	a.registry, err = knowledge.NewRegistry(cfg.Registry)
	if err != nil {
		log.Warn("field registry unavailable", zap.Error(err))
		logging.KnowledgeWarn("Field registry unavailable: %v", err)
		a.registry = nil
	}

	// A down vector store disables the caches and the KB but not the
	// agent loop itself; every probe site tolerates the nil managers.
	store, err := vecstore.NewStore(ctx, cfg.Milvus.URI)
	if err != nil {
		log.Warn("vector store unreachable; caches and knowledge base disabled",
			zap.String("uri", cfg.Milvus.URI), zap.Error(err))
		logging.VectorWarn("Vector store unreachable at %s: %v", cfg.Milvus.URI, err)
	} else {
		a.store = store
		a.failures = logging.NewAppender(filepath.Join(cfg.Output.Dir, "cache_failures.jsonl"))
		a.codeCache = cache.NewCodeCache(store, embedder, cfg.CodeCache, a.failures)
		a.domCache = cache.NewDOMCache(store, embedder, cfg.DOMCache, a.failures)
		a.writer = knowledge.NewWriter(store, embedder, a.registry, cfg.Knowledge)

		var reranker *knowledge.Reranker
		if cfg.Knowledge.RerankerBaseURL != "" {
			reranker = knowledge.NewReranker(cfg.Knowledge.RerankerBaseURL, cfg.Knowledge.RerankerModel)
		}
		a.qa = knowledge.NewQAService(store, embedder, a.models.Default(), a.registry, reranker, cfg.Knowledge)
	}

	bcfg := browser.DefaultConfig()
	bcfg.Headless = cfg.Browser.Headless
	if cfg.Browser.UserDataDir != "" {
		bcfg.UserDataDir = cfg.Browser.UserDataDir
	}
	a.browser = browser.NewManager(bcfg)

	a.kit = toolbox.NewKit(cfg.Output.Dir)
	a.runner = toolbox.NewGoRunner(a.kit)
	return a, nil
}

// answerer exposes the QA service behind the nil interface the agent
// and supervisor check against; a typed nil pointer must not leak.
func (a *app) answerer() agent.Answerer {
	if a.qa == nil {
		return nil
	}
	return a.qa
}

// buildEngine assembles the node graph over this app's components.
func (a *app) buildEngine(opts graph.Options) (*supervisor.Engine, error) {
	deps := agent.Deps{
		Models:    a.models,
		Session:   agent.NewSession(a.browser),
		Runner:    a.runner,
		Kit:       a.kit,
		Keywords:  a.cfg.Keywords,
		OutputDir: a.cfg.Output.Dir,
	}
	// Typed nils must not reach the interface fields; the nodes check
	// against the nil interface.
	if a.codeCache != nil {
		deps.CodeCache = a.codeCache
	}
	if a.domCache != nil {
		deps.DOMCache = a.domCache
	}
	if a.writer != nil {
		deps.KB = a.writer
	}
	if a.qa != nil {
		deps.QA = a.qa
	}

	saver, err := a.checkpointer()
	if err != nil {
		return nil, err
	}
	return agent.New(deps).Build(saver, opts)
}

func (a *app) checkpointer() (graph.Checkpointer[state.AgentState], error) {
	if a.cfg.Checkpoint.Backend == "sqlite" {
		saver, err := graph.NewSQLiteSaver[state.AgentState](a.cfg.Checkpoint.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		return saver, nil
	}
	return graph.NewMemorySaver[state.AgentState](), nil
}

// Close drains the write-behind workers with a bounded wait, then tears
// down the browser and the store connection. Order matters: writers
// first so their final inserts still have a live gateway.
func (a *app) Close() {
	if a.writer != nil {
		a.writer.Close(flushTimeout)
	}
	if a.codeCache != nil {
		a.codeCache.Close(flushTimeout)
	}
	if a.domCache != nil {
		a.domCache.Close(flushTimeout)
	}
	if c, ok := a.registry.(io.Closer); ok && c != nil {
		_ = c.Close()
	}
	if a.browser != nil {
		if err := a.browser.Shutdown(); err != nil {
			logging.BrowserWarn("Browser shutdown: %v", err)
		}
	}
	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.store.Close(ctx)
		cancel()
	}
	if a.failures != nil {
		_ = a.failures.Close()
	}
	logging.Close()
}

// historyPath keeps REPL history next to the other local state files.
func historyPath() string {
	return filepath.Join("data", "autoweb_history")
}
