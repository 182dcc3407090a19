// Package agent implements the node layer of the automation graph: the
// Observer/Planner/CacheLookup/Coder/Executor/Verifier loop plus the RAG
// and ErrorHandler side exits. Each node is a graph.NodeFunc over
// state.AgentState; all collaborators arrive through Deps so the nodes
// stay testable against fakes.
package agent

import (
	"context"
	"strings"
	"time"

	"github.com/1122414/AutoWeb/internal/cache"
	"github.com/1122414/AutoWeb/internal/config"
	"github.com/1122414/AutoWeb/internal/graph"
	"github.com/1122414/AutoWeb/internal/llm"
	"github.com/1122414/AutoWeb/internal/state"
	"github.com/1122414/AutoWeb/internal/toolbox"
)

// Node names as registered on the engine. The supervisor references
// these when routing human decisions at interrupt points.
const (
	NodeObserver     = "Observer"
	NodePlanner      = "Planner"
	NodeCacheLookup  = "CacheLookup"
	NodeCoder        = "Coder"
	NodeExecutor     = "Executor"
	NodeVerifier     = "Verifier"
	NodeRAG          = "RAGNode"
	NodeErrorHandler = "ErrorHandler"
)

const (
	// maxLoops bounds planning rounds per task before the Planner
	// force-terminates the run.
	maxLoops = 10

	// maxCoderRetries bounds the syntax-error micro loop between the
	// Executor and the Coder.
	maxCoderRetries = 3

	// maxStepFailures is how many consecutive failed verifications the
	// Planner tolerates before injecting the force-skip directive.
	maxStepFailures = 2

	// domSkeletonMax caps the skeleton carried in state and fed to
	// prompts. Beyond this the signal-to-token ratio is not worth it.
	domSkeletonMax = 50000

	// cacheWorthyCodeLen is the size floor below which verified code is
	// not worth caching; trivial snippets are cheaper to regenerate.
	cacheWorthyCodeLen = 50

	// settleDelay gives the page a beat to commit an in-flight
	// navigation before the URL is read.
	settleDelay = 300 * time.Millisecond
)

// ModelPool resolves the chat client for a node role. *llm.Factory
// satisfies it.
type ModelPool interface {
	ForRole(role string) llm.Client
}

// CodeCache is the slice of the verified-code cache the nodes use.
type CodeCache interface {
	Enabled() bool
	Search(ctx context.Context, userTask, goal, currentURL, locatorInfo string) []cache.CodeCacheHit
	Save(goal, userTask, locatorInfo, currentURL, domSkeleton, code string) bool
	RecordFailure(cacheID, reason string)
}

// DOMCache is the slice of the DOM-analysis cache the Observer uses.
type DOMCache interface {
	Enabled() bool
	Search(ctx context.Context, userTask, currentURL, domSkeleton string) []cache.DOMCacheHit
	Save(userTask, currentURL, domSkeleton string, suggestions []state.LocatorStrategy) bool
	RecordFailure(cacheID, reason string)
}

// KBWriter ingests crawled rows into the vector knowledge base.
type KBWriter interface {
	Add(ctx context.Context, content interface{}, source string) int
	Flush()
}

// Answerer answers a question from the knowledge base.
type Answerer interface {
	Answer(ctx context.Context, question string) (string, error)
}

// Deps wires every collaborator the nodes call. Production wiring
// passes the concrete managers; tests substitute fakes.
type Deps struct {
	Models    ModelPool
	CodeCache CodeCache
	DOMCache  DOMCache
	KB        KBWriter
	QA        Answerer
	Session   Session
	Runner    toolbox.Runner
	Kit       *toolbox.Kit
	Keywords  config.KeywordsConfig
	OutputDir string
}

// Agent holds the node implementations over a fixed dependency set.
type Agent struct {
	deps Deps
}

// New builds the node layer. Nil dependencies are tolerated; the nodes
// degrade (no cache probes, no KB writes) rather than panic.
func New(deps Deps) *Agent {
	if deps.OutputDir == "" {
		deps.OutputDir = "output"
	}
	return &Agent{deps: deps}
}

// Build registers every node on a fresh engine rooted at the Observer.
func (a *Agent) Build(saver graph.Checkpointer[state.AgentState], opts graph.Options) (*graph.Engine[state.AgentState, state.Update], error) {
	eng := graph.New(state.Apply, saver, opts)
	nodes := map[string]graph.NodeFunc[state.AgentState, state.Update]{
		NodeObserver:     a.observe,
		NodePlanner:      a.plan,
		NodeCacheLookup:  a.lookupCache,
		NodeCoder:        a.generateCode,
		NodeExecutor:     a.execute,
		NodeVerifier:     a.verify,
		NodeRAG:          a.runRAG,
		NodeErrorHandler: a.handleError,
	}
	for name, fn := range nodes {
		if err := eng.AddNode(name, fn); err != nil {
			return nil, err
		}
	}
	if err := eng.SetEntry(NodeObserver); err != nil {
		return nil, err
	}
	return eng, nil
}

// DefaultOptions is the interactive configuration: the run suspends for
// review before code executes and again after each verification.
func DefaultOptions() graph.Options {
	return graph.Options{
		InterruptBefore: []string{NodeExecutor},
		InterruptAfter:  []string{NodeVerifier},
	}
}

// HeadlessOptions runs the graph end to end without human gates.
func HeadlessOptions() graph.Options {
	return graph.Options{}
}

func (a *Agent) codeCacheEnabled() bool {
	return a.deps.CodeCache != nil && a.deps.CodeCache.Enabled()
}

func (a *Agent) domCacheEnabled() bool {
	return a.deps.DOMCache != nil && a.deps.DOMCache.Enabled()
}

func (a *Agent) model(role string) llm.Client {
	if a.deps.Models == nil {
		return nil
	}
	return a.deps.Models.ForRole(role)
}

// blankPage reports whether url is empty or a browser-internal page.
func blankPage(url string) bool {
	return url == "" ||
		strings.HasPrefix(url, "about:") ||
		strings.HasPrefix(url, "data:") ||
		strings.HasPrefix(url, "chrome://")
}

// Search-engine fronts count as initial pages until a query has been
// issued; there is nothing on them worth observing or caching.
var searchEngineHomes = map[string]string{
	"google.com": "/search",
	"bing.com":   "/search",
	"baidu.com":  "/s?",
}

// initialPage extends blankPage with query-less search-engine homes.
func initialPage(url string) bool {
	if blankPage(url) {
		return true
	}
	for host, resultsPath := range searchEngineHomes {
		if strings.Contains(url, host) && !strings.Contains(url, resultsPath) {
			return true
		}
	}
	return false
}

// settle waits the settle delay or until ctx is done.
func settle(ctx context.Context) {
	t := time.NewTimer(settleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// tail returns the last n runes of s.
func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// head returns the first n runes of s.
func head(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// containsAny reports whether the lowercased text contains any of the
// keywords. Matching is case-insensitive on both sides.
func containsAny(text string, keywords []string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" {
			continue
		}
		if strings.Contains(lower, k) {
			return kw, true
		}
	}
	return "", false
}
