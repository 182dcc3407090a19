package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/1122414/AutoWeb/internal/graph"
	"github.com/1122414/AutoWeb/internal/logging"
	"github.com/1122414/AutoWeb/internal/state"
	"github.com/1122414/AutoWeb/internal/toolbox"
)

// runRAG dispatches the knowledge-base task recorded in state by the
// upstream node. The routing context travels in state because a goto
// carries no arguments. Whatever happens, the outcome lands in the
// finished steps and the round returns to the Observer.
func (a *Agent) runRAG(ctx context.Context, s state.AgentState, cfg graph.Config) (state.Update, graph.Command, error) {
	logging.Knowledge("[RAGNode] task type: %s", s.RAGTaskType)

	var summary string
	var err error
	switch s.RAGTaskType {
	case state.RAGTaskStoreKB:
		summary, err = a.storeArtifacts(ctx, s)
	case state.RAGTaskStoreCode:
		summary = a.storeVerifiedCode(s)
	case state.RAGTaskQA:
		summary, err = a.answerFromKB(ctx, s)
	default:
		summary = fmt.Sprintf("unknown RAG task type: %s", s.RAGTaskType)
		logging.KnowledgeWarn("%s", summary)
	}
	if err != nil {
		summary = fmt.Sprintf("RAG task failed: %v", err)
		logging.KnowledgeWarn("%s", summary)
	}
	logging.Knowledge("[RAGNode] %s", head(summary, 120))

	return state.Update{
		RAGTaskType:   state.RAGType(state.RAGTaskNone),
		FinishedSteps: state.Append(summary),
	}, graph.Goto(NodeObserver), nil
}

// storeArtifacts loads the newest output artifact and ships its rows to
// the knowledge base. The success summary deliberately names the vector
// knowledge base so the Planner's completion interceptor recognizes the
// storage as done.
func (a *Agent) storeArtifacts(ctx context.Context, s state.AgentState) (string, error) {
	if a.deps.KB == nil {
		return "", errors.New("knowledge base writer not configured")
	}
	path, err := toolbox.NewestArtifact(a.deps.OutputDir)
	if err != nil {
		if errors.Is(err, toolbox.ErrNoArtifacts) {
			return fmt.Sprintf("no data files under %s; nothing to store", a.deps.OutputDir), nil
		}
		return "", err
	}
	rows, err := toolbox.LoadRows(path)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return fmt.Sprintf("%s contains no rows; nothing to store", filepath.Base(path)), nil
	}

	source := s.CurrentURL
	if source == "" {
		source = "auto_crawl"
	}
	n := a.deps.KB.Add(ctx, rows, source)
	a.deps.KB.Flush()
	return fmt.Sprintf("Stored %d rows from %s into vector knowledge base", n, filepath.Base(path)), nil
}

// storeVerifiedCode submits the just-verified program to the code cache.
func (a *Agent) storeVerifiedCode(s state.AgentState) string {
	if !a.codeCacheEnabled() {
		return "Code not cached: cache disabled"
	}
	if s.CodeSource == state.CodeSourceCache {
		return "Code not cached: cached code ran; not re-stored"
	}
	if len(s.GeneratedCode) < cacheWorthyCodeLen {
		return "Code not cached: too short to be worth keeping"
	}
	if a.deps.CodeCache.Save(s.Plan, s.UserTask, locatorSummary(s.LocatorSuggestions), s.CurrentURL, s.DOMSkeleton, s.GeneratedCode) {
		return "Code submitted to cache storage"
	}
	return "Code not cached: rejected as pure navigation"
}

// answerFromKB extracts the question from the plan and asks the QA
// pipeline.
func (a *Agent) answerFromKB(ctx context.Context, s state.AgentState) (string, error) {
	if a.deps.QA == nil {
		return "", errors.New("qa service not configured")
	}
	question := extractQuestion(s.Plan)
	logging.QA("[RAGNode] question: %s", question)
	answer, err := a.deps.QA.Answer(ctx, question)
	if err != nil {
		return "", err
	}
	return "Knowledge base answered: " + head(answer, 200), nil
}

// extractQuestion strips the plan marker and step numbering so only the
// natural question remains.
func extractQuestion(plan string) string {
	q := strings.TrimSpace(strings.ReplaceAll(plan, planMarker, ""))
	for _, line := range strings.Split(q, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return strings.TrimSpace(strings.TrimPrefix(line, "1."))
	}
	return q
}
