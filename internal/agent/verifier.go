package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/1122414/AutoWeb/internal/graph"
	"github.com/1122414/AutoWeb/internal/logging"
	"github.com/1122414/AutoWeb/internal/state"
)

const verifierLogTail = 2000

// fatalLogMarkers sink a step before the model is consulted; any of
// these in the execution log means the step did not do its job.
var fatalLogMarkers = []string{
	"runtime error:",
	"panic:",
	"execution failed",
	"element not found",
	"timeout",
	"critical",
}

// verify judges the executed step. Fatal log markers short-circuit to a
// failure; the verifier model arbitrates everything else from the log
// tail. Verified non-cache code above the size floor is routed to the
// RAG node for cache storage.
func (a *Agent) verify(ctx context.Context, s state.AgentState, cfg graph.Config) (state.Update, graph.Command, error) {
	settle(ctx)
	currentURL := s.CurrentURL
	if a.deps.Session != nil {
		if tab, err := a.deps.Session.Latest(ctx); err == nil {
			currentURL = tab.URL()
		}
	}

	if kw, fatal := containsAny(s.ExecutionLog, fatalLogMarkers); fatal {
		logging.Verifier("fatal marker %q in the execution log", kw)
		if s.CodeSource == state.CodeSourceCache {
			u := a.cacheFailureUpdate(s, kw)
			u.CurrentURL = state.Str(currentURL)
			return u, graph.Goto(NodePlanner), nil
		}
		return state.Update{
			CurrentURL:  state.Str(currentURL),
			IsComplete:  state.Bool(false),
			Reflections: state.Append(fmt.Sprintf("Step failed: %s. Error: %s", head(s.Plan, 200), kw)),
		}, graph.Goto(NodeObserver), nil
	}

	client := a.model("verifier")
	if client == nil {
		return state.Update{}, graph.Command{}, errors.New("verifier model not configured")
	}
	content, err := client.Complete(ctx, verifierCheckPrompt(s.Plan, currentURL, tail(s.ExecutionLog, verifierLogTail)))
	if err != nil {
		return state.Update{}, graph.Command{}, fmt.Errorf("verifier call: %w", err)
	}

	isSuccess := strings.Contains(content, "Status: STEP_SUCCESS")
	summary := verdictSummary(content)
	logging.Verifier("success=%v summary=%s", isSuccess, summary)

	u := state.Update{
		CurrentURL: state.Str(currentURL),
		IsComplete: state.Bool(false),
		Verification: &state.VerificationResult{
			IsSuccess: isSuccess,
			Summary:   summary,
		},
	}

	if isSuccess {
		u.FinishedSteps = state.Append(summary)
		if len(s.GeneratedCode) > cacheWorthyCodeLen && s.CodeSource != state.CodeSourceCache {
			u.RAGTaskType = state.RAGType(state.RAGTaskStoreCode)
			return u, graph.Goto(NodeRAG), nil
		}
		return u, graph.Goto(NodeObserver), nil
	}

	if s.CodeSource == state.CodeSourceCache {
		fail := a.cacheFailureUpdate(s, summary)
		fail.CurrentURL = state.Str(currentURL)
		fail.Verification = u.Verification
		return fail, graph.Goto(NodePlanner), nil
	}
	u.Reflections = state.Append("Step failed: " + summary)
	return u, graph.Goto(NodeObserver), nil
}

// verdictSummary pulls the last Summary line out of the verifier reply.
func verdictSummary(content string) string {
	summary := "Step executed."
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if i := strings.Index(line, "Summary:"); i >= 0 {
			if s := strings.TrimSpace(line[i+len("Summary:"):]); s != "" {
				summary = s
			}
		}
	}
	return summary
}
