package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/1122414/AutoWeb/internal/graph"
	"github.com/1122414/AutoWeb/internal/logging"
	"github.com/1122414/AutoWeb/internal/state"
)

// generateCode turns the current plan and locator strategies into
// runnable statements. Retries after a syntax error re-enter here with
// the retry count already bumped by the Executor.
func (a *Agent) generateCode(ctx context.Context, s state.AgentState, cfg graph.Config) (state.Update, graph.Command, error) {
	client := a.model("coder")
	if client == nil {
		return state.Update{}, graph.Command{}, errors.New("coder model not configured")
	}

	strategies := "no locator strategies available"
	if len(s.LocatorSuggestions) > 0 {
		if b, err := json.MarshalIndent(s.LocatorSuggestions, "", "  "); err == nil {
			strategies = string(b)
		}
	}

	content, err := client.Complete(ctx, coderTaskPrompt(s.Plan, strategies))
	if err != nil {
		return state.Update{}, graph.Command{}, fmt.Errorf("coder call: %w", err)
	}
	code := extractCode(content)
	logging.Coder("generated %d chars (retry %d)", len(code), s.CoderRetryCount)

	return state.Update{
		GeneratedCode: state.Str(code),
		CodeSource:    state.Source(state.CodeSourceLLM),
	}, graph.Goto(NodeExecutor), nil
}

// extractCode strips a fenced block when the model added one despite
// the output-purity rule.
func extractCode(content string) string {
	if i := strings.Index(content, "```go"); i >= 0 {
		rest := content[i+len("```go"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
		return strings.TrimSpace(rest)
	}
	if i := strings.Index(content, "```"); i >= 0 {
		rest := content[i+3:]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(content)
}
