package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/1122414/AutoWeb/internal/browser"
	"github.com/1122414/AutoWeb/internal/graph"
	"github.com/1122414/AutoWeb/internal/logging"
	"github.com/1122414/AutoWeb/internal/state"
)

type failureClass int

const (
	failureNone failureClass = iota
	failureSyntax
	failureLocator
	failureCritical
)

// Interpreter diagnostics that mean the generated code never ran as
// written. These send the round back to the Coder.
var syntaxKeywords = []string{
	"syntax error",
	"expected declaration",
	"expected ';'",
	"undefined:",
	"cannot use",
	"declared and not used",
	"imported and not used",
	"invalid operation",
	"mismatched types",
}

// Failures that mean the code was fine but the page disagreed. These
// need a fresh observation, not another blind generation.
var locatorKeywords = []string{
	"element not found",
	"no such element",
	"cannot find element",
	"not interactable",
	"stale",
	"timeout",
	"deadline exceeded",
}

// execute runs the generated code and classifies the outcome for
// routing: cached-code failures invalidate the hit and replan, syntax
// errors loop back to the Coder, locator errors and crashes go to the
// ErrorHandler.
func (a *Agent) execute(ctx context.Context, s state.AgentState, cfg graph.Config) (state.Update, graph.Command, error) {
	if a.deps.Runner == nil {
		return state.Update{}, graph.Command{}, errors.New("script runner not configured")
	}
	logging.Executor("running %d chars of %s code", len(s.GeneratedCode), s.CodeSource)

	if a.deps.Kit != nil {
		a.deps.Kit.SetCurrentURL(s.CurrentURL)
	}

	var raw *browser.Tab
	if a.deps.Session != nil {
		if tab, err := a.deps.Session.Latest(ctx); err == nil {
			raw = tab.Raw()
		} else {
			logging.Executor("no tab available: %v", err)
		}
	}

	res, hostErr := a.deps.Runner.Run(ctx, raw, s.GeneratedCode)
	execLog := ""
	if res != nil {
		execLog = res.Log
	}

	class, keyword := classifyFailure(hostErr, execLog)

	if class != failureNone && s.CodeSource == state.CodeSourceCache {
		logging.Executor("cached code failed (%s); replanning", keyword)
		u := a.cacheFailureUpdate(s, keyword)
		u.ExecutionLog = state.Str(execLog)
		return u, graph.Goto(NodePlanner), nil
	}

	switch class {
	case failureNone:
		logging.Executor("execution clean (%d log chars)", len(execLog))
		return state.Update{
			ExecutionLog:    state.Str(execLog),
			CoderRetryCount: state.Int(0),
			ErrorType:       state.ErrType(state.ErrorNone),
		}, graph.Goto(NodeVerifier), nil

	case failureSyntax:
		if s.CoderRetryCount < maxCoderRetries {
			logging.Executor("syntax error; back to the coder (%d/%d)", s.CoderRetryCount+1, maxCoderRetries)
			return state.Update{
				ExecutionLog:    state.Str(execLog),
				CoderRetryCount: state.Int(s.CoderRetryCount + 1),
				ErrorType:       state.ErrType(state.ErrorSyntax),
				Reflections:     state.Append("Compile error: " + keyword + "; the next attempt must fix it"),
			}, graph.Goto(NodeCoder), nil
		}
		logging.Executor("syntax retries exhausted")
		return state.Update{
			ExecutionLog: state.Str(execLog),
			ErrorMsg:     state.Str(fmt.Sprintf("syntax error after %d retries: %s", maxCoderRetries, keyword)),
			ErrorType:    state.ErrType(state.ErrorSyntax),
		}, graph.Goto(NodeErrorHandler), nil

	case failureLocator:
		logging.Executor("locator error: %s", keyword)
		return state.Update{
			ExecutionLog: state.Str(execLog),
			ErrorMsg:     state.Str("locator error: " + keyword),
			ErrorType:    state.ErrType(state.ErrorLocator),
			Reflections:  state.Append("Locator error: " + keyword + "; the page needs re-analysis"),
		}, graph.Goto(NodeErrorHandler), nil

	default:
		msg := keyword
		if hostErr != nil {
			msg = hostErr.Error()
		}
		logging.ExecutorError("execution crashed: %s", msg)
		return state.Update{
			ExecutionLog: state.Str(execLog),
			ErrorMsg:     state.Str(msg),
			ErrorType:    state.ErrType(state.ErrorCritical),
			Reflections:  state.Append("Execution crashed: " + msg),
		}, graph.Goto(NodeErrorHandler), nil
	}
}

// classifyFailure scans the host error and the execution log against the
// routing keyword lists. A host error that matches neither list is
// critical; a clean log with no host error is a pass.
func classifyFailure(hostErr error, execLog string) (failureClass, string) {
	text := strings.ToLower(execLog)
	if hostErr != nil {
		text = strings.ToLower(hostErr.Error()) + "\n" + text
	}
	for _, kw := range syntaxKeywords {
		if strings.Contains(text, kw) {
			return failureSyntax, kw
		}
	}
	for _, kw := range locatorKeywords {
		if strings.Contains(text, kw) {
			return failureLocator, kw
		}
	}
	if hostErr != nil {
		return failureCritical, hostErr.Error()
	}
	return failureNone, ""
}
