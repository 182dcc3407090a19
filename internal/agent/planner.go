package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/1122414/AutoWeb/internal/graph"
	"github.com/1122414/AutoWeb/internal/llm"
	"github.com/1122414/AutoWeb/internal/logging"
	"github.com/1122414/AutoWeb/internal/state"
)

// plan produces the next step or declares the task done. It owns the
// loop ceiling, task continuity on re-entry, and the knowledge-base
// routing keywords.
func (a *Agent) plan(ctx context.Context, s state.AgentState, cfg graph.Config) (state.Update, graph.Command, error) {
	if s.LoopCount >= maxLoops {
		logging.Planner("loop ceiling reached (%d); forcing termination", maxLoops)
		return state.Update{
			IsComplete:    state.Bool(true),
			FinishedSteps: state.Append(fmt.Sprintf("Stopped: reached the planning ceiling of %d rounds", maxLoops)),
		}, graph.Stop(), nil
	}

	client := a.model("planner")
	if client == nil {
		return state.Update{}, graph.Command{}, errors.New("planner model not configured")
	}

	// First planning round: the prompt depends on where the browser sits.
	if s.LoopCount == 0 {
		if initialPage(s.CurrentURL) {
			return a.planFromStart(ctx, client, s)
		}
		return a.planOnExistingPage(ctx, client, s)
	}
	return a.planNextStep(ctx, client, s)
}

func (a *Agent) planFromStart(ctx context.Context, client llm.Client, s state.AgentState) (state.Update, graph.Command, error) {
	logging.Planner("blank start page; planning the first navigation")
	content, err := client.Complete(ctx, plannerStartPrompt(s.UserTask))
	if err != nil {
		return state.Update{}, graph.Command{}, fmt.Errorf("planner call: %w", err)
	}
	return state.Update{
		Plan:        state.Str(content),
		DOMSkeleton: state.Str("(Start Page - Empty)"),
		LoopCount:   state.Int(s.LoopCount + 1),
		IsComplete:  state.Bool(false),
	}, graph.Goto(NodeCacheLookup), nil
}

// planOnExistingPage handles a task typed while a page is already open:
// either the user is continuing the previous run or starting something
// unrelated that happens to share the browser.
func (a *Agent) planOnExistingPage(ctx context.Context, client llm.Client, s state.AgentState) (state.Update, graph.Command, error) {
	if taskContinues(s.UserTask, s.CurrentURL, a.deps.Keywords.Continuation) {
		logging.Planner("continuation of the previous task; keeping accumulated state")
		content, err := client.Complete(ctx, plannerContinuePrompt(s.UserTask, s.CurrentURL, formatList(s.FinishedSteps, "(no prior steps)")))
		if err != nil {
			return state.Update{}, graph.Command{}, fmt.Errorf("planner call: %w", err)
		}
		return state.Update{
			Plan:       state.Str(content),
			CurrentURL: state.Str(s.CurrentURL),
			LoopCount:  state.Int(s.LoopCount + 1),
			IsComplete: state.Bool(false),
		}, graph.Goto(NodeCacheLookup), nil
	}

	logging.Planner("fresh task on an existing page; clearing previous run state")
	content, err := client.Complete(ctx, plannerContinuePrompt(s.UserTask, s.CurrentURL, "(new task, no prior steps)"))
	if err != nil {
		return state.Update{}, graph.Command{}, fmt.Errorf("planner call: %w", err)
	}
	u := state.FreshTaskReset()
	u.Plan = state.Str(content)
	u.CurrentURL = state.Str(s.CurrentURL)
	return u, graph.Goto(NodeCacheLookup), nil
}

func (a *Agent) planNextStep(ctx context.Context, client llm.Client, s state.AgentState) (state.Update, graph.Command, error) {
	suggestions := "No locator suggestions; analyze the DOM skeleton yourself."
	if len(s.LocatorSuggestions) > 0 {
		if b, err := json.MarshalIndent(s.LocatorSuggestions, "", "  "); err == nil {
			suggestions = string(b)
		}
	}

	reflections := "(none)"
	if len(s.Reflections) > 0 {
		reflections = "Lessons from earlier failures (avoid repeating them):\n- " + strings.Join(s.Reflections, "\n- ")
	}

	lastVerification := "(none)"
	if s.Verification != nil && s.Verification.Summary != "" {
		lastVerification = s.Verification.Summary
	}

	stepFailCount := 0
	if s.LastVerificationFailed() {
		stepFailCount = s.StepFailCount + 1
		logging.Planner("consecutive failures on this step: %d", stepFailCount)
	}

	prompt := plannerStepPrompt(s.UserTask, s.CurrentURL, formatList(s.FinishedSteps, "(none)"), suggestions, reflections, lastVerification)
	if stepFailCount >= maxStepFailures {
		logging.Planner("injecting the force-skip directive after %d failures", stepFailCount)
		prompt += plannerForceSkipPrompt(stepFailCount, lastVerification)
	}

	content, err := client.Complete(ctx, prompt)
	if err != nil {
		return state.Update{}, graph.Command{}, fmt.Errorf("planner call: %w", err)
	}

	// When the model writes the done marker and then talks itself into
	// another plan anyway, the plan wins.
	hasPlan := strings.Contains(content, planMarker)
	hasDone := strings.Contains(content, doneMarker)
	isFinished := hasDone && !hasPlan

	u := state.Update{
		Plan:          state.Str(content),
		LoopCount:     state.Int(s.LoopCount + 1),
		IsComplete:    state.Bool(isFinished),
		StepFailCount: state.Int(stepFailCount),
	}

	if isFinished {
		// A task that asked for knowledge-base storage is not done until
		// a storage step actually ran.
		if kw, wants := containsAny(s.UserTask, a.deps.Keywords.RAGGoal); wants && !ragAlreadyDone(s.FinishedSteps, a.deps.Keywords.RAGDone) {
			logging.Planner("task asks for knowledge-base storage (%q) that never ran; intercepting completion", kw)
			u.IsComplete = state.Bool(false)
			u.RAGTaskType = state.RAGType(state.RAGTaskStoreKB)
			return u, graph.Goto(NodeRAG), nil
		}
		logging.Planner("task complete after %d rounds", s.LoopCount)
		return u, graph.Stop(), nil
	}

	if kw, ok := containsAny(content, a.deps.Keywords.RAGStore); ok {
		logging.Planner("plan requests knowledge-base storage (%q)", kw)
		u.RAGTaskType = state.RAGType(state.RAGTaskStoreKB)
		return u, graph.Goto(NodeRAG), nil
	}
	if kw, ok := containsAny(content, a.deps.Keywords.RAGQuery); ok {
		logging.Planner("plan requests a knowledge-base lookup (%q)", kw)
		u.RAGTaskType = state.RAGType(state.RAGTaskQA)
		return u, graph.Goto(NodeRAG), nil
	}
	return u, graph.Goto(NodeCacheLookup), nil
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// taskContinues decides whether a task typed while a page is open
// continues the previous run. Continuation keywords or a mention of the
// current domain keep state; a URL on a different domain, or no signal
// at all, starts fresh.
func taskContinues(task, currentURL string, continueKeywords []string) bool {
	if _, ok := containsAny(task, continueKeywords); ok {
		return true
	}
	if currentURL == "" {
		return false
	}
	parsed, err := url.Parse(currentURL)
	if err != nil {
		return false
	}
	domain := parsed.Hostname()
	if domain != "" && strings.Contains(task, domain) {
		return true
	}
	for _, raw := range urlPattern.FindAllString(task, -1) {
		if u, err := url.Parse(raw); err == nil {
			if h := u.Hostname(); h != "" && h != domain {
				return false
			}
		}
	}
	return false
}

func ragAlreadyDone(finished []string, doneKeywords []string) bool {
	for _, step := range finished {
		if _, ok := containsAny(step, doneKeywords); ok {
			return true
		}
	}
	return false
}

func formatList(items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	return "- " + strings.Join(items, "\n- ")
}
