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

// handleError asks the recovery model whether the run should retry or
// die. Retry routes back to the Observer with the message cleared; the
// error type stays set so the Observer forces a re-analysis before
// clearing it itself.
func (a *Agent) handleError(ctx context.Context, s state.AgentState, cfg graph.Config) (state.Update, graph.Command, error) {
	logging.Graph("[ErrorHandler] %s (%s)", s.ErrorMsg, s.ErrorType)

	lastReflection := ""
	if len(s.Reflections) > 0 {
		lastReflection = s.Reflections[len(s.Reflections)-1]
	}

	client := a.model("planner")
	if client == nil {
		return state.Update{}, graph.Command{}, errors.New("recovery model not configured")
	}
	content, err := client.Complete(ctx, errorRecoveryPrompt(s.ErrorMsg, lastReflection))
	if err != nil {
		return state.Update{}, graph.Command{}, fmt.Errorf("recovery call: %w", err)
	}

	if strings.Contains(content, "Status: TERMINATE") {
		logging.Graph("[ErrorHandler] unrecoverable; terminating the run")
		return state.Update{
			ErrorMsg:   state.Str(""),
			IsComplete: state.Bool(true),
		}, graph.Stop(), nil
	}
	logging.Graph("[ErrorHandler] retrying from a fresh observation")
	return state.Update{ErrorMsg: state.Str("")}, graph.Goto(NodeObserver), nil
}
