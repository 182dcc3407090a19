package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1122414/AutoWeb/internal/graph"
	"github.com/1122414/AutoWeb/internal/state"
)

func TestHandleErrorRetriesFromObserver(t *testing.T) {
	planner := &fakeClient{replies: []string{"Status: RETRY\nStrategy: re-observe and pick a different locator"}}
	a := plannerAgent(planner)

	s := state.AgentState{
		ErrorMsg:    "locator error: element not found",
		ErrorType:   state.ErrorLocator,
		Reflections: []string{"Locator error: element not found; the page needs re-analysis"},
	}
	u, cmd, err := a.handleError(context.Background(), s, graphConfig())
	require.NoError(t, err)
	assert.Equal(t, NodeObserver, cmd.Goto)

	require.NotNil(t, u.ErrorMsg)
	assert.Equal(t, "", *u.ErrorMsg, "message is consumed")
	assert.Nil(t, u.ErrorType, "type stays set so the observer forces re-analysis")
	assert.Nil(t, u.IsComplete)

	prompt := planner.lastPrompt()
	assert.Contains(t, prompt, "element not found")
	assert.Contains(t, prompt, "needs re-analysis", "last reflection reaches the recovery prompt")
}

func TestHandleErrorTerminates(t *testing.T) {
	planner := &fakeClient{replies: []string{"Status: TERMINATE\nStrategy: the site is unreachable"}}
	a := plannerAgent(planner)

	s := state.AgentState{ErrorMsg: "syntax error after 3 retries: undefined:", ErrorType: state.ErrorSyntax}
	u, cmd, err := a.handleError(context.Background(), s, graphConfig())
	require.NoError(t, err)
	assert.Equal(t, graph.End, cmd.Goto, "terminate stops the run")
	require.NotNil(t, u.IsComplete)
	assert.True(t, *u.IsComplete)
	require.NotNil(t, u.ErrorMsg)
	assert.Equal(t, "", *u.ErrorMsg)
}

func TestHandleErrorWithoutReflectionUsesPlaceholder(t *testing.T) {
	planner := &fakeClient{replies: []string{"Status: RETRY\nStrategy: try again"}}
	a := plannerAgent(planner)

	_, _, err := a.handleError(context.Background(), state.AgentState{ErrorMsg: "boom"}, graphConfig())
	require.NoError(t, err)
	assert.Contains(t, planner.lastPrompt(), "None", "missing reflection becomes an explicit placeholder")
}
