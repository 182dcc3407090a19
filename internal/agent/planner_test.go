package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1122414/AutoWeb/internal/graph"
	"github.com/1122414/AutoWeb/internal/state"
)

func plannerAgent(planner *fakeClient) *Agent {
	return New(Deps{
		Models:   &fakeModels{clients: map[string]*fakeClient{"planner": planner}},
		Keywords: keywordDefaults(),
	})
}

func TestPlanLoopCeiling(t *testing.T) {
	a := plannerAgent(&fakeClient{})

	u, cmd, err := a.plan(context.Background(), state.AgentState{LoopCount: maxLoops}, graphConfig())
	require.NoError(t, err)
	assert.Equal(t, graph.End, cmd.Goto, "ceiling stops the run")
	require.NotNil(t, u.IsComplete)
	assert.True(t, *u.IsComplete)
	require.NotNil(t, u.FinishedSteps)
	assert.Contains(t, u.FinishedSteps.Items[0], "planning ceiling")
}

func TestPlanInitialNavigation(t *testing.T) {
	planner := &fakeClient{replies: []string{planMarker + "\n1. Open https://movie.example.com/top"}}
	a := plannerAgent(planner)

	s := state.AgentState{UserTask: "scrape the top movies", LoopCount: 0, CurrentURL: "about:blank"}
	u, cmd, err := a.plan(context.Background(), s, graphConfig())
	require.NoError(t, err)
	assert.Equal(t, NodeCacheLookup, cmd.Goto)
	assert.Contains(t, planner.lastPrompt(), "blank initial page")

	require.NotNil(t, u.Plan)
	assert.Contains(t, *u.Plan, "Open https://movie.example.com/top")
	require.NotNil(t, u.DOMSkeleton)
	assert.Equal(t, "(Start Page - Empty)", *u.DOMSkeleton)
	require.NotNil(t, u.LoopCount)
	assert.Equal(t, 1, *u.LoopCount)
}

func TestPlanContinuationKeepsState(t *testing.T) {
	planner := &fakeClient{replies: []string{planMarker + "\n1. Click the next page control"}}
	a := plannerAgent(planner)

	s := state.AgentState{
		UserTask:      "continue with the next page",
		LoopCount:     0,
		CurrentURL:    "https://movie.example.com/top?page=1",
		FinishedSteps: []string{"Collected page 1"},
	}
	u, cmd, err := a.plan(context.Background(), s, graphConfig())
	require.NoError(t, err)
	assert.Equal(t, NodeCacheLookup, cmd.Goto)
	assert.Nil(t, u.FinishedSteps, "continuation must not touch accumulated steps")
	assert.Nil(t, u.LocatorSuggestions)
	require.NotNil(t, u.LoopCount)
	assert.Equal(t, 1, *u.LoopCount)
	assert.Contains(t, planner.lastPrompt(), "Collected page 1")
}

func TestPlanFreshTaskResetsState(t *testing.T) {
	planner := &fakeClient{replies: []string{planMarker + "\n1. Open https://news.example.org"}}
	a := plannerAgent(planner)

	s := state.AgentState{
		UserTask:      "collect headlines from https://news.example.org",
		LoopCount:     0,
		CurrentURL:    "https://movie.example.com/top?page=1",
		FinishedSteps: []string{"Collected page 1"},
		Reflections:   []string{"old lesson"},
	}
	u, cmd, err := a.plan(context.Background(), s, graphConfig())
	require.NoError(t, err)
	assert.Equal(t, NodeCacheLookup, cmd.Goto)

	require.NotNil(t, u.FinishedSteps)
	assert.Equal(t, state.ListClear, u.FinishedSteps.Kind, "fresh task clears history")
	require.NotNil(t, u.Reflections)
	assert.Equal(t, state.ListClear, u.Reflections.Kind)
	require.NotNil(t, u.LoopCount)
	assert.Equal(t, 1, *u.LoopCount)
	require.NotNil(t, u.CurrentURL)
	assert.Equal(t, s.CurrentURL, *u.CurrentURL, "the page itself stays")
}

func TestPlanStepProducesNextStep(t *testing.T) {
	planner := &fakeClient{replies: []string{planMarker + "\n1. Loop over the listing pages and save the rows"}}
	a := plannerAgent(planner)

	s := state.AgentState{
		UserTask:   "scrape the movies",
		LoopCount:  2,
		CurrentURL: "https://movie.example.com/top",
		LocatorSuggestions: []state.StrategyEntry{{
			URL:        "https://movie.example.com/top",
			Strategies: []state.LocatorStrategy{{Locator: ".movie-item", TargetType: "list"}},
		}},
	}
	u, cmd, err := a.plan(context.Background(), s, graphConfig())
	require.NoError(t, err)
	assert.Equal(t, NodeCacheLookup, cmd.Goto)
	require.NotNil(t, u.IsComplete)
	assert.False(t, *u.IsComplete)
	require.NotNil(t, u.LoopCount)
	assert.Equal(t, 3, *u.LoopCount)
	require.NotNil(t, u.StepFailCount)
	assert.Equal(t, 0, *u.StepFailCount)

	prompt := planner.lastPrompt()
	assert.Contains(t, prompt, ".movie-item", "suggestions are serialized into the prompt")
	assert.NotContains(t, prompt, "OVERRIDE", "no force-skip without repeated failures")
}

func TestPlanStepDoneMarkerStops(t *testing.T) {
	planner := &fakeClient{replies: []string{doneMarker + " All rows are saved."}}
	a := plannerAgent(planner)

	s := state.AgentState{UserTask: "scrape the movies", LoopCount: 4, CurrentURL: "https://movie.example.com/top"}
	u, cmd, err := a.plan(context.Background(), s, graphConfig())
	require.NoError(t, err)
	assert.Equal(t, graph.End, cmd.Goto)
	require.NotNil(t, u.IsComplete)
	assert.True(t, *u.IsComplete)
}

func TestPlanBothMarkersPreferThePlan(t *testing.T) {
	planner := &fakeClient{replies: []string{doneMarker + " nearly, but:\n" + planMarker + "\n1. Save the remaining rows"}}
	a := plannerAgent(planner)

	s := state.AgentState{UserTask: "scrape", LoopCount: 3, CurrentURL: "https://movie.example.com/top"}
	u, cmd, err := a.plan(context.Background(), s, graphConfig())
	require.NoError(t, err)
	assert.Equal(t, NodeCacheLookup, cmd.Goto)
	require.NotNil(t, u.IsComplete)
	assert.False(t, *u.IsComplete)
}

func TestPlanInterceptsUnfinishedKBGoal(t *testing.T) {
	planner := &fakeClient{replies: []string{doneMarker + " Everything scraped."}}
	a := plannerAgent(planner)

	s := state.AgentState{
		UserTask:      "scrape the movies and store them in the knowledge base",
		LoopCount:     5,
		CurrentURL:    "https://movie.example.com/top",
		FinishedSteps: []string{"Saved 25 rows to output/movies.json"},
	}
	u, cmd, err := a.plan(context.Background(), s, graphConfig())
	require.NoError(t, err)
	assert.Equal(t, NodeRAG, cmd.Goto, "completion is intercepted until storage ran")
	require.NotNil(t, u.IsComplete)
	assert.False(t, *u.IsComplete)
	require.NotNil(t, u.RAGTaskType)
	assert.Equal(t, state.RAGTaskStoreKB, *u.RAGTaskType)
}

func TestPlanAcceptsCompletedKBGoal(t *testing.T) {
	planner := &fakeClient{replies: []string{doneMarker + " Everything stored."}}
	a := plannerAgent(planner)

	s := state.AgentState{
		UserTask:      "scrape the movies and store them in the knowledge base",
		LoopCount:     6,
		CurrentURL:    "https://movie.example.com/top",
		FinishedSteps: []string{"Stored 25 rows from movies.json into vector knowledge base"},
	}
	u, cmd, err := a.plan(context.Background(), s, graphConfig())
	require.NoError(t, err)
	assert.Equal(t, graph.End, cmd.Goto)
	require.NotNil(t, u.IsComplete)
	assert.True(t, *u.IsComplete)
}

func TestPlanRoutesStorePlanToRAG(t *testing.T) {
	planner := &fakeClient{replies: []string{planMarker + "\n1. Store in knowledge base: the rows saved at output/movies.json"}}
	a := plannerAgent(planner)

	s := state.AgentState{UserTask: "scrape and archive", LoopCount: 3, CurrentURL: "https://movie.example.com/top"}
	u, cmd, err := a.plan(context.Background(), s, graphConfig())
	require.NoError(t, err)
	assert.Equal(t, NodeRAG, cmd.Goto)
	require.NotNil(t, u.RAGTaskType)
	assert.Equal(t, state.RAGTaskStoreKB, *u.RAGTaskType)
}

func TestPlanRoutesQAPlanToRAG(t *testing.T) {
	planner := &fakeClient{replies: []string{planMarker + "\n1. Ask the knowledge base which movie scored highest"}}
	a := plannerAgent(planner)

	s := state.AgentState{UserTask: "answer from collected data", LoopCount: 3, CurrentURL: "https://movie.example.com/top"}
	u, cmd, err := a.plan(context.Background(), s, graphConfig())
	require.NoError(t, err)
	assert.Equal(t, NodeRAG, cmd.Goto)
	require.NotNil(t, u.RAGTaskType)
	assert.Equal(t, state.RAGTaskQA, *u.RAGTaskType)
}

func TestPlanForceSkipAfterRepeatedFailures(t *testing.T) {
	planner := &fakeClient{replies: []string{planMarker + "\n1. Reach the listing through the sitemap instead"}}
	a := plannerAgent(planner)

	s := state.AgentState{
		UserTask:      "scrape the movies",
		LoopCount:     4,
		CurrentURL:    "https://movie.example.com/top",
		StepFailCount: 1,
		Verification:  &state.VerificationResult{IsSuccess: false, Summary: "click changed nothing"},
	}
	u, _, err := a.plan(context.Background(), s, graphConfig())
	require.NoError(t, err)
	assert.Contains(t, planner.lastPrompt(), "OVERRIDE: this step has now failed 2 times")
	require.NotNil(t, u.StepFailCount)
	assert.Equal(t, 2, *u.StepFailCount)
}

func TestTaskContinues(t *testing.T) {
	keywords := keywordDefaults().Continuation
	cases := []struct {
		name string
		task string
		url  string
		want bool
	}{
		{"continuation keyword", "keep going with the next page", "https://movie.example.com/top", true},
		{"mentions current domain", "also grab ratings on movie.example.com", "https://movie.example.com/top", true},
		{"url to another domain", "scrape https://news.example.org/latest", "https://movie.example.com/top", false},
		{"unrelated task", "collect today's weather", "https://movie.example.com/top", false},
		{"no current url", "continue", "", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, taskContinues(c.task, c.url, keywords))
		})
	}
}
