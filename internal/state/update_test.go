package state

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListOpContract(t *testing.T) {
	prev := []string{"a", "b"}

	t.Run("nil op leaves field alone", func(t *testing.T) {
		var op *ListOp[string]
		assert.Equal(t, prev, op.Apply(prev))
	})

	t.Run("clear empties", func(t *testing.T) {
		assert.Empty(t, Clear[string]().Apply(prev))
	})

	t.Run("append extends", func(t *testing.T) {
		got := Append("c").Apply(prev)
		assert.Equal(t, []string{"a", "b", "c"}, got)
	})

	t.Run("replace swaps", func(t *testing.T) {
		got := Replace([]string{"x"}).Apply(prev)
		assert.Equal(t, []string{"x"}, got)
	})

	t.Run("append does not alias prev", func(t *testing.T) {
		base := make([]string, 2, 8)
		copy(base, []string{"a", "b"})
		first := Append("c").Apply(base)
		second := Append("d").Apply(base)
		assert.Equal(t, []string{"a", "b", "c"}, first)
		assert.Equal(t, []string{"a", "b", "d"}, second)
	})
}

func TestApplyScalars(t *testing.T) {
	s := AgentState{UserTask: "old", LoopCount: 3}

	got := Apply(s, Update{
		UserTask:   Str("new"),
		Plan:       Str("click the button"),
		LoopCount:  Int(4),
		CodeSource: Source(CodeSourceCache),
		IsComplete: Bool(true),
	})

	assert.Equal(t, "new", got.UserTask)
	assert.Equal(t, "click the button", got.Plan)
	assert.Equal(t, 4, got.LoopCount)
	assert.Equal(t, CodeSourceCache, got.CodeSource)
	assert.True(t, got.IsComplete)

	// untouched fields keep their values
	assert.Equal(t, "old", s.UserTask)
	assert.Equal(t, 3, s.LoopCount)
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	s := AgentState{
		FinishedSteps: []string{"step one"},
		Verification:  &VerificationResult{IsSuccess: true, Summary: "ok"},
	}
	before := s

	got := Apply(s, Update{
		FinishedSteps: Append("step two"),
		Verification:  &VerificationResult{IsSuccess: false, Summary: "bad"},
	})

	require.Len(t, got.FinishedSteps, 2)
	assert.True(t, s.Verification.IsSuccess, "input verification must not change")
	if diff := cmp.Diff(before, s); diff != "" {
		t.Errorf("input state mutated (-before +after):\n%s", diff)
	}
}

func TestApplyVerificationClear(t *testing.T) {
	s := AgentState{Verification: &VerificationResult{IsSuccess: true}}
	got := Apply(s, Update{ClearVerification: true})
	assert.Nil(t, got.Verification)
}

func TestFreshTaskReset(t *testing.T) {
	s := AgentState{
		UserTask:             "scrape siteA",
		CurrentURL:           "https://sitea.example/list",
		Plan:                 "old plan",
		GeneratedCode:        "navigate(...)",
		ExecutionLog:         "ran fine",
		DOMSkeleton:          "<skeleton>",
		DOMHash:              "abcd1234",
		LocatorSuggestions:   []StrategyEntry{{PageContext: "list"}},
		FinishedSteps:        []string{"opened siteA"},
		Reflections:          []string{"lesson"},
		Verification:         &VerificationResult{IsSuccess: true},
		CoderRetryCount:      2,
		CodeSource:           CodeSourceLLM,
		CacheFailedThisRound: true,
		CacheHitID:           "hit-1",
		ObserverSource:       "dom_cache",
		DOMCacheHitID:        "dom-1",
		StepFailCount:        1,
		LoopCount:            7,
	}

	got := Apply(s, FreshTaskReset())

	// per-task accumulations gone
	assert.Empty(t, got.LocatorSuggestions)
	assert.Empty(t, got.FinishedSteps)
	assert.Empty(t, got.Reflections)
	assert.Empty(t, got.GeneratedCode)
	assert.Empty(t, got.ExecutionLog)
	assert.Nil(t, got.Verification)
	assert.Empty(t, got.DOMSkeleton)
	assert.Empty(t, got.DOMHash)

	// counters and breaker reset
	assert.Equal(t, 0, got.CoderRetryCount)
	assert.Equal(t, 0, got.StepFailCount)
	assert.Equal(t, CodeSourceNone, got.CodeSource)
	assert.False(t, got.CacheFailedThisRound)
	assert.Empty(t, got.CacheHitID)
	assert.Empty(t, got.ObserverSource)
	assert.Empty(t, got.DOMCacheHitID)
	assert.Equal(t, ErrorNone, got.ErrorType)

	assert.Equal(t, 1, got.LoopCount)
	assert.False(t, got.IsComplete)

	// task identity and current page survive
	assert.Equal(t, "scrape siteA", got.UserTask)
	assert.Equal(t, "https://sitea.example/list", got.CurrentURL)
}

func TestLastVerificationFailed(t *testing.T) {
	assert.False(t, AgentState{}.LastVerificationFailed())
	assert.False(t, AgentState{Verification: &VerificationResult{IsSuccess: true}}.LastVerificationFailed())
	assert.True(t, AgentState{Verification: &VerificationResult{IsSuccess: false}}.LastVerificationFailed())
}
