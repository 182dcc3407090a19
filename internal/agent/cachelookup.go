package agent

import (
	"context"
	"strings"

	"github.com/1122414/AutoWeb/internal/cache"
	"github.com/1122414/AutoWeb/internal/graph"
	"github.com/1122414/AutoWeb/internal/logging"
	"github.com/1122414/AutoWeb/internal/state"
)

// lookupCache tries to satisfy the planned step from the verified-code
// cache before spending a Coder call. Parameters that differ between the
// cached task and the current one are rewritten into the code.
func (a *Agent) lookupCache(ctx context.Context, s state.AgentState, cfg graph.Config) (state.Update, graph.Command, error) {
	toCoder := state.Update{CodeSource: state.Source(state.CodeSourceLLM)}

	if s.CacheFailedThisRound {
		logging.Cache("[CacheLookup] breaker tripped this round; going straight to the coder")
		return toCoder, graph.Goto(NodeCoder), nil
	}
	if !a.codeCacheEnabled() {
		return toCoder, graph.Goto(NodeCoder), nil
	}
	if blankPage(s.CurrentURL) {
		logging.CacheDebug("[CacheLookup] blank page; nothing to match against")
		return toCoder, graph.Goto(NodeCoder), nil
	}

	hits := a.deps.CodeCache.Search(ctx, s.UserTask, s.Plan, s.CurrentURL, locatorSummary(s.LocatorSuggestions))
	if len(hits) == 0 {
		return toCoder, graph.Goto(NodeCoder), nil
	}

	best := hits[0]
	code := best.Code
	if best.UserTask != "" && best.UserTask != s.UserTask {
		if diffs := cache.DiffTaskParams(best.UserTask, s.UserTask); len(diffs) > 0 {
			var n int
			code, n = cache.ApplyParamDiffs(code, diffs)
			logging.Cache("[CacheLookup] rewrote %d parameter(s) from the cached task", n)
		}
	}
	logging.Cache("[CacheLookup] hit %s (score %.4f, %d prior successes)", best.ID, best.Score, best.SuccessCount)
	return state.Update{
		GeneratedCode: state.Str(code),
		CodeSource:    state.Source(state.CodeSourceCache),
		CacheHitID:    state.Str(best.ID),
	}, graph.Goto(NodeExecutor), nil
}

// cacheFailureUpdate audits a failed cache hit and arms the per-round
// breaker so lookupCache skips retrieval until the Observer resets it.
// Callers layer their own fields (execution log, verification) on top.
func (a *Agent) cacheFailureUpdate(s state.AgentState, reason string) state.Update {
	if s.CacheHitID != "" && a.deps.CodeCache != nil {
		a.deps.CodeCache.RecordFailure(s.CacheHitID, reason)
	}
	return state.Update{
		CacheFailedThisRound: state.Bool(true),
		CacheHitID:           state.Str(""),
		IsComplete:           state.Bool(false),
		Reflections:          state.Append("Cached code failed: " + reason + "; regenerating"),
	}
}

// locatorSummary flattens the accumulated strategies into one line for
// similarity matching.
func locatorSummary(entries []state.StrategyEntry) string {
	var parts []string
	for _, entry := range entries {
		for _, st := range entry.Strategies {
			if st.Locator == "" {
				continue
			}
			if st.CurrentStepReasoning != "" {
				parts = append(parts, st.Locator+" ("+st.CurrentStepReasoning+")")
			} else {
				parts = append(parts, st.Locator)
			}
		}
	}
	return strings.Join(parts, " | ")
}
