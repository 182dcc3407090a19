package agent

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/1122414/AutoWeb/internal/cache"
	"github.com/1122414/AutoWeb/internal/graph"
	"github.com/1122414/AutoWeb/internal/llm"
	"github.com/1122414/AutoWeb/internal/logging"
	"github.com/1122414/AutoWeb/internal/state"
)

// observe captures the page skeleton, decides whether it needs fresh
// analysis, and attaches locator strategies for the Planner. Every round
// passes through here, so it also resets the per-round cache flags.
func (a *Agent) observe(ctx context.Context, s state.AgentState, cfg graph.Config) (state.Update, graph.Command, error) {
	base := state.Update{
		CacheFailedThisRound: state.Bool(false),
		ObserverSource:       state.Str(""),
		DOMCacheHitID:        state.Str(""),
	}

	if a.deps.Session == nil {
		logging.Observer("no browser session; skipping observation")
		return base, graph.Goto(NodePlanner), nil
	}

	settle(ctx)
	tab, err := a.deps.Session.Latest(ctx)
	if err != nil {
		logging.Observer("tab unavailable: %v", err)
		base.DOMSkeleton = state.Str(fmt.Sprintf("DOM capture failed: %v", err))
		return base, graph.Goto(NodePlanner), nil
	}
	currentURL := tab.URL()

	// Nothing worth observing on a blank or pre-query page; the
	// Planner's start branch handles the first navigation.
	if s.LoopCount == 0 && initialPage(currentURL) {
		logging.Observer("initial page (%s); skipping analysis", currentURL)
		base.CurrentURL = state.Str(currentURL)
		return base, graph.Goto(NodePlanner), nil
	}

	skeleton, err := tab.Skeleton(ctx)
	if err != nil {
		logging.Observer("capture failed: %v", err)
		base.DOMSkeleton = state.Str(fmt.Sprintf("DOM capture failed: %v", err))
		base.CurrentURL = state.Str(currentURL)
		return base, graph.Goto(NodePlanner), nil
	}

	domHash := skeletonHash(skeleton)
	dom := head(skeleton, domSkeletonMax)

	hasFailure := len(s.Reflections) > 0 || s.ErrorType != state.ErrorNone

	// A DOM-cache hit that preceded this failure gets audited before the
	// hit bookkeeping is overwritten for the new round.
	if hasFailure && s.ObserverSource == "dom_cache" && s.DOMCacheHitID != "" && a.domCacheEnabled() {
		a.deps.DOMCache.RecordFailure(s.DOMCacheHitID, "step failed after dom cache hit")
	}

	shouldAnalyze := domHash != s.DOMHash || hasFailure

	var entry *state.StrategyEntry
	var hitID string
	source := "observer"

	if shouldAnalyze {
		if hasFailure && domHash == s.DOMHash {
			logging.Observer("failure recorded; re-analyzing an unchanged page")
		}

		var hit *cache.DOMCacheHit
		if !hasFailure && a.domCacheEnabled() {
			if hits := a.deps.DOMCache.Search(ctx, s.UserTask, currentURL, dom); len(hits) > 0 {
				hit = &hits[0]
			}
		}

		if hit != nil {
			entry = &state.StrategyEntry{
				PageContext: pageContext(s.FinishedSteps),
				URL:         currentURL,
				Strategies:  hit.LocatorSuggestions,
			}
			hitID = hit.ID
			source = "dom_cache"
			logging.Observer("dom cache hit %s; skipping visual analysis", hit.ID)
		} else {
			logging.Observer("analyzing page (%d finished steps of context)", len(s.FinishedSteps))
			strategies := a.analyzeStrategies(ctx, s.UserTask, s.FinishedSteps, currentURL, dom)
			if len(strategies) > 0 {
				entry = &state.StrategyEntry{
					PageContext: pageContext(s.FinishedSteps),
					URL:         currentURL,
					Strategies:  strategies,
				}
				if a.domCacheEnabled() {
					a.deps.DOMCache.Save(s.UserTask, currentURL, dom, strategies)
				}
			}
		}
	} else {
		logging.Observer("page unchanged (%s); reusing previous analysis", head(domHash, 8))
	}

	u := base
	u.DOMSkeleton = state.Str(dom)
	u.DOMHash = state.Str(domHash)
	u.CurrentURL = state.Str(currentURL)
	u.ObserverSource = state.Str(source)
	u.DOMCacheHitID = state.Str(hitID)
	if entry != nil {
		u.LocatorSuggestions = state.Append(*entry)
	}
	if hasFailure && shouldAnalyze {
		// The re-analysis consumed the routing error. Reflections stay:
		// they feed the Planner's lessons block until a fresh task.
		u.ErrorType = state.ErrType(state.ErrorNone)
	}
	return u, graph.Goto(NodePlanner), nil
}

// skeletonHash fingerprints the full captured skeleton for round-over-
// round change detection. Cache identity hashing lives in the cache
// package and is deliberately coarser.
func skeletonHash(skeleton string) string {
	sum := md5.Sum([]byte(skeleton))
	return hex.EncodeToString(sum[:])
}

func pageContext(finished []string) string {
	if len(finished) == 0 {
		return "Initial page"
	}
	return finished[len(finished)-1]
}

var quotedLabel = regexp.MustCompile(`['"“”‘’](.{2,80}?)['"“”‘’]`)

// heuristicStrategy short-circuits the analysis call when the task
// quotes a label that appears verbatim in the skeleton text. Saves a
// model round-trip on "click the 'Login' button" style steps.
func heuristicStrategy(task, skeleton string) (state.LocatorStrategy, bool) {
	m := quotedLabel.FindStringSubmatch(task)
	if m == nil {
		return state.LocatorStrategy{}, false
	}
	target := strings.TrimSpace(m[1])
	if len([]rune(target)) < 2 {
		return state.LocatorStrategy{}, false
	}
	if !strings.Contains(skeleton, `"`+target+`"`) {
		return state.LocatorStrategy{}, false
	}
	return state.LocatorStrategy{
		Locator:              "text=" + target,
		TargetType:           "single",
		ActionSuggestion:     "click",
		CurrentStepReasoning: "task quotes a label present on the page",
	}, true
}

// analyzeStrategies asks the observer model for locator strategies.
// Failures degrade to no suggestions; the Planner can still reason from
// the raw skeleton.
func (a *Agent) analyzeStrategies(ctx context.Context, task string, finished []string, currentURL, dom string) []state.LocatorStrategy {
	if hs, ok := heuristicStrategy(task, dom); ok {
		logging.Observer("heuristic hit: %s", hs.Locator)
		return []state.LocatorStrategy{hs}
	}
	client := a.model("observer")
	if client == nil {
		return nil
	}
	raw, err := client.Complete(ctx, domAnalysisPrompt(task, formatList(finished, "(none - initial state)"), currentURL, dom))
	if err != nil {
		logging.Observer("analysis call failed: %v", err)
		return nil
	}
	return parseStrategies(raw)
}

// parseStrategies salvages the model reply into strategies. A bare
// object is accepted and wrapped.
func parseStrategies(raw string) []state.LocatorStrategy {
	if arr, err := llm.SalvageArray(raw); err == nil {
		var out []state.LocatorStrategy
		if err := json.Unmarshal([]byte(arr), &out); err == nil {
			return compactStrategies(out)
		}
	}
	if obj, err := llm.SalvageJSON(raw); err == nil {
		var one state.LocatorStrategy
		if err := json.Unmarshal([]byte(obj), &one); err == nil {
			return compactStrategies([]state.LocatorStrategy{one})
		}
	}
	logging.Observer("analysis reply not parseable; continuing without suggestions")
	return nil
}

func compactStrategies(in []state.LocatorStrategy) []state.LocatorStrategy {
	out := in[:0]
	for _, s := range in {
		if strings.TrimSpace(s.Locator) == "" && len(s.SubLocators) == 0 {
			continue
		}
		out = append(out, s)
	}
	return out
}
