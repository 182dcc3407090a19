package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1122414/AutoWeb/internal/cache"
	"github.com/1122414/AutoWeb/internal/state"
)

func TestLookupCacheHitGoesToExecutor(t *testing.T) {
	codeCache := &fakeCodeCache{
		enabled: true,
		hits: []cache.CodeCacheHit{{
			ID:       "code-7",
			Code:     `tab.Get("https://movie.example.com/top250")`,
			Score:    0.91,
			UserTask: "scrape top250 movies",
		}},
	}
	a := New(Deps{CodeCache: codeCache, Keywords: keywordDefaults()})

	s := state.AgentState{
		UserTask:   "scrape top250 movies",
		Plan:       planMarker + "\n1. Open the listing",
		CurrentURL: "https://movie.example.com",
	}
	u, cmd, err := a.lookupCache(context.Background(), s, graphConfig())
	require.NoError(t, err)
	assert.Equal(t, NodeExecutor, cmd.Goto)
	require.NotNil(t, u.GeneratedCode)
	assert.Contains(t, *u.GeneratedCode, "top250")
	require.NotNil(t, u.CodeSource)
	assert.Equal(t, state.CodeSourceCache, *u.CodeSource)
	require.NotNil(t, u.CacheHitID)
	assert.Equal(t, "code-7", *u.CacheHitID)
}

func TestLookupCacheRewritesChangedParams(t *testing.T) {
	codeCache := &fakeCodeCache{
		enabled: true,
		hits: []cache.CodeCacheHit{{
			ID:       "code-7",
			Code:     `tab.Get("https://movie.example.com/top250")` + "\n" + `fmt.Println("-> opened top250")`,
			UserTask: "scrape top250 movies",
		}},
	}
	a := New(Deps{CodeCache: codeCache, Keywords: keywordDefaults()})

	s := state.AgentState{
		UserTask:   "scrape top100 movies",
		Plan:       planMarker + "\n1. Open the listing",
		CurrentURL: "https://movie.example.com",
	}
	u, _, err := a.lookupCache(context.Background(), s, graphConfig())
	require.NoError(t, err)
	require.NotNil(t, u.GeneratedCode)
	assert.Contains(t, *u.GeneratedCode, "top100", "quoted parameters follow the new task")
	assert.NotContains(t, *u.GeneratedCode, "top250")
}

func TestLookupCacheMissGoesToCoder(t *testing.T) {
	codeCache := &fakeCodeCache{enabled: true}
	a := New(Deps{CodeCache: codeCache, Keywords: keywordDefaults()})

	s := state.AgentState{
		UserTask:   "scrape the movies",
		CurrentURL: "https://movie.example.com/top",
		LocatorSuggestions: []state.StrategyEntry{{
			Strategies: []state.LocatorStrategy{{Locator: ".movie-item", CurrentStepReasoning: "listing"}},
		}},
	}
	u, cmd, err := a.lookupCache(context.Background(), s, graphConfig())
	require.NoError(t, err)
	assert.Equal(t, NodeCoder, cmd.Goto)
	require.NotNil(t, u.CodeSource)
	assert.Equal(t, state.CodeSourceLLM, *u.CodeSource)
	require.Len(t, codeCache.searches, 1)
	assert.Equal(t, ".movie-item (listing)", codeCache.searches[0], "locator summary travels into the search")
}

func TestLookupCacheBreakerSkipsSearch(t *testing.T) {
	codeCache := &fakeCodeCache{enabled: true, hits: []cache.CodeCacheHit{{ID: "code-7", Code: "x"}}}
	a := New(Deps{CodeCache: codeCache, Keywords: keywordDefaults()})

	s := state.AgentState{CacheFailedThisRound: true, CurrentURL: "https://movie.example.com/top"}
	_, cmd, err := a.lookupCache(context.Background(), s, graphConfig())
	require.NoError(t, err)
	assert.Equal(t, NodeCoder, cmd.Goto)
	assert.Empty(t, codeCache.searches, "breaker suppresses retrieval for the round")
}

func TestLookupCacheBlankPageSkipsSearch(t *testing.T) {
	codeCache := &fakeCodeCache{enabled: true}
	a := New(Deps{CodeCache: codeCache, Keywords: keywordDefaults()})

	_, cmd, err := a.lookupCache(context.Background(), state.AgentState{CurrentURL: "about:blank"}, graphConfig())
	require.NoError(t, err)
	assert.Equal(t, NodeCoder, cmd.Goto)
	assert.Empty(t, codeCache.searches)
}

func TestLocatorSummary(t *testing.T) {
	entries := []state.StrategyEntry{
		{Strategies: []state.LocatorStrategy{
			{Locator: ".movie-item", CurrentStepReasoning: "listing"},
			{Locator: "text=Next"},
			{Locator: ""},
		}},
		{Strategies: []state.LocatorStrategy{{Locator: "#search"}}},
	}
	assert.Equal(t, ".movie-item (listing) | text=Next | #search", locatorSummary(entries))
	assert.Equal(t, "", locatorSummary(nil))
}
