package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agent-memory/agentmemory/internal/config"
	"github.com/agent-memory/agentmemory/internal/model"
)

type stubLayer struct {
	name    string
	results []LayerResult
	err     error
}

func (s stubLayer) Name() string { return s.name }
func (s stubLayer) Search(_ context.Context, _ string, _ *TimeConstraint, _ int) ([]LayerResult, error) {
	return s.results, s.err
}

func TestDetermineTierPicksHighestMatchingTier(t *testing.T) {
	tier, name := DetermineTier(LayerHealth{BM25: true, Vector: true, Topics: true})
	require.Equal(t, TierFull, tier)
	require.Equal(t, "full", name)

	tier, _ = DetermineTier(LayerHealth{BM25: true, Vector: true})
	require.Equal(t, TierHybrid, tier)

	tier, _ = DetermineTier(LayerHealth{Vector: true})
	require.Equal(t, TierSemantic, tier)

	tier, _ = DetermineTier(LayerHealth{BM25: true})
	require.Equal(t, TierKeyword, tier)

	tier, _ = DetermineTier(LayerHealth{})
	require.Equal(t, TierAgentic, tier)
}

func TestClassifyIntentRejectsEmptyQuery(t *testing.T) {
	_, err := classifyIntent("   ", time.Now())
	require.Error(t, err)
}

func TestClassifyIntentRecognizesTimeReference(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	res, err := classifyIntent("what did I do yesterday", now)
	require.NoError(t, err)
	require.Equal(t, IntentTimeBoxed, res.Intent)
	require.NotNil(t, res.TimeConstraint)
	require.Equal(t, "yesterday", res.TimeConstraint.Raw)
}

func TestClassifyIntentRecognizesLocateVerb(t *testing.T) {
	res, err := classifyIntent("find the storage migration commit", time.Now())
	require.NoError(t, err)
	require.Equal(t, IntentLocate, res.Intent)
	require.Equal(t, ModeSequential, res.SuggestedMode)
}

func TestClassifyIntentRecognizesExploreVerb(t *testing.T) {
	res, err := classifyIntent("tell me about the storage layer", time.Now())
	require.NoError(t, err)
	require.Equal(t, IntentExplore, res.Intent)
	require.Equal(t, ModeParallel, res.SuggestedMode)
}

func TestClassifyIntentDefaultsToAnswer(t *testing.T) {
	res, err := classifyIntent("why does the retry loop back off exponentially", time.Now())
	require.NoError(t, err)
	require.Equal(t, IntentAnswer, res.Intent)
	require.Equal(t, ModeHybrid, res.SuggestedMode)
}

func testRouterCfg() config.RouterConfig {
	return config.RouterConfig{MinConfidence: 0.2, LayerTimeoutMillis: 1000}
}

func TestRouteSequentialStopsOnFirstSuccess(t *testing.T) {
	layers := map[string]LayerSearcher{
		"bm25":    stubLayer{name: "bm25", results: []LayerResult{{DocID: "a", Score: 0.5}}},
		"agentic": stubLayer{name: "agentic", results: []LayerResult{{DocID: "b", Score: 0.9}}},
	}
	r := New(layers, func() LayerHealth { return LayerHealth{BM25: true} }, nil, testRouterCfg())

	resp, err := r.Route(context.Background(), RouteRequest{Query: "find the config file"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	require.Equal(t, TierKeyword, resp.Explain.TierUsed)
	require.Contains(t, resp.Explain.LayersSucceeded, "bm25")
	require.NotContains(t, resp.Explain.LayersSucceeded, "agentic")
}

func TestRouteFallsBackWhenPrimaryLayerBelowConfidence(t *testing.T) {
	layers := map[string]LayerSearcher{
		"bm25":    stubLayer{name: "bm25", results: []LayerResult{{DocID: "a", Score: 0.01}}},
		"agentic": stubLayer{name: "agentic", results: []LayerResult{{DocID: "b", Score: 0.9}}},
	}
	r := New(layers, func() LayerHealth { return LayerHealth{BM25: true} }, nil, testRouterCfg())

	resp, err := r.Route(context.Background(), RouteRequest{Query: "find the config file"})
	require.NoError(t, err)
	require.Contains(t, resp.Explain.LayersSucceeded, "agentic")
	require.Equal(t, 1, resp.Explain.FallbacksUsed)
}

func TestRouteEmptyQueryReturnsInvalidArgument(t *testing.T) {
	layers := map[string]LayerSearcher{"agentic": stubLayer{name: "agentic"}}
	r := New(layers, func() LayerHealth { return LayerHealth{} }, nil, testRouterCfg())
	_, err := r.Route(context.Background(), RouteRequest{Query: ""})
	require.Error(t, err)
}

func TestRouteParallelMergesByReciprocalRankFusion(t *testing.T) {
	layers := map[string]LayerSearcher{
		"vector":  stubLayer{name: "vector", results: []LayerResult{{DocID: "a", Score: 0.9}, {DocID: "b", Score: 0.5}}},
		"bm25":    stubLayer{name: "bm25", results: []LayerResult{{DocID: "b", Score: 0.8}, {DocID: "c", Score: 0.4}}},
		"agentic": stubLayer{name: "agentic", results: []LayerResult{{DocID: "d", Score: 0.3}}},
	}
	r := New(layers, func() LayerHealth { return LayerHealth{Vector: true} }, nil, testRouterCfg())

	resp, err := r.Route(context.Background(), RouteRequest{Query: "tell me about the storage layer"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	// "b" appears in both vector and bm25 result lists, so RRF should rank it first.
	require.Equal(t, "b", resp.Results[0].DocID)
}

func TestRankAppliesUsageBoostWhenEnabled(t *testing.T) {
	layers := map[string]LayerSearcher{"agentic": stubLayer{name: "agentic"}}
	usage := fakeUsageProvider{stats: map[string]model.UsageStat{
		"hot": {DocID: "hot", AccessCount: 50},
	}}
	r := New(layers, func() LayerHealth { return LayerHealth{} }, usage, testRouterCfg())

	ranked := r.rank([]LayerResult{{DocID: "hot", Score: 0.5}, {DocID: "cold", Score: 0.5}}, true)
	require.Equal(t, "hot", ranked[0].DocID)
}

type fakeUsageProvider struct {
	stats map[string]model.UsageStat
}

func (f fakeUsageProvider) GetUsage(docID string) (model.UsageStat, bool, error) {
	stat, ok := f.stats[docID]
	return stat, ok, nil
}
