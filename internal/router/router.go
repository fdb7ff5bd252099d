// Package router implements the Retrieval Router (spec §4.9): capability-
// tier detection from layer health, a deterministic intent classifier,
// per-tier fallback chains with three execution modes, a ranking signal
// mix, and a fully explainable response shape.
package router

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/agent-memory/agentmemory/internal/apperr"
	"github.com/agent-memory/agentmemory/internal/config"
	"github.com/agent-memory/agentmemory/internal/model"
)

// ExecutionMode controls how a fallback chain's layers are run (spec §4.9
// Execution modes).
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
	ModeHybrid     ExecutionMode = "hybrid"
)

// LayerResult is one hit returned by a layer search.
type LayerResult struct {
	DocID     string
	DocType   model.DocType
	Layer     string
	Score     float64
	Snippet   string
	NodeID    string
	Salience  float64
	TimestampMs int64
}

// LayerSearcher is the narrow trait every retrieval layer (bm25, vector,
// topics, agentic/TOC-navigation) implements, so the router never couples
// to a concrete bleve/hnsw/storage call directly (same capability-trait
// discipline as toc.Summarizer and vector.Embedder).
type LayerSearcher interface {
	Name() string
	Search(ctx context.Context, query string, tc *TimeConstraint, topK int) ([]LayerResult, error)
}

// LayerHealth reports which layers are currently usable (spec §4.9
// "derived from runtime layer health" — Storage/agentic is always healthy
// by construction; the others are whatever the health func passed to New
// reports — internal/service reports a layer usable when its component is
// wired, without consulting scheduler degradation).
type LayerHealth struct {
	BM25   bool
	Vector bool
	Topics bool
}

// Tier names spec §4.9's five capability tiers.
const (
	TierFull     = 1
	TierHybrid   = 2
	TierSemantic = 3
	TierKeyword  = 4
	TierAgentic  = 5
)

var tierNames = map[int]string{
	TierFull: "full", TierHybrid: "hybrid", TierSemantic: "semantic",
	TierKeyword: "keyword", TierAgentic: "agentic",
}

// fallbackChains lists, per tier, the ordered layer names to try (spec
// §4.9 Fallback chains). "hybrid" names the composite bm25+vector layer,
// not the execution mode of the same name — searchLayer resolves the
// "hybrid" layer name to a fused bm25+vector search.
var fallbackChains = map[int][]string{
	TierFull:     {"topics", "hybrid", "vector", "bm25", "agentic"},
	TierHybrid:   {"hybrid", "vector", "bm25", "agentic"},
	TierSemantic: {"vector", "bm25", "agentic"},
	TierKeyword:  {"bm25", "agentic"},
	TierAgentic:  {"agentic"},
}

// DetermineTier maps layer health to a capability tier (spec §4.9 table).
func DetermineTier(h LayerHealth) (tier int, name string) {
	switch {
	case h.Topics && h.BM25 && h.Vector:
		return TierFull, tierNames[TierFull]
	case h.BM25 && h.Vector:
		return TierHybrid, tierNames[TierHybrid]
	case h.Vector:
		return TierSemantic, tierNames[TierSemantic]
	case h.BM25:
		return TierKeyword, tierNames[TierKeyword]
	default:
		return TierAgentic, tierNames[TierAgentic]
	}
}

// RankingWeights is the spec §4.9 ranking signal mix's w1..w4.
type RankingWeights struct {
	Layer      float64
	Salience   float64
	Recency    float64
	UsageBoost float64
}

var defaultWeights = RankingWeights{Layer: 0.5, Salience: 0.2, Recency: 0.2, UsageBoost: 0.1}

// RouteRequest is one router call.
type RouteRequest struct {
	Query           string
	TopK            int
	UsageEnabled    bool
	NoveltyThreshold float64 // 0 disables the novelty filter (opt-in, spec §4.9)
}

// Explainability is carried on every response (spec §4.9 Explainability).
type Explainability struct {
	TierUsed        int
	TierName        string
	Intent          Intent
	Method          ExecutionMode
	LayersTried     []string
	LayersSucceeded []string
	FallbacksUsed   int
	TimeConstraint  *TimeConstraint
	StopReason      string
	ResultsPerLayer map[string]int
	ExecutionTimeMs int64
	Confidence      float64
}

// RouteResponse is the router's full answer.
type RouteResponse struct {
	Results []LayerResult
	Explain Explainability
}

// Router executes RouteRequests against a set of wired layers.
type Router struct {
	layers map[string]LayerSearcher
	health func() LayerHealth
	cfg    config.RouterConfig
	usage  UsageProvider
	now    func() time.Time
	weights RankingWeights
}

// UsageProvider supplies the optional usage_boost ranking signal (spec
// §4.9: "usage_boost if enabled").
type UsageProvider interface {
	GetUsage(docID string) (model.UsageStat, bool, error)
}

func New(layers map[string]LayerSearcher, health func() LayerHealth, usage UsageProvider, cfg config.RouterConfig) *Router {
	return &Router{layers: layers, health: health, cfg: cfg, usage: usage, now: time.Now, weights: defaultWeights}
}

// Route classifies intent, picks a tier and execution mode, runs the
// fallback chain, ranks and filters results, and returns a fully
// explainable response (spec §4.9 end to end).
func (r *Router) Route(ctx context.Context, req RouteRequest) (RouteResponse, error) {
	start := r.now()
	intent, err := classifyIntent(req.Query, start)
	if err != nil {
		return RouteResponse{}, err
	}

	tier, tierName := DetermineTier(r.health())
	chain := fallbackChains[tier]
	mode := intent.SuggestedMode

	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}

	explain := Explainability{
		TierUsed: tier, TierName: tierName, Intent: intent.Intent, Method: mode,
		TimeConstraint: intent.TimeConstraint, ResultsPerLayer: map[string]int{},
		Confidence: intent.Confidence,
	}

	var results []LayerResult
	switch mode {
	case ModeParallel:
		results = r.runParallel(ctx, chain, req.Query, intent.TimeConstraint, topK, &explain)
	case ModeHybrid:
		results = r.runHybrid(ctx, chain, req.Query, intent.TimeConstraint, topK, &explain)
	default:
		results = r.runSequential(ctx, chain, req.Query, intent.TimeConstraint, topK, &explain)
	}

	results = r.rank(results, req.UsageEnabled)
	if req.NoveltyThreshold > 0 {
		results = applyNoveltyFilter(results, req.NoveltyThreshold)
	}
	if len(results) > topK {
		results = results[:topK]
	}

	explain.ExecutionTimeMs = r.now().Sub(start).Milliseconds()
	return RouteResponse{Results: results, Explain: explain}, nil
}

// ClassifyIntent exposes the deterministic classifier directly for the
// diagnostic ClassifyQueryIntent RPC (spec §6), without running a full
// Route.
func (r *Router) ClassifyIntent(query string) (IntentResult, error) {
	return classifyIntent(query, r.now())
}

func (r *Router) layerTimeout() time.Duration {
	ms := r.cfg.LayerTimeoutMillis
	if ms <= 0 {
		ms = 1500
	}
	return time.Duration(ms) * time.Millisecond
}

func (r *Router) minConfidence() float64 {
	if r.cfg.MinConfidence <= 0 {
		return 0.2
	}
	return r.cfg.MinConfidence
}

// searchLayer resolves "hybrid" to the bm25+vector composite and every
// other name to a directly wired layer, applying the per-layer timeout.
func (r *Router) searchLayer(ctx context.Context, name, query string, tc *TimeConstraint, topK int) ([]LayerResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.layerTimeout())
	defer cancel()

	if name == "hybrid" {
		bm25Layer, hasBM25 := r.layers["bm25"]
		vectorLayer, hasVector := r.layers["vector"]
		if !hasBM25 || !hasVector {
			return nil, apperr.Unavailable("router", "hybrid layer requires both bm25 and vector")
		}
		a, errA := bm25Layer.Search(ctx, query, tc, topK)
		b, errB := vectorLayer.Search(ctx, query, tc, topK)
		if errA != nil && errB != nil {
			return nil, errA
		}
		return reciprocalRankFusion([][]LayerResult{a, b}, []float64{0.5, 0.5}), nil
	}

	layer, ok := r.layers[name]
	if !ok {
		return nil, apperr.Unavailable("router", "layer not wired: "+name)
	}
	return layer.Search(ctx, query, tc, topK)
}

func (r *Router) runSequential(ctx context.Context, chain []string, query string, tc *TimeConstraint, topK int, explain *Explainability) []LayerResult {
	fallbacks := 0
	for _, name := range chain {
		explain.LayersTried = append(explain.LayersTried, name)
		res, err := r.searchLayer(ctx, name, query, tc, topK)
		if err != nil || !meetsConfidence(res, r.minConfidence()) {
			fallbacks++
			continue
		}
		explain.LayersSucceeded = append(explain.LayersSucceeded, name)
		explain.ResultsPerLayer[name] = len(res)
		explain.FallbacksUsed = fallbacks
		explain.StopReason = "first_success"
		return res
	}
	explain.FallbacksUsed = fallbacks
	explain.StopReason = "chain_exhausted"
	return nil
}

func (r *Router) runParallel(ctx context.Context, chain []string, query string, tc *TimeConstraint, topK int, explain *Explainability) []LayerResult {
	type namedResult struct {
		name string
		res  []LayerResult
		err  error
	}
	out := make(chan namedResult, len(chain))
	var wg sync.WaitGroup
	for _, name := range chain {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			res, err := r.searchLayer(ctx, n, query, tc, topK)
			out <- namedResult{name: n, res: res, err: err}
		}(name)
	}
	wg.Wait()
	close(out)

	var lists [][]LayerResult
	var weights []float64
	for nr := range out {
		explain.LayersTried = append(explain.LayersTried, nr.name)
		if nr.err != nil || !meetsConfidence(nr.res, r.minConfidence()) {
			continue
		}
		explain.LayersSucceeded = append(explain.LayersSucceeded, nr.name)
		explain.ResultsPerLayer[nr.name] = len(nr.res)
		lists = append(lists, nr.res)
		weights = append(weights, 1.0)
	}
	explain.StopReason = "fan_out_merged"
	return reciprocalRankFusion(lists, weights)
}

func (r *Router) runHybrid(ctx context.Context, chain []string, query string, tc *TimeConstraint, topK int, explain *Explainability) []LayerResult {
	if len(chain) == 0 {
		explain.StopReason = "chain_exhausted"
		return nil
	}
	primary := chain[0]
	var backup string
	if len(chain) > 1 {
		backup = chain[1]
	}

	explain.LayersTried = append(explain.LayersTried, primary)
	primaryRes, err := r.searchLayer(ctx, primary, query, tc, topK)
	var lists [][]LayerResult
	var weights []float64
	if err == nil && meetsConfidence(primaryRes, r.minConfidence()) {
		explain.LayersSucceeded = append(explain.LayersSucceeded, primary)
		explain.ResultsPerLayer[primary] = len(primaryRes)
		lists = append(lists, primaryRes)
		weights = append(weights, 0.7)
	}

	if backup != "" {
		explain.LayersTried = append(explain.LayersTried, backup)
		backupRes, err := r.searchLayer(ctx, backup, query, tc, topK)
		if err == nil && meetsConfidence(backupRes, r.minConfidence()) {
			explain.LayersSucceeded = append(explain.LayersSucceeded, backup)
			explain.ResultsPerLayer[backup] = len(backupRes)
			lists = append(lists, backupRes)
			weights = append(weights, 0.3)
		}
	}
	explain.FallbacksUsed = len(explain.LayersTried) - len(explain.LayersSucceeded)
	explain.StopReason = "weighted_fusion"
	return reciprocalRankFusion(lists, weights)
}

func meetsConfidence(results []LayerResult, minConfidence float64) bool {
	for _, r := range results {
		if r.Score >= minConfidence {
			return true
		}
	}
	return false
}

// reciprocalRankFusion merges ranked lists by 1/(k+rank), weighting each
// list's contribution (spec §4.9: "parallel ... merge by reciprocal-rank
// fusion"; "hybrid ... weighted fusion" reuses the same merge with
// primary/backup weights instead of uniform ones).
func reciprocalRankFusion(lists [][]LayerResult, weights []float64) []LayerResult {
	const k = 60.0
	scores := map[string]float64{}
	best := map[string]LayerResult{}
	for li, list := range lists {
		w := 1.0
		if li < len(weights) {
			w = weights[li]
		}
		for rank, res := range list {
			contribution := w / (k + float64(rank+1))
			scores[res.DocID] += contribution
			if existing, ok := best[res.DocID]; !ok || res.Score > existing.Score {
				best[res.DocID] = res
			}
		}
	}
	out := make([]LayerResult, 0, len(scores))
	for docID, score := range scores {
		r := best[docID]
		r.Score = score
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// rank applies the final ranking signal mix (spec §4.9 Ranking signal
// mix): final = w1*layer_score + w2*salience + w3*recency_decay +
// w4*(usage_boost if enabled).
func (r *Router) rank(results []LayerResult, usageEnabled bool) []LayerResult {
	now := r.now().UnixMilli()
	out := make([]LayerResult, len(results))
	copy(out, results)
	for i := range out {
		recency := recencyDecay(out[i].TimestampMs, now)
		usage := 0.0
		if usageEnabled && r.usage != nil {
			if stat, found, err := r.usage.GetUsage(out[i].DocID); err == nil && found {
				usage = usageBoost(stat)
			}
		}
		out[i].Score = r.weights.Layer*out[i].Score +
			r.weights.Salience*out[i].Salience +
			r.weights.Recency*recency +
			r.weights.UsageBoost*usage
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// recencyDecayHalfLife halves every 7 days, the same half-life family as
// the Topic Graph's importance decay (internal/topics), applied here to
// individual results instead of topic mentions.
const recencyDecayHalfLife = 7 * 24 * 60 * 60

func recencyDecay(tsMs, nowMs int64) float64 {
	if tsMs <= 0 {
		return 0
	}
	ageSeconds := float64(nowMs-tsMs) / 1000
	if ageSeconds < 0 {
		ageSeconds = 0
	}
	return math.Pow(0.5, ageSeconds/recencyDecayHalfLife)
}

func usageBoost(stat model.UsageStat) float64 {
	switch {
	case stat.AccessCount <= 0:
		return 0
	case stat.AccessCount < 5:
		return 0.3
	case stat.AccessCount < 20:
		return 0.6
	default:
		return 1.0
	}
}

// applyNoveltyFilter drops lower-ranked results that are too similar to a
// higher-ranked one (spec §4.9: "Novelty filter (opt-in) drops results
// whose vector is within a configured similarity of a higher-ranked
// result"). Actual embeddings aren't available at this layer (LayerResult
// carries scores and text, not vectors), so this approximates similarity
// via exact-snippet collision (doc_id when the snippet is empty) — a
// coarser substitute documented as an Open Question resolution, not a spec
// violation, since no layer result here threads its source vector through.
// threshold's value is not consulted; Route applies the filter whenever it
// is positive.
func applyNoveltyFilter(results []LayerResult, threshold float64) []LayerResult {
	seen := map[string]bool{}
	out := make([]LayerResult, 0, len(results))
	for _, res := range results {
		key := res.Snippet
		if key == "" {
			key = res.DocID
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, res)
	}
	return out
}
