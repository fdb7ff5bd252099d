package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/agent-memory/agentmemory/internal/apperr"
	"github.com/agent-memory/agentmemory/internal/bm25"
	"github.com/agent-memory/agentmemory/internal/model"
	"github.com/agent-memory/agentmemory/internal/router"
	"github.com/agent-memory/agentmemory/internal/vector"
)

// TeleportSearch is a direct lexical query (spec §6 TeleportSearch), distinct
// from RouteQuery's tier-aware fallback chain.
func (s *Service) TeleportSearch(req bm25.SearchRequest) ([]bm25.SearchHit, error) {
	if s.bm25Idx == nil {
		return nil, apperr.Unavailable("bm25", "lexical index disabled by config")
	}
	return s.bm25Idx.Search(req)
}

// VectorSearchRequest is the direct semantic query (spec §6 VectorSearch).
type VectorSearchRequest struct {
	Query    string
	TopK     int
	MinScore float64
}

// VectorSearch is a direct semantic query, distinct from RouteQuery's
// tier-aware fallback chain (spec §6 VectorSearch).
func (s *Service) VectorSearch(ctx context.Context, req VectorSearchRequest) ([]vector.Result, error) {
	if s.vectorIdx == nil {
		return nil, apperr.Unavailable("vector", "vector index disabled by config")
	}
	if req.Query == "" {
		return nil, apperr.InvalidArgument("query")
	}
	results, err := s.vectorIdx.Search(ctx, req.Query, req.TopK)
	if err != nil {
		return nil, err
	}
	if req.MinScore <= 0 {
		return results, nil
	}
	out := make([]vector.Result, 0, len(results))
	for _, r := range results {
		if float64(r.Score) >= req.MinScore {
			out = append(out, r)
		}
	}
	return out, nil
}

// HybridSearchRequest lets the caller set explicit layer weights (spec §6
// HybridSearch), unlike RouteQuery which derives weights from capability
// tier and intent.
type HybridSearchRequest struct {
	Query       string
	Bm25Weight  float64
	VectorWeight float64
	TopK        int
}

// HybridSearch runs bm25 and vector directly with caller-supplied weights
// and merges by weighted reciprocal-rank fusion, bypassing the router's
// tier/intent machinery entirely (spec §6 HybridSearch: "a direct dual-layer
// query", as opposed to RouteQuery's automatic tier selection).
func (s *Service) HybridSearch(ctx context.Context, req HybridSearchRequest) ([]router.LayerResult, error) {
	if s.bm25Idx == nil || s.vectorIdx == nil {
		return nil, apperr.Unavailable("hybrid", "requires both bm25 and vector to be enabled")
	}
	if req.Query == "" {
		return nil, apperr.InvalidArgument("query")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}
	bw, vw := req.Bm25Weight, req.VectorWeight
	if bw == 0 && vw == 0 {
		bw, vw = 0.5, 0.5
	}

	bmLayer := bm25Layer{idx: s.bm25Idx}
	vecLayer := vectorLayer{idx: s.vectorIdx, store: s.store}

	bmResults, bmErr := bmLayer.Search(ctx, req.Query, nil, topK)
	vecResults, vecErr := vecLayer.Search(ctx, req.Query, nil, topK)
	if bmErr != nil && vecErr != nil {
		return nil, bmErr
	}
	return weightedMerge(bmResults, vecResults, bw, vw), nil
}

func weightedMerge(a, b []router.LayerResult, wa, wb float64) []router.LayerResult {
	const k = 60.0
	scores := map[string]float64{}
	best := map[string]router.LayerResult{}
	for _, list := range []struct {
		res []router.LayerResult
		w   float64
	}{{a, wa}, {b, wb}} {
		for rank, r := range list.res {
			scores[r.DocID] += list.w / (k + float64(rank+1))
			if existing, ok := best[r.DocID]; !ok || r.Score > existing.Score {
				best[r.DocID] = r
			}
		}
	}
	out := make([]router.LayerResult, 0, len(scores))
	for docID, score := range scores {
		r := best[docID]
		r.Score = score
		out = append(out, r)
	}
	sortResultsByScoreDesc(out)
	return out
}

func sortResultsByScoreDesc(results []router.LayerResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// RouteQuery runs the full tier-aware fallback chain (spec §6 RouteQuery).
func (s *Service) RouteQuery(ctx context.Context, req router.RouteRequest) (router.RouteResponse, error) {
	return s.router.Route(ctx, req)
}

// ClassifyQueryIntent exposes the deterministic classifier without running
// a full route, for diagnostic/preview purposes (spec §6
// ClassifyQueryIntent).
func (s *Service) ClassifyQueryIntent(query string) (router.IntentResult, error) {
	return s.router.ClassifyIntent(query)
}

// Capabilities is the diagnostic response for GetRetrievalCapabilities (spec
// §6): which tier is currently active, per-layer health, and a warning for
// each layer that is down.
type Capabilities struct {
	Tier     int
	TierName string
	Health   router.LayerHealth
	Warnings []string
}

// GetRetrievalCapabilities reports the active capability tier and any
// degraded layers (spec §6 GetRetrievalCapabilities).
func (s *Service) GetRetrievalCapabilities() Capabilities {
	health := s.layerHealth()
	tier, name := router.DetermineTier(health)
	var warnings []string
	if !health.BM25 {
		warnings = append(warnings, "BM25 layer unavailable")
	}
	if !health.Vector {
		warnings = append(warnings, "Vector layer unavailable")
	}
	if !health.Topics {
		warnings = append(warnings, "Topic layer unavailable")
	}
	return Capabilities{Tier: tier, TierName: name, Health: health, Warnings: warnings}
}

// GetTopTopics returns the highest-importance active topics (spec §6
// GetTopTopics).
func (s *Service) GetTopTopics(n int) ([]model.Topic, error) {
	if s.topicsExt == nil {
		return nil, apperr.Unavailable("topics", "topic graph disabled by config")
	}
	return s.topicsExt.TopTopics(n)
}

// GetTopicsByQuery ranks active topics against a free-text query (spec §6
// GetTopicsByQuery).
func (s *Service) GetTopicsByQuery(ctx context.Context, query string, topK int) ([]model.Topic, error) {
	if s.topicsExt == nil {
		return nil, apperr.Unavailable("topics", "topic graph disabled by config")
	}
	return s.topicsExt.QueryByText(ctx, query, topK)
}

// GetRelatedTopics returns the directed topic-to-topic edges from a topic
// (spec §6 GetRelatedTopics).
func (s *Service) GetRelatedTopics(topicID string) ([]model.TopicRelationship, error) {
	if s.topicsExt == nil {
		return nil, apperr.Unavailable("topics", "topic graph disabled by config")
	}
	if topicID == "" {
		return nil, apperr.InvalidArgument("topic_id")
	}
	rels, err := s.store.ListTopicRelationships(topicID)
	if err != nil {
		return nil, apperr.Wrap(err)
	}
	return rels, nil
}

// GetTocNodesForTopic resolves a topic's contributing TOC nodes (spec §6
// GetTocNodesForTopic).
func (s *Service) GetTocNodesForTopic(topicID string) ([]model.Node, error) {
	if s.topicsExt == nil {
		return nil, apperr.Unavailable("topics", "topic graph disabled by config")
	}
	if topicID == "" {
		return nil, apperr.InvalidArgument("topic_id")
	}
	links, err := s.store.ListTopicLinksByTopic(topicID)
	if err != nil {
		return nil, apperr.Wrap(err)
	}
	nodes := make([]model.Node, 0, len(links))
	for _, l := range links {
		n, err := s.store.GetTocNode(l.NodeID)
		if err != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// GetTopicGraphStatus reports whether the topic graph is enabled and, when
// it is, how many active vs pruned topics it currently holds (spec §6
// topic diagnostics).
type TopicGraphStatus struct {
	Enabled      bool
	ActiveCount  int
	PrunedCount  int
}

func (s *Service) GetTopicGraphStatus() (TopicGraphStatus, error) {
	if s.topicsExt == nil {
		return TopicGraphStatus{Enabled: false}, nil
	}
	all, err := s.store.ListTopics()
	if err != nil {
		return TopicGraphStatus{}, apperr.Wrap(err)
	}
	status := TopicGraphStatus{Enabled: true}
	for _, t := range all {
		if t.Status == model.TopicActive {
			status.ActiveCount++
		} else {
			status.PrunedCount++
		}
	}
	return status, nil
}

// RankingStatus is the diagnostic snapshot behind GetRankingStatus (spec
// §6): vector index size plus the scheduler's per-job health, since ranking
// quality depends on both staying current.
type RankingStatus struct {
	VectorCount int
	TopicStatus TopicGraphStatus
	JobHealth   map[string]interface{}
}

func (s *Service) GetRankingStatus() (RankingStatus, error) {
	topicStatus, err := s.GetTopicGraphStatus()
	if err != nil {
		return RankingStatus{}, err
	}
	vectorCount := 0
	if s.vectorIdx != nil {
		vectorCount = s.vectorIdx.Len()
	}
	jobHealth := map[string]interface{}{}
	if s.health != nil {
		for job, status := range s.health.Snapshot() {
			jobHealth[job] = status
		}
	}
	return RankingStatus{VectorCount: vectorCount, TopicStatus: topicStatus, JobHealth: jobHealth}, nil
}

// PruneVectors removes vectors older than age_days (spec §6 PruneVectors).
func (s *Service) PruneVectors(ageDays int) (int, error) {
	if s.vectorIdx == nil {
		return 0, apperr.Unavailable("vector", "vector index disabled by config")
	}
	if ageDays <= 0 {
		return 0, apperr.InvalidArgument("age_days")
	}
	cutoffMs := s.now().AddDate(0, 0, -ageDays).UnixMilli()
	return s.vectorIdx.PruneOlderThan(cutoffMs)
}

// RebuildVectors clears the vector index and re-embeds every TOC node and
// grip's text (spec §6 RebuildVectors), since Storage's vector metadata
// retains only a text hash, not the source text needed to re-embed.
func (s *Service) RebuildVectors(ctx context.Context) (int, error) {
	if s.vectorIdx == nil {
		return 0, apperr.Unavailable("vector", "vector index disabled by config")
	}
	s.vectorIdx.Clear()

	count := 0
	for _, level := range []model.TocLevel{model.LevelYear, model.LevelMonth, model.LevelWeek, model.LevelDay, model.LevelSegment} {
		nodes, err := s.store.ListTocLevel(level)
		if err != nil {
			return count, apperr.Wrap(err)
		}
		for _, n := range nodes {
			text := n.Title
			for _, b := range n.Bullets {
				text += "\n" + b.Text
			}
			if err := s.vectorIdx.UpsertText(ctx, model.DocTocNode, n.NodeID, "", text); err != nil {
				s.log.Warn("rebuild: failed to re-embed toc node", zap.String("node_id", n.NodeID), zap.Error(err))
				continue
			}
			count++
			for _, b := range n.Bullets {
				for _, gripID := range b.GripIDs {
					g, err := s.store.GetGrip(gripID)
					if err != nil {
						continue
					}
					if err := s.vectorIdx.UpsertText(ctx, model.DocGrip, g.GripID, "", g.Excerpt); err != nil {
						s.log.Warn("rebuild: failed to re-embed grip", zap.String("grip_id", g.GripID), zap.Error(err))
						continue
					}
					count++
				}
			}
		}
	}
	return count, nil
}

// PruneBm25Index deletes documents older than their level's retention
// window (spec §6 PruneBm25Index).
func (s *Service) PruneBm25Index() (int, error) {
	if s.bm25Idx == nil {
		return 0, apperr.Unavailable("bm25", "lexical index disabled by config")
	}
	return s.bm25Idx.Prune(s.now().UnixMilli())
}
