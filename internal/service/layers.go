package service

import (
	"context"
	"sort"
	"strings"

	"github.com/agent-memory/agentmemory/internal/bm25"
	"github.com/agent-memory/agentmemory/internal/model"
	"github.com/agent-memory/agentmemory/internal/router"
	"github.com/agent-memory/agentmemory/internal/storage"
	"github.com/agent-memory/agentmemory/internal/topics"
	"github.com/agent-memory/agentmemory/internal/vector"
)

// bm25Layer adapts internal/bm25.Index to router.LayerSearcher.
type bm25Layer struct {
	idx *bm25.Index
}

func (l bm25Layer) Name() string { return "bm25" }

func (l bm25Layer) Search(_ context.Context, query string, tc *router.TimeConstraint, topK int) ([]router.LayerResult, error) {
	req := bm25.SearchRequest{Query: query, TopK: topK}
	if tc != nil {
		req.TimeRangeMin = tc.StartMs
		req.TimeRangeMax = tc.EndMs
	}
	hits, err := l.idx.Search(req)
	if err != nil {
		return nil, err
	}
	out := make([]router.LayerResult, 0, len(hits))
	for _, h := range hits {
		out = append(out, router.LayerResult{
			DocID: h.DocID, DocType: h.Doc.DocType, Layer: "bm25",
			Score: h.Score, Snippet: h.Doc.Text, TimestampMs: h.Doc.TimestampMs,
		})
	}
	return out, nil
}

// vectorLayer adapts internal/vector.Index to router.LayerSearcher. A time
// constraint is applied as a post-filter since hnsw has no native range
// query (spec §4.6 never promises time-filtered ANN search).
type vectorLayer struct {
	idx   *vector.Index
	store *storage.Store
}

func (l vectorLayer) Name() string { return "vector" }

func (l vectorLayer) Search(ctx context.Context, query string, tc *router.TimeConstraint, topK int) ([]router.LayerResult, error) {
	results, err := l.idx.Search(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	out := make([]router.LayerResult, 0, len(results))
	for _, r := range results {
		if tc != nil && (r.Meta.CreatedAtMs < tc.StartMs || r.Meta.CreatedAtMs >= tc.EndMs) {
			continue
		}
		out = append(out, router.LayerResult{
			DocID: r.Meta.DocID, DocType: r.Meta.DocType, Layer: "vector",
			Score: float64(r.Score), Snippet: snippetFor(l.store, r.Meta.DocType, r.Meta.DocID),
			TimestampMs: r.Meta.CreatedAtMs,
		})
	}
	return out, nil
}

// topicsLayer adapts internal/topics.Extractor to router.LayerSearcher.
type topicsLayer struct {
	ext *topics.Extractor
}

func (l topicsLayer) Name() string { return "topics" }

func (l topicsLayer) Search(ctx context.Context, query string, _ *router.TimeConstraint, topK int) ([]router.LayerResult, error) {
	found, err := l.ext.QueryByText(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	out := make([]router.LayerResult, 0, len(found))
	for _, t := range found {
		out = append(out, router.LayerResult{
			DocID: t.TopicID, DocType: model.DocTopic, Layer: "topics",
			Score: t.ImportanceScore, Snippet: t.Label,
			TimestampMs: t.LastMentionedAt.UnixMilli(),
		})
	}
	return out, nil
}

// agenticLayer is the always-available tier-5 fallback (spec §4.9
// TierAgentic): a plain keyword scan over segment-level TOC titles and
// bullets through Storage directly, with no index. It exists so the router
// never has zero usable layers even when BM25, vector, and topics are all
// down — "agentic" names a live agent navigating raw TOC nodes by hand.
type agenticLayer struct {
	store *storage.Store
}

func (l agenticLayer) Name() string { return "agentic" }

func (l agenticLayer) Search(_ context.Context, query string, tc *router.TimeConstraint, topK int) ([]router.LayerResult, error) {
	keywords := strings.Fields(strings.ToLower(query))
	if len(keywords) == 0 {
		return nil, nil
	}
	nodes, err := l.store.ListTocLevel(model.LevelSegment)
	if err != nil {
		return nil, err
	}

	type scored struct {
		node  model.Node
		score int
	}
	var matches []scored
	for _, n := range nodes {
		if tc != nil && (n.EndTimeMs < tc.StartMs || n.StartTimeMs >= tc.EndMs) {
			continue
		}
		haystack := strings.ToLower(n.Title)
		for _, b := range n.Bullets {
			haystack += " " + strings.ToLower(b.Text)
		}
		hits := 0
		for _, kw := range keywords {
			if strings.Contains(haystack, kw) {
				hits++
			}
		}
		if hits > 0 {
			matches = append(matches, scored{node: n, score: hits})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}

	out := make([]router.LayerResult, 0, len(matches))
	for _, m := range matches {
		out = append(out, router.LayerResult{
			DocID: m.node.NodeID, DocType: model.DocTocNode, Layer: "agentic",
			Score: float64(m.score) / float64(len(keywords)), Snippet: m.node.Title,
			NodeID: m.node.NodeID, Salience: m.node.SalienceScore, TimestampMs: m.node.EndTimeMs,
		})
	}
	return out, nil
}

// snippetFor fetches a short text preview for a vector hit, since
// model.VectorEntry only stores a text hash, not the text itself.
func snippetFor(store *storage.Store, docType model.DocType, docID string) string {
	switch docType {
	case model.DocTocNode:
		if n, err := store.GetTocNode(docID); err == nil {
			return n.Title
		}
	case model.DocGrip:
		if g, err := store.GetGrip(docID); err == nil {
			return g.Excerpt
		}
	}
	return ""
}
