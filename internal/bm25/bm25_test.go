package bm25

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agent-memory/agentmemory/internal/config"
	"github.com/agent-memory/agentmemory/internal/model"
)

func setupTestIndex(t *testing.T, cfg config.BM25Config) *Index {
	t.Helper()
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "bm25.bleve"), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestIndexAndSearchTocNode(t *testing.T) {
	idx := setupTestIndex(t, config.BM25Config{Enabled: true})

	node := model.Node{
		NodeID:             "toc:segment:01A",
		Level:              model.LevelSegment,
		Title:              "refactored the storage layer",
		Bullets:            []model.Bullet{{Text: "switched to an embedded key-value store"}},
		Keywords:           []string{"storage", "bbolt"},
		StartTimeMs:        1000,
		ContributingAgents: []string{"claude"},
	}
	require.NoError(t, idx.IndexTocNode(node))
	require.NoError(t, idx.Commit())

	hits, err := idx.Search(SearchRequest{Query: "storage layer", TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, "toc:segment:01A", hits[0].DocID)
}

func TestSearchFiltersByDocTypeAndAgent(t *testing.T) {
	idx := setupTestIndex(t, config.BM25Config{Enabled: true})

	require.NoError(t, idx.IndexTocNode(model.Node{
		NodeID: "toc:segment:claude-1", Level: model.LevelSegment,
		Title: "deployment pipeline work", StartTimeMs: 1000,
		ContributingAgents: []string{"claude"},
	}))
	require.NoError(t, idx.IndexTocNode(model.Node{
		NodeID: "toc:segment:codex-1", Level: model.LevelSegment,
		Title: "deployment pipeline work", StartTimeMs: 2000,
		ContributingAgents: []string{"codex"},
	}))
	require.NoError(t, idx.IndexGrip(model.Grip{
		GripID: "grip:1000:x", Excerpt: "deployment pipeline work", TimestampMs: 1500,
	}))
	require.NoError(t, idx.Commit())

	hits, err := idx.Search(SearchRequest{Query: "deployment pipeline", DocTypeFilter: model.DocTocNode, AgentFilter: "claude", TopK: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "toc:segment:claude-1", hits[0].DocID)
}

func TestUpsertReplacesExistingDocument(t *testing.T) {
	idx := setupTestIndex(t, config.BM25Config{Enabled: true})

	node := model.Node{NodeID: "toc:segment:01A", Level: model.LevelSegment, Title: "original title", StartTimeMs: 1000}
	require.NoError(t, idx.IndexTocNode(node))
	require.NoError(t, idx.Commit())

	node.Title = "revised title about rockets"
	require.NoError(t, idx.IndexTocNode(node))
	require.NoError(t, idx.Commit())

	hits, err := idx.Search(SearchRequest{Query: "rockets", TopK: 5})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	oldHits, err := idx.Search(SearchRequest{Query: "original", TopK: 5})
	require.NoError(t, err)
	require.Empty(t, oldHits)
}

func TestSearchRequiresQuery(t *testing.T) {
	idx := setupTestIndex(t, config.BM25Config{Enabled: true})
	_, err := idx.Search(SearchRequest{})
	require.Error(t, err)
}

func TestPruneRemovesExpiredSegments(t *testing.T) {
	idx := setupTestIndex(t, config.BM25Config{Enabled: true, RetentionEnabled: true})

	oldNode := model.Node{NodeID: "toc:segment:old", Level: model.LevelSegment, Title: "ancient history event", StartTimeMs: 1000}
	newNode := model.Node{NodeID: "toc:segment:new", Level: model.LevelSegment, Title: "ancient history event", StartTimeMs: 9_999_999_999_999}
	require.NoError(t, idx.IndexTocNode(oldNode))
	require.NoError(t, idx.IndexTocNode(newNode))
	require.NoError(t, idx.Commit())

	pruned, err := idx.Prune(9_999_999_999_999)
	require.NoError(t, err)
	require.GreaterOrEqual(t, pruned, 1)

	hits, err := idx.Search(SearchRequest{Query: "ancient history", TopK: 10})
	require.NoError(t, err)
	for _, h := range hits {
		require.NotEqual(t, "toc:segment:old", h.DocID)
	}
}

func TestPruneNoopWhenRetentionDisabled(t *testing.T) {
	idx := setupTestIndex(t, config.BM25Config{Enabled: true, RetentionEnabled: false})
	require.NoError(t, idx.IndexTocNode(model.Node{NodeID: "toc:segment:old", Level: model.LevelSegment, Title: "stays forever", StartTimeMs: 1000}))
	require.NoError(t, idx.Commit())

	pruned, err := idx.Prune(9_999_999_999_999)
	require.NoError(t, err)
	require.Equal(t, 0, pruned)
}
