package topics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agent-memory/agentmemory/internal/config"
	"github.com/agent-memory/agentmemory/internal/model"
	"github.com/agent-memory/agentmemory/internal/storage"
	"github.com/agent-memory/agentmemory/internal/vector"
)

func setupTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testCfg() config.TopicsConfig {
	return config.TopicsConfig{
		Enabled:             true,
		MinClusterSize:      2,
		SimilarityThreshold: 0.6,
		MinImportance:       0.05,
		PruningAgeDays:      30,
	}
}

func putSegmentNode(t *testing.T, st *storage.Store, id, title string, keywords []string, endMs int64, salience float64) {
	t.Helper()
	node := model.Node{
		NodeID:        id,
		Level:         model.LevelSegment,
		TimeKey:       "segment",
		Title:         title,
		Bullets:       []model.Bullet{{Text: title}},
		Keywords:      keywords,
		EndTimeMs:     endMs,
		SalienceScore: salience,
	}
	_, _, err := st.PutTocNode(node, model.EntryTocNodeCreated, endMs)
	require.NoError(t, err)
}

func TestClusteringGroupsSimilarNodesIntoOneTopic(t *testing.T) {
	st := setupTestStore(t)
	now := time.Now()
	nowMs := now.UnixMilli()

	putSegmentNode(t, st, "toc:segment:01A", "storage bbolt migration", []string{"storage", "bbolt", "migration"}, nowMs, 0.6)
	putSegmentNode(t, st, "toc:segment:01B", "storage bbolt buckets", []string{"storage", "bbolt", "buckets"}, nowMs, 0.6)
	putSegmentNode(t, st, "toc:segment:01C", "frontend css layout", []string{"frontend", "css", "layout"}, nowMs, 0.6)

	ex := NewExtractor(st, vector.NewStubEmbedder(64), NewStubLabeler(), testCfg(), zap.NewNop())
	ex.now = func() time.Time { return now }

	require.NoError(t, ex.RunExtraction(context.Background()))

	topics, err := st.ListTopics()
	require.NoError(t, err)
	require.Len(t, topics, 1, "the two storage/bbolt nodes should cluster; the lone css node is noise below min_cluster_size")
	require.Equal(t, 2, topics[0].NodeCount)
}

func TestLabelFallsBackToTopKeywordsWhenLabelerFails(t *testing.T) {
	st := setupTestStore(t)
	now := time.Now()
	nowMs := now.UnixMilli()

	putSegmentNode(t, st, "toc:segment:01A", "storage bbolt migration", []string{"storage", "bbolt", "migration"}, nowMs, 0.6)
	putSegmentNode(t, st, "toc:segment:01B", "storage bbolt buckets", []string{"storage", "bbolt", "buckets"}, nowMs, 0.6)

	ex := NewExtractor(st, vector.NewStubEmbedder(64), NewStubLabeler(), testCfg(), zap.NewNop())
	ex.now = func() time.Time { return now }
	require.NoError(t, ex.RunExtraction(context.Background()))

	topics, err := st.ListTopics()
	require.NoError(t, err)
	require.Len(t, topics, 1)
	require.NotEmpty(t, topics[0].Label)
	require.Contains(t, topics[0].Label, "Storage")
}

func TestImportanceDecaysWithAge(t *testing.T) {
	now := time.Now()
	fresh := []mention{{node: model.Node{EndTimeMs: now.UnixMilli(), SalienceScore: 0.6}}}
	old := []mention{{node: model.Node{EndTimeMs: now.Add(-60 * 24 * time.Hour).UnixMilli(), SalienceScore: 0.6}}}

	require.Greater(t, importanceOf(fresh, now), importanceOf(old, now))
}

func TestRunExtractionIsIdempotentAndReusesTopicID(t *testing.T) {
	st := setupTestStore(t)
	now := time.Now()
	nowMs := now.UnixMilli()

	putSegmentNode(t, st, "toc:segment:01A", "storage bbolt migration", []string{"storage", "bbolt", "migration"}, nowMs, 0.6)
	putSegmentNode(t, st, "toc:segment:01B", "storage bbolt buckets", []string{"storage", "bbolt", "buckets"}, nowMs, 0.6)

	ex := NewExtractor(st, vector.NewStubEmbedder(64), NewStubLabeler(), testCfg(), zap.NewNop())
	ex.now = func() time.Time { return now }

	require.NoError(t, ex.RunExtraction(context.Background()))
	first, err := st.ListTopics()
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.NoError(t, ex.RunExtraction(context.Background()))
	second, err := st.ListTopics()
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, first[0].TopicID, second[0].TopicID)
}

func TestPruneMarksStaleTopicsPrunedNotDeleted(t *testing.T) {
	st := setupTestStore(t)
	now := time.Now()

	stale := model.Topic{
		TopicID:         "topic:stale",
		Label:           "Old Thing",
		ImportanceScore: 0.01,
		LastMentionedAt: now.Add(-60 * 24 * time.Hour),
		Status:          model.TopicActive,
	}
	require.NoError(t, st.PutTopic(stale))

	ex := NewExtractor(st, vector.NewStubEmbedder(64), NewStubLabeler(), testCfg(), zap.NewNop())
	ex.now = func() time.Time { return now }
	require.NoError(t, ex.pruneStale(now))

	got, err := st.GetTopic("topic:stale")
	require.NoError(t, err)
	require.Equal(t, model.TopicPruned, got.Status)
}

func TestResurrectionOnNewMentionRestoresActive(t *testing.T) {
	st := setupTestStore(t)
	now := time.Now()
	nowMs := now.UnixMilli()
	embedder := vector.NewStubEmbedder(64)

	// The centroid a prior extraction run would have computed for this same
	// pair of nodes, so the new run matches this topic by similarity instead
	// of minting a fresh one.
	v1, err := embedder.Embed(context.Background(), "storage bbolt migration storage bbolt migration")
	require.NoError(t, err)
	v2, err := embedder.Embed(context.Background(), "storage bbolt buckets storage bbolt buckets")
	require.NoError(t, err)
	centroid := make([]float32, 64)
	for i := range centroid {
		centroid[i] = (v1[i] + v2[i]) / 2
	}

	pruned := model.Topic{
		TopicID:         "topic:old",
		Label:           "Storage Bbolt",
		Centroid:        centroid,
		ImportanceScore: 0.01,
		LastMentionedAt: now.Add(-60 * 24 * time.Hour),
		Status:          model.TopicPruned,
	}
	require.NoError(t, st.PutTopic(pruned))

	putSegmentNode(t, st, "toc:segment:01A", "storage bbolt migration", []string{"storage", "bbolt", "migration"}, nowMs, 0.6)
	putSegmentNode(t, st, "toc:segment:01B", "storage bbolt buckets", []string{"storage", "bbolt", "buckets"}, nowMs, 0.6)

	ex := NewExtractor(st, embedder, NewStubLabeler(), testCfg(), zap.NewNop())
	ex.now = func() time.Time { return now }
	require.NoError(t, ex.RunExtraction(context.Background()))

	topics, err := st.ListTopics()
	require.NoError(t, err)
	require.Len(t, topics, 1)
	require.Equal(t, "topic:old", topics[0].TopicID)
	require.Equal(t, model.TopicActive, topics[0].Status)
}

func TestRunExtractionReturnsUnavailableWhenDisabled(t *testing.T) {
	st := setupTestStore(t)
	cfg := testCfg()
	cfg.Enabled = false
	ex := NewExtractor(st, vector.NewStubEmbedder(64), NewStubLabeler(), cfg, zap.NewNop())

	err := ex.RunExtraction(context.Background())
	require.Error(t, err)
}

func TestIsBroaderTermRecognizesPrefixPhrase(t *testing.T) {
	require.True(t, isBroaderTerm("Storage", "Storage Bbolt Migration"))
	require.False(t, isBroaderTerm("Storage Bbolt Migration", "Storage"))
	require.False(t, isBroaderTerm("Frontend", "Storage Bbolt Migration"))
}

func TestWouldCycleRejectsBackEdge(t *testing.T) {
	parentOf := map[string]string{"b": "a", "c": "b"}
	require.True(t, wouldCycle(parentOf, "c", "a"))
}
