package vector

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
)

func setupTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStubEmbedderIsDeterministic(t *testing.T) {
	e := NewStubEmbedder(64)
	v1, err := e.Embed(context.Background(), "the storage layer uses bbolt")
	require.NoError(t, err)
	v2, err := e.Embed(context.Background(), "the storage layer uses bbolt")
	require.NoError(t, err)
	require.Equal(t, v1, v2)
	require.Len(t, v1, 64)
}

func TestUpsertAndSearchFindsNearestNeighbor(t *testing.T) {
	st := setupTestStore(t)
	idx := New(st, NewStubEmbedder(64), config.VectorConfig{Enabled: true, Dimensions: 64}, zap.NewNop())

	require.NoError(t, idx.UpsertText(context.Background(), model.DocTocNode, "toc:segment:01A", "claude", "refactored the storage layer to use bbolt"))
	require.NoError(t, idx.UpsertText(context.Background(), model.DocTocNode, "toc:segment:01B", "codex", "unrelated discussion about frontend css"))

	results, err := idx.Search(context.Background(), "refactored the storage layer to use bbolt", 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "toc:segment:01A", results[0].Meta.DocID)
}

func TestUpsertIsIdempotentPerDocID(t *testing.T) {
	st := setupTestStore(t)
	idx := New(st, NewStubEmbedder(32), config.VectorConfig{Enabled: true, Dimensions: 32}, zap.NewNop())

	require.NoError(t, idx.UpsertText(context.Background(), model.DocGrip, "grip:1", "claude", "first version"))
	require.Equal(t, 1, idx.Len())

	require.NoError(t, idx.UpsertText(context.Background(), model.DocGrip, "grip:1", "claude", "revised version"))
	require.Equal(t, 1, idx.Len())
}

func TestRemoveDeletesVectorAndMetadata(t *testing.T) {
	st := setupTestStore(t)
	idx := New(st, NewStubEmbedder(32), config.VectorConfig{Enabled: true, Dimensions: 32}, zap.NewNop())

	require.NoError(t, idx.UpsertText(context.Background(), model.DocGrip, "grip:1", "claude", "text"))
	require.Equal(t, 1, idx.Len())

	require.NoError(t, idx.Remove("grip:1"))
	require.Equal(t, 0, idx.Len())

	_, found, err := st.FindVectorIDByDocID("grip:1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRemoveUnknownDocIDIsNoop(t *testing.T) {
	st := setupTestStore(t)
	idx := New(st, NewStubEmbedder(32), config.VectorConfig{Enabled: true, Dimensions: 32}, zap.NewNop())
	require.NoError(t, idx.Remove("does-not-exist"))
}

func TestClearEmptiesGraphButKeepsMetadata(t *testing.T) {
	st := setupTestStore(t)
	idx := New(st, NewStubEmbedder(32), config.VectorConfig{Enabled: true, Dimensions: 32}, zap.NewNop())

	require.NoError(t, idx.UpsertText(context.Background(), model.DocGrip, "grip:1", "claude", "text"))
	idx.Clear()
	require.Equal(t, 0, idx.Len())

	entries, err := st.ListVectorMetadata()
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRebuildReplaysFromMetadataAndVectors(t *testing.T) {
	st := setupTestStore(t)
	embedder := NewStubEmbedder(16)
	idx := New(st, embedder, config.VectorConfig{Enabled: true, Dimensions: 16}, zap.NewNop())

	require.NoError(t, idx.UpsertText(context.Background(), model.DocGrip, "grip:1", "claude", "some text to embed"))
	entries, err := st.ListVectorMetadata()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	vec, err := embedder.Embed(context.Background(), "some text to embed")
	require.NoError(t, err)
	vectors := map[uint64][]float32{entries[0].VectorID: vec}

	idx.Rebuild(entries, vectors)
	require.Equal(t, 1, idx.Len())
}

func TestPruneOlderThanRemovesStaleVectorsOnly(t *testing.T) {
	st := setupTestStore(t)
	idx := New(st, NewStubEmbedder(32), config.VectorConfig{}, zap.NewNop())

	fixedNow := int64(1_000_000)
	idx.now = func() time.Time { return time.UnixMilli(fixedNow) }
	require.NoError(t, idx.UpsertText(context.Background(), model.DocTocNode, "toc:segment:old-doc", "claude", "old content"))

	fixedNow = 2_000_000
	require.NoError(t, idx.UpsertText(context.Background(), model.DocTocNode, "toc:segment:new-doc", "claude", "new content"))

	pruned, err := idx.PruneOlderThan(1_500_000)
	require.NoError(t, err)
	require.Equal(t, 1, pruned)

	_, found, err := st.FindVectorIDByDocID("toc:segment:old-doc")
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = st.FindVectorIDByDocID("toc:segment:new-doc")
	require.NoError(t, err)
	require.True(t, found)
}

func TestPruneOlderThanNeverPrunesMonthOrYearVectors(t *testing.T) {
	st := setupTestStore(t)
	idx := New(st, NewStubEmbedder(32), config.VectorConfig{}, zap.NewNop())

	idx.now = func() time.Time { return time.UnixMilli(1_000_000) }
	require.NoError(t, idx.UpsertText(context.Background(), model.DocTocNode, "toc:month:2020-01", "claude", "ancient month rollup"))
	require.NoError(t, idx.UpsertText(context.Background(), model.DocTocNode, "toc:year:2020", "claude", "ancient year rollup"))

	pruned, err := idx.PruneOlderThan(9_999_999_999)
	require.NoError(t, err)
	require.Equal(t, 0, pruned)

	_, found, err := st.FindVectorIDByDocID("toc:month:2020-01")
	require.NoError(t, err)
	require.True(t, found)

	_, found, err = st.FindVectorIDByDocID("toc:year:2020")
	require.NoError(t, err)
	require.True(t, found)
}

func TestPruneExpiredAppliesPerLevelWindows(t *testing.T) {
	st := setupTestStore(t)
	idx := New(st, NewStubEmbedder(32), config.VectorConfig{}, zap.NewNop())

	const day = int64(24 * 60 * 60 * 1000)
	now := int64(10_000 * day)

	idx.now = func() time.Time { return time.UnixMilli(now - 40*day) }
	require.NoError(t, idx.UpsertText(context.Background(), model.DocTocNode, "toc:segment:stale-segment", "claude", "stale segment"))
	require.NoError(t, idx.UpsertText(context.Background(), model.DocGrip, "grip:1:stale", "claude", "stale grip"))

	idx.now = func() time.Time { return time.UnixMilli(now - 400*day) }
	require.NoError(t, idx.UpsertText(context.Background(), model.DocTocNode, "toc:day:stale-day", "claude", "stale day"))

	idx.now = func() time.Time { return time.UnixMilli(now - 200*day) }
	require.NoError(t, idx.UpsertText(context.Background(), model.DocTocNode, "toc:week:fresh-week", "claude", "week within 5y window"))

	idx.now = func() time.Time { return time.UnixMilli(now - 10000*day) }
	require.NoError(t, idx.UpsertText(context.Background(), model.DocTocNode, "toc:month:old-month", "claude", "month never pruned"))
	require.NoError(t, idx.UpsertText(context.Background(), model.DocTocNode, "toc:year:old-year", "claude", "year never pruned"))

	pruned, err := idx.PruneExpired(now)
	require.NoError(t, err)
	require.Equal(t, 3, pruned) // segment, grip, day — all past their window; week/month/year survive

	for _, docID := range []string{"toc:week:fresh-week", "toc:month:old-month", "toc:year:old-year"} {
		_, found, err := st.FindVectorIDByDocID(docID)
		require.NoError(t, err)
		require.True(t, found, "expected %s to survive", docID)
	}
	for _, docID := range []string{"toc:segment:stale-segment", "grip:1:stale", "toc:day:stale-day"} {
		_, found, err := st.FindVectorIDByDocID(docID)
		require.NoError(t, err)
		require.False(t, found, "expected %s to be pruned", docID)
	}
}

func TestUpsertRejectsModelVersionMismatch(t *testing.T) {
	st := setupTestStore(t)
	idxA := New(st, NewStubEmbedder(32), config.VectorConfig{Enabled: true, Dimensions: 32}, zap.NewNop())
	require.NoError(t, idxA.UpsertText(context.Background(), model.DocGrip, "grip:1", "claude", "text"))

	otherEmbedder := fixedModelEmbedder{StubEmbedder: NewStubEmbedder(32), model: "other-model-v2"}
	idxB := New(st, otherEmbedder, config.VectorConfig{Enabled: true, Dimensions: 32}, zap.NewNop())
	err := idxB.UpsertText(context.Background(), model.DocGrip, "grip:1", "claude", "text")
	require.Error(t, err)
}

type fixedModelEmbedder struct {
	StubEmbedder
	model string
}

func (f fixedModelEmbedder) ModelID() string { return f.model }
