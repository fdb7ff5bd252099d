package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agent-memory/agentmemory/internal/model"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPutEventWithOutboxIdempotent(t *testing.T) {
	st := setupTestStore(t)

	ev := model.Event{EventID: "evt-1", SessionID: "s1", Agent: "claude", Kind: model.KindUserPrompt, TimestampMs: 1000, IngestedAtMs: 1001}

	isNew, entryID, err := st.PutEventWithOutbox(ev)
	require.NoError(t, err)
	require.True(t, isNew)
	require.Equal(t, uint64(1), entryID)

	// Duplicate event_id is an accepted no-op (spec §4.2).
	isNew2, _, err := st.PutEventWithOutbox(ev)
	require.NoError(t, err)
	require.False(t, isNew2)

	got, err := st.GetEvent("evt-1")
	require.NoError(t, err)
	require.Equal(t, ev.SessionID, got.SessionID)

	entries, err := st.ReadOutboxAfter(0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, model.EntryEventIngested, entries[0].EntryType)
}

func TestGetEventsInRangeOrdering(t *testing.T) {
	st := setupTestStore(t)

	for i, ts := range []int64{3000, 1000, 2000} {
		ev := model.Event{EventID: "evt-" + string(rune('a'+i)), SessionID: "s1", Agent: "claude", Kind: model.KindUserPrompt, TimestampMs: ts}
		_, _, err := st.PutEventWithOutbox(ev)
		require.NoError(t, err)
	}

	events, err := st.GetEventsInRange(0, 5000, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, int64(1000), events[0].TimestampMs)
	require.Equal(t, int64(2000), events[1].TimestampMs)
	require.Equal(t, int64(3000), events[2].TimestampMs)
}

func TestPutTocNodeVersioning(t *testing.T) {
	st := setupTestStore(t)

	node := model.Node{NodeID: "toc:segment:01ABC", Level: model.LevelSegment, Title: "first"}
	v1, _, err := st.PutTocNode(node, model.EntryTocNodeCreated, 1000)
	require.NoError(t, err)
	require.Equal(t, uint64(1), v1)

	node.Title = "revised"
	v2, _, err := st.PutTocNode(node, model.EntryTocNodeUpdated, 2000)
	require.NoError(t, err)
	require.Equal(t, uint64(2), v2)

	latest, err := st.GetTocNode(node.NodeID)
	require.NoError(t, err)
	require.Equal(t, "revised", latest.Title)
	require.Equal(t, uint64(2), latest.Version)

	// Old version remains readable for audit (spec §4.3).
	old, err := st.GetTocNodeVersion(node.NodeID, 1)
	require.NoError(t, err)
	require.Equal(t, "first", old.Title)
}

func TestListTocLevelPrefixScan(t *testing.T) {
	st := setupTestStore(t)

	for _, id := range []string{"toc:day:2026-02-10", "toc:day:2026-02-11", "toc:week:2026-W06"} {
		_, _, err := st.PutTocNode(model.Node{NodeID: id, Level: model.TocLevel(id[4:7])}, model.EntryTocNodeCreated, 1)
		require.NoError(t, err)
	}

	days, err := st.ListTocLevel(model.LevelDay)
	require.NoError(t, err)
	require.Len(t, days, 2)
}

func TestGripRoundTrip(t *testing.T) {
	st := setupTestStore(t)

	g := model.Grip{GripID: "grip:1000:01XYZ", Excerpt: "hello", EventIDStart: "a", EventIDEnd: "b", TocNodeID: "toc:segment:seg1"}
	_, err := st.PutGrip(g, 1000)
	require.NoError(t, err)

	got, err := st.GetGrip(g.GripID)
	require.NoError(t, err)
	require.Equal(t, "hello", got.Excerpt)

	byNode, err := st.ListGripsByNode("toc:segment:seg1")
	require.NoError(t, err)
	require.Len(t, byNode, 1)
}

func TestCheckpointMonotonicityIsCallerResponsibility(t *testing.T) {
	st := setupTestStore(t)

	require.NoError(t, st.PutCheckpoint("bm25", 5))
	v, err := st.GetCheckpoint("bm25")
	require.NoError(t, err)
	require.Equal(t, uint64(5), v)
}

func TestVectorMetadataIdempotentUpdate(t *testing.T) {
	st := setupTestStore(t)

	entry := model.VectorEntry{VectorID: 42, DocType: model.DocGrip, DocID: "grip:1", Agent: "claude"}
	require.NoError(t, st.PutVectorMetadata(entry))

	id, found, err := st.FindVectorIDByDocID("grip:1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(42), id)
}

func TestNotFoundKind(t *testing.T) {
	st := setupTestStore(t)
	_, err := st.GetGrip("does-not-exist")
	require.Error(t, err)
}
