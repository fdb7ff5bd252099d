package grip

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agent-memory/agentmemory/internal/idgen"
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

func putEvent(t *testing.T, st *storage.Store, ts int64, msg string) model.Event {
	t.Helper()
	ev := model.Event{
		EventID:      idgen.NewAtMs(ts),
		SessionID:    "s1",
		Agent:        "claude",
		Kind:         model.KindAssistantResponse,
		TimestampMs:  ts,
		Payload:      map[string]any{"message": msg},
		IngestedAtMs: ts,
	}
	_, _, err := st.PutEventWithOutbox(ev)
	require.NoError(t, err)
	return ev
}

func TestExpandPartitionsBeforeExcerptAfter(t *testing.T) {
	st := setupTestStore(t)
	base := int64(1_700_000_000_000)

	before1 := putEvent(t, st, base, "earlier context")
	before2 := putEvent(t, st, base+1000, "more earlier context")
	excerpt1 := putEvent(t, st, base+2000, "the actual excerpt start")
	excerpt2 := putEvent(t, st, base+3000, "the actual excerpt end")
	after1 := putEvent(t, st, base+4000, "later context")
	after2 := putEvent(t, st, base+5000, "even later context")

	g := model.Grip{
		GripID:       idgen.NewAtMs(base),
		Excerpt:      "the actual excerpt",
		EventIDStart: excerpt1.EventID,
		EventIDEnd:   excerpt2.EventID,
		TocNodeID:    "toc:segment:seg1",
		TimestampMs:  excerpt1.TimestampMs,
	}
	_, err := st.PutGrip(g, base)
	require.NoError(t, err)

	e := New(st, zap.NewNop())
	result, err := e.Expand(ExpandRequest{
		GripID:          g.GripID,
		EventsBefore:    10,
		EventsAfter:     10,
		MaxTimeBeforeMs: 10_000,
		MaxTimeAfterMs:  10_000,
	})
	require.NoError(t, err)

	require.Len(t, result.ExcerptEvents, 2)
	require.Equal(t, excerpt1.EventID, result.ExcerptEvents[0].EventID)
	require.Equal(t, excerpt2.EventID, result.ExcerptEvents[1].EventID)

	require.Len(t, result.EventsBefore, 2)
	require.Equal(t, before1.EventID, result.EventsBefore[0].EventID)
	require.Equal(t, before2.EventID, result.EventsBefore[1].EventID)

	require.Len(t, result.EventsAfter, 2)
	require.Equal(t, after1.EventID, result.EventsAfter[0].EventID)
	require.Equal(t, after2.EventID, result.EventsAfter[1].EventID)
}

func TestExpandTruncatesByCount(t *testing.T) {
	st := setupTestStore(t)
	base := int64(1_700_000_000_000)

	for i := int64(0); i < 5; i++ {
		putEvent(t, st, base+i*100, "before event")
	}
	excerpt := putEvent(t, st, base+10_000, "excerpt event")
	for i := int64(1); i <= 5; i++ {
		putEvent(t, st, base+10_000+i*100, "after event")
	}

	g := model.Grip{
		GripID:       "grip:trunc",
		Excerpt:      "excerpt event",
		EventIDStart: excerpt.EventID,
		EventIDEnd:   excerpt.EventID,
		TocNodeID:    "toc:segment:seg1",
		TimestampMs:  excerpt.TimestampMs,
	}
	_, err := st.PutGrip(g, base)
	require.NoError(t, err)

	e := New(st, zap.NewNop())
	result, err := e.Expand(ExpandRequest{
		GripID:          g.GripID,
		EventsBefore:    2,
		EventsAfter:     3,
		MaxTimeBeforeMs: 60_000,
		MaxTimeAfterMs:  60_000,
	})
	require.NoError(t, err)
	require.Len(t, result.EventsBefore, 2)
	require.Len(t, result.EventsAfter, 3)
	require.Len(t, result.ExcerptEvents, 1)
}

func TestExpandNonexistentGripSucceedsWithEmptyContent(t *testing.T) {
	st := setupTestStore(t)
	e := New(st, zap.NewNop())
	result, err := e.Expand(ExpandRequest{GripID: "grip:does-not-exist", MaxTimeBeforeMs: 1000, MaxTimeAfterMs: 1000})
	require.NoError(t, err)
	require.Empty(t, result.Grip.GripID)
	require.Empty(t, result.ExcerptEvents)
}

func TestExpandMissingGripIDIsInvalidArgument(t *testing.T) {
	st := setupTestStore(t)
	e := New(st, zap.NewNop())
	_, err := e.Expand(ExpandRequest{})
	require.Error(t, err)
}
