package outbox

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

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

type fakeConsumer struct {
	id     string
	failOn map[uint64]bool
	seen   []uint64
}

func (f *fakeConsumer) ConsumerID() string { return f.id }

func (f *fakeConsumer) Process(_ context.Context, entry model.OutboxEntry) error {
	f.seen = append(f.seen, entry.EntryID)
	if f.failOn[entry.EntryID] {
		return errTestFailure{}
	}
	return nil
}

type errTestFailure struct{}

func (errTestFailure) Error() string { return "fake processing failure" }

func mkNode(id string, ts int64) model.Node {
	return model.Node{NodeID: id, Level: model.LevelSegment, Title: "t", EndTimeMs: ts}
}

func TestRunOnceProcessesAllEntriesAndAdvancesCheckpoint(t *testing.T) {
	st := setupTestStore(t)
	_, _, err := st.PutTocNode(mkNode("toc:segment:1", 1000), model.EntryTocNodeCreated, 1000)
	require.NoError(t, err)
	_, _, err = st.PutTocNode(mkNode("toc:segment:2", 2000), model.EntryTocNodeCreated, 2000)
	require.NoError(t, err)

	r := New(st, zap.NewNop())
	c := &fakeConsumer{id: "test"}
	processed, err := r.RunOnce(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, 2, processed)
	require.Len(t, c.seen, 2)

	cp, err := st.GetCheckpoint("test")
	require.NoError(t, err)
	require.Equal(t, c.seen[len(c.seen)-1], cp)
}

func TestRunOnceIsNoopWhenNothingNew(t *testing.T) {
	st := setupTestStore(t)
	r := New(st, zap.NewNop())
	c := &fakeConsumer{id: "test"}
	processed, err := r.RunOnce(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, 0, processed)
}

func TestRunOnceDoesNotAdvanceCheckpointPastAFailure(t *testing.T) {
	st := setupTestStore(t)
	_, _, err := st.PutTocNode(mkNode("toc:segment:1", 1000), model.EntryTocNodeCreated, 1000)
	require.NoError(t, err)
	_, _, err = st.PutTocNode(mkNode("toc:segment:2", 2000), model.EntryTocNodeCreated, 2000)
	require.NoError(t, err)
	_, _, err = st.PutTocNode(mkNode("toc:segment:3", 3000), model.EntryTocNodeCreated, 3000)
	require.NoError(t, err)

	r := New(st, zap.NewNop())
	c := &fakeConsumer{id: "test", failOn: map[uint64]bool{2: true}}
	_, err = r.RunOnce(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, c.seen, 3, "continue-on-error: the third entry still runs even though the second failed")

	cp, err := st.GetCheckpoint("test")
	require.NoError(t, err)
	require.Equal(t, uint64(1), cp, "checkpoint must stop before the failed entry so it is retried next tick")
}

func TestRunOnceRetriesFailedEntryOnNextRun(t *testing.T) {
	st := setupTestStore(t)
	_, _, err := st.PutTocNode(mkNode("toc:segment:1", 1000), model.EntryTocNodeCreated, 1000)
	require.NoError(t, err)

	r := New(st, zap.NewNop())
	c := &fakeConsumer{id: "test", failOn: map[uint64]bool{1: true}}
	_, err = r.RunOnce(context.Background(), c)
	require.NoError(t, err)
	cp, _ := st.GetCheckpoint("test")
	require.Equal(t, uint64(0), cp)

	c.failOn = nil
	processed, err := r.RunOnce(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	cp, _ = st.GetCheckpoint("test")
	require.Equal(t, uint64(1), cp)
}
