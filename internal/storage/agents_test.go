package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordAgentSeenTracksDistinctSessionsAndEventCount(t *testing.T) {
	st := setupTestStore(t)

	require.NoError(t, st.RecordAgentSeen("claude", "s1", 100))
	require.NoError(t, st.RecordAgentSeen("claude", "s1", 200))
	require.NoError(t, st.RecordAgentSeen("claude", "s2", 300))

	agents, err := st.ListAgents()
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.Equal(t, "claude", agents[0].Agent)
	require.Equal(t, 2, agents[0].SessionCount)
	require.Equal(t, int64(3), agents[0].EventCount)
	require.Equal(t, int64(300), agents[0].LastSeenMs)
}

func TestListAgentsOrdersByLastSeenDescending(t *testing.T) {
	st := setupTestStore(t)

	require.NoError(t, st.RecordAgentSeen("old-agent", "s1", 100))
	require.NoError(t, st.RecordAgentSeen("new-agent", "s2", 500))

	agents, err := st.ListAgents()
	require.NoError(t, err)
	require.Len(t, agents, 2)
	require.Equal(t, "new-agent", agents[0].Agent)
	require.Equal(t, "old-agent", agents[1].Agent)
}
