package eventlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agent-memory/agentmemory/internal/apperr"
	"github.com/agent-memory/agentmemory/internal/model"
	"github.com/agent-memory/agentmemory/internal/storage"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	st, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, zap.NewNop())
}

func TestIngestAssignsEventID(t *testing.T) {
	l := newTestLog(t)

	res, err := l.Ingest(IngestRequest{
		SessionID:   "s1",
		Agent:       "claude",
		Kind:        model.KindUserPrompt,
		TimestampMs: 1700000000000,
	})
	require.NoError(t, err)
	require.True(t, res.IsNew)
	require.NotEmpty(t, res.Event.EventID)
}

func TestIngestRoundTrip(t *testing.T) {
	l := newTestLog(t)

	res, err := l.Ingest(IngestRequest{
		EventID:     "evt-1",
		SessionID:   "s1",
		Agent:       "claude",
		Kind:        model.KindUserPrompt,
		TimestampMs: 1000,
	})
	require.NoError(t, err)

	events, err := l.GetEvents(res.Event.TimestampMs, res.Event.TimestampMs+1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "evt-1", events[0].EventID)
}

func TestIngestMissingFieldsNameTheField(t *testing.T) {
	l := newTestLog(t)

	_, err := l.Ingest(IngestRequest{Agent: "claude", Kind: model.KindUserPrompt, TimestampMs: 1})
	require.Error(t, err)
	require.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
	require.Contains(t, err.Error(), "session_id")
}

func TestIngestRedactsSensitiveKeysInPayload(t *testing.T) {
	l := newTestLog(t)

	res, err := l.Ingest(IngestRequest{
		SessionID:   "s1",
		Agent:       "claude",
		Kind:        model.KindPreToolUse,
		TimestampMs: 1,
		Payload: map[string]any{
			"api_key": "sk-live-abc123",
			"command": "curl https://example.com",
		},
	})
	require.NoError(t, err)
	require.Equal(t, "[REDACTED]", res.Event.Payload["api_key"])
	require.Equal(t, "curl https://example.com", res.Event.Payload["command"])
}

func TestIngestIdempotent(t *testing.T) {
	l := newTestLog(t)
	req := IngestRequest{EventID: "dup-1", SessionID: "s1", Agent: "claude", Kind: model.KindUserPrompt, TimestampMs: 1}

	first, err := l.Ingest(req)
	require.NoError(t, err)
	require.True(t, first.IsNew)

	second, err := l.Ingest(req)
	require.NoError(t, err)
	require.False(t, second.IsNew)
}
