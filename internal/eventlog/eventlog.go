// Package eventlog is the append-only ingestion pipeline (spec §4.2):
// validates a request, assigns identity when the adapter didn't send one,
// stamps ingestion time, and commits {event, outbox:event_ingested}
// atomically through internal/storage.
//
// The validation style mirrors the teacher's RegisterAgent, which assigns a
// uuid when AgentID is empty and fails fast with a wrapped error otherwise;
// here every required-field check names the field in the error message
// because, per spec §4.2, "tests rely on this."
package eventlog

import (
	"time"

	"go.uber.org/zap"

	"github.com/agent-memory/agentmemory/internal/apperr"
	"github.com/agent-memory/agentmemory/internal/idgen"
	"github.com/agent-memory/agentmemory/internal/model"
	"github.com/agent-memory/agentmemory/internal/storage"
	"github.com/agent-memory/agentmemory/internal/wire"
)

// Log is the Event Log component.
type Log struct {
	store *storage.Store
	log   *zap.Logger
	now   func() time.Time
}

func New(store *storage.Store, logger *zap.Logger) *Log {
	return &Log{store: store, log: logger.Named("eventlog"), now: time.Now}
}

// IngestRequest is the internal shape the Service Surface builds from the
// external wire event (spec §6) before calling Ingest.
type IngestRequest struct {
	EventID     string
	SessionID   string
	Agent       string
	Kind        model.EventKind
	TimestampMs int64
	Cwd         string
	Payload     map[string]any
}

// Result reports whether ingestion created a new event or recognized a
// retried duplicate (spec §4.2 idempotency).
type Result struct {
	Event   model.Event
	IsNew   bool
	EntryID uint64
}

// Ingest validates the request, assigns event_id/ingested_at_ms, and commits
// the event and its outbox entry atomically.
func (l *Log) Ingest(req IngestRequest) (Result, error) {
	if req.SessionID == "" {
		return Result{}, apperr.InvalidArgument("session_id")
	}
	if req.Agent == "" {
		return Result{}, apperr.InvalidArgument("agent")
	}
	if req.Kind == "" {
		return Result{}, apperr.InvalidArgument("kind")
	}
	if req.TimestampMs <= 0 {
		return Result{}, apperr.InvalidArgument("timestamp_ms")
	}
	if !validKind(req.Kind) {
		return Result{}, apperr.InvalidArgumentf("kind", "unknown event kind %q", req.Kind)
	}

	eventID := req.EventID
	if eventID == "" {
		eventID = newEventID(req.TimestampMs)
	}

	nowMs := l.now().UnixMilli()
	// Adapters are contractually required to redact secrets before sending
	// (spec §6), but the payload is immutable forever once committed, so a
	// second redaction pass runs here as a backstop against a buggy adapter.
	ev := model.Event{
		EventID:      eventID,
		SessionID:    req.SessionID,
		Agent:        req.Agent,
		Kind:         req.Kind,
		TimestampMs:  req.TimestampMs,
		Cwd:          req.Cwd,
		Payload:      wire.Redact(req.Payload),
		IngestedAtMs: nowMs,
	}

	isNew, entryID, err := l.store.PutEventWithOutbox(ev)
	if err != nil {
		return Result{}, apperr.Wrap(err)
	}
	if isNew {
		if err := l.store.RecordAgentSeen(ev.Agent, ev.SessionID, nowMs); err != nil {
			l.log.Warn("failed to record agent discovery summary", zap.String("agent", ev.Agent), zap.Error(err))
		}
		l.log.Debug("ingested event", zap.String("event_id", ev.EventID), zap.String("kind", string(ev.Kind)), zap.String("agent", ev.Agent))
	} else {
		l.log.Debug("duplicate event ignored", zap.String("event_id", ev.EventID))
	}
	return Result{Event: ev, IsNew: isNew, EntryID: entryID}, nil
}

// GetEvents is a thin pass-through used by the Service Surface's GetEvents
// RPC (spec §6); it validates the range here so every caller gets the same
// InvalidArgument behavior.
func (l *Log) GetEvents(startMs, endMs int64, limit int) ([]model.Event, error) {
	if endMs < startMs {
		return nil, apperr.InvalidArgumentf("end_ms", "end_ms %d is before start_ms %d", endMs, startMs)
	}
	events, err := l.store.GetEventsInRange(startMs, endMs, limit)
	if err != nil {
		return nil, apperr.Wrap(err)
	}
	return events, nil
}

func validKind(k model.EventKind) bool {
	switch k {
	case model.KindSessionStart, model.KindUserPrompt, model.KindAssistantResponse,
		model.KindPreToolUse, model.KindPostToolUse, model.KindSubagentStart,
		model.KindSubagentStop, model.KindSessionEnd:
		return true
	default:
		return false
	}
}

// newEventID assigns a lexicographically time-sortable ULID embedding
// timestamp_ms (spec §3), the way the teacher falls back to uuid.New() when
// AgentID/episode ID are blank — except ordering matters here, so ULID
// replaces uuid for anything that must sort by time.
func newEventID(tsMs int64) string {
	return idgen.NewAtMs(tsMs)
}
