// Package wire holds the external JSON event shape (spec §6) and a
// defense-in-depth redaction pass. Adapters are the ones contractually
// required to strip sensitive keys before sending; this package carries a
// second copy of the same rule applied again at ingestion, since payloads
// are immutable forever once stored and a leaked secret can never be
// scrubbed out of Storage later.
package wire

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/agent-memory/agentmemory/internal/apperr"
)

// Event is the wire-level shape every adapter sends (spec §6 Event wire
// format).
type Event struct {
	HookEventName string         `json:"hook_event_name"`
	EventID       string         `json:"event_id,omitempty"`
	SessionID     string         `json:"session_id"`
	Timestamp     any            `json:"timestamp"`
	Cwd           string         `json:"cwd,omitempty"`
	Agent         string         `json:"agent"`
	Message       string         `json:"message,omitempty"`
	ToolName      string         `json:"tool_name,omitempty"`
	ToolInput     map[string]any `json:"tool_input,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// NormalizeTimestampMs accepts either a unix-millisecond number or an ISO
// 8601 string (spec §6: "ISO 8601 or unix ms; normalized to ms
// internally").
func NormalizeTimestampMs(raw any) (int64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, apperr.InvalidArgument("timestamp")
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, apperr.InvalidArgumentf("timestamp", "not a number: %v", raw)
		}
		return int64(f), nil
	case string:
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return ms, nil
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UnixMilli(), nil
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UnixMilli(), nil
		}
		return 0, apperr.InvalidArgumentf("timestamp", "unparsable: %q", v)
	default:
		return 0, apperr.InvalidArgumentf("timestamp", "unsupported type %T", raw)
	}
}

// sensitiveKey matches the patterns spec §3/§6 require every adapter to
// strip before sending: api_key, token, secret, password, credential,
// authorization, case-insensitive.
var sensitiveKey = regexp.MustCompile(`(?i)(api_key|token|secret|password|credential|authorization)`)

const redactedValue = "[REDACTED]"

// Redact walks payload recursively and replaces any value whose key
// matches sensitiveKey, returning a new map so the caller's original
// payload (already durable, if this runs post-ingest) is never mutated in
// place.
func Redact(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if sensitiveKey.MatchString(k) {
			out[k] = redactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Redact(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	default:
		return val
	}
}

// String is a small debug helper; wire payloads otherwise never get a
// String() method since they're consumed as plain JSON.
func (e Event) String() string {
	return fmt.Sprintf("wire.Event{hook_event_name=%s session_id=%s agent=%s}", e.HookEventName, e.SessionID, e.Agent)
}
