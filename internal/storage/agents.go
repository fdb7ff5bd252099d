package storage

import (
	"encoding/json"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/agent-memory/agentmemory/internal/model"
)

// agent summaries are advisory discovery state, not part of the durable
// event log itself — rebuildable from events if ever lost, the same way
// usage_counters is (spec §3: "losable on crash, no caller may treat a
// missing counter as an error").
func agentKey(agent string) []byte { return []byte("agent:" + agent) }

func agentSessionKey(agent, sessionID string) []byte {
	return []byte("agentsession:" + agent + ":" + sessionID)
}

// RecordAgentSeen upserts an agent's summary row on ingest, incrementing
// SessionCount the first time a given session_id is observed for that
// agent and always bumping EventCount/LastSeenMs (spec §6 ListAgents:
// "session counts and last-seen").
func (s *Store) RecordAgentSeen(agent, sessionID string, atMs int64) error {
	return s.update(bucketAgents, func(b *bbolt.Bucket) error {
		sessionKey := agentSessionKey(agent, sessionID)
		newSession := b.Get(sessionKey) == nil
		if newSession {
			if err := b.Put(sessionKey, []byte{1}); err != nil {
				return err
			}
		}

		var summary model.AgentSummary
		if data := b.Get(agentKey(agent)); data != nil {
			_ = json.Unmarshal(data, &summary)
		}
		summary.Agent = agent
		summary.EventCount++
		summary.LastSeenMs = atMs
		if newSession {
			summary.SessionCount++
		}
		data, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		return b.Put(agentKey(agent), data)
	})
}

// ListAgents returns every known agent's summary, ordered by most recently
// seen first.
func (s *Store) ListAgents() ([]model.AgentSummary, error) {
	var out []model.AgentSummary
	err := s.view(bucketAgents, func(b *bbolt.Bucket) error {
		prefixIterate(b, []byte("agent:"), func(k, v []byte) bool {
			var summary model.AgentSummary
			if err := json.Unmarshal(v, &summary); err == nil {
				out = append(out, summary)
			}
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenMs > out[j].LastSeenMs })
	return out, nil
}
