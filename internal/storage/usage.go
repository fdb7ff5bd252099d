package storage

import (
	"encoding/json"

	"go.etcd.io/bbolt"

	"github.com/agent-memory/agentmemory/internal/model"
)

// usage counters are advisory and losable on crash (spec §3); we still
// persist them so a graceful restart keeps ranking signals warm, but no
// caller may treat a missing counter as an error.
func usageKey(docID string) []byte { return []byte("usage:" + docID) }

func (s *Store) RecordUsage(docID string, atMs int64) (model.UsageStat, error) {
	var stat model.UsageStat
	err := s.update(bucketUsageCounter, func(b *bbolt.Bucket) error {
		stat = model.UsageStat{DocID: docID}
		if data := b.Get(usageKey(docID)); data != nil {
			_ = json.Unmarshal(data, &stat)
		}
		stat.AccessCount++
		stat.LastAccessMs = atMs
		data, err := json.Marshal(stat)
		if err != nil {
			return err
		}
		return b.Put(usageKey(docID), data)
	})
	return stat, err
}

func (s *Store) GetUsage(docID string) (model.UsageStat, bool, error) {
	var stat model.UsageStat
	var found bool
	err := s.view(bucketUsageCounter, func(b *bbolt.Bucket) error {
		data := b.Get(usageKey(docID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &stat)
	})
	return stat, found, err
}
