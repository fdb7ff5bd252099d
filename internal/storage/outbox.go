package storage

import (
	"encoding/json"

	"go.etcd.io/bbolt"

	"github.com/agent-memory/agentmemory/internal/model"
)

// ReadOutboxAfter returns up to limit entries with entry_id > afterID, in
// ascending order (spec §4.8 relay contract).
func (s *Store) ReadOutboxAfter(afterID uint64, limit int) ([]model.OutboxEntry, error) {
	var out []model.OutboxEntry
	err := s.view(bucketOutbox, func(b *bbolt.Bucket) error {
		c := b.Cursor()
		seekKey := outboxKey(afterID + 1)
		for k, v := c.Seek(seekKey); k != nil; k, v = c.Next() {
			var entry model.OutboxEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.EntryID <= afterID {
				continue
			}
			out = append(out, entry)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetCheckpoint returns the last processed entry_id for consumerID, or 0 if
// the consumer has never run (spec §3 Checkpoint, §8 invariant 3).
func (s *Store) GetCheckpoint(consumerID string) (uint64, error) {
	var v uint64
	err := s.view(bucketCheckpoints, func(b *bbolt.Bucket) error {
		data := b.Get(checkpointKey(consumerID))
		if data == nil {
			return nil
		}
		v = decodeUint64(data)
		return nil
	})
	return v, err
}

// PutCheckpoint advances a consumer's checkpoint. Callers must only ever
// advance monotonically (spec §8 invariant 3); this function does not
// enforce that itself since retries may legitimately rewrite the same
// value — monotonicity is the relay loop's responsibility (internal/outbox).
func (s *Store) PutCheckpoint(consumerID string, entryID uint64) error {
	return s.update(bucketCheckpoints, func(b *bbolt.Bucket) error {
		return b.Put(checkpointKey(consumerID), encodeUint64(entryID))
	})
}
