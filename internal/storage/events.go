package storage

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/agent-memory/agentmemory/internal/apperr"
	"github.com/agent-memory/agentmemory/internal/model"
)

// PutEventWithOutbox commits {event, outbox:event_ingested} as one atomic
// batch (spec §4.1 contract). Idempotent: if event.EventID already exists,
// the existing event is left untouched and isNew=false is returned with no
// error (spec §4.2 idempotency).
func (s *Store) PutEventWithOutbox(ev model.Event) (isNew bool, entryID uint64, err error) {
	txErr := s.withDB(func(db *bbolt.DB) error {
		return db.Update(func(tx *bbolt.Tx) error {
			events := tx.Bucket([]byte(bucketEvents))
			secKey := eventSecondaryKey(ev.EventID)
			if existing := events.Get(secKey); existing != nil {
				isNew = false
				return nil
			}

			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			primKey := eventPrimaryKey(ev.TimestampMs, ev.EventID)
			if err := events.Put(primKey, data); err != nil {
				return err
			}
			if err := events.Put(secKey, primKey); err != nil {
				return err
			}

			outbox := tx.Bucket([]byte(bucketOutbox))
			id, err := putOutboxEntry(outbox, model.EntryEventIngested, ev.EventID, ev.IngestedAtMs)
			if err != nil {
				return err
			}
			isNew = true
			entryID = id
			return nil
		})
	})
	if txErr != nil {
		return false, 0, wrapBoltErr(txErr)
	}
	return isNew, entryID, nil
}

// GetEvent looks up a single event by its canonical id.
func (s *Store) GetEvent(eventID string) (model.Event, error) {
	var ev model.Event
	var found bool
	err := s.view(bucketEvents, func(b *bbolt.Bucket) error {
		primKey := b.Get(eventSecondaryKey(eventID))
		if primKey == nil {
			return nil
		}
		data := b.Get(primKey)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &ev)
	})
	if err != nil {
		return model.Event{}, err
	}
	if !found {
		return model.Event{}, apperr.NotFound(fmt.Sprintf("event %s", eventID))
	}
	return ev, nil
}

// GetEventsInRange returns events in ascending timestamp order (ties broken
// by event_id because that is the key's tiebreaker), bounded by limit.
func (s *Store) GetEventsInRange(startMs, endMs int64, limit int) ([]model.Event, error) {
	var out []model.Event
	prefix := []byte("evt:")
	err := s.view(bucketEvents, func(b *bbolt.Bucket) error {
		startKey := eventPrimaryKey(startMs, "")
		c := b.Cursor()
		for k, v := c.Seek(startKey); k != nil; k, v = c.Next() {
			if len(k) < len(prefix) || string(k[:len(prefix)]) != "evt:" {
				break
			}
			var ev model.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ev.TimestampMs > endMs {
				break
			}
			out = append(out, ev)
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

// putOutboxEntry allocates the next monotonic entry_id and writes the entry
// within the caller's transaction, satisfying the atomic-outbox invariant
// (spec §8 invariant 2) for every caller (events, TOC nodes, grips).
func putOutboxEntry(outbox *bbolt.Bucket, entryType model.OutboxEntryType, refID string, createdAtMs int64) (uint64, error) {
	seq, err := outbox.NextSequence()
	if err != nil {
		return 0, err
	}
	entry := model.OutboxEntry{
		EntryID:     seq,
		EntryType:   entryType,
		RefID:       refID,
		CreatedAtMs: createdAtMs,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}
	if err := outbox.Put(outboxKey(seq), data); err != nil {
		return 0, err
	}
	return seq, nil
}
