package storage

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/agent-memory/agentmemory/internal/apperr"
	"github.com/agent-memory/agentmemory/internal/model"
)

func vectorMetaKey(id uint64) []byte    { return []byte(fmt.Sprintf("vm:%020d", id)) }
func vectorByDocKey(docID string) []byte { return []byte("vmbydoc:" + docID) }

// NextVectorID allocates the next monotonic vector_id (spec §4.6: "a dense-
// vector HNSW graph keyed by monotonic vector_id"), drawn from the vector
// metadata bucket's own sequence counter so ids never collide with a
// previous rebuild.
func (s *Store) NextVectorID() (uint64, error) {
	var id uint64
	err := s.update(bucketVectorMeta, func(b *bbolt.Bucket) error {
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		return nil
	})
	return id, err
}

// PutVectorMetadata stores the {doc_type, doc_id, created_at, agent} record
// for vector_id and the doc_id -> vector_id secondary key used to make
// consumer replays idempotent (spec §4.6, §4.8 relay contract).
func (s *Store) PutVectorMetadata(entry model.VectorEntry) error {
	return s.update(bucketVectorMeta, func(b *bbolt.Bucket) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := b.Put(vectorMetaKey(entry.VectorID), data); err != nil {
			return err
		}
		return b.Put(vectorByDocKey(entry.DocID), encodeUint64(entry.VectorID))
	})
}

// FindVectorIDByDocID looks up an existing vector_id for doc_id, returning
// found=false when no vector has been created for this document yet.
func (s *Store) FindVectorIDByDocID(docID string) (id uint64, found bool, err error) {
	err = s.view(bucketVectorMeta, func(b *bbolt.Bucket) error {
		v := b.Get(vectorByDocKey(docID))
		if v == nil {
			return nil
		}
		id = decodeUint64(v)
		found = true
		return nil
	})
	return id, found, err
}

// GetVectorMetadata fetches the metadata record for a vector_id.
func (s *Store) GetVectorMetadata(id uint64) (model.VectorEntry, error) {
	var entry model.VectorEntry
	var found bool
	err := s.view(bucketVectorMeta, func(b *bbolt.Bucket) error {
		data := b.Get(vectorMetaKey(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return model.VectorEntry{}, err
	}
	if !found {
		return model.VectorEntry{}, apperr.NotFound(fmt.Sprintf("vector metadata %d", id))
	}
	return entry, nil
}

// DeleteVectorMetadata removes both the primary and doc_id index entries
// (used by pruning and by doc updates that allocate a fresh vector_id).
func (s *Store) DeleteVectorMetadata(id uint64, docID string) error {
	return s.update(bucketVectorMeta, func(b *bbolt.Bucket) error {
		if err := b.Delete(vectorMetaKey(id)); err != nil {
			return err
		}
		return b.Delete(vectorByDocKey(docID))
	})
}

// ListVectorMetadata returns every stored vector metadata record, used by
// rebuild() (spec §4.6) to replay from Storage into a fresh HNSW graph.
func (s *Store) ListVectorMetadata() ([]model.VectorEntry, error) {
	var out []model.VectorEntry
	err := s.view(bucketVectorMeta, func(b *bbolt.Bucket) error {
		prefixIterate(b, []byte("vm:"), func(k, v []byte) bool {
			var entry model.VectorEntry
			if json.Unmarshal(v, &entry) == nil {
				out = append(out, entry)
			}
			return true
		})
		return nil
	})
	return out, err
}
