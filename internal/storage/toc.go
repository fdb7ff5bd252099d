package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.etcd.io/bbolt"

	"github.com/agent-memory/agentmemory/internal/apperr"
	"github.com/agent-memory/agentmemory/internal/model"
)

// PutTocNode allocates version = current_latest + 1 for node.NodeID, writes
// the versioned key, swaps the latest pointer, and enqueues the outbox entry
// — all inside one transaction (spec §4.1, §8 invariant 2).
func (s *Store) PutTocNode(node model.Node, entryType model.OutboxEntryType, nowMs int64) (version uint64, entryID uint64, err error) {
	txErr := s.withDB(func(db *bbolt.DB) error {
		return db.Update(func(tx *bbolt.Tx) error {
			latest := tx.Bucket([]byte(bucketTocLatest))
			nodes := tx.Bucket([]byte(bucketTocNodes))

			var current uint64
			if v := latest.Get(tocLatestKey(node.NodeID)); v != nil {
				current = decodeUint64(v)
			}
			version = current + 1
			node.Version = version

			data, err := json.Marshal(node)
			if err != nil {
				return err
			}
			if err := nodes.Put(tocVersionKey(node.NodeID, version), data); err != nil {
				return err
			}
			if err := latest.Put(tocLatestKey(node.NodeID), encodeUint64(version)); err != nil {
				return err
			}

			outbox := tx.Bucket([]byte(bucketOutbox))
			id, err := putOutboxEntry(outbox, entryType, node.NodeID, nowMs)
			if err != nil {
				return err
			}
			entryID = id
			return nil
		})
	})
	if txErr != nil {
		return 0, 0, wrapBoltErr(txErr)
	}
	return version, entryID, nil
}

// GetTocNode resolves node_id through the latest pointer (spec §3: "reads
// resolve through a latest pointer").
func (s *Store) GetTocNode(nodeID string) (model.Node, error) {
	var node model.Node
	var found bool
	err := s.withDB(func(db *bbolt.DB) error {
		return db.View(func(tx *bbolt.Tx) error {
			latest := tx.Bucket([]byte(bucketTocLatest))
			nodes := tx.Bucket([]byte(bucketTocNodes))
			v := latest.Get(tocLatestKey(nodeID))
			if v == nil {
				return nil
			}
			version := decodeUint64(v)
			data := nodes.Get(tocVersionKey(nodeID, version))
			if data == nil {
				return nil
			}
			found = true
			return json.Unmarshal(data, &node)
		})
	})
	if err != nil {
		return model.Node{}, wrapBoltErr(err)
	}
	if !found {
		return model.Node{}, apperr.NotFound(fmt.Sprintf("toc node %s", nodeID))
	}
	return node, nil
}

// GetTocNodeVersion fetches a specific (possibly superseded) version,
// preserved for audit per spec §4.3 versioning.
func (s *Store) GetTocNodeVersion(nodeID string, version uint64) (model.Node, error) {
	var node model.Node
	var found bool
	err := s.view(bucketTocNodes, func(b *bbolt.Bucket) error {
		data := b.Get(tocVersionKey(nodeID, version))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return model.Node{}, err
	}
	if !found {
		return model.Node{}, apperr.NotFound(fmt.Sprintf("toc node %s v%d", nodeID, version))
	}
	return node, nil
}

// ListTocLevel scans the toc_latest bucket for node ids with the
// "toc:{level}:" prefix (the bucket stands in for spec §4.1's "latest:" key
// prefix) and resolves each node_id to its latest version.
func (s *Store) ListTocLevel(level model.TocLevel) ([]model.Node, error) {
	prefix := []byte("toc:" + string(level) + ":")
	var nodeIDs []string
	err := s.view(bucketTocLatest, func(b *bbolt.Bucket) error {
		prefixIterate(b, prefix, func(k, v []byte) bool {
			nodeIDs = append(nodeIDs, string(k))
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Node, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		n, err := s.GetTocNode(id)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// PutGrip writes {grip, outbox:grip_created} atomically, including the
// gripbynode secondary key colocated in the same CF (spec §3, §4.1).
func (s *Store) PutGrip(g model.Grip, nowMs int64) (entryID uint64, err error) {
	txErr := s.withDB(func(db *bbolt.DB) error {
		return db.Update(func(tx *bbolt.Tx) error {
			grips := tx.Bucket([]byte(bucketGrips))
			data, err := json.Marshal(g)
			if err != nil {
				return err
			}
			if err := grips.Put(gripPrimaryKey(g.GripID), data); err != nil {
				return err
			}
			if err := grips.Put(gripByNodeKey(g.TocNodeID, g.GripID), []byte(g.GripID)); err != nil {
				return err
			}
			outbox := tx.Bucket([]byte(bucketOutbox))
			id, err := putOutboxEntry(outbox, model.EntryGripCreated, g.GripID, nowMs)
			if err != nil {
				return err
			}
			entryID = id
			return nil
		})
	})
	if txErr != nil {
		return 0, wrapBoltErr(txErr)
	}
	return entryID, nil
}

// GetGrip fetches a grip by id.
func (s *Store) GetGrip(gripID string) (model.Grip, error) {
	var g model.Grip
	var found bool
	err := s.view(bucketGrips, func(b *bbolt.Bucket) error {
		data := b.Get(gripPrimaryKey(gripID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &g)
	})
	if err != nil {
		return model.Grip{}, err
	}
	if !found {
		return model.Grip{}, apperr.NotFound(fmt.Sprintf("grip %s", gripID))
	}
	return g, nil
}

// ListGripsByNode returns every grip produced by the given segment node.
func (s *Store) ListGripsByNode(nodeID string) ([]model.Grip, error) {
	prefix := []byte("gripbynode:" + nodeID + ":")
	var ids []string
	err := s.view(bucketGrips, func(b *bbolt.Bucket) error {
		prefixIterate(b, prefix, func(k, v []byte) bool {
			ids = append(ids, string(v))
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Grip, 0, len(ids))
	for _, id := range ids {
		g, err := s.GetGrip(id)
		if err != nil {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

func encodeUint64(v uint64) []byte { return []byte(fmt.Sprintf("%020d", v)) }

func decodeUint64(b []byte) uint64 {
	var v uint64
	fmt.Sscanf(strings.TrimSpace(string(b)), "%d", &v)
	return v
}
