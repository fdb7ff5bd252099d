// Package storage is the embedded key-value store backing every other
// component (spec §4.1). It wraps go.etcd.io/bbolt, using one top-level
// bucket per column family and byte-comparable, time-prefixed keys so range
// scans over an interval are a bounded prefix/cursor walk.
//
// The teacher tunes modernc.org/sqlite with PRAGMA statements
// (journal_mode=WAL, busy_timeout, cache_size) in NewSQLiteOperationalDB /
// NewSQLiteLearningDB; we carry the same "tune the embedded store for a
// write-heavy single-process workload" instinct into bbolt's equivalent
// knobs (NoSync off by default so crashes can't corrupt the append-only
// log, an open timeout, and a background Reclaim job — see
// Reclaim below — standing in for the spec's compaction-strategy guidance).
package storage

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/agent-memory/agentmemory/internal/apperr"
)

// Column family bucket names (spec §4.1).
const (
	bucketEvents       = "events"
	bucketTocNodes     = "toc_nodes"
	bucketTocLatest    = "toc_latest"
	bucketGrips        = "grips"
	bucketOutbox       = "outbox"
	bucketCheckpoints  = "checkpoints"
	bucketVectorMeta   = "vector_metadata"
	bucketTopics       = "topics"
	bucketTopicLinks   = "topic_links"
	bucketTopicRels    = "topic_relationships"
	bucketUsageCounter = "usage_counters"
	bucketAgents       = "agents"
)

var allBuckets = []string{
	bucketEvents, bucketTocNodes, bucketTocLatest, bucketGrips, bucketOutbox,
	bucketCheckpoints, bucketVectorMeta, bucketTopics, bucketTopicLinks,
	bucketTopicRels, bucketUsageCounter, bucketAgents,
}

// Store is the shared, read-shared-after-construction handle described in
// spec §3 ownership rules: every component holds the same *Store. The Event
// Log and TOC Builder write events, TOC nodes and grips; the relay, vector
// index, topic graph and usage/agent tracking write their own buckets
// (checkpoints, vector metadata, topics, counters). mu guards db itself (not
// bbolt's own internal locking) so Reclaim can swap in a freshly compacted
// file without a concurrent transaction running against a handle it is
// about to close.
type Store struct {
	mu sync.RWMutex
	db *bbolt.DB
}

// withDB runs fn against the current db handle under a read lock, so it
// never observes a handle Reclaim is in the middle of closing/swapping.
func (s *Store) withDB(fn func(db *bbolt.DB) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.db)
}

// Open creates or opens the bbolt file at path and ensures every column
// family bucket exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("open storage: %w", err))
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, apperr.Internal(fmt.Errorf("init buckets: %w", err))
	}
	return &Store{db: db}, nil
}

// Close closes the underlying bbolt file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Reclaim approximates the spec's "FIFO/universal compaction, bounded
// concurrency" guidance: bbolt has no background compactor, so this copies
// live pages into a fresh file via bbolt.Compact when the free-list has grown
// past a configurable fraction of the data file, then swaps the live handle
// onto the compacted file. It is invoked by a scheduled job
// (internal/scheduler), never inline with a write, and holds the store's
// write lock for the duration so no transaction runs against the handle
// mid-swap.
func (s *Store) Reclaim(freelistFraction float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.db.Stats()
	if stats.FreePageN == 0 {
		return nil
	}
	info, err := s.fileInfo()
	if err != nil || info.pageCount == 0 {
		return nil
	}
	if float64(stats.FreePageN)/float64(info.pageCount) < freelistFraction {
		return nil
	}

	path := s.db.Path()
	tmp := path + ".compact"
	os.Remove(tmp) // best-effort: clear a leftover file from an interrupted prior run

	dstDB, err := bbolt.Open(tmp, 0o600, nil)
	if err != nil {
		return apperr.Internal(err)
	}
	if err := bbolt.Compact(dstDB, s.db, 0); err != nil {
		dstDB.Close()
		os.Remove(tmp)
		return apperr.Internal(err)
	}
	if err := dstDB.Close(); err != nil {
		os.Remove(tmp)
		return apperr.Internal(err)
	}

	if err := s.db.Close(); err != nil {
		return apperr.Internal(fmt.Errorf("close pre-compaction handle: %w", err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperr.Internal(fmt.Errorf("swap compacted file into place: %w", err))
	}
	newDB, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return apperr.Internal(fmt.Errorf("reopen compacted store: %w", err))
	}
	s.db = newDB
	return nil
}

type fileStat struct{ pageCount int }

// defaultPageSize assumes the OS page size bbolt falls back to when it
// cannot be queried from the already-open file (bbolt does not expose the
// negotiated page size through a public getter); good enough for a
// threshold heuristic, not for exact accounting.
const defaultPageSize = 4096

func (s *Store) fileInfo() (fileStat, error) {
	fi, err := os.Stat(s.db.Path())
	if err != nil {
		return fileStat{}, err
	}
	return fileStat{pageCount: int(fi.Size()) / defaultPageSize}, nil
}

// update runs fn against the named bucket inside a read-write tx.
func (s *Store) update(bucket string, fn func(b *bbolt.Bucket) error) error {
	err := s.withDB(func(db *bbolt.DB) error {
		return db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket([]byte(bucket))
			if b == nil {
				return fmt.Errorf("missing bucket %s", bucket)
			}
			return fn(b)
		})
	})
	return wrapBoltErr(err)
}

func (s *Store) view(bucket string, fn func(b *bbolt.Bucket) error) error {
	err := s.withDB(func(db *bbolt.DB) error {
		return db.View(func(tx *bbolt.Tx) error {
			b := tx.Bucket([]byte(bucket))
			if b == nil {
				return fmt.Errorf("missing bucket %s", bucket)
			}
			return fn(b)
		})
	})
	return wrapBoltErr(err)
}

func wrapBoltErr(err error) error {
	if err == nil {
		return nil
	}
	if err == bbolt.ErrTimeout || err == bbolt.ErrDatabaseNotOpen {
		return apperr.Busy(err.Error())
	}
	if ae, ok := err.(*apperr.Error); ok {
		return ae
	}
	return apperr.Internal(err)
}

// eventPrimaryKey builds the evt:{timestamp_ms:013}:{event_id} key from
// spec §4.1.
func eventPrimaryKey(tsMs int64, eventID string) []byte {
	return []byte(fmt.Sprintf("evt:%013d:%s", tsMs, eventID))
}

// eventSecondaryKey builds the "byid:{event_id}" secondary key, living in
// the same bucket the way the spec colocates a grip's "gripbynode:" key
// alongside its primary "grip:" key in the grips CF.
func eventSecondaryKey(eventID string) []byte {
	return []byte("byid:" + eventID)
}

func tocVersionKey(nodeID string, version uint64) []byte {
	return []byte(fmt.Sprintf("toc:%s:v%010d", nodeID, version))
}

func tocLatestKey(nodeID string) []byte {
	return []byte(nodeID)
}

func gripPrimaryKey(gripID string) []byte {
	return []byte("grip:" + gripID)
}

func gripByNodeKey(nodeID, gripID string) []byte {
	return []byte("gripbynode:" + nodeID + ":" + gripID)
}

func outboxKey(entryID uint64) []byte {
	return []byte(fmt.Sprintf("ob:%016d", entryID))
}

func checkpointKey(consumerID string) []byte {
	return []byte("cp:" + consumerID)
}

// prefixIterate walks all keys with the given prefix in ascending order,
// calling fn(key, value) until fn returns false or keys are exhausted. This
// is the cursor-seek substitute for the spec's "prefix bloom filters to
// short-circuit non-matching segments" (bbolt is a B+Tree, not an LSM store,
// so there is no bloom filter to consult — Seek+HasPrefix gives the same
// bounded-iteration behavior).
func prefixIterate(b *bbolt.Bucket, prefix []byte, fn func(k, v []byte) bool) {
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if !fn(k, v) {
			return
		}
	}
}
