// Package vector implements the Vector Index (spec §4.6): a dense-vector
// HNSW graph keyed by monotonic vector_id, paired with the metadata column
// family in internal/storage for idempotent doc_id <-> vector_id mapping.
package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/coder/hnsw"
	"go.uber.org/zap"

	"github.com/agent-memory/agentmemory/internal/apperr"
	"github.com/agent-memory/agentmemory/internal/config"
	"github.com/agent-memory/agentmemory/internal/model"
	"github.com/agent-memory/agentmemory/internal/storage"
	"github.com/agent-memory/agentmemory/internal/workpool"
)

// defaultGraphPoolSize bounds how many hnsw search/insert operations this
// index runs concurrently when no shared pool is supplied via WithPool
// (spec §5 added note: hnsw search/insert is CPU-bound work dispatched
// through a bounded internal/workpool).
const defaultGraphPoolSize = 4

// Index is the Vector Index component: an HNSW graph plus the metadata
// bookkeeping needed for idempotent updates and lifecycle pruning.
type Index struct {
	store    *storage.Store
	embedder Embedder
	cfg      config.VectorConfig
	log      *zap.Logger
	pool     *workpool.Pool

	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	now   func() time.Time
}

// Option configures an Index at construction time.
type Option func(*Index)

// WithPool dispatches hnsw search/insert through pool instead of the
// index's own private one, so a daemon process can bound bleve/hnsw/
// clustering CPU work against one shared budget.
func WithPool(pool *workpool.Pool) Option {
	return func(i *Index) { i.pool = pool }
}

func New(store *storage.Store, embedder Embedder, cfg config.VectorConfig, logger *zap.Logger, opts ...Option) *Index {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	i := &Index{store: store, embedder: embedder, cfg: cfg, log: logger.Named("vector"), graph: g, now: time.Now, pool: workpool.New(defaultGraphPoolSize)}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Result is one ranked neighbor (spec §4.6: search(query_vec, top_k) ->
// [(vector_id, score)]).
type Result struct {
	VectorID uint64
	Score    float32
	Meta     model.VectorEntry
}

// UpsertText embeds text and adds/refreshes its vector under the given
// doc_type/doc_id (spec §4.6: "doc_id -> vector_id for idempotent
// updates"). If the embedder's model_id differs from a pre-existing
// vector's, callers must Rebuild first (spec §4.6 version discipline); this
// method only refuses to silently mix versions in place.
func (i *Index) UpsertText(ctx context.Context, docType model.DocType, docID, agent, text string) error {
	existingID, found, err := i.store.FindVectorIDByDocID(docID)
	if err != nil {
		return apperr.Wrap(err)
	}
	if found {
		existing, err := i.store.GetVectorMetadata(existingID)
		if err == nil && existing.ModelID != i.embedder.ModelID() {
			return apperr.InvalidArgumentf("model_id", "doc %s was embedded with %s, index is on %s; rebuild required", docID, existing.ModelID, i.embedder.ModelID())
		}
	}

	vec, err := i.embedder.Embed(ctx, text)
	if err != nil {
		return apperr.Wrap(err)
	}
	if len(vec) != i.embedder.Dimensions() {
		return apperr.InvalidArgumentf("dimensions", "embedder %s returned %d dims, expected %d", i.embedder.ModelID(), len(vec), i.embedder.Dimensions())
	}

	var vectorID uint64
	createdAtMs := i.now().UnixMilli()
	if found {
		vectorID = existingID
		if existing, err := i.store.GetVectorMetadata(existingID); err == nil && existing.CreatedAtMs > 0 {
			createdAtMs = existing.CreatedAtMs
		}
	} else {
		vectorID, err = i.store.NextVectorID()
		if err != nil {
			return apperr.Wrap(err)
		}
	}

	insertErr := i.pool.Submit(ctx, func(ctx context.Context) error {
		i.mu.Lock()
		defer i.mu.Unlock()
		if found {
			i.graph.Delete(vectorID)
		}
		i.graph.Add(hnsw.Node[uint64]{Key: vectorID, Value: hnsw.Vector(vec)})
		return nil
	})
	if insertErr != nil {
		return apperr.Wrap(insertErr)
	}

	entry := model.VectorEntry{
		VectorID:    vectorID,
		DocType:     docType,
		DocID:       docID,
		CreatedAtMs: createdAtMs,
		TextHash:    hashText(text),
		Agent:       agent,
		ModelID:     i.embedder.ModelID(),
	}
	return apperr.Wrap(i.store.PutVectorMetadata(entry))
}

// Remove deletes a vector by its doc_id (spec §4.6 remove).
func (i *Index) Remove(docID string) error {
	vectorID, found, err := i.store.FindVectorIDByDocID(docID)
	if err != nil {
		return apperr.Wrap(err)
	}
	if !found {
		return nil
	}
	i.mu.Lock()
	i.graph.Delete(vectorID)
	i.mu.Unlock()
	return apperr.Wrap(i.store.DeleteVectorMetadata(vectorID, docID))
}

// Search embeds query and returns the top_k nearest vectors with metadata
// (spec §4.6 search).
func (i *Index) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	if topK <= 0 {
		topK = 10
	}
	vec, err := i.embedder.Embed(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(err)
	}

	var nodes []hnsw.Node[uint64]
	err = i.pool.Submit(ctx, func(ctx context.Context) error {
		i.mu.RLock()
		defer i.mu.RUnlock()
		nodes = i.graph.Search(hnsw.Vector(vec), topK)
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(err)
	}

	out := make([]Result, 0, len(nodes))
	for _, n := range nodes {
		meta, err := i.store.GetVectorMetadata(n.Key)
		if err != nil {
			continue
		}
		out = append(out, Result{VectorID: n.Key, Score: cosineScore(vec, n.Value), Meta: meta})
	}
	return out, nil
}

// Clear empties the in-memory graph (spec §4.6 clear / rebuild's first
// step). Metadata in Storage is untouched; the graph is disposable.
func (i *Index) Clear() {
	i.mu.Lock()
	defer i.mu.Unlock()
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	i.graph = g
}

// Rebuild clears the graph and re-adds every vector recorded in Storage's
// metadata CF (spec §4.6: "the index is considered disposable — correctness
// lives in Storage"). It re-embeds nothing; a full content re-embed is done
// by service.Service.RebuildVectors.
func (i *Index) Rebuild(entries []model.VectorEntry, vectors map[uint64][]float32) {
	i.Clear()
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, e := range entries {
		vec, ok := vectors[e.VectorID]
		if !ok {
			continue
		}
		i.graph.Add(hnsw.Node[uint64]{Key: e.VectorID, Value: hnsw.Vector(vec)})
	}
}

// retentionWindows keys the levels eligible for pruning to their default
// lifecycle window (spec §4.6 Lifecycle, "ENABLED by default": "Segment/grip
// 30d; day 365d; week 5y; month/year never"). Month and year are absent from
// this map, the same "absence means never pruned" convention
// internal/bm25.Index's own retentionWindows uses.
var retentionWindows = map[string]time.Duration{
	string(model.LevelSegment): 30 * 24 * time.Hour,
	"grip":                     30 * 24 * time.Hour,
	string(model.LevelDay):     365 * 24 * time.Hour,
	string(model.LevelWeek):    5 * 365 * 24 * time.Hour,
}

// levelKey recovers the retention key for a vector entry: "grip" for grip
// documents, or the toc level parsed out of the "toc:{level}:{time_key}"
// doc_id (the node id format built in internal/toc.Builder/RollupScheduler)
// for toc-node documents. The second return is false for anything that
// doesn't parse, which callers then leave untouched.
func levelKey(e model.VectorEntry) (string, bool) {
	switch e.DocType {
	case model.DocGrip:
		return "grip", true
	case model.DocTocNode:
		parts := strings.SplitN(e.DocID, ":", 3)
		if len(parts) >= 2 {
			return parts[1], true
		}
	}
	return "", false
}

// PruneOlderThan removes vectors whose metadata CreatedAtMs predates
// cutoffMs, from both the graph and Storage (spec §6 admin lifecycle
// PruneVectors(age_days)). Entries at a level absent from retentionWindows
// (month, year) are never eligible regardless of cutoffMs — "month/year
// never" is an invariant of the component, not just the default background
// job's policy.
func (i *Index) PruneOlderThan(cutoffMs int64) (int, error) {
	entries, err := i.store.ListVectorMetadata()
	if err != nil {
		return 0, apperr.Wrap(err)
	}
	pruned := 0
	for _, e := range entries {
		if _, eligible := retentionWindows[levelKeyOrEmpty(e)]; !eligible {
			continue
		}
		if e.CreatedAtMs >= cutoffMs {
			continue
		}
		i.mu.Lock()
		i.graph.Delete(e.VectorID)
		i.mu.Unlock()
		if err := i.store.DeleteVectorMetadata(e.VectorID, e.DocID); err != nil {
			return pruned, apperr.Wrap(err)
		}
		pruned++
	}
	return pruned, nil
}

func levelKeyOrEmpty(e model.VectorEntry) string {
	level, ok := levelKey(e)
	if !ok {
		return ""
	}
	return level
}

// PruneExpired runs the automatic per-level lifecycle policy (spec §4.6
// Lifecycle default windows) rather than a single caller-supplied cutoff —
// the background counterpart to PruneOlderThan's manual admin override, and
// the vector analog of internal/bm25.Index.Prune.
func (i *Index) PruneExpired(nowMs int64) (int, error) {
	entries, err := i.store.ListVectorMetadata()
	if err != nil {
		return 0, apperr.Wrap(err)
	}
	pruned := 0
	for _, e := range entries {
		level, ok := levelKey(e)
		if !ok {
			continue
		}
		window, eligible := retentionWindows[level]
		if !eligible {
			continue // month/year: never pruned
		}
		if e.CreatedAtMs >= nowMs-window.Milliseconds() {
			continue
		}
		i.mu.Lock()
		i.graph.Delete(e.VectorID)
		i.mu.Unlock()
		if err := i.store.DeleteVectorMetadata(e.VectorID, e.DocID); err != nil {
			return pruned, apperr.Wrap(err)
		}
		pruned++
	}
	return pruned, nil
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.graph.Len()
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// cosineScore recomputes a similarity score for reporting; hnsw's Search
// already orders by its configured distance, this just surfaces a
// comparable value to callers (1.0 = identical direction).
func cosineScore(a, b []float32) float32 {
	var dot, normA, normB float32
	for idx := range a {
		if idx >= len(b) {
			break
		}
		dot += a[idx] * b[idx]
		normA += a[idx] * a[idx]
		normB += b[idx] * b[idx]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / float32(math.Sqrt(float64(normA))*math.Sqrt(float64(normB)))
}
