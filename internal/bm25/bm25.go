// Package bm25 implements the lexical search layer (spec §4.5): a bleve
// index over TOC summaries and grip excerpts with document-type, agent,
// level and time-range filtering, fed by the outbox relay and committed on a
// scheduled cadence rather than on the hot path.
package bm25

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"

	"github.com/agent-memory/agentmemory/internal/apperr"
	"github.com/agent-memory/agentmemory/internal/config"
	"github.com/agent-memory/agentmemory/internal/model"
	"github.com/agent-memory/agentmemory/internal/workpool"
)

// autoCommitOpThreshold caps how many documents accumulate in the pending
// batch between scheduled commits, so a quiet commit interval can't let the
// batch grow unbounded (spec §4.5: "every 60s or after N pending ops").
const autoCommitOpThreshold = 500

// defaultCommitPoolSize bounds how many bleve commits this index will run
// concurrently when no shared pool is supplied via WithPool (spec §5 added
// note: bleve commit is CPU-bound work dispatched through a bounded
// internal/workpool).
const defaultCommitPoolSize = 2

// Index is the BM25 Index component.
type Index struct {
	idx bleve.Index
	cfg config.BM25Config
	log *zap.Logger

	pool *workpool.Pool

	mu      sync.Mutex
	pending *bleve.Batch
	pendingOps int
}

// Option configures an Index at construction time.
type Option func(*Index)

// WithPool dispatches bleve commits through pool instead of the index's own
// private one, so a daemon process can bound bleve/hnsw/clustering CPU work
// against one shared budget (see cmd/agentmemoryd/main.go).
func WithPool(pool *workpool.Pool) Option {
	return func(i *Index) { i.pool = pool }
}

// Open creates the index at path if it doesn't already exist, otherwise
// opens the existing one.
func Open(path string, cfg config.BM25Config, logger *zap.Logger, opts ...Option) (*Index, error) {
	var idx bleve.Index
	var err error
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		idx, err = bleve.New(path, buildMapping())
	} else {
		idx, err = bleve.Open(path)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	i := &Index{idx: idx, cfg: cfg, log: logger.Named("bm25"), pending: idx.NewBatch(), pool: workpool.New(defaultCommitPoolSize)}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

func (i *Index) Close() error {
	return i.idx.Close()
}

// buildMapping constructs the schema programmatically (spec §4.5): doc_type,
// level and agent are exact-match filterable keyword fields; text and
// keywords are analyzed full text; timestamp_ms is numeric for range
// filters.
func buildMapping() mapping.IndexMapping {
	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name
	keywordField.Store = true

	textField := bleve.NewTextFieldMapping()
	textField.Store = true

	numericField := bleve.NewNumericFieldMapping()
	numericField.Store = true

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("doc_type", keywordField)
	doc.AddFieldMappingsAt("doc_id", keywordField)
	doc.AddFieldMappingsAt("level", keywordField)
	doc.AddFieldMappingsAt("agent", keywordField)
	doc.AddFieldMappingsAt("text", textField)
	doc.AddFieldMappingsAt("keywords", textField)
	doc.AddFieldMappingsAt("timestamp_ms", numericField)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

// IndexTocNode enqueues a TOC node for indexing (spec §4.5 index_toc_node).
// Only single-agent nodes get an agent filter value; a multi-agent node's
// filter is left blank rather than guessing which contributor it belongs to.
func (i *Index) IndexTocNode(node model.Node) error {
	var bullets []string
	for _, b := range node.Bullets {
		bullets = append(bullets, b.Text)
	}
	agent := ""
	if len(node.ContributingAgents) == 1 {
		agent = node.ContributingAgents[0]
	}
	doc := model.Bm25Doc{
		DocType:     model.DocTocNode,
		DocID:       node.NodeID,
		Level:       string(node.Level),
		Text:        node.Title + "\n" + strings.Join(bullets, "\n"),
		Keywords:    node.Keywords,
		TimestampMs: node.StartTimeMs,
		Agent:       agent,
	}
	return i.upsert(doc)
}

// IndexGrip enqueues a grip excerpt for indexing (spec §4.5 index_grip).
func (i *Index) IndexGrip(g model.Grip) error {
	doc := model.Bm25Doc{
		DocType:     model.DocGrip,
		DocID:       g.GripID,
		Text:        g.Excerpt,
		TimestampMs: g.TimestampMs,
	}
	return i.upsert(doc)
}

// upsert is spec §4.5's update(doc_id): using the business doc_id as the
// bleve document id makes Batch.Index already perform delete-by-term + add,
// since bleve replaces any existing document sharing that id atomically on
// commit.
func (i *Index) upsert(doc model.Bm25Doc) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.pending.Index(doc.DocID, doc); err != nil {
		return apperr.Internal(err)
	}
	i.pendingOps++
	if i.pendingOps >= autoCommitOpThreshold {
		return i.commitLocked()
	}
	return nil
}

// Commit flushes the pending batch (spec §4.5: "invoked from a scheduled
// job, never on the hot path").
func (i *Index) Commit() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.commitLocked()
}

func (i *Index) commitLocked() error {
	if i.pendingOps == 0 {
		return nil
	}
	batch := i.pending
	i.pending = i.idx.NewBatch()
	i.pendingOps = 0
	err := i.pool.Submit(context.Background(), func(ctx context.Context) error {
		return i.idx.Batch(batch)
	})
	if err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// SearchRequest is the filterable lexical query (spec §4.5 search).
type SearchRequest struct {
	Query        string
	DocTypeFilter model.DocType
	AgentFilter  string
	TopK         int
	TimeRangeMin int64
	TimeRangeMax int64
}

// SearchHit is one ranked result.
type SearchHit struct {
	DocID string
	Score float64
	Doc   model.Bm25Doc
}

// Search runs query against the index, post-filtered by doc_type/agent/time
// range, returning up to TopK hits ranked by BM25 score (spec §4.5).
func (i *Index) Search(req SearchRequest) ([]SearchHit, error) {
	if req.Query == "" {
		return nil, apperr.InvalidArgument("query")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 20
	}

	textQuery := query.NewMatchQuery(req.Query)
	textQuery.SetField("text")

	conjuncts := []query.Query{textQuery}
	if req.DocTypeFilter != "" {
		tq := query.NewTermQuery(string(req.DocTypeFilter))
		tq.SetField("doc_type")
		conjuncts = append(conjuncts, tq)
	}
	if req.AgentFilter != "" {
		aq := query.NewTermQuery(req.AgentFilter)
		aq.SetField("agent")
		conjuncts = append(conjuncts, aq)
	}
	if req.TimeRangeMin > 0 || req.TimeRangeMax > 0 {
		min := float64(req.TimeRangeMin)
		max := float64(req.TimeRangeMax)
		var minPtr, maxPtr *float64
		if req.TimeRangeMin > 0 {
			minPtr = &min
		}
		if req.TimeRangeMax > 0 {
			maxPtr = &max
		}
		rq := query.NewNumericRangeQuery(minPtr, maxPtr)
		rq.SetField("timestamp_ms")
		conjuncts = append(conjuncts, rq)
	}

	searchQuery := query.NewConjunctionQuery(conjuncts)
	sreq := bleve.NewSearchRequestOptions(searchQuery, topK, 0, false)
	sreq.Fields = []string{"doc_type", "doc_id", "level", "text", "keywords", "timestamp_ms", "agent"}

	result, err := i.idx.Search(sreq)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	hits := make([]SearchHit, 0, len(result.Hits))
	for _, h := range result.Hits {
		hits = append(hits, SearchHit{
			DocID: h.ID,
			Score: h.Score,
			Doc:   fieldsToDoc(h.Fields),
		})
	}
	return hits, nil
}

func fieldsToDoc(fields map[string]any) model.Bm25Doc {
	doc := model.Bm25Doc{}
	if v, ok := fields["doc_type"].(string); ok {
		doc.DocType = model.DocType(v)
	}
	if v, ok := fields["doc_id"].(string); ok {
		doc.DocID = v
	}
	if v, ok := fields["level"].(string); ok {
		doc.Level = v
	}
	if v, ok := fields["text"].(string); ok {
		doc.Text = v
	}
	if v, ok := fields["agent"].(string); ok {
		doc.Agent = v
	}
	if v, ok := fields["timestamp_ms"].(float64); ok {
		doc.TimestampMs = int64(v)
	}
	return doc
}

// retentionWindows implements spec §4.5's per-level pruning policy. Month
// and year nodes are never pruned.
var retentionWindows = map[string]time.Duration{
	string(model.LevelSegment): 30 * 24 * time.Hour,
	"grip":                     30 * 24 * time.Hour,
	string(model.LevelDay):     180 * 24 * time.Hour,
	string(model.LevelWeek):    1825 * 24 * time.Hour,
}

// Prune deletes documents older than their level's retention window (spec
// §4.5 Lifecycle). It only touches the lexical index; Storage's TOC
// nodes/grips are never affected by BM25 retention.
func (i *Index) Prune(nowMs int64) (int, error) {
	if !i.cfg.RetentionEnabled {
		return 0, nil
	}
	pruned := 0
	for level, window := range retentionWindows {
		cutoff := nowMs - window.Milliseconds()
		var docType model.DocType
		var levelFilter string
		if level == "grip" {
			docType = model.DocGrip
		} else {
			docType = model.DocTocNode
			levelFilter = level
		}
		n, err := i.pruneLevel(docType, levelFilter, cutoff)
		if err != nil {
			return pruned, err
		}
		pruned += n
	}
	return pruned, nil
}

func (i *Index) pruneLevel(docType model.DocType, level string, cutoffMs int64) (int, error) {
	tq := query.NewTermQuery(string(docType))
	tq.SetField("doc_type")
	conjuncts := []query.Query{tq}
	if level != "" {
		lq := query.NewTermQuery(level)
		lq.SetField("level")
		conjuncts = append(conjuncts, lq)
	}
	maxMs := float64(cutoffMs)
	rq := query.NewNumericRangeQuery(nil, &maxMs)
	rq.SetField("timestamp_ms")
	conjuncts = append(conjuncts, rq)

	sreq := bleve.NewSearchRequestOptions(query.NewConjunctionQuery(conjuncts), 10_000, 0, false)
	result, err := i.idx.Search(sreq)
	if err != nil {
		return 0, apperr.Internal(err)
	}
	if len(result.Hits) == 0 {
		return 0, nil
	}

	batch := i.idx.NewBatch()
	for _, h := range result.Hits {
		batch.Delete(h.ID)
	}
	err = i.pool.Submit(context.Background(), func(ctx context.Context) error {
		return i.idx.Batch(batch)
	})
	if err != nil {
		return 0, apperr.Internal(err)
	}
	i.log.Info("pruned bm25 documents", zap.String("doc_type", string(docType)), zap.String("level", level), zap.Int("count", len(result.Hits)))
	return len(result.Hits), nil
}

// checkpointConsumerID names this component's outbox checkpoint row (spec
// §3: "per-consumer checkpoints").
const checkpointConsumerID = "bm25"

func (i *Index) ConsumerID() string { return checkpointConsumerID }
