// Package service is the Service Surface (spec §4.10): RPC handlers that
// translate external requests into calls against the components built in
// every other internal package, agent attribution, and status reporting.
// Transport framing is out of scope (spec §1) — these are plain Go methods
// a later transport (gRPC, JSON-RPC, whatever an adapter chooses) wraps
// directly, the same way the teacher's HTTP handlers in cmd/cliairmonitor
// call straight into *aider.Spawner methods with no intermediate layer.
package service

import (
	"time"

	"go.uber.org/zap"

	"github.com/agent-memory/agentmemory/internal/apperr"
	"github.com/agent-memory/agentmemory/internal/bm25"
	"github.com/agent-memory/agentmemory/internal/bus"
	"github.com/agent-memory/agentmemory/internal/config"
	"github.com/agent-memory/agentmemory/internal/eventlog"
	"github.com/agent-memory/agentmemory/internal/grip"
	"github.com/agent-memory/agentmemory/internal/model"
	"github.com/agent-memory/agentmemory/internal/outbox"
	"github.com/agent-memory/agentmemory/internal/router"
	"github.com/agent-memory/agentmemory/internal/scheduler"
	"github.com/agent-memory/agentmemory/internal/storage"
	"github.com/agent-memory/agentmemory/internal/telemetry"
	"github.com/agent-memory/agentmemory/internal/toc"
	"github.com/agent-memory/agentmemory/internal/topics"
	"github.com/agent-memory/agentmemory/internal/vector"
)

// Service wires every component into one RPC surface. Fields for optional
// layers (BM25, Vector, Topics) may be nil when that layer is disabled by
// config — every method touching them checks first and returns Unavailable
// rather than panicking (spec §4.7 contract: "never a crash").
type Service struct {
	log *zap.Logger
	cfg *config.Config

	store      *storage.Store
	eventLog   *eventlog.Log
	tocBuilder *toc.Builder
	gripExp    *grip.Expander
	bm25Idx    *bm25.Index
	vectorIdx  *vector.Index
	topicsExt  *topics.Extractor
	router     *router.Router

	health  *telemetry.JobHealth
	sched   *scheduler.Scheduler
	relay   *outbox.Relay
	eventBus *bus.Bus

	now func() time.Time
}

// Deps bundles every already-constructed component. Any of BM25Idx,
// VectorIdx, TopicsExt, EventBus may be nil when disabled by config.
type Deps struct {
	Store      *storage.Store
	EventLog   *eventlog.Log
	TOCBuilder *toc.Builder
	GripExp    *grip.Expander
	BM25Idx    *bm25.Index
	VectorIdx  *vector.Index
	TopicsExt  *topics.Extractor
	Health     *telemetry.JobHealth
	Scheduler  *scheduler.Scheduler
	Relay      *outbox.Relay
	EventBus   *bus.Bus
	Cfg        *config.Config
}

// New builds the Service and wires the Retrieval Router's layer table from
// whichever of Deps' optional components are non-nil.
func New(d Deps, logger *zap.Logger) *Service {
	log := logger.Named("service")

	layers := map[string]router.LayerSearcher{
		"agentic": agenticLayer{store: d.Store},
	}
	if d.BM25Idx != nil {
		layers["bm25"] = bm25Layer{idx: d.BM25Idx}
	}
	if d.VectorIdx != nil {
		layers["vector"] = vectorLayer{idx: d.VectorIdx, store: d.Store}
	}
	if d.TopicsExt != nil {
		layers["topics"] = topicsLayer{ext: d.TopicsExt}
	}

	s := &Service{
		log: log, cfg: d.Cfg,
		store: d.Store, eventLog: d.EventLog, tocBuilder: d.TOCBuilder, gripExp: d.GripExp,
		bm25Idx: d.BM25Idx, vectorIdx: d.VectorIdx, topicsExt: d.TopicsExt,
		health: d.Health, sched: d.Scheduler, relay: d.Relay, eventBus: d.EventBus,
		now: time.Now,
	}
	s.router = router.New(layers, s.layerHealth, usageAdapter{store: d.Store}, d.Cfg.Router)
	return s
}

// usageAdapter satisfies router.UsageProvider directly off Storage.
type usageAdapter struct{ store *storage.Store }

func (u usageAdapter) GetUsage(docID string) (model.UsageStat, bool, error) {
	return u.store.GetUsage(docID)
}

func (s *Service) layerHealth() router.LayerHealth {
	return router.LayerHealth{
		BM25:   s.bm25Idx != nil,
		Vector: s.vectorIdx != nil,
		Topics: s.topicsExt != nil && s.cfg.Topics.Enabled,
	}
}

// IngestEvent appends an event (spec §6 IngestEvent).
func (s *Service) IngestEvent(req eventlog.IngestRequest) (eventlog.Result, error) {
	res, err := s.eventLog.Ingest(req)
	if err != nil {
		return eventlog.Result{}, err
	}
	if s.eventBus != nil {
		s.eventBus.NotifyOutboxNew()
	}
	return res, nil
}

// GetTocRoot lists year-level nodes, optionally filtered to one year (spec
// §6 GetTocRoot(year?)).
func (s *Service) GetTocRoot(year string) ([]model.Node, error) {
	nodes, err := s.store.ListTocLevel(model.LevelYear)
	if err != nil {
		return nil, apperr.Wrap(err)
	}
	if year == "" {
		return nodes, nil
	}
	out := make([]model.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.TimeKey == year {
			out = append(out, n)
		}
	}
	return out, nil
}

// GetNode fetches a node's latest version by id (spec §6 GetNode).
func (s *Service) GetNode(nodeID string) (model.Node, error) {
	if nodeID == "" {
		return model.Node{}, apperr.InvalidArgument("node_id")
	}
	n, err := s.store.GetTocNode(nodeID)
	if err != nil {
		return model.Node{}, apperr.Wrap(err)
	}
	return n, nil
}

// BrowsePage is one page of a parent node's children (spec §6 BrowseToc).
type BrowsePage struct {
	Children          []model.Node
	ContinuationToken string
}

// BrowseToc paginates a parent node's ChildNodeIDs. The continuation token
// is the plain decimal offset into that slice — an opaque string to callers,
// stable only within the lifetime of the parent's current version, since a
// ChildNodeIDs rewrite on re-summarization would shift positions (spec §3:
// nodes version on every rewrite).
func (s *Service) BrowseToc(parentID string, pageSize int, continuationToken string) (BrowsePage, error) {
	if parentID == "" {
		return BrowsePage{}, apperr.InvalidArgument("parent_id")
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	offset, err := decodeOffset(continuationToken)
	if err != nil {
		return BrowsePage{}, apperr.InvalidArgumentf("continuation_token", "malformed token: %v", err)
	}

	parent, err := s.store.GetTocNode(parentID)
	if err != nil {
		return BrowsePage{}, apperr.Wrap(err)
	}
	if offset >= len(parent.ChildNodeIDs) {
		return BrowsePage{}, nil
	}
	end := offset + pageSize
	if end > len(parent.ChildNodeIDs) {
		end = len(parent.ChildNodeIDs)
	}

	children := make([]model.Node, 0, end-offset)
	for _, childID := range parent.ChildNodeIDs[offset:end] {
		child, err := s.store.GetTocNode(childID)
		if err != nil {
			continue
		}
		children = append(children, child)
	}

	page := BrowsePage{Children: children}
	if end < len(parent.ChildNodeIDs) {
		page.ContinuationToken = encodeOffset(end)
	}
	return page, nil
}

// GetEvents returns a raw event range (spec §6 GetEvents).
func (s *Service) GetEvents(startMs, endMs int64, limit int) ([]model.Event, error) {
	return s.eventLog.GetEvents(startMs, endMs, limit)
}

// ExpandGrip returns a grip plus surrounding context (spec §6 ExpandGrip).
func (s *Service) ExpandGrip(req grip.ExpandRequest) (grip.ExpandResult, error) {
	return s.gripExp.Expand(req)
}

// ListAgents discovers agents with session counts and last-seen (spec §6
// ListAgents).
func (s *Service) ListAgents() ([]model.AgentSummary, error) {
	agents, err := s.store.ListAgents()
	if err != nil {
		return nil, apperr.Wrap(err)
	}
	return agents, nil
}

func encodeOffset(n int) string {
	return itoa(n)
}

func decodeOffset(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	return atoi(token)
}

// itoa/atoi avoid pulling in strconv for two lines; kept local since no
// other conversion is needed here.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := make([]byte, 0, 8)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		digits = append([]byte{'-'}, digits...)
	}
	return string(digits)
}

func atoi(s string) (int, error) {
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, apperr.InvalidArgumentf("continuation_token", "not numeric: %q", s)
		}
		n = n*10 + int(r-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}
