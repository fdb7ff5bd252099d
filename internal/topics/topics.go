// Package topics implements the Topic Graph (spec §4.7): a periodic job
// that clusters recent TOC-node embeddings into semantic topics, labels
// them, scores their importance with time decay, infers relationships
// between them, and prunes (never deletes) topics that go cold.
package topics

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agent-memory/agentmemory/internal/apperr"
	"github.com/agent-memory/agentmemory/internal/config"
	"github.com/agent-memory/agentmemory/internal/idgen"
	"github.com/agent-memory/agentmemory/internal/model"
	"github.com/agent-memory/agentmemory/internal/storage"
	"github.com/agent-memory/agentmemory/internal/vector"
	"github.com/agent-memory/agentmemory/internal/workpool"
)

// defaultClusterPoolSize bounds how many clustering passes this extractor
// runs concurrently when no shared pool is supplied via WithPool (spec §5
// added note: dbscan clustering is CPU-bound work dispatched through a
// bounded internal/workpool). Extraction runs one at a time in practice
// (it's a single scheduled job), but the pool still bounds it against
// whatever shared budget the daemon wires in.
const defaultClusterPoolSize = 1

// halfLifeSeconds controls the exponential decay in the importance formula
// (spec §4.7: "weight x 0.5^(age_seconds / half_life_seconds)"). The spec
// names the shape of the formula but not a concrete half-life; three days
// was picked so a topic mentioned once stays visible for about a week and
// fades within a month, matching the day/week TOC rollup cadence it feeds
// off of. Recorded as an Open Question decision.
const halfLifeSeconds = 3 * 24 * 60 * 60

// recencyBoostWindow and recencyBoostFactor implement "a recency boost for
// mentions within 7 days" (spec §4.7).
const recencyBoostWindow = 7 * 24 * time.Hour
const recencyBoostFactor = 1.25

// maxHierarchyDepth caps parent/child chains (spec §4.7: "hierarchy depth is
// capped (default 3)").
const maxHierarchyDepth = 3

// Extractor runs one clustering + labeling + importance + relationship
// pass over the current TOC-node population.
type Extractor struct {
	store    *storage.Store
	embedder vector.Embedder
	labeler  Labeler
	cfg      config.TopicsConfig
	log      *zap.Logger
	now      func() time.Time
	pool     *workpool.Pool
}

// Option configures an Extractor at construction time.
type Option func(*Extractor)

// WithPool dispatches clustering through pool instead of the extractor's
// own private one, so a daemon process can bound bleve/hnsw/clustering CPU
// work against one shared budget.
func WithPool(pool *workpool.Pool) Option {
	return func(e *Extractor) { e.pool = pool }
}

func NewExtractor(store *storage.Store, embedder vector.Embedder, labeler Labeler, cfg config.TopicsConfig, logger *zap.Logger, opts ...Option) *Extractor {
	e := &Extractor{store: store, embedder: embedder, labeler: labeler, cfg: cfg, log: logger.Named("topics"), now: time.Now, pool: workpool.New(defaultClusterPoolSize)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// mention is one TOC node contributing to a cluster; it carries just enough
// to drive labeling and importance scoring without re-walking Storage.
type mention struct {
	node   model.Node
	vector []float32
}

// RunExtraction performs one full cycle (spec §4.7 Extraction through
// Lifecycle). It is safe to call repeatedly; each run recomputes importance
// and relationships from scratch the way the spec mandates ("Recalculated
// on every extraction run").
func (e *Extractor) RunExtraction(ctx context.Context) error {
	if !e.cfg.Enabled {
		return apperr.Unavailable("topics", "topic graph disabled by config")
	}

	nodes, err := e.store.ListTocLevel(model.LevelSegment)
	if err != nil {
		return apperr.Wrap(err)
	}
	if len(nodes) == 0 {
		return nil
	}

	mentions := make(map[string]mention, len(nodes))
	ids := make([]string, 0, len(nodes))
	vectors := make(map[string][]float32, len(nodes))
	for _, n := range nodes {
		text := n.Title + " " + strings.Join(bulletTexts(n), " ")
		vec, err := e.embedder.Embed(ctx, text)
		if err != nil {
			e.log.Warn("embedding failed during topic extraction, skipping node", zap.String("node_id", n.NodeID), zap.Error(err))
			continue
		}
		mentions[n.NodeID] = mention{node: n, vector: vec}
		ids = append(ids, n.NodeID)
		vectors[n.NodeID] = vec
	}
	if len(ids) == 0 {
		return nil
	}

	minClusterSize := e.cfg.MinClusterSize
	if minClusterSize <= 0 {
		minClusterSize = 3
	}
	simThreshold := e.cfg.SimilarityThreshold
	if simThreshold <= 0 {
		simThreshold = 0.75
	}

	var labels map[string]int
	err = e.pool.Submit(ctx, func(ctx context.Context) error {
		labels = dbscan(ids, vectors, minClusterSize, simThreshold)
		return nil
	})
	if err != nil {
		return apperr.Wrap(err)
	}
	clusters := map[int][]string{}
	for id, clusterID := range labels {
		clusters[clusterID] = append(clusters[clusterID], id)
	}

	existing, err := e.store.ListTopics()
	if err != nil {
		return apperr.Wrap(err)
	}

	now := e.now()
	var resultTopics []model.Topic
	for _, memberIDs := range clusters {
		members := make([]mention, 0, len(memberIDs))
		for _, id := range memberIDs {
			members = append(members, mentions[id])
		}
		topic, err := e.resolveTopic(ctx, members, existing, now)
		if err != nil {
			e.log.Warn("failed to resolve topic for cluster, skipping", zap.Error(err))
			continue
		}
		resultTopics = append(resultTopics, topic)
	}

	if err := e.inferRelationships(resultTopics); err != nil {
		return apperr.Wrap(err)
	}

	return e.pruneStale(now)
}

// resolveTopic matches members against an already-known topic by centroid
// similarity (so a recurring subject keeps its topic_id and history across
// extraction runs) or creates a new one, then recomputes its label,
// centroid, node links and importance from the current member set.
func (e *Extractor) resolveTopic(ctx context.Context, members []mention, existing []model.Topic, now time.Time) (model.Topic, error) {
	centroid := centroidOf(members)
	keywords := clusterKeywords(members, 8)
	titles := clusterTitles(members)

	var topic model.Topic
	matched := false
	for _, t := range existing {
		if len(t.Centroid) == 0 {
			continue
		}
		if cosineSimilarity(centroid, t.Centroid) >= e.cfg.SimilarityThreshold {
			topic = t
			matched = true
			break
		}
	}

	label, err := e.labeler.Label(ctx, keywords, titles)
	if err != nil {
		label = fallbackLabel(keywords)
	} else {
		label = truncateLabel(label)
	}

	if !matched {
		topic = model.Topic{
			TopicID:   "topic:" + idgen.New(now),
			CreatedAt: now,
			Status:    model.TopicActive,
		}
	}
	topic.Label = label
	topic.Centroid = centroid
	topic.Keywords = keywords
	topic.NodeCount = len(members)
	topic.LastMentionedAt = now
	topic.Status = model.TopicActive // any mention resurrects (spec §4.7 lifecycle)
	topic.ImportanceScore = importanceOf(members, now)

	if err := e.store.PutTopic(topic); err != nil {
		return model.Topic{}, err
	}
	for _, m := range members {
		link := model.TopicLink{
			TopicID:   topic.TopicID,
			NodeID:    m.node.NodeID,
			Relevance: cosineSimilarity(m.vector, centroid),
			CreatedAt: now,
		}
		if err := e.store.PutTopicLink(link); err != nil {
			return model.Topic{}, err
		}
	}
	return topic, nil
}

// importanceOf implements spec §4.7: "Σ over mentions of weight x
// 0.5^(age_seconds / half_life_seconds)", weighting each mention by its
// node's salience score and applying the 7-day recency boost.
func importanceOf(members []mention, now time.Time) float64 {
	var total float64
	for _, m := range members {
		mentionedAt := time.UnixMilli(m.node.EndTimeMs)
		age := now.Sub(mentionedAt)
		if age < 0 {
			age = 0
		}
		ageSeconds := age.Seconds()
		decay := math.Pow(0.5, ageSeconds/halfLifeSeconds)
		weight := m.node.SalienceScore
		if weight <= 0 {
			weight = 0.5
		}
		contribution := weight * decay
		if age <= recencyBoostWindow {
			contribution *= recencyBoostFactor
		}
		total += contribution
	}
	return total
}

// inferRelationships computes similar/parent/child edges across the full
// current topic set (spec §4.7 Relationships). It is a barrier over the
// whole set because cycle rejection and depth capping both need the full
// candidate edge list before committing any edge.
func (e *Extractor) inferRelationships(topics []model.Topic) error {
	type edge struct {
		from, to string
		typ      model.RelationshipType
		score    float64
	}
	var edges []edge

	for i, a := range topics {
		for j, b := range topics {
			if i == j {
				continue
			}
			sim := cosineSimilarity(a.Centroid, b.Centroid)
			if sim >= e.cfg.SimilarityThreshold {
				edges = append(edges, edge{a.TopicID, b.TopicID, model.RelationSimilar, sim})
			}
		}
	}

	parentOf := map[string]string{}
	for i, a := range topics {
		for j, b := range topics {
			if i == j {
				continue
			}
			if isBroaderTerm(a.Label, b.Label) {
				parentOf[b.TopicID] = a.TopicID
			}
		}
	}
	for child, parent := range parentOf {
		if wouldCycle(parentOf, parent, child) {
			continue
		}
		if depthOf(parentOf, child) > maxHierarchyDepth {
			continue
		}
		edges = append(edges, edge{parent, child, model.RelationParent, 1})
		edges = append(edges, edge{child, parent, model.RelationChild, 1})
	}

	for _, ed := range edges {
		rel := model.TopicRelationship{From: ed.from, To: ed.to, Type: ed.typ, Score: ed.score}
		if err := e.store.PutTopicRelationship(rel); err != nil {
			return err
		}
	}
	return nil
}

// isBroaderTerm is the "simple broader-term heuristic on labels" spec §4.7
// calls for: b is treated as a narrower child of a when a's label appears
// as a whole-word prefix phrase of b's label ("Storage" is broader than
// "Storage Bbolt Migration").
func isBroaderTerm(a, b string) bool {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" || a == b {
		return false
	}
	return strings.HasPrefix(b, a+" ")
}

func wouldCycle(parentOf map[string]string, parent, child string) bool {
	cur := parent
	for depth := 0; depth < maxHierarchyDepth+1; depth++ {
		if cur == child {
			return true
		}
		next, ok := parentOf[cur]
		if !ok {
			return false
		}
		cur = next
	}
	return true
}

func depthOf(parentOf map[string]string, id string) int {
	depth := 0
	cur := id
	for {
		parent, ok := parentOf[cur]
		if !ok {
			return depth
		}
		depth++
		cur = parent
		if depth > maxHierarchyDepth+1 {
			return depth
		}
	}
}

// pruneStale marks topics whose importance has sat below min_importance for
// longer than pruning_age_days as pruned (spec §4.7 Lifecycle). Pruned
// topics stay in storage for possible resurrection; they are never deleted.
func (e *Extractor) pruneStale(now time.Time) error {
	minImportance := e.cfg.MinImportance
	cutoff := time.Duration(e.cfg.PruningAgeDays) * 24 * time.Hour

	topics, err := e.store.ListTopics()
	if err != nil {
		return err
	}
	for _, t := range topics {
		if t.Status == model.TopicPruned {
			continue
		}
		if t.ImportanceScore >= minImportance {
			continue
		}
		if now.Sub(t.LastMentionedAt) < cutoff {
			continue
		}
		t.Status = model.TopicPruned
		if err := e.store.PutTopic(t); err != nil {
			return err
		}
	}
	return nil
}

// QueryByText embeds query and ranks every active topic by cosine
// similarity of its centroid (spec §6 GetTopicsByQuery). Pruned topics are
// excluded, as they are from TopTopics.
func (e *Extractor) QueryByText(ctx context.Context, query string, topK int) ([]model.Topic, error) {
	if !e.cfg.Enabled {
		return nil, apperr.Unavailable("topics", "topic graph disabled by config")
	}
	if strings.TrimSpace(query) == "" {
		return nil, apperr.InvalidArgument("query")
	}
	qVec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(err)
	}
	all, err := e.store.ListTopics()
	if err != nil {
		return nil, apperr.Wrap(err)
	}

	type scored struct {
		topic model.Topic
		score float64
	}
	var candidates []scored
	for _, t := range all {
		if t.Status != model.TopicActive || len(t.Centroid) == 0 {
			continue
		}
		candidates = append(candidates, scored{topic: t, score: cosineSimilarity(qVec, t.Centroid)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if topK <= 0 {
		topK = 10
	}
	if topK > len(candidates) {
		topK = len(candidates)
	}
	out := make([]model.Topic, topK)
	for i := 0; i < topK; i++ {
		out[i] = candidates[i].topic
	}
	return out, nil
}

// TopTopics returns the n most important active topics (spec §6
// GetTopTopics), highest importance_score first.
func (e *Extractor) TopTopics(n int) ([]model.Topic, error) {
	if !e.cfg.Enabled {
		return nil, apperr.Unavailable("topics", "topic graph disabled by config")
	}
	all, err := e.store.ListTopics()
	if err != nil {
		return nil, apperr.Wrap(err)
	}
	var active []model.Topic
	for _, t := range all {
		if t.Status == model.TopicActive {
			active = append(active, t)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ImportanceScore > active[j].ImportanceScore })
	if n > 0 && n < len(active) {
		active = active[:n]
	}
	return active, nil
}

func bulletTexts(n model.Node) []string {
	out := make([]string, len(n.Bullets))
	for i, b := range n.Bullets {
		out[i] = b.Text
	}
	return out
}

func clusterTitles(members []mention) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.node.Title
	}
	return out
}

// clusterKeywords ranks keywords across a cluster's member nodes by how
// many distinct members mention them, reusing the keywords the TOC builder
// already extracted per node (spec §4.3) rather than re-tokenizing text.
func clusterKeywords(members []mention, n int) []string {
	freq := map[string]int{}
	for _, m := range members {
		for _, k := range m.node.Keywords {
			freq[k]++
		}
	}
	type kv struct {
		word  string
		count int
	}
	all := make([]kv, 0, len(freq))
	for w, c := range freq {
		all = append(all, kv{w, c})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].word < all[j].word
	})
	if n > len(all) {
		n = len(all)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = all[i].word
	}
	return out
}

func centroidOf(members []mention) []float32 {
	if len(members) == 0 {
		return nil
	}
	dims := len(members[0].vector)
	out := make([]float32, dims)
	for _, m := range members {
		for i := 0; i < dims && i < len(m.vector); i++ {
			out[i] += m.vector[i]
		}
	}
	for i := range out {
		out[i] /= float32(len(members))
	}
	return out
}
