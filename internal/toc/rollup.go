package toc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agent-memory/agentmemory/internal/apperr"
	"github.com/agent-memory/agentmemory/internal/model"
	"github.com/agent-memory/agentmemory/internal/storage"
)

// RollupScheduler recomputes day/week/month/year nodes from their children
// (spec §4.3: "Each level above segment is a rollup of the level below,
// recomputed by re-summarizing its children whenever a child changes.").
// It is driven by internal/scheduler on a cron cadence, separate from the
// Builder which only produces segments as events arrive.
type RollupScheduler struct {
	store  *storage.Store
	rollup RollupSummarizer
	log    *zap.Logger
	now    func() time.Time
}

func NewRollupScheduler(store *storage.Store, rollup RollupSummarizer, logger *zap.Logger) *RollupScheduler {
	return &RollupScheduler{store: store, rollup: rollup, log: logger.Named("toc.rollup"), now: time.Now}
}

// rollupSpec describes how one level is keyed from its child's start time
// and which level feeds it.
type rollupSpec struct {
	level      model.TocLevel
	childLevel model.TocLevel
	timeKey    func(startMs int64) string
}

var rollupLevels = []rollupSpec{
	{model.LevelDay, model.LevelSegment, func(ms int64) string { return time.UnixMilli(ms).UTC().Format("2006-01-02") }},
	{model.LevelWeek, model.LevelDay, isoWeekKey},
	{model.LevelMonth, model.LevelWeek, func(ms int64) string { return time.UnixMilli(ms).UTC().Format("2006-01") }},
	{model.LevelYear, model.LevelMonth, func(ms int64) string { return time.UnixMilli(ms).UTC().Format("2006") }},
}

func isoWeekKey(ms int64) string {
	t := time.UnixMilli(ms).UTC()
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// RunOnce recomputes every level bottom-up. Each level groups its children by
// timeKey, re-summarizes the group, and writes a new version (spec §4.3
// rollup, §8 invariant: "a parent node's [start,end] interval contains every
// child's interval").
func (r *RollupScheduler) RunOnce(ctx context.Context) error {
	for _, spec := range rollupLevels {
		if err := r.rollupLevel(ctx, spec); err != nil {
			return fmt.Errorf("rollup level %s: %w", spec.level, err)
		}
	}
	return nil
}

func (r *RollupScheduler) rollupLevel(ctx context.Context, spec rollupSpec) error {
	children, err := r.store.ListTocLevel(spec.childLevel)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		return nil
	}

	groups := map[string][]model.Node{}
	var order []string
	for _, child := range children {
		key := spec.timeKey(child.StartTimeMs)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], child)
	}

	nowMs := r.now().UnixMilli()
	for _, key := range order {
		group := groups[key]
		if err := r.writeRollupNode(ctx, spec.level, key, group, nowMs); err != nil {
			return err
		}
	}
	return nil
}

func (r *RollupScheduler) writeRollupNode(ctx context.Context, level model.TocLevel, timeKey string, children []model.Node, nowMs int64) error {
	existing, err := r.store.GetTocNode(fmt.Sprintf("toc:%s:%s", level, timeKey))
	notFound := err != nil
	if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		return err
	}

	summary, err := r.rollup.SummarizeNodes(ctx, children)
	if err != nil {
		r.log.Warn("rollup summarizer failed, skipping this cycle", zap.String("level", string(level)), zap.String("time_key", timeKey), zap.Error(err))
		return nil
	}

	node := buildRollupNode(level, timeKey, children, summary)
	if !notFound {
		node.IsPinned = existing.IsPinned
	}

	version, _, err := r.store.PutTocNode(node, model.EntryTocNodeUpdated, nowMs)
	if err != nil {
		return err
	}
	r.log.Debug("rollup written", zap.String("node_id", node.NodeID), zap.Uint64("version", version), zap.Int("children", len(children)))
	return nil
}

func buildRollupNode(level model.TocLevel, timeKey string, children []model.Node, summary Summary) model.Node {
	nodeID := fmt.Sprintf("toc:%s:%s", level, timeKey)
	startMs, endMs := children[0].StartTimeMs, children[0].EndTimeMs
	childIDs := make([]string, 0, len(children))
	agentSet := map[string]bool{}
	var agents []string
	var maxSalience float64
	for _, c := range children {
		if c.StartTimeMs < startMs {
			startMs = c.StartTimeMs
		}
		if c.EndTimeMs > endMs {
			endMs = c.EndTimeMs
		}
		childIDs = append(childIDs, c.NodeID)
		for _, a := range c.ContributingAgents {
			if !agentSet[a] {
				agentSet[a] = true
				agents = append(agents, a)
			}
		}
		if c.SalienceScore > maxSalience {
			maxSalience = c.SalienceScore
		}
	}

	memoryKind := summary.MemoryKind
	if memoryKind == "" {
		memoryKind = model.MemoryObservation
	}

	bullets := make([]model.Bullet, 0, len(summary.Bullets))
	for _, b := range summary.Bullets {
		bullets = append(bullets, model.Bullet{Text: b})
	}

	return model.Node{
		NodeID:             nodeID,
		Level:              level,
		TimeKey:            timeKey,
		Title:              summary.Title,
		Bullets:            bullets,
		Keywords:           summary.Keywords,
		ChildNodeIDs:       childIDs,
		StartTimeMs:        startMs,
		EndTimeMs:          endMs,
		ContributingAgents: agents,
		MemoryKind:         memoryKind,
		SalienceScore:      maxSalience,
	}
}

