// Package toc implements the TOC Builder (spec §4.3): segments the event
// stream, invokes a Summarizer, extracts grips, and writes versioned TOC
// nodes from segment through year.
package toc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/agent-memory/agentmemory/internal/config"
	"github.com/agent-memory/agentmemory/internal/idgen"
	"github.com/agent-memory/agentmemory/internal/model"
	"github.com/agent-memory/agentmemory/internal/storage"
)

const maxExcerptLen = 2000

// gripOverlapThreshold is the minimum term-overlap ratio (spec §4.3) for an
// event to be included in a bullet's grip span.
const gripOverlapThreshold = 0.30

// Builder accumulates events into segments and writes TOC nodes + grips.
// It is NOT safe for concurrent Consume calls. Events reach it only through
// direct Consume calls: no outbox consumer or service method calls Consume,
// so the daemon's only use of a Builder is the toc_flush_idle job's
// FlushIdle.
type Builder struct {
	store      *storage.Store
	summarizer Summarizer
	rollup     RollupSummarizer
	cfg        config.TOCConfig
	log        *zap.Logger
	now        func() time.Time

	pending []model.Event // events not yet closed into a segment
}

func NewBuilder(store *storage.Store, summarizer Summarizer, rollup RollupSummarizer, cfg config.TOCConfig, logger *zap.Logger) *Builder {
	return &Builder{
		store:      store,
		summarizer: summarizer,
		rollup:     rollup,
		cfg:        cfg,
		log:        logger.Named("toc"),
		now:        time.Now,
	}
}

// BuildResult is returned for each segment closed by a Consume/Flush call.
type BuildResult struct {
	Node  model.Node
	Grips []model.Grip
}

// Consume appends newEvents to the pending buffer, re-sorts it by timestamp
// (then event_id), and closes every segment whose boundary condition is now
// satisfied.
func (b *Builder) Consume(ctx context.Context, newEvents []model.Event) ([]BuildResult, error) {
	b.pending = append(b.pending, newEvents...)
	sort.SliceStable(b.pending, func(i, j int) bool {
		if b.pending[i].TimestampMs != b.pending[j].TimestampMs {
			return b.pending[i].TimestampMs < b.pending[j].TimestampMs
		}
		return b.pending[i].EventID < b.pending[j].EventID
	})
	return b.drain(ctx, false)
}

// FlushIdle force-closes the pending segment if the gap between its last
// event and nowMs already exceeds the time threshold, even though no new
// event triggered the boundary (a segment doesn't wait forever for an event
// that never arrives).
func (b *Builder) FlushIdle(ctx context.Context, nowMs int64) ([]BuildResult, error) {
	if len(b.pending) == 0 {
		return nil, nil
	}
	last := b.pending[len(b.pending)-1]
	if nowMs-last.TimestampMs < b.cfg.TimeThreshold().Milliseconds() {
		return nil, nil
	}
	return b.drain(ctx, true)
}

func (b *Builder) drain(ctx context.Context, forceFinal bool) ([]BuildResult, error) {
	var results []BuildResult
	for {
		idx, found := b.findBoundary()
		if !found {
			if forceFinal && len(b.pending) > 0 {
				idx = len(b.pending)
			} else {
				break
			}
		}
		segment := append([]model.Event(nil), b.pending[:idx]...)
		res, err := b.finalizeSegment(ctx, segment)
		if err != nil {
			return results, err
		}
		results = append(results, res)

		overlap := computeOverlap(segment, b.cfg.Overlap(), b.cfg.OverlapTokens)
		rest := append([]model.Event(nil), b.pending[idx:]...)
		b.pending = append(overlap, rest...)

		if forceFinal && idx == len(segment)+ /* no more to process */ 0 && len(b.pending) == len(overlap) {
			break
		}
	}
	return results, nil
}

// findBoundary scans pending for the first index i>=1 where the segment
// [0,i) must close: either the gap before event i exceeds time_threshold, or
// cumulative tokens since the segment start exceed token_threshold (spec
// §4.3).
func (b *Builder) findBoundary() (int, bool) {
	if len(b.pending) < 2 {
		return 0, false
	}
	tokens := estimateTokens(b.pending[0])
	timeThresholdMs := b.cfg.TimeThreshold().Milliseconds()
	for i := 1; i < len(b.pending); i++ {
		gap := b.pending[i].TimestampMs - b.pending[i-1].TimestampMs
		tokens += estimateTokens(b.pending[i])
		if gap > timeThresholdMs || tokens > b.cfg.TokenThreshold {
			return i, true
		}
	}
	return 0, false
}

// computeOverlap returns the trailing window of segment bounded by both
// overlapDuration and overlapTokenBudget (spec §4.3: "Consecutive segments
// share a small overlap"). It always leaves at least the oldest event of
// segment behind: carrying the entire closed segment forward would hand
// findBoundary the exact same events it just closed, re-triggering the same
// boundary and looping forever.
func computeOverlap(segment []model.Event, overlapDuration time.Duration, overlapTokenBudget int) []model.Event {
	if len(segment) <= 1 {
		return nil
	}
	cutoff := segment[len(segment)-1].TimestampMs - overlapDuration.Milliseconds()
	var out []model.Event
	tokens := 0
	for i := len(segment) - 1; i >= 1; i-- {
		ev := segment[i]
		if ev.TimestampMs < cutoff && len(out) > 0 {
			break
		}
		tokens += estimateTokens(ev)
		out = append([]model.Event{ev}, out...)
		if tokens >= overlapTokenBudget {
			break
		}
	}
	return out
}

func (b *Builder) finalizeSegment(ctx context.Context, events []model.Event) (BuildResult, error) {
	if len(events) == 0 {
		return BuildResult{}, fmt.Errorf("finalizeSegment called with no events")
	}
	nowMs := b.now().UnixMilli()
	summary, usedFallback := b.summarizeWithFallback(ctx, events)

	nodeID := fmt.Sprintf("toc:%s:%s", model.LevelSegment, idgen.NewAtMs(events[0].TimestampMs))
	node := model.Node{
		NodeID:             nodeID,
		Level:              model.LevelSegment,
		TimeKey:            nodeID[len("toc:segment:"):],
		Title:              summary.Title,
		Keywords:           summary.Keywords,
		StartTimeMs:        events[0].TimestampMs,
		EndTimeMs:          events[len(events)-1].TimestampMs,
		ContributingAgents: contributingAgents(events),
		MemoryKind:         summary.MemoryKind,
	}
	if node.MemoryKind == "" {
		node.MemoryKind = model.MemoryObservation
	}

	var grips []model.Grip
	bullets := make([]model.Bullet, 0, len(summary.Bullets))
	for _, bulletText := range summary.Bullets {
		if usedFallback {
			bullets = append(bullets, model.Bullet{Text: bulletText})
			continue
		}
		grip, ok := extractGrip(bulletText, events, nodeID, nowMs)
		if !ok {
			bullets = append(bullets, model.Bullet{Text: bulletText})
			continue
		}
		grips = append(grips, grip)
		bullets = append(bullets, model.Bullet{Text: bulletText, GripIDs: []string{grip.GripID}})
	}
	node.Bullets = bullets
	node.SalienceScore = salience(node)

	version, _, err := b.store.PutTocNode(node, model.EntryTocNodeCreated, nowMs)
	if err != nil {
		return BuildResult{}, err
	}
	node.Version = version

	for _, g := range grips {
		if _, err := b.store.PutGrip(g, nowMs); err != nil {
			return BuildResult{}, err
		}
	}

	b.log.Info("segment closed", zap.String("node_id", nodeID), zap.Int("events", len(events)), zap.Int("grips", len(grips)), zap.Bool("fallback", usedFallback))
	return BuildResult{Node: node, Grips: grips}, nil
}

// summarizeWithFallback retries the summarizer with bounded backoff; after
// exhaustion it persists a deterministic keyword-derived title with empty
// bullets (spec §4.3 failure semantics) so TOC correctness never depends on
// LLM success.
func (b *Builder) summarizeWithFallback(ctx context.Context, events []model.Event) (Summary, bool) {
	const maxAttempts = 3
	var lastErr error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		summary, err := b.summarizer.Summarize(ctx, events)
		if err == nil {
			return summary, false
		}
		lastErr = err
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	b.log.Warn("summarizer exhausted retries, using keyword fallback", zap.Error(lastErr))
	kw := topKeywords(events, 5)
	title := "Untitled segment"
	if len(kw) > 0 {
		title = fmt.Sprintf("Segment: %s", joinComma(kw))
	}
	return Summary{Title: title, Keywords: kw, MemoryKind: model.MemoryObservation}, true
}

func joinComma(words []string) string {
	out := ""
	for i, w := range words {
		if i > 0 {
			out += ", "
		}
		out += w
	}
	return out
}

func contributingAgents(events []model.Event) []string {
	set := map[string]bool{}
	var out []string
	for _, ev := range events {
		if !set[ev.Agent] {
			set[ev.Agent] = true
			out = append(out, ev.Agent)
		}
	}
	sort.Strings(out)
	return out
}

// extractGrip ranks member events by term overlap with bulletText (spec
// §4.3 grip extraction), selects the best contiguous span above
// gripOverlapThreshold, and extends while adjacent events score similarly.
func extractGrip(bulletText string, events []model.Event, nodeID string, nowMs int64) (model.Grip, bool) {
	bulletTokens := tokenize(bulletText)
	if len(bulletTokens) == 0 {
		return model.Grip{}, false
	}
	scores := make([]float64, len(events))
	best := -1
	for i, ev := range events {
		scores[i] = termOverlapScore(bulletTokens, tokenize(eventText(ev)))
		if scores[i] >= gripOverlapThreshold && (best == -1 || scores[i] > scores[best]) {
			best = i
		}
	}
	if best == -1 {
		return model.Grip{}, false
	}

	start, end := best, best
	for start > 0 && scores[start-1] >= gripOverlapThreshold {
		start--
	}
	for end < len(events)-1 && scores[end+1] >= gripOverlapThreshold {
		end++
	}

	var excerptParts []string
	for i := start; i <= end; i++ {
		excerptParts = append(excerptParts, eventText(events[i]))
	}
	excerpt := joinSpace(excerptParts)
	if len(excerpt) > maxExcerptLen {
		excerpt = excerpt[:maxExcerptLen]
	}

	gripID := fmt.Sprintf("grip:%d:%s", events[start].TimestampMs, idgen.NewAtMs(nowMs))
	return model.Grip{
		GripID:       gripID,
		Excerpt:      excerpt,
		EventIDStart: events[start].EventID,
		EventIDEnd:   events[end].EventID,
		TocNodeID:    nodeID,
		TimestampMs:  events[start].TimestampMs,
	}, true
}

func joinSpace(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}

// salience computes the write-time importance score (spec §4.3): 0.35 base
// plus length density, a memory-kind boost, and a pinned boost, clamped to
// [0,1].
func salience(node model.Node) float64 {
	score := 0.35

	var totalChars int
	for _, bl := range node.Bullets {
		totalChars += len(bl.Text)
	}
	lengthDensity := float64(totalChars) / 2000.0
	if lengthDensity > 0.25 {
		lengthDensity = 0.25
	}
	score += lengthDensity

	if node.MemoryKind != "" && node.MemoryKind != model.MemoryObservation {
		score += 0.2
	}
	if node.IsPinned {
		score += 0.15
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
