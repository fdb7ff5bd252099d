// Package grip implements the Grip Expander (spec §4.4): given a grip
// identifier, returns the source events the grip's excerpt paraphrases plus
// bounded surrounding context.
package grip

import (
	"sort"

	"go.uber.org/zap"

	"github.com/agent-memory/agentmemory/internal/apperr"
	"github.com/agent-memory/agentmemory/internal/idgen"
	"github.com/agent-memory/agentmemory/internal/model"
	"github.com/agent-memory/agentmemory/internal/storage"
)

// Expander is the Grip Expander component.
type Expander struct {
	store *storage.Store
	log   *zap.Logger
}

func New(store *storage.Store, logger *zap.Logger) *Expander {
	return &Expander{store: store, log: logger.Named("grip")}
}

// ExpandRequest bounds the context window returned alongside the excerpt
// events (spec §4.4).
type ExpandRequest struct {
	GripID          string
	EventsBefore    int
	EventsAfter     int
	MaxTimeBeforeMs int64
	MaxTimeAfterMs  int64
}

// ExpandResult is the three-way partition of the extended interval around a
// grip's excerpt span.
type ExpandResult struct {
	Grip          model.Grip
	EventsBefore  []model.Event
	ExcerptEvents []model.Event
	EventsAfter   []model.Event
}

// Expand fetches the grip, computes the extended time interval, range-scans
// events, and partitions them into before/excerpt/after (spec §4.4). An
// unknown grip_id returns a zero-value result with no error rather than
// NotFound, matching the contract's "success with empty content if unknown".
// A grip whose referenced span has since fallen out of the live event range
// (should not happen under append-only, but is handled defensively) yields
// an empty excerpt the same way.
func (e *Expander) Expand(req ExpandRequest) (ExpandResult, error) {
	if req.GripID == "" {
		return ExpandResult{}, apperr.InvalidArgument("grip_id")
	}

	g, err := e.store.GetGrip(req.GripID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return ExpandResult{}, nil
		}
		return ExpandResult{}, apperr.Wrap(err)
	}

	startMs, err := idgen.ParseTimestampMs(g.EventIDStart)
	if err != nil {
		e.log.Warn("grip has unparsable event_id_start, falling back to grip timestamp", zap.String("grip_id", g.GripID), zap.Error(err))
		startMs = g.TimestampMs
	}
	endMs, err := idgen.ParseTimestampMs(g.EventIDEnd)
	if err != nil {
		endMs = startMs
	}

	extStart := startMs - req.MaxTimeBeforeMs
	extEnd := endMs + req.MaxTimeAfterMs

	events, err := e.store.GetEventsInRange(extStart, extEnd, 0)
	if err != nil {
		return ExpandResult{}, apperr.Wrap(err)
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].TimestampMs != events[j].TimestampMs {
			return events[i].TimestampMs < events[j].TimestampMs
		}
		return events[i].EventID < events[j].EventID
	})

	var before, excerpt, after []model.Event
	for _, ev := range events {
		switch {
		case ev.EventID >= g.EventIDStart && ev.EventID <= g.EventIDEnd:
			excerpt = append(excerpt, ev)
		case ev.TimestampMs < startMs:
			before = append(before, ev)
		case ev.TimestampMs > endMs:
			after = append(after, ev)
		}
	}

	if req.EventsBefore > 0 && len(before) > req.EventsBefore {
		before = before[len(before)-req.EventsBefore:]
	}
	if req.EventsAfter > 0 && len(after) > req.EventsAfter {
		after = after[:req.EventsAfter]
	}

	return ExpandResult{
		Grip:          g,
		EventsBefore:  before,
		ExcerptEvents: excerpt,
		EventsAfter:   after,
	}, nil
}

