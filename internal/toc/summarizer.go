package toc

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agent-memory/agentmemory/internal/model"
)

// Summary is what a Summarizer produces for a set of events or child nodes
// (spec §4.3 summarization contract).
type Summary struct {
	Title      string
	Bullets    []string
	Keywords   []string
	MemoryKind model.MemoryKind // optional; empty means "let the builder default to observation"
}

// Summarizer is the capability trait the TOC Builder depends on (spec §9
// design notes: "Summarizer and embedder as capability traits... The core
// never imports an LLM client; it sees only the trait."). Concrete LLM-backed
// implementations live outside this module, the way the teacher's
// EmbeddingProvider is implemented by LMStudioEmbedding but only the
// interface is imported by LearningDB.
type Summarizer interface {
	Summarize(ctx context.Context, events []model.Event) (Summary, error)
}

// RollupSummarizer is the analogous trait used to summarize a set of child
// TOC nodes into their parent (spec §4.3 rollup).
type RollupSummarizer interface {
	SummarizeNodes(ctx context.Context, children []model.Node) (Summary, error)
}

// StubSummarizer is a deterministic, dependency-free summarizer used by
// tests and by the daemon, which wires no LLM-backed summarizer. It never
// errors, so with it Builder.summarizeWithFallback never reaches its
// "keyword-derived title, empty bullets" fallback (spec §4.3); unlike that
// fallback, it also produces simple bullets.
type StubSummarizer struct{}

func (StubSummarizer) Summarize(_ context.Context, events []model.Event) (Summary, error) {
	if len(events) == 0 {
		return Summary{Title: "(empty segment)"}, nil
	}
	kw := topKeywords(events, 5)
	title := fmt.Sprintf("%s session activity (%s)", events[0].Agent, strings.Join(kw[:min(3, len(kw))], ", "))

	byKindAgent := map[string][]model.Event{}
	var order []string
	for _, ev := range events {
		key := string(ev.Kind) + "|" + ev.Agent
		if _, ok := byKindAgent[key]; !ok {
			order = append(order, key)
		}
		byKindAgent[key] = append(byKindAgent[key], ev)
	}
	sort.Strings(order)

	var bullets []string
	for _, key := range order {
		group := byKindAgent[key]
		parts := strings.SplitN(key, "|", 2)
		kind, agent := parts[0], parts[1]
		bullets = append(bullets, fmt.Sprintf("%s performed %d %s event(s)", agent, len(group), kind))
	}

	return Summary{Title: title, Bullets: bullets, Keywords: kw}, nil
}

func (StubSummarizer) SummarizeNodes(_ context.Context, children []model.Node) (Summary, error) {
	if len(children) == 0 {
		return Summary{Title: "(empty rollup)"}, nil
	}
	kwSet := map[string]int{}
	var bullets []string
	for _, c := range children {
		for _, kw := range c.Keywords {
			kwSet[kw]++
		}
		bullets = append(bullets, fmt.Sprintf("%s: %s", c.TimeKey, c.Title))
	}
	kw := rankKeywords(kwSet, 8)
	title := fmt.Sprintf("Summary of %d period(s)", len(children))
	if len(kw) > 0 {
		title = fmt.Sprintf("%s covering %s", title, strings.Join(kw[:min(3, len(kw))], ", "))
	}
	return Summary{Title: title, Bullets: bullets, Keywords: kw}, nil
}
