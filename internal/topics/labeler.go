package topics

import (
	"context"
	"strings"

	"github.com/agent-memory/agentmemory/internal/apperr"
)

const maxLabelLen = 80

// Labeler requests a short label for a cluster of TOC-node summaries (spec
// §4.7 labeling). It mirrors the narrow-trait shape of toc.Summarizer and
// vector.Embedder: the core never couples to a concrete LLM client.
type Labeler interface {
	Label(ctx context.Context, keywords []string, titles []string) (string, error)
}

// StubLabeler has no real LLM to call, so it always declines, driving every
// cluster through the top-3-keyword fallback path (spec §4.7: "on failure,
// fall back to the top-3 capitalized keywords"). It is the deterministic,
// dependency-free default described alongside toc.StubSummarizer and
// vector.StubEmbedder.
type StubLabeler struct{}

func NewStubLabeler() StubLabeler { return StubLabeler{} }

func (StubLabeler) Label(_ context.Context, _ []string, _ []string) (string, error) {
	return "", apperr.Unavailable("topics", "no LLM label provider configured")
}

// fallbackLabel builds the top-3-capitalized-keywords label spec §4.7
// mandates when the Labeler fails, length-capped.
func fallbackLabel(keywords []string) string {
	n := 3
	if n > len(keywords) {
		n = len(keywords)
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = capitalize(keywords[i])
	}
	label := strings.Join(parts, " ")
	return truncateLabel(label)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func truncateLabel(s string) string {
	if len(s) <= maxLabelLen {
		return s
	}
	return strings.TrimSpace(s[:maxLabelLen])
}
