package router

import (
	"regexp"
	"strings"
	"time"

	"github.com/agent-memory/agentmemory/internal/apperr"
)

// Intent is the deterministic, rule-based classification of a query (spec
// §4.9 Intent classifier — explicitly "no LLM call").
type Intent string

const (
	IntentExplore   Intent = "explore"
	IntentAnswer    Intent = "answer"
	IntentLocate    Intent = "locate"
	IntentTimeBoxed Intent = "time_boxed"
)

// TimeConstraint is the resolved time window a query's relative/absolute
// time reference maps to.
type TimeConstraint struct {
	StartMs int64
	EndMs   int64
	Raw     string
}

// IntentResult is what the classifier returns (spec §4.9: "{intent,
// confidence, time_constraint?, keywords, suggested_mode}").
type IntentResult struct {
	Intent         Intent
	Confidence     float64
	TimeConstraint *TimeConstraint
	Keywords       []string
	SuggestedMode  ExecutionMode
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

var isoDateRe = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)

// locateVerbs signal the user wants one specific, already-known thing.
var locateVerbs = []string{"find", "where", "show me", "get", "locate", "what was"}

// exploreVerbs signal an open-ended browse.
var exploreVerbs = []string{"what have", "tell me about", "summarize", "overview", "explore", "everything about"}

// classifyIntent runs the deterministic rules (spec §4.9). now is injected
// so time-reference resolution is testable without wall-clock dependence.
func classifyIntent(query string, now time.Time) (IntentResult, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return IntentResult{}, apperr.InvalidArgument("query")
	}
	lower := strings.ToLower(trimmed)
	keywords := extractKeywords(lower)

	tc := resolveTimeConstraint(lower, now)

	switch {
	case tc != nil:
		return IntentResult{Intent: IntentTimeBoxed, Confidence: 0.9, TimeConstraint: tc, Keywords: keywords, SuggestedMode: ModeSequential}, nil
	case containsAny(lower, locateVerbs):
		return IntentResult{Intent: IntentLocate, Confidence: 0.75, Keywords: keywords, SuggestedMode: ModeSequential}, nil
	case containsAny(lower, exploreVerbs):
		return IntentResult{Intent: IntentExplore, Confidence: 0.7, Keywords: keywords, SuggestedMode: ModeParallel}, nil
	default:
		return IntentResult{Intent: IntentAnswer, Confidence: 0.6, Keywords: keywords, SuggestedMode: ModeHybrid}, nil
	}
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// extractKeywords is a minimal tokenizer that drops words shorter than 3
// characters (it has no stopword list), kept local to
// the router rather than shared with internal/toc's tokenizer since the two
// serve different purposes (spec §9 design note: ranking/search
// tokenization and intent keyword extraction are allowed to diverge).
func extractKeywords(lower string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		w := cur.String()
		cur.Reset()
		if len(w) >= 3 {
			words = append(words, w)
		}
	}
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return words
}

// resolveTimeConstraint recognizes "yesterday", "last week", ISO dates, and
// weekday names (spec §4.9).
func resolveTimeConstraint(lower string, now time.Time) *TimeConstraint {
	dayStart := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}

	switch {
	case strings.Contains(lower, "yesterday"):
		start := dayStart(now.AddDate(0, 0, -1))
		return &TimeConstraint{StartMs: start.UnixMilli(), EndMs: start.AddDate(0, 0, 1).UnixMilli(), Raw: "yesterday"}
	case strings.Contains(lower, "today"):
		start := dayStart(now)
		return &TimeConstraint{StartMs: start.UnixMilli(), EndMs: start.AddDate(0, 0, 1).UnixMilli(), Raw: "today"}
	case strings.Contains(lower, "last week"):
		start := dayStart(now.AddDate(0, 0, -7))
		return &TimeConstraint{StartMs: start.UnixMilli(), EndMs: dayStart(now).UnixMilli(), Raw: "last week"}
	}

	if m := isoDateRe.FindString(lower); m != "" {
		if t, err := time.ParseInLocation("2006-01-02", m, now.Location()); err == nil {
			start := dayStart(t)
			return &TimeConstraint{StartMs: start.UnixMilli(), EndMs: start.AddDate(0, 0, 1).UnixMilli(), Raw: m}
		}
	}

	for name, wd := range weekdayNames {
		if !strings.Contains(lower, name) {
			continue
		}
		daysAgo := int(now.Weekday()-wd+7) % 7
		if daysAgo == 0 {
			daysAgo = 7 // "last Tuesday" said on a Tuesday means a week ago, not today
		}
		start := dayStart(now.AddDate(0, 0, -daysAgo))
		return &TimeConstraint{StartMs: start.UnixMilli(), EndMs: start.AddDate(0, 0, 1).UnixMilli(), Raw: name}
	}
	return nil
}
