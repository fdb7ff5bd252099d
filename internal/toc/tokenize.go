package toc

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/agent-memory/agentmemory/internal/model"
)

// stopwords is a small, deliberately limited list: grip extraction and
// keyword ranking are both heuristic, not a substitute for BM25's real
// analyzer (spec §9 open question 2 — these two tokenizers are intentionally
// different and must stay that way).
var stopwords = map[string]bool{
	"the": true, "and": true, "that": true, "with": true, "this": true,
	"from": true, "have": true, "will": true, "your": true, "about": true,
	"into": true, "were": true, "been": true, "they": true, "them": true,
	"then": true, "than": true, "when": true, "what": true, "which": true,
	"there": true, "their": true, "does": true, "just": true, "like": true,
}

// tokenize casefolds, splits on non-alphanumeric runs, drops stopwords and
// words shorter than 4 characters (spec §4.3 grip extraction tokenization).
func tokenize(text string) []string {
	text = strings.ToLower(text)
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		w := cur.String()
		cur.Reset()
		if len(w) < 4 || stopwords[w] {
			return
		}
		words = append(words, w)
	}
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return words
}

// eventText extracts the free-text content of an event suitable for
// tokenization and excerpting: message for prompts/responses, tool_name +
// a best-effort rendering of tool_input/payload otherwise.
func eventText(ev model.Event) string {
	var sb strings.Builder
	if v, ok := ev.Payload["message"].(string); ok {
		sb.WriteString(v)
	}
	if v, ok := ev.Payload["tool_name"].(string); ok {
		sb.WriteString(" ")
		sb.WriteString(v)
	}
	if v, ok := ev.Payload["tool_input"]; ok {
		if b, err := json.Marshal(v); err == nil {
			sb.WriteString(" ")
			sb.Write(b)
		}
	}
	if v, ok := ev.Payload["reason"].(string); ok {
		sb.WriteString(" ")
		sb.WriteString(v)
	}
	if sb.Len() == 0 {
		sb.WriteString(string(ev.Kind))
	}
	return sb.String()
}

// estimateTokens is a cheap chars/4 heuristic, good enough for segment
// size-budget decisions without depending on a real tokenizer library.
func estimateTokens(ev model.Event) int {
	return len(eventText(ev))/4 + 1
}

func topKeywords(events []model.Event, n int) []string {
	freq := map[string]int{}
	for _, ev := range events {
		for _, w := range tokenize(eventText(ev)) {
			freq[w]++
		}
	}
	return rankKeywords(freq, n)
}

func rankKeywords(freq map[string]int, n int) []string {
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

func termOverlapScore(bulletTokens []string, eventTokens []string) float64 {
	if len(bulletTokens) == 0 {
		return 0
	}
	set := make(map[string]bool, len(eventTokens))
	for _, t := range eventTokens {
		set[t] = true
	}
	hits := 0
	for _, t := range bulletTokens {
		if set[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(bulletTokens))
}
