package memory

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	maxTopics    = 5
	maxFiles     = 10
	maxDecisions = 5
)

// stopwords excluded from topic extraction. Mostly chat filler.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "from": true, "have": true, "will": true, "would": true,
	"should": true, "could": true, "there": true, "their": true, "about": true,
	"which": true, "what": true, "when": true, "where": true, "your": true,
	"file": true, "files": true, "please": true, "need": true, "want": true,
	"make": true, "just": true, "like": true, "into": true, "then": true,
	"them": true, "they": true, "here": true, "some": true, "also": true,
}

var (
	wordRe = regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]{3,}`)
	fileRe = regexp.MustCompile(`[\w./-]+\.[a-zA-Z]{1,5}\b`)
)

// decisionMarkers flag sentences worth keeping verbatim in a summary.
var decisionMarkers = []string{
	"decided", "will use", "chose", "agreed", "instead of", "switched to",
	"renamed", "refactor", "fixed", "added", "removed",
}

// buildSummary condenses raw turn contents into a Summary with extracted
// topics, touched files and decision sentences. Purely heuristic: no model
// call, so it works offline and costs nothing. toolArgs are the raw tool
// arguments of the covered turns; they feed file extraction only, since a
// write target often appears nowhere in the conversation text.
func buildSummary(contents, toolArgs []string) *Summary {
	joined := strings.Join(contents, "\n")

	topics := topTopics(joined, maxTopics)
	files := extractFiles(strings.Join(append(toolArgs, joined), "\n"), maxFiles)
	decisions := extractDecisions(contents, maxDecisions)

	var b strings.Builder
	fmt.Fprintf(&b, "Covered %d messages.", len(contents))
	if len(topics) > 0 {
		fmt.Fprintf(&b, " Topics: %s.", strings.Join(topics, ", "))
	}
	if len(files) > 0 {
		fmt.Fprintf(&b, " Files touched: %s.", strings.Join(files, ", "))
	}
	for _, d := range decisions {
		b.WriteString(" ")
		b.WriteString(d)
	}

	text := b.String()
	return &Summary{
		Text:      text,
		Topics:    topics,
		Files:     files,
		Decisions: decisions,
		Tokens:    EstimateTokens(text),
	}
}

func topTopics(text string, limit int) []string {
	freq := make(map[string]int)
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if stopwords[w] {
			continue
		}
		freq[w]++
	}

	type wc struct {
		word  string
		count int
	}
	ranked := make([]wc, 0, len(freq))
	for w, c := range freq {
		if c < 2 {
			continue // one-off words are noise
		}
		ranked = append(ranked, wc{w, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.word
	}
	return out
}

func extractFiles(text string, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range fileRe.FindAllString(text, -1) {
		// Skip bare domains and version-looking strings.
		if strings.HasPrefix(m, ".") || strings.Count(m, ".") > 2 {
			continue
		}
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func extractDecisions(contents []string, limit int) []string {
	var out []string
	for _, content := range contents {
		for _, sentence := range splitSentences(content) {
			lower := strings.ToLower(sentence)
			for _, marker := range decisionMarkers {
				if strings.Contains(lower, marker) {
					out = append(out, sentence)
					break
				}
			}
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}

func splitSentences(text string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	}) {
		s := strings.TrimSpace(part)
		if len(s) > 15 && len(s) < 200 {
			out = append(out, s+".")
		}
	}
	return out
}
