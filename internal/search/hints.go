package search

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/oaustegard/muninn/internal/memorystore"
	"github.com/oaustegard/muninn/internal/transport"
)

// stopwords is a small, documented list used only by recall_hints to
// avoid surfacing noise terms as proactive hints; it is intentionally
// short rather than an exhaustive list, since over-filtering here only
// costs a missed hint, not incorrect behavior (spec §13 open question).
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"to": true, "of": true, "in": true, "on": true, "for": true, "with": true,
	"at": true, "by": true, "this": true, "that": true, "it": true, "as": true,
	"i": true, "you": true, "we": true, "they": true, "he": true, "she": true,
}

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9']+`)

// HintsOptions mirrors recall_hints' parameters (spec §4.6).
type HintsOptions struct {
	Context         string
	Terms           []string
	IncludeTags     bool
	IncludeSummaries bool
	MinMatches      int
}

// Hint is a compact stub of a surfaced memory.
type Hint struct {
	ID      string
	Type    memorystore.Type
	T       string
	Tags    []string
	Summary string
	Matches int
}

// RecallHints tokenizes context plus supplied terms, issues a server-side
// FTS MATCH across their union, and scores by distinct term hit count,
// breaking ties by recency (spec §4.6).
func (e *Engine) RecallHints(ctx context.Context, opts HintsOptions) ([]*Hint, error) {
	if opts.MinMatches <= 0 {
		opts.MinMatches = 1
	}

	terms := tokenize(opts.Context)
	for _, t := range opts.Terms {
		terms = append(terms, tokenize(t)...)
	}
	terms = dedupe(terms)
	if len(terms) == 0 {
		return nil, nil
	}

	var matchParts []string
	for _, t := range terms {
		matchParts = append(matchParts, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	matchQuery := strings.Join(matchParts, " OR ")

	sql := `SELECT m.id, m.type, m.t, m.tags, m.summary
		FROM memories_fts
		JOIN memories m ON m.id = memories_fts.id
		WHERE memories_fts MATCH ? AND m.deleted_at IS NULL
		ORDER BY m.t DESC
		LIMIT 50`

	rows, err := e.client.ExecOne(ctx, transport.Statement{SQL: sql, Args: []any{matchQuery}})
	if err != nil {
		return nil, err
	}

	hints := make([]*Hint, 0, len(rows))
	for _, row := range rows {
		summary, _ := row["summary"].(string)
		tags := memorystore.ParseTags(row["tags"])
		matches := scoreHint(headOf(summary, 140), tags, terms, opts.IncludeTags, opts.IncludeSummaries)
		if matches < opts.MinMatches {
			continue
		}
		t, _ := row["t"].(string)
		hints = append(hints, &Hint{
			ID:      asStr(row["id"]),
			Type:    memorystore.Type(asStr(row["type"])),
			T:       t,
			Tags:    tags,
			Summary: headOf(summary, 140),
			Matches: matches,
		})
	}

	sort.SliceStable(hints, func(i, j int) bool {
		if hints[i].Matches != hints[j].Matches {
			return hints[i].Matches > hints[j].Matches
		}
		return hints[i].T > hints[j].T
	})

	return hints, nil
}

// tokenize lowercases, strips stopwords, and drops tokens shorter than
// 3 characters (spec §4.10).
func tokenize(s string) []string {
	var out []string
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(s), -1) {
		if len(tok) >= 3 && !stopwords[tok] {
			out = append(out, tok)
		}
	}
	return out
}

func dedupe(terms []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// scoreHint implements `|terms ∩ tags_of(stub)| + (include_summaries ?
// count of term hits in summary head : 0)` (spec §4.10).
func scoreHint(summary string, tags []string, terms []string, includeTags, includeSummaries bool) int {
	score := 0

	if includeTags {
		tagSet := map[string]bool{}
		for _, tag := range tags {
			tagSet[strings.ToLower(tag)] = true
		}
		for _, t := range terms {
			if tagSet[t] {
				score++
			}
		}
	}

	if includeSummaries {
		summaryTokens := map[string]bool{}
		for _, tok := range tokenPattern.FindAllString(strings.ToLower(summary), -1) {
			summaryTokens[tok] = true
		}
		for _, t := range terms {
			if summaryTokens[t] {
				score++
			}
		}
	}

	return score
}

func headOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func asStr(v any) string {
	s, _ := v.(string)
	return s
}
