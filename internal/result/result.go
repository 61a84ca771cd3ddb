// Package result implements the read-path result wrapping described in
// spec §4.11: attribute-style access over memory rows, common aliases,
// and an ordered list type with debug-friendly formatting.
package result

import (
	"fmt"
	"sort"
	"strings"

	"github.com/oaustegard/muninn/internal/memorystore"
)

// aliases maps a requested attribute name to the underlying Memory field
// it reads, so callers can use either the storage name or the
// documented shorthand.
var aliases = map[string]string{
	"content":   "summary",
	"conf":      "confidence",
	"timestamp": "t",
}

// MemoryResult wraps a single memory with attribute-style and map-style
// access (spec §4.11).
type MemoryResult struct {
	Score float64
	mem   *memorystore.Memory
}

// Wrap constructs a MemoryResult. score is the composite ranking score;
// callers in no-search paths pass 0.
func Wrap(m *memorystore.Memory, score float64) *MemoryResult {
	return &MemoryResult{mem: m, Score: score}
}

// Memory exposes the underlying record for callers that want it typed.
func (r *MemoryResult) Memory() *memorystore.Memory { return r.mem }

// Get looks up a field by name, resolving documented aliases. The
// second return is false for an unknown field name, letting callers
// build a "did you mean" message rather than panicking.
func (r *MemoryResult) Get(field string) (any, bool) {
	if canon, ok := aliases[field]; ok {
		field = canon
	}
	switch field {
	case "id":
		return r.mem.ID, true
	case "type":
		return string(r.mem.Type), true
	case "t":
		return r.mem.T, true
	case "summary":
		return r.mem.Summary, true
	case "confidence":
		return r.mem.Confidence, true
	case "tags":
		return r.mem.Tags, true
	case "refs":
		return r.mem.Refs, true
	case "priority":
		return r.mem.Priority, true
	case "session_id":
		return r.mem.SessionID, true
	case "valid_from":
		return r.mem.ValidFrom, true
	case "access_count":
		return r.mem.AccessCount, true
	case "last_accessed":
		return r.mem.LastAccessed, true
	case "chain_depth":
		return r.mem.ChainDepth, true
	case "score":
		return r.Score, true
	case "alternatives":
		return r.mem.Alternatives(), true
	default:
		return nil, false
	}
}

// MustGet is Get, but returns an error naming the nearest known field
// instead of a bare "not found" when the caller mistypes an attribute.
func (r *MemoryResult) MustGet(field string) (any, error) {
	if v, ok := r.Get(field); ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown memory result field %q (did you mean %q?)", field, nearestField(field))
}

func nearestField(field string) string {
	candidates := []string{
		"id", "type", "t", "summary", "confidence", "tags", "refs", "priority",
		"session_id", "valid_from", "access_count", "last_accessed", "chain_depth",
		"score", "alternatives", "content", "conf", "timestamp",
	}
	best := candidates[0]
	bestDist := levenshtein(field, best)
	for _, c := range candidates[1:] {
		if d := levenshtein(field, c); d < bestDist {
			bestDist = d
			best = c
		}
	}
	return best
}

func levenshtein(a, b string) int {
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// ToDict renders a MemoryResult as a plain map. Recall does not return
// these maps: its results are always wrapped, whatever Options.Raw says.
func (r *MemoryResult) ToDict() map[string]any {
	return map[string]any{
		"id": r.mem.ID, "type": string(r.mem.Type), "t": r.mem.T,
		"summary": r.mem.Summary, "confidence": r.mem.Confidence,
		"tags": r.mem.Tags, "refs": r.mem.Refs, "priority": r.mem.Priority,
		"session_id": r.mem.SessionID, "valid_from": r.mem.ValidFrom,
		"access_count": r.mem.AccessCount, "last_accessed": r.mem.LastAccessed,
		"chain_depth": r.mem.ChainDepth, "score": r.Score,
	}
}

func (r *MemoryResult) String() string {
	return fmt.Sprintf("MemoryResult{id=%s type=%s score=%.4f summary=%q}",
		r.mem.ID, r.mem.Type, r.Score, truncate(r.mem.Summary, 60))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// List is an ordered, indexable collection of MemoryResult, returned by
// recall.
type List struct {
	items []*MemoryResult
}

// NewList wraps an ordered slice of results, preserving input order.
func NewList(items []*MemoryResult) *List {
	return &List{items: items}
}

func (l *List) Len() int                  { return len(l.items) }
func (l *List) At(i int) *MemoryResult     { return l.items[i] }
func (l *List) Items() []*MemoryResult     { return l.items }
func (l *List) IsEmpty() bool              { return len(l.items) == 0 }

// ToDicts renders every item via ToDict, for serialization boundaries.
func (l *List) ToDicts() []map[string]any {
	out := make([]map[string]any, len(l.items))
	for i, r := range l.items {
		out[i] = r.ToDict()
	}
	return out
}

func (l *List) String() string {
	lines := make([]string, len(l.items))
	for i, r := range l.items {
		lines[i] = fmt.Sprintf("  [%d] %s", i, r.String())
	}
	return fmt.Sprintf("MemoryResultList(%d items)\n%s", len(l.items), strings.Join(lines, "\n"))
}

// SortByScoreDesc orders items by Score descending, a stable sort so
// callers that already produced a secondary order (e.g. recency) keep
// it as the tiebreaker.
func SortByScoreDesc(items []*MemoryResult) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Score > items[j].Score
	})
}
