package search

import (
	"fmt"
	"strings"

	"github.com/oaustegard/muninn/internal/clock"
	"github.com/oaustegard/muninn/internal/memorystore"
	"github.com/oaustegard/muninn/internal/result"
	"github.com/oaustegard/muninn/internal/transport"
)

// commonFilters renders the shared WHERE-clause fragments (type, session,
// time window, tags, deleted_at) so FTS, LIKE, and list-mode queries stay
// in lockstep.
func commonFilters(opts Options) (clauses []string, args []any) {
	clauses = append(clauses, "m.deleted_at IS NULL")

	if opts.Type != "" {
		clauses = append(clauses, "m.type = ?")
		args = append(args, string(opts.Type))
	}
	if opts.SessionID != "" {
		clauses = append(clauses, "m.session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.ConfMin != nil {
		clauses = append(clauses, "m.confidence >= ?")
		args = append(args, *opts.ConfMin)
	}
	if opts.Since != nil {
		clauses = append(clauses, "m.t >= ?")
		args = append(args, opts.Since.UTC().Format(rfc3339Nano))
	}
	if opts.Until != nil {
		clauses = append(clauses, "m.t <= ?")
		args = append(args, opts.Until.UTC().Format(rfc3339Nano))
	}

	tagsAll := opts.TagsAll
	tagsAny := opts.TagsAny
	if len(opts.Tags) > 0 {
		if opts.TagMode == TagModeAll {
			tagsAll = append(tagsAll, opts.Tags...)
		} else {
			tagsAny = append(tagsAny, opts.Tags...)
		}
	}
	for _, tag := range tagsAll {
		clauses = append(clauses, "m.tags LIKE ?")
		args = append(args, tagLikePattern(tag))
	}
	if len(tagsAny) > 0 {
		var ors []string
		for _, tag := range tagsAny {
			ors = append(ors, "m.tags LIKE ?")
			args = append(args, tagLikePattern(tag))
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}

	return clauses, args
}

// tagLikePattern matches a tag as a distinct JSON-array string element:
// `"tag"` bounded by array punctuation or string quotes on both sides.
func tagLikePattern(tag string) string {
	return `%"` + tag + `"%`
}

const rfc3339Nano = "2006-01-02T15:04:05.999999999Z07:00"

const memoryColumns = `m.id, m.type, m.t, m.summary, m.confidence, m.tags, m.refs, m.priority,
	m.session_id, m.valid_from, m.access_count, m.last_accessed, m.deleted_at, m.created_at, m.updated_at`

// buildFTSQuery issues the primary MATCH query, ordering by bm25() so
// the engine can read back an opaque relevance score without
// reimplementing ranking (spec §9 FTS interop).
func buildFTSQuery(matchQuery string, opts Options, limit int) (string, []any) {
	clauses, args := commonFilters(opts)
	where := strings.Join(clauses, " AND ")

	sql := fmt.Sprintf(`SELECT %s, bm25(memories_fts) AS rank
		FROM memories_fts
		JOIN memories m ON m.id = memories_fts.id
		WHERE memories_fts MATCH ? AND %s
		ORDER BY rank
		LIMIT ?`, memoryColumns, where)

	fullArgs := append([]any{matchQuery}, args...)
	fullArgs = append(fullArgs, limit)
	return sql, fullArgs
}

// buildLikeQuery is the injection-safe fallback when FTS5 is unavailable
// or the MATCH query errors (spec §4.6).
func buildLikeQuery(opts Options, limit int) (string, []any) {
	clauses, args := commonFilters(opts)
	if s := strings.TrimSpace(opts.Search); s != "" {
		clauses = append(clauses, "(m.summary LIKE ? OR m.tags LIKE ?)")
		pattern := "%" + s + "%"
		args = append(args, pattern, pattern)
	}
	where := strings.Join(clauses, " AND ")

	sql := fmt.Sprintf(`SELECT %s FROM memories m WHERE %s
		ORDER BY m.priority DESC, m.t DESC
		LIMIT ?`, memoryColumns, where)

	args = append(args, limit)
	return sql, args
}

// buildFilterQuery is list mode / fetch_all: no search term, ordered per
// spec §8 invariant 5 (fetch_all) and §4.6 (no-search mode).
func buildFilterQuery(opts Options, limit int) (string, []any) {
	clauses, args := commonFilters(opts)
	where := strings.Join(clauses, " AND ")

	sql := fmt.Sprintf(`SELECT %s FROM memories m WHERE %s
		ORDER BY m.priority DESC, m.t DESC
		LIMIT ?`, memoryColumns, where)

	args = append(args, limit)
	return sql, args
}

// scoreRows decodes FTS rows (which carry an extra `rank` column holding
// bm25) and applies the composite scoring formula (spec §4.6).
func (e *Engine) scoreRows(rows transport.Rows, opts Options) []*result.MemoryResult {
	out := make([]*result.MemoryResult, 0, len(rows))
	now := clock.Now()
	for _, row := range rows {
		m, err := memorystore.ScanRow(row)
		if err != nil {
			log.Warn("skipping unparseable search row", "error", err)
			continue
		}
		bm25, _ := asFloat(row["rank"])
		// FTS5's bm25() returns negative values, lower (more negative)
		// meaning a better match; negate so the composite score stays
		// positive and ranks the same direction priority/recency do.
		score := -bm25 * priorityWeight(m.Priority) * recencyWeight(m, now)
		if opts.EpisodicBoost {
			score *= accessBoost(m.AccessCount)
		}
		out = append(out, result.Wrap(m, score))
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
