// Package search implements Search & Ranking (spec §4.6): FTS5 querying
// with Porter-stemmed BM25, composite priority/recency/access scoring,
// tag and time-window filtering, query expansion, and a LIKE fallback.
package search

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/oaustegard/muninn/internal/clock"
	"github.com/oaustegard/muninn/internal/logging"
	"github.com/oaustegard/muninn/internal/memorystore"
	"github.com/oaustegard/muninn/internal/muninnerr"
	"github.com/oaustegard/muninn/internal/result"
	"github.com/oaustegard/muninn/internal/transport"
)

var log = logging.GetLogger("search")

// TagMode selects how multiple tags combine.
type TagMode string

const (
	TagModeAny TagMode = "any"
	TagModeAll TagMode = "all"
)

// Options mirrors recall's keyword parameters (spec §4.6).
type Options struct {
	Search            string
	N                 int
	Tags              []string
	Type              memorystore.Type
	ConfMin           *float64
	TagMode           TagMode
	TagsAll           []string
	TagsAny           []string
	Strict            bool
	SessionID         string
	Since             *time.Time
	Until             *time.Time
	AutoStrengthen    bool
	Raw               bool
	ExpansionThreshold int
	Limit             int
	FetchAll          bool
	EpisodicBoost     bool // opts into access_boost, spec §4.6
}

// Engine executes recall over a Store and Client.
type Engine struct {
	client *transport.Client
	store  *memorystore.Store
}

func New(client *transport.Client, store *memorystore.Store) *Engine {
	return &Engine{client: client, store: store}
}

// Recall implements the recall operation (spec §4.6).
func (e *Engine) Recall(ctx context.Context, opts Options) (*result.List, error) {
	if opts.Search == "*" {
		return nil, fmt.Errorf("%w: search term \"*\" is not permitted, use fetch_all=true", muninnerr.ErrInvalidArgument)
	}
	if opts.ExpansionThreshold <= 0 {
		opts.ExpansionThreshold = 3
	}
	n := opts.N
	if opts.Limit > 0 {
		n = opts.Limit
	}
	if n <= 0 {
		n = 10
	}

	var items []*result.MemoryResult
	var err error

	switch {
	case opts.FetchAll:
		items, err = e.listMode(ctx, opts, n)
	case strings.TrimSpace(opts.Search) != "":
		items, err = e.searchMode(ctx, opts, n)
	default:
		// overfetch; ordered by composite score, then cut to n
		items, err = e.listMode(ctx, opts, n*4)
		if err == nil {
			sortByCompositeScore(items)
			if len(items) > n {
				items = items[:n]
			}
		}
	}

	if err != nil {
		if opts.Strict {
			return nil, err
		}
		log.Warn("recall failed, returning empty result", "error", err)
		return result.NewList(nil), nil
	}

	e.bookkeep(ctx, items, opts.AutoStrengthen)

	return result.NewList(items), nil
}

// searchMode runs the FTS path with composite scoring, query expansion,
// and a LIKE fallback on failure.
func (e *Engine) searchMode(ctx context.Context, opts Options, n int) ([]*result.MemoryResult, error) {
	matchQuery := escapeFTSQuery(opts.Search)

	sql, args := buildFTSQuery(matchQuery, opts, n*4) // overfetch; ranking/limit applied after scoring
	rows, err := e.client.ExecOne(ctx, transport.Statement{SQL: sql, Args: args})
	if err != nil {
		log.Warn("fts query failed, falling back to LIKE", "error", err)
		return e.likeFallback(ctx, opts, n)
	}

	primary := e.scoreRows(rows, opts)

	if len(primary) < opts.ExpansionThreshold {
		expanded, expErr := e.expandByTags(ctx, primary, opts, n)
		if expErr == nil {
			primary = mergeByID(primary, expanded)
		}
	}

	sortByCompositeScore(primary)
	if len(primary) > n {
		primary = primary[:n]
	}
	return primary, nil
}

// listMode covers no-search recall and fetch_all: rows come back in
// priority DESC, t DESC order, each scored recency_weight ×
// priority_weight. Recall re-sorts no-search results by that score
// (ties by t DESC); fetch_all keeps the query order (spec §4.6).
func (e *Engine) listMode(ctx context.Context, opts Options, n int) ([]*result.MemoryResult, error) {
	sql, args := buildFilterQuery(opts, n)
	rows, err := e.client.ExecOne(ctx, transport.Statement{SQL: sql, Args: args})
	if err != nil {
		return nil, fmt.Errorf("recall list mode: %w", err)
	}

	out := make([]*result.MemoryResult, 0, len(rows))
	now := clock.Now()
	for _, row := range rows {
		m, err := memorystore.ScanRow(row)
		if err != nil {
			return nil, err
		}
		score := recencyWeight(m, now) * priorityWeight(m.Priority)
		out = append(out, result.Wrap(m, score))
	}
	return out, nil
}

// likeFallback reissues a parameterized LIKE query with the same filters,
// no BM25 term, per spec §4.6.
func (e *Engine) likeFallback(ctx context.Context, opts Options, n int) ([]*result.MemoryResult, error) {
	sql, args := buildLikeQuery(opts, n)
	rows, err := e.client.ExecOne(ctx, transport.Statement{SQL: sql, Args: args})
	if err != nil {
		return nil, fmt.Errorf("recall like fallback: %w", err)
	}
	out := make([]*result.MemoryResult, 0, len(rows))
	now := clock.Now()
	for _, row := range rows {
		m, err := memorystore.ScanRow(row)
		if err != nil {
			return nil, err
		}
		score := recencyWeight(m, now) * priorityWeight(m.Priority)
		out = append(out, result.Wrap(m, score))
	}
	return out, nil
}

// expandByTags extracts tags from the current result set and issues a
// secondary tag-based fetch, for merging (spec §4.6 query expansion).
func (e *Engine) expandByTags(ctx context.Context, primary []*result.MemoryResult, opts Options, n int) ([]*result.MemoryResult, error) {
	tagSet := map[string]bool{}
	for _, r := range primary {
		for _, tag := range r.Memory().Tags {
			tagSet[tag] = true
		}
	}
	if len(tagSet) == 0 {
		return nil, nil
	}
	tags := make([]string, 0, len(tagSet))
	for t := range tagSet {
		tags = append(tags, t)
	}

	expansionOpts := opts
	expansionOpts.Search = ""
	expansionOpts.TagsAny = tags
	expansionOpts.TagMode = TagModeAny

	return e.listMode(ctx, expansionOpts, n*2)
}

// bookkeep posts access updates asynchronously; failures are logged and
// never surfaced (spec §4.6).
func (e *Engine) bookkeep(ctx context.Context, items []*result.MemoryResult, autoStrengthen bool) {
	if len(items) == 0 || e.store == nil {
		return
	}
	go func() {
		bgCtx := context.Background()
		for _, r := range items {
			id := r.Memory().ID
			if err := e.store.RecordAccess(bgCtx, id); err != nil {
				log.LogDropped("record_access", err, "id", id)
			}
			if autoStrengthen {
				if err := e.store.Strengthen(bgCtx, id, 1); err != nil {
					log.LogDropped("auto_strengthen", err, "id", id)
				}
			}
		}
	}()
	_ = ctx
}

// mergeByID dedups b against a by id, preserving a's order and appending
// novel b entries afterward (spec §4.6 "preserving primary-result order").
func mergeByID(a, b []*result.MemoryResult) []*result.MemoryResult {
	seen := map[string]bool{}
	for _, r := range a {
		seen[r.Memory().ID] = true
	}
	out := append([]*result.MemoryResult{}, a...)
	for _, r := range b {
		if !seen[r.Memory().ID] {
			seen[r.Memory().ID] = true
			out = append(out, r)
		}
	}
	return out
}

func sortByCompositeScore(items []*result.MemoryResult) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		mi, mj := items[i].Memory(), items[j].Memory()
		if !mi.T.Equal(mj.T) {
			return mi.T.After(mj.T)
		}
		if mi.Priority != mj.Priority {
			return mi.Priority > mj.Priority
		}
		li, lj := mi.LastAccessed, mj.LastAccessed
		if li != nil && lj != nil {
			return li.After(*lj)
		}
		return li != nil
	})
}

// priorityWeight implements `1 + 0.3 × priority` (spec §4.6).
func priorityWeight(priority int) float64 {
	return 1 + 0.3*float64(priority)
}

// recencyWeight implements `1 / (1 + age_days × 0.01)` using
// last_accessed when present, else t (spec §4.6).
func recencyWeight(m *memorystore.Memory, now time.Time) float64 {
	ref := m.T
	if m.LastAccessed != nil {
		ref = *m.LastAccessed
	}
	ageDays := now.Sub(ref).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return 1 / (1 + ageDays*0.01)
}

// accessBoost implements `1 + 0.2 × ln(1 + access_count)` (spec §4.6).
func accessBoost(accessCount int) float64 {
	return 1 + 0.2*math.Log(1+float64(accessCount))
}

// ftsOperatorPattern matches FTS5's reserved syntax characters so plain
// (non-phrase) tokens can be neutralized before reaching MATCH.
var ftsOperatorPattern = regexp.MustCompile(`["*^:(){}]`)

// escapeFTSQuery passes quoted phrases through verbatim and wraps every
// other bare token in double quotes, which neutralizes FTS5 boolean
// operators (AND/OR/NOT), column filters, and wildcard/prefix syntax
// without losing the caller's literal terms (spec §4.6, §9 FTS interop).
func escapeFTSQuery(q string) string {
	var out strings.Builder
	inQuote := false
	var tokenBuf strings.Builder

	flushToken := func() {
		tok := tokenBuf.String()
		tokenBuf.Reset()
		if tok == "" {
			return
		}
		escaped := strings.ReplaceAll(tok, `"`, `""`)
		if out.Len() > 0 {
			out.WriteByte(' ')
		}
		out.WriteString(`"`)
		out.WriteString(escaped)
		out.WriteString(`"`)
	}

	for i := 0; i < len(q); i++ {
		c := q[i]
		switch {
		case c == '"':
			if !inQuote {
				flushToken()
				inQuote = true
				if out.Len() > 0 {
					out.WriteByte(' ')
				}
				out.WriteByte('"')
			} else {
				inQuote = false
				out.WriteByte('"')
			}
		case inQuote:
			out.WriteByte(c)
		case c == ' ' || c == '\t' || c == '\n':
			flushToken()
		default:
			tokenBuf.WriteByte(c)
		}
	}
	flushToken()

	return strings.TrimSpace(out.String())
}
