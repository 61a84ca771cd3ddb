// Package journal implements Journal & Session, Handoff, and
// Consolidation (spec §4.9): journal entries as config_entries rows,
// session bookkeeping and therapy/handoff/consolidation as tag-driven
// memory queries.
package journal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oaustegard/muninn/internal/clock"
	"github.com/oaustegard/muninn/internal/configstore"
	"github.com/oaustegard/muninn/internal/logging"
	"github.com/oaustegard/muninn/internal/memorystore"
	"github.com/oaustegard/muninn/internal/muninnerr"
	"github.com/oaustegard/muninn/internal/transport"
)

var log = logging.GetLogger("journal")

const journalKeyPrefix = "journal/"

// Journal composes the config and memory stores to implement the
// journal/session/therapy/handoff/consolidation surface.
type Journal struct {
	client *transport.Client
	config *configstore.Store
	memory *memorystore.Store
}

func New(client *transport.Client, config *configstore.Store, memory *memorystore.Store) *Journal {
	return &Journal{client: client, config: config, memory: memory}
}

// Entry is a single journal note (spec §4.9).
type Entry struct {
	Key        string
	Topics     []string
	UserStated string
	MyIntent   string
	At         time.Time
}

// Append writes a new journal entry under a monotonically unique key
// (second+microsecond precision, per spec §4.9).
func (j *Journal) Append(ctx context.Context, topics []string, userStated, myIntent string) (string, error) {
	now := clock.Now()
	key := journalKeyPrefix + now.UTC().Format("20060102T150405.000000")
	value := encodeEntry(topics, userStated, myIntent)

	if err := j.config.Set(ctx, key, value, configstore.CategoryJournal, configstore.WithBootLoad(false)); err != nil {
		return "", fmt.Errorf("journal: %w", err)
	}
	return key, nil
}

// Recent returns the newest n journal entries.
func (j *Journal) Recent(ctx context.Context, n int) ([]*Entry, error) {
	cat := configstore.CategoryJournal
	entries, err := j.config.List(ctx, &cat)
	if err != nil {
		return nil, fmt.Errorf("journal_recent: %w", err)
	}

	sort.Slice(entries, func(a, b int) bool { return entries[a].Key > entries[b].Key })
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}

	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, decodeEntry(e))
	}
	return out, nil
}

// Prune deletes journal entries beyond the newest keep, returning the
// number removed (spec §4.9).
func (j *Journal) Prune(ctx context.Context, keep int) (int, error) {
	cat := configstore.CategoryJournal
	entries, err := j.config.List(ctx, &cat)
	if err != nil {
		return 0, fmt.Errorf("journal_prune: %w", err)
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].Key > entries[b].Key })

	if len(entries) <= keep {
		return 0, nil
	}
	toDelete := entries[keep:]
	for _, e := range toDelete {
		if err := j.config.Delete(ctx, e.Key); err != nil {
			log.Warn("journal_prune: failed to delete entry", "key", e.Key, "error", err)
		}
	}
	return len(toDelete), nil
}

func encodeEntry(topics []string, userStated, myIntent string) string {
	return strings.Join(topics, ",") + "\x1f" + userStated + "\x1f" + myIntent
}

func decodeEntry(e *configstore.Entry) *Entry {
	parts := strings.SplitN(e.Value, "\x1f", 3)
	entry := &Entry{Key: e.Key, At: e.UpdatedAt}
	if len(parts) > 0 && parts[0] != "" {
		entry.Topics = strings.Split(parts[0], ",")
	}
	if len(parts) > 1 {
		entry.UserStated = parts[1]
	}
	if len(parts) > 2 {
		entry.MyIntent = parts[2]
	}
	return entry
}

// tagMemories issues a direct chronological (t DESC) query for
// non-deleted memories holding every tag in tags, bypassing search's
// priority-first ordering since journal/therapy/handoff semantics care
// about recency, not ranking.
func (j *Journal) tagMemories(ctx context.Context, tags []string, sessionID string, limit int) ([]*memorystore.Memory, error) {
	clauses := []string{"deleted_at IS NULL"}
	var args []any
	for _, tag := range tags {
		clauses = append(clauses, "tags LIKE ?")
		args = append(args, `%"`+tag+`"%`)
	}
	if sessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, sessionID)
	}

	sql := fmt.Sprintf(`SELECT id, type, t, summary, confidence, tags, refs, priority,
		session_id, valid_from, access_count, last_accessed, deleted_at, created_at, updated_at
		FROM memories WHERE %s ORDER BY t DESC`, strings.Join(clauses, " AND "))
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := j.client.ExecOne(ctx, transport.Statement{SQL: sql, Args: args})
	if err != nil {
		return nil, err
	}
	out := make([]*memorystore.Memory, 0, len(rows))
	for _, row := range rows {
		m, err := memorystore.ScanRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// SessionSave writes a memory tagged "session" carrying the summary and
// optional free-form context for the given session id (spec §4.9).
func (j *Journal) SessionSave(ctx context.Context, sessionID, summary, sessionContext string) (*memorystore.Memory, error) {
	tags := []string{"session"}
	refs := []memorystore.Ref{}
	if sessionContext != "" {
		refs = append(refs, memorystore.Ref{Kind: memorystore.RefKindOther, OtherType: "context", Other: map[string]any{"context": sessionContext}})
	}
	return j.memory.Remember(ctx, memorystore.RememberInput{
		Summary:   summary,
		Type:      memorystore.TypeInteraction,
		Tags:      tags,
		SessionID: sessionID,
		Refs:      refs,
	})
}

// SessionResumeResult bundles the latest session note with recent
// memories scoped to that session (spec §4.9).
type SessionResumeResult struct {
	Summary        string
	Context        string
	RecentMemories []*memorystore.Memory
}

const sessionResumeRecentCount = 10

// SessionResume reads the latest "session"-tagged record for sessionID
// plus the newest K memories in that session.
func (j *Journal) SessionResume(ctx context.Context, sessionID string) (*SessionResumeResult, error) {
	sessions, err := j.tagMemories(ctx, []string{"session"}, sessionID, 1)
	if err != nil {
		return nil, fmt.Errorf("session_resume: %w", err)
	}
	if len(sessions) == 0 {
		return nil, muninnerr.ErrNotFound
	}
	latest := sessions[0]

	recent, err := j.tagMemories(ctx, nil, sessionID, sessionResumeRecentCount)
	if err != nil {
		return nil, fmt.Errorf("session_resume: %w", err)
	}

	result := &SessionResumeResult{Summary: latest.Summary, RecentMemories: recent}
	for _, r := range latest.Refs {
		if r.Kind == memorystore.RefKindOther && r.OtherType == "context" {
			if c, ok := r.Other["context"].(string); ok {
				result.Context = c
			}
		}
	}
	return result, nil
}

// SessionInfo is a row in the Sessions() listing.
type SessionInfo struct {
	SessionID     string
	LatestSummary string
	LatestAt      time.Time
}

// Sessions lists known session ids with their latest "session"-tagged
// summary (spec §4.9).
func (j *Journal) Sessions(ctx context.Context) ([]*SessionInfo, error) {
	all, err := j.tagMemories(ctx, []string{"session"}, "", 0)
	if err != nil {
		return nil, fmt.Errorf("sessions: %w", err)
	}

	latest := map[string]*memorystore.Memory{}
	for _, m := range all {
		if existing, ok := latest[m.SessionID]; !ok || m.T.After(existing.T) {
			latest[m.SessionID] = m
		}
	}

	out := make([]*SessionInfo, 0, len(latest))
	for sid, m := range latest {
		out = append(out, &SessionInfo{SessionID: sid, LatestSummary: m.Summary, LatestAt: m.T})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].LatestAt.After(out[k].LatestAt) })
	return out, nil
}

// TherapyScope computes the cutoff instant (the t of the most recent
// "therapy"-tagged record) and every non-deleted record created after
// it (spec §4.9).
func (j *Journal) TherapyScope(ctx context.Context) (time.Time, []*memorystore.Memory, error) {
	markers, err := j.tagMemories(ctx, []string{"therapy"}, "", 1)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("therapy_scope: %w", err)
	}
	if len(markers) == 0 {
		return time.Time{}, nil, nil
	}
	cutoff := markers[0].T

	rows, err := j.sinceQuery(ctx, cutoff)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("therapy_scope: %w", err)
	}
	return cutoff, rows, nil
}

// TherapySessionCount counts records created after the most recent
// therapy marker.
func (j *Journal) TherapySessionCount(ctx context.Context) (int, error) {
	_, records, err := j.TherapyScope(ctx)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (j *Journal) sinceQuery(ctx context.Context, since time.Time) ([]*memorystore.Memory, error) {
	rows, err := j.client.ExecOne(ctx, transport.Statement{
		SQL: `SELECT id, type, t, summary, confidence, tags, refs, priority,
			session_id, valid_from, access_count, last_accessed, deleted_at, created_at, updated_at
			FROM memories WHERE deleted_at IS NULL AND t > ? ORDER BY t DESC`,
		Args: []any{since.UTC().Format(time.RFC3339Nano)},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*memorystore.Memory, 0, len(rows))
	for _, row := range rows {
		m, err := memorystore.ScanRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// HandoffPending returns memories tagged both "handoff" and "pending".
func (j *Journal) HandoffPending(ctx context.Context) ([]*memorystore.Memory, error) {
	return j.tagMemories(ctx, []string{"handoff", "pending"}, "", 0)
}

// HandoffComplete supersedes a pending handoff with a completion record
// tagged handoff+completed (spec §4.9). version, if non-empty, is
// appended to the summary for traceability.
func (j *Journal) HandoffComplete(ctx context.Context, id, notes, version string) (*memorystore.Memory, error) {
	summary := notes
	if version != "" {
		summary = fmt.Sprintf("%s (v%s)", notes, version)
	}
	completion, err := j.memory.Supersede(ctx, id, summary, memorystore.TypeDecision, []string{"handoff", "completed"}, nil)
	if err != nil {
		return nil, fmt.Errorf("handoff_complete: %w", err)
	}
	return completion, nil
}
