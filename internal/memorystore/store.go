package memorystore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oaustegard/muninn/internal/clock"
	"github.com/oaustegard/muninn/internal/logging"
	"github.com/oaustegard/muninn/internal/muninnerr"
	"github.com/oaustegard/muninn/internal/transport"
)

var log = logging.GetLogger("memorystore")

// TagRegistrar is implemented by the config store to receive novel tags
// observed on write (spec §4.5 remember: "novel tags ... are appended
// [to recall-triggers] as a side effect"). Kept as a narrow interface so
// memorystore does not import configstore directly.
type TagRegistrar interface {
	RegisterTags(ctx context.Context, tags []string) error
}

// Store implements the Memory Store component over the transport.
type Store struct {
	client    *transport.Client
	registrar TagRegistrar
}

// New creates a Store. registrar may be nil (no tag auto-registration).
func New(client *transport.Client, registrar TagRegistrar) *Store {
	return &Store{client: client, registrar: registrar}
}

// RememberInput is the set of fields accepted by Remember (spec §4.5).
type RememberInput struct {
	Summary      string
	Type         Type
	Tags         []string
	Confidence   *float64
	Refs         []Ref
	Priority     int
	ValidFrom    *time.Time
	SessionID    string
	Alternatives []Ref // prepended to Refs, each must be RefKindAlternative
}

// validateType and validateConfidence are shared by Remember and Supersede.
func validateType(t Type) error {
	if !ValidTypes[t] {
		return fmt.Errorf("%w: %q", muninnerr.ErrUnknownType, t)
	}
	return nil
}

func validateConfidence(c *float64) error {
	if c == nil {
		return nil
	}
	if *c < 0 || *c > 1 {
		return muninnerr.ErrInvalidConfidence
	}
	return nil
}

// defaultConfidence applies spec §3's default: 0.8 for decision, absent
// otherwise.
func defaultConfidence(t Type, c *float64) *float64 {
	if c != nil {
		return c
	}
	if t == TypeDecision {
		d := 0.8
		return &d
	}
	return nil
}

// Remember inserts a new memory record (spec §4.5). Background (write-behind)
// scheduling is the caller's responsibility (internal/writepipeline); this
// method always writes synchronously.
func (s *Store) Remember(ctx context.Context, in RememberInput) (*Memory, error) {
	if err := validateType(in.Type); err != nil {
		return nil, err
	}
	conf := defaultConfidence(in.Type, in.Confidence)
	if err := validateConfidence(conf); err != nil {
		return nil, err
	}

	now := clock.Now()
	m := &Memory{
		ID:         uuid.New().String(),
		Type:       in.Type,
		T:          now,
		Summary:    in.Summary,
		Confidence: conf,
		Tags:       dedupeTags(in.Tags),
		Priority:   ClampPriority(in.Priority),
		SessionID:  in.SessionID,
		ValidFrom:  in.ValidFrom,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	m.Refs = append(append([]Ref{}, in.Alternatives...), in.Refs...)
	for _, r := range m.Refs {
		if r.Kind == RefKindID && r.ID == m.ID {
			return nil, muninnerr.ErrRefCycleAttempt
		}
	}

	if err := s.insert(ctx, m); err != nil {
		return nil, err
	}

	if s.registrar != nil && len(m.Tags) > 0 {
		if err := s.registrar.RegisterTags(ctx, m.Tags); err != nil {
			log.Warn("tag auto-registration failed", "error", err)
		}
	}

	return m, nil
}

func (s *Store) insert(ctx context.Context, m *Memory) error {
	_, err := s.client.ExecOne(ctx, transport.Statement{
		SQL: `INSERT INTO memories (
			id, type, t, summary, confidence, tags, refs, priority,
			session_id, valid_from, access_count, last_accessed, deleted_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{
			m.ID, string(m.Type), isoTime(m.T), m.Summary, confArg(m.Confidence),
			m.TagsJSON(), m.RefsJSON(), m.Priority, nullStr(m.SessionID),
			isoTimePtr(m.ValidFrom), m.AccessCount, isoTimePtr(m.LastAccessed),
			isoTimePtr(m.DeletedAt), isoTime(m.CreatedAt), isoTime(m.UpdatedAt),
		},
	})
	if err != nil {
		return fmt.Errorf("remember: %w", err)
	}
	return nil
}

// RememberBatch groups writes into a single exec_batch call (spec §4.5).
func (s *Store) RememberBatch(ctx context.Context, inputs []RememberInput) ([]*Memory, error) {
	mems := make([]*Memory, len(inputs))
	stmts := make([]transport.Statement, len(inputs))
	allTags := map[string]bool{}

	for i, in := range inputs {
		if err := validateType(in.Type); err != nil {
			return nil, err
		}
		conf := defaultConfidence(in.Type, in.Confidence)
		if err := validateConfidence(conf); err != nil {
			return nil, err
		}
		now := clock.Now()
		m := &Memory{
			ID: uuid.New().String(), Type: in.Type, T: now, Summary: in.Summary,
			Confidence: conf, Tags: dedupeTags(in.Tags), Priority: ClampPriority(in.Priority),
			SessionID: in.SessionID, ValidFrom: in.ValidFrom, CreatedAt: now, UpdatedAt: now,
		}
		m.Refs = append(append([]Ref{}, in.Alternatives...), in.Refs...)
		for _, r := range m.Refs {
			if r.Kind == RefKindID && r.ID == m.ID {
				return nil, muninnerr.ErrRefCycleAttempt
			}
		}
		for _, tag := range m.Tags {
			allTags[tag] = true
		}
		mems[i] = m
		stmts[i] = transport.Statement{
			SQL: `INSERT INTO memories (
				id, type, t, summary, confidence, tags, refs, priority,
				session_id, valid_from, access_count, last_accessed, deleted_at,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			Args: []any{
				m.ID, string(m.Type), isoTime(m.T), m.Summary, confArg(m.Confidence),
				m.TagsJSON(), m.RefsJSON(), m.Priority, nullStr(m.SessionID),
				isoTimePtr(m.ValidFrom), m.AccessCount, isoTimePtr(m.LastAccessed),
				isoTimePtr(m.DeletedAt), isoTime(m.CreatedAt), isoTime(m.UpdatedAt),
			},
		}
	}

	items, err := s.client.ExecBatch(ctx, stmts)
	if err != nil {
		return nil, fmt.Errorf("remember_batch: %w", err)
	}
	for i, item := range items {
		if item.Err != nil {
			return nil, fmt.Errorf("remember_batch: item %d: %w", i, item.Err)
		}
	}

	if s.registrar != nil && len(allTags) > 0 {
		tags := make([]string, 0, len(allTags))
		for t := range allTags {
			tags = append(tags, t)
		}
		if err := s.registrar.RegisterTags(ctx, tags); err != nil {
			log.Warn("tag auto-registration failed", "error", err)
		}
	}

	return mems, nil
}

// Get retrieves a memory by id, including soft-deleted ones (callers that
// need deletion-aware access, e.g. chain traversal, use this directly).
func (s *Store) Get(ctx context.Context, id string) (*Memory, error) {
	rows, err := s.client.ExecOne(ctx, transport.Statement{
		SQL:  selectColumns + ` FROM memories WHERE id = ?`,
		Args: []any{id},
	})
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	if len(rows) == 0 {
		return nil, muninnerr.ErrNotFound
	}
	return scanMemory(rows[0])
}

// ScanRow decodes a raw transport row into a Memory, for callers (like
// internal/search) that issue their own queries against the memories
// table instead of going through Store's methods.
func ScanRow(row transport.Row) (*Memory, error) {
	return scanMemory(row)
}

// Forget soft-deletes a memory. Idempotent: forgetting an already-deleted
// or missing record is a no-op (spec §8 invariant 9).
func (s *Store) Forget(ctx context.Context, id string) error {
	now := clock.Now()
	_, err := s.client.ExecOne(ctx, transport.Statement{
		SQL:  `UPDATE memories SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		Args: []any{isoTime(now), isoTime(now), id},
	})
	if err != nil {
		return fmt.Errorf("forget: %w", err)
	}
	return nil
}

// Supersede creates a new record whose refs begin with original_id and
// whose valid_from inherits the predecessor's t, soft-deleting the
// predecessor (spec §4.5).
func (s *Store) Supersede(ctx context.Context, originalID, summary string, t Type, tags []string, conf *float64) (*Memory, error) {
	original, err := s.Get(ctx, originalID)
	if err != nil {
		if err == muninnerr.ErrNotFound {
			return nil, muninnerr.ErrSupersedeNotFound
		}
		return nil, err
	}

	validFrom := original.T
	newMem, err := s.Remember(ctx, RememberInput{
		Summary:    summary,
		Type:       t,
		Tags:       tags,
		Confidence: conf,
		Refs:       []Ref{NewIDRef(originalID)},
		ValidFrom:  &validFrom,
	})
	if err != nil {
		return nil, err
	}

	if err := s.Forget(ctx, originalID); err != nil {
		return nil, fmt.Errorf("supersede: forgetting predecessor: %w", err)
	}

	return newMem, nil
}

// Reprioritize sets priority directly, clamped to [-1,2].
func (s *Store) Reprioritize(ctx context.Context, id string, priority int) error {
	return s.setPriority(ctx, id, ClampPriority(priority))
}

// Strengthen bumps priority up by boost (default 1), clamped.
func (s *Store) Strengthen(ctx context.Context, id string, boost int) error {
	m, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.setPriority(ctx, id, ClampPriority(m.Priority+boost))
}

// Weaken drops priority down by drop (default 1), clamped.
func (s *Store) Weaken(ctx context.Context, id string, drop int) error {
	m, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.setPriority(ctx, id, ClampPriority(m.Priority-drop))
}

func (s *Store) setPriority(ctx context.Context, id string, priority int) error {
	now := clock.Now()
	_, err := s.client.ExecOne(ctx, transport.Statement{
		SQL:  `UPDATE memories SET priority = ?, updated_at = ? WHERE id = ?`,
		Args: []any{priority, isoTime(now), id},
	})
	if err != nil {
		return fmt.Errorf("set priority: %w", err)
	}
	return nil
}

// UpdateConfidence sets confidence directly, rejecting values outside
// [0,1]. Strengthen and Weaken change priority only.
func (s *Store) UpdateConfidence(ctx context.Context, id string, conf float64) error {
	if conf < 0 || conf > 1 {
		return muninnerr.ErrInvalidConfidence
	}
	now := clock.Now()
	_, err := s.client.ExecOne(ctx, transport.Statement{
		SQL:  `UPDATE memories SET confidence = ?, updated_at = ? WHERE id = ?`,
		Args: []any{conf, isoTime(now), id},
	})
	if err != nil {
		return fmt.Errorf("update confidence: %w", err)
	}
	return nil
}

// RecordAccess increments access_count and sets last_accessed. Used by
// search's bookkeeping side effects (spec §4.6); failures are the caller's
// concern to log and drop, not surface.
func (s *Store) RecordAccess(ctx context.Context, id string) error {
	now := clock.Now()
	_, err := s.client.ExecOne(ctx, transport.Statement{
		SQL:  `UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`,
		Args: []any{isoTime(now), id},
	})
	return err
}

// GetChain performs an iterative, cycle-safe BFS over refs ID-edges up to
// min(depth, 10) hops (spec §4.5, §9). The seed is annotated ChainDepth=0.
func (s *Store) GetChain(ctx context.Context, id string, depth int) ([]*Memory, error) {
	if depth > 10 {
		depth = 10
	}
	if depth < 0 {
		depth = 0
	}

	seed, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	seed.ChainDepth = 0

	visited := map[string]bool{id: true}
	result := []*Memory{seed}
	frontier := []*Memory{seed}

	for hop := 1; hop <= depth && len(frontier) > 0; hop++ {
		var next []*Memory
		for _, node := range frontier {
			for _, refID := range node.refIDs() {
				if visited[refID] {
					continue
				}
				visited[refID] = true
				child, err := s.Get(ctx, refID)
				if err != nil {
					if err == muninnerr.ErrNotFound {
						continue
					}
					return nil, err
				}
				child.ChainDepth = hop
				result = append(result, child)
				next = append(next, child)
			}
		}
		frontier = next
	}

	return result, nil
}

// GetAlternatives projects refs filtered to type=="alternative" (spec §4.5).
func (s *Store) GetAlternatives(ctx context.Context, id string) ([]Ref, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Alternatives(), nil
}

// Stats reports basic store-wide counts, mirroring the teacher's
// Database.GetStats() diagnostic surface (supplemented feature, SPEC_FULL.md §C).
type Stats struct {
	Total       int
	ByType      map[Type]int
	ByPriority  map[int]int
	SoftDeleted int
}

// GetStats computes summary counts. It issues a single filterless list
// query and aggregates locally, which is adequate at the scale this
// engine targets (bounded per-session memory volume, not a data warehouse).
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	rows, err := s.client.ExecOne(ctx, transport.Statement{
		SQL: `SELECT type, priority, deleted_at FROM memories`,
	})
	if err != nil {
		return nil, fmt.Errorf("get_stats: %w", err)
	}

	stats := &Stats{ByType: map[Type]int{}, ByPriority: map[int]int{}}
	for _, row := range rows {
		if row["deleted_at"] != nil {
			stats.SoftDeleted++
			continue
		}
		stats.Total++
		if t, ok := row["type"].(string); ok {
			stats.ByType[Type(t)]++
		}
		if p, ok := asInt(row["priority"]); ok {
			stats.ByPriority[p]++
		}
	}
	return stats, nil
}

// All returns every non-deleted memory, oldest first, for callers that
// need the full store rather than a bounded/ranked slice (export).
func (s *Store) All(ctx context.Context) ([]*Memory, error) {
	rows, err := s.client.ExecOne(ctx, transport.Statement{
		SQL: selectColumns + ` FROM memories WHERE deleted_at IS NULL ORDER BY created_at ASC`,
	})
	if err != nil {
		return nil, fmt.Errorf("all: %w", err)
	}
	out := make([]*Memory, 0, len(rows))
	for _, row := range rows {
		m, err := scanMemory(row)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ImportRecord inserts m exactly as given — preserving its id and every
// timestamp instead of assigning fresh ones the way Remember does — so a
// round trip through export/import reproduces the original record
// byte-for-byte on its content fields (spec §8 invariant 8). The caller
// is responsible for clearing any existing row with the same id first
// when replace semantics (merge=false) are wanted.
func (s *Store) ImportRecord(ctx context.Context, m *Memory) error {
	if err := validateType(m.Type); err != nil {
		return err
	}
	return s.insert(ctx, m)
}

// Clear deletes every row from the memories table, bypassing soft
// deletion. Used by import's replace mode (merge=false): the importer
// clears the live store and re-inserts the export's records verbatim,
// rather than soft-deleting and leaving stale tombstones behind.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.client.ExecOne(ctx, transport.Statement{SQL: `DELETE FROM memories`})
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, type, t, summary, confidence, tags, refs, priority,
	session_id, valid_from, access_count, last_accessed, deleted_at, created_at, updated_at`

func scanMemory(row transport.Row) (*Memory, error) {
	m := &Memory{}
	var err error

	m.ID, _ = row["id"].(string)
	m.Type = Type(asString(row["type"]))
	m.Summary = asString(row["summary"])
	m.SessionID = asString(row["session_id"])
	m.Priority, _ = asInt(row["priority"])
	m.AccessCount, _ = asInt(row["access_count"])
	m.Tags = ParseTags(row["tags"])
	m.Refs = ParseRefs(row["refs"])

	if m.T, err = parseISOTime(row["t"]); err != nil {
		return nil, fmt.Errorf("scan memory %s: bad t: %w", m.ID, err)
	}
	if m.CreatedAt, err = parseISOTime(row["created_at"]); err != nil {
		return nil, fmt.Errorf("scan memory %s: bad created_at: %w", m.ID, err)
	}
	if m.UpdatedAt, err = parseISOTime(row["updated_at"]); err != nil {
		return nil, fmt.Errorf("scan memory %s: bad updated_at: %w", m.ID, err)
	}
	m.ValidFrom = parseISOTimePtr(row["valid_from"])
	m.LastAccessed = parseISOTimePtr(row["last_accessed"])
	m.DeletedAt = parseISOTimePtr(row["deleted_at"])

	if row["confidence"] != nil {
		if f, ok := asFloat(row["confidence"]); ok {
			m.Confidence = &f
		}
	}

	return m, nil
}

func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
